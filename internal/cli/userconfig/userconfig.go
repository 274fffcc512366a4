package userconfig

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

const (
	configDirName  = "atsa"
	configFileName = "config.json"
)

// UserConfig represents the user's local configuration stored in ~/.config/atsa/config.json.
// It never holds secrets; sessions live in the OS keychain.
type UserConfig struct {
	// Last email signed in with, per identity service URL
	LastEmails map[string]string `json:"last_emails,omitempty"`
}

// GetConfigPath returns the path to the user config file
func GetConfigPath() (string, error) {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get user home directory: %w", err)
	}

	return filepath.Join(homeDir, ".config", configDirName, configFileName), nil
}

// Load reads the user configuration file
func Load() (*UserConfig, error) {
	configPath, err := GetConfigPath()
	if err != nil {
		return nil, err
	}

	data, err := os.ReadFile(configPath)
	if os.IsNotExist(err) {
		return &UserConfig{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read user config file: %w", err)
	}

	var cfg UserConfig
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse user config file: %w", err)
	}

	return &cfg, nil
}

// Save writes the user configuration to a file
func Save(cfg *UserConfig) error {
	configPath, err := GetConfigPath()
	if err != nil {
		return err
	}

	if err := os.MkdirAll(filepath.Dir(configPath), 0o700); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal user config: %w", err)
	}

	if err := os.WriteFile(configPath, data, 0o600); err != nil {
		return fmt.Errorf("failed to write user config file: %w", err)
	}

	return nil
}

// SetLastEmail remembers the email last signed in with on identityURL
func SetLastEmail(identityURL, email string) error {
	cfg, err := Load()
	if err != nil {
		return err
	}

	if cfg.LastEmails == nil {
		cfg.LastEmails = make(map[string]string)
	}
	cfg.LastEmails[identityURL] = email
	return Save(cfg)
}

// GetLastEmail returns the email last signed in with on identityURL, or empty string if not set
func GetLastEmail(identityURL string) (string, error) {
	cfg, err := Load()
	if err != nil {
		return "", err
	}

	return cfg.LastEmails[identityURL], nil
}
