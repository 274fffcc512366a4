package identity

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/zalando/go-keyring"
)

// TokenStore persists the session between process runs.
// This allows us to mock the keyring in tests
type TokenStore interface {
	SaveSession(key string, s *Session) error
	LoadSession(key string) (*Session, error)
	DeleteSession(key string) error
}

// storedSession is the JSON document kept in the keyring
type storedSession struct {
	UserID       string    `json:"user_id"`
	Email        string    `json:"email"`
	AccessToken  string    `json:"access_token"`
	RefreshToken string    `json:"refresh_token"`
	ExpiresAt    time.Time `json:"expires_at"`
}

// KeyringStore implements TokenStore using the OS keychain/credential manager
type KeyringStore struct {
	service string
}

// NewKeyringStore creates a keyring-backed store under the given service name
func NewKeyringStore(service string) *KeyringStore {
	return &KeyringStore{service: service}
}

// SaveSession persists the session securely in the OS keychain/credential manager
func (k *KeyringStore) SaveSession(key string, s *Session) error {
	data, err := json.Marshal(storedSession{
		UserID:       s.UserID,
		Email:        s.Email,
		AccessToken:  s.AccessToken,
		RefreshToken: s.RefreshToken,
		ExpiresAt:    s.ExpiresAt,
	})
	if err != nil {
		return fmt.Errorf("failed to marshal session: %w", err)
	}

	if err := keyring.Set(k.service, key, string(data)); err != nil {
		return fmt.Errorf("failed to save session: %w", err)
	}
	return nil
}

// LoadSession retrieves the session from the OS keychain/credential manager
func (k *KeyringStore) LoadSession(key string) (*Session, error) {
	data, err := keyring.Get(k.service, key)
	if err != nil {
		if errors.Is(err, keyring.ErrNotFound) {
			return nil, ErrNoStoredSession
		}
		return nil, fmt.Errorf("failed to load session: %w", err)
	}

	var stored storedSession
	if err := json.Unmarshal([]byte(data), &stored); err != nil {
		return nil, fmt.Errorf("failed to parse stored session: %w", err)
	}

	return &Session{
		UserID:       stored.UserID,
		Email:        stored.Email,
		AccessToken:  stored.AccessToken,
		RefreshToken: stored.RefreshToken,
		ExpiresAt:    stored.ExpiresAt,
	}, nil
}

// DeleteSession removes the session from the OS keychain/credential manager
func (k *KeyringStore) DeleteSession(key string) error {
	if err := keyring.Delete(k.service, key); err != nil {
		if errors.Is(err, keyring.ErrNotFound) {
			return nil // Already deleted
		}
		return fmt.Errorf("failed to delete session: %w", err)
	}
	return nil
}
