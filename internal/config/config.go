package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

// Config holds all configuration for the application
type Config struct {
	// Identity service the CLI talks to
	Identity IdentityConfig `envPrefix:"ATSA_IDENTITY_"`

	// Logging Configuration
	Logging LoggingConfig `envPrefix:"LOG_"`

	// Local development identity service
	DevServer DevServerConfig `envPrefix:"DEV_IDENTITY_"`
}

// IdentityConfig holds identity service client configuration
type IdentityConfig struct {
	URL     string        `env:"URL" envDefault:"http://localhost:9999"`
	APIKey  string        `env:"API_KEY"`
	Timeout time.Duration `env:"TIMEOUT" envDefault:"30s"`

	// Cron schedule of the session expiry watcher
	SessionCheckSchedule string        `env:"SESSION_CHECK_SCHEDULE" envDefault:"@every 1m"`
	RefreshMargin        time.Duration `env:"REFRESH_MARGIN" envDefault:"1m"`

	// Some backends issue a session straight from sign-up; off unless the backend is known to
	SignUpSignsIn bool `env:"SIGNUP_SIGNS_IN" envDefault:"false"`

	KeyringService string `env:"KEYRING_SERVICE" envDefault:"atsa-cli"`
}

// LoggingConfig holds logging-related configuration
type LoggingConfig struct {
	Level  string `env:"LEVEL" envDefault:"warn"`
	Format string `env:"FORMAT" envDefault:"console"` // json, console
}

// DevServerConfig holds configuration of the development identity service
type DevServerConfig struct {
	Port           string        `env:"PORT" envDefault:"9999"`
	DatabaseURL    string        `env:"DATABASE_URL" envDefault:"identity-dev.sqlite"`
	JWTSecret      string        `env:"JWT_SECRET" envDefault:"dev-secret-change-me"`
	AccessTokenTTL time.Duration `env:"ACCESS_TOKEN_TTL" envDefault:"1h"`
	AutoConfirm    bool          `env:"AUTOCONFIRM" envDefault:"true"`
	AllowOrigins   []string      `env:"ALLOW_ORIGINS" envDefault:"http://localhost:5173" envSeparator:","`
}

// Load loads configuration from environment variables
func Load() (*Config, error) {
	// Load .env files (fails silently if files don't exist)
	_ = godotenv.Load(".env")
	_ = godotenv.Load(".env.local")

	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	if cfg.Identity.URL == "" {
		return nil, fmt.Errorf("ATSA_IDENTITY_URL must not be empty")
	}

	return &cfg, nil
}
