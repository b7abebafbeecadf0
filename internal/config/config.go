// Package config содержит логику чтения конфигурации сервиса выставления счетов.
package config

import (
	"flag"
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
)

const (
	defaultRunAddress    = "localhost:8080"
	defaultOAuthTokenURL = "https://oauth2.googleapis.com/token"
)

// Config содержит параметры конфигурации сервиса выставления счетов.
type Config struct {
	RunAddress  string `env:"RUN_ADDRESS"`
	DatabaseURI string `env:"DATABASE_URI"`

	OAuthTokenURL     string `env:"OAUTH_TOKEN_URL"`
	OAuthClientID     string `env:"OAUTH_CLIENT_ID"`
	OAuthClientSecret string `env:"OAUTH_CLIENT_SECRET"`
	OAuthProvider     string `env:"OAUTH_PROVIDER" envDefault:"google"`

	SMTPHost string `env:"SMTP_HOST" envDefault:"smtp.gmail.com"`
	SMTPPort int    `env:"SMTP_PORT" envDefault:"587"`

	AuthSecret    string `env:"AUTH_SECRET"`
	EncryptionKey string `env:"ENCRYPTION_KEY"`

	MaxSendAttempts  int           `env:"MAX_SEND_ATTEMPTS" envDefault:"3"`
	SendRecordPolicy string        `env:"SEND_RECORD_POLICY" envDefault:"success"`
	ExternalTimeout  time.Duration `env:"EXTERNAL_TIMEOUT" envDefault:"15s"`
}

// Parse считывает конфигурацию из флагов командной строки и переменных окружения.
// Переменные окружения имеют приоритет над флагами.
func Parse() (*Config, error) {
	cfg := &Config{}

	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}

	envRunAddress := cfg.RunAddress
	envDatabaseURI := cfg.DatabaseURI
	envTokenURL := cfg.OAuthTokenURL

	flag.StringVar(&cfg.RunAddress, "a", defaultRunAddress, "address and port for HTTP server")
	flag.StringVar(&cfg.DatabaseURI, "d", "", "database URI")
	flag.StringVar(&cfg.OAuthTokenURL, "t", defaultOAuthTokenURL, "OAuth token endpoint")

	flag.Parse()

	if envRunAddress != "" {
		cfg.RunAddress = envRunAddress
	}
	if envDatabaseURI != "" {
		cfg.DatabaseURI = envDatabaseURI
	}
	if envTokenURL != "" {
		cfg.OAuthTokenURL = envTokenURL
	}

	if cfg.RunAddress == "" {
		cfg.RunAddress = defaultRunAddress
	}
	if cfg.OAuthTokenURL == "" {
		cfg.OAuthTokenURL = defaultOAuthTokenURL
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func (c *Config) validate() error {
	if c.MaxSendAttempts < 0 {
		return fmt.Errorf("MAX_SEND_ATTEMPTS must not be negative, got %d", c.MaxSendAttempts)
	}
	if c.SMTPPort <= 0 || c.SMTPPort > 65535 {
		return fmt.Errorf("SMTP_PORT out of range: %d", c.SMTPPort)
	}
	if c.ExternalTimeout <= 0 {
		return fmt.Errorf("EXTERNAL_TIMEOUT must be positive, got %s", c.ExternalTimeout)
	}
	return nil
}
