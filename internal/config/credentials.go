package config

import (
	"fmt"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

// Credentials are the SIP account secrets kept outside the main config file.
type Credentials struct {
	Username string `env:"SIP_USERNAME,required"`
	Password string `env:"SIP_PASSWORD,required"`
	AuthUser string `env:"SIP_AUTH_USER"` // defaults to Username
}

// LoadCredentials reads a KEY=VALUE file holding SIP_USERNAME and SIP_PASSWORD.
// The process environment is not consulted, so a stray variable cannot shadow the file.
func LoadCredentials(path string) (*Credentials, error) {
	vars, err := godotenv.Read(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read credentials file %s: %w", path, err)
	}

	var c Credentials
	if err := env.ParseWithOptions(&c, env.Options{Environment: vars}); err != nil {
		return nil, fmt.Errorf("invalid credentials file %s: %w", path, err)
	}
	if c.AuthUser == "" {
		c.AuthUser = c.Username
	}
	return &c, nil
}
