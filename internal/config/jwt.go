package config

import (
	"fmt"
)

// DefaultTokenHours is the lifetime of tokens minted by the CLI
const DefaultTokenHours = 24

// JWTConfig holds configuration for bearer token validation and minting.
type JWTConfig struct {
	Secret          string
	ExpirationHours int
	AdminRole       string
}

// NewJWTConfig builds a JWT configuration. An expiration of zero selects
// DefaultTokenHours.
func NewJWTConfig(secret string, expirationHours int, adminRole string) (*JWTConfig, error) {
	if expirationHours == 0 {
		expirationHours = DefaultTokenHours
	}
	if adminRole == "" {
		adminRole = "admin"
	}
	config := &JWTConfig{
		Secret:          secret,
		ExpirationHours: expirationHours,
		AdminRole:       adminRole,
	}
	if err := config.normalize(); err != nil {
		return nil, err
	}
	return config, nil
}

// JWT returns the token configuration of the server section, or nil when
// bearer authentication is disabled
func (c *Config) JWT() (*JWTConfig, error) {
	if c.Server.JWTSecret == "" {
		return nil, nil
	}
	return NewJWTConfig(c.Server.JWTSecret, DefaultTokenHours, c.Server.AdminRole)
}

// normalize validates the configuration.
func (c *JWTConfig) normalize() error {
	if c.Secret == "" {
		return fmt.Errorf("JWT_SECRET cannot be empty")
	}
	if len(c.Secret) < 16 {
		return fmt.Errorf("JWT_SECRET must be at least 16 characters")
	}
	if c.ExpirationHours < 1 {
		return fmt.Errorf("token expiration must be at least 1 hour, got: %d", c.ExpirationHours)
	}
	return nil
}
