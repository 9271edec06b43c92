package kurrentdb

import (
	"fmt"

	"github.com/carelink-ng/referral/internal/shared/config"
)

// Config holds KurrentDB connection configuration.
type Config struct {
	Host     string
	Port     int
	Insecure bool
	Username string
	Password string
}

// FromConfig maps the service configuration section.
func FromConfig(cfg config.KurrentDBConfig) *Config {
	return &Config{
		Host:     cfg.Host,
		Port:     cfg.Port,
		Insecure: cfg.Insecure,
		Username: cfg.Username,
		Password: cfg.Password,
	}
}

// ConnectionString returns the esdb:// connection string for EventStore client.
func (c *Config) ConnectionString() string {
	var auth string
	if c.Username != "" && c.Password != "" {
		auth = fmt.Sprintf("%s:%s@", c.Username, c.Password)
	}

	var tls string
	if c.Insecure {
		tls = "?tls=false"
	}

	return fmt.Sprintf("esdb://%s%s:%d%s", auth, c.Host, c.Port, tls)
}
