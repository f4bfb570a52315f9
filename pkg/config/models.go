package config

import (
	"errors"
	"fmt"
	"time"
)

var ErrInvalidConfig = errors.New("invalid configuration")

type Config struct {
	Server    ServerConfig
	Transport TransportConfig
	Session   SessionConfig
	Logging   LoggingConfig
	Metrics   MetricsConfig
}

type ServerConfig struct {
	Address         string
	Auth            AuthConfig
	ConnectionLimit ConnectionLimitConfig `mapstructure:"connectionLimit"`
	ShutdownTimeout time.Duration         `mapstructure:"shutdownTimeout"`
}

type AuthConfig struct {
	JWTSecret string `mapstructure:"jwtSecret"`
}

type ConnectionLimitConfig struct {
	MaxPerUser int    `mapstructure:"maxPerUser"` // 0 disables the limit
	Mode       string `mapstructure:"mode"`       // "reject" or "cycle"
}

type TransportConfig struct {
	ReadTimeout  time.Duration `mapstructure:"readTimeout"`
	WriteTimeout time.Duration `mapstructure:"writeTimeout"`
	PingInterval time.Duration `mapstructure:"pingInterval"`
	SendBuffer   int           `mapstructure:"sendBuffer"`
	ReadLimit    int64         `mapstructure:"readLimit"`
}

type SessionConfig struct {
	DenialPolicy      string `mapstructure:"denialPolicy"` // "reject" or "silent"
	GroupSenderUserID bool   `mapstructure:"groupSenderUserId"`
	// RateLimit caps inbound frames per connection, e.g. "50/s". Empty
	// disables it.
	RateLimit string `mapstructure:"rateLimit"`
}

type LoggingConfig struct {
	Level  string
	Format string // "text" or "json"
	// File, when set, also writes logs to a rotated file.
	File       string
	MaxSizeMB  int  `mapstructure:"maxSizeMB"`
	MaxBackups int  `mapstructure:"maxBackups"`
	MaxAgeDays int  `mapstructure:"maxAgeDays"`
	Compress   bool `mapstructure:"compress"`
}

type MetricsConfig struct {
	Enabled bool
}

// Validate reports the first setting the server cannot run with.
func (c *Config) Validate() error {
	if c.Server.Address == "" {
		return fmt.Errorf("%w: server.address is empty", ErrInvalidConfig)
	}
	if c.Server.Auth.JWTSecret == "" {
		return fmt.Errorf("%w: server.auth.jwtSecret is empty", ErrInvalidConfig)
	}
	switch c.Server.ConnectionLimit.Mode {
	case "", "reject", "cycle":
	default:
		return fmt.Errorf("%w: server.connectionLimit.mode %q", ErrInvalidConfig, c.Server.ConnectionLimit.Mode)
	}
	if c.Server.ConnectionLimit.MaxPerUser < 0 {
		return fmt.Errorf("%w: server.connectionLimit.maxPerUser is negative", ErrInvalidConfig)
	}
	switch c.Session.DenialPolicy {
	case "", "reject", "silent":
	default:
		return fmt.Errorf("%w: session.denialPolicy %q", ErrInvalidConfig, c.Session.DenialPolicy)
	}
	switch c.Logging.Format {
	case "", "text", "json":
	default:
		return fmt.Errorf("%w: logging.format %q", ErrInvalidConfig, c.Logging.Format)
	}
	if c.Transport.SendBuffer < 0 || c.Transport.ReadLimit < 0 {
		return fmt.Errorf("%w: transport buffer sizes must not be negative", ErrInvalidConfig)
	}
	return nil
}
