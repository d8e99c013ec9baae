package config

import "time"

// Config holds server configuration values.
type Config struct {
	Addr              string        `mapstructure:"addr" yaml:"addr"`
	ReadHeaderTimeout time.Duration `mapstructure:"read_header_timeout" yaml:"read_header_timeout"`
	ShutdownTimeout   time.Duration `mapstructure:"shutdown_timeout" yaml:"shutdown_timeout"`
	DatabasePath      string        `mapstructure:"database_path" yaml:"database_path"`
	LogLevel          string        `mapstructure:"log_level" yaml:"log_level"`

	JWTSecret   string        `mapstructure:"jwt_secret" yaml:"jwt_secret"`
	JWTIssuer   string        `mapstructure:"jwt_issuer" yaml:"jwt_issuer"`
	JWTAudience string        `mapstructure:"jwt_audience" yaml:"jwt_audience"`
	TokenTTL    time.Duration `mapstructure:"token_ttl" yaml:"token_ttl"`

	// TokenIdleTimeout is the server-side sliding inactivity window for
	// issued tokens; a token unused for longer is rejected and evicted.
	TokenIdleTimeout time.Duration `mapstructure:"token_idle_timeout" yaml:"token_idle_timeout"`

	// ParticipantTimeout is how long a room participant may stay silent
	// before the inactivity sweep removes it.
	ParticipantTimeout time.Duration `mapstructure:"participant_timeout" yaml:"participant_timeout"`

	// SweepInterval drives the periodic token and participant cleanups.
	SweepInterval time.Duration `mapstructure:"sweep_interval" yaml:"sweep_interval"`
}

// Default returns configuration with reasonable starter defaults.
func Default() Config {
	return Config{
		Addr:               ":8080",
		ReadHeaderTimeout:  5 * time.Second,
		ShutdownTimeout:    5 * time.Second,
		DatabasePath:       "waveline.db",
		LogLevel:           "info",
		JWTSecret:          "change-me",
		JWTIssuer:          "waveline",
		JWTAudience:        "waveline",
		TokenTTL:           time.Hour,
		TokenIdleTimeout:   30 * time.Minute,
		ParticipantTimeout: 30 * time.Minute,
		SweepInterval:      time.Minute,
	}
}

// UpdateFrom overwrites non-zero values from other config into receiver.
func (c *Config) UpdateFrom(other Config) {
	if other.Addr != "" {
		c.Addr = other.Addr
	}
	if other.ReadHeaderTimeout != 0 {
		c.ReadHeaderTimeout = other.ReadHeaderTimeout
	}
	if other.ShutdownTimeout != 0 {
		c.ShutdownTimeout = other.ShutdownTimeout
	}
	if other.DatabasePath != "" {
		c.DatabasePath = other.DatabasePath
	}
	if other.LogLevel != "" {
		c.LogLevel = other.LogLevel
	}
	if other.JWTSecret != "" {
		c.JWTSecret = other.JWTSecret
	}
	if other.JWTIssuer != "" {
		c.JWTIssuer = other.JWTIssuer
	}
	if other.JWTAudience != "" {
		c.JWTAudience = other.JWTAudience
	}
	if other.TokenTTL != 0 {
		c.TokenTTL = other.TokenTTL
	}
	if other.TokenIdleTimeout != 0 {
		c.TokenIdleTimeout = other.TokenIdleTimeout
	}
	if other.ParticipantTimeout != 0 {
		c.ParticipantTimeout = other.ParticipantTimeout
	}
	if other.SweepInterval != 0 {
		c.SweepInterval = other.SweepInterval
	}
}
