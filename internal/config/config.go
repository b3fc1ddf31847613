// Package config provides Viper-based configuration loading for the chat server.
package config

import (
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// ServerConfig holds WebSocket listener settings.
type ServerConfig struct {
	// Host is the bind address for the WebSocket listener.
	Host string `mapstructure:"host"`
	// Port is the TCP port for the WebSocket listener.
	Port int `mapstructure:"port"`
	// ReadLimit is the maximum size in bytes of a single inbound frame.
	ReadLimit int64 `mapstructure:"read_limit"`
	// WriteTimeout bounds each outbound frame write.
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
	// SendBuffer is the number of outbound frames queued per connection.
	SendBuffer int `mapstructure:"send_buffer"`
	// AllowedOrigins restricts browser Origin headers. Empty or "*" allows all.
	AllowedOrigins []string `mapstructure:"allowed_origins"`
}

// Addr returns the "host:port" listen address.
//
// Postcondition: Returns a non-empty string in "host:port" format.
func (s ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

// ChannelsConfig holds the static channel allow-list.
type ChannelsConfig struct {
	// Allowed is the ordered set of joinable channel identifiers.
	Allowed []string `mapstructure:"allowed"`
	// Fallback is where kicked users are re-joined. Must be in Allowed.
	Fallback string `mapstructure:"fallback"`
}

// AdminConfig holds the reserved administrator identity.
type AdminConfig struct {
	// Username is the reserved name, compared case-insensitively.
	Username string `mapstructure:"username"`
	// PasswordHash is the hex SHA-256 digest clients must present, or a bcrypt
	// hash of that digest. Empty disables administrator login.
	PasswordHash string `mapstructure:"password_hash"`
}

// LoggingConfig holds structured logging settings.
type LoggingConfig struct {
	// Level is the minimum log level: "debug", "info", "warn", "error".
	Level string `mapstructure:"level"`
	// Format is the log output format: "json" or "console".
	Format string `mapstructure:"format"`
}

// OpsConfig holds the gRPC health endpoint settings.
type OpsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Host    string `mapstructure:"host"`
	Port    int    `mapstructure:"port"`
}

// Addr returns the "host:port" gRPC address.
func (o OpsConfig) Addr() string {
	return fmt.Sprintf("%s:%d", o.Host, o.Port)
}

// Config is the top-level application configuration.
type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Channels ChannelsConfig `mapstructure:"channels"`
	Admin    AdminConfig    `mapstructure:"admin"`
	Logging  LoggingConfig  `mapstructure:"logging"`
	Ops      OpsConfig      `mapstructure:"ops"`
}

// Validate checks all configuration invariants.
//
// Postcondition: Returns nil if configuration is valid, or an error describing all violations.
func (c Config) Validate() error {
	var errs []string

	if err := validateServer(c.Server); err != nil {
		errs = append(errs, err.Error())
	}
	if err := validateChannels(c.Channels); err != nil {
		errs = append(errs, err.Error())
	}
	if err := validateAdmin(c.Admin); err != nil {
		errs = append(errs, err.Error())
	}
	if err := validateLogging(c.Logging); err != nil {
		errs = append(errs, err.Error())
	}
	if err := validateOps(c.Ops); err != nil {
		errs = append(errs, err.Error())
	}

	if len(errs) > 0 {
		return fmt.Errorf("configuration validation failed: %s", strings.Join(errs, "; "))
	}
	return nil
}

func validateServer(s ServerConfig) error {
	var errs []string
	if s.Port < 0 || s.Port > 65535 {
		errs = append(errs, fmt.Sprintf("server.port must be 0-65535, got %d", s.Port))
	}
	if s.ReadLimit < 1 {
		errs = append(errs, fmt.Sprintf("server.read_limit must be >= 1, got %d", s.ReadLimit))
	}
	if s.WriteTimeout <= 0 {
		errs = append(errs, "server.write_timeout must be positive")
	}
	if s.SendBuffer < 1 {
		errs = append(errs, fmt.Sprintf("server.send_buffer must be >= 1, got %d", s.SendBuffer))
	}
	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}
	return nil
}

func validateChannels(c ChannelsConfig) error {
	var errs []string
	if len(c.Allowed) == 0 {
		errs = append(errs, "channels.allowed must not be empty")
	}
	seen := make(map[string]bool, len(c.Allowed))
	for _, id := range c.Allowed {
		switch {
		case strings.TrimSpace(id) == "":
			errs = append(errs, "channels.allowed must not contain empty identifiers")
		case strings.ContainsAny(id, " \t@"):
			errs = append(errs, fmt.Sprintf("channels.allowed entry %q must not contain whitespace or '@'", id))
		case seen[id]:
			errs = append(errs, fmt.Sprintf("channels.allowed contains duplicate %q", id))
		}
		seen[id] = true
	}
	if !seen[c.Fallback] {
		errs = append(errs, fmt.Sprintf("channels.fallback %q must be one of channels.allowed", c.Fallback))
	}
	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}
	return nil
}

func validateAdmin(a AdminConfig) error {
	if strings.TrimSpace(a.Username) == "" {
		return errors.New("admin.username must not be empty")
	}
	if a.PasswordHash == "" || strings.HasPrefix(a.PasswordHash, "$2") {
		return nil
	}
	if b, err := hex.DecodeString(a.PasswordHash); err != nil || len(b) != 32 {
		return errors.New("admin.password_hash must be a 64-character hex sha256 digest or a bcrypt hash")
	}
	return nil
}

func validateLogging(l LoggingConfig) error {
	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[l.Level] {
		return fmt.Errorf("logging.level must be one of [debug, info, warn, error], got %q", l.Level)
	}
	validFormats := map[string]bool{"json": true, "console": true}
	if !validFormats[l.Format] {
		return fmt.Errorf("logging.format must be one of [json, console], got %q", l.Format)
	}
	return nil
}

func validateOps(o OpsConfig) error {
	if !o.Enabled {
		return nil
	}
	var errs []string
	if o.Host == "" {
		errs = append(errs, "ops.host must not be empty")
	}
	if o.Port < 0 || o.Port > 65535 {
		errs = append(errs, fmt.Sprintf("ops.port must be 0-65535, got %d", o.Port))
	}
	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}
	return nil
}

// Load reads configuration from the given file path, applies environment variable
// overrides, and validates the result. An empty path loads defaults and
// environment overrides only.
//
// Postcondition: Returns a valid Config or a non-nil error.
func Load(path string) (Config, error) {
	v := viper.New()

	// Environment variable overrides with CHAT_ prefix
	v.SetEnvPrefix("CHAT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	SetDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("reading config file: %w", err)
		}
	}

	return LoadFromViper(v)
}

// LoadFromViper builds a Config from an already-configured Viper instance.
//
// Precondition: v must be non-nil and have configuration values set.
// Postcondition: Returns a valid Config or a non-nil error.
func LoadFromViper(v *viper.Viper) (Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshalling config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Default returns the configuration produced by the built-in defaults alone.
func Default() Config {
	v := viper.New()
	SetDefaults(v)
	var cfg Config
	// Defaults always decode; the error path is covered by LoadFromViper.
	_ = v.Unmarshal(&cfg)
	return cfg
}

// SetDefaults installs the built-in defaults on v.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8765)
	v.SetDefault("server.read_limit", 4096)
	v.SetDefault("server.write_timeout", "10s")
	v.SetDefault("server.send_buffer", 64)
	v.SetDefault("server.allowed_origins", []string{})

	v.SetDefault("channels.allowed", []string{"public", "1", "2", "3"})
	v.SetDefault("channels.fallback", "public")

	v.SetDefault("admin.username", "administrator")
	v.SetDefault("admin.password_hash", "")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")

	v.SetDefault("ops.enabled", true)
	v.SetDefault("ops.host", "127.0.0.1")
	v.SetDefault("ops.port", 8766)
}
