// Package config loads the configuration of both binaries from an optional
// YAML file plus STUDIO_* environment variables, env taking precedence.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Server configures the store server binary.
type Server struct {
	// ListenAddr is the HTTP listen address.
	ListenAddr string `mapstructure:"listen_addr"`

	// APIKey gates the sync endpoint when non-empty.
	APIKey string `mapstructure:"api_key"`

	// AllowedOrigins is the browser Origin allowlist. Empty means
	// same-host only; "*" disables the check.
	AllowedOrigins []string `mapstructure:"allowed_origins"`

	// MaxMessageBytes and MessagesPerSecond bound one sync connection.
	// Zero picks the server defaults.
	MaxMessageBytes   int64 `mapstructure:"max_message_bytes"`
	MessagesPerSecond int64 `mapstructure:"messages_per_second"`

	// RetentionPeriod is how long session documents survive after their
	// last write. Zero picks the store default; negative disables expiry.
	RetentionPeriod time.Duration `mapstructure:"retention_period"`

	Log Log `mapstructure:"log"`
}

// Client configures the call client binary.
type Client struct {
	// SyncURL addresses the store server's sync endpoint.
	SyncURL string `mapstructure:"sync_url"`

	// APIKey is presented on dial when non-empty.
	APIKey string `mapstructure:"api_key"`

	// DisplayName is recorded next to the presence flag.
	DisplayName string `mapstructure:"display_name"`

	// NegotiateTimeout bounds how long a lone participant waits for the
	// other side. Zero picks the engine default.
	NegotiateTimeout time.Duration `mapstructure:"negotiate_timeout"`

	ICE ICE `mapstructure:"ice"`
	Log Log `mapstructure:"log"`
}

// Log configures zerolog for a binary.
type Log struct {
	// Level is a zerolog level name; empty means info.
	Level string `mapstructure:"level"`

	// Pretty switches from JSON lines to the human console writer.
	Pretty bool `mapstructure:"pretty"`
}

// LoadServer reads the server configuration. path optionally names a YAML
// file; when empty, config.yaml next to the binary is tried and its absence
// tolerated.
func LoadServer(path string) (Server, error) {
	v := newViper(path)

	// Every key gets a default so env-only overrides are visible to
	// Unmarshal.
	v.SetDefault("listen_addr", ":8442")
	v.SetDefault("api_key", "")
	v.SetDefault("allowed_origins", []string{})
	v.SetDefault("max_message_bytes", 0)
	v.SetDefault("messages_per_second", 0)
	v.SetDefault("retention_period", time.Duration(0))
	v.SetDefault("log.level", "info")
	v.SetDefault("log.pretty", false)

	if err := readConfig(v, path); err != nil {
		return Server{}, err
	}
	var cfg Server
	if err := v.Unmarshal(&cfg); err != nil {
		return Server{}, fmt.Errorf("parse config: %w", err)
	}
	return cfg, nil
}

// LoadClient reads the client configuration.
func LoadClient(path string) (Client, error) {
	v := newViper(path)

	v.SetDefault("sync_url", "ws://localhost:8442/v1/sync")
	v.SetDefault("api_key", "")
	v.SetDefault("display_name", "")
	v.SetDefault("negotiate_timeout", time.Duration(0))
	v.SetDefault("ice.servers_json", "")
	v.SetDefault("ice.stun_urls", "")
	v.SetDefault("ice.turn_urls", "")
	v.SetDefault("ice.turn_username", "")
	v.SetDefault("ice.turn_credential", "")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.pretty", true)

	if err := readConfig(v, path); err != nil {
		return Client{}, err
	}
	var cfg Client
	if err := v.Unmarshal(&cfg); err != nil {
		return Client{}, fmt.Errorf("parse config: %w", err)
	}
	if strings.TrimSpace(cfg.SyncURL) == "" {
		return Client{}, errors.New("sync_url must not be empty")
	}
	return cfg, nil
}

func newViper(path string) *viper.Viper {
	v := viper.New()
	v.SetConfigType("yaml")
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.AddConfigPath(".")
	}
	v.SetEnvPrefix("studio")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

func readConfig(v *viper.Viper, path string) error {
	err := v.ReadInConfig()
	if err == nil {
		return nil
	}
	// A missing default config file is fine; an explicitly named one is
	// not, and neither is a malformed file.
	var notFound viper.ConfigFileNotFoundError
	if path == "" && errors.As(err, &notFound) {
		return nil
	}
	return fmt.Errorf("read config: %w", err)
}
