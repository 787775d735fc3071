// Package config handles application configuration loading and validation.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"

	"github.com/quilldata/quill/internal/dbview"
)

type Config struct {
	// Backend database
	Backend BackendConfig `mapstructure:"backend"`

	// Compiler process
	Compiler CompilerConfig `mapstructure:"compiler"`

	// Protocol listener
	Server ServerConfig `mapstructure:"server"`

	// HTTP status API
	API APIConfig `mapstructure:"api"`

	// Logging
	Log LogConfig `mapstructure:"log"`
}

type BackendConfig struct {
	DSN           string `mapstructure:"dsn"`
	SchemaVersion int64  `mapstructure:"schema_version"`
}

type CompilerConfig struct {
	Addr string `mapstructure:"addr"`
}

type ServerConfig struct {
	ListenAddr     string `mapstructure:"listen_addr"`
	MaxConnections int    `mapstructure:"max_connections"`
	DevMode        bool   `mapstructure:"dev_mode"`

	QueryCache     bool `mapstructure:"query_cache"`
	QueryCacheSize int  `mapstructure:"query_cache_size"`

	// Users maps user names to passwords. Empty means trust mode.
	Users map[string]string `mapstructure:"users"`
}

type APIConfig struct {
	Enabled    bool   `mapstructure:"enabled"`
	ListenAddr string `mapstructure:"listen_addr"`
}

type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Compiler: CompilerConfig{
			Addr: filepath.Join(defaultRunDir(), "compiler.sock"),
		},
		Server: ServerConfig{
			ListenAddr:     ":5656",
			MaxConnections: 100,
			QueryCache:     true,
			QueryCacheSize: dbview.DefaultCacheSize,
		},
		API: APIConfig{
			Enabled:    true,
			ListenAddr: ":8686",
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

func defaultRunDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".quill"
	}
	return filepath.Join(home, ".quill")
}

// Load loads configuration from file and environment variables.
func Load(configPath string) (*Config, error) {
	v := viper.New()

	defaults := DefaultConfig()
	v.SetDefault("backend.schema_version", defaults.Backend.SchemaVersion)
	v.SetDefault("compiler.addr", defaults.Compiler.Addr)
	v.SetDefault("server.listen_addr", defaults.Server.ListenAddr)
	v.SetDefault("server.max_connections", defaults.Server.MaxConnections)
	v.SetDefault("server.dev_mode", defaults.Server.DevMode)
	v.SetDefault("server.query_cache", defaults.Server.QueryCache)
	v.SetDefault("server.query_cache_size", defaults.Server.QueryCacheSize)
	v.SetDefault("api.enabled", defaults.API.Enabled)
	v.SetDefault("api.listen_addr", defaults.API.ListenAddr)
	v.SetDefault("log.level", defaults.Log.Level)
	v.SetDefault("log.format", defaults.Log.Format)

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath(defaultRunDir())
		v.AddConfigPath("/etc/quill")
	}

	v.SetEnvPrefix("quill")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("reading config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	return &cfg, nil
}

// Validate checks if the config is valid.
func (c *Config) Validate() error {
	if c.Backend.DSN == "" {
		return fmt.Errorf("backend.dsn is required")
	}
	if c.Compiler.Addr == "" {
		return fmt.Errorf("compiler.addr is required")
	}
	if c.Server.ListenAddr == "" {
		return fmt.Errorf("server.listen_addr is required")
	}
	return nil
}
