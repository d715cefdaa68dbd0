// Package config loads and validates Cargo Bay's configuration: a TOML
// file plus environment overrides, parsed once at startup into an
// immutable Config value.
package config

import (
	"fmt"
	"net"
	"strings"

	"github.com/spf13/viper"
)

// Config is the fully validated configuration the rest of the process consumes.
type Config struct {
	Server       ServerConfig       `mapstructure:"server"`
	Auth         AuthConfig         `mapstructure:"auth"`
	Cache        CacheConfig        `mapstructure:"cache"`
	Registries   []RegistryConfig   `mapstructure:"registries"`
	Repositories []RepositoryConfig `mapstructure:"repositories"`
}

// ServerConfig configures the HTTP listener.
type ServerConfig struct {
	BindAddress string `mapstructure:"bind_address"`
	Port        uint16 `mapstructure:"port"`
}

// AuthConfig configures client token verification.
type AuthConfig struct {
	JWTSecret string `mapstructure:"jwt_secret"`
}

// CacheConfig configures the blob cache's on-disk bounds.
type CacheConfig struct {
	Directory     string `mapstructure:"directory"`
	MaxSizeBytes  uint64 `mapstructure:"max_size_bytes"`
	MaxAgeSeconds uint64 `mapstructure:"max_age_seconds"`
}

// RegistryCredentials is the optional Basic auth pair for a registry.
type RegistryCredentials struct {
	Username string `mapstructure:"username"`
	Password string `mapstructure:"password"`
}

// RegistryConfig describes one upstream registry.
type RegistryConfig struct {
	ID   string               `mapstructure:"id"`
	URL  string               `mapstructure:"url"`
	Auth *RegistryCredentials `mapstructure:"auth"`
}

// RepositoryConfig maps a locally-exposed repository name to an upstream.
type RepositoryConfig struct {
	Name         string `mapstructure:"name"`
	RegistryID   string `mapstructure:"registry_id"`
	UpstreamName string `mapstructure:"upstream_name"`
}

// Load reads configuration from path (or the CONFIG_PATH-style default the
// caller resolved), overlays environment variables prefixed CARGOBAY_, and
// validates the result.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigType("toml")
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.AddConfigPath(".")
	}

	v.SetEnvPrefix("CARGOBAY")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks the schema invariants spelled out in the external
// interface: unique ids/names, required fields, and cross-references
// between repositories and registries.
func (c *Config) Validate() error {
	if net.ParseIP(c.Server.BindAddress) == nil {
		return fmt.Errorf("server.bind_address must be a valid IP, got %q", c.Server.BindAddress)
	}
	if c.Server.Port == 0 {
		return fmt.Errorf("server.port must be nonzero")
	}
	if c.Auth.JWTSecret == "" {
		return fmt.Errorf("auth.jwt_secret must not be empty")
	}
	if c.Cache.Directory == "" {
		return fmt.Errorf("cache.directory must not be empty")
	}

	registryIDs := make(map[string]bool, len(c.Registries))
	for _, r := range c.Registries {
		if r.ID == "" {
			return fmt.Errorf("registries[].id must not be empty")
		}
		if registryIDs[r.ID] {
			return fmt.Errorf("duplicate registry id %q", r.ID)
		}
		registryIDs[r.ID] = true
		if r.URL == "" {
			return fmt.Errorf("registry %q: url must not be empty", r.ID)
		}
	}

	repoNames := make(map[string]bool, len(c.Repositories))
	for _, r := range c.Repositories {
		if r.Name == "" {
			return fmt.Errorf("repositories[].name must not be empty")
		}
		if repoNames[r.Name] {
			return fmt.Errorf("duplicate repository name %q", r.Name)
		}
		repoNames[r.Name] = true
		if !registryIDs[r.RegistryID] {
			return fmt.Errorf("repository %q: registry_id %q does not match any configured registry", r.Name, r.RegistryID)
		}
		if r.UpstreamName == "" {
			return fmt.Errorf("repository %q: upstream_name must not be empty", r.Name)
		}
	}

	return nil
}
