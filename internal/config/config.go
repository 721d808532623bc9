package config

import (
	"fmt"
	"os"
	"strconv"

	"gopkg.in/yaml.v2"
)

// DatabaseConfig holds the database connection information.
type DatabaseConfig struct {
	Type string `yaml:"type"`
	DSN  string `yaml:"dsn"`
}

// LedgerConfig selects the usage-ledger backend.
type LedgerConfig struct {
	// Backend is either "database" or "redis".
	Backend string `yaml:"backend"`
}

// RedisConfig holds the connection details for the Redis ledger backend.
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

// AdminConfig holds configuration for the admin API.
type AdminConfig struct {
	Password string `yaml:"password"`
}

// MatcherConfig holds configuration for the downstream profile-matching service.
type MatcherConfig struct {
	BaseURL string `yaml:"base_url"`
}

// KeysConfig holds defaults applied when creating client credentials.
type KeysConfig struct {
	DefaultRateLimit int `yaml:"default_rate_limit"`
}

// Config holds the configuration for the gateway.
type Config struct {
	Database DatabaseConfig `yaml:"database"`
	Ledger   LedgerConfig   `yaml:"ledger"`
	Redis    RedisConfig    `yaml:"redis"`
	Admin    AdminConfig    `yaml:"admin"`
	Matcher  MatcherConfig  `yaml:"matcher"`
	Keys     KeysConfig     `yaml:"keys"`
	Port     int            `yaml:"port"`
	Debug    bool           `yaml:"debug"`
}

// LoadConfig reads and parses the configuration file. It returns the config and a potential warning message.
var LoadConfig = func(path string) (*Config, string, error) {
	var config Config
	var warning string

	data, err := os.ReadFile(path)
	if err == nil {
		if err := yaml.Unmarshal(data, &config); err != nil {
			return nil, "", fmt.Errorf("failed to parse config file: %w", err)
		}
	} else if !os.IsNotExist(err) {
		return nil, "", fmt.Errorf("failed to read config file: %w", err)
	}
	// If file does not exist, we continue with an empty config and rely on environment variables.

	// Set default values
	if config.Keys.DefaultRateLimit == 0 {
		config.Keys.DefaultRateLimit = 100
		warning = "keys.default_rate_limit not set, using default value of 100"
	}
	if config.Ledger.Backend == "" {
		config.Ledger.Backend = "database"
	}
	if config.Port == 0 {
		config.Port = 8080
	}

	// Override with environment variables if they exist
	if dsn := os.Getenv("MATCHGATE_DATABASE_DSN"); dsn != "" {
		config.Database.DSN = dsn
	}
	if dbType := os.Getenv("MATCHGATE_DATABASE_TYPE"); dbType != "" {
		config.Database.Type = dbType
	}
	if backend := os.Getenv("MATCHGATE_LEDGER_BACKEND"); backend != "" {
		config.Ledger.Backend = backend
	}
	if addr := os.Getenv("MATCHGATE_REDIS_ADDR"); addr != "" {
		config.Redis.Addr = addr
	}
	if port := os.Getenv("MATCHGATE_PORT"); port != "" {
		if p, err := strconv.Atoi(port); err == nil {
			config.Port = p
		}
	}
	if password := os.Getenv("MATCHGATE_ADMIN_PASSWORD"); password != "" {
		config.Admin.Password = password
	}
	if baseURL := os.Getenv("MATCHGATE_MATCHER_BASE_URL"); baseURL != "" {
		config.Matcher.BaseURL = baseURL
	}
	if debug := os.Getenv("MATCHGATE_DEBUG"); debug != "" {
		config.Debug = (debug == "true")
	}

	// Final validation after overrides
	if config.Database.Type == "" || config.Database.DSN == "" {
		return nil, "", fmt.Errorf("database type and dsn must be configured in config.yaml or via environment variables")
	}
	if config.Ledger.Backend != "database" && config.Ledger.Backend != "redis" {
		return nil, "", fmt.Errorf("unsupported ledger backend: %s", config.Ledger.Backend)
	}
	if config.Ledger.Backend == "redis" && config.Redis.Addr == "" {
		return nil, "", fmt.Errorf("redis.addr must be configured when the redis ledger backend is selected")
	}
	if config.Matcher.BaseURL == "" {
		return nil, "", fmt.Errorf("matcher.base_url must be configured in config.yaml or via environment variables")
	}

	return &config, warning, nil
}
