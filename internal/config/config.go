// Package config loads the relay's runtime configuration: a yaml file with
// env var overrides, plus defaults that run a single-node badger deployment
// out of the box.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/endureomatic/relay/internal/httpapi"
)

const (
	BackendBadger   = "badger"
	BackendPostgres = "postgres"
)

type Config struct {
	ListenAddr       string          `yaml:"listen_addr"`
	DataDir          string          `yaml:"data_dir"`
	StorageBackend   string          `yaml:"storage_backend"`
	PostgresDSN      string          `yaml:"postgres_dsn"`
	LivenessInterval time.Duration   `yaml:"liveness_interval"`
	NATS             NATSConfig      `yaml:"nats"`
	CORSOrigins      []string        `yaml:"cors_origins"`
	Events           []httpapi.Event `yaml:"events"`
}

type NATSConfig struct {
	Enabled bool   `yaml:"enabled"`
	URL     string `yaml:"url"`
}

func Default() Config {
	return Config{
		ListenAddr:       ":3000",
		DataDir:          "./data",
		StorageBackend:   BackendBadger,
		LivenessInterval: 30 * time.Second,
		CORSOrigins:      []string{"*"},
	}
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolValue, err := strconv.ParseBool(value); err == nil {
			return boolValue
		}
	}
	return defaultValue
}

// Load reads the yaml file at path (skipped when path is empty or the file
// does not exist), applies env overrides, and validates the result.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil && !os.IsNotExist(err) {
			return cfg, fmt.Errorf("read config file: %w", err)
		}
		if err == nil {
			if err := yaml.Unmarshal(data, &cfg); err != nil {
				return cfg, fmt.Errorf("parse config: %w", err)
			}
		}
	}

	cfg.ListenAddr = getEnv("RELAY_LISTEN_ADDR", cfg.ListenAddr)
	cfg.DataDir = getEnv("RELAY_DATA_DIR", cfg.DataDir)
	cfg.StorageBackend = getEnv("RELAY_STORAGE_BACKEND", cfg.StorageBackend)
	cfg.PostgresDSN = getEnv("RELAY_POSTGRES_DSN", cfg.PostgresDSN)
	cfg.NATS.Enabled = getEnvAsBool("RELAY_NATS_ENABLED", cfg.NATS.Enabled)
	cfg.NATS.URL = getEnv("RELAY_NATS_URL", cfg.NATS.URL)
	if v := os.Getenv("RELAY_LIVENESS_INTERVAL"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return cfg, fmt.Errorf("parse RELAY_LIVENESS_INTERVAL: %w", err)
		}
		cfg.LivenessInterval = d
	}

	if err := cfg.validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func (c Config) validate() error {
	switch c.StorageBackend {
	case BackendBadger:
		if c.DataDir == "" {
			return fmt.Errorf("data_dir is required for the badger backend")
		}
	case BackendPostgres:
		if c.PostgresDSN == "" {
			return fmt.Errorf("postgres_dsn is required for the postgres backend")
		}
	default:
		return fmt.Errorf("unknown storage backend %q", c.StorageBackend)
	}
	if c.LivenessInterval <= 0 {
		return fmt.Errorf("liveness_interval must be positive")
	}
	if c.NATS.Enabled && c.NATS.URL == "" {
		return fmt.Errorf("nats.url is required when nats is enabled")
	}
	return nil
}
