package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/joho/godotenv"
)

const (
	StorageSQLite  = "sqlite"
	StorageMongoDB = "mongodb"
)

type Config struct {
	Server    ServerConfig
	Storage   StorageConfig
	Bridge    BridgeConfig
	Log       LogConfig
	Telemetry TelemetryConfig
	Worker    WorkerConfig
}

type ServerConfig struct {
	Port int
}

type StorageConfig struct {
	Backend       string
	DataDir       string
	MongoURI      string
	MongoDatabase string
}

type BridgeConfig struct {
	Enabled bool
	BaseURL string
	Timeout time.Duration
	Retries int
	Backoff time.Duration
	APIKey  string
}

type LogConfig struct {
	Level string
}

type TelemetryConfig struct {
	// Heartbeat is a cron schedule; empty disables the heartbeat.
	Heartbeat string
}

type WorkerConfig struct {
	PollInterval time.Duration
}

func defaults() Config {
	return Config{
		Server: ServerConfig{
			Port: 8001,
		},
		Storage: StorageConfig{
			Backend:       StorageSQLite,
			DataDir:       defaultDataDir(),
			MongoDatabase: "core_integrator",
		},
		Bridge: BridgeConfig{
			BaseURL: "http://localhost:5002",
			Timeout: 5 * time.Second,
			Retries: 3,
			Backoff: 500 * time.Millisecond,
		},
		Log: LogConfig{
			Level: "info",
		},
		Telemetry: TelemetryConfig{
			Heartbeat: "@every 1m",
		},
		Worker: WorkerConfig{
			PollInterval: 500 * time.Millisecond,
		},
	}
}

// Load reads configuration from the JSON file backend at
// $XDG_CONFIG_HOME/integrator/config.json, then applies INTEGRATOR_*
// variables from a .env file in the working directory (if any) and from the
// process environment. Process environment wins over .env.
func Load() (Config, error) {
	return loadWith(newFileBackend(configFilePath()), ".env")
}

func loadWith(b ConfigBackend, envFile string) (Config, error) {
	cfg := defaults()

	if err := applyBackend(&cfg, b); err != nil {
		return Config{}, err
	}

	dotenv := map[string]string{}
	if envFile != "" {
		vals, err := godotenv.Read(envFile)
		switch {
		case err == nil:
			dotenv = vals
		case !errors.Is(err, os.ErrNotExist):
			return Config{}, fmt.Errorf("reading %s: %w", envFile, err)
		}
	}
	applyEnvOverrides(&cfg, func(key string) string {
		if v, ok := os.LookupEnv(key); ok {
			return v
		}
		return dotenv[key]
	})

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks cross-key constraints.
func (c Config) Validate() error {
	switch c.Storage.Backend {
	case StorageSQLite:
	case StorageMongoDB:
		if c.Storage.MongoURI == "" {
			return fmt.Errorf("missing required config: storage.mongodb_uri must be set when storage.backend is %q", StorageMongoDB)
		}
	default:
		return fmt.Errorf("invalid storage.backend %q: want %q or %q", c.Storage.Backend, StorageSQLite, StorageMongoDB)
	}
	if c.Bridge.Enabled && c.Bridge.BaseURL == "" {
		return fmt.Errorf("missing required config: bridge.base_url must be set when bridge.enabled is true")
	}
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server.port %d", c.Server.Port)
	}
	return nil
}

func defaultDataDir() string {
	dir := os.Getenv("XDG_DATA_HOME")
	if dir == "" {
		if home, err := os.UserHomeDir(); err == nil {
			dir = filepath.Join(home, ".local", "share")
		} else {
			return "integrator-data"
		}
	}
	return filepath.Join(dir, "integrator")
}

func configFilePath() string {
	dir := os.Getenv("XDG_CONFIG_HOME")
	if dir == "" {
		if home, err := os.UserHomeDir(); err == nil {
			dir = filepath.Join(home, ".config")
		} else {
			dir = "."
		}
	}
	return filepath.Join(dir, "integrator", "config.json")
}
