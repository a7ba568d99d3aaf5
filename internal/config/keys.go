package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

type keyType int

const (
	kString keyType = iota
	kInt
	kBool
	kDuration
)

type keySpec struct {
	key     string
	typ     keyType
	env     string
	secret  bool
	apply   func(cfg *Config, v any)
	extract func(cfg Config) any
}

var specs = []keySpec{
	{
		key: "server.port", typ: kInt, env: "INTEGRATOR_SERVER_PORT",
		apply:   func(cfg *Config, v any) { cfg.Server.Port = v.(int) },
		extract: func(cfg Config) any { return cfg.Server.Port },
	},
	{
		key: "storage.backend", typ: kString, env: "INTEGRATOR_STORAGE_BACKEND",
		apply:   func(cfg *Config, v any) { cfg.Storage.Backend = v.(string) },
		extract: func(cfg Config) any { return cfg.Storage.Backend },
	},
	{
		key: "storage.data_dir", typ: kString, env: "INTEGRATOR_STORAGE_DATA_DIR",
		apply:   func(cfg *Config, v any) { cfg.Storage.DataDir = v.(string) },
		extract: func(cfg Config) any { return cfg.Storage.DataDir },
	},
	{
		key: "storage.mongodb_uri", typ: kString, env: "INTEGRATOR_MONGODB_URI",
		apply:   func(cfg *Config, v any) { cfg.Storage.MongoURI = v.(string) },
		extract: func(cfg Config) any { return cfg.Storage.MongoURI },
	},
	{
		key: "storage.mongodb_database", typ: kString, env: "INTEGRATOR_MONGODB_DATABASE",
		apply:   func(cfg *Config, v any) { cfg.Storage.MongoDatabase = v.(string) },
		extract: func(cfg Config) any { return cfg.Storage.MongoDatabase },
	},
	{
		key: "bridge.enabled", typ: kBool, env: "INTEGRATOR_BRIDGE_ENABLED",
		apply:   func(cfg *Config, v any) { cfg.Bridge.Enabled = v.(bool) },
		extract: func(cfg Config) any { return cfg.Bridge.Enabled },
	},
	{
		key: "bridge.base_url", typ: kString, env: "INTEGRATOR_BRIDGE_BASE_URL",
		apply:   func(cfg *Config, v any) { cfg.Bridge.BaseURL = v.(string) },
		extract: func(cfg Config) any { return cfg.Bridge.BaseURL },
	},
	{
		key: "bridge.timeout", typ: kDuration, env: "INTEGRATOR_BRIDGE_TIMEOUT",
		apply:   func(cfg *Config, v any) { cfg.Bridge.Timeout = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Bridge.Timeout },
	},
	{
		key: "bridge.retries", typ: kInt, env: "INTEGRATOR_BRIDGE_RETRIES",
		apply:   func(cfg *Config, v any) { cfg.Bridge.Retries = v.(int) },
		extract: func(cfg Config) any { return cfg.Bridge.Retries },
	},
	{
		key: "bridge.backoff", typ: kDuration, env: "INTEGRATOR_BRIDGE_BACKOFF",
		apply:   func(cfg *Config, v any) { cfg.Bridge.Backoff = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Bridge.Backoff },
	},
	{
		key: "bridge.api_key", typ: kString, env: "INTEGRATOR_BRIDGE_API_KEY",
		secret:  true,
		apply:   func(cfg *Config, v any) { cfg.Bridge.APIKey = v.(string) },
		extract: func(cfg Config) any { return cfg.Bridge.APIKey },
	},
	{
		key: "log.level", typ: kString, env: "INTEGRATOR_LOG_LEVEL",
		apply:   func(cfg *Config, v any) { cfg.Log.Level = v.(string) },
		extract: func(cfg Config) any { return cfg.Log.Level },
	},
	{
		key: "telemetry.heartbeat", typ: kString, env: "INTEGRATOR_TELEMETRY_HEARTBEAT",
		apply:   func(cfg *Config, v any) { cfg.Telemetry.Heartbeat = v.(string) },
		extract: func(cfg Config) any { return cfg.Telemetry.Heartbeat },
	},
	{
		key: "worker.poll_interval", typ: kDuration, env: "INTEGRATOR_WORKER_POLL_INTERVAL",
		apply:   func(cfg *Config, v any) { cfg.Worker.PollInterval = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Worker.PollInterval },
	},
}

// parseValue converts raw into the Go type of s.
func (s keySpec) parseValue(raw string) (any, error) {
	switch s.typ {
	case kInt:
		return strconv.Atoi(raw)
	case kBool:
		return strconv.ParseBool(raw)
	case kDuration:
		d, err := time.ParseDuration(raw)
		if err == nil && d <= 0 {
			err = fmt.Errorf("duration must be positive")
		}
		return d, err
	default:
		return raw, nil
	}
}

func applyBackend(cfg *Config, b ConfigBackend) error {
	for _, s := range specs {
		if s.secret {
			continue
		}
		switch s.typ {
		case kString:
			v, ok, err := b.GetString(s.key)
			if err != nil {
				return fmt.Errorf("reading %s: %w", s.key, err)
			}
			if ok {
				s.apply(cfg, v)
			}
		case kInt:
			v, ok, err := b.GetInt(s.key)
			if err != nil {
				return fmt.Errorf("reading %s: %w", s.key, err)
			}
			if ok {
				s.apply(cfg, v)
			}
		case kBool, kDuration:
			v, ok, err := b.GetString(s.key)
			if err != nil {
				return fmt.Errorf("reading %s: %w", s.key, err)
			}
			if !ok || v == "" {
				continue
			}
			if pv, err := s.parseValue(v); err == nil {
				s.apply(cfg, pv)
			} else {
				fmt.Fprintf(os.Stderr, "[WARN] could not parse config key %s=%q: %v. Using default value.\n", s.key, v, err)
			}
		}
	}
	return nil
}

func applyEnvOverrides(cfg *Config, lookup func(string) string) {
	for _, s := range specs {
		if s.env == "" {
			continue
		}
		raw := lookup(s.env)
		if raw == "" {
			continue
		}
		if v, err := s.parseValue(raw); err == nil {
			s.apply(cfg, v)
		} else {
			fmt.Fprintf(os.Stderr, "[WARN] could not parse env var %s=%q: %v. Using default value.\n", s.env, raw, err)
		}
	}
}
