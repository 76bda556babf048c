// Sharewatch - Media Server Account Sharing Detection
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/sharewatch

package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"
	"github.com/knadh/koanf/v2"
)

// DefaultConfigPaths are searched in order when CONFIG_PATH is unset.
var DefaultConfigPaths = []string{
	"config.yaml",
	"config.yml",
	"/etc/sharewatch/config.yaml",
	"/etc/sharewatch/config.yml",
}

// ConfigPathEnvVar overrides the config file location.
const ConfigPathEnvVar = "CONFIG_PATH"

func defaultConfig() *Config {
	return &Config{
		Database: DatabaseConfig{
			Path:      "/data/sharewatch.duckdb",
			MaxMemory: "1GB",
			Threads:   0, // DuckDB picks
		},
		Cache: CacheConfig{
			Backend:   CacheBackendBadger,
			KeyPrefix: "sharewatch",
			LockTTL:   30 * time.Second,
		},
		NATS: NATSConfig{
			Enabled:      false,
			URL:          "nats://127.0.0.1:4222",
			EmbeddedHost: "127.0.0.1",
			EmbeddedPort: 4222,
			TopicPrefix:  "sharewatch",
		},
		Poller: PollerConfig{
			Interval:       15 * time.Second,
			AdapterTimeout: 10 * time.Second,
			StaleAfter:     5 * time.Minute,
			SweepInterval:  time.Minute,
			HistoryWindow:  24 * time.Hour,
		},
		Inactivity: InactivityConfig{
			Enabled:        true,
			Interval:       time.Hour,
			StartupDelay:   5 * time.Minute,
			MaxRetries:     3,
			InitialBackoff: time.Second,
			MaxBackoff:     30 * time.Second,
			JobTimeout:     5 * time.Minute,
		},
		GeoIP: GeoIPConfig{
			Enabled:           true,
			BaseURL:           "http://ip-api.com/json",
			RequestsPerMinute: 45,
			CacheTTL:          24 * time.Hour,
			Timeout:           10 * time.Second,
		},
		HTTP: HTTPConfig{
			Host:               "0.0.0.0",
			Port:               3858,
			CORSOrigins:        []string{"*"},
			RateLimitPerMinute: 120,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
		Supervisor: SupervisorConfig{
			FailureThreshold: 5,
			FailureBackoff:   15 * time.Second,
			ShutdownTimeout:  10 * time.Second,
		},
	}
}

// LoadWithKoanf loads configuration with precedence ENV > file > defaults
// and validates the result.
func LoadWithKoanf() (*Config, error) {
	k := koanf.New(".")

	if err := k.Load(structs.Provider(defaultConfig(), "koanf"), nil); err != nil {
		return nil, fmt.Errorf("failed to load defaults: %w", err)
	}

	if path := findConfigFile(); path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("failed to load config file %s: %w", path, err)
		}
	}

	if err := k.Load(env.Provider("", ".", envTransformFunc), nil); err != nil {
		return nil, fmt.Errorf("failed to load environment variables: %w", err)
	}

	if err := processSliceFields(k); err != nil {
		return nil, fmt.Errorf("failed to process slice fields: %w", err)
	}

	cfg := &Config{}
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal configuration: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}
	return cfg, nil
}

func findConfigFile() string {
	if p := os.Getenv(ConfigPathEnvVar); p != "" {
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}
	for _, p := range DefaultConfigPaths {
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}
	return ""
}

// sliceConfigPaths arrive from env as comma separated strings.
var sliceConfigPaths = []string{
	"http.cors_origins",
}

func processSliceFields(k *koanf.Koanf) error {
	for _, path := range sliceConfigPaths {
		raw, ok := k.Get(path).(string)
		if !ok || raw == "" {
			continue
		}
		parts := strings.Split(raw, ",")
		out := make([]string, 0, len(parts))
		for _, p := range parts {
			if p = strings.TrimSpace(p); p != "" {
				out = append(out, p)
			}
		}
		if err := k.Set(path, out); err != nil {
			return fmt.Errorf("failed to set %s: %w", path, err)
		}
	}
	return nil
}

// envMappings maps environment variable names (lowercased) to koanf paths.
// Variables not listed are ignored.
var envMappings = map[string]string{
	"duckdb_path":       "database.path",
	"duckdb_max_memory": "database.max_memory",
	"duckdb_threads":    "database.threads",

	"cache_backend":    "cache.backend",
	"redis_url":        "cache.redis_url",
	"redis_password":   "cache.redis_password",
	"redis_db":         "cache.redis_db",
	"badger_path":      "cache.badger_path",
	"cache_key_prefix": "cache.key_prefix",
	"lock_ttl":         "cache.lock_ttl",

	"nats_enabled":       "nats.enabled",
	"nats_url":           "nats.url",
	"nats_embedded":      "nats.embedded",
	"nats_embedded_port": "nats.embedded_port",
	"nats_topic_prefix":  "nats.topic_prefix",

	"poll_interval":        "poller.interval",
	"adapter_timeout":      "poller.adapter_timeout",
	"stale_session_after":  "poller.stale_after",
	"stale_sweep_interval": "poller.sweep_interval",
	"history_window":       "poller.history_window",

	"inactivity_enabled":       "inactivity.enabled",
	"inactivity_interval":      "inactivity.interval",
	"inactivity_startup_delay": "inactivity.startup_delay",
	"inactivity_max_retries":   "inactivity.max_retries",

	"geoip_enabled":  "geoip.enabled",
	"geoip_base_url": "geoip.base_url",

	"http_host":      "http.host",
	"http_port":      "http.port",
	"cors_origins":   "http.cors_origins",
	"rate_limit_rpm": "http.rate_limit_per_minute",

	"log_level":  "logging.level",
	"log_format": "logging.format",
	"log_caller": "logging.caller",

	"shutdown_timeout": "supervisor.shutdown_timeout",

	"plex_server_id":     "plex.server_id",
	"plex_url":           "plex.url",
	"plex_token":         "plex.token",
	"jellyfin_server_id": "jellyfin.server_id",
	"jellyfin_url":       "jellyfin.url",
	"jellyfin_api_key":   "jellyfin.token",
}

func envTransformFunc(key string) string {
	if mapped, ok := envMappings[strings.ToLower(key)]; ok {
		return mapped
	}
	return ""
}
