// Sharewatch - Media Server Account Sharing Detection
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/sharewatch

// Package config loads Sharewatch configuration.
//
// Values are layered with koanf: struct defaults, then an optional YAML file,
// then environment variables (highest priority). See LoadWithKoanf.
package config

import (
	"net"
	"strconv"
	"strings"
	"time"
)

// Server types understood by the media server adapters.
const (
	ServerTypePlex     = "plex"
	ServerTypeJellyfin = "jellyfin"
)

// Cache backends.
const (
	CacheBackendBadger = "badger"
	CacheBackendRedis  = "redis"
)

// Config is the root configuration.
type Config struct {
	Database   DatabaseConfig     `koanf:"database"`
	Cache      CacheConfig        `koanf:"cache"`
	NATS       NATSConfig         `koanf:"nats"`
	Poller     PollerConfig       `koanf:"poller"`
	Inactivity InactivityConfig   `koanf:"inactivity"`
	GeoIP      GeoIPConfig        `koanf:"geoip"`
	HTTP       HTTPConfig         `koanf:"http"`
	Logging    LoggingConfig      `koanf:"logging"`
	Supervisor SupervisorConfig   `koanf:"supervisor"`
	Servers    []ServerConfig     `koanf:"servers"`
	Plex       SingleServerConfig `koanf:"plex"`     // env shortcut for one Plex server
	Jellyfin   SingleServerConfig `koanf:"jellyfin"` // env shortcut for one Jellyfin server
}

// DatabaseConfig configures the DuckDB store.
type DatabaseConfig struct {
	Path      string `koanf:"path"`
	MaxMemory string `koanf:"max_memory"`
	Threads   int    `koanf:"threads"`
}

// CacheConfig selects and configures the active-session cache and lock backend.
type CacheConfig struct {
	Backend       string        `koanf:"backend"`
	RedisURL      string        `koanf:"redis_url"`
	RedisPassword string        `koanf:"redis_password"`
	RedisDB       int           `koanf:"redis_db"`
	BadgerPath    string        `koanf:"badger_path"` // empty means in-memory
	KeyPrefix     string        `koanf:"key_prefix"`
	LockTTL       time.Duration `koanf:"lock_ttl"`
}

// NATSConfig configures the event bus. When disabled, events stay in-process.
type NATSConfig struct {
	Enabled      bool   `koanf:"enabled"`
	URL          string `koanf:"url"`
	Embedded     bool   `koanf:"embedded"`
	EmbeddedHost string `koanf:"embedded_host"`
	EmbeddedPort int    `koanf:"embedded_port"`
	TopicPrefix  string `koanf:"topic_prefix"`
}

// PollerConfig configures the poll orchestrator.
type PollerConfig struct {
	Interval       time.Duration `koanf:"interval"`
	AdapterTimeout time.Duration `koanf:"adapter_timeout"`
	StaleAfter     time.Duration `koanf:"stale_after"`
	SweepInterval  time.Duration `koanf:"sweep_interval"`
	HistoryWindow  time.Duration `koanf:"history_window"`
}

// InactivityConfig configures the inactivity check scheduler.
type InactivityConfig struct {
	Enabled        bool          `koanf:"enabled"`
	Interval       time.Duration `koanf:"interval"`
	StartupDelay   time.Duration `koanf:"startup_delay"`
	MaxRetries     int           `koanf:"max_retries"`
	InitialBackoff time.Duration `koanf:"initial_backoff"`
	MaxBackoff     time.Duration `koanf:"max_backoff"`
	JobTimeout     time.Duration `koanf:"job_timeout"`
}

// GeoIPConfig configures the ip-api.com resolver.
type GeoIPConfig struct {
	Enabled           bool          `koanf:"enabled"`
	BaseURL           string        `koanf:"base_url"`
	RequestsPerMinute int           `koanf:"requests_per_minute"`
	CacheTTL          time.Duration `koanf:"cache_ttl"`
	Timeout           time.Duration `koanf:"timeout"`
}

// HTTPConfig configures the admin API listener.
type HTTPConfig struct {
	Host               string   `koanf:"host"`
	Port               int      `koanf:"port"`
	CORSOrigins        []string `koanf:"cors_origins"`
	RateLimitPerMinute int      `koanf:"rate_limit_per_minute"`
}

// LoggingConfig configures zerolog.
type LoggingConfig struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format"`
	Caller bool   `koanf:"caller"`
}

// SupervisorConfig configures the suture tree.
type SupervisorConfig struct {
	FailureThreshold float64       `koanf:"failure_threshold"`
	FailureBackoff   time.Duration `koanf:"failure_backoff"`
	ShutdownTimeout  time.Duration `koanf:"shutdown_timeout"`
}

// ServerConfig describes one upstream media server.
type ServerConfig struct {
	ID    string `koanf:"id"`
	Name  string `koanf:"name"`
	Type  string `koanf:"type"`
	URL   string `koanf:"url"`
	Token string `koanf:"token"`
}

// SingleServerConfig is the flat env-friendly form of one server.
type SingleServerConfig struct {
	ServerID string `koanf:"server_id"`
	URL      string `koanf:"url"`
	Token    string `koanf:"token"`
}

// AllServers returns the configured server list with the env shortcuts
// appended when set.
func (c *Config) AllServers() []ServerConfig {
	servers := make([]ServerConfig, 0, len(c.Servers)+2)
	servers = append(servers, c.Servers...)
	if c.Plex.URL != "" {
		servers = append(servers, shortcutServer(c.Plex, ServerTypePlex))
	}
	if c.Jellyfin.URL != "" {
		servers = append(servers, shortcutServer(c.Jellyfin, ServerTypeJellyfin))
	}
	return servers
}

func shortcutServer(s SingleServerConfig, serverType string) ServerConfig {
	id := s.ServerID
	if id == "" {
		id = serverType + "-default"
	}
	return ServerConfig{
		ID:    id,
		Name:  strings.ToUpper(serverType[:1]) + serverType[1:],
		Type:  serverType,
		URL:   strings.TrimSuffix(s.URL, "/"),
		Token: s.Token,
	}
}

// Addr returns the HTTP listen address.
func (h HTTPConfig) Addr() string {
	return net.JoinHostPort(h.Host, strconv.Itoa(h.Port))
}
