// Sharewatch - Media Server Account Sharing Detection
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/sharewatch

package config

import (
	"fmt"
	"net/url"
	"time"
)

// Validate checks that the configuration is usable.
func (c *Config) Validate() error {
	if c.Database.Path == "" {
		return fmt.Errorf("database.path is required")
	}
	if err := c.validateCache(); err != nil {
		return err
	}
	if err := c.validateNATS(); err != nil {
		return err
	}
	if err := c.validateDurations(); err != nil {
		return err
	}
	if c.HTTP.Port <= 0 || c.HTTP.Port > 65535 {
		return fmt.Errorf("http.port must be between 1 and 65535, got %d", c.HTTP.Port)
	}
	if c.Inactivity.MaxRetries < 0 {
		return fmt.Errorf("inactivity.max_retries cannot be negative")
	}
	if c.GeoIP.Enabled && c.GeoIP.RequestsPerMinute <= 0 {
		return fmt.Errorf("geoip.requests_per_minute must be positive")
	}
	return c.validateServers()
}

func (c *Config) validateCache() error {
	switch c.Cache.Backend {
	case CacheBackendBadger:
		return nil
	case CacheBackendRedis:
		if c.Cache.RedisURL == "" {
			return fmt.Errorf("cache.redis_url is required when cache.backend=redis")
		}
		return nil
	default:
		return fmt.Errorf("cache.backend must be %q or %q, got %q", CacheBackendBadger, CacheBackendRedis, c.Cache.Backend)
	}
}

func (c *Config) validateNATS() error {
	if !c.NATS.Enabled {
		return nil
	}
	if c.NATS.URL == "" && !c.NATS.Embedded {
		return fmt.Errorf("nats.url is required when NATS is enabled without the embedded server")
	}
	if c.NATS.TopicPrefix == "" {
		return fmt.Errorf("nats.topic_prefix is required")
	}
	return nil
}

func (c *Config) validateDurations() error {
	checks := []struct {
		name string
		d    time.Duration
	}{
		{"poller.interval", c.Poller.Interval},
		{"poller.adapter_timeout", c.Poller.AdapterTimeout},
		{"poller.stale_after", c.Poller.StaleAfter},
		{"poller.sweep_interval", c.Poller.SweepInterval},
		{"poller.history_window", c.Poller.HistoryWindow},
		{"inactivity.interval", c.Inactivity.Interval},
		{"inactivity.initial_backoff", c.Inactivity.InitialBackoff},
		{"inactivity.max_backoff", c.Inactivity.MaxBackoff},
		{"inactivity.job_timeout", c.Inactivity.JobTimeout},
		{"cache.lock_ttl", c.Cache.LockTTL},
	}
	for _, chk := range checks {
		if chk.d <= 0 {
			return fmt.Errorf("%s must be positive, got %v", chk.name, chk.d)
		}
	}
	if c.Inactivity.StartupDelay < 0 {
		return fmt.Errorf("inactivity.startup_delay cannot be negative")
	}
	return nil
}

func (c *Config) validateServers() error {
	seen := make(map[string]bool)
	for i, s := range c.AllServers() {
		if s.ID == "" {
			return fmt.Errorf("servers[%d]: id is required", i)
		}
		if seen[s.ID] {
			return fmt.Errorf("servers[%d]: duplicate server id %q", i, s.ID)
		}
		seen[s.ID] = true

		if s.Type != ServerTypePlex && s.Type != ServerTypeJellyfin {
			return fmt.Errorf("server %s: type must be %q or %q, got %q", s.ID, ServerTypePlex, ServerTypeJellyfin, s.Type)
		}
		if err := validateHTTPURL(s.URL); err != nil {
			return fmt.Errorf("server %s: %w", s.ID, err)
		}
	}
	return nil
}

func validateHTTPURL(raw string) error {
	if raw == "" {
		return fmt.Errorf("url is required")
	}
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("failed to parse url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("url scheme must be http or https, got %q", u.Scheme)
	}
	if u.Host == "" {
		return fmt.Errorf("url host is required")
	}
	return nil
}
