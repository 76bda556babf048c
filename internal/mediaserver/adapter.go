// Sharewatch - Media Server Account Sharing Detection
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/sharewatch

// Package mediaserver normalizes vendor session APIs into models.RawSession.
//
// Each adapter only translates: it fetches the vendor's live session list and
// maps it onto the canonical shape, and it can terminate a stream. Every
// adapter built by NewRegistry sits behind a per-server circuit breaker.
package mediaserver

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/netip"

	"github.com/goccy/go-json"

	"github.com/tomtom215/sharewatch/internal/config"
	"github.com/tomtom215/sharewatch/internal/models"
)

// ErrCircuitOpen is returned when a server's breaker rejects a call.
var ErrCircuitOpen = errors.New("media server circuit open")

// ErrUnknownServer is returned when no adapter is registered for a server id.
var ErrUnknownServer = errors.New("unknown media server")

// Adapter is the contract every vendor integration satisfies.
type Adapter interface {
	ServerID() string
	Type() string
	GetSessions(ctx context.Context) ([]models.RawSession, error)
	Terminate(ctx context.Context, sessionKey, message string) error
}

// New builds the vendor adapter for one configured server.
func New(cfg config.ServerConfig) (Adapter, error) {
	switch cfg.Type {
	case config.ServerTypePlex:
		return NewPlexAdapter(cfg.ID, cfg.URL, cfg.Token), nil
	case config.ServerTypeJellyfin:
		return NewJellyfinAdapter(cfg.ID, cfg.URL, cfg.Token), nil
	default:
		return nil, fmt.Errorf("server %s: unsupported type %q", cfg.ID, cfg.Type)
	}
}

// resolutionLabel buckets a pixel height into a line-count label.
func resolutionLabel(height int) string {
	switch {
	case height <= 0:
		return ""
	case height >= 2000:
		return "2160"
	case height >= 1300:
		return "1440"
	case height >= 900:
		return "1080"
	case height >= 650:
		return "720"
	case height >= 540:
		return "576"
	default:
		return "480"
	}
}

// hostOnly strips a port from an endpoint such as "1.2.3.4:5000" or "[::1]:80".
func hostOnly(endpoint string) string {
	if endpoint == "" {
		return ""
	}
	if host, _, err := net.SplitHostPort(endpoint); err == nil {
		return host
	}
	return endpoint
}

// isPrivateIP reports whether ip is loopback, link-local or RFC 1918/4193.
func isPrivateIP(ip string) bool {
	addr, err := netip.ParseAddr(ip)
	if err != nil {
		return false
	}
	return addr.IsPrivate() || addr.IsLoopback() || addr.IsLinkLocalUnicast()
}

// flexString accepts a JSON string or number.
type flexString string

func (f *flexString) UnmarshalJSON(b []byte) error {
	if len(b) > 0 && b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*f = flexString(s)
		return nil
	}
	if string(b) == "null" {
		*f = ""
		return nil
	}
	*f = flexString(b)
	return nil
}
