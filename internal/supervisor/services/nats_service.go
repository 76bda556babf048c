// Sharewatch - Media Server Account Sharing Detection
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/sharewatch

package services

import (
	"context"
	"fmt"
	"time"

	"github.com/thejerf/suture/v4"

	"github.com/tomtom215/sharewatch/internal/logging"
)

// EmbeddedNATS is the lifecycle of *events.EmbeddedServer.
type EmbeddedNATS interface {
	Shutdown(ctx context.Context) error
	IsRunning() bool
}

// NATSServerService owns an embedded NATS server that was started before
// the tree and shuts it down when the tree stops.
type NATSServerService struct {
	server          EmbeddedNATS
	checkInterval   time.Duration
	shutdownTimeout time.Duration
}

// NewNATSServerService wraps server.
func NewNATSServerService(server EmbeddedNATS, shutdownTimeout time.Duration) *NATSServerService {
	if shutdownTimeout <= 0 {
		shutdownTimeout = defaultShutdownTimeout
	}
	return &NATSServerService{
		server:          server,
		checkInterval:   5 * time.Second,
		shutdownTimeout: shutdownTimeout,
	}
}

// Serve implements suture.Service.
func (n *NATSServerService) Serve(ctx context.Context) error {
	ticker := time.NewTicker(n.checkInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			shutdownCtx, cancel := context.WithTimeout(context.Background(), n.shutdownTimeout)
			defer cancel()
			if err := n.server.Shutdown(shutdownCtx); err != nil {
				return fmt.Errorf("embedded NATS shutdown failed: %w", err)
			}
			return ctx.Err()
		case <-ticker.C:
			if !n.server.IsRunning() {
				// An embedded server cannot be restarted in place.
				logging.Error().Msg("Embedded NATS server stopped; events will not be delivered")
				return suture.ErrDoNotRestart
			}
		}
	}
}

// String names the service in supervisor logs.
func (n *NATSServerService) String() string {
	return "embedded-nats"
}
