// Sharewatch - Media Server Account Sharing Detection
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/sharewatch

package mediaserver

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/tomtom215/sharewatch/internal/config"
	"github.com/tomtom215/sharewatch/internal/models"
)

// Registry holds one adapter per configured server.
type Registry struct {
	mu       sync.RWMutex
	adapters map[string]Adapter
}

// NewRegistry builds breaker-wrapped adapters for servers.
func NewRegistry(servers []config.ServerConfig) (*Registry, error) {
	r := &Registry{adapters: make(map[string]Adapter, len(servers))}
	for _, s := range servers {
		a, err := New(s)
		if err != nil {
			return nil, err
		}
		r.Register(WithBreaker(a))
	}
	return r, nil
}

// Register adds or replaces the adapter for a.ServerID().
func (r *Registry) Register(a Adapter) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.adapters == nil {
		r.adapters = make(map[string]Adapter)
	}
	r.adapters[a.ServerID()] = a
}

// Get returns the adapter for serverID.
func (r *Registry) Get(serverID string) (Adapter, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.adapters[serverID]
	return a, ok
}

// ServerIDs returns the registered server ids in sorted order.
func (r *Registry) ServerIDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.adapters))
	for id := range r.adapters {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// KillStream terminates s on the server that owns it.
func (r *Registry) KillStream(ctx context.Context, s *models.Session, message string) error {
	a, ok := r.Get(s.ServerID)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownServer, s.ServerID)
	}
	if err := a.Terminate(ctx, s.SessionKey, message); err != nil {
		return fmt.Errorf("terminate %s on %s: %w", s.SessionKey, s.ServerID, err)
	}
	return nil
}
