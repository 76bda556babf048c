// Sharewatch - Media Server Account Sharing Detection
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/sharewatch

package cache

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/goccy/go-json"

	"github.com/tomtom215/sharewatch/internal/logging"
	"github.com/tomtom215/sharewatch/internal/models"
)

// ActiveSessions is the per-server projection of live sessions.
type ActiveSessions struct {
	store  Store
	prefix string
}

// NewActiveSessions creates the projection over store. Keys are namespaced
// by prefix.
func NewActiveSessions(store Store, prefix string) *ActiveSessions {
	if prefix == "" {
		prefix = "sharewatch"
	}
	return &ActiveSessions{store: store, prefix: prefix}
}

func (a *ActiveSessions) hashKey(serverID string) string {
	return a.prefix + ":active:" + serverID
}

func (a *ActiveSessions) warmKey(serverID string) string {
	return a.prefix + ":active_warm:" + serverID
}

// Get returns the cached live session or nil on a miss.
func (a *ActiveSessions) Get(ctx context.Context, serverID, sessionKey string) (*models.ActiveSession, error) {
	raw, err := a.store.HGet(ctx, a.hashKey(serverID), sessionKey)
	if errors.Is(err, ErrCacheMiss) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read active session: %w", err)
	}
	var s models.ActiveSession
	if err := json.Unmarshal(raw, &s); err != nil {
		return nil, fmt.Errorf("failed to decode active session %s: %w", sessionKey, err)
	}
	return &s, nil
}

// Put stores or replaces a live session.
func (a *ActiveSessions) Put(ctx context.Context, s *models.ActiveSession) error {
	data, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("failed to encode active session: %w", err)
	}
	return a.store.HSet(ctx, a.hashKey(s.ServerID), s.SessionKey, data)
}

// Remove drops a session from the projection.
func (a *ActiveSessions) Remove(ctx context.Context, serverID string, sessionKeys ...string) error {
	return a.store.HDel(ctx, a.hashKey(serverID), sessionKeys...)
}

// List returns the server's live sessions ordered by start time. Entries
// that fail to decode are dropped from the cache.
func (a *ActiveSessions) List(ctx context.Context, serverID string) ([]*models.ActiveSession, error) {
	all, err := a.store.HGetAll(ctx, a.hashKey(serverID))
	if err != nil {
		return nil, fmt.Errorf("failed to read active sessions: %w", err)
	}

	out := make([]*models.ActiveSession, 0, len(all))
	var corrupt []string
	for key, raw := range all {
		var s models.ActiveSession
		if err := json.Unmarshal(raw, &s); err != nil {
			corrupt = append(corrupt, key)
			continue
		}
		out = append(out, &s)
	}
	if len(corrupt) > 0 {
		logging.Warn().Str("server_id", serverID).Strs("session_keys", corrupt).Msg("Dropping undecodable active session entries")
		if err := a.Remove(ctx, serverID, corrupt...); err != nil {
			logging.Warn().Err(err).Msg("Failed to drop corrupt active session entries")
		}
	}

	sort.Slice(out, func(i, j int) bool {
		if out[i].StartedAt.Equal(out[j].StartedAt) {
			return out[i].SessionKey < out[j].SessionKey
		}
		return out[i].StartedAt.Before(out[j].StartedAt)
	})
	return out, nil
}

// ListForUser returns the user's live sessions on one server.
func (a *ActiveSessions) ListForUser(ctx context.Context, serverID, userID string) ([]*models.ActiveSession, error) {
	all, err := a.List(ctx, serverID)
	if err != nil {
		return nil, err
	}
	out := all[:0]
	for _, s := range all {
		if s.UserID == userID {
			out = append(out, s)
		}
	}
	return out, nil
}

// IsWarm reports whether the server's projection has been rebuilt since
// the cache was last emptied.
func (a *ActiveSessions) IsWarm(ctx context.Context, serverID string) (bool, error) {
	_, err := a.store.Get(ctx, a.warmKey(serverID))
	if errors.Is(err, ErrCacheMiss) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// Rebuild replaces the server's projection with sessions and marks it warm.
func (a *ActiveSessions) Rebuild(ctx context.Context, serverID string, sessions []*models.ActiveSession) error {
	if err := a.store.Delete(ctx, a.hashKey(serverID)); err != nil {
		return fmt.Errorf("failed to clear active sessions: %w", err)
	}
	for _, s := range sessions {
		if err := a.Put(ctx, s); err != nil {
			return err
		}
	}
	if err := a.store.Set(ctx, a.warmKey(serverID), []byte("1"), 0); err != nil {
		return fmt.Errorf("failed to set warm marker: %w", err)
	}
	return nil
}
