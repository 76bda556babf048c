// Sharewatch - Media Server Account Sharing Detection
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/sharewatch

// Package session turns per-poll snapshots into Session records.
//
// The pause and watch transitions are pure functions. Tracker adds the one
// piece that needs storage: linking a new session to an unfinished play of
// the same item so segments of one logical play share a ReferenceID.
package session

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/tomtom215/sharewatch/internal/models"
)

// WatchedThreshold is the inclusive progress ratio at which an item counts as watched.
const WatchedThreshold = 0.85

// ResumeWindow bounds how far back a stopped session can be resumed.
const ResumeWindow = 24 * time.Hour

// ResumeLookup finds the most recent stopped, unwatched session for
// (userID, ratingKey) that stopped at or after since.
type ResumeLookup interface {
	FindResumeCandidate(ctx context.Context, userID, ratingKey string, since time.Time) (*models.Session, error)
}

// Observation is one raw snapshot with its resolved identities.
type Observation struct {
	ServerID string
	UserID   string
	Raw      models.RawSession
	Geo      *models.GeoLocation
}

// Result is the outcome of applying one observation.
type Result struct {
	Session          *models.Session
	IsNew            bool
	TranscodeChanged bool
	StateChanged     bool
}

// Tracker applies observations to sessions.
type Tracker struct {
	lookup ResumeLookup
	newID  func() string
}

// NewTracker creates a tracker. lookup may be nil, which disables resume
// chaining.
func NewTracker(lookup ResumeLookup) *Tracker {
	return &Tracker{lookup: lookup, newID: uuid.NewString}
}

// Apply merges obs into existing, or creates a new session when existing is nil.
// existing is not modified.
func (t *Tracker) Apply(ctx context.Context, existing *models.Session, obs Observation, now time.Time) (Result, error) {
	if existing == nil {
		s, err := t.start(ctx, obs, now)
		if err != nil {
			return Result{}, err
		}
		return Result{Session: s, IsNew: true}, nil
	}
	return update(existing, obs, now), nil
}

func (t *Tracker) start(ctx context.Context, obs Observation, now time.Time) (*models.Session, error) {
	raw := obs.Raw
	s := &models.Session{
		ID:         t.newID(),
		ServerID:   obs.ServerID,
		UserID:     obs.UserID,
		SessionKey: raw.SessionKey,
		State:      liveState(raw.State),
		StartedAt:  now,
		LastSeenAt: now,
	}
	copyObserved(s, raw)
	s.Geo = obs.Geo
	s.Watched = IsWatched(s.ProgressMs, s.DurationMs)
	if s.State == models.StatePaused {
		paused := now
		s.LastPausedAt = &paused
	}

	if t.lookup == nil {
		return s, nil
	}
	candidate, err := t.lookup.FindResumeCandidate(ctx, obs.UserID, raw.RatingKey, now.Add(-ResumeWindow))
	if err != nil {
		return nil, fmt.Errorf("failed to look up resume candidate: %w", err)
	}
	s.ReferenceID = ChainReference(candidate, raw.ProgressMs)
	return s, nil
}

// ChainReference returns the ReferenceID a new session should carry given a
// resume candidate: the candidate's chain head when progress has not moved
// backwards, otherwise nil (a fresh chain).
func ChainReference(candidate *models.Session, progressMs int64) *string {
	if candidate == nil || candidate.Watched || progressMs < candidate.ProgressMs {
		return nil
	}
	if candidate.ReferenceID != nil {
		ref := *candidate.ReferenceID
		return &ref
	}
	ref := candidate.ID
	return &ref
}

func update(existing *models.Session, obs Observation, now time.Time) Result {
	s := *existing
	raw := obs.Raw
	next := liveState(raw.State)

	res := Result{
		StateChanged:     existing.State != next,
		TranscodeChanged: transcodeChanged(existing, raw),
	}

	s.PausedDurationMs, s.LastPausedAt = NextPauseState(existing.State, next, existing.LastPausedAt, existing.PausedDurationMs, now)
	s.State = next
	s.LastSeenAt = now
	copyObserved(&s, raw)
	if obs.Geo != nil {
		s.Geo = obs.Geo
	}
	s.Watched = existing.Watched || IsWatched(s.ProgressMs, s.DurationMs)

	res.Session = &s
	return res
}

// NextPauseState computes pause bookkeeping for a state transition.
// playing->paused opens a pause at now; paused->playing folds the open pause
// into pausedMs. Other transitions leave both values unchanged.
func NextPauseState(prev, next models.SessionState, lastPausedAt *time.Time, pausedMs int64, now time.Time) (int64, *time.Time) {
	switch {
	case prev == models.StatePlaying && next == models.StatePaused:
		at := now
		return pausedMs, &at
	case prev == models.StatePaused && next == models.StatePlaying:
		return pausedMs + openPauseMs(lastPausedAt, now), nil
	default:
		return pausedMs, lastPausedAt
	}
}

// IsWatched reports whether progress reaches WatchedThreshold of duration.
func IsWatched(progressMs, durationMs int64) bool {
	if durationMs <= 0 {
		return false
	}
	return float64(progressMs)/float64(durationMs) >= WatchedThreshold
}

// Stop finalizes s as stopped at the given time and returns the finalized copy.
// An open pause is folded into PausedDurationMs first.
func Stop(s *models.Session, at time.Time) *models.Session {
	out := *s
	if out.State == models.StatePaused {
		out.PausedDurationMs += openPauseMs(out.LastPausedAt, at)
	}
	out.LastPausedAt = nil
	out.State = models.StateStopped
	stopped := at
	out.StoppedAt = &stopped

	total := at.Sub(out.StartedAt).Milliseconds() - out.PausedDurationMs
	if total < 0 {
		total = 0
	}
	out.TotalDurationMs = &total
	out.Watched = out.Watched || IsWatched(out.ProgressMs, out.DurationMs)
	return &out
}

func openPauseMs(lastPausedAt *time.Time, now time.Time) int64 {
	if lastPausedAt == nil {
		return 0
	}
	d := now.Sub(*lastPausedAt).Milliseconds()
	if d < 0 {
		return 0
	}
	return d
}

// liveState maps an adapter state for a session that is still present in the
// snapshot. Stops are detected by absence, so a reported stop counts as playing.
func liveState(raw string) models.SessionState {
	st := models.NormalizeState(raw)
	if st == models.StateStopped {
		return models.StatePlaying
	}
	return st
}

func transcodeChanged(s *models.Session, raw models.RawSession) bool {
	return s.VideoDecision != raw.VideoDecision ||
		s.IsTranscode != raw.IsTranscode ||
		s.StreamResolution != raw.StreamResolution ||
		s.SourceResolution != raw.SourceResolution
}

func copyObserved(s *models.Session, raw models.RawSession) {
	s.MediaType = raw.MediaType
	s.RatingKey = raw.RatingKey
	s.Title = raw.Title
	s.GrandparentTitle = raw.GrandparentTitle
	if raw.ProgressMs >= 0 {
		s.ProgressMs = raw.ProgressMs
	}
	if raw.DurationMs > 0 {
		s.DurationMs = raw.DurationMs
	}

	s.IPAddress = raw.IPAddress
	s.Device = raw.Device
	s.DeviceID = raw.DeviceID
	s.Platform = raw.Platform
	s.Product = raw.Product
	s.Player = raw.Player
	s.IsLocal = raw.IsLocal

	s.VideoDecision = raw.VideoDecision
	s.IsTranscode = raw.IsTranscode
	s.SourceResolution = raw.SourceResolution
	s.StreamResolution = raw.StreamResolution
	s.SourceBitrate = raw.SourceBitrate
	s.StreamBitrate = raw.StreamBitrate
}
