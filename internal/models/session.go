// Sharewatch - Media Server Account Sharing Detection
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/sharewatch

package models

import (
	"errors"
	"math"
	"strings"
	"time"
)

// SessionState is the playback state of a session.
type SessionState string

const (
	StatePlaying SessionState = "playing"
	StatePaused  SessionState = "paused"
	StateStopped SessionState = "stopped"
)

// NormalizeState maps a vendor playback state onto SessionState.
// Buffering and unknown states count as playing; only an explicit stop maps
// to StateStopped.
func NormalizeState(raw string) SessionState {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "paused":
		return StatePaused
	case "stopped":
		return StateStopped
	default:
		return StatePlaying
	}
}

// Video decisions reported by media servers.
const (
	VideoDecisionDirectPlay = "directplay"
	VideoDecisionCopy       = "copy"
	VideoDecisionTranscode  = "transcode"
)

// CoordinateEpsilon is the threshold for treating a coordinate as zero.
// 1e-7 degrees is roughly 1.1cm at the equator.
const CoordinateEpsilon = 1e-7

// IsUnknownLocation reports whether (lat, lon) is the (0, 0) sentinel.
func IsUnknownLocation(lat, lon float64) bool {
	return math.Abs(lat) < CoordinateEpsilon && math.Abs(lon) < CoordinateEpsilon
}

// GeoLocation is the resolved location of an IP address.
type GeoLocation struct {
	City    string  `json:"city,omitempty"`
	Region  string  `json:"region,omitempty"`
	Country string  `json:"country,omitempty"` // ISO 3166-1 alpha-2
	Lat     float64 `json:"lat"`
	Lon     float64 `json:"lon"`
}

// HasCoordinates reports whether g carries usable coordinates.
func (g *GeoLocation) HasCoordinates() bool {
	return g != nil && !IsUnknownLocation(g.Lat, g.Lon)
}

// RawSession is one session as normalized by a media server adapter.
type RawSession struct {
	SessionKey       string `json:"session_key"`
	ExternalUserID   string `json:"external_user_id"`
	Username         string `json:"username"`
	UserThumb        string `json:"user_thumb,omitempty"`
	RatingKey        string `json:"rating_key"`
	MediaType        string `json:"media_type"`
	Title            string `json:"title"`
	GrandparentTitle string `json:"grandparent_title,omitempty"`
	State            string `json:"state"`
	ProgressMs       int64  `json:"progress_ms"`
	DurationMs       int64  `json:"duration_ms"`

	IPAddress string `json:"ip_address"`
	Device    string `json:"device"`
	DeviceID  string `json:"device_id"`
	Platform  string `json:"platform"`
	Product   string `json:"product"`
	Player    string `json:"player"`
	IsLocal   bool   `json:"is_local"`

	VideoDecision    string `json:"video_decision"`
	IsTranscode      bool   `json:"is_transcode"`
	SourceResolution string `json:"source_resolution,omitempty"`
	StreamResolution string `json:"stream_resolution,omitempty"`
	SourceBitrate    int    `json:"source_bitrate,omitempty"`
	StreamBitrate    int    `json:"stream_bitrate,omitempty"`
}

// Validation errors for RawSession.
var (
	ErrMissingSessionKey = errors.New("raw session: missing session key")
	ErrMissingUserID     = errors.New("raw session: missing external user id")
	ErrMissingRatingKey  = errors.New("raw session: missing rating key")
)

// Validate rejects snapshots without the identity fields needed to persist them.
func (r *RawSession) Validate() error {
	switch {
	case r.SessionKey == "":
		return ErrMissingSessionKey
	case r.ExternalUserID == "":
		return ErrMissingUserID
	case r.RatingKey == "":
		return ErrMissingRatingKey
	}
	return nil
}

// Session is one playback attempt, possibly spanning several pause/resume
// segments. Segments of one logical play are linked by ReferenceID, which
// always points at the first session of the chain.
type Session struct {
	ID         string       `json:"id"`
	ServerID   string       `json:"server_id"`
	UserID     string       `json:"user_id"`
	SessionKey string       `json:"session_key"`
	State      SessionState `json:"state"`

	MediaType        string `json:"media_type"`
	RatingKey        string `json:"rating_key"`
	Title            string `json:"title"`
	GrandparentTitle string `json:"grandparent_title,omitempty"`

	StartedAt       time.Time  `json:"started_at"`
	StoppedAt       *time.Time `json:"stopped_at,omitempty"`
	LastSeenAt      time.Time  `json:"last_seen_at"`
	TotalDurationMs *int64     `json:"total_duration_ms,omitempty"`
	ProgressMs      int64      `json:"progress_ms"`
	DurationMs      int64      `json:"duration_ms"`

	PausedDurationMs int64      `json:"paused_duration_ms"`
	LastPausedAt     *time.Time `json:"last_paused_at,omitempty"`
	ReferenceID      *string    `json:"reference_id,omitempty"`
	Watched          bool       `json:"watched"`

	IPAddress string       `json:"ip_address"`
	Geo       *GeoLocation `json:"geo,omitempty"`
	Device    string       `json:"device"`
	DeviceID  string       `json:"device_id"`
	Platform  string       `json:"platform"`
	Product   string       `json:"product"`
	Player    string       `json:"player"`
	IsLocal   bool         `json:"is_local"`

	VideoDecision    string `json:"video_decision"`
	IsTranscode      bool   `json:"is_transcode"`
	SourceResolution string `json:"source_resolution,omitempty"`
	StreamResolution string `json:"stream_resolution,omitempty"`
	SourceBitrate    int    `json:"source_bitrate,omitempty"`
	StreamBitrate    int    `json:"stream_bitrate,omitempty"`
}

// IsActive reports whether the session has not been stopped.
func (s *Session) IsActive() bool {
	return s.State != StateStopped
}

// ActiveKey is the stable cross-cycle identity of a live session.
func ActiveKey(serverID, sessionKey string) string {
	return serverID + ":" + sessionKey
}

// ActiveSession is the cache projection of a live session joined with
// display data.
type ActiveSession struct {
	Session
	Username   string `json:"username"`
	UserThumb  string `json:"user_thumb,omitempty"`
	ServerName string `json:"server_name"`
	ServerType string `json:"server_type"`
}
