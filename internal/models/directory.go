// Sharewatch - Media Server Account Sharing Detection
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/sharewatch

package models

import "time"

// DefaultTrustScore is the trust score of a newly seen user.
const DefaultTrustScore = 100

// Server is a configured upstream media server.
type Server struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Type      string    `json:"type"` // plex, jellyfin
	URL       string    `json:"url"`
	Enabled   bool      `json:"enabled"`
	CreatedAt time.Time `json:"created_at"`
}

// User is an account on one media server.
type User struct {
	ID         string    `json:"id"`
	ServerID   string    `json:"server_id"`
	ExternalID string    `json:"external_id"`
	Username   string    `json:"username"`
	Thumb      string    `json:"thumb,omitempty"`
	TrustScore int       `json:"trust_score"`
	CreatedAt  time.Time `json:"created_at"`
}
