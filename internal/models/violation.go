// Sharewatch - Media Server Account Sharing Detection
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/sharewatch

package models

import (
	"time"

	"github.com/goccy/go-json"
)

// Severity is the severity of a violation.
type Severity string

const (
	SeverityLow     Severity = "low"
	SeverityWarning Severity = "warning"
	SeverityHigh    Severity = "high"
)

// severityPenalties is the only severity to trust penalty mapping.
var severityPenalties = map[Severity]int{
	SeverityHigh:    20,
	SeverityWarning: 10,
	SeverityLow:     5,
}

// Penalty returns the trust score deduction for s, or 0 for an unknown severity.
func (s Severity) Penalty() int {
	return severityPenalties[s]
}

// Valid reports whether s is a known severity.
func (s Severity) Valid() bool {
	_, ok := severityPenalties[s]
	return ok
}

// Violation is a persisted rule match.
type Violation struct {
	ID             string          `json:"id"`
	RuleID         string          `json:"rule_id"`
	UserID         string          `json:"user_id"`
	SessionID      *string         `json:"session_id,omitempty"`
	Severity       Severity        `json:"severity"`
	Data           json.RawMessage `json:"data"`
	AcknowledgedAt *time.Time      `json:"acknowledged_at,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
}

// DedupKey returns the key under which at most one unacknowledged violation
// may exist.
func DedupKey(ruleID, userID string, sessionID *string) string {
	sid := "none"
	if sessionID != nil && *sessionID != "" {
		sid = *sessionID
	}
	return ruleID + ":" + userID + ":" + sid
}

// ViolationDetails is a violation joined with rule, user and server display
// data. It is the payload of violation:new events.
type ViolationDetails struct {
	Violation
	RuleName   string `json:"rule_name"`
	Username   string `json:"username"`
	TrustScore int    `json:"trust_score"`
	ServerID   string `json:"server_id"`
	ServerName string `json:"server_name"`
}
