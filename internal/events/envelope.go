// Sharewatch - Media Server Account Sharing Detection
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/sharewatch

package events

import (
	"fmt"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/goccy/go-json"
	"github.com/google/uuid"
)

// Event types.
const (
	TypeSessionStarted = "session:started"
	TypeSessionUpdated = "session:updated"
	TypeSessionStopped = "session:stopped"
	TypeViolationNew   = "violation:new"
	TypeNotification   = "notification:enqueue"
)

// MetadataEventType is the message metadata key carrying the event type.
const MetadataEventType = "event_type"

// Envelope is the wire form of every bus message.
type Envelope struct {
	Type        string          `json:"type"`
	Data        json.RawMessage `json:"data"`
	PublishedAt time.Time       `json:"published_at"`
}

// NewMessage encodes data into an envelope message.
func NewMessage(eventType string, data interface{}, now time.Time) (*message.Message, error) {
	if eventType == "" {
		return nil, fmt.Errorf("event type is required")
	}
	payload, err := json.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("marshal %s payload: %w", eventType, err)
	}
	body, err := json.Marshal(Envelope{Type: eventType, Data: payload, PublishedAt: now.UTC()})
	if err != nil {
		return nil, fmt.Errorf("marshal envelope: %w", err)
	}

	msg := message.NewMessage(uuid.New().String(), body)
	msg.Metadata.Set(MetadataEventType, eventType)
	return msg, nil
}

// Decode reads the envelope of a bus message.
func Decode(msg *message.Message) (*Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(msg.Payload, &env); err != nil {
		return nil, fmt.Errorf("unmarshal envelope: %w", err)
	}
	if env.Type == "" {
		env.Type = msg.Metadata.Get(MetadataEventType)
	}
	return &env, nil
}

// Notification is a request to notify an operator about a new violation.
// Delivery is handled by whatever consumes the notifications topic.
type Notification struct {
	ViolationID string    `json:"violation_id"`
	RuleID      string    `json:"rule_id"`
	RuleName    string    `json:"rule_name"`
	UserID      string    `json:"user_id"`
	Username    string    `json:"username"`
	ServerName  string    `json:"server_name"`
	Severity    string    `json:"severity"`
	TrustScore  int       `json:"trust_score"`
	Message     string    `json:"message,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}
