// Sharewatch - Media Server Account Sharing Detection
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/sharewatch

package websocket

import (
	"context"
	"fmt"

	"github.com/ThreeDotsLabs/watermill/message"

	"github.com/tomtom215/sharewatch/internal/events"
	"github.com/tomtom215/sharewatch/internal/logging"
)

// Subscriber yields bus messages for a topic.
type Subscriber interface {
	Subscribe(ctx context.Context, topic string) (<-chan *message.Message, error)
}

// Relay forwards every bus event to the hub.
type Relay struct {
	hub   *Hub
	sub   Subscriber
	topic string
}

// NewRelay creates a relay from topic to hub.
func NewRelay(hub *Hub, sub Subscriber, topic string) *Relay {
	return &Relay{hub: hub, sub: sub, topic: topic}
}

// Serve subscribes and relays until ctx is done. It implements
// suture.Service.
func (r *Relay) Serve(ctx context.Context) error {
	msgs, err := r.sub.Subscribe(ctx, r.topic)
	if err != nil {
		return fmt.Errorf("subscribe to %s: %w", r.topic, err)
	}
	logging.Info().Str("topic", r.topic).Msg("Relaying bus events to websocket clients")

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-msgs:
			if !ok {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				return fmt.Errorf("subscription to %s closed", r.topic)
			}
			r.forward(msg)
			msg.Ack()
		}
	}
}

// String names the service in supervisor logs.
func (r *Relay) String() string {
	return "websocket-relay"
}

func (r *Relay) forward(msg *message.Message) {
	env, err := events.Decode(msg)
	if err != nil {
		logging.Warn().Err(err).Str("message_uuid", msg.UUID).Msg("Skipping undecodable bus message")
		return
	}
	r.hub.Broadcast(env.Type, env.Data)
}
