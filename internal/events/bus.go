// Sharewatch - Media Server Account Sharing Detection
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/sharewatch

package events

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	wmNats "github.com/ThreeDotsLabs/watermill-nats/v2/pkg/nats"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	natsgo "github.com/nats-io/nats.go"
	gobreaker "github.com/sony/gobreaker/v2"

	"github.com/tomtom215/sharewatch/internal/logging"
	"github.com/tomtom215/sharewatch/internal/metrics"
)

// ErrPublisherClosed is returned by Publish after Close.
var ErrPublisherClosed = errors.New("publisher is closed")

// Bus publishes envelopes and exposes subscriptions to the same topics.
type Bus struct {
	publisher  message.Publisher
	subscriber message.Subscriber
	breaker    *gobreaker.CircuitBreaker[interface{}]

	eventsTopic        string
	notificationsTopic string
	now                func() time.Time

	mu     sync.RWMutex
	closed bool
}

// Options configures NewBus.
type Options struct {
	// URL of the NATS server. Empty selects the in-process GoChannel transport.
	URL         string
	TopicPrefix string
}

// NewBus creates a bus over NATS core or, without a URL, over GoChannel.
func NewBus(opts Options) (*Bus, error) {
	logger := logging.NewWatermillLogger()

	if opts.URL == "" {
		pubsub := gochannel.NewGoChannel(gochannel.Config{OutputChannelBuffer: 256}, logger)
		return NewBusWithPubSub(pubsub, pubsub, opts.TopicPrefix), nil
	}

	natsOpts := []natsgo.Option{
		natsgo.Name("sharewatch"),
		natsgo.RetryOnFailedConnect(true),
		natsgo.MaxReconnects(-1),
		natsgo.ReconnectWait(2 * time.Second),
		natsgo.DisconnectErrHandler(func(_ *natsgo.Conn, err error) {
			if err != nil {
				logger.Error("NATS disconnected", err, nil)
			}
		}),
		natsgo.ReconnectHandler(func(nc *natsgo.Conn) {
			logger.Info("NATS reconnected", watermill.LogFields{"url": nc.ConnectedUrl()})
		}),
	}

	pub, err := wmNats.NewPublisher(wmNats.PublisherConfig{
		URL:         opts.URL,
		NatsOptions: natsOpts,
		Marshaler:   &wmNats.NATSMarshaler{},
		JetStream:   wmNats.JetStreamConfig{Disabled: true},
	}, logger)
	if err != nil {
		return nil, fmt.Errorf("create watermill publisher: %w", err)
	}

	sub, err := wmNats.NewSubscriber(wmNats.SubscriberConfig{
		URL:              opts.URL,
		SubscribersCount: 1,
		AckWaitTimeout:   30 * time.Second,
		CloseTimeout:     10 * time.Second,
		SubscribeTimeout: 10 * time.Second,
		NatsOptions:      natsOpts,
		Unmarshaler:      &wmNats.NATSMarshaler{},
		JetStream:        wmNats.JetStreamConfig{Disabled: true},
	}, logger)
	if err != nil {
		_ = pub.Close()
		return nil, fmt.Errorf("create watermill subscriber: %w", err)
	}

	logging.Info().Str("url", opts.URL).Str("prefix", opts.TopicPrefix).Msg("Event bus connected to NATS")
	return NewBusWithPubSub(pub, sub, opts.TopicPrefix), nil
}

// NewBusWithPubSub builds a bus over existing Watermill publisher and
// subscriber.
func NewBusWithPubSub(pub message.Publisher, sub message.Subscriber, prefix string) *Bus {
	if prefix == "" {
		prefix = "sharewatch"
	}
	return &Bus{
		publisher:          pub,
		subscriber:         sub,
		breaker:            newPublishBreaker("event-bus"),
		eventsTopic:        prefix + ".events",
		notificationsTopic: prefix + ".notifications",
		now:                time.Now,
	}
}

// EventsTopic returns the lifecycle event topic.
func (b *Bus) EventsTopic() string { return b.eventsTopic }

// NotificationsTopic returns the notification request topic.
func (b *Bus) NotificationsTopic() string { return b.notificationsTopic }

// Publish sends a lifecycle event.
func (b *Bus) Publish(ctx context.Context, eventType string, data interface{}) error {
	err := b.publish(ctx, b.eventsTopic, eventType, data)
	metrics.RecordEventPublished(eventType, err)
	return err
}

// Enqueue publishes a notification request.
func (b *Bus) Enqueue(ctx context.Context, n Notification) error {
	err := b.publish(ctx, b.notificationsTopic, TypeNotification, n)
	metrics.RecordEventPublished(TypeNotification, err)
	return err
}

func (b *Bus) publish(ctx context.Context, topic, eventType string, data interface{}) error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return ErrPublisherClosed
	}

	msg, err := NewMessage(eventType, data, b.now())
	if err != nil {
		return err
	}
	msg.SetContext(ctx)
	if cid := logging.CorrelationIDFromContext(ctx); cid != "" {
		msg.Metadata.Set("correlation_id", cid)
	}

	_, err = b.breaker.Execute(func() (interface{}, error) {
		return nil, b.publisher.Publish(topic, msg)
	})
	if err != nil {
		return fmt.Errorf("publish %s: %w", eventType, err)
	}
	return nil
}

// Subscribe returns a channel of messages on topic. Messages must be
// acknowledged.
func (b *Bus) Subscribe(ctx context.Context, topic string) (<-chan *message.Message, error) {
	return b.subscriber.Subscribe(ctx, topic)
}

// Close closes the publisher and subscriber.
func (b *Bus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true

	var errs []error
	if err := b.publisher.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close publisher: %w", err))
	}
	// GoChannel is both publisher and subscriber.
	if closer, ok := b.subscriber.(message.Publisher); !ok || closer != b.publisher {
		if err := b.subscriber.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close subscriber: %w", err))
		}
	}
	return errors.Join(errs...)
}
