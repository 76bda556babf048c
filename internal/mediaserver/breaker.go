// Sharewatch - Media Server Account Sharing Detection
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/sharewatch

package mediaserver

import (
	"context"
	"errors"
	"fmt"
	"time"

	gobreaker "github.com/sony/gobreaker/v2"

	"github.com/tomtom215/sharewatch/internal/logging"
	"github.com/tomtom215/sharewatch/internal/metrics"
	"github.com/tomtom215/sharewatch/internal/models"
)

// Breaker thresholds: trip at a 60% failure rate over at least 10 requests.
const (
	breakerMinRequests  = 10
	breakerFailureRatio = 0.6
)

// BreakerAdapter guards an Adapter with a circuit breaker.
type BreakerAdapter struct {
	Adapter
	cb *gobreaker.CircuitBreaker[interface{}]
}

// WithBreaker wraps a with a breaker named "mediaserver-<server id>".
func WithBreaker(a Adapter) *BreakerAdapter {
	name := "mediaserver-" + a.ServerID()
	metrics.CircuitBreakerState.WithLabelValues(name).Set(0)

	cb := gobreaker.NewCircuitBreaker[interface{}](gobreaker.Settings{
		Name:        name,
		MaxRequests: 3,
		Interval:    time.Minute,
		Timeout:     2 * time.Minute,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			if counts.Requests < breakerMinRequests {
				return false
			}
			ratio := float64(counts.TotalFailures) / float64(counts.Requests)
			if ratio >= breakerFailureRatio {
				logging.Warn().Str("breaker", name).Uint32("failures", counts.TotalFailures).Float64("failure_rate", ratio*100).Msg("Opening media server circuit")
				return true
			}
			return false
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logging.Info().Str("breaker", name).Str("from", from.String()).Str("to", to.String()).Msg("Media server circuit state transition")
			metrics.RecordCircuitBreakerTransition(name, from.String(), to.String(), int(to))
		},
	})
	return &BreakerAdapter{Adapter: a, cb: cb}
}

// State returns the breaker state.
func (b *BreakerAdapter) State() gobreaker.State {
	return b.cb.State()
}

func (b *BreakerAdapter) execute(fn func() (interface{}, error)) (interface{}, error) {
	res, err := b.cb.Execute(fn)
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return nil, fmt.Errorf("%w: %s: %v", ErrCircuitOpen, b.ServerID(), err)
	}
	return res, err
}

// GetSessions calls the wrapped adapter through the breaker.
func (b *BreakerAdapter) GetSessions(ctx context.Context) ([]models.RawSession, error) {
	res, err := b.execute(func() (interface{}, error) {
		return b.Adapter.GetSessions(ctx)
	})
	if err != nil {
		return nil, err
	}
	sessions, _ := res.([]models.RawSession)
	return sessions, nil
}

// Terminate calls the wrapped adapter through the breaker.
func (b *BreakerAdapter) Terminate(ctx context.Context, sessionKey, message string) error {
	_, err := b.execute(func() (interface{}, error) {
		return nil, b.Adapter.Terminate(ctx, sessionKey, message)
	})
	return err
}
