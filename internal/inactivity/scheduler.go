// Sharewatch - Media Server Account Sharing Detection
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/sharewatch

// Package inactivity runs the periodic account-inactivity check.
//
// A single worker goroutine owns every run, so checks never overlap. Runs
// happen once after a startup delay, then on a fixed interval, and on demand
// via TriggerNow. A failed run is retried with bounded exponential backoff;
// when retries are exhausted the run is recorded as failed and the next
// scheduled run proceeds normally.
package inactivity

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/tomtom215/sharewatch/internal/config"
	"github.com/tomtom215/sharewatch/internal/database"
	"github.com/tomtom215/sharewatch/internal/detection"
	"github.com/tomtom215/sharewatch/internal/logging"
	"github.com/tomtom215/sharewatch/internal/metrics"
	"github.com/tomtom215/sharewatch/internal/models"
	"github.com/tomtom215/sharewatch/internal/violation"
)

// Job results recorded in metrics.
const (
	resultSuccess = "success"
	resultRetry   = "retry"
	resultFailed  = "failed"
)

// Store is the read side the check needs.
type Store interface {
	ListRules(ctx context.Context, activeOnly bool) ([]*detection.Rule, error)
	ListUsers(ctx context.Context) ([]*models.User, error)
	GetUser(ctx context.Context, id string) (*models.User, error)
	LastActivity(ctx context.Context, userID string) (*time.Time, error)
}

// Processor receives matched rules.
type Processor interface {
	Process(ctx context.Context, m violation.Match) (*models.ViolationDetails, error)
}

// Report summarizes one check.
type Report struct {
	CorrelationID string    `json:"correlation_id"`
	Rules         int       `json:"rules"`
	Users         int       `json:"users"`
	Matches       int       `json:"matches"`
	Violations    int       `json:"violations"`
	Errors        int       `json:"errors"`
	Attempts      int       `json:"attempts"`
	FinishedAt    time.Time `json:"finished_at"`
	Failed        bool      `json:"failed"`
}

// Scheduler runs inactivity checks on a timer and on demand.
type Scheduler struct {
	cfg      config.InactivityConfig
	store    Store
	pipeline Processor
	engine   *detection.Engine
	now      func() time.Time

	trigger chan struct{}

	mu       sync.Mutex
	running  bool
	stopChan chan struct{}
	wg       sync.WaitGroup
	last     *Report
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithClock overrides the time source used for evaluation.
func WithClock(now func() time.Time) Option {
	return func(s *Scheduler) { s.now = now }
}

// New creates a scheduler.
func New(cfg config.InactivityConfig, store Store, pipeline Processor, opts ...Option) *Scheduler {
	s := &Scheduler{
		cfg:      cfg,
		store:    store,
		pipeline: pipeline,
		engine:   detection.NewEngine(),
		now:      time.Now,
		trigger:  make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Start launches the worker.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return fmt.Errorf("inactivity scheduler is already running")
	}
	s.running = true
	s.stopChan = make(chan struct{})
	s.mu.Unlock()

	logging.Info().
		Dur("interval", s.cfg.Interval).
		Dur("startup_delay", s.cfg.StartupDelay).
		Msg("Starting inactivity scheduler")

	s.wg.Add(1)
	go s.run(ctx)
	return nil
}

// Stop ends the worker, waiting for a run in progress.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	close(s.stopChan)
	s.mu.Unlock()

	s.wg.Wait()
	logging.Info().Msg("Inactivity scheduler stopped")
}

// Serve implements suture.Service.
func (s *Scheduler) Serve(ctx context.Context) error {
	if err := s.Start(ctx); err != nil {
		return err
	}
	<-ctx.Done()
	s.Stop()
	return ctx.Err()
}

// String names the service in supervisor logs.
func (s *Scheduler) String() string {
	return "inactivity-scheduler"
}

// TriggerNow requests an immediate check. Requests made while one is already
// pending are dropped.
func (s *Scheduler) TriggerNow() bool {
	select {
	case s.trigger <- struct{}{}:
		return true
	default:
		return false
	}
}

// LastReport returns the most recent run report, or nil.
func (s *Scheduler) LastReport() *Report {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.last == nil {
		return nil
	}
	r := *s.last
	return &r
}

func (s *Scheduler) run(ctx context.Context) {
	defer s.wg.Done()

	startup := time.NewTimer(s.cfg.StartupDelay)
	defer startup.Stop()

	interval := s.cfg.Interval
	if interval <= 0 {
		interval = time.Hour
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stopChan:
			return
		case <-startup.C:
			s.RunWithRetry(ctx)
		case <-ticker.C:
			s.RunWithRetry(ctx)
		case <-s.trigger:
			s.RunWithRetry(ctx)
		}
	}
}

// RunWithRetry runs one check, retrying failures with exponential backoff.
// It never returns an error; the outcome is in the report.
func (s *Scheduler) RunWithRetry(ctx context.Context) *Report {
	ctx = logging.ContextWithNewCorrelationID(ctx)
	log := logging.Ctx(ctx)

	var report *Report
	attempts := 0
	op := func() error {
		attempts++
		attemptCtx := ctx
		if s.cfg.JobTimeout > 0 {
			var cancel context.CancelFunc
			attemptCtx, cancel = context.WithTimeout(ctx, s.cfg.JobTimeout)
			defer cancel()
		}
		r, err := s.Run(attemptCtx)
		if err != nil {
			if ctx.Err() != nil {
				return backoff.Permanent(err)
			}
			return err
		}
		report = r
		return nil
	}

	notify := func(err error, wait time.Duration) {
		metrics.RecordInactivityJob(resultRetry)
		log.Warn().Err(err).Int("attempt", attempts).Dur("retry_in", wait).Msg("Inactivity check failed, retrying")
	}

	err := backoff.RetryNotify(op, backoff.WithContext(s.backoff(), ctx), notify)
	if err != nil {
		metrics.RecordInactivityJob(resultFailed)
		log.Error().Err(err).Int("attempts", attempts).Msg("Inactivity check failed")
		report = &Report{Failed: true}
	} else {
		metrics.RecordInactivityJob(resultSuccess)
	}

	report.CorrelationID = logging.CorrelationIDFromContext(ctx)
	report.Attempts = attempts
	report.FinishedAt = s.now()

	s.mu.Lock()
	s.last = report
	s.mu.Unlock()

	out := *report
	return &out
}

func (s *Scheduler) backoff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	if s.cfg.InitialBackoff > 0 {
		b.InitialInterval = s.cfg.InitialBackoff
	}
	if s.cfg.MaxBackoff > 0 {
		b.MaxInterval = s.cfg.MaxBackoff
	}
	b.MaxElapsedTime = 0
	retries := s.cfg.MaxRetries
	if retries < 0 {
		retries = 0
	}
	return backoff.WithMaxRetries(b, uint64(retries))
}

// Run performs one check without retries. Errors loading rules or users
// fail the run; a pipeline error for one user is logged and counted.
func (s *Scheduler) Run(ctx context.Context) (*Report, error) {
	log := logging.Ctx(ctx)
	report := &Report{}

	all, err := s.store.ListRules(ctx, true)
	if err != nil {
		return nil, fmt.Errorf("load rules: %w", err)
	}
	rules := detection.InactivityRules(all)
	report.Rules = len(rules)
	if len(rules) == 0 {
		return report, nil
	}

	users, err := s.resolveUsers(ctx, rules)
	if err != nil {
		return nil, err
	}
	report.Users = len(users)

	now := s.now()
	for _, u := range users {
		last, err := s.store.LastActivity(ctx, u.ID)
		if err != nil {
			return nil, err
		}

		results := s.engine.EvaluateInactivity(detection.Input{
			UserID:       u.ID,
			User:         u,
			LastActivity: last,
			Now:          now,
		}, rules)

		for _, r := range detection.Matched(results) {
			report.Matches++
			details, err := s.pipeline.Process(ctx, violation.Match{
				Rule:   r.Rule,
				UserID: u.ID,
				Result: r,
			})
			if err != nil {
				report.Errors++
				log.Error().Err(err).Str("rule_id", r.RuleID).Str("user_id", u.ID).Msg("Violation pipeline failed")
				continue
			}
			if details != nil {
				report.Violations++
			}
		}
	}

	log.Info().
		Int("rules", report.Rules).
		Int("users", report.Users).
		Int("violations", report.Violations).
		Msg("Inactivity check complete")
	return report, nil
}

// resolveUsers returns the union of the rules' user scopes. Any global rule
// widens the scope to every user.
func (s *Scheduler) resolveUsers(ctx context.Context, rules []*detection.Rule) ([]*models.User, error) {
	for _, r := range rules {
		if r.UserID == nil {
			users, err := s.store.ListUsers(ctx)
			if err != nil {
				return nil, fmt.Errorf("load users: %w", err)
			}
			return users, nil
		}
	}

	seen := make(map[string]bool, len(rules))
	var users []*models.User
	for _, r := range rules {
		id := *r.UserID
		if seen[id] {
			continue
		}
		seen[id] = true
		u, err := s.store.GetUser(ctx, id)
		if errors.Is(err, database.ErrNotFound) {
			logging.Ctx(ctx).Debug().Str("rule_id", r.ID).Str("user_id", id).Msg("Rule references unknown user")
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("load user %s: %w", id, err)
		}
		users = append(users, u)
	}
	return users, nil
}
