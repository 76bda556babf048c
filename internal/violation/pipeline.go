// Sharewatch - Media Server Account Sharing Detection
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/sharewatch

package violation

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"

	"github.com/tomtom215/sharewatch/internal/cache"
	"github.com/tomtom215/sharewatch/internal/database"
	"github.com/tomtom215/sharewatch/internal/detection"
	"github.com/tomtom215/sharewatch/internal/events"
	"github.com/tomtom215/sharewatch/internal/logging"
	"github.com/tomtom215/sharewatch/internal/metrics"
	"github.com/tomtom215/sharewatch/internal/models"
)

const (
	defaultLockWait      = 10 * time.Second
	sideEffectTimeout    = 15 * time.Second
	notificationTimeout  = 10 * time.Second
	outcomeCreated       = "created"
	outcomeDuplicate     = "duplicate"
	outcomeError         = "error"
	sideEffectKillStream = string(detection.ActionKillStream)
)

// Store is the transactional storage the pipeline writes through.
type Store interface {
	WithTx(ctx context.Context, fn func(tx *database.Tx) error) error
	GetViolationDetails(ctx context.Context, id string) (*models.ViolationDetails, error)
}

// Publisher broadcasts violation:new events.
type Publisher interface {
	Publish(ctx context.Context, eventType string, data interface{}) error
}

// Notifier accepts notification requests. Delivery happens elsewhere.
type Notifier interface {
	Enqueue(ctx context.Context, n events.Notification) error
}

// StreamKiller terminates a live stream on its media server.
type StreamKiller interface {
	KillStream(ctx context.Context, s *models.Session, message string) error
}

// Match is one matched rule for one user, optionally tied to a session.
type Match struct {
	Rule    *detection.Rule
	UserID  string
	Session *models.Session
	Result  detection.RuleResult
}

func (m Match) sessionID() *string {
	if m.Session == nil || m.Session.ID == "" {
		return nil
	}
	id := m.Session.ID
	return &id
}

// Pipeline turns rule matches into deduplicated violations, applies the
// trust penalty in the same transaction, then runs side effects.
type Pipeline struct {
	store     Store
	locker    cache.Locker
	publisher Publisher
	notifier  Notifier
	killer    StreamKiller
	lockWait  time.Duration
	now       func() time.Time

	wg sync.WaitGroup
}

// Option configures a Pipeline.
type Option func(*Pipeline)

// WithPublisher sets the violation:new publisher.
func WithPublisher(p Publisher) Option { return func(pl *Pipeline) { pl.publisher = p } }

// WithNotifier sets the notification sink.
func WithNotifier(n Notifier) Option { return func(pl *Pipeline) { pl.notifier = n } }

// WithStreamKiller sets the kill_stream executor.
func WithStreamKiller(k StreamKiller) Option { return func(pl *Pipeline) { pl.killer = k } }

// WithLockWait bounds how long Process waits for the dedup lock.
func WithLockWait(d time.Duration) Option { return func(pl *Pipeline) { pl.lockWait = d } }

// WithClock overrides the clock used for violation timestamps.
func WithClock(now func() time.Time) Option { return func(pl *Pipeline) { pl.now = now } }

// New creates a pipeline. A nil locker falls back to an in-process keyed mutex.
func New(store Store, locker cache.Locker, opts ...Option) *Pipeline {
	if locker == nil {
		locker = cache.NewLocalLocker()
	}
	p := &Pipeline{
		store:    store,
		locker:   locker,
		lockWait: defaultLockWait,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Process handles one matched rule. It returns the new violation, or nil when
// the rule creates no violation or an open one already exists for the dedup
// key. Side effects run whenever the rule matched, even on a dedup hit.
func (p *Pipeline) Process(ctx context.Context, m Match) (*models.ViolationDetails, error) {
	if m.Rule == nil || !m.Result.Matched {
		return nil, nil
	}
	if m.UserID == "" && m.Session != nil {
		m.UserID = m.Session.UserID
	}

	log := logging.Ctx(ctx).With().
		Str("rule_id", m.Rule.ID).
		Str("user_id", m.UserID).
		Logger()

	var details *models.ViolationDetails
	if severity, ok := m.Rule.ViolationSeverity(); ok {
		created, err := p.createViolation(ctx, m, severity)
		if err != nil {
			metrics.RecordViolation(string(severity), outcomeError)
			log.Error().Err(err).Msg("Violation pipeline failed")
			return nil, err
		}
		if created == nil {
			metrics.RecordViolation(string(severity), outcomeDuplicate)
			log.Debug().Msg("Open violation already exists, skipping")
		} else {
			metrics.RecordViolation(string(severity), outcomeCreated)
			log.Info().
				Str("violation_id", created.ID).
				Str("severity", string(severity)).
				Int("trust_score", created.TrustScore).
				Msg("Violation created")
			details = created
		}
	}

	if m.Rule.HasAction(detection.ActionLogOnly) {
		log.Info().Str("rule_name", m.Rule.Name).Interface("evidence", m.Result.Evidence).Msg("Rule matched")
	}

	p.runSideEffects(ctx, m, details)
	return details, nil
}

// createViolation holds the dedup lock across the whole transaction. The
// unique open_key column rejects any insert the lock did not serialise.
func (p *Pipeline) createViolation(ctx context.Context, m Match, severity models.Severity) (*models.ViolationDetails, error) {
	sessionID := m.sessionID()
	key := models.DedupKey(m.Rule.ID, m.UserID, sessionID)

	lockCtx, cancel := context.WithTimeout(ctx, p.lockWait)
	unlock, err := p.locker.Lock(lockCtx, "violation:"+key)
	cancel()
	if err != nil {
		return nil, fmt.Errorf("failed to lock %s: %w", key, err)
	}
	defer unlock()

	data, err := evidencePayload(m.Result)
	if err != nil {
		return nil, err
	}

	v := &models.Violation{
		ID:        uuid.New().String(),
		RuleID:    m.Rule.ID,
		UserID:    m.UserID,
		SessionID: sessionID,
		Severity:  severity,
		Data:      data,
		CreatedAt: p.now().UTC(),
	}

	err = p.store.WithTx(ctx, func(tx *database.Tx) error {
		open, err := tx.HasOpenViolation(ctx, key)
		if err != nil {
			return err
		}
		if open {
			return database.ErrDuplicateViolation
		}
		if err := tx.InsertViolation(ctx, v, key); err != nil {
			return err
		}
		_, err = tx.ApplyTrustPenalty(ctx, m.UserID, severity.Penalty())
		return err
	})
	if errors.Is(err, database.ErrDuplicateViolation) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	details, err := p.store.GetViolationDetails(ctx, v.ID)
	if err != nil {
		// Committed; fall back to what we know.
		logging.Ctx(ctx).Warn().Str("violation_id", v.ID).Err(err).Msg("Failed to load violation details")
		details = &models.ViolationDetails{Violation: *v, RuleName: m.Rule.Name}
	}
	return details, nil
}

// evidencePayload serialises the matched evidence. Keys are emitted in
// sorted order by the encoder.
func evidencePayload(res detection.RuleResult) (json.RawMessage, error) {
	groups := append([]int(nil), res.MatchedGroups...)
	sort.Ints(groups)
	payload := map[string]interface{}{
		"matched_groups": groups,
		"evidence":       res.Evidence,
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal evidence: %w", err)
	}
	return data, nil
}

// runSideEffects runs after commit. Failures are logged and counted, never
// returned: the violation is already durable.
func (p *Pipeline) runSideEffects(ctx context.Context, m Match, details *models.ViolationDetails) {
	for _, a := range m.Rule.Actions {
		if a.Type == detection.ActionKillStream {
			p.killStream(ctx, m, a)
		}
	}

	if details != nil {
		p.publish(ctx, details)
	}

	if details != nil || m.Rule.HasAction(detection.ActionNotify) {
		p.enqueueNotification(ctx, m, details)
	}
}

func (p *Pipeline) killStream(ctx context.Context, m Match, a detection.Action) {
	if m.Session == nil {
		logging.Ctx(ctx).Debug().Str("rule_id", m.Rule.ID).Msg("kill_stream skipped: no session")
		return
	}
	if p.killer == nil {
		logging.Ctx(ctx).Warn().Str("rule_id", m.Rule.ID).Msg("kill_stream requested but no executor configured")
		return
	}

	msg := a.Message
	if msg == "" {
		msg = "Stream terminated: " + m.Rule.Name
	}

	killCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), sideEffectTimeout)
	defer cancel()
	err := p.killer.KillStream(killCtx, m.Session, msg)
	metrics.RecordSideEffect(sideEffectKillStream, err)
	if err != nil {
		logging.Ctx(ctx).Error().
			Str("rule_id", m.Rule.ID).
			Str("session_id", m.Session.ID).
			Err(err).
			Msg("Failed to terminate stream")
		return
	}
	logging.Ctx(ctx).Info().
		Str("rule_id", m.Rule.ID).
		Str("session_id", m.Session.ID).
		Str("server_id", m.Session.ServerID).
		Msg("Stream terminated")
}

func (p *Pipeline) publish(ctx context.Context, details *models.ViolationDetails) {
	if p.publisher == nil {
		return
	}
	if err := p.publisher.Publish(context.WithoutCancel(ctx), events.TypeViolationNew, details); err != nil {
		logging.Ctx(ctx).Warn().Str("violation_id", details.ID).Err(err).Msg("Failed to publish violation event")
	}
}

// enqueueNotification is fire-and-forget. Wait blocks until outstanding
// requests finish.
func (p *Pipeline) enqueueNotification(ctx context.Context, m Match, details *models.ViolationDetails) {
	if p.notifier == nil {
		return
	}

	n := events.Notification{
		RuleID:    m.Rule.ID,
		RuleName:  m.Rule.Name,
		UserID:    m.UserID,
		CreatedAt: p.now().UTC(),
	}
	for _, a := range m.Rule.Actions {
		if a.Type == detection.ActionNotify && a.Message != "" {
			n.Message = a.Message
			break
		}
	}
	if details != nil {
		n.ViolationID = details.ID
		n.Username = details.Username
		n.ServerName = details.ServerName
		n.Severity = string(details.Severity)
		n.TrustScore = details.TrustScore
		n.CreatedAt = details.CreatedAt
	}

	bg := context.WithoutCancel(ctx)
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		nctx, cancel := context.WithTimeout(bg, notificationTimeout)
		defer cancel()
		err := p.notifier.Enqueue(nctx, n)
		metrics.RecordSideEffect(string(detection.ActionNotify), err)
		if err != nil {
			logging.Ctx(bg).Warn().Str("rule_id", n.RuleID).Err(err).Msg("Failed to enqueue notification")
		}
	}()
}

// Wait blocks until in-flight notification requests have finished.
func (p *Pipeline) Wait() {
	p.wg.Wait()
}
