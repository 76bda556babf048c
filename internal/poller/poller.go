// Sharewatch - Media Server Account Sharing Detection
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/sharewatch

// Package poller drives the periodic poll cycle.
//
// One cycle fetches the live sessions of every enabled server, diffs them
// against the active-session cache, applies the session tracker, persists
// the result, evaluates new and transcode-changed sessions and hands matches
// to the violation pipeline. Servers are isolated from each other: a failing
// or slow server is logged and skipped for that cycle.
//
// At most one cycle runs at a time. TriggerNow requests an immediate cycle;
// requests made while a cycle is running collapse into one follow-up cycle.
// Stop never interrupts a cycle in progress.
package poller

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/tomtom215/sharewatch/internal/cache"
	"github.com/tomtom215/sharewatch/internal/config"
	"github.com/tomtom215/sharewatch/internal/detection"
	"github.com/tomtom215/sharewatch/internal/events"
	"github.com/tomtom215/sharewatch/internal/geoip"
	"github.com/tomtom215/sharewatch/internal/logging"
	"github.com/tomtom215/sharewatch/internal/mediaserver"
	"github.com/tomtom215/sharewatch/internal/metrics"
	"github.com/tomtom215/sharewatch/internal/models"
	"github.com/tomtom215/sharewatch/internal/session"
	"github.com/tomtom215/sharewatch/internal/violation"
)

// Cycle outcomes recorded in metrics.
const (
	resultSuccess = "success"
	resultPartial = "partial"
	resultError   = "error"
)

// Store is the durable storage the poller reads and writes.
type Store interface {
	session.ResumeLookup
	UpsertServer(ctx context.Context, s *models.Server) error
	ListServers(ctx context.Context, enabledOnly bool) ([]*models.Server, error)
	UpsertUser(ctx context.Context, serverID, externalID, username, thumb string) (*models.User, error)
	InsertSession(ctx context.Context, s *models.Session) (bool, error)
	UpdateSession(ctx context.Context, s *models.Session) error
	StopSession(ctx context.Context, s *models.Session) error
	GetActiveSessionByKey(ctx context.Context, serverID, sessionKey string) (*models.Session, error)
	ListActiveSessions(ctx context.Context, serverID string) ([]*models.ActiveSession, error)
	RecentSessionsForUser(ctx context.Context, userID string, since time.Time) ([]*models.Session, error)
	ListStaleSessions(ctx context.Context, before time.Time) ([]*models.Session, error)
	ListRules(ctx context.Context, activeOnly bool) ([]*detection.Rule, error)
}

// Adapters resolves the adapter for a server id.
type Adapters interface {
	Get(serverID string) (mediaserver.Adapter, bool)
}

// Processor receives matched rules.
type Processor interface {
	Process(ctx context.Context, m violation.Match) (*models.ViolationDetails, error)
}

// Publisher broadcasts session lifecycle events.
type Publisher interface {
	Publish(ctx context.Context, eventType string, data interface{}) error
}

// Report summarizes one cycle.
type Report struct {
	CorrelationID string        `json:"correlation_id"`
	Servers       int           `json:"servers"`
	FailedServers []string      `json:"failed_servers,omitempty"`
	Started       int           `json:"started"`
	Updated       int           `json:"updated"`
	Stopped       int           `json:"stopped"`
	Dropped       int           `json:"dropped"`
	Matches       int           `json:"matches"`
	Violations    int           `json:"violations"`
	Duration      time.Duration `json:"duration"`
}

func (r *Report) add(o *Report) {
	r.Started += o.Started
	r.Updated += o.Updated
	r.Stopped += o.Stopped
	r.Dropped += o.Dropped
	r.Matches += o.Matches
	r.Violations += o.Violations
}

// Poller runs poll cycles on a timer and on demand.
type Poller struct {
	cfg       config.PollerConfig
	store     Store
	adapters  Adapters
	active    *cache.ActiveSessions
	pipeline  Processor
	publisher Publisher
	geo       geoip.Resolver
	tracker   *session.Tracker
	engine    *detection.Engine
	now       func() time.Time

	// cycleMu serializes cycles and sweeps; it is the single-writer guard
	// for the active-session cache.
	cycleMu sync.Mutex

	mu       sync.Mutex
	running  bool
	stopChan chan struct{}
	trigger  chan struct{}
	wg       sync.WaitGroup
	last     *Report
}

// Option configures a Poller.
type Option func(*Poller)

// WithPublisher sets the lifecycle event publisher.
func WithPublisher(pub Publisher) Option {
	return func(p *Poller) { p.publisher = pub }
}

// WithGeoResolver sets the IP geolocation resolver.
func WithGeoResolver(r geoip.Resolver) Option {
	return func(p *Poller) { p.geo = r }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(p *Poller) { p.now = now }
}

// New creates a poller.
func New(cfg config.PollerConfig, store Store, adapters Adapters, active *cache.ActiveSessions, pipeline Processor, opts ...Option) *Poller {
	p := &Poller{
		cfg:      cfg,
		store:    store,
		adapters: adapters,
		active:   active,
		pipeline: pipeline,
		geo:      geoip.Nop{},
		tracker:  session.NewTracker(store),
		engine:   detection.NewEngine(),
		now:      time.Now,
		trigger:  make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// RegisterServers writes the configured servers to the store.
func (p *Poller) RegisterServers(ctx context.Context, servers []config.ServerConfig) error {
	for _, s := range servers {
		name := s.Name
		if name == "" {
			name = s.ID
		}
		err := p.store.UpsertServer(ctx, &models.Server{
			ID:      s.ID,
			Name:    name,
			Type:    s.Type,
			URL:     s.URL,
			Enabled: true,
		})
		if err != nil {
			return err
		}
	}
	return nil
}

// Start launches the polling loop. It polls once immediately.
func (p *Poller) Start(ctx context.Context) error {
	p.mu.Lock()
	if p.running {
		p.mu.Unlock()
		return fmt.Errorf("poller is already running")
	}
	p.running = true
	p.stopChan = make(chan struct{})
	p.mu.Unlock()

	logging.Info().
		Dur("interval", p.cfg.Interval).
		Dur("sweep_interval", p.cfg.SweepInterval).
		Msg("Starting session poller")

	p.wg.Add(1)
	go p.loop(ctx)
	return nil
}

// Stop ends the loop and waits for a running cycle to finish.
func (p *Poller) Stop() {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return
	}
	p.running = false
	close(p.stopChan)
	p.mu.Unlock()

	p.wg.Wait()
	logging.Info().Msg("Session poller stopped")
}

// Serve implements suture.Service.
func (p *Poller) Serve(ctx context.Context) error {
	if err := p.Start(ctx); err != nil {
		return err
	}
	<-ctx.Done()
	p.Stop()
	return ctx.Err()
}

// String names the service in supervisor logs.
func (p *Poller) String() string {
	return "session-poller"
}

// IsRunning reports whether the loop is active.
func (p *Poller) IsRunning() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.running
}

// TriggerNow requests an immediate cycle. It never blocks; a request made
// while one is already pending is dropped.
func (p *Poller) TriggerNow() bool {
	select {
	case p.trigger <- struct{}{}:
		return true
	default:
		return false
	}
}

// LastReport returns the report of the most recent cycle, or nil.
func (p *Poller) LastReport() *Report {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.last == nil {
		return nil
	}
	r := *p.last
	return &r
}

func (p *Poller) loop(ctx context.Context) {
	defer p.wg.Done()

	p.RunCycle(ctx)

	ticker := time.NewTicker(p.cfg.Interval)
	defer ticker.Stop()

	sweepEvery := p.cfg.SweepInterval
	if sweepEvery <= 0 {
		sweepEvery = time.Minute
	}
	sweep := time.NewTicker(sweepEvery)
	defer sweep.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-p.stopChan:
			return
		case <-ticker.C:
			p.RunCycle(ctx)
		case <-p.trigger:
			p.RunCycle(ctx)
		case <-sweep.C:
			if _, err := p.SweepStale(ctx); err != nil {
				logging.Error().Err(err).Msg("Stale session sweep failed")
			}
		}
	}
}

// RunCycle polls every enabled server once. Cancelling ctx does not abort a
// cycle that has started.
func (p *Poller) RunCycle(ctx context.Context) *Report {
	p.cycleMu.Lock()
	defer p.cycleMu.Unlock()

	ctx = logging.ContextWithNewCorrelationID(context.WithoutCancel(ctx))
	log := logging.Ctx(ctx)
	start := time.Now()
	report := &Report{CorrelationID: logging.CorrelationIDFromContext(ctx)}

	result := p.runServers(ctx, report)

	report.Duration = time.Since(start)
	metrics.RecordPollCycle(result, report.Duration)

	log.Debug().
		Str("result", result).
		Int("servers", report.Servers).
		Int("started", report.Started).
		Int("updated", report.Updated).
		Int("stopped", report.Stopped).
		Int("violations", report.Violations).
		Dur("duration", report.Duration).
		Msg("Poll cycle complete")

	p.mu.Lock()
	p.last = report
	p.mu.Unlock()
	return report
}

func (p *Poller) runServers(ctx context.Context, report *Report) string {
	log := logging.Ctx(ctx)

	servers, err := p.store.ListServers(ctx, true)
	if err != nil {
		log.Error().Err(err).Msg("Failed to list servers")
		return resultError
	}

	var rules []*detection.Rule
	all, err := p.store.ListRules(ctx, true)
	if err != nil {
		// sessions are still tracked; detection resumes next cycle
		log.Error().Err(err).Msg("Failed to load rules")
	} else {
		rules = detection.SessionRules(all)
	}

	report.Servers = len(servers)
	for _, srv := range servers {
		sr, err := p.pollServer(ctx, srv, rules)
		if sr != nil {
			report.add(sr)
		}
		if err != nil {
			report.FailedServers = append(report.FailedServers, srv.ID)
			metrics.RecordPollServerError(srv.ID)
			log.Warn().Err(err).Str("server_id", srv.ID).Msg("Server poll failed")
		}
	}

	switch {
	case len(report.FailedServers) == 0:
		return resultSuccess
	case len(report.FailedServers) == len(servers):
		return resultError
	default:
		return resultPartial
	}
}

// serverCycle is the working state for one server within one cycle.
type serverCycle struct {
	server   *models.Server
	snapshot map[string]*models.ActiveSession
	order    []string
	users    map[string]*models.User
	pending  []evaluation
	report   *Report
}

type evaluation struct {
	session   *models.Session
	user      *models.User
	transcode bool
}

func (p *Poller) pollServer(ctx context.Context, srv *models.Server, rules []*detection.Rule) (report *Report, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic while polling server %s: %v", srv.ID, r)
		}
	}()

	adapter, ok := p.adapters.Get(srv.ID)
	if !ok {
		return nil, fmt.Errorf("%w: %s", mediaserver.ErrUnknownServer, srv.ID)
	}

	actx, cancel := context.WithTimeout(ctx, p.adapterTimeout())
	raws, err := adapter.GetSessions(actx)
	cancel()
	if err != nil {
		return nil, fmt.Errorf("fetch sessions: %w", err)
	}

	sc := &serverCycle{
		server: srv,
		users:  make(map[string]*models.User),
		report: &Report{},
	}
	if err := p.loadSnapshot(ctx, sc); err != nil {
		return nil, err
	}

	now := p.now()
	seen := make(map[string]bool, len(raws))
	live := make([]models.RawSession, 0, len(raws))
	for i := range raws {
		raw := raws[i]
		if err := raw.Validate(); err != nil {
			sc.report.Dropped++
			logging.Ctx(ctx).Warn().Err(err).
				Str("server_id", srv.ID).
				Str("session_key", raw.SessionKey).
				Msg("Dropping malformed session")
			continue
		}
		if seen[raw.SessionKey] {
			continue
		}
		seen[raw.SessionKey] = true
		live = append(live, raw)
	}

	// Absent sessions stop first: resume lookups need them stopped and
	// rules count only live streams.
	order := sc.order[:0]
	for _, key := range sc.order {
		if seen[key] {
			order = append(order, key)
			continue
		}
		if a, ok := sc.snapshot[key]; ok {
			if err := p.stop(ctx, a, now); err != nil {
				return sc.report, err
			}
			delete(sc.snapshot, key)
			sc.report.Stopped++
			metrics.RecordSessionTransition("stopped")
		}
	}
	sc.order = order

	for _, raw := range live {
		if err := p.observe(ctx, sc, raw, now); err != nil {
			return sc.report, err
		}
	}

	p.evaluate(ctx, sc, rules, now)
	return sc.report, nil
}

func (p *Poller) adapterTimeout() time.Duration {
	if p.cfg.AdapterTimeout > 0 {
		return p.cfg.AdapterTimeout
	}
	return 10 * time.Second
}

// loadSnapshot reads the server's active set, rebuilding the cache from the
// store when it is cold. A cache failure falls back to the store.
func (p *Poller) loadSnapshot(ctx context.Context, sc *serverCycle) error {
	log := logging.Ctx(ctx)
	serverID := sc.server.ID

	var list []*models.ActiveSession
	warm, err := p.active.IsWarm(ctx, serverID)
	if err == nil && warm {
		list, err = p.active.List(ctx, serverID)
	}
	if err != nil || !warm {
		if err != nil {
			log.Warn().Err(err).Str("server_id", serverID).Msg("Active session cache unavailable, reading store")
		}
		list, err = p.store.ListActiveSessions(ctx, serverID)
		if err != nil {
			return fmt.Errorf("load active sessions: %w", err)
		}
		if rerr := p.active.Rebuild(ctx, serverID, list); rerr != nil {
			log.Warn().Err(rerr).Str("server_id", serverID).Msg("Failed to rebuild active session cache")
		} else {
			log.Info().Str("server_id", serverID).Int("sessions", len(list)).Msg("Rebuilt active session cache")
		}
	}

	sc.snapshot = make(map[string]*models.ActiveSession, len(list))
	sc.order = make([]string, 0, len(list))
	for _, a := range list {
		sc.snapshot[a.SessionKey] = a
		sc.order = append(sc.order, a.SessionKey)
	}
	return nil
}

func (p *Poller) observe(ctx context.Context, sc *serverCycle, raw models.RawSession, now time.Time) error {
	user, err := p.resolveUser(ctx, sc, raw)
	if err != nil {
		return err
	}

	var existing *models.Session
	if a, ok := sc.snapshot[raw.SessionKey]; ok {
		s := a.Session
		existing = &s
	}

	obs := session.Observation{ServerID: sc.server.ID, UserID: user.ID, Raw: raw}
	if existing == nil || existing.IPAddress != raw.IPAddress || existing.Geo == nil {
		obs.Geo = p.lookupGeo(ctx, raw.IPAddress)
	}

	res, err := p.tracker.Apply(ctx, existing, obs, now)
	if err != nil {
		return fmt.Errorf("apply session %s: %w", raw.SessionKey, err)
	}

	if res.IsNew {
		inserted, err := p.store.InsertSession(ctx, res.Session)
		if err != nil {
			return err
		}
		if !inserted {
			// the row exists but the cache lost it
			prior, err := p.store.GetActiveSessionByKey(ctx, sc.server.ID, raw.SessionKey)
			if err != nil {
				return fmt.Errorf("load live session %s: %w", raw.SessionKey, err)
			}
			if res, err = p.tracker.Apply(ctx, prior, obs, now); err != nil {
				return err
			}
		}
	}
	if !res.IsNew {
		if err := p.store.UpdateSession(ctx, res.Session); err != nil {
			return err
		}
	}

	a := &models.ActiveSession{
		Session:    *res.Session,
		Username:   user.Username,
		UserThumb:  user.Thumb,
		ServerName: sc.server.Name,
		ServerType: sc.server.Type,
	}
	if _, ok := sc.snapshot[raw.SessionKey]; !ok {
		sc.order = append(sc.order, raw.SessionKey)
	}
	sc.snapshot[raw.SessionKey] = a
	if err := p.active.Put(ctx, a); err != nil {
		logging.Ctx(ctx).Warn().Err(err).Str("session_key", raw.SessionKey).Msg("Failed to cache active session")
	}

	if res.IsNew {
		sc.report.Started++
		metrics.RecordSessionTransition("started")
		sc.pending = append(sc.pending, evaluation{session: res.Session, user: user})
		p.publish(ctx, events.TypeSessionStarted, a)
		return nil
	}

	sc.report.Updated++
	metrics.RecordSessionTransition("updated")
	if res.TranscodeChanged {
		sc.pending = append(sc.pending, evaluation{session: res.Session, user: user, transcode: true})
	}
	p.publish(ctx, events.TypeSessionUpdated, a)
	return nil
}

func (p *Poller) resolveUser(ctx context.Context, sc *serverCycle, raw models.RawSession) (*models.User, error) {
	if u, ok := sc.users[raw.ExternalUserID]; ok {
		return u, nil
	}
	username := raw.Username
	if username == "" {
		username = raw.ExternalUserID
	}
	u, err := p.store.UpsertUser(ctx, sc.server.ID, raw.ExternalUserID, username, raw.UserThumb)
	if err != nil {
		return nil, fmt.Errorf("resolve user %s: %w", raw.ExternalUserID, err)
	}
	sc.users[raw.ExternalUserID] = u
	return u, nil
}

func (p *Poller) lookupGeo(ctx context.Context, ip string) *models.GeoLocation {
	if ip == "" {
		return nil
	}
	geo, err := p.geo.Lookup(ctx, ip)
	if err != nil {
		logging.Ctx(ctx).Debug().Err(err).Str("ip", ip).Msg("GeoIP lookup failed")
		return nil
	}
	return geo
}

// evaluate runs rules for the cycle's new and transcode-changed sessions
// against the server's full post-cycle active set. A rule fires at most once
// per user per cycle.
func (p *Poller) evaluate(ctx context.Context, sc *serverCycle, rules []*detection.Rule, now time.Time) {
	if len(rules) == 0 || len(sc.pending) == 0 || p.pipeline == nil {
		return
	}
	log := logging.Ctx(ctx)

	active := make([]*models.ActiveSession, 0, len(sc.order))
	for _, key := range sc.order {
		if a, ok := sc.snapshot[key]; ok {
			active = append(active, a)
		}
	}

	recent := make(map[string][]*models.Session)
	fired := make(map[string]bool)
	since := now.Add(-p.historyWindow())

	for _, ev := range sc.pending {
		userID := ev.session.UserID
		hist, ok := recent[userID]
		if !ok {
			var err error
			hist, err = p.store.RecentSessionsForUser(ctx, userID, since)
			if err != nil {
				log.Warn().Err(err).Str("user_id", userID).Msg("Failed to load session history")
			}
			recent[userID] = hist
		}

		in := detection.Input{
			UserID:  userID,
			Session: ev.session,
			User:    ev.user,
			Recent:  hist,
			Active:  active,
			Now:     now,
		}
		var results []detection.RuleResult
		if ev.transcode {
			results = p.engine.EvaluateTranscodeChange(in, rules)
		} else {
			results = p.engine.EvaluateSession(in, rules)
		}

		for _, r := range detection.Matched(results) {
			key := r.RuleID + ":" + userID
			if fired[key] {
				continue
			}
			fired[key] = true
			sc.report.Matches++

			details, err := p.pipeline.Process(ctx, violation.Match{
				Rule:    r.Rule,
				UserID:  userID,
				Session: ev.session,
				Result:  r,
			})
			if err != nil {
				log.Error().Err(err).
					Str("rule_id", r.RuleID).
					Str("user_id", userID).
					Str("session_id", ev.session.ID).
					Msg("Violation pipeline failed")
				continue
			}
			if details != nil {
				sc.report.Violations++
			}
		}
	}
}

func (p *Poller) historyWindow() time.Duration {
	if p.cfg.HistoryWindow > 0 {
		return p.cfg.HistoryWindow
	}
	return 24 * time.Hour
}

// stop finalizes a live session at the given time and removes it from the
// cache.
func (p *Poller) stop(ctx context.Context, a *models.ActiveSession, at time.Time) error {
	stopped := session.Stop(&a.Session, at)
	if err := p.store.StopSession(ctx, stopped); err != nil {
		return err
	}
	if err := p.active.Remove(ctx, a.ServerID, a.SessionKey); err != nil {
		logging.Ctx(ctx).Warn().Err(err).Str("session_key", a.SessionKey).Msg("Failed to drop session from cache")
	}
	out := *a
	out.Session = *stopped
	p.publish(ctx, events.TypeSessionStopped, &out)
	return nil
}

// SweepStale stops live sessions not seen within the stale window, using the
// last time each was seen as its stop time.
func (p *Poller) SweepStale(ctx context.Context) (int, error) {
	p.cycleMu.Lock()
	defer p.cycleMu.Unlock()

	ctx = logging.ContextWithNewCorrelationID(context.WithoutCancel(ctx))
	staleAfter := p.cfg.StaleAfter
	if staleAfter <= 0 {
		staleAfter = 5 * time.Minute
	}

	stale, err := p.store.ListStaleSessions(ctx, p.now().Add(-staleAfter))
	if err != nil {
		return 0, err
	}

	var errs []error
	swept := 0
	for _, s := range stale {
		a, cerr := p.active.Get(ctx, s.ServerID, s.SessionKey)
		if cerr != nil || a == nil {
			a = &models.ActiveSession{Session: *s}
		} else {
			a.Session = *s
		}
		if err := p.stop(ctx, a, s.LastSeenAt); err != nil {
			errs = append(errs, err)
			continue
		}
		swept++
		metrics.RecordSessionTransition("swept")
	}
	if swept > 0 {
		logging.Ctx(ctx).Info().Int("sessions", swept).Msg("Swept stale sessions")
	}
	return swept, errors.Join(errs...)
}

func (p *Poller) publish(ctx context.Context, eventType string, data interface{}) {
	if p.publisher == nil {
		return
	}
	if err := p.publisher.Publish(ctx, eventType, data); err != nil {
		logging.Ctx(ctx).Warn().Err(err).Str("event_type", eventType).Msg("Failed to publish session event")
	}
}
