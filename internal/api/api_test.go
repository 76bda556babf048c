// Sharewatch - Media Server Account Sharing Detection
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/sharewatch

package api

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"

	"github.com/tomtom215/sharewatch/internal/config"
	"github.com/tomtom215/sharewatch/internal/database"
	"github.com/tomtom215/sharewatch/internal/detection"
	"github.com/tomtom215/sharewatch/internal/inactivity"
	"github.com/tomtom215/sharewatch/internal/logging"
	"github.com/tomtom215/sharewatch/internal/models"
	"github.com/tomtom215/sharewatch/internal/poller"
)

//nolint:gochecknoinits // quiet logs for tests
func init() {
	logging.Init(logging.Config{Level: "error", Format: "console", Output: io.Discard})
}

type fakePoller struct {
	calls  int
	report *poller.Report
}

func (f *fakePoller) TriggerNow() bool {
	f.calls++
	return f.calls == 1
}

func (f *fakePoller) LastReport() *poller.Report { return f.report }

type fakeInactivity struct{ calls int }

func (f *fakeInactivity) TriggerNow() bool {
	f.calls++
	return true
}

func (f *fakeInactivity) LastReport() *inactivity.Report { return nil }

type unreachableStore struct{ *database.DB }

func (unreachableStore) Ping(context.Context) error { return errors.New("connection refused") }

type envelope struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data"`
	Error   *APIError       `json:"error"`
	Meta    *APIMeta        `json:"meta"`
}

type testAPI struct {
	db         *database.DB
	poller     *fakePoller
	inactivity *fakeInactivity
	handler    http.Handler
}

func newTestDB(t *testing.T) *database.DB {
	t.Helper()
	db, err := database.New(&config.DatabaseConfig{Path: ":memory:", MaxMemory: "256MB", Threads: 2})
	if err != nil {
		t.Fatalf("Failed to create test database: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func newTestAPI(t *testing.T, mw *ChiMiddlewareConfig) *testAPI {
	t.Helper()
	if mw == nil {
		mw = DefaultChiMiddlewareConfig()
		mw.RateLimitDisabled = true
	}
	a := &testAPI{db: newTestDB(t), poller: &fakePoller{}, inactivity: &fakeInactivity{}}
	h := NewHandler(a.db, a.poller, a.inactivity)
	a.handler = NewRouter(h, NewChiMiddleware(mw), nil).SetupChi()
	return a
}

func (a *testAPI) do(t *testing.T, method, path, body string) (*httptest.ResponseRecorder, envelope) {
	t.Helper()
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, reader)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	a.handler.ServeHTTP(rec, req)

	var env envelope
	if strings.HasPrefix(rec.Header().Get("Content-Type"), "application/json") {
		if err := json.Unmarshal(rec.Body.Bytes(), &env); err != nil {
			t.Fatalf("decode %s %s: %v (%s)", method, path, err, rec.Body.String())
		}
	}
	return rec, env
}

const concurrentRuleBody = `{
	"name": "Concurrent Streams",
	"conditions": {"groups": [{"conditions": [
		{"field": "concurrent_streams", "operator": "gt", "value": 3}
	]}]},
	"actions": [{"type": "create_violation", "severity": "low"}]
}`

func TestTriggerEndpoints(t *testing.T) {
	a := newTestAPI(t, nil)

	rec, env := a.do(t, http.MethodPost, "/api/v1/poll", "")
	if rec.Code != http.StatusAccepted || !env.Success {
		t.Fatalf("poll: %d %s", rec.Code, rec.Body.String())
	}
	if string(env.Data) != `{"queued":true}` {
		t.Errorf("poll data = %s", env.Data)
	}
	_, env = a.do(t, http.MethodPost, "/api/v1/poll", "")
	if string(env.Data) != `{"queued":false}` {
		t.Errorf("coalesced poll data = %s", env.Data)
	}

	rec, _ = a.do(t, http.MethodPost, "/api/v1/inactivity/check", "")
	if rec.Code != http.StatusAccepted || a.inactivity.calls != 1 {
		t.Errorf("inactivity: %d, calls %d", rec.Code, a.inactivity.calls)
	}
}

func TestTriggerInactivityDisabled(t *testing.T) {
	db := newTestDB(t)
	h := NewRouter(NewHandler(db, &fakePoller{}, nil), nil, nil).SetupChi()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/v1/inactivity/check", nil))
	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("status = %d", rec.Code)
	}
}

func TestCreateAndListRules(t *testing.T) {
	a := newTestAPI(t, nil)

	rec, env := a.do(t, http.MethodPost, "/api/v1/rules", concurrentRuleBody)
	if rec.Code != http.StatusCreated {
		t.Fatalf("create: %d %s", rec.Code, rec.Body.String())
	}
	var created struct {
		ID       string `json:"id"`
		IsActive bool   `json:"is_active"`
	}
	if err := json.Unmarshal(env.Data, &created); err != nil {
		t.Fatalf("decode rule: %v", err)
	}
	if created.ID == "" || !created.IsActive {
		t.Errorf("created = %+v", created)
	}

	inactive := strings.Replace(concurrentRuleBody, `"name": "Concurrent Streams"`,
		`"name": "Paused rule", "is_active": false`, 1)
	if rec, _ := a.do(t, http.MethodPost, "/api/v1/rules", inactive); rec.Code != http.StatusCreated {
		t.Fatalf("create inactive: %d %s", rec.Code, rec.Body.String())
	}

	tests := []struct {
		path string
		want int
	}{
		{"/api/v1/rules", 2},
		{"/api/v1/rules?active=true", 1},
		{"/api/v1/rules?active=false", 2},
	}
	for _, tt := range tests {
		rec, env := a.do(t, http.MethodGet, tt.path, "")
		if rec.Code != http.StatusOK {
			t.Fatalf("%s: %d", tt.path, rec.Code)
		}
		if env.Meta == nil || env.Meta.Count == nil || *env.Meta.Count != tt.want {
			t.Errorf("%s: meta = %+v, want count %d", tt.path, env.Meta, tt.want)
		}
	}

	if rec, _ := a.do(t, http.MethodGet, "/api/v1/rules?active=maybe", ""); rec.Code != http.StatusBadRequest {
		t.Errorf("bad active param: %d", rec.Code)
	}
}

func TestCreateRuleRejectsInvalidBodies(t *testing.T) {
	a := newTestAPI(t, nil)

	tests := []struct {
		name string
		body string
		code string
	}{
		{"malformed json", `{"name":`, ErrCodeBadRequest},
		{"unknown property", `{"name":"x","colour":"red"}`, ErrCodeBadRequest},
		{"missing name", strings.Replace(concurrentRuleBody, "Concurrent Streams", "", 1), ErrCodeValidationFailed},
		{"unknown field", strings.Replace(concurrentRuleBody, "concurrent_streams", "shoe_size", 1), ErrCodeValidationFailed},
		{"bad severity", strings.Replace(concurrentRuleBody, `"low"`, `"critical"`, 1), ErrCodeValidationFailed},
		{"no actions", `{"name":"x","conditions":{"groups":[{"conditions":[{"field":"platform","operator":"eq","value":"iOS"}]}]},"actions":[]}`, ErrCodeValidationFailed},
		{"ordering on string", strings.Replace(concurrentRuleBody, `"value": 3`, `"value": "three"`, 1), ErrCodeValidationFailed},
		{"violation without severity", strings.Replace(concurrentRuleBody, `, "severity": "low"`, "", 1), ErrCodeValidationFailed},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec, env := a.do(t, http.MethodPost, "/api/v1/rules", tt.body)
			if rec.Code != http.StatusBadRequest {
				t.Fatalf("status = %d (%s)", rec.Code, rec.Body.String())
			}
			if env.Success || env.Error == nil || env.Error.Code != tt.code {
				t.Errorf("error = %+v, want code %s", env.Error, tt.code)
			}
		})
	}

	if n, err := a.db.CountRules(context.Background()); err != nil || n != 0 {
		t.Errorf("rules stored = %d, %v", n, err)
	}
}

func TestSetRuleActive(t *testing.T) {
	a := newTestAPI(t, nil)
	_, env := a.do(t, http.MethodPost, "/api/v1/rules", concurrentRuleBody)
	var created struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(env.Data, &created); err != nil {
		t.Fatalf("decode: %v", err)
	}

	rec, env := a.do(t, http.MethodPost, "/api/v1/rules/"+created.ID+"/active", `{"is_active": false}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d %s", rec.Code, rec.Body.String())
	}
	if !strings.Contains(string(env.Data), `"is_active":false`) {
		t.Errorf("data = %s", env.Data)
	}

	if rec, _ := a.do(t, http.MethodPost, "/api/v1/rules/missing/active", `{"is_active": true}`); rec.Code != http.StatusNotFound {
		t.Errorf("missing rule: %d", rec.Code)
	}
	if rec, _ := a.do(t, http.MethodPost, "/api/v1/rules/"+created.ID+"/active", `{}`); rec.Code != http.StatusBadRequest {
		t.Errorf("missing is_active: %d", rec.Code)
	}
}

func seedViolation(t *testing.T, db *database.DB) string {
	t.Helper()
	ctx := context.Background()
	if err := db.UpsertServer(ctx, &models.Server{ID: "plex-1", Name: "Living Room", Type: "plex", Enabled: true}); err != nil {
		t.Fatalf("UpsertServer: %v", err)
	}
	user, err := db.UpsertUser(ctx, "plex-1", "42", "alice", "")
	if err != nil {
		t.Fatalf("UpsertUser: %v", err)
	}
	rule, err := detection.LegacyRule(detection.LegacyConcurrentStreams, "Concurrent Streams", nil)
	if err != nil {
		t.Fatalf("LegacyRule: %v", err)
	}
	if err := db.InsertRule(ctx, rule); err != nil {
		t.Fatalf("InsertRule: %v", err)
	}
	v := &models.Violation{
		ID:        uuid.New().String(),
		RuleID:    rule.ID,
		UserID:    user.ID,
		Severity:  models.SeverityLow,
		Data:      json.RawMessage(`{"concurrent_streams":4}`),
		CreatedAt: time.Now().UTC(),
	}
	err = db.WithTx(ctx, func(tx *database.Tx) error {
		return tx.InsertViolation(ctx, v, models.DedupKey(v.RuleID, v.UserID, nil))
	})
	if err != nil {
		t.Fatalf("InsertViolation: %v", err)
	}
	return v.ID
}

func TestViolationsListAndAcknowledge(t *testing.T) {
	a := newTestAPI(t, nil)
	id := seedViolation(t, a.db)

	count := func(path string) int {
		t.Helper()
		rec, env := a.do(t, http.MethodGet, path, "")
		if rec.Code != http.StatusOK {
			t.Fatalf("%s: %d %s", path, rec.Code, rec.Body.String())
		}
		return *env.Meta.Count
	}

	if n := count("/api/v1/violations?acknowledged=false"); n != 1 {
		t.Fatalf("open violations = %d", n)
	}
	_, env := a.do(t, http.MethodGet, "/api/v1/violations", "")
	var listed []models.ViolationDetails
	if err := json.Unmarshal(env.Data, &listed); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(listed) != 1 || listed[0].Username != "alice" || listed[0].ServerName != "Living Room" || listed[0].RuleName != "Concurrent Streams" {
		t.Errorf("listed = %+v", listed)
	}

	for i := 0; i < 2; i++ {
		rec, env := a.do(t, http.MethodPost, "/api/v1/violations/"+id+"/acknowledge", "")
		if rec.Code != http.StatusOK {
			t.Fatalf("acknowledge #%d: %d %s", i+1, rec.Code, rec.Body.String())
		}
		var v models.ViolationDetails
		if err := json.Unmarshal(env.Data, &v); err != nil {
			t.Fatalf("decode: %v", err)
		}
		if v.AcknowledgedAt == nil {
			t.Errorf("acknowledge #%d: acknowledged_at not set", i+1)
		}
	}

	if n := count("/api/v1/violations?acknowledged=false"); n != 0 {
		t.Errorf("open violations after ack = %d", n)
	}
	if n := count("/api/v1/violations?acknowledged=true"); n != 1 {
		t.Errorf("acknowledged violations = %d", n)
	}

	if rec, _ := a.do(t, http.MethodPost, "/api/v1/violations/nope/acknowledge", ""); rec.Code != http.StatusNotFound {
		t.Errorf("missing violation: %d", rec.Code)
	}
	for _, bad := range []string{"?acknowledged=perhaps", "?limit=0", "?limit=5000", "?limit=abc"} {
		if rec, _ := a.do(t, http.MethodGet, "/api/v1/violations"+bad, ""); rec.Code != http.StatusBadRequest {
			t.Errorf("%s: %d", bad, rec.Code)
		}
	}
}

func TestActiveSessionsEmpty(t *testing.T) {
	a := newTestAPI(t, nil)
	rec, env := a.do(t, http.MethodGet, "/api/v1/sessions/active", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if string(env.Data) != "[]" || *env.Meta.Count != 0 {
		t.Errorf("data = %s", env.Data)
	}
}

func TestHealth(t *testing.T) {
	a := newTestAPI(t, nil)
	a.poller.report = &poller.Report{CorrelationID: "cycle-1", Servers: 2, Started: 3}

	rec, env := a.do(t, http.MethodGet, "/api/v1/healthz", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var status HealthStatus
	if err := json.Unmarshal(env.Data, &status); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if status.Status != "ok" || !status.Database || status.LastPoll == nil || status.LastPoll.Started != 3 {
		t.Errorf("health = %+v", status)
	}
}

func TestHealthDegradedWhenDatabaseUnreachable(t *testing.T) {
	db := newTestDB(t)
	h := NewRouter(NewHandler(unreachableStore{db}, &fakePoller{}, nil), nil, nil).SetupChi()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/healthz", nil))
	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("status = %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), `"degraded"`) {
		t.Errorf("body = %s", rec.Body.String())
	}
}

func TestMetricsEndpoint(t *testing.T) {
	a := newTestAPI(t, nil)
	a.do(t, http.MethodGet, "/api/v1/healthz", "")

	rec := httptest.NewRecorder()
	a.handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/metrics", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "sharewatch_api_requests_total") {
		t.Error("expected api request counter in exposition")
	}
}

func TestRateLimit(t *testing.T) {
	mw := DefaultChiMiddlewareConfig()
	mw.RateLimitRequests = 2
	a := newTestAPI(t, mw)

	for i := 0; i < 2; i++ {
		if rec, _ := a.do(t, http.MethodPost, "/api/v1/poll", ""); rec.Code != http.StatusAccepted {
			t.Fatalf("request %d: %d", i+1, rec.Code)
		}
	}
	rec, env := a.do(t, http.MethodPost, "/api/v1/poll", "")
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("status = %d", rec.Code)
	}
	if env.Error == nil || env.Error.Code != ErrCodeTooManyRequests {
		t.Errorf("error = %+v", env.Error)
	}

	// health checks are not limited
	if rec, _ := a.do(t, http.MethodGet, "/api/v1/healthz", ""); rec.Code != http.StatusOK {
		t.Errorf("healthz: %d", rec.Code)
	}
}

func TestRouterEnvelopes(t *testing.T) {
	a := newTestAPI(t, nil)

	rec, env := a.do(t, http.MethodGet, "/api/v1/nothing-here", "")
	if rec.Code != http.StatusNotFound || env.Error == nil || env.Error.Code != ErrCodeNotFound {
		t.Errorf("not found: %d %+v", rec.Code, env.Error)
	}
	if rec.Header().Get("X-Request-ID") == "" {
		t.Error("missing X-Request-ID")
	}
	if env.Meta == nil || env.Meta.RequestID != rec.Header().Get("X-Request-ID") {
		t.Errorf("meta request id = %+v", env.Meta)
	}

	rec, _ = a.do(t, http.MethodDelete, "/api/v1/rules", "")
	if rec.Code != http.StatusMethodNotAllowed {
		t.Errorf("method not allowed: %d", rec.Code)
	}
}

func TestCORSPreflight(t *testing.T) {
	mw := DefaultChiMiddlewareConfig()
	mw.CORSAllowedOrigins = []string{"https://admin.example.com"}
	mw.RateLimitDisabled = true
	a := newTestAPI(t, mw)

	tests := []struct {
		origin string
		allow  string
	}{
		{"https://admin.example.com", "https://admin.example.com"},
		{"https://evil.example.com", ""},
	}
	for _, tt := range tests {
		req := httptest.NewRequest(http.MethodOptions, "/api/v1/rules", nil)
		req.Header.Set("Origin", tt.origin)
		req.Header.Set("Access-Control-Request-Method", http.MethodPost)
		rec := httptest.NewRecorder()
		a.handler.ServeHTTP(rec, req)
		if got := rec.Header().Get("Access-Control-Allow-Origin"); got != tt.allow {
			t.Errorf("origin %s: allow = %q, want %q", tt.origin, got, tt.allow)
		}
	}
}

func TestMiddlewareConfigFromHTTP(t *testing.T) {
	mc := MiddlewareConfigFromHTTP(config.HTTPConfig{CORSOrigins: []string{"*"}, RateLimitPerMinute: 30})
	if mc.RateLimitDisabled || mc.RateLimitRequests != 30 || mc.CORSAllowedOrigins[0] != "*" {
		t.Errorf("config = %+v", mc)
	}
	if !MiddlewareConfigFromHTTP(config.HTTPConfig{}).RateLimitDisabled {
		t.Error("zero rate limit should disable limiting")
	}
}
