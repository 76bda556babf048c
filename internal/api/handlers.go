// Sharewatch - Media Server Account Sharing Detection
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/sharewatch

package api

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/goccy/go-json"

	"github.com/tomtom215/sharewatch/internal/database"
	"github.com/tomtom215/sharewatch/internal/detection"
	"github.com/tomtom215/sharewatch/internal/inactivity"
	"github.com/tomtom215/sharewatch/internal/logging"
	"github.com/tomtom215/sharewatch/internal/models"
	"github.com/tomtom215/sharewatch/internal/poller"
	"github.com/tomtom215/sharewatch/internal/validation"
)

// Store is the persistence the admin API reads and writes.
type Store interface {
	Ping(ctx context.Context) error
	ListRules(ctx context.Context, activeOnly bool) ([]*detection.Rule, error)
	InsertRule(ctx context.Context, r *detection.Rule) error
	GetRule(ctx context.Context, id string) (*detection.Rule, error)
	SetRuleActive(ctx context.Context, id string, active bool) error
	ListViolations(ctx context.Context, f database.ViolationFilter) ([]*models.ViolationDetails, error)
	AcknowledgeViolation(ctx context.Context, id string) (*models.ViolationDetails, error)
	ListActiveSessions(ctx context.Context, serverID string) ([]*models.ActiveSession, error)
}

// PollTrigger runs poll cycles on demand.
type PollTrigger interface {
	TriggerNow() bool
	LastReport() *poller.Report
}

// InactivityTrigger runs the inactivity job on demand.
type InactivityTrigger interface {
	TriggerNow() bool
	LastReport() *inactivity.Report
}

// Handler implements the admin endpoints.
type Handler struct {
	store      Store
	poller     PollTrigger
	inactivity InactivityTrigger
	startTime  time.Time
}

// NewHandler creates a handler. A nil inactivity trigger answers 503 on
// POST /inactivity/check.
func NewHandler(store Store, p PollTrigger, in InactivityTrigger) *Handler {
	return &Handler{store: store, poller: p, inactivity: in, startTime: time.Now()}
}

// TriggerResponse is the body of trigger endpoints.
type TriggerResponse struct {
	Queued bool `json:"queued"`
}

// TriggerPoll handles POST /poll. A trigger that is already pending is
// coalesced and reported as queued=false.
func (h *Handler) TriggerPoll(w http.ResponseWriter, r *http.Request) {
	queued := h.poller.TriggerNow()
	logging.Ctx(r.Context()).Info().Bool("queued", queued).Msg("Poll cycle requested")
	NewResponseWriter(w, r).Accepted(TriggerResponse{Queued: queued})
}

// TriggerInactivity handles POST /inactivity/check.
func (h *Handler) TriggerInactivity(w http.ResponseWriter, r *http.Request) {
	rw := NewResponseWriter(w, r)
	if h.inactivity == nil {
		rw.ServiceUnavailable("Inactivity checks are disabled")
		return
	}
	queued := h.inactivity.TriggerNow()
	logging.Ctx(r.Context()).Info().Bool("queued", queued).Msg("Inactivity check requested")
	rw.Accepted(TriggerResponse{Queued: queued})
}

// ListRules handles GET /rules.
func (h *Handler) ListRules(w http.ResponseWriter, r *http.Request) {
	rw := NewResponseWriter(w, r)
	activeOnly, ok := parseOptionalBool(r, "active")
	if !ok {
		rw.BadRequest("active must be true or false")
		return
	}
	rules, err := h.store.ListRules(r.Context(), activeOnly)
	if err != nil {
		rw.DatabaseError(err)
		return
	}
	if rules == nil {
		rules = []*detection.Rule{}
	}
	rw.List(rules, len(rules))
}

// CreateRule handles POST /rules.
func (h *Handler) CreateRule(w http.ResponseWriter, r *http.Request) {
	rw := NewResponseWriter(w, r)

	var req CreateRuleRequest
	if !decodeBody(rw, r, &req) {
		return
	}
	if verr := validation.ValidateStruct(&req); verr != nil {
		apiErr := verr.ToAPIError()
		rw.ValidationError(apiErr.Message, apiErr.Details)
		return
	}

	rule := req.Rule()
	if err := rule.Validate(); err != nil {
		rw.ValidationError(err.Error(), nil)
		return
	}
	if err := h.store.InsertRule(r.Context(), rule); err != nil {
		rw.DatabaseError(err)
		return
	}
	logging.Ctx(r.Context()).Info().Str("rule_id", rule.ID).Str("rule_name", rule.Name).Msg("Rule created")
	rw.Created(rule)
}

// SetRuleActiveRequest is the body of POST /rules/{id}/active.
type SetRuleActiveRequest struct {
	IsActive *bool `json:"is_active" validate:"required"`
}

// SetRuleActive handles POST /rules/{id}/active.
func (h *Handler) SetRuleActive(w http.ResponseWriter, r *http.Request) {
	rw := NewResponseWriter(w, r)
	id := chi.URLParam(r, "id")

	var req SetRuleActiveRequest
	if !decodeBody(rw, r, &req) {
		return
	}
	if verr := validation.ValidateStruct(&req); verr != nil {
		apiErr := verr.ToAPIError()
		rw.ValidationError(apiErr.Message, apiErr.Details)
		return
	}

	if err := h.store.SetRuleActive(r.Context(), id, *req.IsActive); err != nil {
		if errors.Is(err, database.ErrNotFound) {
			rw.NotFound("Rule not found")
			return
		}
		rw.DatabaseError(err)
		return
	}
	rule, err := h.store.GetRule(r.Context(), id)
	if err != nil {
		rw.DatabaseError(err)
		return
	}
	rw.Success(rule)
}

// ListViolations handles GET /violations.
func (h *Handler) ListViolations(w http.ResponseWriter, r *http.Request) {
	rw := NewResponseWriter(w, r)
	filter, problem := parseViolationFilter(r)
	if problem != "" {
		rw.BadRequest(problem)
		return
	}
	violations, err := h.store.ListViolations(r.Context(), filter)
	if err != nil {
		rw.DatabaseError(err)
		return
	}
	if violations == nil {
		violations = []*models.ViolationDetails{}
	}
	rw.List(violations, len(violations))
}

// AcknowledgeViolation handles POST /violations/{id}/acknowledge.
// Acknowledging an acknowledged violation returns it unchanged.
func (h *Handler) AcknowledgeViolation(w http.ResponseWriter, r *http.Request) {
	rw := NewResponseWriter(w, r)
	id := chi.URLParam(r, "id")

	v, err := h.store.AcknowledgeViolation(r.Context(), id)
	if errors.Is(err, database.ErrNotFound) {
		rw.NotFound("Violation not found")
		return
	}
	if err != nil {
		rw.DatabaseError(err)
		return
	}
	logging.Ctx(r.Context()).Info().Str("violation_id", id).Msg("Violation acknowledged")
	rw.Success(v)
}

// ActiveSessions handles GET /sessions/active.
func (h *Handler) ActiveSessions(w http.ResponseWriter, r *http.Request) {
	rw := NewResponseWriter(w, r)
	sessions, err := h.store.ListActiveSessions(r.Context(), r.URL.Query().Get("server_id"))
	if err != nil {
		rw.DatabaseError(err)
		return
	}
	if sessions == nil {
		sessions = []*models.ActiveSession{}
	}
	rw.List(sessions, len(sessions))
}

// HealthStatus is the body of GET /healthz.
type HealthStatus struct {
	Status         string             `json:"status"`
	Database       bool               `json:"database"`
	UptimeSeconds  float64            `json:"uptime_seconds"`
	LastPoll       *poller.Report     `json:"last_poll,omitempty"`
	LastInactivity *inactivity.Report `json:"last_inactivity,omitempty"`
}

// Health handles GET /healthz. It answers 503 when the database is
// unreachable.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	rw := NewResponseWriter(w, r)

	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	dbErr := h.store.Ping(ctx)

	status := HealthStatus{
		Status:        "ok",
		Database:      dbErr == nil,
		UptimeSeconds: time.Since(h.startTime).Seconds(),
		LastPoll:      h.poller.LastReport(),
	}
	if h.inactivity != nil {
		status.LastInactivity = h.inactivity.LastReport()
	}
	if dbErr != nil {
		logging.Ctx(r.Context()).Warn().Err(dbErr).Msg("Health check: database unreachable")
		status.Status = "degraded"
		rw.ErrorWithDetails(http.StatusServiceUnavailable, ErrCodeServiceUnavailable, "Database unreachable", status)
		return
	}
	rw.Success(status)
}

// decodeBody decodes a JSON body into dst, writing 400 on failure.
func decodeBody(rw *ResponseWriter, r *http.Request, dst interface{}) bool {
	body := http.MaxBytesReader(rw.w, r.Body, maxBodyBytes)
	dec := json.NewDecoder(body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		rw.BadRequest("Invalid JSON body: " + err.Error())
		return false
	}
	return true
}
