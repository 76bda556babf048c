// Sharewatch - Media Server Account Sharing Detection
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/sharewatch

package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/tomtom215/sharewatch/internal/middleware"
)

// Router wires the admin endpoints onto chi.
type Router struct {
	handler       *Handler
	chiMiddleware *ChiMiddleware
	websocket     http.Handler
}

// NewRouter creates a router. ws serves GET /api/v1/ws and may be nil.
func NewRouter(handler *Handler, mw *ChiMiddleware, ws http.Handler) *Router {
	if mw == nil {
		mw = NewChiMiddleware(nil)
	}
	return &Router{handler: handler, chiMiddleware: mw, websocket: ws}
}

// SetupChi builds the HTTP handler.
func (router *Router) SetupChi() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(chimiddleware.Recoverer)
	r.Use(middleware.AccessLog)
	r.Use(router.chiMiddleware.CORS())
	r.Use(middleware.PrometheusMetrics)

	r.NotFound(func(w http.ResponseWriter, req *http.Request) {
		NewResponseWriter(w, req).NotFound("Route not found")
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, req *http.Request) {
		NewResponseWriter(w, req).Error(http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Method not allowed")
	})

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/healthz", router.handler.Health)
		r.Handle("/metrics", promhttp.Handler())
		if router.websocket != nil {
			r.Method(http.MethodGet, "/ws", router.websocket)
		}

		r.Group(func(r chi.Router) {
			r.Use(router.chiMiddleware.RateLimit())

			r.Post("/poll", router.handler.TriggerPoll)
			r.Post("/inactivity/check", router.handler.TriggerInactivity)

			r.Get("/rules", router.handler.ListRules)
			r.Post("/rules", router.handler.CreateRule)
			r.Post("/rules/{id}/active", router.handler.SetRuleActive)

			r.Get("/violations", router.handler.ListViolations)
			r.Post("/violations/{id}/acknowledge", router.handler.AcknowledgeViolation)

			r.Get("/sessions/active", router.handler.ActiveSessions)
		})
	})

	return r
}
