// Sharewatch - Media Server Account Sharing Detection
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/sharewatch

/*
Package api serves the admin HTTP API.

Routes (all under /api/v1):

	POST /poll                          run a poll cycle now (202)
	POST /inactivity/check              run the inactivity job now (202)
	GET  /rules?active=true             list rules
	POST /rules                         create a rule (validated)
	GET  /violations?acknowledged=      list violations, newest first
	POST /violations/{id}/acknowledge   acknowledge a violation
	GET  /sessions/active?server_id=    list active sessions
	GET  /healthz                       liveness plus last cycle summaries
	GET  /metrics                       Prometheus exposition
	GET  /ws                            websocket event stream

Responses use one envelope:

	{"success": true, "data": ..., "meta": {"request_id": "...", "timestamp": "..."}}
	{"success": false, "error": {"code": "NOT_FOUND", "message": "..."}, "meta": {...}}

Middleware order: request id, real IP, panic recovery, access log, CORS,
Prometheus. Rule, violation, session and trigger endpoints are rate limited
per client IP with go-chi/httprate.
*/
package api
