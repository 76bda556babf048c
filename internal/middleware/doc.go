// Sharewatch - Media Server Account Sharing Detection
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/sharewatch

/*
Package middleware provides the HTTP middleware shared by the admin API.

Every middleware has the chi signature func(http.Handler) http.Handler:

  - RequestID: propagates or generates X-Request-ID and seeds the logging
    context with request and correlation ids
  - PrometheusMetrics: records request count, latency and in-flight gauge,
    labelled by the matched chi route pattern
  - AccessLog: one structured zerolog line per request

Usage:

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.AccessLog)
	r.Use(middleware.PrometheusMetrics)
*/
package middleware
