// Sharewatch - Media Server Account Sharing Detection
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/sharewatch

/*
Package supervisor runs the long-lived services under a suture tree.

The tree has three layers, each its own supervisor so a crash loop in one
layer never restarts another:

	sharewatch
	├── detection-layer   session poller, inactivity scheduler
	├── messaging-layer   embedded NATS, websocket hub, websocket relay
	└── api-layer         admin HTTP server

A service that returns an error or panics is restarted by its layer.
After FailureThreshold failures (decaying over FailureDecay seconds) the
layer backs off for FailureBackoff before restarting again. Supervisor
events are logged through sutureslog into the zerolog-backed slog logger.

Services implement suture.Service:

	type Service interface {
	    Serve(ctx context.Context) error
	}

The poller, scheduler, hub and relay implement it directly. The services
subpackage adapts components with other lifecycles, such as *http.Server.
*/
package supervisor
