// Sharewatch - Media Server Account Sharing Detection
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/sharewatch

/*
Package events is the pub/sub boundary of Sharewatch.

Lifecycle events (session:started, session:updated, session:stopped,
violation:new) are wrapped in an Envelope and published with Watermill on
the topic "<prefix>.events". Notification requests for new violations go to
"<prefix>.notifications".

Two transports are supported:

  - NATS core (watermill-nats), against an external server or the
    EmbeddedServer started in-process
  - Watermill GoChannel, when NATS is disabled

Publishing goes through a circuit breaker so a dead broker fails fast
instead of stalling the poll loop. Publish errors are returned to the caller,
which logs them; events are best-effort and never roll back the change that
produced them.
*/
package events
