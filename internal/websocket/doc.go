// Sharewatch - Media Server Account Sharing Detection
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/sharewatch

/*
Package websocket relays bus events to connected dashboard clients.

Key Components:

  - Hub: tracks connected clients and fans messages out to them
  - Client: one connection with its read and write pumps
  - Relay: subscribes to the events topic and feeds every envelope to the hub
  - Handler: upgrades GET /api/v1/ws requests and registers the client

Every message has the shape

	{"type": "session:started", "data": {...}}

where type is the bus event type and data is the event payload unchanged.

Delivery is best effort. A client whose send buffer is full is dropped
rather than slowing the hub, and the relay acknowledges each bus message
whether or not any client was connected.
*/
package websocket
