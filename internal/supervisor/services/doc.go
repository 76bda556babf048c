// Sharewatch - Media Server Account Sharing Detection
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/sharewatch

/*
Package services adapts components whose lifecycle is not already
context-driven to suture.Service.

  - HTTPServerService: ListenAndServe plus graceful Shutdown
  - NATSServerService: keeps an embedded NATS server up for the life of
    the tree and shuts it down when the tree stops

Each wrapper implements fmt.Stringer so suture logs name the service.
*/
package services
