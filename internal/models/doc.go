// Sharewatch - Media Server Account Sharing Detection
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/sharewatch

/*
Package models defines the data structures shared across Sharewatch.

Key types:

  - RawSession: one session snapshot as normalized by a media server adapter
  - Session: a persisted playback attempt with pause, watch and resume-chain state
  - ActiveSession: the cache projection of a live session with display data
  - User, Server: directory records
  - Violation, ViolationDetails: persisted rule matches and their event payload
  - Severity: violation severity and its trust penalty table
*/
package models
