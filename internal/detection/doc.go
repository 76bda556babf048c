// Sharewatch - Media Server Account Sharing Detection
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/sharewatch

/*
Package detection implements the rule evaluation engine.

A Rule is a condition tree plus an ordered list of actions. The tree is an OR
of groups, each group an AND of atomic conditions:

	{
	  "groups": [
	    {"conditions": [
	      {"field": "concurrent_streams", "operator": "gt", "value": 3}
	    ]},
	    {"conditions": [
	      {"field": "unique_ips_in_window", "operator": "gt", "value": 5,
	       "params": {"window_hours": 24}}
	    ]}
	  ]
	}

Condition values are a tagged union (Value) and are interpreted by the Engine
against a field registry. Nothing in a rule is compiled or executed as code.

# Fields

Session fields read the session being evaluated (media_type, platform,
device, is_local_network, server_id, country, user_trust_score). History
fields derive from the user's recent sessions and the active-session
snapshot:

  - travel_speed_kmh, travel_distance_km: haversine distance from the previous
    located session and the implied speed (impossible travel)
  - simultaneous_distance_km: largest distance between the user's active
    sessions (simultaneous locations)
  - concurrent_streams: the user's active session count
  - unique_ips_in_window, unique_devices_in_window: distinct IPs or devices in
    a rolling window (device velocity)
  - inactive_days: days since last activity, +Inf when never active

Transcode fields (is_transcoding, video_decision, output_resolution,
source_resolution, is_transcode_downgrade) depend on the session's current
transcode decision. EvaluateTranscodeChange restricts evaluation to rules that
reference them so unrelated rules do not fire on every playback update.

A field that cannot be resolved for an input, or a type mismatch between the
field and the operand, makes the condition false.

# Built-in templates

LegacyRule builds rules equivalent to the fixed detectors of earlier
releases: impossible_travel, simultaneous_locations, device_velocity,
concurrent_streams, geo_restriction and account_inactivity.
*/
package detection
