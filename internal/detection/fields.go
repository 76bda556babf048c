// Sharewatch - Media Server Account Sharing Detection
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/sharewatch

package detection

import (
	"math"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/tomtom215/sharewatch/internal/models"
)

// Field names a value the condition tree can reference.
type Field string

// Session-scoped fields.
const (
	FieldMediaType      Field = "media_type"
	FieldPlatform       Field = "platform"
	FieldDevice         Field = "device"
	FieldIsLocalNetwork Field = "is_local_network"
	FieldServerID       Field = "server_id"
	FieldCountry        Field = "country"
	FieldUserTrustScore Field = "user_trust_score"
)

// History and active-snapshot fields.
const (
	FieldTravelSpeedKmh         Field = "travel_speed_kmh"
	FieldTravelDistanceKm       Field = "travel_distance_km"
	FieldTravelElapsedMinutes   Field = "travel_elapsed_minutes"
	FieldSimultaneousDistanceKm Field = "simultaneous_distance_km"
	FieldConcurrentStreams      Field = "concurrent_streams"
	FieldUniqueIPsInWindow      Field = "unique_ips_in_window"
	FieldUniqueDevicesInWindow  Field = "unique_devices_in_window"
)

// FieldInactiveDays is the account inactivity field.
const FieldInactiveDays Field = "inactive_days"

// Transcode-dependent fields.
const (
	FieldIsTranscoding        Field = "is_transcoding"
	FieldVideoDecision        Field = "video_decision"
	FieldOutputResolution     Field = "output_resolution"
	FieldSourceResolution     Field = "source_resolution"
	FieldIsTranscodeDowngrade Field = "is_transcode_downgrade"
)

// DefaultWindowHours is the rolling window for device velocity fields.
const DefaultWindowHours = 24

// resolver computes a field for one evaluation. ok=false means the field is
// not available for this input and any condition on it is false.
type resolver func(ev *evaluation, c Condition) (v Value, ok bool)

type fieldDef struct {
	kind    ValueKind
	resolve resolver
}

var fieldRegistry map[Field]fieldDef

func init() {
	fieldRegistry = map[Field]fieldDef{
		FieldMediaType:      {KindString, sessionString(func(s *models.Session) string { return s.MediaType })},
		FieldPlatform:       {KindString, sessionString(func(s *models.Session) string { return s.Platform })},
		FieldDevice:         {KindString, sessionString(func(s *models.Session) string { return s.Device })},
		FieldServerID:       {KindString, sessionString(func(s *models.Session) string { return s.ServerID })},
		FieldIsLocalNetwork: {KindBool, resolveIsLocal},
		FieldCountry:        {KindString, resolveCountry},
		FieldUserTrustScore: {KindNumber, resolveTrustScore},

		FieldTravelSpeedKmh:         {KindNumber, resolveTravelSpeed},
		FieldTravelDistanceKm:       {KindNumber, resolveTravelDistance},
		FieldTravelElapsedMinutes:   {KindNumber, resolveTravelElapsed},
		FieldSimultaneousDistanceKm: {KindNumber, resolveSimultaneousDistance},
		FieldConcurrentStreams:      {KindNumber, resolveConcurrentStreams},
		FieldUniqueIPsInWindow:      {KindNumber, resolveUniqueIPs},
		FieldUniqueDevicesInWindow:  {KindNumber, resolveUniqueDevices},

		FieldInactiveDays: {KindNumber, resolveInactiveDays},

		FieldIsTranscoding:        {KindBool, resolveIsTranscoding},
		FieldVideoDecision:        {KindString, sessionString(func(s *models.Session) string { return s.VideoDecision })},
		FieldOutputResolution:     {KindNumber, resolveOutputResolution},
		FieldSourceResolution:     {KindNumber, resolveSourceResolution},
		FieldIsTranscodeDowngrade: {KindBool, resolveTranscodeDowngrade},
	}
}

// TranscodeFields are the fields whose value depends on the session's current
// transcode decision.
var TranscodeFields = map[Field]bool{
	FieldIsTranscoding:        true,
	FieldVideoDecision:        true,
	FieldOutputResolution:     true,
	FieldSourceResolution:     true,
	FieldIsTranscodeDowngrade: true,
}

// InactivityFields are evaluated by the inactivity scheduler.
var InactivityFields = map[Field]bool{
	FieldInactiveDays: true,
}

// KnownField reports whether f is registered.
func KnownField(f Field) bool {
	_, ok := fieldRegistry[f]
	return ok
}

func sessionString(get func(*models.Session) string) resolver {
	return func(ev *evaluation, _ Condition) (Value, bool) {
		if ev.in.Session == nil {
			return Null, false
		}
		return String(get(ev.in.Session)), true
	}
}

func resolveIsLocal(ev *evaluation, _ Condition) (Value, bool) {
	if ev.in.Session == nil {
		return Null, false
	}
	return Bool(ev.in.Session.IsLocal), true
}

func resolveCountry(ev *evaluation, _ Condition) (Value, bool) {
	s := ev.in.Session
	if s == nil || s.Geo == nil || s.Geo.Country == "" {
		return Null, false
	}
	return String(s.Geo.Country), true
}

func resolveTrustScore(ev *evaluation, _ Condition) (Value, bool) {
	if ev.in.User == nil {
		return Null, false
	}
	return Number(float64(ev.in.User.TrustScore)), true
}

// previousLocated returns the user's most recent other session with
// coordinates that started before the current one.
func (ev *evaluation) previousLocated() *models.Session {
	cur := ev.in.Session
	if cur == nil || !cur.Geo.HasCoordinates() {
		return nil
	}
	var prev *models.Session
	for _, s := range ev.in.Recent {
		if s.ID == cur.ID || !s.Geo.HasCoordinates() || !s.StartedAt.Before(cur.StartedAt) {
			continue
		}
		if prev == nil || s.StartedAt.After(prev.StartedAt) {
			prev = s
		}
	}
	return prev
}

func resolveTravelDistance(ev *evaluation, _ Condition) (Value, bool) {
	prev := ev.previousLocated()
	if prev == nil {
		return Null, false
	}
	cur := ev.in.Session
	d := haversineDistance(prev.Geo.Lat, prev.Geo.Lon, cur.Geo.Lat, cur.Geo.Lon)
	ev.evidence["from_location"] = formatLocation(prev.Geo.City, prev.Geo.Country)
	ev.evidence["to_location"] = formatLocation(cur.Geo.City, cur.Geo.Country)
	ev.evidence["previous_session_id"] = prev.ID
	return Number(roundTo2Decimals(d)), true
}

func resolveTravelElapsed(ev *evaluation, c Condition) (Value, bool) {
	if _, ok := resolveTravelDistance(ev, c); !ok {
		return Null, false
	}
	minutes := roundTo2Decimals(ev.travelHours() * 60)
	ev.evidence["elapsed_minutes"] = minutes
	return Number(minutes), true
}

func resolveTravelSpeed(ev *evaluation, c Condition) (Value, bool) {
	dist, ok := resolveTravelDistance(ev, c)
	if !ok {
		return Null, false
	}
	hours := ev.travelHours()

	// Sub-second gaps would divide by ~zero.
	const floatEpsilon = 1e-9
	if math.Abs(hours) < floatEpsilon {
		hours = 0.001
	}
	km, _ := dist.AsNumber()
	ev.evidence["travel_distance_km"] = km
	ev.evidence["elapsed_minutes"] = roundTo2Decimals(hours * 60)
	return Number(roundTo2Decimals(km / hours)), true
}

// travelHours is the gap between the previous located session and the
// current one. Callers check previousLocated first.
func (ev *evaluation) travelHours() float64 {
	prev := ev.previousLocated()
	return ev.in.Session.StartedAt.Sub(prev.StartedAt).Hours()
}

// userActive returns the user's active sessions from the snapshot with the
// current session substituted for its cached copy.
func (ev *evaluation) userActive() []*models.Session {
	if ev.active != nil {
		return ev.active
	}
	cur := ev.in.Session
	out := make([]*models.Session, 0, len(ev.in.Active)+1)
	for _, a := range ev.in.Active {
		if a.UserID != ev.in.UserID || !a.IsActive() {
			continue
		}
		if cur != nil && a.ID == cur.ID {
			continue
		}
		s := a.Session
		out = append(out, &s)
	}
	if cur != nil && cur.IsActive() {
		out = append(out, cur)
	}
	ev.active = out
	return out
}

func resolveConcurrentStreams(ev *evaluation, _ Condition) (Value, bool) {
	active := ev.userActive()
	keys := make([]string, 0, len(active))
	for _, s := range active {
		keys = append(keys, s.SessionKey)
	}
	ev.evidence["session_keys"] = keys
	return Number(float64(len(active))), true
}

func resolveSimultaneousDistance(ev *evaluation, _ Condition) (Value, bool) {
	var located []*models.Session
	for _, s := range ev.userActive() {
		if s.Geo.HasCoordinates() {
			located = append(located, s)
		}
	}

	maxKm := 0.0
	var from, to *models.Session
	for i := 0; i < len(located); i++ {
		for j := i + 1; j < len(located); j++ {
			a, b := located[i].Geo, located[j].Geo
			if d := haversineDistance(a.Lat, a.Lon, b.Lat, b.Lon); d > maxKm {
				maxKm, from, to = d, located[i], located[j]
			}
		}
	}
	if from != nil {
		ev.evidence["locations"] = []string{
			formatLocation(from.Geo.City, from.Geo.Country),
			formatLocation(to.Geo.City, to.Geo.Country),
		}
	}
	return Number(roundTo2Decimals(maxKm)), true
}

// inWindow returns the user's sessions seen within the trailing window,
// including the current one.
func (ev *evaluation) inWindow(hours float64) []*models.Session {
	cutoff := ev.in.Now.Add(-time.Duration(hours * float64(time.Hour)))
	out := make([]*models.Session, 0, len(ev.in.Recent)+1)
	seen := make(map[string]bool)
	for _, s := range ev.in.Recent {
		if s.StartedAt.Before(cutoff) && s.LastSeenAt.Before(cutoff) {
			continue
		}
		seen[s.ID] = true
		out = append(out, s)
	}
	if cur := ev.in.Session; cur != nil && !seen[cur.ID] {
		out = append(out, cur)
	}
	return out
}

func distinctSorted(sessions []*models.Session, key func(*models.Session) string) []string {
	set := make(map[string]bool)
	for _, s := range sessions {
		if k := key(s); k != "" {
			set[k] = true
		}
	}
	out := make([]string, 0, len(set))
	for k := range set {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

func resolveUniqueIPs(ev *evaluation, c Condition) (Value, bool) {
	window := c.Params.Get("window_hours", DefaultWindowHours)
	ips := distinctSorted(ev.inWindow(window), func(s *models.Session) string { return s.IPAddress })
	ev.evidence["ip_addresses"] = ips
	ev.evidence["window_hours"] = window
	return Number(float64(len(ips))), true
}

func resolveUniqueDevices(ev *evaluation, c Condition) (Value, bool) {
	window := c.Params.Get("window_hours", DefaultWindowHours)
	devices := distinctSorted(ev.inWindow(window), func(s *models.Session) string {
		if s.DeviceID != "" {
			return s.DeviceID
		}
		return s.Device
	})
	ev.evidence["devices"] = devices
	ev.evidence["window_hours"] = window
	return Number(float64(len(devices))), true
}

func resolveInactiveDays(ev *evaluation, _ Condition) (Value, bool) {
	if ev.in.LastActivity == nil {
		ev.evidence["never_active"] = true
		return Number(math.Inf(1)), true
	}
	days := ev.in.Now.Sub(*ev.in.LastActivity).Hours() / 24
	if days < 0 {
		days = 0
	}
	ev.evidence["last_activity"] = ev.in.LastActivity.UTC().Format(time.RFC3339)
	return Number(roundTo2Decimals(days)), true
}

func resolveIsTranscoding(ev *evaluation, _ Condition) (Value, bool) {
	s := ev.in.Session
	if s == nil {
		return Null, false
	}
	return Bool(s.IsTranscode || s.VideoDecision == models.VideoDecisionTranscode), true
}

func resolveOutputResolution(ev *evaluation, _ Condition) (Value, bool) {
	if ev.in.Session == nil {
		return Null, false
	}
	lines := ResolutionLines(ev.in.Session.StreamResolution)
	if lines == 0 {
		return Null, false
	}
	return Number(float64(lines)), true
}

func resolveSourceResolution(ev *evaluation, _ Condition) (Value, bool) {
	if ev.in.Session == nil {
		return Null, false
	}
	lines := ResolutionLines(ev.in.Session.SourceResolution)
	if lines == 0 {
		return Null, false
	}
	return Number(float64(lines)), true
}

func resolveTranscodeDowngrade(ev *evaluation, _ Condition) (Value, bool) {
	s := ev.in.Session
	if s == nil {
		return Null, false
	}
	src, out := ResolutionLines(s.SourceResolution), ResolutionLines(s.StreamResolution)
	if src == 0 || out == 0 {
		return Bool(false), true
	}
	return Bool(out < src), true
}

// ResolutionLines converts a vendor resolution label ("1080", "720p", "4k",
// "sd") into vertical lines. Unknown labels return 0.
func ResolutionLines(label string) int {
	l := strings.ToLower(strings.TrimSpace(label))
	switch l {
	case "":
		return 0
	case "4k", "uhd", "2160":
		return 2160
	case "2k":
		return 1440
	case "hd":
		return 720
	case "sd":
		return 480
	}
	l = strings.TrimSuffix(l, "p")
	n, err := strconv.Atoi(l)
	if err != nil || n < 0 {
		return 0
	}
	return n
}
