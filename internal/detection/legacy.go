// Sharewatch - Media Server Account Sharing Detection
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/sharewatch

package detection

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/tomtom215/sharewatch/internal/models"
)

// LegacyKind identifies a built-in rule template.
type LegacyKind string

const (
	LegacyImpossibleTravel      LegacyKind = "impossible_travel"
	LegacySimultaneousLocations LegacyKind = "simultaneous_locations"
	LegacyDeviceVelocity        LegacyKind = "device_velocity"
	LegacyConcurrentStreams     LegacyKind = "concurrent_streams"
	LegacyGeoRestriction        LegacyKind = "geo_restriction"
	LegacyAccountInactivity     LegacyKind = "account_inactivity"
)

// LegacyKinds lists the templates in seeding order.
var LegacyKinds = []LegacyKind{
	LegacyImpossibleTravel,
	LegacySimultaneousLocations,
	LegacyDeviceVelocity,
	LegacyConcurrentStreams,
	LegacyGeoRestriction,
	LegacyAccountInactivity,
}

type legacyTemplate struct {
	conditions []Condition
	severity   models.Severity
}

// Impossible travel ignores hops shorter than MinTravelDistanceKm or faster
// than MinTravelElapsedMinutes, where GeoIP jitter dominates.
const (
	MinTravelDistanceKm     = 100
	MinTravelElapsedMinutes = 5
)

// Default thresholds and severities for the built-in templates. They are
// configuration defaults; operators edit the resulting rules freely.
var legacyTemplates = map[LegacyKind]legacyTemplate{
	LegacyImpossibleTravel: {
		conditions: []Condition{
			{Field: FieldTravelSpeedKmh, Operator: OpGt, Value: Number(800)},
			{Field: FieldTravelDistanceKm, Operator: OpGt, Value: Number(MinTravelDistanceKm)},
			{Field: FieldTravelElapsedMinutes, Operator: OpGte, Value: Number(MinTravelElapsedMinutes)},
		},
		severity: models.SeverityHigh,
	},
	LegacySimultaneousLocations: {
		conditions: []Condition{{Field: FieldSimultaneousDistanceKm, Operator: OpGt, Value: Number(100)}},
		severity:   models.SeverityWarning,
	},
	LegacyDeviceVelocity: {
		conditions: []Condition{{
			Field:    FieldUniqueIPsInWindow,
			Operator: OpGt,
			Value:    Number(5),
			Params:   Params{"window_hours": DefaultWindowHours},
		}},
		severity: models.SeverityWarning,
	},
	LegacyConcurrentStreams: {
		conditions: []Condition{{Field: FieldConcurrentStreams, Operator: OpGt, Value: Number(3)}},
		severity:   models.SeverityLow,
	},
	LegacyGeoRestriction: {
		conditions: []Condition{{Field: FieldCountry, Operator: OpIn, Value: Strings()}},
		severity:   models.SeverityHigh,
	},
	LegacyAccountInactivity: {
		conditions: []Condition{{Field: FieldInactiveDays, Operator: OpGt, Value: Number(30)}},
		severity:   models.SeverityLow,
	},
}

// LegacyRule builds an active rule from a built-in template. An empty name
// defaults to the template kind.
func LegacyRule(kind LegacyKind, name string, userID *string) (*Rule, error) {
	tmpl, ok := legacyTemplates[kind]
	if !ok {
		return nil, fmt.Errorf("unknown legacy rule kind %q", kind)
	}
	if name == "" {
		name = string(kind)
	}

	conds := make([]Condition, len(tmpl.conditions))
	for i, cond := range tmpl.conditions {
		if cond.Params != nil {
			params := make(Params, len(cond.Params))
			for k, v := range cond.Params {
				params[k] = v
			}
			cond.Params = params
		}
		conds[i] = cond
	}

	now := time.Now().UTC()
	return &Rule{
		ID:       uuid.NewString(),
		Name:     name,
		UserID:   userID,
		IsActive: true,
		Conditions: ConditionTree{Groups: []ConditionGroup{
			{Conditions: conds},
		}},
		Actions:   []Action{{Type: ActionCreateViolation, Severity: tmpl.severity}},
		CreatedAt: now,
		UpdatedAt: now,
	}, nil
}

// DefaultRules returns one global rule per built-in template.
func DefaultRules() []*Rule {
	rules := make([]*Rule, 0, len(LegacyKinds))
	for _, kind := range LegacyKinds {
		r, err := LegacyRule(kind, "", nil)
		if err != nil {
			continue
		}
		rules = append(rules, r)
	}
	return rules
}
