// Sharewatch - Media Server Account Sharing Detection
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/sharewatch

package detection

import (
	"math"
	"time"

	"github.com/tomtom215/sharewatch/internal/logging"
	"github.com/tomtom215/sharewatch/internal/metrics"
	"github.com/tomtom215/sharewatch/internal/models"
)

// Input is everything a rule may look at for one user.
type Input struct {
	// UserID scopes rules and the active snapshot.
	UserID string

	// Session is the session being evaluated; nil for session-less checks.
	Session *models.Session

	// User carries the trust score. Optional.
	User *models.User

	// Recent holds the user's sessions within the history window.
	Recent []*models.Session

	// Active is the active-session snapshot; entries for other users are ignored.
	Active []*models.ActiveSession

	// LastActivity is the user's most recent session start, nil if never seen.
	LastActivity *time.Time

	Now time.Time
}

// RuleResult is the outcome of one rule against one Input.
type RuleResult struct {
	RuleID        string
	Rule          *Rule
	Matched       bool
	MatchedGroups []int
	Actions       []Action

	// Evidence holds the resolved field values and supporting detail from
	// the matched groups.
	Evidence map[string]interface{}
}

// evaluation is the per-rule interpreter state.
type evaluation struct {
	in       *Input
	evidence map[string]interface{}
	active   []*models.Session
}

// Engine interprets rule condition trees. It holds no mutable state and is
// safe for concurrent use.
type Engine struct{}

// NewEngine creates a rule engine.
func NewEngine() *Engine {
	return &Engine{}
}

// Evaluate runs every active, in-scope rule against in and returns one result
// per evaluated rule.
func (e *Engine) Evaluate(in Input, rules []*Rule) []RuleResult {
	if in.Now.IsZero() {
		in.Now = time.Now()
	}
	if in.UserID == "" && in.Session != nil {
		in.UserID = in.Session.UserID
	}

	results := make([]RuleResult, 0, len(rules))
	for _, r := range rules {
		if r == nil || !r.IsActive || !r.AppliesTo(in.UserID) {
			continue
		}
		res := e.evaluateRule(&in, r)
		if res.Matched {
			metrics.RecordRuleMatch(r.ID)
		}
		results = append(results, res)
	}
	return results
}

// EvaluateSession runs the session-oriented rules, skipping rules that
// reference inactivity fields.
func (e *Engine) EvaluateSession(in Input, rules []*Rule) []RuleResult {
	return e.Evaluate(in, SessionRules(rules))
}

// EvaluateTranscodeChange runs only the rules that reference a
// transcode-dependent field. Used when a live session's transcode decision
// changes mid-playback.
func (e *Engine) EvaluateTranscodeChange(in Input, rules []*Rule) []RuleResult {
	return e.Evaluate(in, FilterRules(rules, TranscodeFields))
}

// EvaluateInactivity runs only the inactivity rules for a session-less input.
func (e *Engine) EvaluateInactivity(in Input, rules []*Rule) []RuleResult {
	in.Session = nil
	return e.Evaluate(in, InactivityRules(rules))
}

func (e *Engine) evaluateRule(in *Input, r *Rule) RuleResult {
	res := RuleResult{
		RuleID:   r.ID,
		Rule:     r,
		Actions:  r.Actions,
		Evidence: map[string]interface{}{},
	}

	for gi, group := range r.Conditions.Groups {
		ev := &evaluation{in: in, evidence: map[string]interface{}{}}
		if !ev.groupMatches(r, group) {
			continue
		}
		res.Matched = true
		res.MatchedGroups = append(res.MatchedGroups, gi)
		for k, v := range ev.evidence {
			res.Evidence[k] = v
		}
	}
	return res
}

func (ev *evaluation) groupMatches(r *Rule, group ConditionGroup) bool {
	if len(group.Conditions) == 0 {
		return false
	}
	for _, c := range group.Conditions {
		if !ev.conditionMatches(r, c) {
			return false
		}
	}
	return true
}

func (ev *evaluation) conditionMatches(r *Rule, c Condition) bool {
	def, ok := fieldRegistry[c.Field]
	if !ok {
		logging.Debug().Str("rule_id", r.ID).Str("field", string(c.Field)).Msg("unknown field in condition")
		return false
	}
	actual, ok := def.resolve(ev, c)
	if !ok {
		return false
	}
	matched, err := compare(actual, c.Operator, c.Value)
	if err != nil {
		logging.Debug().
			Str("rule_id", r.ID).
			Str("field", string(c.Field)).
			Str("operator", string(c.Operator)).
			Err(err).
			Msg("condition type mismatch")
		return false
	}
	if matched {
		ev.evidence[string(c.Field)] = evidenceValue(actual)
	}
	return matched
}

// evidenceValue converts v for a JSON evidence payload; infinities become nil.
func evidenceValue(v Value) interface{} {
	if n, ok := v.AsNumber(); ok && (math.IsInf(n, 0) || math.IsNaN(n)) {
		return nil
	}
	return v.Interface()
}

// FilterRules returns the rules that reference at least one field in set.
func FilterRules(rules []*Rule, set map[Field]bool) []*Rule {
	out := make([]*Rule, 0, len(rules))
	for _, r := range rules {
		if r.ReferencesAny(set) {
			out = append(out, r)
		}
	}
	return out
}

// InactivityRules returns the active rules that reference an inactivity field.
func InactivityRules(rules []*Rule) []*Rule {
	out := make([]*Rule, 0, len(rules))
	for _, r := range FilterRules(rules, InactivityFields) {
		if r.IsActive {
			out = append(out, r)
		}
	}
	return out
}

// SessionRules returns the rules that do not reference an inactivity field.
func SessionRules(rules []*Rule) []*Rule {
	out := make([]*Rule, 0, len(rules))
	for _, r := range rules {
		if !r.ReferencesAny(InactivityFields) {
			out = append(out, r)
		}
	}
	return out
}

// Matched returns only the matched results.
func Matched(results []RuleResult) []RuleResult {
	out := make([]RuleResult, 0, len(results))
	for _, r := range results {
		if r.Matched {
			out = append(out, r)
		}
	}
	return out
}
