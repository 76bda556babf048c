// Sharewatch - Media Server Account Sharing Detection
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/sharewatch

package detection

import (
	"errors"
	"strings"
	"testing"

	"github.com/goccy/go-json"

	"github.com/tomtom215/sharewatch/internal/models"
)

func TestConditionTreeJSON(t *testing.T) {
	raw := `{"groups":[
		{"conditions":[{"field":"concurrent_streams","operator":"gt","value":3}]},
		{"conditions":[
			{"field":"country","operator":"in","value":["CN","RU"]},
			{"field":"is_local_network","operator":"eq","value":false},
			{"field":"unique_ips_in_window","operator":"gte","value":4,"params":{"window_hours":6}}
		]}
	]}`

	var tree ConditionTree
	if err := json.Unmarshal([]byte(raw), &tree); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if len(tree.Groups) != 2 {
		t.Fatalf("expected 2 groups, got %d", len(tree.Groups))
	}

	if n, ok := tree.Groups[0].Conditions[0].Value.AsNumber(); !ok || n != 3 {
		t.Errorf("expected number 3, got %v", tree.Groups[0].Conditions[0].Value)
	}
	list, ok := tree.Groups[1].Conditions[0].Value.AsList()
	if !ok || len(list) != 2 {
		t.Fatalf("expected 2 item list, got %v", tree.Groups[1].Conditions[0].Value)
	}
	if s, _ := list[1].AsString(); s != "RU" {
		t.Errorf("expected RU, got %q", s)
	}
	if b, ok := tree.Groups[1].Conditions[1].Value.AsBool(); !ok || b {
		t.Errorf("expected bool false, got %v", tree.Groups[1].Conditions[1].Value)
	}
	if got := tree.Groups[1].Conditions[2].Params.Get("window_hours", 24); got != 6 {
		t.Errorf("window_hours = %v, want 6", got)
	}

	out, err := json.Marshal(tree)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if !strings.Contains(string(out), `"value":["CN","RU"]`) {
		t.Errorf("list value not preserved: %s", out)
	}
}

func TestValueRejectsNestedLists(t *testing.T) {
	var v Value
	if err := json.Unmarshal([]byte(`[["a"]]`), &v); err == nil {
		t.Fatal("expected error for nested list")
	}
}

func validRule() *Rule {
	return &Rule{
		ID:       "r1",
		Name:     "streams",
		IsActive: true,
		Conditions: ConditionTree{Groups: []ConditionGroup{{Conditions: []Condition{
			{Field: FieldConcurrentStreams, Operator: OpGt, Value: Number(3)},
		}}}},
		Actions: []Action{{Type: ActionCreateViolation, Severity: models.SeverityLow}},
	}
}

func TestRuleValidate(t *testing.T) {
	if err := validRule().Validate(); err != nil {
		t.Fatalf("valid rule rejected: %v", err)
	}

	tests := []struct {
		name    string
		mutate  func(*Rule)
		wantErr error
		wantMsg string
	}{
		{"no name", func(r *Rule) { r.Name = "" }, nil, "name is required"},
		{"no groups", func(r *Rule) { r.Conditions.Groups = nil }, nil, "condition group"},
		{"empty group", func(r *Rule) { r.Conditions.Groups[0].Conditions = nil }, nil, "no conditions"},
		{"unknown field", func(r *Rule) { r.Conditions.Groups[0].Conditions[0].Field = "bogus" }, ErrUnknownField, ""},
		{"unknown operator", func(r *Rule) { r.Conditions.Groups[0].Conditions[0].Operator = "like" }, ErrInvalidOperator, ""},
		{"in without list", func(r *Rule) {
			r.Conditions.Groups[0].Conditions[0] = Condition{Field: FieldCountry, Operator: OpIn, Value: String("US")}
		}, ErrInvalidOperator, ""},
		{"ordering on string field", func(r *Rule) {
			r.Conditions.Groups[0].Conditions[0] = Condition{Field: FieldPlatform, Operator: OpGt, Value: Number(1)}
		}, ErrInvalidOperator, ""},
		{"eq kind mismatch", func(r *Rule) {
			r.Conditions.Groups[0].Conditions[0] = Condition{Field: FieldIsTranscoding, Operator: OpEq, Value: String("yes")}
		}, ErrInvalidOperator, ""},
		{"no actions", func(r *Rule) { r.Actions = nil }, nil, "at least one action"},
		{"bad severity", func(r *Rule) { r.Actions[0].Severity = "critical" }, nil, "invalid severity"},
		{"unknown action", func(r *Rule) { r.Actions = append(r.Actions, Action{Type: "email"}) }, nil, "unknown action type"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := validRule()
			tt.mutate(r)
			err := r.Validate()
			if err == nil {
				t.Fatal("expected validation error")
			}
			if tt.wantErr != nil && !errors.Is(err, tt.wantErr) {
				t.Errorf("error %v is not %v", err, tt.wantErr)
			}
			if tt.wantMsg != "" && !strings.Contains(err.Error(), tt.wantMsg) {
				t.Errorf("error %q missing %q", err, tt.wantMsg)
			}
		})
	}
}

func TestRuleAppliesTo(t *testing.T) {
	global := validRule()
	for _, uid := range []string{"alice", "bob", ""} {
		if !global.AppliesTo(uid) {
			t.Errorf("global rule should apply to %q", uid)
		}
	}

	alice := "alice"
	scoped := validRule()
	scoped.UserID = &alice
	if !scoped.AppliesTo("alice") {
		t.Error("scoped rule should apply to its user")
	}
	if scoped.AppliesTo("bob") {
		t.Error("scoped rule should not apply to another user")
	}
}

func TestRuleFieldsAndActions(t *testing.T) {
	r := validRule()
	r.Conditions.Groups = append(r.Conditions.Groups, ConditionGroup{Conditions: []Condition{
		{Field: FieldOutputResolution, Operator: OpLt, Value: Number(720)},
		{Field: FieldConcurrentStreams, Operator: OpGt, Value: Number(1)},
	}})
	r.Actions = append(r.Actions, Action{Type: ActionKillStream, Message: "sharing"})

	if got := r.Fields(); len(got) != 2 {
		t.Errorf("Fields() = %v, want 2 distinct", got)
	}
	if !r.ReferencesAny(TranscodeFields) {
		t.Error("rule should reference a transcode field")
	}
	if r.ReferencesAny(InactivityFields) {
		t.Error("rule should not reference inactivity fields")
	}
	if !r.HasAction(ActionKillStream) || r.HasAction(ActionNotify) {
		t.Error("HasAction mismatch")
	}
	if sev, ok := r.ViolationSeverity(); !ok || sev != models.SeverityLow {
		t.Errorf("ViolationSeverity() = %q, %v", sev, ok)
	}
}

func TestCompare(t *testing.T) {
	tests := []struct {
		name     string
		actual   Value
		op       Operator
		expected Value
		want     bool
		wantErr  bool
	}{
		{"gt true", Number(5), OpGt, Number(3), true, false},
		{"gt equal", Number(3), OpGt, Number(3), false, false},
		{"gte equal", Number(3), OpGte, Number(3), true, false},
		{"lt", Number(480), OpLt, Number(720), true, false},
		{"lte", Number(721), OpLte, Number(720), false, false},
		{"eq string fold", String("us"), OpEq, String("US"), true, false},
		{"neq string", String("movie"), OpNeq, String("episode"), true, false},
		{"eq bool", Bool(true), OpEq, Bool(true), true, false},
		{"in", String("CN"), OpIn, Strings("RU", "CN"), true, false},
		{"in empty", String("CN"), OpIn, Strings(), false, false},
		{"not_in", String("US"), OpNotIn, Strings("RU", "CN"), true, false},
		{"ordering on string", String("a"), OpGt, Number(1), false, true},
		{"eq kind mismatch", Number(1), OpEq, String("1"), false, true},
		{"in without list", String("a"), OpIn, String("a"), false, true},
		{"unknown op", Number(1), Operator("between"), Number(1), false, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := compare(tt.actual, tt.op, tt.expected)
			if (err != nil) != tt.wantErr {
				t.Fatalf("compare error = %v, wantErr %v", err, tt.wantErr)
			}
			if got != tt.want {
				t.Errorf("compare() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestResolutionLines(t *testing.T) {
	tests := map[string]int{
		"1080":  1080,
		"720p":  720,
		"4k":    2160,
		"SD":    480,
		"":      0,
		"weird": 0,
	}
	for in, want := range tests {
		if got := ResolutionLines(in); got != want {
			t.Errorf("ResolutionLines(%q) = %d, want %d", in, got, want)
		}
	}
}

func TestLegacyRules(t *testing.T) {
	wantSeverity := map[LegacyKind]models.Severity{
		LegacyImpossibleTravel:      models.SeverityHigh,
		LegacySimultaneousLocations: models.SeverityWarning,
		LegacyDeviceVelocity:        models.SeverityWarning,
		LegacyConcurrentStreams:     models.SeverityLow,
		LegacyGeoRestriction:        models.SeverityHigh,
		LegacyAccountInactivity:     models.SeverityLow,
	}

	rules := DefaultRules()
	if len(rules) != len(LegacyKinds) {
		t.Fatalf("expected %d default rules, got %d", len(LegacyKinds), len(rules))
	}
	for i, r := range rules {
		kind := LegacyKinds[i]
		if err := r.Validate(); err != nil {
			t.Errorf("%s: invalid template: %v", kind, err)
		}
		if sev, _ := r.ViolationSeverity(); sev != wantSeverity[kind] {
			t.Errorf("%s: severity = %q, want %q", kind, sev, wantSeverity[kind])
		}
		if r.UserID != nil || !r.IsActive {
			t.Errorf("%s: default rules should be global and active", kind)
		}
	}

	if _, err := LegacyRule("vpn_usage", "", nil); err == nil {
		t.Error("expected error for unknown template")
	}

	uid := "u1"
	r, err := LegacyRule(LegacyDeviceVelocity, "velocity for u1", &uid)
	if err != nil {
		t.Fatalf("LegacyRule: %v", err)
	}
	r.Conditions.Groups[0].Conditions[0].Params["window_hours"] = 1
	fresh, _ := LegacyRule(LegacyDeviceVelocity, "", nil)
	if fresh.Conditions.Groups[0].Conditions[0].Params.Get("window_hours", 0) != DefaultWindowHours {
		t.Error("template params must not be shared between rules")
	}
}
