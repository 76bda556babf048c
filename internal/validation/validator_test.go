// Sharewatch - Media Server Account Sharing Detection
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/sharewatch

package validation

import (
	"strings"
	"testing"
)

type testAction struct {
	Type     string `json:"type" validate:"required,rule_action"`
	Severity string `json:"severity" validate:"omitempty,severity"`
}

type testCondition struct {
	Field    string `json:"field" validate:"required,rule_field"`
	Operator string `json:"operator" validate:"required,rule_operator"`
}

type testRequest struct {
	Name       string          `json:"name" validate:"required,max=10"`
	Conditions []testCondition `json:"conditions" validate:"required,min=1,dive"`
	Actions    []testAction    `json:"actions" validate:"required,min=1,dive"`
}

func validRequest() testRequest {
	return testRequest{
		Name:       "streams",
		Conditions: []testCondition{{Field: "concurrent_streams", Operator: "gt"}},
		Actions:    []testAction{{Type: "create_violation", Severity: "low"}},
	}
}

func TestGetValidatorSingleton(t *testing.T) {
	if GetValidator() != GetValidator() {
		t.Error("expected one shared validator")
	}
}

func TestValidateStruct(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*testRequest)
		field  string
		tag    string
	}{
		{"valid", func(*testRequest) {}, "", ""},
		{"missing name", func(r *testRequest) { r.Name = "" }, "name", "required"},
		{"long name", func(r *testRequest) { r.Name = strings.Repeat("n", 11) }, "name", "max"},
		{"no conditions", func(r *testRequest) { r.Conditions = nil }, "conditions", "required"},
		{"unknown field", func(r *testRequest) { r.Conditions[0].Field = "favourite_color" }, "conditions[0].field", "rule_field"},
		{"unknown operator", func(r *testRequest) { r.Conditions[0].Operator = "like" }, "conditions[0].operator", "rule_operator"},
		{"unknown action", func(r *testRequest) { r.Actions[0].Type = "ban_forever" }, "actions[0].type", "rule_action"},
		{"bad severity", func(r *testRequest) { r.Actions[0].Severity = "critical" }, "actions[0].severity", "severity"},
		{"empty severity allowed", func(r *testRequest) { r.Actions[0] = testAction{Type: "notify"} }, "", ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := validRequest()
			tt.mutate(&req)
			verr := ValidateStruct(&req)
			if tt.field == "" {
				if verr != nil {
					t.Fatalf("unexpected error: %v", verr)
				}
				return
			}
			if verr == nil {
				t.Fatal("expected a validation error")
			}
			errs := verr.Errors()
			if len(errs) != 1 {
				t.Fatalf("got %d errors: %v", len(errs), verr)
			}
			if errs[0].Field() != tt.field || errs[0].Tag() != tt.tag {
				t.Errorf("got %s/%s, want %s/%s", errs[0].Field(), errs[0].Tag(), tt.field, tt.tag)
			}
		})
	}
}

func TestToAPIError(t *testing.T) {
	req := validRequest()
	req.Name = ""
	single := ValidateStruct(&req).ToAPIError()
	if single.Code != CodeValidationFailed {
		t.Errorf("code = %q", single.Code)
	}
	if single.Message != "name is required" {
		t.Errorf("message = %q", single.Message)
	}
	if single.Details["field"] != "name" {
		t.Errorf("details = %v", single.Details)
	}

	req.Actions[0].Severity = "critical"
	multi := ValidateStruct(&req).ToAPIError()
	fields, ok := multi.Details["fields"].([]map[string]interface{})
	if !ok || len(fields) != 2 {
		t.Fatalf("details = %v", multi.Details)
	}
	if !strings.Contains(multi.Message, "actions[0].severity must be one of") {
		t.Errorf("message = %q", multi.Message)
	}
}

func TestMinMaxMessages(t *testing.T) {
	type bounds struct {
		Tags  []string `json:"tags" validate:"min=2"`
		Label string   `json:"label" validate:"max=3"`
	}
	verr := ValidateStruct(&bounds{Tags: []string{"a"}, Label: "long"})
	if verr == nil {
		t.Fatal("expected errors")
	}
	got := verr.Error()
	for _, want := range []string{"tags must be at least 2 items", "label must be at most 3 characters"} {
		if !strings.Contains(got, want) {
			t.Errorf("%q missing %q", got, want)
		}
	}
}
