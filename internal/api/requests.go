// Sharewatch - Media Server Account Sharing Detection
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/sharewatch

package api

import (
	"net/http"
	"strconv"

	"github.com/tomtom215/sharewatch/internal/database"
	"github.com/tomtom215/sharewatch/internal/detection"
	"github.com/tomtom215/sharewatch/internal/models"
)

const (
	maxBodyBytes          = 64 << 10
	defaultViolationLimit = 100
	maxViolationLimit     = 1000
)

type conditionRequest struct {
	Field    string           `json:"field" validate:"required,rule_field"`
	Operator string           `json:"operator" validate:"required,rule_operator"`
	Value    detection.Value  `json:"value"`
	Params   detection.Params `json:"params,omitempty"`
}

type groupRequest struct {
	Conditions []conditionRequest `json:"conditions" validate:"required,min=1,dive"`
}

type conditionTreeRequest struct {
	Groups []groupRequest `json:"groups" validate:"required,min=1,dive"`
}

type actionRequest struct {
	Type     string `json:"type" validate:"required,rule_action"`
	Severity string `json:"severity,omitempty" validate:"omitempty,severity"`
	Message  string `json:"message,omitempty" validate:"max=500"`
}

// CreateRuleRequest is the body of POST /rules. IsActive defaults to true.
type CreateRuleRequest struct {
	Name       string               `json:"name" validate:"required,max=200"`
	UserID     *string              `json:"user_id,omitempty" validate:"omitempty,min=1,max=200"`
	IsActive   *bool                `json:"is_active,omitempty"`
	Conditions conditionTreeRequest `json:"conditions"`
	Actions    []actionRequest      `json:"actions" validate:"required,min=1,dive"`
}

// Rule converts the request to a detection rule.
func (req *CreateRuleRequest) Rule() *detection.Rule {
	rule := &detection.Rule{
		Name:     req.Name,
		UserID:   req.UserID,
		IsActive: req.IsActive == nil || *req.IsActive,
	}
	for _, g := range req.Conditions.Groups {
		group := detection.ConditionGroup{Conditions: make([]detection.Condition, 0, len(g.Conditions))}
		for _, c := range g.Conditions {
			group.Conditions = append(group.Conditions, detection.Condition{
				Field:    detection.Field(c.Field),
				Operator: detection.Operator(c.Operator),
				Value:    c.Value,
				Params:   c.Params,
			})
		}
		rule.Conditions.Groups = append(rule.Conditions.Groups, group)
	}
	for _, a := range req.Actions {
		rule.Actions = append(rule.Actions, detection.Action{
			Type:     detection.ActionType(a.Type),
			Severity: models.Severity(a.Severity),
			Message:  a.Message,
		})
	}
	return rule
}

// parseViolationFilter reads acknowledged, user_id, rule_id and limit.
func parseViolationFilter(r *http.Request) (database.ViolationFilter, string) {
	q := r.URL.Query()
	f := database.ViolationFilter{
		UserID: q.Get("user_id"),
		RuleID: q.Get("rule_id"),
		Limit:  defaultViolationLimit,
	}
	if raw := q.Get("acknowledged"); raw != "" {
		ack, err := strconv.ParseBool(raw)
		if err != nil {
			return f, "acknowledged must be true or false"
		}
		f.Acknowledged = &ack
	}
	if raw := q.Get("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit < 1 || limit > maxViolationLimit {
			return f, "limit must be between 1 and " + strconv.Itoa(maxViolationLimit)
		}
		f.Limit = limit
	}
	return f, ""
}

// parseOptionalBool reads a boolean query parameter; absent means false.
func parseOptionalBool(r *http.Request, key string) (bool, bool) {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return false, true
	}
	v, err := strconv.ParseBool(raw)
	return v, err == nil
}
