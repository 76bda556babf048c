// Sharewatch - Media Server Account Sharing Detection
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/sharewatch

/*
Package validation validates admin API request bodies with
go-playground/validator v10.

A single validator instance is built once. It reports fields by their JSON
names and registers the domain validators used by rule requests:

  - severity: one of low, warning, high
  - rule_field: a condition field known to the detection engine
  - rule_operator: a supported condition operator
  - rule_action: a supported rule action type

Example:

	type conditionRequest struct {
	    Field    string `json:"field" validate:"required,rule_field"`
	    Operator string `json:"operator" validate:"required,rule_operator"`
	}

	if verr := validation.ValidateStruct(&req); verr != nil {
	    apiErr := verr.ToAPIError()
	    ...
	}

Errors name the failing field by its JSON path, for example
"actions[0].severity".
*/
package validation
