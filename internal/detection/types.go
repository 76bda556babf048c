// Sharewatch - Media Server Account Sharing Detection
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/sharewatch

package detection

import (
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/goccy/go-json"

	"github.com/tomtom215/sharewatch/internal/models"
)

// Sentinel errors returned by rule validation.
var (
	ErrUnknownField    = errors.New("unknown condition field")
	ErrInvalidOperator = errors.New("invalid condition operator")
)

// ValueKind tags the variant held by a Value.
type ValueKind uint8

const (
	KindNull ValueKind = iota
	KindBool
	KindNumber
	KindString
	KindList
)

func (k ValueKind) String() string {
	switch k {
	case KindBool:
		return "bool"
	case KindNumber:
		return "number"
	case KindString:
		return "string"
	case KindList:
		return "list"
	default:
		return "null"
	}
}

// Value is a tagged union holding a condition operand or a resolved field.
type Value struct {
	kind ValueKind
	b    bool
	n    float64
	s    string
	list []Value
}

// Null is the zero Value.
var Null = Value{}

// Bool returns a boolean Value.
func Bool(b bool) Value { return Value{kind: KindBool, b: b} }

// Number returns a numeric Value.
func Number(n float64) Value { return Value{kind: KindNumber, n: n} }

// String returns a string Value.
func String(s string) Value { return Value{kind: KindString, s: s} }

// List returns a list Value.
func List(items ...Value) Value {
	if items == nil {
		items = []Value{}
	}
	return Value{kind: KindList, list: items}
}

// Strings returns a list Value of strings.
func Strings(items ...string) Value {
	vals := make([]Value, len(items))
	for i, s := range items {
		vals[i] = String(s)
	}
	return List(vals...)
}

// Kind returns the variant tag.
func (v Value) Kind() ValueKind { return v.kind }

// AsBool returns the boolean payload.
func (v Value) AsBool() (bool, bool) { return v.b, v.kind == KindBool }

// AsNumber returns the numeric payload.
func (v Value) AsNumber() (float64, bool) { return v.n, v.kind == KindNumber }

// AsString returns the string payload.
func (v Value) AsString() (string, bool) { return v.s, v.kind == KindString }

// AsList returns the list payload.
func (v Value) AsList() ([]Value, bool) { return v.list, v.kind == KindList }

func (v Value) String() string {
	switch v.kind {
	case KindBool:
		return strconv.FormatBool(v.b)
	case KindNumber:
		return strconv.FormatFloat(v.n, 'f', -1, 64)
	case KindString:
		return strconv.Quote(v.s)
	case KindList:
		return fmt.Sprintf("%v", v.list)
	default:
		return "null"
	}
}

// Interface converts v to a plain Go value for evidence payloads.
func (v Value) Interface() interface{} {
	switch v.kind {
	case KindBool:
		return v.b
	case KindNumber:
		return v.n
	case KindString:
		return v.s
	case KindList:
		out := make([]interface{}, len(v.list))
		for i, item := range v.list {
			out[i] = item.Interface()
		}
		return out
	default:
		return nil
	}
}

// MarshalJSON implements json.Marshaler.
func (v Value) MarshalJSON() ([]byte, error) {
	return json.Marshal(v.Interface())
}

// UnmarshalJSON implements json.Unmarshaler.
func (v *Value) UnmarshalJSON(data []byte) error {
	var raw interface{}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	parsed, err := valueFromInterface(raw)
	if err != nil {
		return err
	}
	*v = parsed
	return nil
}

func valueFromInterface(raw interface{}) (Value, error) {
	switch t := raw.(type) {
	case nil:
		return Null, nil
	case bool:
		return Bool(t), nil
	case float64:
		return Number(t), nil
	case string:
		return String(t), nil
	case []interface{}:
		items := make([]Value, 0, len(t))
		for _, item := range t {
			v, err := valueFromInterface(item)
			if err != nil {
				return Null, err
			}
			if v.kind == KindList {
				return Null, fmt.Errorf("nested lists are not supported")
			}
			items = append(items, v)
		}
		return List(items...), nil
	default:
		return Null, fmt.Errorf("unsupported value type %T", raw)
	}
}

// Operator compares a resolved field against a condition value.
type Operator string

const (
	OpEq    Operator = "eq"
	OpNeq   Operator = "neq"
	OpGt    Operator = "gt"
	OpGte   Operator = "gte"
	OpLt    Operator = "lt"
	OpLte   Operator = "lte"
	OpIn    Operator = "in"
	OpNotIn Operator = "not_in"
)

// Known reports whether op is a supported operator.
func (op Operator) Known() bool {
	switch op {
	case OpEq, OpNeq, OpGt, OpGte, OpLt, OpLte, OpIn, OpNotIn:
		return true
	}
	return false
}

func (op Operator) ordering() bool {
	return op == OpGt || op == OpGte || op == OpLt || op == OpLte
}

func (op Operator) membership() bool {
	return op == OpIn || op == OpNotIn
}

// Params carries numeric per-condition parameters such as window_hours.
type Params map[string]float64

// Get returns the named parameter or def when absent or non-positive.
func (p Params) Get(name string, def float64) float64 {
	if v, ok := p[name]; ok && v > 0 {
		return v
	}
	return def
}

// Condition is one atomic predicate.
type Condition struct {
	Field    Field    `json:"field"`
	Operator Operator `json:"operator"`
	Value    Value    `json:"value"`
	Params   Params   `json:"params,omitempty"`
}

// ConditionGroup matches when all of its conditions match.
type ConditionGroup struct {
	Conditions []Condition `json:"conditions"`
}

// ConditionTree matches when any of its groups matches.
type ConditionTree struct {
	Groups []ConditionGroup `json:"groups"`
}

// ActionType names a rule action.
type ActionType string

const (
	ActionCreateViolation ActionType = "create_violation"
	ActionKillStream      ActionType = "kill_stream"
	ActionNotify          ActionType = "notify"
	ActionLogOnly         ActionType = "log_only"
)

// Action is one declared rule action.
type Action struct {
	Type     ActionType      `json:"type"`
	Severity models.Severity `json:"severity,omitempty"`
	Message  string          `json:"message,omitempty"`
}

// Rule is a named predicate tree plus its ordered actions.
// A nil UserID makes the rule global.
type Rule struct {
	ID         string        `json:"id"`
	Name       string        `json:"name"`
	UserID     *string       `json:"user_id,omitempty"`
	IsActive   bool          `json:"is_active"`
	Conditions ConditionTree `json:"conditions"`
	Actions    []Action      `json:"actions"`
	CreatedAt  time.Time     `json:"created_at"`
	UpdatedAt  time.Time     `json:"updated_at"`
}

// AppliesTo reports whether the rule is in scope for userID.
func (r *Rule) AppliesTo(userID string) bool {
	return r.UserID == nil || *r.UserID == userID
}

// ViolationSeverity returns the severity of the rule's create_violation
// action, if it declares one.
func (r *Rule) ViolationSeverity() (models.Severity, bool) {
	for _, a := range r.Actions {
		if a.Type == ActionCreateViolation {
			return a.Severity, true
		}
	}
	return "", false
}

// HasAction reports whether the rule declares an action of type t.
func (r *Rule) HasAction(t ActionType) bool {
	for _, a := range r.Actions {
		if a.Type == t {
			return true
		}
	}
	return false
}

// Fields returns the distinct fields referenced by the condition tree.
func (r *Rule) Fields() []Field {
	seen := make(map[Field]bool)
	var out []Field
	for _, g := range r.Conditions.Groups {
		for _, c := range g.Conditions {
			if !seen[c.Field] {
				seen[c.Field] = true
				out = append(out, c.Field)
			}
		}
	}
	return out
}

// ReferencesAny reports whether any condition references a field in set.
func (r *Rule) ReferencesAny(set map[Field]bool) bool {
	for _, f := range r.Fields() {
		if set[f] {
			return true
		}
	}
	return false
}

// Validate checks the rule structure against the field registry.
func (r *Rule) Validate() error {
	if r.Name == "" {
		return fmt.Errorf("rule name is required")
	}
	if len(r.Conditions.Groups) == 0 {
		return fmt.Errorf("rule %q: at least one condition group is required", r.Name)
	}
	for gi, g := range r.Conditions.Groups {
		if len(g.Conditions) == 0 {
			return fmt.Errorf("rule %q: group %d has no conditions", r.Name, gi)
		}
		for ci, c := range g.Conditions {
			if err := validateCondition(c); err != nil {
				return fmt.Errorf("rule %q: group %d condition %d: %w", r.Name, gi, ci, err)
			}
		}
	}
	if len(r.Actions) == 0 {
		return fmt.Errorf("rule %q: at least one action is required", r.Name)
	}
	for i, a := range r.Actions {
		switch a.Type {
		case ActionCreateViolation:
			if !a.Severity.Valid() {
				return fmt.Errorf("rule %q: action %d: invalid severity %q", r.Name, i, a.Severity)
			}
		case ActionKillStream, ActionNotify, ActionLogOnly:
		default:
			return fmt.Errorf("rule %q: action %d: unknown action type %q", r.Name, i, a.Type)
		}
	}
	return nil
}

func validateCondition(c Condition) error {
	def, ok := fieldRegistry[c.Field]
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownField, c.Field)
	}
	if !c.Operator.Known() {
		return fmt.Errorf("%w: %q", ErrInvalidOperator, c.Operator)
	}
	switch {
	case c.Operator.membership():
		if c.Value.Kind() != KindList {
			return fmt.Errorf("%w: %s requires a list value", ErrInvalidOperator, c.Operator)
		}
	case c.Operator.ordering():
		if def.kind != KindNumber || c.Value.Kind() != KindNumber {
			return fmt.Errorf("%w: %s requires numeric operands", ErrInvalidOperator, c.Operator)
		}
	default:
		if c.Value.Kind() != def.kind {
			return fmt.Errorf("%w: field %s is %s, value is %s", ErrInvalidOperator, c.Field, def.kind, c.Value.Kind())
		}
	}
	return nil
}
