// Sharewatch - Media Server Account Sharing Detection
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/sharewatch

package detection

import (
	"fmt"
	"strings"
)

// compare applies op to a resolved field value and a condition operand.
// A type mismatch returns an error; callers treat it as a non-match.
func compare(actual Value, op Operator, expected Value) (bool, error) {
	switch op {
	case OpEq, OpNeq:
		eq, err := equal(actual, expected)
		if err != nil {
			return false, err
		}
		return eq == (op == OpEq), nil

	case OpGt, OpGte, OpLt, OpLte:
		a, okA := actual.AsNumber()
		b, okB := expected.AsNumber()
		if !okA || !okB {
			return false, fmt.Errorf("%s needs numbers, got %s and %s", op, actual.Kind(), expected.Kind())
		}
		switch op {
		case OpGt:
			return a > b, nil
		case OpGte:
			return a >= b, nil
		case OpLt:
			return a < b, nil
		default:
			return a <= b, nil
		}

	case OpIn, OpNotIn:
		items, ok := expected.AsList()
		if !ok {
			return false, fmt.Errorf("%s needs a list operand, got %s", op, expected.Kind())
		}
		found := false
		for _, item := range items {
			if eq, err := equal(actual, item); err == nil && eq {
				found = true
				break
			}
		}
		return found == (op == OpIn), nil
	}
	return false, fmt.Errorf("%w: %q", ErrInvalidOperator, op)
}

// equal compares two scalars of the same kind. Strings compare case-insensitively.
func equal(a, b Value) (bool, error) {
	if a.Kind() != b.Kind() {
		return false, fmt.Errorf("cannot compare %s with %s", a.Kind(), b.Kind())
	}
	switch a.Kind() {
	case KindBool:
		x, _ := a.AsBool()
		y, _ := b.AsBool()
		return x == y, nil
	case KindNumber:
		x, _ := a.AsNumber()
		y, _ := b.AsNumber()
		return x == y, nil
	case KindString:
		x, _ := a.AsString()
		y, _ := b.AsString()
		return strings.EqualFold(x, y), nil
	case KindNull:
		return true, nil
	default:
		return false, fmt.Errorf("cannot compare %s values", a.Kind())
	}
}
