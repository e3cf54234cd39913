package enrollment

import (
	"encoding/json"
	"fmt"
	"reflect"
	"strconv"
	"strings"

	"golang.org/x/text/cases"

	"github.com/opencode-ai/cadence/internal/models"
)

// MissingFieldError reports a condition field absent from the attributes.
type MissingFieldError struct {
	Field string
}

func (e *MissingFieldError) Error() string {
	return fmt.Sprintf("field %q is not set", e.Field)
}

// Evaluate reports whether every condition holds against attrs. A field that
// is absent is an error for every operator except exists and not_exists.
func Evaluate(conditions []models.Condition, attrs map[string]any) (bool, error) {
	for _, c := range conditions {
		ok, err := evaluateOne(c, attrs)
		if err != nil {
			return false, fmt.Errorf("condition %s %s: %w", c.Field, c.Operator, err)
		}
		if !ok {
			return false, nil
		}
	}
	return true, nil
}

func evaluateOne(c models.Condition, attrs map[string]any) (bool, error) {
	actual, found := Lookup(attrs, c.Field)

	switch c.Operator {
	case models.OpExists:
		return found && actual != nil, nil
	case models.OpNotExists:
		return !found || actual == nil, nil
	}
	if !found {
		return false, &MissingFieldError{Field: c.Field}
	}

	switch c.Operator {
	case models.OpEquals:
		return equal(actual, c.Value), nil
	case models.OpNotEquals:
		return !equal(actual, c.Value), nil
	case models.OpContains:
		return contains(actual, c.Value), nil
	case models.OpNotContains:
		return !contains(actual, c.Value), nil
	case models.OpIn:
		list, ok := asList(c.Value)
		if !ok {
			return false, fmt.Errorf("operator in needs a list value, got %T", c.Value)
		}
		for _, candidate := range list {
			if equal(actual, candidate) {
				return true, nil
			}
		}
		return false, nil
	case models.OpGreaterThan, models.OpGreaterOrEqual, models.OpLessThan, models.OpLessOrEqual:
		a, ok := toFloat(actual)
		if !ok {
			return false, fmt.Errorf("field value %v is not a number", actual)
		}
		b, ok := toFloat(c.Value)
		if !ok {
			return false, fmt.Errorf("comparison value %v is not a number", c.Value)
		}
		switch c.Operator {
		case models.OpGreaterThan:
			return a > b, nil
		case models.OpGreaterOrEqual:
			return a >= b, nil
		case models.OpLessThan:
			return a < b, nil
		default:
			return a <= b, nil
		}
	}
	return false, fmt.Errorf("unknown operator %q", c.Operator)
}

// Lookup resolves a dotted field path ("engagement.opens") through nested
// maps. A literal key containing dots takes precedence.
func Lookup(attrs map[string]any, field string) (any, bool) {
	if attrs == nil {
		return nil, false
	}
	if v, ok := attrs[field]; ok {
		return v, true
	}

	var current any = attrs
	for _, part := range strings.Split(field, ".") {
		m, ok := current.(map[string]any)
		if !ok {
			return nil, false
		}
		current, ok = m[part]
		if !ok {
			return nil, false
		}
	}
	return current, true
}

// equal compares two strings case-insensitively as text. When either side
// is a number, both are compared numerically.
func equal(a, b any) bool {
	as, aok := a.(string)
	bs, bok := b.(string)
	if aok && bok {
		return fold(as) == fold(bs)
	}
	if af, ok := toFloat(a); ok {
		if bf, ok := toFloat(b); ok {
			return af == bf
		}
	}
	if ab, ok := a.(bool); ok {
		if bb, ok := b.(bool); ok {
			return ab == bb
		}
	}
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return fold(fmt.Sprint(a)) == fold(fmt.Sprint(b))
}

func contains(actual, value any) bool {
	if list, ok := asList(actual); ok {
		for _, item := range list {
			if equal(item, value) {
				return true
			}
		}
		return false
	}
	s, ok := actual.(string)
	if !ok {
		return false
	}
	return strings.Contains(fold(s), fold(fmt.Sprint(value)))
}

// fold returns the case-folded form of s. Casers are stateful, so each call
// builds its own.
func fold(s string) string {
	return cases.Fold().String(s)
}

func asList(v any) ([]any, bool) {
	switch list := v.(type) {
	case []any:
		return list, true
	case []string:
		out := make([]any, len(list))
		for i, s := range list {
			out[i] = s
		}
		return out, true
	case nil:
		return nil, false
	}
	rv := reflect.ValueOf(v)
	if rv.Kind() != reflect.Slice && rv.Kind() != reflect.Array {
		return nil, false
	}
	out := make([]any, rv.Len())
	for i := range out {
		out[i] = rv.Index(i).Interface()
	}
	return out, true
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int8:
		return float64(n), true
	case int16:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint:
		return float64(n), true
	case uint8:
		return float64(n), true
	case uint16:
		return float64(n), true
	case uint32:
		return float64(n), true
	case uint64:
		return float64(n), true
	case float32:
		return float64(n), true
	case float64:
		return n, true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(n), 64)
		return f, err == nil
	}
	return 0, false
}
