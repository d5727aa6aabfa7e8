package rules

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/songzhibin97/docflow/types"
)

var dateLayouts = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02 15:04:05",
	"2006-01-02T15:04:05",
	time.DateOnly,
}

// Compare applies a field-based operator to a typed field value and the raw
// operand taken from a condition. Operands are coerced to the field's type.
func Compare(op string, field types.TypedValue, operand string) (bool, error) {
	switch op {
	case types.OpIsEmpty:
		return field.IsEmpty(), nil
	case types.OpIsNotEmpty:
		return !field.IsEmpty(), nil
	case types.OpEquals, types.OpNotEquals, types.OpContains, types.OpNotContains,
		types.OpStartsWith, types.OpEndsWith, types.OpGreaterThan, types.OpLessThan,
		types.OpGreaterThanOrEqual, types.OpLessThanOrEqual, types.OpIn, types.OpNotIn:
	default:
		return false, fmt.Errorf("%w: %q", ErrUnknownOperator, op)
	}

	switch field.Type {
	case types.FieldNumber:
		if n, ok := toFloat(field.Value); ok {
			return compareNumber(op, n, operand)
		}
	case types.FieldDate:
		if t, ok := toTime(field.Value); ok {
			return compareDate(op, t, operand)
		}
	case types.FieldBool:
		if b, ok := field.Value.(bool); ok && (op == types.OpEquals || op == types.OpNotEquals) {
			want, err := strconv.ParseBool(strings.TrimSpace(operand))
			if err != nil {
				return false, fmt.Errorf("%w: %q is not a bool", ErrInvalidOperand, operand)
			}
			return (b == want) == (op == types.OpEquals), nil
		}
	case types.FieldList:
		if list, ok := toStrings(field.Value); ok {
			return compareList(op, list, operand)
		}
	}
	return compareText(op, toText(field.Value), operand)
}

func compareNumber(op string, n float64, operand string) (bool, error) {
	switch op {
	case types.OpIn, types.OpNotIn:
		found := false
		for _, item := range splitList(operand) {
			if v, err := strconv.ParseFloat(item, 64); err == nil && v == n {
				found = true
				break
			}
		}
		return found == (op == types.OpIn), nil
	case types.OpContains, types.OpNotContains, types.OpStartsWith, types.OpEndsWith:
		return compareText(op, toText(n), operand)
	}
	want, err := strconv.ParseFloat(strings.TrimSpace(operand), 64)
	if err != nil {
		return false, fmt.Errorf("%w: %q is not a number", ErrInvalidOperand, operand)
	}
	return ordered(op, cmpFloat(n, want)), nil
}

func compareDate(op string, t time.Time, operand string) (bool, error) {
	switch op {
	case types.OpIn, types.OpNotIn:
		found := false
		for _, item := range splitList(operand) {
			if want, dateOnly, ok := parseTime(item); ok && cmpTime(t, want, dateOnly) == 0 {
				found = true
				break
			}
		}
		return found == (op == types.OpIn), nil
	case types.OpContains, types.OpNotContains, types.OpStartsWith, types.OpEndsWith:
		return compareText(op, toText(t), operand)
	}
	want, dateOnly, ok := parseTime(operand)
	if !ok {
		return false, fmt.Errorf("%w: %q is not a date", ErrInvalidOperand, operand)
	}
	return ordered(op, cmpTime(t, want, dateOnly)), nil
}

func compareList(op string, list []string, operand string) (bool, error) {
	switch op {
	case types.OpContains, types.OpNotContains:
		return containsString(list, strings.TrimSpace(operand)) == (op == types.OpContains), nil
	case types.OpIn, types.OpNotIn:
		allowed := splitList(operand)
		found := false
		for _, item := range list {
			if containsString(allowed, item) {
				found = true
				break
			}
		}
		return found == (op == types.OpIn), nil
	}
	return compareText(op, strings.Join(list, ","), operand)
}

func compareText(op string, s, operand string) (bool, error) {
	switch op {
	case types.OpEquals:
		return s == operand, nil
	case types.OpNotEquals:
		return s != operand, nil
	case types.OpContains:
		return strings.Contains(s, operand), nil
	case types.OpNotContains:
		return !strings.Contains(s, operand), nil
	case types.OpStartsWith:
		return strings.HasPrefix(s, operand), nil
	case types.OpEndsWith:
		return strings.HasSuffix(s, operand), nil
	case types.OpIn:
		return containsString(splitList(operand), s), nil
	case types.OpNotIn:
		return !containsString(splitList(operand), s), nil
	}
	// Ordering on text compares numerically when both sides are numbers.
	a, errA := strconv.ParseFloat(strings.TrimSpace(s), 64)
	b, errB := strconv.ParseFloat(strings.TrimSpace(operand), 64)
	if errA == nil && errB == nil {
		return ordered(op, cmpFloat(a, b)), nil
	}
	return ordered(op, strings.Compare(s, operand)), nil
}

func ordered(op string, c int) bool {
	switch op {
	case types.OpEquals, types.OpIn:
		return c == 0
	case types.OpNotEquals, types.OpNotIn:
		return c != 0
	case types.OpGreaterThan:
		return c > 0
	case types.OpLessThan:
		return c < 0
	case types.OpGreaterThanOrEqual:
		return c >= 0
	case types.OpLessThanOrEqual:
		return c <= 0
	}
	return false
}

func cmpFloat(a, b float64) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	}
	return 0
}

func cmpTime(a, b time.Time, dateOnly bool) int {
	if dateOnly {
		a = time.Date(a.Year(), a.Month(), a.Day(), 0, 0, 0, 0, time.UTC)
		b = time.Date(b.Year(), b.Month(), b.Day(), 0, 0, 0, 0, time.UTC)
	}
	return a.Compare(b)
}

func splitList(operand string) []string {
	parts := strings.Split(operand, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func containsString(list []string, s string) bool {
	for _, item := range list {
		if item == s {
			return true
		}
	}
	return false
}

func toFloat(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint64:
		return float64(n), true
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(n), 64)
		return f, err == nil
	case fmt.Stringer:
		f, err := strconv.ParseFloat(n.String(), 64)
		return f, err == nil
	}
	return 0, false
}

func toTime(v interface{}) (time.Time, bool) {
	switch t := v.(type) {
	case time.Time:
		return t, true
	case string:
		parsed, _, ok := parseTime(t)
		return parsed, ok
	}
	return time.Time{}, false
}

func parseTime(s string) (time.Time, bool, bool) {
	s = strings.TrimSpace(s)
	for _, layout := range dateLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t, layout == time.DateOnly, true
		}
	}
	return time.Time{}, false, false
}

func toStrings(v interface{}) ([]string, bool) {
	switch l := v.(type) {
	case []string:
		return l, true
	case []interface{}:
		out := make([]string, len(l))
		for i, item := range l {
			out[i] = toText(item)
		}
		return out, true
	case string:
		return splitList(l), true
	}
	return nil, false
}

func toText(v interface{}) string {
	switch s := v.(type) {
	case nil:
		return ""
	case string:
		return s
	case float64:
		return strconv.FormatFloat(s, 'f', -1, 64)
	case time.Time:
		return s.Format(time.RFC3339)
	}
	return fmt.Sprint(v)
}

// Native converts a typed field value into the Go value exposed to
// expressions: numbers become float64, dates time.Time, lists []string.
func Native(v types.TypedValue) interface{} {
	switch v.Type {
	case types.FieldNumber:
		if n, ok := toFloat(v.Value); ok {
			return n
		}
	case types.FieldDate:
		if t, ok := toTime(v.Value); ok {
			return t
		}
	case types.FieldBool:
		if b, ok := v.Value.(bool); ok {
			return b
		}
		if s, ok := v.Value.(string); ok {
			if b, err := strconv.ParseBool(s); err == nil {
				return b
			}
		}
	case types.FieldList:
		if l, ok := toStrings(v.Value); ok {
			return l
		}
	}
	if v.Value == nil {
		return nil
	}
	return toText(v.Value)
}
