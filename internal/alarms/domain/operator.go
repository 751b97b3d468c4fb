package alarms

import (
	"encoding/json"
	"math"
	"strconv"
	"strings"
)

// Operator compares an observed value against a threshold.
type Operator string

const (
	OperatorGreater        Operator = ">"
	OperatorGreaterOrEqual Operator = ">="
	OperatorLess           Operator = "<"
	OperatorLessOrEqual    Operator = "<="
	OperatorEqual          Operator = "="
	OperatorNotEqual       Operator = "!="
)

// Normalize maps accepted spellings onto the canonical operator set.
func (o Operator) Normalize() Operator {
	switch strings.TrimSpace(string(o)) {
	case ">":
		return OperatorGreater
	case ">=", "≥", "=>":
		return OperatorGreaterOrEqual
	case "<":
		return OperatorLess
	case "<=", "≤", "=<":
		return OperatorLessOrEqual
	case "=", "==", "===":
		return OperatorEqual
	case "!=", "≠", "<>", "!==":
		return OperatorNotEqual
	default:
		return o
	}
}

// Valid returns true when operator is supported.
func (o Operator) Valid() bool {
	switch o.Normalize() {
	case OperatorGreater, OperatorGreaterOrEqual, OperatorLess, OperatorLessOrEqual, OperatorEqual, OperatorNotEqual:
		return true
	default:
		return false
	}
}

// CompareLoose applies op to left and right, coercing both to numbers when
// either side looks numeric. Two non-numeric strings support only = and !=.
// Anything else that cannot be coerced yields false.
func CompareLoose(op Operator, left, right any) bool {
	op = op.Normalize()
	if looksNumeric(left) || looksNumeric(right) {
		l, lok := ToNumber(left)
		r, rok := ToNumber(right)
		if !lok || !rok {
			return false
		}
		return compareNumbers(op, l, r)
	}
	ls, lok := left.(string)
	rs, rok := right.(string)
	if lok && rok {
		return compareText(op, ls, rs)
	}
	return false
}

// CompareStrict is used for external computation results: when both sides are
// textual only = and != apply, otherwise both sides must coerce to numbers.
func CompareStrict(op Operator, left, right any) bool {
	op = op.Normalize()
	ls, lok := left.(string)
	rs, rok := right.(string)
	if lok && rok {
		return compareText(op, ls, rs)
	}
	l, lok := ToNumber(left)
	r, rok := ToNumber(right)
	if !lok || !rok {
		return false
	}
	return compareNumbers(op, l, r)
}

// ToNumber coerces a dynamic value to float64.
func ToNumber(value any) (float64, bool) {
	var f float64
	switch v := value.(type) {
	case float64:
		f = v
	case float32:
		f = float64(v)
	case int:
		f = float64(v)
	case int32:
		f = float64(v)
	case int64:
		f = float64(v)
	case uint:
		f = float64(v)
	case uint32:
		f = float64(v)
	case uint64:
		f = float64(v)
	case json.Number:
		parsed, err := v.Float64()
		if err != nil {
			return 0, false
		}
		f = parsed
	case bool:
		if v {
			return 1, true
		}
		return 0, true
	case string:
		trimmed := strings.TrimSpace(v)
		if trimmed == "" {
			return 0, false
		}
		parsed, err := strconv.ParseFloat(trimmed, 64)
		if err != nil {
			return 0, false
		}
		f = parsed
	default:
		return 0, false
	}
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, false
	}
	return f, true
}

func looksNumeric(value any) bool {
	switch value.(type) {
	case bool, nil:
		return false
	case string:
		_, ok := ToNumber(value)
		return ok
	default:
		_, ok := ToNumber(value)
		return ok
	}
}

func compareNumbers(op Operator, l, r float64) bool {
	switch op {
	case OperatorGreater:
		return l > r
	case OperatorGreaterOrEqual:
		return l >= r
	case OperatorLess:
		return l < r
	case OperatorLessOrEqual:
		return l <= r
	case OperatorEqual:
		return l == r
	case OperatorNotEqual:
		return l != r
	default:
		return false
	}
}

func compareText(op Operator, l, r string) bool {
	switch op {
	case OperatorEqual:
		return l == r
	case OperatorNotEqual:
		return l != r
	default:
		return false
	}
}
