package models

import (
	"errors"
	"fmt"
	"math"

	"github.com/goccy/go-json"
)

// ErrIncompatibleValue is returned when a condition cannot compare a tag value.
var ErrIncompatibleValue = errors.New("value not supported by condition")

// Condition decides from a tag value alone whether an alarm would be active.
type Condition interface {
	Evaluate(value any) (bool, error)
	Type() string
}

// Condition types used in the JSON form.
const (
	ConditionValue      = "value"
	ConditionRange      = "range"
	ConditionComparison = "comparison"
)

// ValueCondition is active when the tag value equals AlarmValue.
type ValueCondition struct {
	AlarmValue any `json:"alarm_value"`
}

func (c *ValueCondition) Type() string { return ConditionValue }

func (c *ValueCondition) Evaluate(value any) (bool, error) {
	if expected, ok := toFloat(c.AlarmValue); ok {
		actual, ok := toFloat(value)
		if !ok {
			return false, fmt.Errorf("%w: %T against numeric alarm value", ErrIncompatibleValue, value)
		}
		return actual == expected, nil
	}
	switch expected := c.AlarmValue.(type) {
	case bool:
		actual, ok := value.(bool)
		if !ok {
			return false, fmt.Errorf("%w: %T against boolean alarm value", ErrIncompatibleValue, value)
		}
		return actual == expected, nil
	case string:
		actual, ok := value.(string)
		if !ok {
			return false, fmt.Errorf("%w: %T against string alarm value", ErrIncompatibleValue, value)
		}
		return actual == expected, nil
	default:
		return false, fmt.Errorf("%w: alarm value of type %T", ErrIncompatibleValue, c.AlarmValue)
	}
}

// RangeCondition is active when the value lies inside [Min, Max], or outside
// it when OutOfRange is set. A nil bound is open.
type RangeCondition struct {
	Min        *float64 `json:"min,omitempty"`
	Max        *float64 `json:"max,omitempty"`
	OutOfRange bool     `json:"out_of_range"`
}

func (c *RangeCondition) Type() string { return ConditionRange }

func (c *RangeCondition) Evaluate(value any) (bool, error) {
	v, ok := toFloat(value)
	if !ok {
		return false, fmt.Errorf("%w: %T in range condition", ErrIncompatibleValue, value)
	}
	inside := (c.Min == nil || v >= *c.Min) && (c.Max == nil || v <= *c.Max)
	return inside != c.OutOfRange, nil
}

// ComparisonCondition compares a numeric value with Threshold.
type ComparisonCondition struct {
	Operator  string  `json:"operator"` // >, >=, <, <=, ==, !=
	Threshold float64 `json:"threshold"`
}

func (c *ComparisonCondition) Type() string { return ConditionComparison }

func (c *ComparisonCondition) Evaluate(value any) (bool, error) {
	v, ok := toFloat(value)
	if !ok {
		return false, fmt.Errorf("%w: %T in comparison condition", ErrIncompatibleValue, value)
	}
	switch c.Operator {
	case ">":
		return v > c.Threshold, nil
	case ">=":
		return v >= c.Threshold, nil
	case "<":
		return v < c.Threshold, nil
	case "<=":
		return v <= c.Threshold, nil
	case "==":
		return v == c.Threshold, nil
	case "!=":
		return v != c.Threshold, nil
	default:
		return false, fmt.Errorf("unknown comparison operator %q", c.Operator)
	}
}

// conditionEnvelope is the stored JSON form of every condition type.
type conditionEnvelope struct {
	Type       string   `json:"type"`
	AlarmValue any      `json:"alarm_value,omitempty"`
	Min        *float64 `json:"min,omitempty"`
	Max        *float64 `json:"max,omitempty"`
	OutOfRange bool     `json:"out_of_range,omitempty"`
	Operator   string   `json:"operator,omitempty"`
	Threshold  float64  `json:"threshold,omitempty"`
}

// ParseCondition decodes {"type": "value"|"range"|"comparison", ...}.
func ParseCondition(data []byte) (Condition, error) {
	var env conditionEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("failed to unmarshal condition: %w", err)
	}

	switch env.Type {
	case ConditionValue:
		if env.AlarmValue == nil {
			return nil, errors.New("value condition without alarm_value")
		}
		return &ValueCondition{AlarmValue: env.AlarmValue}, nil
	case ConditionRange:
		if env.Min == nil && env.Max == nil {
			return nil, errors.New("range condition without bounds")
		}
		if env.Min != nil && env.Max != nil && *env.Min > *env.Max {
			return nil, fmt.Errorf("range condition min %v above max %v", *env.Min, *env.Max)
		}
		return &RangeCondition{Min: env.Min, Max: env.Max, OutOfRange: env.OutOfRange}, nil
	case ConditionComparison:
		switch env.Operator {
		case ">", ">=", "<", "<=", "==", "!=":
		default:
			return nil, fmt.Errorf("unknown comparison operator %q", env.Operator)
		}
		return &ComparisonCondition{Operator: env.Operator, Threshold: env.Threshold}, nil
	default:
		return nil, fmt.Errorf("unknown condition type %q", env.Type)
	}
}

// MarshalCondition encodes c in the form read by ParseCondition.
func MarshalCondition(c Condition) ([]byte, error) {
	env := conditionEnvelope{Type: c.Type()}
	switch cond := c.(type) {
	case *ValueCondition:
		env.AlarmValue = cond.AlarmValue
	case *RangeCondition:
		env.Min, env.Max, env.OutOfRange = cond.Min, cond.Max, cond.OutOfRange
	case *ComparisonCondition:
		env.Operator, env.Threshold = cond.Operator, cond.Threshold
	default:
		return nil, fmt.Errorf("unsupported condition %T", c)
	}
	return json.Marshal(env)
}

func toFloat(value any) (float64, bool) {
	switch v := value.(type) {
	case float64:
		return v, !math.IsNaN(v)
	case float32:
		return float64(v), !math.IsNaN(float64(v))
	case int:
		return float64(v), true
	case int8:
		return float64(v), true
	case int16:
		return float64(v), true
	case int32:
		return float64(v), true
	case int64:
		return float64(v), true
	case uint:
		return float64(v), true
	case uint8:
		return float64(v), true
	case uint16:
		return float64(v), true
	case uint32:
		return float64(v), true
	case uint64:
		return float64(v), true
	case json.Number:
		f, err := v.Float64()
		return f, err == nil
	default:
		return 0, false
	}
}
