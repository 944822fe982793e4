package domain

import (
	"encoding/json"
	"fmt"
	"reflect"
)

// FilterOp is a predicate operator applied to one event data field.
type FilterOp string

const (
	OpEq  FilterOp = "$eq"
	OpGte FilterOp = "$gte"
	OpLte FilterOp = "$lte"
	OpIn  FilterOp = "$in"
	OpNin FilterOp = "$nin"
)

// Condition is one field predicate. Literal conditions carry OpEq and a
// single Value; $in/$nin carry Values.
type Condition struct {
	Op     FilterOp
	Value  any
	Values []any
}

// Filter maps event data fields to conditions. All conditions must pass for
// a filter to match (logical AND). A nil or empty filter matches everything.
type Filter map[string]Condition

// ParseFilter converts the stored/duck-typed representation into the typed
// form. A bare literal means equality; an object form must use exactly one
// supported operator.
func ParseFilter(raw map[string]any) (Filter, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	f := make(Filter, len(raw))
	for field, cond := range raw {
		c, err := parseCondition(cond)
		if err != nil {
			return nil, fmt.Errorf("filter field %q: %w", field, err)
		}
		f[field] = c
	}
	return f, nil
}

func parseCondition(raw any) (Condition, error) {
	obj, ok := raw.(map[string]any)
	if !ok {
		return Condition{Op: OpEq, Value: raw}, nil
	}
	if len(obj) != 1 {
		return Condition{}, fmt.Errorf("operator object must have exactly one key")
	}
	for op, v := range obj {
		switch FilterOp(op) {
		case OpGte, OpLte:
			return Condition{Op: FilterOp(op), Value: v}, nil
		case OpIn, OpNin:
			list, ok := v.([]any)
			if !ok {
				return Condition{}, fmt.Errorf("%s requires an array", op)
			}
			return Condition{Op: FilterOp(op), Values: list}, nil
		default:
			return Condition{}, fmt.Errorf("unsupported operator %q", op)
		}
	}
	return Condition{}, fmt.Errorf("empty operator object")
}

// Matches evaluates the filter against event data. A field referenced by the
// filter but absent from the data fails the predicate.
func (f Filter) Matches(data map[string]any) bool {
	if len(f) == 0 {
		return true
	}
	for field, cond := range f {
		v, ok := data[field]
		if !ok {
			return false
		}
		if !cond.matches(v) {
			return false
		}
	}
	return true
}

func (c Condition) matches(v any) bool {
	switch c.Op {
	case OpEq:
		return valueEqual(v, c.Value)
	case OpGte:
		cmp, ok := compareValues(v, c.Value)
		return ok && cmp >= 0
	case OpLte:
		cmp, ok := compareValues(v, c.Value)
		return ok && cmp <= 0
	case OpIn:
		for _, want := range c.Values {
			if valueEqual(v, want) {
				return true
			}
		}
		return false
	case OpNin:
		for _, want := range c.Values {
			if valueEqual(v, want) {
				return false
			}
		}
		return true
	}
	return false
}

// valueEqual compares with numeric normalization so that 5 (int) equals
// 5.0 (float64 from JSON decoding).
func valueEqual(a, b any) bool {
	af, aok := toFloat(a)
	bf, bok := toFloat(b)
	if aok && bok {
		return af == bf
	}
	return reflect.DeepEqual(a, b)
}

// compareValues orders two values: numbers numerically, strings
// lexicographically. Mixed or unordered types report not-comparable.
func compareValues(a, b any) (int, bool) {
	if af, ok := toFloat(a); ok {
		bf, ok := toFloat(b)
		if !ok {
			return 0, false
		}
		switch {
		case af < bf:
			return -1, true
		case af > bf:
			return 1, true
		default:
			return 0, true
		}
	}
	as, aok := a.(string)
	bs, bok := b.(string)
	if aok && bok {
		switch {
		case as < bs:
			return -1, true
		case as > bs:
			return 1, true
		default:
			return 0, true
		}
	}
	return 0, false
}

func toFloat(v any) (float64, bool) {
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
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	}
	return 0, false
}

// MarshalJSON emits the external duck-typed form so stored filters round-trip
// unchanged.
func (c Condition) MarshalJSON() ([]byte, error) {
	switch c.Op {
	case OpEq:
		return json.Marshal(c.Value)
	case OpIn, OpNin:
		return json.Marshal(map[string]any{string(c.Op): c.Values})
	default:
		return json.Marshal(map[string]any{string(c.Op): c.Value})
	}
}

// UnmarshalJSON accepts both literal and operator-object forms.
func (c *Condition) UnmarshalJSON(b []byte) error {
	var raw any
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}
	parsed, err := parseCondition(raw)
	if err != nil {
		return err
	}
	*c = parsed
	return nil
}
