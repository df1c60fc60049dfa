package condition

import (
	"encoding/json"
	"math"
	"reflect"
	"strconv"
	"strings"
)

// Comparator names a comparison operator
type Comparator string

const (
	Eq  Comparator = "eq"
	Neq Comparator = "neq"
	Lt  Comparator = "lt"
	Lte Comparator = "lte"
	Gt  Comparator = "gt"
	Gte Comparator = "gte"
)

// CompareFunc compares a resolved left value with a resolved right value
type CompareFunc func(a, b any) bool

var operators = map[Comparator]CompareFunc{
	Eq:  LooseEqual,
	Neq: func(a, b any) bool { return !LooseEqual(a, b) },
	Lt:  func(a, b any) bool { return relate(a, b, func(c int) bool { return c < 0 }) },
	Lte: func(a, b any) bool { return relate(a, b, func(c int) bool { return c <= 0 }) },
	Gt:  func(a, b any) bool { return relate(a, b, func(c int) bool { return c > 0 }) },
	Gte: func(a, b any) bool { return relate(a, b, func(c int) bool { return c >= 0 }) },
}

// Operator returns the function for name. Unknown names get a function that
// always reports false.
func Operator(name Comparator) CompareFunc {
	if fn, ok := operators[name]; ok {
		return fn
	}
	return func(any, any) bool { return false }
}

// Known reports whether name is a supported comparator
func Known(name Comparator) bool {
	_, ok := operators[name]
	return ok
}

// Compare applies the named comparator to a and b
func Compare(name Comparator, a, b any) bool {
	return Operator(name)(a, b)
}

// LooseEqual implements abstract equality: values of different primitive
// types are coerced to numbers before comparing, nil only equals nil. Maps
// and slices are only equal to themselves; against a primitive they compare
// by their JSON text.
func LooseEqual(a, b any) bool {
	a, b = normalize(a), normalize(b)
	if a == nil || b == nil {
		return a == nil && b == nil
	}

	ao, aObj := a.(object)
	bo, bObj := b.(object)
	switch {
	case aObj && bObj:
		return ao.same(bo)
	case aObj:
		return LooseEqual(ao.text(), b)
	case bObj:
		return LooseEqual(a, bo.text())
	}

	switch x := a.(type) {
	case string:
		switch y := b.(type) {
		case string:
			return x == y
		case float64:
			return ToNumber(x) == y
		case bool:
			return ToNumber(x) == ToNumber(y)
		}
	case float64:
		switch y := b.(type) {
		case float64:
			return x == y
		case string, bool:
			return x == ToNumber(y)
		}
	case bool:
		switch y := b.(type) {
		case bool:
			return x == y
		case string, float64:
			return ToNumber(x) == ToNumber(y)
		}
	}
	return false
}

// relate implements the relational operators: two strings compare
// lexicographically, anything else numerically, and NaN never relates.
func relate(a, b any, ok func(int) bool) bool {
	a, b = primitive(normalize(a)), primitive(normalize(b))
	if x, isStr := a.(string); isStr {
		if y, isStr := b.(string); isStr {
			return ok(strings.Compare(x, y))
		}
	}

	x, y := ToNumber(a), ToNumber(b)
	if math.IsNaN(x) || math.IsNaN(y) {
		return false
	}
	switch {
	case x < y:
		return ok(-1)
	case x > y:
		return ok(1)
	default:
		return ok(0)
	}
}

// ToNumber converts a value the way numeric coercion does: booleans become
// 0/1, blank strings 0, unparsable strings and nil NaN.
func ToNumber(v any) float64 {
	switch x := normalize(v).(type) {
	case float64:
		return x
	case bool:
		if x {
			return 1
		}
		return 0
	case string:
		return parseNumber(x)
	case object:
		return parseNumber(x.text())
	default:
		return math.NaN()
	}
}

func parseNumber(s string) float64 {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0
	}
	switch s {
	case "Infinity", "+Infinity":
		return math.Inf(1)
	case "-Infinity":
		return math.Inf(-1)
	}

	lower := strings.ToLower(s)
	if len(lower) > 2 && lower[0] == '0' {
		base := 0
		switch lower[1] {
		case 'x':
			base = 16
		case 'o':
			base = 8
		case 'b':
			base = 2
		}
		if base != 0 {
			n, err := strconv.ParseUint(lower[2:], base, 64)
			if err != nil {
				return math.NaN()
			}
			return float64(n)
		}
	}

	if strings.ContainsAny(lower, "xpn_") || strings.Contains(lower, "inf") {
		return math.NaN()
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return math.NaN()
	}
	return f
}

// object holds a map, slice or other composite value
type object struct{ v any }

// same reports identity: both sides refer to the same map or slice
func (o object) same(other object) bool {
	a, b := reflect.ValueOf(o.v), reflect.ValueOf(other.v)
	if a.Kind() != b.Kind() || a.Type() != b.Type() {
		return false
	}
	switch a.Kind() {
	case reflect.Map, reflect.Pointer:
		return a.Pointer() == b.Pointer()
	case reflect.Slice:
		return a.Pointer() == b.Pointer() && a.Len() == b.Len()
	default:
		return false
	}
}

func (o object) text() string {
	raw, err := json.Marshal(o.v)
	if err != nil {
		return ""
	}
	return string(raw)
}

func primitive(v any) any {
	if o, ok := v.(object); ok {
		return o.text()
	}
	return v
}

// normalize folds Go numeric kinds into float64 so the comparators only see
// nil, string, float64, bool and object.
func normalize(v any) any {
	switch x := v.(type) {
	case nil, string, float64, bool, object:
		return x
	case int:
		return float64(x)
	case int8:
		return float64(x)
	case int16:
		return float64(x)
	case int32:
		return float64(x)
	case int64:
		return float64(x)
	case uint:
		return float64(x)
	case uint8:
		return float64(x)
	case uint16:
		return float64(x)
	case uint32:
		return float64(x)
	case uint64:
		return float64(x)
	case float32:
		return float64(x)
	case interface{ String() string }:
		return x.String()
	default:
		return object{x}
	}
}
