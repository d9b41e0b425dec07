package points

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"time"
)

// Value is a typed point value. The zero Value is null.
type Value struct {
	kind  DataType
	null  bool
	b     bool
	i     int64
	f     float64
	s     string
	isSet bool
}

// Null returns the null value.
func Null() Value { return Value{null: true} }

// Bool builds a bool value.
func Bool(v bool) Value { return Value{kind: TypeBool, b: v, isSet: true} }

// Int builds an int value.
func Int(v int64) Value { return Value{kind: TypeInt, i: v, isSet: true} }

// Float builds a double value.
func Float(v float64) Value { return Value{kind: TypeDouble, f: v, isSet: true} }

// String builds a string value.
func String(v string) Value { return Value{kind: TypeString, s: v, isSet: true} }

// IsNull reports whether the value carries no data.
func (v Value) IsNull() bool { return v.null || !v.isSet }

// Kind returns the value's data type; null values report empty.
func (v Value) Kind() DataType {
	if v.IsNull() {
		return ""
	}
	return v.kind
}

// AsFloat converts numeric and bool values to float64.
func (v Value) AsFloat() (float64, bool) {
	if v.IsNull() {
		return 0, false
	}
	switch v.kind {
	case TypeInt:
		return float64(v.i), true
	case TypeFloat, TypeDouble:
		return v.f, true
	case TypeBool:
		if v.b {
			return 1, true
		}
		return 0, true
	default:
		return 0, false
	}
}

// AsBool converts bool and numeric values to a truth value.
func (v Value) AsBool() (bool, bool) {
	if v.IsNull() {
		return false, false
	}
	switch v.kind {
	case TypeBool:
		return v.b, true
	case TypeInt:
		return v.i != 0, true
	case TypeFloat, TypeDouble:
		return v.f != 0, true
	default:
		return false, false
	}
}

// AsString returns the string payload of a string value.
func (v Value) AsString() (string, bool) {
	if v.IsNull() || v.kind != TypeString {
		return "", false
	}
	return v.s, true
}

// Native returns the value as a plain Go value for script environments
// and JSON encoding. Null maps to nil.
func (v Value) Native() any {
	if v.IsNull() {
		return nil
	}
	switch v.kind {
	case TypeBool:
		return v.b
	case TypeInt:
		return v.i
	case TypeFloat, TypeDouble:
		return v.f
	case TypeString:
		return v.s
	default:
		return nil
	}
}

// Equal reports whether two values carry identical data.
func (v Value) Equal(other Value) bool {
	if v.IsNull() || other.IsNull() {
		return v.IsNull() == other.IsNull()
	}
	if v.kind != other.kind {
		// int 3 and double 3.0 are distinct stored values.
		return false
	}
	switch v.kind {
	case TypeBool:
		return v.b == other.b
	case TypeInt:
		return v.i == other.i
	case TypeFloat, TypeDouble:
		return v.f == other.f
	case TypeString:
		return v.s == other.s
	default:
		return false
	}
}

// String implements fmt.Stringer for logging.
func (v Value) String() string {
	if v.IsNull() {
		return "null"
	}
	switch v.kind {
	case TypeBool:
		return strconv.FormatBool(v.b)
	case TypeInt:
		return strconv.FormatInt(v.i, 10)
	case TypeFloat, TypeDouble:
		return strconv.FormatFloat(v.f, 'g', -1, 64)
	case TypeString:
		return v.s
	default:
		return "null"
	}
}

// MarshalJSON encodes the value as its native JSON form; null values
// encode as JSON null.
func (v Value) MarshalJSON() ([]byte, error) {
	return json.Marshal(v.Native())
}

// UnmarshalJSON decodes a native JSON value. Whole numbers decode as
// int values, everything else keeps its JSON type.
func (v *Value) UnmarshalJSON(data []byte) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var raw any
	if err := dec.Decode(&raw); err != nil {
		return err
	}
	if num, ok := raw.(json.Number); ok {
		if i, err := num.Int64(); err == nil {
			*v = Int(i)
			return nil
		}
		f, err := num.Float64()
		if err != nil {
			return err
		}
		*v = Float(f)
		return nil
	}
	parsed, err := FromNative(raw)
	if err != nil {
		return err
	}
	*v = parsed
	return nil
}

// ZeroOf returns the zero value for a data type (return_zero policy).
func ZeroOf(t DataType) Value {
	switch t {
	case TypeBool:
		return Bool(false)
	case TypeInt:
		return Int(0)
	case TypeFloat, TypeDouble:
		return Float(0)
	case TypeString:
		return String("")
	default:
		return Null()
	}
}

// FromNative builds a Value from a plain Go value produced by the
// script VM or a JSON decoder.
func FromNative(raw any) (Value, error) {
	switch v := raw.(type) {
	case nil:
		return Null(), nil
	case bool:
		return Bool(v), nil
	case int:
		return Int(int64(v)), nil
	case int32:
		return Int(int64(v)), nil
	case int64:
		return Int(v), nil
	case float32:
		return Float(float64(v)), nil
	case float64:
		return Float(v), nil
	case string:
		return String(v), nil
	default:
		return Null(), fmt.Errorf("unsupported value type %T", raw)
	}
}

// Coerce normalizes a value to the declared data type. The returned
// bool reports whether a lossy numeric coercion happened (float result
// truncated into an int point). A string result into a numeric point,
// or a numeric result into a string point, is a hard failure.
func (v Value) Coerce(t DataType) (Value, bool, error) {
	if v.IsNull() {
		return Null(), false, nil
	}
	switch t {
	case TypeBool:
		b, ok := v.AsBool()
		if !ok {
			return Null(), false, fmt.Errorf("cannot coerce %s result to bool", v.kind)
		}
		return Bool(b), v.kind != TypeBool, nil
	case TypeInt:
		if v.kind == TypeString {
			return Null(), false, fmt.Errorf("string result for int point")
		}
		f, ok := v.AsFloat()
		if !ok {
			return Null(), false, fmt.Errorf("cannot coerce %s result to int", v.kind)
		}
		truncated := math.Trunc(f)
		return Int(int64(truncated)), truncated != f, nil
	case TypeFloat, TypeDouble:
		if v.kind == TypeString {
			return Null(), false, fmt.Errorf("string result for %s point", t)
		}
		f, ok := v.AsFloat()
		if !ok {
			return Null(), false, fmt.Errorf("cannot coerce %s result to %s", v.kind, t)
		}
		return Float(f), false, nil
	case TypeString:
		s, ok := v.AsString()
		if !ok {
			return Null(), false, fmt.Errorf("%s result for string point", v.kind)
		}
		return String(s), false, nil
	default:
		return Null(), false, fmt.Errorf("unknown data type %q", t)
	}
}

// CurrentValue is the engine-owned live state of a point.
type CurrentValue struct {
	PointID   string    `json:"point_id"`
	Value     Value     `json:"value"`
	Quality   Quality   `json:"quality"`
	Timestamp time.Time `json:"timestamp"`

	// Health bookkeeping for derived points.
	LastDuration   time.Duration `json:"last_duration_ns"`
	AvgDuration    time.Duration `json:"avg_duration_ns"`
	EvalCount      uint64        `json:"eval_count"`
	ErrorCount     uint64        `json:"error_count"`
	LastError      string        `json:"last_error,omitempty"`
	StaleThreshold time.Duration `json:"stale_threshold_ns,omitempty"`
}

// StaleAt reports whether the value must be re-derived before being
// trusted at the given instant.
func (c CurrentValue) StaleAt(now time.Time) bool {
	if c.StaleThreshold <= 0 || c.Timestamp.IsZero() {
		return false
	}
	return now.Sub(c.Timestamp) > c.StaleThreshold
}
