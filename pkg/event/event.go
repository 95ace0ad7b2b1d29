// Package event defines RawEvent, the flat heterogeneous record the detection
// engine consumes.
package event

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"sort"
	"strconv"
)

// Kind tags the payload carried by a Value.
type Kind uint8

const (
	// KindIgnored marks values extraction skips: null, arrays, objects.
	KindIgnored Kind = iota
	KindText
	KindInt
	KindFloat
)

func (k Kind) String() string {
	switch k {
	case KindText:
		return "text"
	case KindInt:
		return "int"
	case KindFloat:
		return "float"
	default:
		return "ignored"
	}
}

// Value is a tagged scalar: exactly one of the payload fields is meaningful,
// selected by Kind.
type Value struct {
	kind Kind
	s    string
	i    int64
	f    float64
}

// Text wraps a string.
func Text(s string) Value { return Value{kind: KindText, s: s} }

// Int wraps an integer.
func Int(i int64) Value { return Value{kind: KindInt, i: i} }

// Float wraps a floating point number.
func Float(f float64) Value { return Value{kind: KindFloat, f: f} }

// Ignored returns a value extraction skips.
func Ignored() Value { return Value{} }

// Kind returns the payload tag.
func (v Value) Kind() Kind { return v.kind }

// Text returns the string payload and whether the value is text.
func (v Value) Text() (string, bool) { return v.s, v.kind == KindText }

// Int returns the integer payload and whether the value is an integer.
func (v Value) Int() (int64, bool) { return v.i, v.kind == KindInt }

// Float returns the float payload and whether the value is a float.
func (v Value) Float() (float64, bool) { return v.f, v.kind == KindFloat }

// Number returns the numeric payload of an int or float value.
func (v Value) Number() (float64, bool) {
	switch v.kind {
	case KindInt:
		return float64(v.i), true
	case KindFloat:
		return v.f, true
	default:
		return 0, false
	}
}

func (v Value) String() string {
	switch v.kind {
	case KindText:
		return v.s
	case KindInt:
		return strconv.FormatInt(v.i, 10)
	case KindFloat:
		return strconv.FormatFloat(v.f, 'g', -1, 64)
	default:
		return ""
	}
}

func (v Value) MarshalJSON() ([]byte, error) {
	switch v.kind {
	case KindText:
		return json.Marshal(v.s)
	case KindInt:
		return json.Marshal(v.i)
	case KindFloat:
		if math.IsNaN(v.f) || math.IsInf(v.f, 0) {
			return []byte("null"), nil
		}
		return json.Marshal(v.f)
	default:
		return []byte("null"), nil
	}
}

// UnmarshalJSON decodes any JSON value. Booleans become 1/0 integers;
// null, arrays and objects become ignored values.
func (v *Value) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 {
		*v = Ignored()
		return nil
	}

	switch data[0] {
	case '"':
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*v = Text(s)
	case 't':
		*v = Int(1)
	case 'f':
		*v = Int(0)
	case 'n', '[', '{':
		*v = Ignored()
	default:
		*v = ParseNumber(string(data))
		if v.kind == KindIgnored {
			return fmt.Errorf("invalid number %q", data)
		}
	}
	return nil
}

// ParseNumber converts a numeric literal, preferring an integer. Literals
// beyond float64 range become ±Inf. Non-numeric input yields an ignored
// value.
func ParseNumber(s string) Value {
	if i, err := strconv.ParseInt(s, 10, 64); err == nil {
		return Int(i)
	}
	f, err := strconv.ParseFloat(s, 64)
	if err == nil || errors.Is(err, strconv.ErrRange) {
		return Float(f)
	}
	return Ignored()
}

// Infer types a raw string the way tabular sources need: numbers become
// numeric values, everything else stays text.
func Infer(s string) Value {
	if v := ParseNumber(s); v.kind != KindIgnored {
		return v
	}
	return Text(s)
}

// RawEvent is an unordered mapping from field name to scalar value.
type RawEvent map[string]Value

// Keys returns field names in lexicographic order, the stable iteration
// order every extractor uses.
func (e RawEvent) Keys() []string {
	keys := make([]string, 0, len(e))
	for k := range e {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// TextValues returns the text-valued fields in key order.
func (e RawEvent) TextValues() []string {
	out := make([]string, 0, len(e))
	for _, k := range e.Keys() {
		if s, ok := e[k].Text(); ok {
			out = append(out, s)
		}
	}
	return out
}

// Clone returns a shallow copy; values are immutable so this is a full copy.
func (e RawEvent) Clone() RawEvent {
	out := make(RawEvent, len(e))
	for k, v := range e {
		out[k] = v
	}
	return out
}

// Decode parses a flat JSON object into a RawEvent.
func Decode(data []byte) (RawEvent, error) {
	var e RawEvent
	if err := json.Unmarshal(data, &e); err != nil {
		return nil, fmt.Errorf("decode event: %w", err)
	}
	if e == nil {
		e = RawEvent{}
	}
	return e, nil
}

// FromMap converts loosely typed Go values, e.g. from a YAML decoder.
func FromMap(m map[string]any) RawEvent {
	e := make(RawEvent, len(m))
	for k, raw := range m {
		e[k] = FromAny(raw)
	}
	return e
}

// FromAny wraps a Go scalar into a Value.
func FromAny(raw any) Value {
	switch x := raw.(type) {
	case string:
		return Text(x)
	case bool:
		if x {
			return Int(1)
		}
		return Int(0)
	case int:
		return Int(int64(x))
	case int8:
		return Int(int64(x))
	case int16:
		return Int(int64(x))
	case int32:
		return Int(int64(x))
	case int64:
		return Int(x)
	case uint:
		return Int(int64(x))
	case uint8:
		return Int(int64(x))
	case uint16:
		return Int(int64(x))
	case uint32:
		return Int(int64(x))
	case uint64:
		return Int(int64(x))
	case float32:
		return Float(float64(x))
	case float64:
		return Float(x)
	case json.Number:
		return ParseNumber(x.String())
	default:
		return Ignored()
	}
}
