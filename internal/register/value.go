// Package register implements the named register store of a Cyphal node:
// typed values with cross-type conversion, layering of defaults, register
// files and environment variables, and the standard network register
// service (uavcan.register.List / uavcan.register.Access).
package register

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// ErrValueConversion indicates a value cannot be converted to the stored
// type of a register.
var ErrValueConversion = errors.New("incompatible register value conversion")

// Kind enumerates the value types of uavcan.register.Value.1.0.
type Kind uint8

const (
	// KindEmpty is the unset option.
	KindEmpty Kind = iota
	// KindString is a UTF-8 text value.
	KindString
	// KindUnstructured is an opaque byte string.
	KindUnstructured
	// KindBit is a boolean array.
	KindBit
	// KindInt8 through KindInt64 are signed integer arrays.
	KindInt8
	KindInt16
	KindInt32
	KindInt64
	// KindNatural8 through KindNatural64 are unsigned integer arrays.
	KindNatural8
	KindNatural16
	KindNatural32
	KindNatural64
	// KindReal16 through KindReal64 are floating point arrays. Real16
	// values are stored as float64 and narrowed at the wire boundary by the
	// DSDL codec.
	KindReal16
	KindReal32
	KindReal64
)

// String returns the DSDL field name of the kind.
func (k Kind) String() string {
	switch k {
	case KindEmpty:
		return "empty"
	case KindString:
		return "string"
	case KindUnstructured:
		return "unstructured"
	case KindBit:
		return "bit"
	case KindInt8:
		return "integer8"
	case KindInt16:
		return "integer16"
	case KindInt32:
		return "integer32"
	case KindInt64:
		return "integer64"
	case KindNatural8:
		return "natural8"
	case KindNatural16:
		return "natural16"
	case KindNatural32:
		return "natural32"
	case KindNatural64:
		return "natural64"
	case KindReal16:
		return "real16"
	case KindReal32:
		return "real32"
	case KindReal64:
		return "real64"
	default:
		return "unknown"
	}
}

// isNumeric reports whether values of the kind are element-wise convertible
// with other numeric kinds.
func (k Kind) isNumeric() bool {
	return k >= KindBit && k <= KindReal64
}

// Value is a register value: a tagged union over the types of
// uavcan.register.Value.1.0. The zero Value is empty.
type Value struct {
	kind  Kind
	bits  []bool
	ints  []int64
	reals []float64
	bytes []byte // string and unstructured payloads
}

// Constructors.

// NewString creates a string value.
func NewString(s string) Value { return Value{kind: KindString, bytes: []byte(s)} }

// NewUnstructured creates an opaque byte-string value.
func NewUnstructured(b []byte) Value {
	return Value{kind: KindUnstructured, bytes: append([]byte(nil), b...)}
}

// NewBit creates a boolean array value.
func NewBit(v ...bool) Value { return Value{kind: KindBit, bits: append([]bool(nil), v...)} }

// NewInt creates a signed integer array value of the given width kind.
func NewInt(kind Kind, v ...int64) Value {
	return Value{kind: kind, ints: append([]int64(nil), v...)}
}

// NewNatural16 creates a natural16 array value.
func NewNatural16(v ...uint64) Value {
	out := Value{kind: KindNatural16}
	for _, x := range v {
		out.ints = append(out.ints, int64(x))
	}
	return out
}

// NewNatural8 creates a natural8 array value.
func NewNatural8(v ...uint64) Value {
	out := Value{kind: KindNatural8}
	for _, x := range v {
		out.ints = append(out.ints, int64(x))
	}
	return out
}

// NewReal64 creates a real64 array value.
func NewReal64(v ...float64) Value {
	return Value{kind: KindReal64, reals: append([]float64(nil), v...)}
}

// Kind returns the kind tag.
func (v Value) Kind() Kind { return v.kind }

// IsEmpty reports whether the value is the empty option.
func (v Value) IsEmpty() bool { return v.kind == KindEmpty }

// String renders the value for humans and for environment-variable
// round-tripping: raw text for strings, whitespace-separated decimals for
// numeric arrays.
func (v Value) String() string {
	switch {
	case v.kind == KindString || v.kind == KindUnstructured:
		return string(v.bytes)
	case v.kind == KindBit:
		parts := make([]string, len(v.bits))
		for i, b := range v.bits {
			parts[i] = "0"
			if b {
				parts[i] = "1"
			}
		}
		return strings.Join(parts, " ")
	case v.kind.isNumeric():
		parts := make([]string, 0, len(v.ints)+len(v.reals))
		for _, x := range v.numeric() {
			parts = append(parts, strconv.FormatFloat(x, 'g', -1, 64))
		}
		return strings.Join(parts, " ")
	default:
		return ""
	}
}

// Bytes returns the raw payload of string and unstructured values.
func (v Value) Bytes() []byte { return append([]byte(nil), v.bytes...) }

// Bools returns the value as booleans (nonzero means true).
func (v Value) Bools() []bool {
	if v.kind == KindBit {
		return append([]bool(nil), v.bits...)
	}
	nums := v.numeric()
	out := make([]bool, len(nums))
	for i, x := range nums {
		out[i] = x != 0
	}
	return out
}

// Ints returns the value as signed integers, truncating reals.
func (v Value) Ints() []int64 {
	nums := v.numeric()
	out := make([]int64, len(nums))
	for i, x := range nums {
		out[i] = int64(x)
	}
	return out
}

// Uints returns the value as unsigned integers; negatives clamp to zero.
func (v Value) Uints() []uint64 {
	nums := v.numeric()
	out := make([]uint64, len(nums))
	for i, x := range nums {
		if x > 0 {
			out[i] = uint64(x)
		}
	}
	return out
}

// Reals returns the value as floats.
func (v Value) Reals() []float64 { return v.numeric() }

// numeric widens any numeric payload to float64.
func (v Value) numeric() []float64 {
	switch {
	case v.kind == KindBit:
		out := make([]float64, len(v.bits))
		for i, b := range v.bits {
			if b {
				out[i] = 1
			}
		}
		return out
	case len(v.reals) > 0 || v.kind == KindReal16 || v.kind == KindReal32 || v.kind == KindReal64:
		return append([]float64(nil), v.reals...)
	default:
		out := make([]float64, len(v.ints))
		for i, x := range v.ints {
			out[i] = float64(x)
		}
		return out
	}
}

// elementCount returns the array length of the value.
func (v Value) elementCount() int {
	switch {
	case v.kind == KindString || v.kind == KindUnstructured:
		return len(v.bytes)
	case v.kind == KindBit:
		return len(v.bits)
	case v.kind == KindReal16 || v.kind == KindReal32 || v.kind == KindReal64:
		return len(v.reals)
	default:
		return len(v.ints)
	}
}

// Convert coerces source into the type of target, respecting the target's
// stored kind. Returns an error when the kinds are incompatible or the
// array lengths differ. The conversion rules follow the register protocol:
// same kind always converts; string and unstructured interconvert; numeric
// kinds (including bit) interconvert element-wise when lengths match.
func Convert(target, source Value) (Value, error) {
	if source.kind == target.kind {
		return source, nil
	}
	switch {
	case target.kind == KindString && source.kind == KindUnstructured:
		return Value{kind: KindString, bytes: source.Bytes()}, nil
	case target.kind == KindUnstructured && source.kind == KindString:
		return Value{kind: KindUnstructured, bytes: source.Bytes()}, nil
	case target.kind.isNumeric() && source.kind.isNumeric():
		if target.elementCount() != source.elementCount() {
			return Value{}, fmt.Errorf(
				"element count %d != %d: %w",
				source.elementCount(), target.elementCount(), ErrValueConversion,
			)
		}
		return reshapeNumeric(target.kind, source), nil
	default:
		return Value{}, fmt.Errorf(
			"cannot convert %s to %s: %w", source.kind, target.kind, ErrValueConversion,
		)
	}
}

// reshapeNumeric re-tags a numeric payload under the given kind.
func reshapeNumeric(kind Kind, source Value) Value {
	switch kind {
	case KindBit:
		return Value{kind: kind, bits: source.Bools()}
	case KindReal16, KindReal32, KindReal64:
		return Value{kind: kind, reals: source.Reals()}
	default:
		return Value{kind: kind, ints: source.Ints()}
	}
}

// ParseEnvironment parses an environment-variable string into a value of
// the given kind: raw bytes for strings and unstructured values,
// whitespace-separated decimals for numeric arrays.
func ParseEnvironment(kind Kind, raw string) (Value, error) {
	switch kind {
	case KindString:
		return NewString(raw), nil
	case KindUnstructured:
		return NewUnstructured([]byte(raw)), nil
	}
	fields := strings.Fields(raw)
	out := Value{kind: kind}
	for _, f := range fields {
		switch kind {
		case KindBit:
			x, err := strconv.ParseUint(f, 10, 64)
			if err != nil {
				return Value{}, fmt.Errorf("parse %q as %s: %w", f, kind, ErrValueConversion)
			}
			out.bits = append(out.bits, x != 0)
		case KindReal16, KindReal32, KindReal64:
			x, err := strconv.ParseFloat(f, 64)
			if err != nil {
				return Value{}, fmt.Errorf("parse %q as %s: %w", f, kind, ErrValueConversion)
			}
			out.reals = append(out.reals, x)
		default:
			x, err := strconv.ParseInt(f, 10, 64)
			if err != nil {
				return Value{}, fmt.Errorf("parse %q as %s: %w", f, kind, ErrValueConversion)
			}
			out.ints = append(out.ints, x)
		}
	}
	return out, nil
}
