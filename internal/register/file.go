package register

import (
	"fmt"
	"strings"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// LoadFile reads a YAML register file and returns the register values keyed
// by name. Environment variables are not consulted here; the registry
// itself overlays them per register with kind-aware parsing when the
// registers are created. Nested YAML maps flatten into dotted register
// names:
//
//	uavcan:
//	  node:
//	    id: 42
//
// yields {"uavcan.node.id": 42}. Scalar types map as
// follows: booleans to bit, integers to integer64, floats to real64,
// strings to string; arrays map element-wise.
//
// Uses koanf with the file provider and the YAML parser.
func LoadFile(path string) (map[string]Value, error) {
	k := koanf.New(".")
	if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
		return nil, fmt.Errorf("load register file %s: %w", path, err)
	}

	out := make(map[string]Value)
	for key, raw := range k.All() {
		v, err := valueFromAny(raw)
		if err != nil {
			return nil, fmt.Errorf("register file %s: key %q: %w", path, key, err)
		}
		out[key] = v
	}
	return out, nil
}

// ApplyFile loads the register file and seeds the registry with its values
// as mutable persistent registers.
func ApplyFile(r *Registry, path string) error {
	values, err := LoadFile(path)
	if err != nil {
		return err
	}
	for name, v := range values {
		if _, err := r.SetDefault(name, v, Flags{Mutable: true, Persistent: true}); err != nil {
			return err
		}
	}
	return nil
}

// valueFromAny converts a decoded YAML value into a register value.
func valueFromAny(raw any) (Value, error) {
	switch x := raw.(type) {
	case bool:
		return NewBit(x), nil
	case int:
		return NewInt(KindInt64, int64(x)), nil
	case int64:
		return NewInt(KindInt64, x), nil
	case float64:
		return NewReal64(x), nil
	case string:
		// Environment overlay values arrive as strings; numeric-looking
		// content stays a string register, matching the raw-bytes rule.
		return NewString(x), nil
	case []any:
		return valueFromSlice(x)
	default:
		return Value{}, fmt.Errorf("unsupported value type %T: %w", raw, ErrValueConversion)
	}
}

func valueFromSlice(xs []any) (Value, error) {
	if len(xs) == 0 {
		return NewInt(KindInt64), nil
	}
	switch xs[0].(type) {
	case bool:
		var out []bool
		for _, e := range xs {
			b, ok := e.(bool)
			if !ok {
				return Value{}, fmt.Errorf("mixed array element types: %w", ErrValueConversion)
			}
			out = append(out, b)
		}
		return NewBit(out...), nil
	case string:
		var parts []string
		for _, e := range xs {
			s, ok := e.(string)
			if !ok {
				return Value{}, fmt.Errorf("mixed array element types: %w", ErrValueConversion)
			}
			parts = append(parts, s)
		}
		return NewString(strings.Join(parts, " ")), nil
	default:
		var ints []int64
		var reals []float64
		allInts := true
		for _, e := range xs {
			switch n := e.(type) {
			case int:
				ints = append(ints, int64(n))
				reals = append(reals, float64(n))
			case int64:
				ints = append(ints, n)
				reals = append(reals, float64(n))
			case float64:
				allInts = false
				reals = append(reals, n)
			default:
				return Value{}, fmt.Errorf("unsupported array element type %T: %w", e, ErrValueConversion)
			}
		}
		if allInts {
			return NewInt(KindInt64, ints...), nil
		}
		return NewReal64(reals...), nil
	}
}
