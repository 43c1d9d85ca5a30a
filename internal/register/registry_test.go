package register_test

import (
	"errors"
	"testing"

	"github.com/dantte-lp/gocyphal/internal/register"
)

func TestRegistrySetDefaultAndEnvironmentOverlay(t *testing.T) {
	t.Parallel()

	reg := register.NewRegistry(register.WithEnvironment(map[string]string{
		"uavcan.node.id": "77",
	}))

	// The environment overrides the default, parsed per the default's kind.
	v, err := reg.SetDefault("uavcan.node.id", register.NewNatural16(0xFFFF),
		register.Flags{Mutable: true, Persistent: true})
	if err != nil {
		t.Fatalf("set default: %v", err)
	}
	if got := v.Uints(); len(got) != 1 || got[0] != 77 {
		t.Fatalf("value = %v, want [77]", got)
	}

	// A second SetDefault returns the existing value untouched.
	v, err = reg.SetDefault("uavcan.node.id", register.NewNatural16(5), register.Flags{})
	if err != nil {
		t.Fatalf("set default again: %v", err)
	}
	if got := v.Uints(); got[0] != 77 {
		t.Fatalf("value after second SetDefault = %v, want [77]", got)
	}

	// No environment entry: the default sticks.
	v, err = reg.SetDefault("uavcan.loopback", register.NewBit(true), register.Flags{Mutable: true})
	if err != nil {
		t.Fatalf("set default loopback: %v", err)
	}
	if got := v.Bools(); !got[0] {
		t.Fatalf("value = %v, want [true]", got)
	}
}

func TestRegistryIndexOrder(t *testing.T) {
	t.Parallel()

	reg := register.NewRegistry(register.WithEnvironment(map[string]string{}))
	names := []string{"b.second", "a.first", "c.third"}
	for _, name := range names {
		if _, err := reg.SetDefault(name, register.NewNatural16(0), register.Flags{Mutable: true}); err != nil {
			t.Fatalf("set default %s: %v", name, err)
		}
	}
	// Index follows insertion order, not lexicographic order.
	for i, want := range names {
		if got := reg.Index(i); got != want {
			t.Errorf("Index(%d) = %q, want %q", i, got, want)
		}
	}
	if got := reg.Index(len(names)); got != "" {
		t.Errorf("Index out of range = %q, want empty", got)
	}
	if got := reg.Index(-1); got != "" {
		t.Errorf("Index(-1) = %q, want empty", got)
	}
}

func TestRegistrySet(t *testing.T) {
	t.Parallel()

	reg := register.NewRegistry(register.WithEnvironment(map[string]string{}))
	if _, err := reg.SetDefault("m", register.NewNatural16(1), register.Flags{Mutable: true}); err != nil {
		t.Fatalf("set default: %v", err)
	}
	if _, err := reg.SetDefault("ro", register.NewString("fixed"), register.Flags{}); err != nil {
		t.Fatalf("set default: %v", err)
	}

	if err := reg.Set("m", register.NewReal64(9)); err != nil {
		t.Fatalf("set with conversion: %v", err)
	}
	v, _, ok := reg.Get("m")
	if !ok || v.Uints()[0] != 9 || v.Kind() != register.KindNatural16 {
		t.Fatalf("value after write = %v kind %s, want [9] natural16", v.Uints(), v.Kind())
	}

	if err := reg.Set("ro", register.NewString("x")); !errors.Is(err, register.ErrImmutableRegister) {
		t.Fatalf("write to immutable error = %v, want ErrImmutableRegister", err)
	}
	if v, _, _ := reg.Get("ro"); v.String() != "fixed" {
		t.Fatalf("immutable register changed to %q", v.String())
	}

	if err := reg.Set("missing", register.NewBit(true)); !errors.Is(err, register.ErrMissingRegister) {
		t.Fatalf("write to missing error = %v, want ErrMissingRegister", err)
	}

	if err := reg.Set("m", register.NewString("nope")); !errors.Is(err, register.ErrValueConversion) {
		t.Fatalf("incompatible write error = %v, want ErrValueConversion", err)
	}
}

func TestRegistryDynamic(t *testing.T) {
	t.Parallel()

	reg := register.NewRegistry(register.WithEnvironment(map[string]string{}))
	backing := register.NewNatural16(3)
	reg.SetDynamic("dyn",
		func() register.Value { return backing },
		func(v register.Value) bool { backing = v; return true },
	)
	v, flags, ok := reg.Get("dyn")
	if !ok || !flags.Mutable || v.Uints()[0] != 3 {
		t.Fatalf("dynamic read = (%v, %+v, %v)", v.Uints(), flags, ok)
	}
	if err := reg.Set("dyn", register.NewNatural16(8)); err != nil {
		t.Fatalf("dynamic write: %v", err)
	}
	if backing.Uints()[0] != 8 {
		t.Fatalf("dynamic setter not invoked, backing = %v", backing.Uints())
	}
}
