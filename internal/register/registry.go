package register

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/v2"
)

// Sentinel errors of the registry.
var (
	// ErrMissingRegister indicates the named register does not exist.
	ErrMissingRegister = errors.New("register does not exist")

	// ErrImmutableRegister indicates a direct write to an immutable
	// register. The network Access endpoint swallows this error and returns
	// the unchanged state instead, per the register protocol.
	ErrImmutableRegister = errors.New("register is immutable")
)

// Flags describe a register's mutability and persistence.
type Flags struct {
	// Mutable registers accept writes.
	Mutable bool

	// Persistent registers survive node restarts (they are backed by the
	// register file rather than held in memory only).
	Persistent bool
}

// entry is one register: either a static value or a dynamic getter/setter
// pair bridging to live configuration.
type entry struct {
	name  string
	flags Flags

	value Value // Static entries only.

	get func() Value     // Dynamic entries only.
	set func(Value) bool // Nil for immutable dynamic entries.
}

func (e *entry) read() Value {
	if e.get != nil {
		return e.get()
	}
	return e.value
}

// Registry is the ordered named register store of a node. Names are kept in
// insertion order for the index-based List endpoint. The environment overlay
// is applied at creation time: when a register is first created via
// SetDefault, a matching environment variable overrides the default.
//
// The registry is the only process-wide state of the stack besides the
// logger; it is always passed in explicitly.
type Registry struct {
	mu      sync.Mutex
	order   []string
	entries map[string]*entry
	environ map[string]string // register name -> raw environment value
	logger  *slog.Logger
}

// RegistryOption configures optional Registry parameters.
type RegistryOption func(*Registry)

// WithRegistryLogger sets the logger.
func WithRegistryLogger(logger *slog.Logger) RegistryOption {
	return func(r *Registry) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// WithEnvironment replaces the environment snapshot consulted by SetDefault.
// The map is keyed by register name (not by variable name). Intended for
// tests and for hosts where the process environment is not the right
// source.
func WithEnvironment(env map[string]string) RegistryOption {
	return func(r *Registry) {
		r.environ = env
	}
}

// NewRegistry creates a registry whose environment overlay is snapshotted
// from the process environment.
func NewRegistry(opts ...RegistryOption) *Registry {
	r := &Registry{
		entries: make(map[string]*entry),
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.environ == nil {
		r.environ = environmentSnapshot()
	}
	r.logger = r.logger.With(slog.String("component", "register"))
	return r
}

// environmentSnapshot maps the process environment back to register names:
// UAVCAN__NODE__ID=42 becomes {"uavcan.node.id": "42"}. Only variables
// following the double-underscore register naming convention participate.
func environmentSnapshot() map[string]string {
	k := koanf.New(".")
	_ = k.Load(env.Provider("", ".", func(s string) string {
		if !strings.Contains(s, "__") {
			return "" // Skipped by the provider.
		}
		return RegisterNameFromEnvironment(s)
	}), nil)
	out := make(map[string]string)
	for key, raw := range k.All() {
		if s, ok := raw.(string); ok {
			out[key] = s
		}
	}
	return out
}

// Names returns the register names in insertion order.
func (r *Registry) Names() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.order...)
}

// Index returns the register name at the given index, or the empty string
// when out of range. This backs the network List endpoint.
func (r *Registry) Index(i int) string {
	r.mu.Lock()
	defer r.mu.Unlock()
	if i < 0 || i >= len(r.order) {
		return ""
	}
	return r.order[i]
}

// Get returns the register value and flags. The second return is false when
// the register does not exist.
func (r *Registry) Get(name string) (Value, Flags, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[name]
	if !ok {
		return Value{}, Flags{}, false
	}
	return e.read(), e.flags, true
}

// Set writes the register, converting the supplied value to the stored
// type. Returns ErrMissingRegister for unknown names, ErrImmutableRegister
// for immutable registers, and ErrValueConversion when the conversion is
// not possible; the stored value is unchanged in every error case.
func (r *Registry) Set(name string, v Value) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[name]
	if !ok {
		return fmt.Errorf("set %q: %w", name, ErrMissingRegister)
	}
	if !e.flags.Mutable {
		return fmt.Errorf("set %q: %w", name, ErrImmutableRegister)
	}
	converted, err := Convert(e.read(), v)
	if err != nil {
		return fmt.Errorf("set %q: %w", name, err)
	}
	if e.set != nil {
		if !e.set(converted) {
			return fmt.Errorf("set %q: %w", name, ErrImmutableRegister)
		}
		return nil
	}
	e.value = converted
	return nil
}

// SetDefault creates the register with the given default value unless it
// already exists, applying the environment overlay: a matching environment
// variable overrides the default, parsed according to the default's kind.
// Returns the effective value.
func (r *Registry) SetDefault(name string, def Value, flags Flags) (Value, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.entries[name]; ok {
		return e.read(), nil
	}
	value := def
	if raw, ok := r.environ[name]; ok {
		parsed, err := ParseEnvironment(def.Kind(), raw)
		if err != nil {
			return Value{}, fmt.Errorf("register %q from %s: %w",
				name, EnvironmentVariableName(name), err)
		}
		converted, err := Convert(def, parsed)
		if err != nil {
			return Value{}, fmt.Errorf("register %q from %s: %w",
				name, EnvironmentVariableName(name), err)
		}
		value = converted
		r.logger.Debug("register overridden from environment",
			slog.String("name", name),
		)
	}
	r.createLocked(&entry{name: name, flags: flags, value: value})
	return value, nil
}

// SetDynamic creates a register backed by a getter and an optional setter.
// A nil setter makes the register immutable. Replaces any existing register
// of the same name.
func (r *Registry) SetDynamic(name string, get func() Value, set func(Value) bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e := &entry{
		name:  name,
		flags: Flags{Mutable: set != nil},
		get:   get,
		set:   set,
	}
	if old, ok := r.entries[name]; ok {
		*old = *e
		return
	}
	r.createLocked(e)
}

// Delete removes every register whose name matches the given prefix.
func (r *Registry) Delete(prefix string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	kept := r.order[:0]
	for _, name := range r.order {
		if strings.HasPrefix(name, prefix) {
			delete(r.entries, name)
		} else {
			kept = append(kept, name)
		}
	}
	r.order = kept
}

func (r *Registry) createLocked(e *entry) {
	r.entries[e.name] = e
	r.order = append(r.order, e.name)
}

// EnvironmentVariableName maps a register name to its environment variable:
// uppercase with dots replaced by double underscores, e.g. uavcan.node.id
// becomes UAVCAN__NODE__ID.
func EnvironmentVariableName(register string) string {
	return strings.ToUpper(strings.ReplaceAll(register, ".", "__"))
}

// RegisterNameFromEnvironment is the inverse of EnvironmentVariableName.
func RegisterNameFromEnvironment(variable string) string {
	return strings.ToLower(strings.ReplaceAll(variable, "__", "."))
}
