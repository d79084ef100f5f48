package command

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"unicode"
)

var (
	// ErrDuplicateTrigger is returned when a trigger or alias is already registered.
	ErrDuplicateTrigger = errors.New("duplicate trigger")
	// ErrInvalidDefinition is returned for definitions that can never be dispatched.
	ErrInvalidDefinition = errors.New("invalid command definition")
	// ErrRegistrySealed is returned by Register after Seal.
	ErrRegistrySealed = errors.New("command registry sealed")
)

// DefaultPrefix marks chat text as a command.
const DefaultPrefix = "!"

// Registry maps triggers and aliases to Definitions. Registration happens at
// startup; after Seal the registry is read-only and lookups take no lock.
type Registry struct {
	prefix string

	mu     sync.RWMutex
	sealed atomic.Bool
	defs   map[string]Definition // by canonical trigger
	names  map[string]string     // trigger or alias -> canonical trigger
}

// NewRegistry returns an empty registry using prefix (DefaultPrefix when empty).
func NewRegistry(prefix string) *Registry {
	if prefix == "" {
		prefix = DefaultPrefix
	}
	return &Registry{
		prefix: prefix,
		defs:   make(map[string]Definition),
		names:  make(map[string]string),
	}
}

// Prefix returns the command prefix.
func (r *Registry) Prefix() string { return r.prefix }

// NormalizeTrigger lower-cases name and strips surrounding space and the prefix.
func (r *Registry) NormalizeTrigger(name string) string {
	return strings.ToLower(strings.TrimPrefix(strings.TrimSpace(name), r.prefix))
}

// Register adds d. Nothing is added when an error is returned.
func (r *Registry) Register(d Definition) error {
	d.Trigger = r.NormalizeTrigger(d.Trigger)
	if err := validName(d.Trigger); err != nil {
		return fmt.Errorf("%w: trigger: %v", ErrInvalidDefinition, err)
	}
	if d.Handler == nil {
		return fmt.Errorf("%w: %q has no handler", ErrInvalidDefinition, d.Trigger)
	}
	if d.Cooldown < 0 {
		return fmt.Errorf("%w: %q has negative cooldown", ErrInvalidDefinition, d.Trigger)
	}
	aliases := make([]string, 0, len(d.Aliases))
	seen := map[string]bool{d.Trigger: true}
	for _, a := range d.Aliases {
		a = r.NormalizeTrigger(a)
		if err := validName(a); err != nil {
			return fmt.Errorf("%w: alias of %q: %v", ErrInvalidDefinition, d.Trigger, err)
		}
		if seen[a] {
			return fmt.Errorf("%w: %q repeated in %q", ErrDuplicateTrigger, a, d.Trigger)
		}
		seen[a] = true
		aliases = append(aliases, a)
	}
	d.Aliases = aliases

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.sealed.Load() {
		return ErrRegistrySealed
	}
	for _, n := range d.Names() {
		if owner, taken := r.names[n]; taken {
			return fmt.Errorf("%w: %q already registered by %q", ErrDuplicateTrigger, n, owner)
		}
	}
	r.defs[d.Trigger] = d
	for _, n := range d.Names() {
		r.names[n] = d.Trigger
	}
	return nil
}

// MustRegister calls Register and panics on error. Intended for static startup tables.
func (r *Registry) MustRegister(defs ...Definition) {
	for _, d := range defs {
		if err := r.Register(d); err != nil {
			panic(err)
		}
	}
}

// Seal ends registration.
func (r *Registry) Seal() {
	r.mu.Lock()
	r.sealed.Store(true)
	r.mu.Unlock()
}

// Sealed reports whether Seal has been called.
func (r *Registry) Sealed() bool { return r.sealed.Load() }

func (r *Registry) rlock() func() {
	if r.sealed.Load() {
		return func() {}
	}
	r.mu.RLock()
	return r.mu.RUnlock
}

// Resolve matches the first whitespace-delimited token of text against triggers
// and aliases. The token must start with the prefix; matching is case-insensitive.
// The remaining tokens are returned as arguments.
func (r *Registry) Resolve(text string) (Definition, []string, bool) {
	fields := strings.Fields(text)
	if len(fields) == 0 || !strings.HasPrefix(fields[0], r.prefix) {
		return Definition{}, nil, false
	}
	name := strings.ToLower(strings.TrimPrefix(fields[0], r.prefix))
	if name == "" {
		return Definition{}, nil, false
	}
	d, ok := r.Lookup(name)
	if !ok {
		return Definition{}, nil, false
	}
	return d, fields[1:], true
}

// Lookup finds a definition by trigger or alias (prefix optional).
func (r *Registry) Lookup(name string) (Definition, bool) {
	name = r.NormalizeTrigger(name)
	unlock := r.rlock()
	defer unlock()
	trigger, ok := r.names[name]
	if !ok {
		return Definition{}, false
	}
	return r.defs[trigger], true
}

// Has reports whether trigger is a registered canonical trigger.
func (r *Registry) Has(trigger string) bool {
	unlock := r.rlock()
	defer unlock()
	_, ok := r.defs[r.NormalizeTrigger(trigger)]
	return ok
}

// Triggers lists canonical triggers, sorted.
func (r *Registry) Triggers() []string {
	unlock := r.rlock()
	defer unlock()
	out := make([]string, 0, len(r.defs))
	for t := range r.defs {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}

// Definitions lists registered definitions sorted by trigger.
func (r *Registry) Definitions() []Definition {
	triggers := r.Triggers()
	unlock := r.rlock()
	defer unlock()
	out := make([]Definition, 0, len(triggers))
	for _, t := range triggers {
		out = append(out, r.defs[t])
	}
	return out
}

func validName(n string) error {
	if n == "" {
		return errors.New("empty")
	}
	for _, c := range n {
		if unicode.IsSpace(c) {
			return fmt.Errorf("%q contains whitespace", n)
		}
	}
	return nil
}
