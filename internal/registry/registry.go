// Package registry is the static table of callable module functions. It is
// built once at startup; a (module, function) pair that is not in the table
// cannot be dispatched.
package registry

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"sort"
)

var namePattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]{0,63}$`)

// Handler executes one function call.
type Handler func(ctx context.Context, args Args) (any, error)

// CleanupFunc is run by the stale sweep. It returns counters describing what
// was reclaimed.
type CleanupFunc func(ctx context.Context) (map[string]int, error)

// ShutdownFunc is run once while the daemon stops.
type ShutdownFunc func(ctx context.Context) error

// Function describes one callable function. Params lists the parameter names
// in positional order; it drives binding of array and scalar params.
type Function struct {
	Name        string
	Params      []string
	Description string
	Handler     Handler
}

// Module groups functions under a name together with optional lifecycle hooks.
type Module struct {
	Name      string
	Functions []Function
	Cleanup   CleanupFunc
	Shutdown  ShutdownFunc
}

// Registry is immutable after New returns and safe for concurrent reads.
type Registry struct {
	modules map[string]*moduleEntry
	order   []string
}

type moduleEntry struct {
	module    Module
	functions map[string]Function
	names     []string
}

// New validates and indexes modules. reserved names (for the built-in
// pseudo-modules) cannot be registered.
func New(reserved []string, modules ...Module) (*Registry, error) {
	taken := make(map[string]bool, len(reserved))
	for _, name := range reserved {
		taken[name] = true
	}
	r := &Registry{modules: make(map[string]*moduleEntry, len(modules))}
	for _, m := range modules {
		if !namePattern.MatchString(m.Name) {
			return nil, fmt.Errorf("registry: invalid module name %q", m.Name)
		}
		if taken[m.Name] {
			return nil, fmt.Errorf("registry: module name %q is reserved", m.Name)
		}
		if _, dup := r.modules[m.Name]; dup {
			return nil, fmt.Errorf("registry: duplicate module %q", m.Name)
		}
		if len(m.Functions) == 0 {
			return nil, fmt.Errorf("registry: module %q has no functions", m.Name)
		}
		entry := &moduleEntry{module: m, functions: make(map[string]Function, len(m.Functions))}
		for _, fn := range m.Functions {
			if !namePattern.MatchString(fn.Name) {
				return nil, fmt.Errorf("registry: invalid function name %s.%q", m.Name, fn.Name)
			}
			if fn.Handler == nil {
				return nil, fmt.Errorf("registry: %s.%s has no handler", m.Name, fn.Name)
			}
			if _, dup := entry.functions[fn.Name]; dup {
				return nil, fmt.Errorf("registry: duplicate function %s.%s", m.Name, fn.Name)
			}
			entry.functions[fn.Name] = fn
			entry.names = append(entry.names, fn.Name)
		}
		sort.Strings(entry.names)
		r.modules[m.Name] = entry
		r.order = append(r.order, m.Name)
	}
	sort.Strings(r.order)
	return r, nil
}

// Lookup resolves a function.
func (r *Registry) Lookup(module, function string) (Function, bool) {
	if r == nil {
		return Function{}, false
	}
	entry, ok := r.modules[module]
	if !ok {
		return Function{}, false
	}
	fn, ok := entry.functions[function]
	return fn, ok
}

// HasModule reports whether module is registered.
func (r *Registry) HasModule(module string) bool {
	if r == nil {
		return false
	}
	_, ok := r.modules[module]
	return ok
}

// Modules returns the registered module names, sorted.
func (r *Registry) Modules() []string {
	if r == nil {
		return nil
	}
	return append([]string(nil), r.order...)
}

// Functions returns the function names of module, sorted.
func (r *Registry) Functions(module string) []string {
	if r == nil {
		return nil
	}
	entry, ok := r.modules[module]
	if !ok {
		return nil
	}
	return append([]string(nil), entry.names...)
}

// Cleanup runs every module cleanup hook and returns their counters keyed by
// module name.
func (r *Registry) Cleanup(ctx context.Context) (map[string]map[string]int, error) {
	out := make(map[string]map[string]int)
	if r == nil {
		return out, nil
	}
	var errs []error
	for _, name := range r.order {
		hook := r.modules[name].module.Cleanup
		if hook == nil {
			continue
		}
		counts, err := hook(ctx)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s cleanup: %w", name, err))
		}
		if counts != nil {
			out[name] = counts
		}
	}
	return out, errors.Join(errs...)
}

// Shutdown runs every module shutdown hook.
func (r *Registry) Shutdown(ctx context.Context) error {
	if r == nil {
		return nil
	}
	var errs []error
	for _, name := range r.order {
		hook := r.modules[name].module.Shutdown
		if hook == nil {
			continue
		}
		if err := hook(ctx); err != nil {
			errs = append(errs, fmt.Errorf("%s shutdown: %w", name, err))
		}
	}
	return errors.Join(errs...)
}
