package registry

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"

	"pkt.systems/bridged/api"
)

// Shape records how params were supplied.
type Shape int

const (
	ShapeNone Shape = iota
	ShapeNamed
	ShapePositional
	ShapeSingle
)

func (s Shape) String() string {
	switch s {
	case ShapeNamed:
		return "named"
	case ShapePositional:
		return "positional"
	case ShapeSingle:
		return "single"
	default:
		return "none"
	}
}

// Args are the bound call arguments.
type Args struct {
	shape  Shape
	raw    any
	values map[string]any
}

// Bind maps params onto the ordered parameter names of a function: objects
// bind by name, arrays by position and scalars to the first parameter.
func Bind(params any, names []string) (Args, error) {
	args := Args{raw: params, values: make(map[string]any)}
	switch v := params.(type) {
	case nil:
		args.shape = ShapeNone
	case map[string]any:
		args.shape = ShapeNamed
		for k, val := range v {
			args.values[k] = val
		}
	case []any:
		args.shape = ShapePositional
		if len(v) > len(names) {
			return Args{}, Errorf(api.ErrInvalidParams, "too many positional arguments: got %d, function takes %d", len(v), len(names))
		}
		for i, val := range v {
			args.values[names[i]] = val
		}
	default:
		args.shape = ShapeSingle
		if len(names) == 0 {
			return Args{}, Errorf(api.ErrInvalidParams, "function takes no arguments")
		}
		args.values[names[0]] = v
	}
	return args, nil
}

// RawArgs wraps params without binding them to names. Named params remain
// reachable through Get.
func RawArgs(params any) Args {
	args := Args{raw: params, shape: ShapeNone, values: make(map[string]any)}
	switch v := params.(type) {
	case nil:
	case map[string]any:
		args.shape = ShapeNamed
		for k, val := range v {
			args.values[k] = val
		}
	case []any:
		args.shape = ShapePositional
	default:
		args.shape = ShapeSingle
	}
	return args
}

// Shape reports how params were supplied.
func (a Args) Shape() Shape { return a.shape }

// Raw returns params exactly as received.
func (a Args) Raw() any { return a.raw }

// Get returns a bound value.
func (a Args) Get(name string) (any, bool) {
	v, ok := a.values[name]
	return v, ok
}

// Has reports whether name was bound to a non-null value.
func (a Args) Has(name string) bool {
	v, ok := a.values[name]
	return ok && v != nil
}

// String returns a required string argument.
func (a Args) String(name string) (string, error) {
	v, ok := a.values[name]
	if !ok || v == nil {
		return "", Errorf(api.ErrInvalidParams, "missing required parameter %q", name)
	}
	switch s := v.(type) {
	case string:
		return s, nil
	case json.Number:
		return s.String(), nil
	default:
		return "", Errorf(api.ErrInvalidParams, "parameter %q must be a string", name)
	}
}

// StringOr returns an optional string argument.
func (a Args) StringOr(name, def string) (string, error) {
	if !a.Has(name) {
		return def, nil
	}
	return a.String(name)
}

// Int returns an optional integer argument.
func (a Args) Int(name string, def int64) (int64, error) {
	if !a.Has(name) {
		return def, nil
	}
	switch n := a.values[name].(type) {
	case json.Number:
		if i, err := n.Int64(); err == nil {
			return i, nil
		}
		f, err := n.Float64()
		if err != nil || f != math.Trunc(f) {
			return 0, Errorf(api.ErrInvalidParams, "parameter %q must be an integer", name)
		}
		return int64(f), nil
	case float64:
		if n != math.Trunc(n) {
			return 0, Errorf(api.ErrInvalidParams, "parameter %q must be an integer", name)
		}
		return int64(n), nil
	case int:
		return int64(n), nil
	case int64:
		return n, nil
	case string:
		i, err := strconv.ParseInt(strings.TrimSpace(n), 10, 64)
		if err != nil {
			return 0, Errorf(api.ErrInvalidParams, "parameter %q must be an integer", name)
		}
		return i, nil
	default:
		return 0, Errorf(api.ErrInvalidParams, "parameter %q must be an integer", name)
	}
}

// Bool interprets loose truthiness (true/false, 1/0, "yes"/"no") as the
// calling libraries send flags in several forms.
func (a Args) Bool(name string, def bool) (bool, error) {
	if !a.Has(name) {
		return def, nil
	}
	return Truthy(a.values[name], name)
}

// Truthy converts common flag encodings to a bool.
func Truthy(v any, name string) (bool, error) {
	switch b := v.(type) {
	case bool:
		return b, nil
	case json.Number:
		f, err := b.Float64()
		if err != nil {
			return false, Errorf(api.ErrInvalidParams, "parameter %q must be a boolean", name)
		}
		return f != 0, nil
	case float64:
		return b != 0, nil
	case int:
		return b != 0, nil
	case string:
		switch strings.ToLower(strings.TrimSpace(b)) {
		case "1", "true", "yes", "on":
			return true, nil
		case "", "0", "false", "no", "off":
			return false, nil
		}
	}
	return false, Errorf(api.ErrInvalidParams, "parameter %q must be a boolean", name)
}

// Map returns an optional object argument.
func (a Args) Map(name string) (map[string]any, error) {
	if !a.Has(name) {
		return nil, nil
	}
	m, ok := a.values[name].(map[string]any)
	if !ok {
		return nil, Errorf(api.ErrInvalidParams, "parameter %q must be an object", name)
	}
	return m, nil
}

// Slice returns an optional array argument.
func (a Args) Slice(name string) ([]any, error) {
	if !a.Has(name) {
		return nil, nil
	}
	s, ok := a.values[name].([]any)
	if !ok {
		return nil, Errorf(api.ErrInvalidParams, "parameter %q must be an array", name)
	}
	return s, nil
}

// Error is a handler failure carrying a machine readable kind.
type Error struct {
	Kind    string
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil && e.Message == "" {
		return e.Err.Error()
	}
	return e.Message
}

func (e *Error) Unwrap() error { return e.Err }

// Errorf builds an Error of the given kind.
func Errorf(kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap builds an Error of the given kind around err.
func Wrap(kind string, err error, format string, args ...any) *Error {
	msg := fmt.Sprintf(format, args...)
	if err != nil {
		msg = msg + ": " + err.Error()
	}
	return &Error{Kind: kind, Message: msg, Err: err}
}
