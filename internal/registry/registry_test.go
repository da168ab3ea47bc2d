package registry

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"pkt.systems/bridged/api"
)

func echo(_ context.Context, args Args) (any, error) { return args.Raw(), nil }

func TestNewRejectsBadTables(t *testing.T) {
	cases := []struct {
		name    string
		modules []Module
	}{
		{"bad module name", []Module{{Name: "bad-name", Functions: []Function{{Name: "f", Handler: echo}}}}},
		{"reserved", []Module{{Name: "system", Functions: []Function{{Name: "f", Handler: echo}}}}},
		{"no functions", []Module{{Name: "m"}}},
		{"nil handler", []Module{{Name: "m", Functions: []Function{{Name: "f"}}}}},
		{"duplicate function", []Module{{Name: "m", Functions: []Function{{Name: "f", Handler: echo}, {Name: "f", Handler: echo}}}}},
		{"duplicate module", []Module{
			{Name: "m", Functions: []Function{{Name: "f", Handler: echo}}},
			{Name: "m", Functions: []Function{{Name: "g", Handler: echo}}},
		}},
	}
	for _, tc := range cases {
		if _, err := New([]string{"test", "system"}, tc.modules...); err == nil {
			t.Fatalf("%s: expected error", tc.name)
		}
	}
}

func TestLookup(t *testing.T) {
	reg, err := New(nil, Module{Name: "math", Functions: []Function{
		{Name: "add", Params: []string{"a", "b"}, Handler: echo},
		{Name: "abs", Params: []string{"x"}, Handler: echo},
	}})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	if _, ok := reg.Lookup("math", "add"); !ok {
		t.Fatalf("expected math.add")
	}
	if _, ok := reg.Lookup("math", "sub"); ok {
		t.Fatalf("math.sub must not resolve")
	}
	if _, ok := reg.Lookup("other", "add"); ok {
		t.Fatalf("other.add must not resolve")
	}
	if got := reg.Functions("math"); len(got) != 2 || got[0] != "abs" || got[1] != "add" {
		t.Fatalf("unexpected functions %v", got)
	}
	if !reg.HasModule("math") || reg.HasModule("nope") {
		t.Fatalf("HasModule mismatch")
	}
}

func TestBindShapes(t *testing.T) {
	names := []string{"dsn", "username", "password"}

	named, err := Bind(map[string]any{"dsn": "dbi:SQLite:dbname=x", "username": "u"}, names)
	if err != nil {
		t.Fatalf("bind named: %v", err)
	}
	if named.Shape() != ShapeNamed {
		t.Fatalf("expected named shape, got %s", named.Shape())
	}
	if v, _ := named.String("username"); v != "u" {
		t.Fatalf("unexpected username %q", v)
	}

	pos, err := Bind([]any{"dsn-value", "scott"}, names)
	if err != nil {
		t.Fatalf("bind positional: %v", err)
	}
	if v, _ := pos.String("username"); v != "scott" {
		t.Fatalf("positional binding failed: %q", v)
	}
	if pos.Has("password") {
		t.Fatalf("password was not supplied")
	}

	single, err := Bind("only", names)
	if err != nil {
		t.Fatalf("bind single: %v", err)
	}
	if v, _ := single.String("dsn"); v != "only" {
		t.Fatalf("scalar should bind to first param, got %q", v)
	}

	if _, err := Bind([]any{1, 2, 3, 4}, names); err == nil {
		t.Fatalf("expected too many positional arguments")
	}
	none, err := Bind(nil, names)
	if err != nil || none.Shape() != ShapeNone {
		t.Fatalf("nil params: shape=%s err=%v", none.Shape(), err)
	}
}

func TestArgsConversions(t *testing.T) {
	args, err := Bind(map[string]any{
		"n":     json.Number("42"),
		"f":     json.Number("3.5"),
		"flag":  "yes",
		"zero":  json.Number("0"),
		"bad":   "x",
		"obj":   map[string]any{"a": true},
		"items": []any{1},
	}, nil)
	if err != nil {
		t.Fatalf("bind: %v", err)
	}
	if n, err := args.Int("n", 0); err != nil || n != 42 {
		t.Fatalf("int: %d %v", n, err)
	}
	if _, err := args.Int("f", 0); err == nil {
		t.Fatalf("fractional int should fail")
	}
	if n, _ := args.Int("missing", 7); n != 7 {
		t.Fatalf("default int not used")
	}
	if b, err := args.Bool("flag", false); err != nil || !b {
		t.Fatalf("bool yes: %v %v", b, err)
	}
	if b, err := args.Bool("zero", true); err != nil || b {
		t.Fatalf("bool zero: %v %v", b, err)
	}
	if _, err := args.Bool("bad", false); err == nil {
		t.Fatalf("expected bool error")
	}
	if m, err := args.Map("obj"); err != nil || m["a"] != true {
		t.Fatalf("map: %v %v", m, err)
	}
	if s, err := args.Slice("items"); err != nil || len(s) != 1 {
		t.Fatalf("slice: %v %v", s, err)
	}
	_, err = args.String("missing")
	var rerr *Error
	if !errors.As(err, &rerr) || rerr.Kind != api.ErrInvalidParams {
		t.Fatalf("expected invalid_params error, got %v", err)
	}
}

func TestHooksRunInOrderAndJoinErrors(t *testing.T) {
	var calls []string
	boom := errors.New("boom")
	reg, err := New(nil,
		Module{Name: "b", Functions: []Function{{Name: "f", Handler: echo}},
			Cleanup: func(context.Context) (map[string]int, error) {
				calls = append(calls, "b")
				return map[string]int{"closed": 2}, nil
			},
			Shutdown: func(context.Context) error { return boom },
		},
		Module{Name: "a", Functions: []Function{{Name: "f", Handler: echo}},
			Cleanup: func(context.Context) (map[string]int, error) {
				calls = append(calls, "a")
				return nil, nil
			},
		},
	)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	counts, err := reg.Cleanup(context.Background())
	if err != nil {
		t.Fatalf("cleanup: %v", err)
	}
	if len(calls) != 2 || calls[0] != "a" || calls[1] != "b" {
		t.Fatalf("unexpected order %v", calls)
	}
	if counts["b"]["closed"] != 2 {
		t.Fatalf("unexpected counts %v", counts)
	}
	if err := reg.Shutdown(context.Background()); !errors.Is(err, boom) {
		t.Fatalf("expected boom, got %v", err)
	}
}
