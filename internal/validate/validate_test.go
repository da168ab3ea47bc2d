package validate

import (
	"encoding/json"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"

	"pkt.systems/bridged/api"
	"pkt.systems/bridged/internal/audit"
)

type staticWhitelist map[string][]string

func (w staticWhitelist) HasModule(module string) bool {
	_, ok := w[module]
	return ok
}

func (w staticWhitelist) Allowed(module, function string) bool {
	for _, fn := range w[module] {
		if fn == function {
			return true
		}
	}
	return false
}

var testWhitelist = staticWhitelist{
	"test":     {"ping", "echo"},
	"system":   {"info", "health"},
	"database": {"connect", "execute_immediate", "fetch_row"},
}

func newTestValidator(strict bool) *Validator {
	return New(Config{
		Limits:    Limits{MaxStringLength: 32, MaxArrayLength: 3, MaxObjectDepth: 3, MaxParams: 5},
		Strict:    strict,
		Admin:     map[string][]string{"test": {"ping", "echo", "health", "stats"}, "system": {"info", "health"}},
		Whitelist: testWhitelist,
	})
}

func decode(t *testing.T, s string) map[string]any {
	t.Helper()
	dec := json.NewDecoder(strings.NewReader(s))
	dec.UseNumber()
	var m map[string]any
	if err := dec.Decode(&m); err != nil {
		t.Fatalf("decode %s: %v", s, err)
	}
	return m
}

func hasEvent(res Result, typ audit.EventType, sev audit.Severity) bool {
	for _, ev := range res.Events {
		if ev.Type == typ && ev.Severity == sev {
			return true
		}
	}
	return false
}

func TestValidatePing(t *testing.T) {
	v := newTestValidator(true)
	res := v.Validate(decode(t, `{"module":"test","function":"ping","request_id":"r1","timestamp":1700000000.5,"client_version":"1.2"}`), "uid:1000")
	if !res.Valid {
		t.Fatalf("expected valid, got errors %v", res.Errors)
	}
	if res.Request.Module != "test" || res.Request.Function != "ping" || res.Request.RequestID != "r1" {
		t.Fatalf("unexpected request %+v", res.Request)
	}
	if res.Request.Timestamp != 1700000000.5 || res.Request.ClientVersion != "1.2" {
		t.Fatalf("optional fields not carried: %+v", res.Request)
	}
	if len(res.Events) != 0 {
		t.Fatalf("expected no events, got %+v", res.Events)
	}
}

func TestValidateRejections(t *testing.T) {
	cases := []struct {
		name  string
		body  string
		kind  string
		event audit.EventType
	}{
		{"missing function", `{"module":"test"}`, api.ErrInvalidRequest, audit.TypeInvalidRequest},
		{"too many params", `{"module":"test","function":"echo","params":[1,2,3,4,5,6]}`, api.ErrInvalidRequest, audit.TypeInvalidRequest},
		{"module not string", `{"module":5,"function":"ping"}`, api.ErrSchema, audit.TypeSchemaViolation},
		{"bad function pattern", `{"module":"test","function":"pi-ng"}`, api.ErrSchema, audit.TypeSchemaViolation},
		{"name too long", `{"module":"test","function":"` + strings.Repeat("a", 65) + `"}`, api.ErrSchema, audit.TypeSchemaViolation},
		{"admin enum", `{"module":"system","function":"reboot"}`, api.ErrSchema, audit.TypeSchemaViolation},
		{"too deep", `{"module":"test","function":"echo","params":{"a":{"b":{"c":{"d":1}}}}}`, api.ErrSchema, audit.TypeSchemaViolation},
		{"script tag", `{"module":"test","function":"echo","params":{"q":"<script>alert(1)</script>"}}`, api.ErrSecurityViolation, audit.TypeInjectionAttempt},
		{"template", `{"module":"test","function":"echo","params":["${jndi:ldap://x}"]}`, api.ErrSecurityViolation, audit.TypeInjectionAttempt},
		{"traversal in key", `{"module":"test","function":"echo","params":{"../etc":1}}`, api.ErrSecurityViolation, audit.TypeInjectionAttempt},
		{"nul byte", `{"module":"test","function":"echo","params":"a\u0000b"}`, api.ErrSecurityViolation, audit.TypeInjectionAttempt},
		{"dangerous name", `{"module":"database","function":"eval_code"}`, api.ErrSecurityViolation, audit.TypeDangerousName},
		{"unknown module", `{"module":"shell","function":"run"}`, api.ErrUnauthorizedModule, audit.TypeUnauthorizedModule},
		{"unknown function", `{"module":"database","function":"drop_everything"}`, api.ErrUnauthorizedFunction, audit.TypeUnauthorizedFunction},
		{"admin not whitelisted", `{"module":"test","function":"stats"}`, api.ErrUnauthorizedFunction, audit.TypeUnauthorizedFunction},
	}
	v := newTestValidator(true)
	for _, tc := range cases {
		res := v.Validate(decode(t, tc.body), "peer")
		if res.Valid {
			t.Fatalf("%s: expected rejection", tc.name)
		}
		if res.ErrorType != tc.kind {
			t.Fatalf("%s: expected %s, got %s (%v)", tc.name, tc.kind, res.ErrorType, res.Errors)
		}
		found := false
		for _, ev := range res.Events {
			if ev.Type == tc.event {
				found = true
				if ev.Client != "peer" {
					t.Fatalf("%s: event client %q", tc.name, ev.Client)
				}
			}
		}
		if !found {
			t.Fatalf("%s: expected %s event, got %+v", tc.name, tc.event, res.Events)
		}
	}
}

func TestExemptNamesPass(t *testing.T) {
	v := newTestValidator(true)
	for _, body := range []string{
		`{"module":"system","function":"info"}`,
		`{"module":"database","function":"execute_immediate","params":{"sql":"UPDATE t SET a = 1"}}`,
	} {
		if res := v.Validate(decode(t, body), ""); !res.Valid {
			t.Fatalf("%s: %v", body, res.Errors)
		}
	}
}

func TestNonStrictDowngradesInjection(t *testing.T) {
	v := newTestValidator(false)
	res := v.Validate(decode(t, `{"module":"test","function":"echo","params":{"q":"$(rm -rf /)"}}`), "")
	if !res.Valid {
		t.Fatalf("expected valid in non-strict mode, got %v", res.Errors)
	}
	if len(res.Warnings) == 0 {
		t.Fatalf("expected a warning")
	}
	if !hasEvent(res, audit.TypeInjectionAttempt, audit.SeverityCritical) {
		t.Fatalf("event must still be emitted: %+v", res.Events)
	}
	res = v.Validate(decode(t, `{"module":"shell","function":"run"}`), "")
	if res.Valid || res.ErrorType != api.ErrUnauthorizedModule {
		t.Fatalf("whitelist must hold in non-strict mode: %+v", res)
	}
}

func TestSQLPatternsWarnOnly(t *testing.T) {
	v := newTestValidator(true)
	res := v.Validate(decode(t, `{"module":"database","function":"execute_immediate","params":{"sql":"SELECT 1 UNION SELECT 2"}}`), "")
	if !res.Valid {
		t.Fatalf("sql patterns must not reject: %v", res.Errors)
	}
	if !hasEvent(res, audit.TypeSQLInjectionSuspect, audit.SeverityWarning) {
		t.Fatalf("expected sql warning event, got %+v", res.Events)
	}
}

func TestSanitize(t *testing.T) {
	v := newTestValidator(true)
	res := v.Validate(decode(t, `{"module":"test","function":"echo","params":{"long":"`+strings.Repeat("x", 40)+`","ctl":"a\u0001b\tc","list":[1,2,3,4]}}`), "")
	if !res.Valid {
		t.Fatalf("expected valid, got %v", res.Errors)
	}
	params := res.Request.Params.(map[string]any)
	if got := params["long"].(string); len(got) != 32 {
		t.Fatalf("expected truncation to 32, got %d", len(got))
	}
	if got := params["ctl"].(string); got != "ab\tc" {
		t.Fatalf("control characters not stripped: %q", got)
	}
	if got := params["list"].([]any); len(got) != 3 {
		t.Fatalf("expected 3 items, got %d", len(got))
	}
	if len(res.Warnings) != 2 {
		t.Fatalf("expected two truncation warnings, got %v", res.Warnings)
	}
	if !hasEvent(res, audit.TypeParamsTruncated, audit.SeverityInfo) {
		t.Fatalf("expected truncation event")
	}
}

func TestTruncateKeepsUTF8(t *testing.T) {
	if got := truncateUTF8("aé", 2); got != "a" {
		t.Fatalf("unexpected %q", got)
	}
}

func TestValidateIsIdempotent(t *testing.T) {
	v := newTestValidator(true)
	bodies := []string{
		`{"module":"test","function":"echo","params":{"b":"` + strings.Repeat("y", 50) + `","a":[1,2,3,4,5],"c":{"d":"x -- y"}}}`,
		`{"module":"shell","function":"run","params":[1]}`,
		`{"module":"test","function":"echo","params":"<iframe src=x>","extra":true}`,
	}
	for _, body := range bodies {
		raw := decode(t, body)
		first := v.Validate(raw, "c")
		second := v.Validate(raw, "c")
		if !reflect.DeepEqual(first.Request, second.Request) {
			t.Fatalf("sanitized output differs: %+v vs %+v", first.Request, second.Request)
		}
		if !reflect.DeepEqual(first.Errors, second.Errors) || !reflect.DeepEqual(first.Warnings, second.Warnings) {
			t.Fatalf("diagnostics differ: %v/%v vs %v/%v", first.Errors, first.Warnings, second.Errors, second.Warnings)
		}
		if first.Valid != second.Valid || first.ErrorType != second.ErrorType {
			t.Fatalf("verdict differs for %s", body)
		}
	}
}

func TestValidateDoesNotMutateInput(t *testing.T) {
	v := newTestValidator(true)
	raw := decode(t, `{"module":"test","function":"echo","params":{"s":"`+strings.Repeat("z", 40)+`"}}`)
	v.Validate(raw, "")
	if got := raw["params"].(map[string]any)["s"].(string); len(got) != 40 {
		t.Fatalf("input was modified")
	}
}

func TestPolicies(t *testing.T) {
	set, err := CompilePolicies([]Policy{
		{Module: "database", Function: "execute_immediate", Expr: `size(params.sql) < 20`, Message: "statement too long"},
		{Module: "database", Function: "*", Expr: `!has(params.password) || params.password != ""`, Message: "empty password"},
	})
	if err != nil {
		t.Fatalf("compile: %v", err)
	}
	if set.Len() != 2 {
		t.Fatalf("expected 2 policies, got %d", set.Len())
	}
	v := New(Config{Strict: true, Whitelist: testWhitelist, Policies: set})
	res := v.Validate(decode(t, `{"module":"database","function":"execute_immediate","params":{"sql":"SELECT 1"}}`), "")
	if !res.Valid {
		t.Fatalf("short statement should pass: %v", res.Errors)
	}
	res = v.Validate(decode(t, `{"module":"database","function":"execute_immediate","params":{"sql":"SELECT 1 FROM a_really_long_table"}}`), "")
	if res.Valid || res.ErrorType != api.ErrPolicyViolation || res.Errors[0] != "statement too long" {
		t.Fatalf("expected policy violation, got %+v", res)
	}
	if !hasEvent(res, audit.TypePolicyViolation, audit.SeverityError) {
		t.Fatalf("expected policy event")
	}
	res = v.Validate(decode(t, `{"module":"database","function":"connect","params":{"password":""}}`), "")
	if res.Valid || res.Errors[0] != "empty password" {
		t.Fatalf("module wide policy not applied: %+v", res)
	}
}

func TestPolicyCompileErrors(t *testing.T) {
	if _, err := CompilePolicies([]Policy{{Module: "m", Expr: `params.x +`}}); err == nil {
		t.Fatalf("expected syntax error")
	}
	if _, err := CompilePolicies([]Policy{{Module: "m", Expr: `"text"`}}); err == nil {
		t.Fatalf("expected type error")
	}
	if _, err := CompilePolicies([]Policy{{Expr: `true`}}); err == nil {
		t.Fatalf("expected missing module error")
	}
}

func TestLoadPolicies(t *testing.T) {
	path := filepath.Join(t.TempDir(), "policies.yaml")
	body := "policies:\n  - module: test\n    function: echo\n    expr: \"params.n <= 3\"\n    message: n too large\n"
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	set, err := LoadPolicies(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if got := set.Evaluate("test", "echo", map[string]any{"n": json.Number("4")}); len(got) != 1 || got[0] != "n too large" {
		t.Fatalf("unexpected violations %v", got)
	}
	if got := set.Evaluate("test", "echo", map[string]any{"n": json.Number("2")}); len(got) != 0 {
		t.Fatalf("unexpected violations %v", got)
	}
}

func TestBacktickIdentifiersInSQL(t *testing.T) {
	v := newTestValidator(true)
	res := v.Validate(decode(t, "{\"module\":\"database\",\"function\":\"execute_immediate\",\"params\":{\"connection_id\":\"c1\",\"sql\":\"SELECT `id` FROM `items`\"}}"), "")
	if !res.Valid {
		t.Fatalf("quoted identifiers rejected: %v", res.Errors)
	}
	if hasEvent(res, audit.TypeInjectionAttempt, audit.SeverityCritical) {
		t.Fatalf("unexpected injection event: %+v", res.Events)
	}

	res = v.Validate(decode(t, "{\"module\":\"database\",\"function\":\"execute_immediate\",\"params\":{\"sql\":\"SELECT $(id) FROM t\"}}"), "")
	if res.Valid || res.ErrorType != api.ErrSecurityViolation {
		t.Fatalf("command substitution in sql must be rejected: %+v", res)
	}
	res = v.Validate(decode(t, "{\"module\":\"test\",\"function\":\"echo\",\"params\":{\"q\":\"`whoami`\"}}"), "")
	if res.Valid || res.ErrorType != api.ErrSecurityViolation {
		t.Fatalf("backticks outside sql must be rejected: %+v", res)
	}
}
