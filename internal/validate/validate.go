// Package validate screens decoded requests before dispatch. The pipeline
// runs structural, schema, security, sanitize, whitelist and policy stages in
// order and stops at the first stage that reports an error.
package validate

import (
	"encoding/json"
	"fmt"
	"regexp"
	"sort"
	"strings"
	"unicode/utf8"

	"pkt.systems/bridged/api"
	"pkt.systems/bridged/internal/audit"
)

// Defaults for Limits.
const (
	DefaultMaxStringLength = 1 << 20
	DefaultMaxArrayLength  = 10000
	DefaultMaxObjectDepth  = 10
	DefaultMaxParams       = 100
	DefaultMaxFields       = 20

	maxNameLength          = 64
	maxRequestIDLength     = 128
	maxClientVersionLength = 64
)

var namePattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

var knownFields = map[string]bool{
	"module":         true,
	"function":       true,
	"params":         true,
	"request_id":     true,
	"timestamp":      true,
	"client_version": true,
}

// Limits bound the size and shape of a request.
type Limits struct {
	MaxStringLength int
	MaxArrayLength  int
	MaxObjectDepth  int
	// MaxParams caps the number of top level params entries.
	MaxParams int
	// MaxFields caps the number of top level request fields.
	MaxFields int
}

// Whitelist answers whether a module, and a function within it, may be
// called.
type Whitelist interface {
	HasModule(module string) bool
	Allowed(module, function string) bool
}

// Config configures a Validator.
type Config struct {
	Limits Limits
	// Strict makes injection indicators and dangerous names reject the
	// request. When false they are reported as warnings.
	Strict bool
	// Admin maps each administrative pseudo-module to its function enum.
	Admin     map[string][]string
	Whitelist Whitelist
	Policies  *PolicySet
}

// Result is produced fresh per call and is not modified afterwards.
type Result struct {
	Valid     bool
	Errors    []string
	Warnings  []string
	ErrorType string
	Request   api.Request
	Events    []audit.Event
}

// Validator is safe for concurrent use.
type Validator struct {
	limits   Limits
	strict   bool
	admin    map[string]map[string]bool
	allow    Whitelist
	policies *PolicySet
}

// New constructs a Validator, filling zero limits with defaults.
func New(cfg Config) *Validator {
	l := cfg.Limits
	if l.MaxStringLength <= 0 {
		l.MaxStringLength = DefaultMaxStringLength
	}
	if l.MaxArrayLength <= 0 {
		l.MaxArrayLength = DefaultMaxArrayLength
	}
	if l.MaxObjectDepth <= 0 {
		l.MaxObjectDepth = DefaultMaxObjectDepth
	}
	if l.MaxParams <= 0 {
		l.MaxParams = DefaultMaxParams
	}
	if l.MaxFields <= 0 {
		l.MaxFields = DefaultMaxFields
	}
	admin := make(map[string]map[string]bool, len(cfg.Admin))
	for module, fns := range cfg.Admin {
		set := make(map[string]bool, len(fns))
		for _, fn := range fns {
			set[fn] = true
		}
		admin[module] = set
	}
	return &Validator{limits: l, strict: cfg.Strict, admin: admin, allow: cfg.Whitelist, policies: cfg.Policies}
}

// Limits returns the effective limits.
func (v *Validator) Limits() Limits { return v.limits }

// run carries the state of one validation.
type run struct {
	v      *Validator
	client string
	req    api.Request
	res    Result
}

func (r *run) fail(kind, format string, args ...any) {
	if r.res.ErrorType == "" {
		r.res.ErrorType = kind
	}
	r.res.Errors = append(r.res.Errors, fmt.Sprintf(format, args...))
}

func (r *run) warn(format string, args ...any) {
	r.res.Warnings = append(r.res.Warnings, fmt.Sprintf(format, args...))
}

func (r *run) event(typ audit.EventType, sev audit.Severity, details map[string]any, remediation string) {
	r.res.Events = append(r.res.Events, audit.Event{
		Type:        typ,
		Severity:    sev,
		Client:      r.client,
		RequestID:   r.req.RequestID,
		Module:      r.req.Module,
		Function:    r.req.Function,
		Details:     details,
		Remediation: remediation,
	})
}

func (r *run) failed() bool { return len(r.res.Errors) > 0 }

// Validate runs the pipeline over a decoded request. client identifies the
// peer in SecurityEvents. raw is not modified.
func (v *Validator) Validate(raw map[string]any, client string) Result {
	r := &run{v: v, client: client}
	r.req.Module, _ = raw["module"].(string)
	r.req.Function, _ = raw["function"].(string)
	r.req.RequestID, _ = raw["request_id"].(string)

	stages := []func(map[string]any){
		r.structural,
		r.schema,
		r.security,
		r.sanitize,
		r.whitelist,
		r.policy,
	}
	for _, stage := range stages {
		stage(raw)
		if r.failed() {
			r.res.Valid = false
			r.res.Request = r.req
			return r.res
		}
	}
	r.res.Valid = true
	r.res.Request = r.req
	return r.res
}

func (r *run) structural(raw map[string]any) {
	if raw == nil {
		r.fail(api.ErrInvalidRequest, "request must be a JSON object")
		return
	}
	for _, field := range []string{"module", "function"} {
		if _, ok := raw[field]; !ok {
			r.fail(api.ErrInvalidRequest, "missing required field %q", field)
		}
	}
	if len(raw) > r.v.limits.MaxFields {
		r.fail(api.ErrInvalidRequest, "request has %d fields, limit is %d", len(raw), r.v.limits.MaxFields)
	}
	if n := paramCount(raw["params"]); n > r.v.limits.MaxParams {
		r.fail(api.ErrInvalidRequest, "params has %d entries, limit is %d", n, r.v.limits.MaxParams)
	}
	for _, k := range sortedKeys(raw) {
		if !knownFields[k] {
			r.warn("unknown field %q ignored", k)
		}
	}
	if r.failed() {
		r.event(audit.TypeInvalidRequest, audit.SeverityWarning, map[string]any{"errors": append([]string(nil), r.res.Errors...)}, "send {module, function, params}")
	}
}

func paramCount(p any) int {
	switch v := p.(type) {
	case map[string]any:
		return len(v)
	case []any:
		return len(v)
	default:
		return 0
	}
}

func (r *run) schema(raw map[string]any) {
	checkName := func(field string) {
		s, ok := raw[field].(string)
		switch {
		case !ok:
			r.fail(api.ErrSchema, "%s must be a string", field)
		case s == "":
			r.fail(api.ErrSchema, "%s must not be empty", field)
		case len(s) > maxNameLength:
			r.fail(api.ErrSchema, "%s exceeds %d characters", field, maxNameLength)
		case !namePattern.MatchString(s):
			r.fail(api.ErrSchema, "%s must match %s", field, namePattern.String())
		}
	}
	checkName("module")
	checkName("function")

	if v, ok := raw["request_id"]; ok && v != nil {
		s, isString := v.(string)
		if !isString || len(s) > maxRequestIDLength {
			r.fail(api.ErrSchema, "request_id must be a string of at most %d characters", maxRequestIDLength)
		}
	}
	if v, ok := raw["timestamp"]; ok && v != nil {
		switch ts := v.(type) {
		case json.Number:
			f, err := ts.Float64()
			if err != nil {
				r.fail(api.ErrSchema, "timestamp must be a number")
			}
			r.req.Timestamp = f
		case float64:
			r.req.Timestamp = ts
		default:
			r.fail(api.ErrSchema, "timestamp must be a number")
		}
	}
	if v, ok := raw["client_version"]; ok && v != nil {
		s, isString := v.(string)
		if !isString || len(s) > maxClientVersionLength {
			r.fail(api.ErrSchema, "client_version must be a string of at most %d characters", maxClientVersionLength)
		} else {
			r.req.ClientVersion = s
		}
	}
	if !r.failed() {
		if fns, admin := r.v.admin[r.req.Module]; admin && !fns[r.req.Function] {
			r.fail(api.ErrSchema, "function %q is not one of the %s functions", r.req.Function, r.req.Module)
		}
	}
	if d := depth(raw["params"]); d > r.v.limits.MaxObjectDepth {
		r.fail(api.ErrSchema, "params nesting depth %d exceeds %d", d, r.v.limits.MaxObjectDepth)
	}
	if r.failed() {
		r.event(audit.TypeSchemaViolation, audit.SeverityWarning, map[string]any{"errors": append([]string(nil), r.res.Errors...)}, "check field types and name patterns")
	}
}

// depth counts container nesting; a scalar has depth 0.
func depth(v any) int {
	switch t := v.(type) {
	case map[string]any:
		max := 0
		for _, child := range t {
			if d := depth(child); d > max {
				max = d
			}
		}
		return max + 1
	case []any:
		max := 0
		for _, child := range t {
			if d := depth(child); d > max {
				max = d
			}
		}
		return max + 1
	default:
		return 0
	}
}

func (r *run) sanitize(raw map[string]any) {
	params, truncated := r.v.clean(raw["params"], "params", &r.res.Warnings)
	r.req.Params = params
	if truncated > 0 {
		r.event(audit.TypeParamsTruncated, audit.SeverityInfo, map[string]any{"truncated": truncated}, "")
	}
}

// clean returns a sanitized deep copy of v and how many values were
// truncated. Map keys are visited in sorted order so warnings are stable.
func (v *Validator) clean(value any, path string, warnings *[]string) (any, int) {
	switch t := value.(type) {
	case string:
		s := stripControl(t)
		if len(s) > v.limits.MaxStringLength {
			*warnings = append(*warnings, fmt.Sprintf("%s truncated from %d to %d bytes", path, len(s), v.limits.MaxStringLength))
			return truncateUTF8(s, v.limits.MaxStringLength), 1
		}
		return s, 0
	case []any:
		n := len(t)
		total := 0
		if n > v.limits.MaxArrayLength {
			*warnings = append(*warnings, fmt.Sprintf("%s truncated from %d to %d items", path, n, v.limits.MaxArrayLength))
			n = v.limits.MaxArrayLength
			total++
		}
		out := make([]any, n)
		for i := 0; i < n; i++ {
			c, k := v.clean(t[i], fmt.Sprintf("%s[%d]", path, i), warnings)
			out[i] = c
			total += k
		}
		return out, total
	case map[string]any:
		out := make(map[string]any, len(t))
		total := 0
		for _, k := range sortedKeys(t) {
			c, n := v.clean(t[k], path+"."+k, warnings)
			out[stripControl(k)] = c
			total += n
		}
		return out, total
	default:
		return value, 0
	}
}

// stripControl removes C0 control characters other than tab, newline and
// carriage return, and DEL.
func stripControl(s string) string {
	if strings.IndexFunc(s, isStripped) < 0 {
		return s
	}
	return strings.Map(func(r rune) rune {
		if isStripped(r) {
			return -1
		}
		return r
	}, s)
}

func isStripped(r rune) bool {
	if r == '\t' || r == '\n' || r == '\r' {
		return false
	}
	return r < 0x20 || r == 0x7f
}

func truncateUTF8(s string, n int) string {
	if len(s) <= n {
		return s
	}
	s = s[:n]
	for len(s) > 0 && !utf8.ValidString(s) {
		s = s[:len(s)-1]
	}
	return s
}

func (r *run) whitelist(map[string]any) {
	allow := r.v.allow
	if allow == nil {
		r.fail(api.ErrUnauthorizedModule, "module %q is not registered", r.req.Module)
		r.event(audit.TypeUnauthorizedModule, audit.SeverityError, nil, "no modules are registered")
		return
	}
	if !allow.HasModule(r.req.Module) {
		r.fail(api.ErrUnauthorizedModule, "module %q is not registered", r.req.Module)
		r.event(audit.TypeUnauthorizedModule, audit.SeverityError, nil, "call one of the registered modules")
		return
	}
	if !allow.Allowed(r.req.Module, r.req.Function) {
		r.fail(api.ErrUnauthorizedFunction, "function %q is not allowed in module %q", r.req.Function, r.req.Module)
		r.event(audit.TypeUnauthorizedFunction, audit.SeverityError, nil, "call one of the module's allowed functions")
	}
}

func (r *run) policy(map[string]any) {
	if r.v.policies == nil {
		return
	}
	violations := r.v.policies.Evaluate(r.req.Module, r.req.Function, r.req.Params)
	for _, msg := range violations {
		r.fail(api.ErrPolicyViolation, "%s", msg)
	}
	if len(violations) > 0 {
		r.event(audit.TypePolicyViolation, audit.SeverityError, map[string]any{"violations": violations}, "adjust params to satisfy the configured policy")
	}
}

func sortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
