package validate

import (
	"regexp"
	"sort"
	"strconv"
	"strings"

	"pkt.systems/bridged/api"
	"pkt.systems/bridged/internal/audit"
)

type indicator struct {
	name    string
	pattern *regexp.Regexp
	// sqlQuoted indicators are not applied to SQL text, where the same
	// syntax quotes identifiers.
	sqlQuoted bool
}

// sqlTextPath is where SQL text travels in database params.
const sqlTextPath = "params.sql"

// injectionIndicators match anywhere in any string of the request.
var injectionIndicators = []indicator{
	{"control_character", regexp.MustCompile(`[\x00\x1b]`), false},
	{"script_tag", regexp.MustCompile(`(?i)<\s*(script|iframe|object|embed)\b`), false},
	{"script_uri", regexp.MustCompile(`(?i)\b(javascript|vbscript):`), false},
	{"event_handler", regexp.MustCompile(`(?i)<[^>]*\bon(error|load|click|mouseover)\s*=`), false},
	{"shell_substitution", regexp.MustCompile(`\$\(`), false},
	{"shell_substitution", regexp.MustCompile("`[^`]*`"), true},
	{"template_interpolation", regexp.MustCompile(`\$\{|\{\{|\{%`), false},
	{"path_traversal", regexp.MustCompile(`\.\.[/\\]`), false},
}

// sqlIndicators only produce warnings.
var sqlIndicators = []indicator{
	{"tautology", regexp.MustCompile(`(?i)'\s*or\s*'?\d*'?\s*=\s*'?\d*`), false},
	{"stacked_drop", regexp.MustCompile(`(?i);\s*(drop|truncate|alter)\s`), false},
	{"union_select", regexp.MustCompile(`(?i)\bunion\s+(all\s+)?select\b`), false},
	{"line_comment", regexp.MustCompile(`--`), false},
	{"block_comment", regexp.MustCompile(`/\*`), false},
	{"xp_cmdshell", regexp.MustCompile(`(?i)\bxp_cmdshell\b`), false},
}

var dangerousNames = []string{
	"__", "eval", "exec", "import", "subprocess", "popen", "system",
	"open", "file", "compile", "globals", "getattr", "setattr", "pickle",
}

// exemptNames are administrative or helper names that contain a dangerous
// substring but are known to be safe.
var exemptNames = map[string]bool{
	"system":            true,
	"execute_statement": true,
	"execute_immediate": true,
}

func (r *run) security(raw map[string]any) {
	var strs []taggedString
	strs = append(strs, taggedString{"module", r.req.Module}, taggedString{"function", r.req.Function})
	collectStrings(raw["params"], "params", &strs)

	hits := make(map[string][]string)
	for _, s := range strs {
		for _, ind := range injectionIndicators {
			if ind.sqlQuoted && s.path == sqlTextPath {
				continue
			}
			if ind.pattern.MatchString(s.value) {
				hits[ind.name] = appendUnique(hits[ind.name], s.path)
			}
		}
	}
	if len(hits) > 0 {
		names := sortedIndicatorNames(hits)
		details := map[string]any{"indicators": names, "locations": hits, "enforced": r.v.strict}
		if r.v.strict {
			r.fail(api.ErrSecurityViolation, "request contains injection indicators: %s", strings.Join(names, ", "))
		} else {
			r.warn("request contains injection indicators: %s", strings.Join(names, ", "))
		}
		r.event(audit.TypeInjectionAttempt, audit.SeverityCritical, details, "remove markup, interpolation, control characters and path traversal from the request")
	}

	for _, field := range []string{r.req.Module, r.req.Function} {
		lower := strings.ToLower(field)
		if exemptNames[lower] {
			continue
		}
		for _, bad := range dangerousNames {
			if strings.Contains(lower, bad) {
				details := map[string]any{"name": field, "match": bad, "enforced": r.v.strict}
				if r.v.strict {
					r.fail(api.ErrSecurityViolation, "name %q contains forbidden substring %q", field, bad)
				} else {
					r.warn("name %q contains forbidden substring %q", field, bad)
				}
				r.event(audit.TypeDangerousName, audit.SeverityError, details, "use a registered, non-reserved function name")
				break
			}
		}
	}

	sqlHits := make(map[string][]string)
	for _, s := range strs {
		if !strings.HasPrefix(s.path, "params") {
			continue
		}
		for _, ind := range sqlIndicators {
			if ind.pattern.MatchString(s.value) {
				sqlHits[ind.name] = appendUnique(sqlHits[ind.name], s.path)
			}
		}
	}
	if len(sqlHits) > 0 {
		names := sortedIndicatorNames(sqlHits)
		r.warn("params contain SQL patterns often used for injection: %s", strings.Join(names, ", "))
		r.event(audit.TypeSQLInjectionSuspect, audit.SeverityWarning, map[string]any{"indicators": names, "locations": sqlHits}, "use bind values instead of string interpolation")
	}
}

type taggedString struct {
	path  string
	value string
}

// collectStrings gathers every string value and object key below v.
func collectStrings(v any, path string, out *[]taggedString) {
	switch t := v.(type) {
	case string:
		*out = append(*out, taggedString{path, t})
	case []any:
		for i, child := range t {
			collectStrings(child, path+"["+strconv.Itoa(i)+"]", out)
		}
	case map[string]any:
		for _, k := range sortedKeys(t) {
			*out = append(*out, taggedString{path + "{key}", k})
			collectStrings(t[k], path+"."+k, out)
		}
	}
}

func appendUnique(list []string, s string) []string {
	for _, v := range list {
		if v == s {
			return list
		}
	}
	return append(list, s)
}

func sortedIndicatorNames(m map[string][]string) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
