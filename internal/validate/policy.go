package validate

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/google/cel-go/cel"
	"github.com/google/cel-go/common/types"
	"gopkg.in/yaml.v3"
)

// Policy restricts the params of one function (or every function of a module
// when Function is "*"). Expr is a CEL expression over params, module and
// function that must evaluate to true.
type Policy struct {
	Module   string `yaml:"module"`
	Function string `yaml:"function"`
	Expr     string `yaml:"expr"`
	Message  string `yaml:"message"`
}

type policyFile struct {
	Policies []Policy `yaml:"policies"`
}

type compiledPolicy struct {
	Policy
	program cel.Program
}

// PolicySet is immutable once compiled.
type PolicySet struct {
	rules map[string][]compiledPolicy
}

// LoadPolicies reads and compiles a YAML policy file.
func LoadPolicies(path string) (*PolicySet, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("validate: read policy file: %w", err)
	}
	var file policyFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("validate: parse policy file %s: %w", path, err)
	}
	return CompilePolicies(file.Policies)
}

// CompilePolicies compiles policies into a PolicySet.
func CompilePolicies(policies []Policy) (*PolicySet, error) {
	env, err := cel.NewEnv(
		cel.Variable("params", cel.DynType),
		cel.Variable("module", cel.StringType),
		cel.Variable("function", cel.StringType),
	)
	if err != nil {
		return nil, fmt.Errorf("validate: cel env: %w", err)
	}
	set := &PolicySet{rules: make(map[string][]compiledPolicy)}
	for i, p := range policies {
		if p.Module == "" || p.Expr == "" {
			return nil, fmt.Errorf("validate: policy %d: module and expr are required", i)
		}
		if p.Function == "" {
			p.Function = "*"
		}
		ast, issues := env.Compile(p.Expr)
		if issues != nil && issues.Err() != nil {
			return nil, fmt.Errorf("validate: compile policy %s.%s: %w", p.Module, p.Function, issues.Err())
		}
		if out := ast.OutputType(); out != cel.BoolType && out != cel.DynType {
			return nil, fmt.Errorf("validate: policy %s.%s must return bool, got %s", p.Module, p.Function, out)
		}
		prg, err := env.Program(ast)
		if err != nil {
			return nil, fmt.Errorf("validate: program for policy %s.%s: %w", p.Module, p.Function, err)
		}
		if p.Message == "" {
			p.Message = fmt.Sprintf("params rejected by policy %q", p.Expr)
		}
		key := p.Module + "." + p.Function
		set.rules[key] = append(set.rules[key], compiledPolicy{Policy: p, program: prg})
	}
	return set, nil
}

// Len reports how many policies are loaded.
func (s *PolicySet) Len() int {
	if s == nil {
		return 0
	}
	n := 0
	for _, rules := range s.rules {
		n += len(rules)
	}
	return n
}

// Evaluate returns the message of every policy that does not hold. An
// evaluation error counts as a violation.
func (s *PolicySet) Evaluate(module, function string, params any) []string {
	if s == nil {
		return nil
	}
	rules := append(append([]compiledPolicy(nil), s.rules[module+".*"]...), s.rules[module+"."+function]...)
	if len(rules) == 0 {
		return nil
	}
	if params == nil {
		params = map[string]any{}
	}
	activation := map[string]any{
		"params":   celValue(params),
		"module":   module,
		"function": function,
	}
	var violations []string
	for _, rule := range rules {
		out, _, err := rule.program.Eval(activation)
		if err != nil {
			violations = append(violations, fmt.Sprintf("%s (evaluation error: %v)", rule.Message, err))
			continue
		}
		if b, ok := out.(types.Bool); !ok || !bool(b) {
			violations = append(violations, rule.Message)
		}
	}
	return violations
}

// celValue converts decoded JSON numbers so CEL sees int or double values.
func celValue(v any) any {
	switch t := v.(type) {
	case json.Number:
		if i, err := t.Int64(); err == nil {
			return i
		}
		f, _ := t.Float64()
		return f
	case []any:
		out := make([]any, len(t))
		for i, child := range t {
			out[i] = celValue(child)
		}
		return out
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, child := range t {
			out[k] = celValue(child)
		}
		return out
	default:
		return v
	}
}
