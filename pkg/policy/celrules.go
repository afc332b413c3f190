package policy

import (
	"fmt"
	"strings"
	"sync"

	"github.com/google/cel-go/cel"
)

// DenyRule is one operator-supplied CEL deny expression (spec.md §4.J
// domain stack): an additional deny layer evaluated alongside the static
// denylists. Rules reach the write path only through the caller, via
// writepolicy's Engine.WithExtraDenyRules; nothing in this module loads
// them from governance.json.
// The expression must evaluate to a bool; true means the content is
// denied.
type DenyRule struct {
	Name   string
	Reason string
	Expr   string
}

// CELRuleSet compiles and caches a fixed environment over `content`,
// `line_count`, and `has_todo`, mirroring the teacher's
// CELPolicyEvaluator cache-by-expression-string shape.
type CELRuleSet struct {
	env      *cel.Env
	mu       sync.RWMutex
	prgCache map[string]cel.Program
	rules    []DenyRule
}

// NewCELRuleSet builds a ruleset from operator-supplied rules. Each rule
// is compiled eagerly so a malformed extra_deny_rules entry fails at
// load time rather than on the first write it would have gated.
func NewCELRuleSet(rules []DenyRule) (*CELRuleSet, error) {
	env, err := cel.NewEnv(
		cel.Variable("content", cel.StringType),
		cel.Variable("line_count", cel.IntType),
		cel.Variable("has_todo", cel.BoolType),
	)
	if err != nil {
		return nil, fmt.Errorf("cel environment: %w", err)
	}

	rs := &CELRuleSet{env: env, prgCache: make(map[string]cel.Program), rules: rules}
	for _, r := range rules {
		if _, err := rs.compile(r.Expr); err != nil {
			return nil, fmt.Errorf("extra deny rule %q: %w", r.Name, err)
		}
	}
	return rs, nil
}

func (rs *CELRuleSet) compile(expr string) (cel.Program, error) {
	rs.mu.RLock()
	prg, ok := rs.prgCache[expr]
	rs.mu.RUnlock()
	if ok {
		return prg, nil
	}

	rs.mu.Lock()
	defer rs.mu.Unlock()
	if prg, ok := rs.prgCache[expr]; ok {
		return prg, nil
	}
	ast, issues := rs.env.Compile(expr)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("compile: %w", issues.Err())
	}
	prg, err := rs.env.Program(ast, cel.InterruptCheckFrequency(100), cel.CostLimit(10000))
	if err != nil {
		return nil, fmt.Errorf("program: %w", err)
	}
	rs.prgCache[expr] = prg
	return prg, nil
}

// Eval runs every rule against content, returning one Hit per rule whose
// expression evaluates true.
func (rs *CELRuleSet) Eval(content string) ([]Hit, error) {
	input := map[string]any{
		"content":    content,
		"line_count": int64(strings.Count(content, "\n") + 1),
		"has_todo":   strings.Contains(content, "TODO"),
	}

	var hits []Hit
	for _, r := range rs.rules {
		prg, err := rs.compile(r.Expr)
		if err != nil {
			return nil, err
		}
		out, _, err := prg.Eval(input)
		if err != nil {
			return nil, fmt.Errorf("eval rule %q: %w", r.Name, err)
		}
		denied, ok := out.Value().(bool)
		if !ok {
			return nil, fmt.Errorf("rule %q did not evaluate to bool", r.Name)
		}
		if denied {
			hits = append(hits, Hit{Name: r.Name, Reason: r.Reason})
		}
	}
	return hits, nil
}
