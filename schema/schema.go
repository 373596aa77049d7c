// Package schema checks stage payloads. Each field rule is an expr-lang
// expression evaluated against the payload, compiled once per Checker.
package schema

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	exprlang "github.com/expr-lang/expr"
	exprvm "github.com/expr-lang/expr/vm"

	"github.com/Moon-Elf/ecotrace/stage"
)

// Rule must evaluate to true for a payload to pass.
type Rule struct {
	Field   string
	Expr    string
	Message string
}

type Violation struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// Error lists every violated rule of one payload.
type Error struct {
	Kind       stage.Kind
	Violations []Violation
}

func (e *Error) Error() string {
	if e == nil {
		return "<nil>"
	}
	parts := make([]string, 0, len(e.Violations))
	for _, v := range e.Violations {
		parts = append(parts, v.Field+": "+v.Message)
	}
	return fmt.Sprintf("invalid %s payload: %s", e.Kind, strings.Join(parts, "; "))
}

// Violations returns the violations carried by err, if any.
func Violations(err error) []Violation {
	var e *Error
	if errors.As(err, &e) {
		return e.Violations
	}
	return nil
}

// ReferenceData restricts identifiers to known values. An empty list
// accepts anything.
type ReferenceData struct {
	Forests        []string `yaml:"forests" json:"forests"`
	WoodTypes      []string `yaml:"wood_types" json:"woodTypes"`
	Certifications []string `yaml:"certifications" json:"certifications"`
}

type compiledRule struct {
	Rule
	program *exprvm.Program
}

type Checker struct {
	rules map[stage.Kind][]compiledRule
	refs  map[string]any
}

// New compiles the built-in rules plus extra rules per kind.
func New(refs ReferenceData, extra map[stage.Kind][]Rule) (*Checker, error) {
	c := &Checker{
		rules: make(map[stage.Kind][]compiledRule),
		refs: map[string]any{
			"forests":        toAny(refs.Forests),
			"woodTypes":      toAny(refs.WoodTypes),
			"certifications": toAny(refs.Certifications),
		},
	}
	for _, kind := range stage.Kinds {
		rules := append(append([]Rule(nil), builtin[kind]...), extra[kind]...)
		for _, r := range rules {
			program, err := compile(r.Expr)
			if err != nil {
				return nil, fmt.Errorf("schema: %s rule for %s: %w", kind, r.Field, err)
			}
			c.rules[kind] = append(c.rules[kind], compiledRule{Rule: r, program: program})
		}
	}
	for kind := range extra {
		if !kind.Valid() {
			return nil, fmt.Errorf("schema: rules for unknown kind %q", kind)
		}
	}
	return c, nil
}

func compile(expression string) (*exprvm.Program, error) {
	if strings.TrimSpace(expression) == "" {
		return nil, errors.New("expression must not be empty")
	}
	opts := []exprlang.Option{
		exprlang.Env(map[string]any{}),
		exprlang.AllowUndefinedVariables(),
	}
	return exprlang.Compile(expression, append(opts, helpers...)...)
}

// Check evaluates every rule of kind against payload.
func (c *Checker) Check(kind stage.Kind, payload map[string]any) error {
	rules, ok := c.rules[kind]
	if !ok {
		return fmt.Errorf("schema: unknown record kind %q", kind)
	}
	env := make(map[string]any, len(payload)+len(c.refs))
	for k, v := range c.refs {
		env[k] = v
	}
	for k, v := range payload {
		env[k] = v
	}

	var out []Violation
	for _, r := range rules {
		res, err := exprlang.Run(r.program, env)
		if ok, _ := res.(bool); err != nil || !ok {
			out = append(out, Violation{Field: r.Field, Message: r.Message})
		}
	}
	if len(out) == 0 {
		return nil
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Field < out[j].Field })
	return &Error{Kind: kind, Violations: out}
}

func toAny(in []string) []any {
	out := make([]any, len(in))
	for i, s := range in {
		out[i] = s
	}
	return out
}
