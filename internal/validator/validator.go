// Package validator checks built SQL fragments against the sandbox and
// classifies failures into the recovery taxonomy.
//
// Classification rules are expr expressions evaluated over the failure
// text, so operators can extend the taxonomy per deployment without a
// rebuild. A structural failure (missing table/column, malformed schema
// reference) is not retried; a recoverable failure (syntax slip, bad
// alias) re-enters the build loop until the profile's retry budget runs
// out.
package validator

import (
	"context"
	"fmt"
	"strings"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"
	"github.com/rs/zerolog/log"

	"github.com/queryforge/queryforge/internal/sandbox"
	"github.com/queryforge/queryforge/pkg/models"
)

// FailureClass decides what the recovery loop does next.
type FailureClass string

const (
	// ClassRecoverable failures re-enter the build loop with the failure
	// text folded into the repair prompt.
	ClassRecoverable FailureClass = "recoverable"
	// ClassStructural failures skip the unit immediately with a
	// placeholder comment; retrying the same missing table cannot help.
	ClassStructural FailureClass = "structural"
)

// Verdict is the outcome of validating one unit.
type Verdict struct {
	Passed        bool
	Class         FailureClass
	FailureReason string
	RowEstimate   int64
}

// Rule maps an expr expression over the failure text to a class. The
// expression sees one variable, `reason` (lowercased failure text), and
// must evaluate to a boolean.
type Rule struct {
	Name  string
	Expr  string
	Class FailureClass
}

// DefaultRules classify the failure shapes the sandbox actually
// produces. First match wins; unmatched failures are recoverable.
func DefaultRules() []Rule {
	return []Rule{
		{
			Name:  "missing-relation",
			Expr:  `reason matches "(does not exist|not found|undefined (table|column)|unknown (table|column)|no such table)"`,
			Class: ClassStructural,
		},
		{
			Name:  "missing-schema",
			Expr:  `reason matches "(invalid schema|schema .* does not exist|permission denied)"`,
			Class: ClassStructural,
		},
		{
			Name:  "syntax",
			Expr:  `reason matches "(syntax error|unexpected token|unterminated|parse error)"`,
			Class: ClassRecoverable,
		},
		{
			Name:  "ambiguous-reference",
			Expr:  `reason matches "(ambiguous|must appear in the group by)"`,
			Class: ClassRecoverable,
		},
	}
}

type compiledRule struct {
	name    string
	class   FailureClass
	program *vm.Program
}

// Validator runs sandbox checks and failure classification.
type Validator struct {
	checker sandbox.Checker
	rules   []compiledRule
}

// New compiles the rule set. Rules that fail to compile are dropped
// with a warning rather than failing startup.
func New(checker sandbox.Checker, rules []Rule) (*Validator, error) {
	if checker == nil {
		return nil, fmt.Errorf("validator: nil checker")
	}

	v := &Validator{checker: checker}
	env := map[string]any{"reason": ""}
	for _, r := range rules {
		program, err := expr.Compile(r.Expr, expr.Env(env), expr.AsBool())
		if err != nil {
			log.Warn().Str("rule", r.Name).Err(err).Msg("Classification rule dropped: does not compile")
			continue
		}
		v.rules = append(v.rules, compiledRule{name: r.Name, class: r.Class, program: program})
	}
	return v, nil
}

// Validate trials the unit. Passed units are frozen by the builder;
// validating an already passed unit again returns passed without
// touching the sandbox.
func (v *Validator) Validate(ctx context.Context, unit *models.BuildUnit, ctes map[string]string) (*Verdict, error) {
	if unit.Status == models.UnitPassed {
		return &Verdict{Passed: true}, nil
	}

	res, err := v.checker.Check(ctx, unit, ctes)
	if err != nil {
		return nil, fmt.Errorf("validate %s: %w", unit.NodeID, err)
	}
	if res.Passed {
		return &Verdict{Passed: true, RowEstimate: res.RowEstimate}, nil
	}

	class := v.Classify(res.FailureReason)
	return &Verdict{Passed: false, Class: class, FailureReason: res.FailureReason}, nil
}

// Classify maps a failure text to its class. First matching rule wins;
// the default is recoverable so novel failures still get their retries.
func (v *Validator) Classify(reason string) FailureClass {
	env := map[string]any{"reason": strings.ToLower(reason)}
	for _, r := range v.rules {
		out, err := expr.Run(r.program, env)
		if err != nil {
			log.Warn().Str("rule", r.name).Err(err).Msg("Classification rule errored, skipping")
			continue
		}
		if matched, _ := out.(bool); matched {
			return r.class
		}
	}
	return ClassRecoverable
}
