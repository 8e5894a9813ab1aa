package validator_test

import (
	"context"
	"testing"

	"github.com/queryforge/queryforge/internal/sandbox"
	"github.com/queryforge/queryforge/internal/validator"
	"github.com/queryforge/queryforge/pkg/models"
)

// failingChecker always reports the same failure text.
type failingChecker struct {
	reason string
}

func (c failingChecker) Check(context.Context, *models.BuildUnit, map[string]string) (*sandbox.CheckResult, error) {
	return &sandbox.CheckResult{Passed: false, FailureReason: c.reason}, nil
}

func newValidator(t *testing.T, checker sandbox.Checker) *validator.Validator {
	t.Helper()
	v, err := validator.New(checker, validator.DefaultRules())
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	return v
}

func TestClassify(t *testing.T) {
	v := newValidator(t, sandbox.StaticChecker{})

	cases := []struct {
		reason string
		want   validator.FailureClass
	}{
		{`relation "sales.orders" does not exist`, validator.ClassStructural},
		{`column "customer_nm" not found`, validator.ClassStructural},
		{`permission denied for schema finance`, validator.ClassStructural},
		{`syntax error at or near "FORM"`, validator.ClassRecoverable},
		{`column reference "id" is ambiguous`, validator.ClassRecoverable},
		{`something never seen before`, validator.ClassRecoverable},
	}
	for _, tc := range cases {
		if got := v.Classify(tc.reason); got != tc.want {
			t.Errorf("Classify(%q) = %s, want %s", tc.reason, got, tc.want)
		}
	}
}

func TestValidate_PassedUnitIsFrozen(t *testing.T) {
	// The checker would fail this unit, but a passed unit must never be
	// re-trialed.
	v := newValidator(t, failingChecker{reason: "should never run"})

	unit := &models.BuildUnit{NodeID: "cte:x", Kind: models.NodeCTE, Status: models.UnitPassed}
	verdict, err := v.Validate(context.Background(), unit, nil)
	if err != nil {
		t.Fatalf("Validate() error = %v", err)
	}
	if !verdict.Passed {
		t.Error("re-validation of a passed unit must pass")
	}
}

func TestValidate_FailureCarriesClassAndReason(t *testing.T) {
	v := newValidator(t, failingChecker{reason: `table "x" does not exist`})

	unit := &models.BuildUnit{NodeID: "cte:x", Kind: models.NodeCTE, Fragment: "SELECT * FROM x"}
	verdict, err := v.Validate(context.Background(), unit, nil)
	if err != nil {
		t.Fatalf("Validate() error = %v", err)
	}
	if verdict.Passed {
		t.Fatal("expected failure")
	}
	if verdict.Class != validator.ClassStructural {
		t.Errorf("Class = %s, want structural", verdict.Class)
	}
	if verdict.FailureReason == "" {
		t.Error("FailureReason is empty")
	}
}

func TestNew_BadRuleDroppedNotFatal(t *testing.T) {
	rules := append(validator.DefaultRules(), validator.Rule{
		Name:  "broken",
		Expr:  `reason matches (`,
		Class: validator.ClassStructural,
	})
	v, err := validator.New(sandbox.StaticChecker{}, rules)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	if got := v.Classify("anything"); got != validator.ClassRecoverable {
		t.Errorf("Classify = %s, want recoverable default", got)
	}
}
