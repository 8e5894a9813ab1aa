package builder_test

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/queryforge/queryforge/internal/budget"
	"github.com/queryforge/queryforge/internal/builder"
	"github.com/queryforge/queryforge/internal/depgraph"
	"github.com/queryforge/queryforge/internal/events"
	"github.com/queryforge/queryforge/internal/gateway"
	"github.com/queryforge/queryforge/internal/sandbox"
	"github.com/queryforge/queryforge/internal/strategy"
	"github.com/queryforge/queryforge/internal/validator"
	"github.com/queryforge/queryforge/pkg/models"
)

// fakeCompleter returns one canned completion per call.
type fakeCompleter struct {
	calls  int
	tokens int64 // per-side token count, 10 when zero
	err    error
}

func (f *fakeCompleter) Complete(_ context.Context, req *gateway.CompletionRequest) (*gateway.Completion, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	tokens := f.tokens
	if tokens == 0 {
		tokens = 10
	}
	return &gateway.Completion{
		Text:      fmt.Sprintf("SELECT %d", f.calls),
		TokensIn:  tokens,
		TokensOut: tokens,
		CostUSD:   0.0001,
	}, nil
}

// scriptChecker returns canned results per node in order, defaulting to
// pass once a node's script runs out.
type scriptChecker struct {
	script map[string][]sandbox.CheckResult
	seen   map[string]int
}

func newScriptChecker() *scriptChecker {
	return &scriptChecker{
		script: make(map[string][]sandbox.CheckResult),
		seen:   make(map[string]int),
	}
}

func (c *scriptChecker) fail(nodeID, reason string, times int) *scriptChecker {
	for i := 0; i < times; i++ {
		c.script[nodeID] = append(c.script[nodeID], sandbox.CheckResult{Passed: false, FailureReason: reason})
	}
	return c
}

func (c *scriptChecker) Check(_ context.Context, unit *models.BuildUnit, _ map[string]string) (*sandbox.CheckResult, error) {
	i := c.seen[unit.NodeID]
	c.seen[unit.NodeID]++
	if results := c.script[unit.NodeID]; i < len(results) {
		r := results[i]
		return &r, nil
	}
	return &sandbox.CheckResult{Passed: true, RowEstimate: 1}, nil
}

func testMapping() *models.MappingSpec {
	return &models.MappingSpec{
		Tables: []models.TableMapping{
			{Name: "a", Schema: "sales"},
			{Name: "b", Schema: "sales"},
		},
		OutputColumns: []models.OutputColumn{
			{Table: "a", Column: "id", Alias: "a_id"},
		},
	}
}

func newBuilder(t *testing.T, completer builder.Completer, checker sandbox.Checker, b models.Budget, level models.IntelligenceLevel) (*builder.Builder, *events.Emitter) {
	t.Helper()
	v, err := validator.New(checker, validator.DefaultRules())
	require.NoError(t, err)
	emitter := events.NewEmitter()
	ctrl := budget.NewController(b, 0.10)
	return builder.New(completer, v, ctrl, emitter, strategy.ForLevel(level), "postgres"), emitter
}

func mustGraph(t *testing.T, m *models.MappingSpec) *depgraph.Graph {
	t.Helper()
	g, _, err := depgraph.FromMapping(m)
	require.NoError(t, err)
	return g
}

func TestBuild_AllUnitsPass(t *testing.T) {
	completer := &fakeCompleter{}
	b, _ := newBuilder(t, completer, newScriptChecker(), models.Budget{}, models.LevelBalanced)

	res, err := b.Build(context.Background(), mustGraph(t, testMapping()), testMapping())
	require.NoError(t, err)

	assert.False(t, res.Degraded)
	assert.Len(t, res.Units, 3) // cte:a, cte:b, select:output
	for id, unit := range res.Units {
		assert.Equal(t, models.UnitPassed, unit.Status, "unit %s", id)
		assert.NotEmpty(t, unit.Fragment, "unit %s", id)
	}
	assert.Positive(t, res.Usage.Tokens)
}

func TestBuild_RecoverableFailureRetriesThenPasses(t *testing.T) {
	// cte:a fails twice with a syntax error, then passes; b and the
	// select pass first try.
	checker := newScriptChecker().fail("cte:a", `syntax error at or near "FORM"`, 2)
	completer := &fakeCompleter{}
	b, emitter := newBuilder(t, completer, checker, models.Budget{}, models.LevelBalanced)

	res, err := b.Build(context.Background(), mustGraph(t, testMapping()), testMapping())
	require.NoError(t, err)

	unitA := res.Units["cte:a"]
	assert.Equal(t, models.UnitPassed, unitA.Status)
	assert.Equal(t, 3, unitA.Attempts)
	assert.False(t, res.Degraded)

	// Event order: the retries for a precede its completion, and every
	// section ends with exactly one terminal event.
	var sectionA []models.EventPhase
	for _, evt := range emitter.History(0) {
		if evt.Section == "cte:a" {
			sectionA = append(sectionA, evt.Phase)
		}
	}
	assert.Equal(t, []models.EventPhase{
		models.PhaseStart, models.PhaseRetry, models.PhaseRetry, models.PhaseComplete,
	}, sectionA)
}

func TestBuild_StructuralFailureSkipsImmediately(t *testing.T) {
	checker := newScriptChecker().fail("cte:a", `relation "sales.a" does not exist`, 5)
	completer := &fakeCompleter{}
	b, emitter := newBuilder(t, completer, checker, models.Budget{}, models.LevelBalanced)

	res, err := b.Build(context.Background(), mustGraph(t, testMapping()), testMapping())
	require.NoError(t, err)

	unitA := res.Units["cte:a"]
	assert.Equal(t, models.UnitSkipped, unitA.Status)
	assert.Equal(t, 1, unitA.Attempts, "structural failures must not be retried")
	assert.Contains(t, unitA.Comment, "-- placeholder: cte:a")
	assert.True(t, res.Degraded)

	var phases []models.EventPhase
	for _, evt := range emitter.History(0) {
		if evt.Section == "cte:a" {
			phases = append(phases, evt.Phase)
		}
	}
	assert.Equal(t, []models.EventPhase{
		models.PhaseStart, models.PhaseDegraded, models.PhaseComplete,
	}, phases)
}

func TestBuild_RetriesExhaustedBecomesPlaceholder(t *testing.T) {
	// Conservative profile: 2 retries, so 3 attempts total.
	checker := newScriptChecker().fail("cte:a", "syntax error", 10)
	completer := &fakeCompleter{}
	b, _ := newBuilder(t, completer, checker, models.Budget{}, models.LevelConservative)

	res, err := b.Build(context.Background(), mustGraph(t, testMapping()), testMapping())
	require.NoError(t, err)

	unitA := res.Units["cte:a"]
	assert.Equal(t, models.UnitSkipped, unitA.Status)
	assert.Equal(t, 3, unitA.Attempts)
	assert.True(t, res.Degraded)
}

func TestBuild_BudgetDenialFallsBackToTemplate(t *testing.T) {
	completer := &fakeCompleter{}
	// Ceiling below the cost of a single call: every generate falls back.
	b, emitter := newBuilder(t, completer, newScriptChecker(), models.Budget{MaxTokens: 1}, models.LevelBalanced)

	res, err := b.Build(context.Background(), mustGraph(t, testMapping()), testMapping())
	require.NoError(t, err)

	assert.Zero(t, completer.calls, "budget denial must not reach the provider")
	assert.True(t, res.Degraded)
	assert.Equal(t, "SELECT * FROM sales.a", res.Units["cte:a"].Fragment)
	assert.Equal(t, models.UnitPassed, res.Units["cte:a"].Status)

	degraded := 0
	for _, evt := range emitter.History(0) {
		if evt.Phase == models.PhaseDegraded {
			degraded++
		}
	}
	assert.Equal(t, 3, degraded)
}

func TestBuild_RepairAttemptsCannotSpendTheReserve(t *testing.T) {
	// cte:a fails recoverably once. The first call on a unit is essential
	// and may spend up to the ceiling, but the repair attempt is held to
	// the 90% line: with 10,000 of 12,000 tokens already recorded, the
	// retry is denied and the unit settles on the template fragment
	// instead of a second provider call.
	checker := newScriptChecker().fail("cte:a", "syntax error", 1)
	completer := &fakeCompleter{tokens: 5_000}
	b, emitter := newBuilder(t, completer, checker, models.Budget{MaxTokens: 12_000}, models.LevelBalanced)

	res, err := b.Build(context.Background(), mustGraph(t, testMapping()), testMapping())
	require.NoError(t, err)

	unitA := res.Units["cte:a"]
	assert.Equal(t, models.UnitPassed, unitA.Status)
	assert.Equal(t, 2, unitA.Attempts)
	assert.Equal(t, "SELECT * FROM sales.a", unitA.Fragment)
	assert.True(t, res.Degraded)

	var phases []models.EventPhase
	for _, evt := range emitter.History(0) {
		if evt.Section == "cte:a" {
			phases = append(phases, evt.Phase)
		}
	}
	assert.Equal(t, []models.EventPhase{
		models.PhaseStart, models.PhaseRetry, models.PhaseDegraded, models.PhaseComplete,
	}, phases)
}

func TestBuild_AllProvidersUnavailableIsFatal(t *testing.T) {
	completer := &fakeCompleter{err: gateway.ErrAllProvidersUnavailable}
	b, _ := newBuilder(t, completer, newScriptChecker(), models.Budget{}, models.LevelBalanced)

	_, err := b.Build(context.Background(), mustGraph(t, testMapping()), testMapping())
	require.ErrorIs(t, err, gateway.ErrAllProvidersUnavailable)
}

func TestBuild_ConservativeSkipsJoinWithoutCondition(t *testing.T) {
	m := testMapping()
	m.Relationships = []models.Relationship{
		{LeftTable: "a", RightTable: "b"}, // no condition, no description
	}
	completer := &fakeCompleter{}
	b, _ := newBuilder(t, completer, newScriptChecker(), models.Budget{}, models.LevelConservative)

	res, err := b.Build(context.Background(), mustGraph(t, m), m)
	require.NoError(t, err)

	join := res.Units["join:a-b"]
	require.NotNil(t, join)
	assert.Equal(t, models.UnitSkipped, join.Status)
	assert.Contains(t, join.Comment, "join:a-b")

	// The select node still settles: it projects over what survived.
	assert.Equal(t, models.UnitPassed, res.Units["select:output"].Status)
}

func TestBuild_SkippedDependencyPropagates(t *testing.T) {
	m := testMapping()
	m.Relationships = []models.Relationship{
		{LeftTable: "a", RightTable: "b", JoinCondition: "a.id = b.a_id"},
	}
	// cte:b fails structurally, so join:a-b must be skipped without
	// spending a model call on it.
	checker := newScriptChecker().fail("cte:b", `relation "sales.b" does not exist`, 1)
	completer := &fakeCompleter{}
	b, _ := newBuilder(t, completer, checker, models.Budget{}, models.LevelBalanced)

	res, err := b.Build(context.Background(), mustGraph(t, m), m)
	require.NoError(t, err)

	assert.Equal(t, models.UnitSkipped, res.Units["cte:b"].Status)
	join := res.Units["join:a-b"]
	assert.Equal(t, models.UnitSkipped, join.Status)
	assert.Zero(t, join.Attempts)
	assert.Contains(t, join.Comment, "cte:b")
}

func TestTemplateFragment_Select(t *testing.T) {
	m := &models.MappingSpec{
		OutputColumns: []models.OutputColumn{
			{Table: "o", Column: "amount", Aggregation: "SUM", Alias: "total"},
			{Column: "region"},
		},
	}
	node := &depgraph.Node{ID: depgraph.SelectID, Kind: models.NodeSelect}
	got := builder.TemplateFragment(node, m)
	assert.Equal(t, "SUM(o.amount) AS total, region", got)
}
