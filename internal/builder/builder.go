// Package builder constructs the target SQL one dependency-graph node at
// a time.
//
// Each node becomes a BuildUnit: prompt the model, trial the fragment in
// the sandbox, and either freeze it as passed or run the recovery policy.
// Recoverable failures re-prompt with the failure folded in, up to the
// profile's retry budget; structural failures and exhausted retries turn
// the unit into an explicit placeholder comment so the run degrades
// instead of aborting. A node is only attempted once every dependency
// has settled as passed or skipped-with-comment.
package builder

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/queryforge/queryforge/internal/budget"
	"github.com/queryforge/queryforge/internal/depgraph"
	"github.com/queryforge/queryforge/internal/events"
	"github.com/queryforge/queryforge/internal/gateway"
	"github.com/queryforge/queryforge/internal/prompts"
	"github.com/queryforge/queryforge/internal/strategy"
	"github.com/queryforge/queryforge/internal/validator"
	"github.com/queryforge/queryforge/pkg/models"
)

// Completer is the slice of the gateway the builder needs.
type Completer interface {
	Complete(ctx context.Context, req *gateway.CompletionRequest) (*gateway.Completion, error)
}

// Result is the outcome of the build stage.
type Result struct {
	// Units by node ID, every one settled as passed or skipped.
	Units map[string]*models.BuildUnit
	// Order is the schedule the units were built in.
	Order []string
	// Degraded is true when any unit was skipped or built from a
	// template fallback.
	Degraded bool
	Usage    models.ResourceUsage
}

// Builder drives the per-node construction loop for one run.
type Builder struct {
	completer Completer
	validator *validator.Validator
	budget    *budget.Controller
	emitter   *events.Emitter
	profile   strategy.Profile
	targetEnv string
}

// New wires a builder for one generation run.
func New(completer Completer, v *validator.Validator, b *budget.Controller, e *events.Emitter, profile strategy.Profile, targetEnv string) *Builder {
	return &Builder{
		completer: completer,
		validator: v,
		budget:    b,
		emitter:   e,
		profile:   profile,
		targetEnv: targetEnv,
	}
}

// Build walks the graph in topological order and settles every node.
// It fails only on fatal conditions: cancellation or every provider
// unavailable. Validation failures never abort the build.
func (b *Builder) Build(ctx context.Context, graph *depgraph.Graph, mapping *models.MappingSpec) (*Result, error) {
	order, err := graph.TopoOrder()
	if err != nil {
		return nil, err
	}

	res := &Result{
		Units: make(map[string]*models.BuildUnit, len(order)),
		Order: order,
	}
	// Passed CTE bodies by table name, for join trials and prompts.
	ctes := make(map[string]string)

	for _, id := range order {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		node := graph.Node(id)
		unit := &models.BuildUnit{NodeID: id, Kind: node.Kind, Status: models.UnitUntested}
		res.Units[id] = unit

		b.emitter.Emit(id, models.PhaseStart, "Building "+id, nil)

		if blocked := b.blockedBySkippedDep(node, res.Units); blocked != "" {
			b.skip(unit, fmt.Sprintf("depends on skipped unit %s", blocked), res)
			continue
		}

		if err := b.buildUnit(ctx, node, unit, mapping, ctes, res); err != nil {
			return nil, err
		}

		if unit.Status == models.UnitPassed && unit.Kind == models.NodeCTE {
			ctes[node.Table.Name] = unit.Fragment
		}
	}

	return res, nil
}

// blockedBySkippedDep returns the first skipped dependency, or "". A
// skipped dependency makes this node untrialable, so it is skipped
// without spending model calls.
func (b *Builder) blockedBySkippedDep(node *depgraph.Node, units map[string]*models.BuildUnit) string {
	for _, dep := range node.Deps {
		if u := units[dep]; u != nil && u.Status == models.UnitSkipped {
			// The select node tolerates skipped joins: it projects over
			// whatever survived.
			if node.Kind == models.NodeSelect {
				continue
			}
			return dep
		}
	}
	return ""
}

// buildUnit runs the prompt/validate/recover loop for one node.
func (b *Builder) buildUnit(ctx context.Context, node *depgraph.Node, unit *models.BuildUnit, mapping *models.MappingSpec, ctes map[string]string, res *Result) error {
	prompt, skipReason := b.initialPrompt(node, mapping, ctes)
	if skipReason != "" {
		b.skip(unit, skipReason, res)
		return nil
	}

	for {
		unit.Attempts++

		// The first attempt at a unit is essential spend; repair attempts
		// may not eat into the reserve margin and settle on the template
		// when it is all that remains.
		fragment, fellBack, err := b.generate(ctx, prompt, node, mapping, unit.Attempts == 1, res)
		if err != nil {
			return err
		}
		unit.Fragment = fragment
		if fellBack {
			res.Degraded = true
			b.emitter.Emit(unit.NodeID, models.PhaseDegraded,
				"Budget exhausted, using template fragment", nil)
		}

		verdict, err := b.validator.Validate(ctx, unit, ctes)
		if err != nil {
			return err
		}
		if verdict.Passed {
			unit.Status = models.UnitPassed
			b.emitter.Emit(unit.NodeID, models.PhaseComplete, "Unit validated", map[string]any{
				"attempts": unit.Attempts,
				"rows":     verdict.RowEstimate,
			})
			return nil
		}

		unit.Status = models.UnitFailed

		if verdict.Class == validator.ClassStructural {
			b.skip(unit, "structural failure: "+verdict.FailureReason, res)
			return nil
		}
		if fellBack || unit.Attempts > b.profile.MaxBuildRetries {
			b.skip(unit, fmt.Sprintf("retries exhausted after %d attempts: %s",
				unit.Attempts, verdict.FailureReason), res)
			return nil
		}

		b.emitter.Emit(unit.NodeID, models.PhaseRetry, "Validation failed, retrying", map[string]any{
			"attempt": unit.Attempts,
			"reason":  verdict.FailureReason,
		})
		prompt = prompts.Repair(prompt, unit.Fragment, verdict.FailureReason, unit.Attempts)
	}
}

// generate obtains a fragment: a budget-authorized model call, or the
// deterministic template when the budget controller refuses the spend.
// ErrAllProvidersUnavailable is fatal and propagates.
func (b *Builder) generate(ctx context.Context, prompt string, node *depgraph.Node, mapping *models.MappingSpec, essential bool, res *Result) (fragment string, fellBack bool, err error) {
	const maxTokens = 1024
	est := gateway.EstimateTokens(prompt) + maxTokens

	if err := b.budget.Authorize(est, essential); err != nil {
		var denied *budget.DeniedError
		if !errors.As(err, &denied) {
			return "", false, err
		}
		log.Info().Str("node", node.ID).Str("reason", denied.Reason).
			Msg("💸 Build call denied by budget, falling back to template")
		return TemplateFragment(node, mapping), true, nil
	}

	comp, err := b.completer.Complete(ctx, &gateway.CompletionRequest{
		Prompt:      prompt,
		MaxTokens:   maxTokens,
		Temperature: b.profile.Temperature,
	})
	if err != nil {
		return "", false, err
	}

	b.budget.Record(comp.TotalTokens(), comp.CostUSD)
	res.Usage.Tokens += comp.TotalTokens()
	res.Usage.CostUSD += comp.CostUSD

	return prompts.ExtractPayload(comp.Text), false, nil
}

// initialPrompt builds the first prompt for a node, or a skip reason
// when the profile forbids generating this unit.
func (b *Builder) initialPrompt(node *depgraph.Node, mapping *models.MappingSpec, ctes map[string]string) (prompt, skipReason string) {
	switch node.Kind {
	case models.NodeCTE:
		return prompts.BuildCTE(node.Table, mapping.BusinessRules, b.targetEnv), ""

	case models.NodeJoin:
		if node.Rel.JoinCondition == "" && node.Rel.Description == "" && !b.profile.InferMissingJoins {
			return "", fmt.Sprintf("join condition for %s-%s missing from the mapping document",
				node.Rel.LeftTable, node.Rel.RightTable)
		}
		return prompts.BuildJoin(node.Rel, ctes[node.Rel.LeftTable], ctes[node.Rel.RightTable], b.targetEnv), ""

	case models.NodeSelect:
		if len(mapping.OutputColumns) == 0 {
			return "", "mapping document defines no output columns"
		}
		return prompts.BuildSelect(mapping, b.targetEnv), ""

	default:
		return "", fmt.Sprintf("unknown node kind %q", node.Kind)
	}
}

// skip settles a unit as skipped-with-comment and emits the degraded and
// terminal events for its section.
func (b *Builder) skip(unit *models.BuildUnit, reason string, res *Result) {
	unit.Status = models.UnitSkipped
	unit.Comment = PlaceholderComment(unit.NodeID, reason, b.profile.Comments)
	unit.Fragment = ""
	res.Degraded = true

	b.emitter.Emit(unit.NodeID, models.PhaseDegraded, "Unit skipped: "+reason, nil)
	b.emitter.Emit(unit.NodeID, models.PhaseComplete, "Unit settled as placeholder", map[string]any{
		"attempts": unit.Attempts,
	})
}

// PlaceholderComment renders the annotation that stands in for a skipped
// unit in the assembled SQL.
func PlaceholderComment(nodeID, reason string, density strategy.CommentDensity) string {
	switch density {
	case strategy.CommentsMinimal:
		return fmt.Sprintf("-- placeholder: %s", nodeID)
	case strategy.CommentsVerbose:
		return fmt.Sprintf("-- placeholder: %s could not be built: %s\n-- review the mapping document and fill this in manually", nodeID, reason)
	default:
		return fmt.Sprintf("-- placeholder: %s could not be built: %s", nodeID, reason)
	}
}

// TemplateFragment is the deterministic zero-cost fragment used when the
// budget refuses a model call. Plain but valid SQL.
func TemplateFragment(node *depgraph.Node, mapping *models.MappingSpec) string {
	switch node.Kind {
	case models.NodeCTE:
		t := node.Table
		cols := "*"
		if len(t.Columns) > 0 {
			cols = strings.Join(t.Columns, ", ")
		}
		name := t.Name
		if t.Schema != "" {
			name = t.Schema + "." + t.Name
		}
		return fmt.Sprintf("SELECT %s FROM %s", cols, name)

	case models.NodeJoin:
		rel := node.Rel
		joinType := rel.JoinType
		if joinType == "" {
			joinType = "INNER"
		}
		cond := rel.JoinCondition
		if cond == "" {
			cond = "1=1 -- join condition missing from mapping"
		}
		return fmt.Sprintf("%s JOIN %s ON %s", joinType, rel.RightTable, cond)

	case models.NodeSelect:
		if len(mapping.OutputColumns) == 0 {
			return "*"
		}
		parts := make([]string, 0, len(mapping.OutputColumns))
		for _, col := range mapping.OutputColumns {
			ref := col.Column
			if col.Table != "" {
				ref = col.Table + "." + col.Column
			}
			if col.Aggregation != "" {
				ref = fmt.Sprintf("%s(%s)", col.Aggregation, ref)
			}
			if col.Alias != "" {
				ref += " AS " + col.Alias
			}
			parts = append(parts, ref)
		}
		return strings.Join(parts, ", ")

	default:
		return ""
	}
}
