// Package pipeline orchestrates one generation run through its stages:
// discovery, dependencies, build, validate, finalize.
//
// Discovery, dependencies, build, and finalize are required — a fatal
// failure in any of them fails the run with a structured error and an
// actionable suggestion. Validate is optional: its failures degrade the
// run instead of aborting it. Stages communicate only through recorded
// StageResults; progress streams through the per-run event log.
package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/queryforge/queryforge/internal/budget"
	"github.com/queryforge/queryforge/internal/builder"
	"github.com/queryforge/queryforge/internal/config"
	"github.com/queryforge/queryforge/internal/depgraph"
	"github.com/queryforge/queryforge/internal/events"
	"github.com/queryforge/queryforge/internal/gateway"
	"github.com/queryforge/queryforge/internal/prompts"
	"github.com/queryforge/queryforge/internal/sandbox"
	"github.com/queryforge/queryforge/internal/store"
	"github.com/queryforge/queryforge/internal/strategy"
	"github.com/queryforge/queryforge/internal/validator"
	"github.com/queryforge/queryforge/pkg/models"
)

// Error kinds surfaced in RunError.Kind.
const (
	ErrKindBudget    = "budget_exhausted"
	ErrKindProviders = "providers_unavailable"
	ErrKindCycle     = "dependency_cycle"
	ErrKindDiscovery = "discovery_failed"
	ErrKindCancelled = "cancelled"
	ErrKindInternal  = "internal"
)

// Pipeline owns the lifecycle of generation runs.
type Pipeline struct {
	cfg       *config.Config
	gw        builder.Completer
	checker   sandbox.Checker
	store     store.Store
	validator *validator.Validator

	mu       sync.Mutex
	cancels  map[string]context.CancelFunc
	emitters map[string]*events.Emitter
}

// New wires a pipeline. The checker is shared across runs; budgets and
// emitters are created per run.
func New(cfg *config.Config, gw builder.Completer, checker sandbox.Checker, st store.Store) (*Pipeline, error) {
	v, err := validator.New(checker, validator.DefaultRules())
	if err != nil {
		return nil, err
	}
	return &Pipeline{
		cfg:       cfg,
		gw:        gw,
		checker:   checker,
		store:     st,
		validator: v,
		cancels:   make(map[string]context.CancelFunc),
		emitters:  make(map[string]*events.Emitter),
	}, nil
}

// Start validates the request, registers the run, and executes it in
// the background. The returned run is the initial running snapshot.
func (p *Pipeline) Start(ctx context.Context, req *models.GenerationRequest) (*models.GenerationRun, error) {
	if req.Spec == "" {
		return nil, fmt.Errorf("spec document is empty")
	}
	if req.Level == "" {
		req.Level = models.LevelBalanced
	}
	if !req.Level.Valid() {
		return nil, fmt.Errorf("unknown intelligence level %q", req.Level)
	}
	if req.Budget.MaxTokens == 0 {
		req.Budget.MaxTokens = p.cfg.Budget.DefaultMaxTokens
	}
	if req.Budget.MaxCostUSD == 0 {
		req.Budget.MaxCostUSD = p.cfg.Budget.DefaultMaxCostUSD
	}
	timeout := req.Timeout
	if timeout <= 0 {
		timeout = p.cfg.Pipeline.DefaultTimeout
	}

	run := &models.GenerationRun{
		ID:        uuid.NewString(),
		Request:   *req,
		Status:    models.RunRunning,
		StartedAt: time.Now().UTC(),
	}
	if err := p.store.CreateRun(ctx, run); err != nil {
		return nil, fmt.Errorf("create run: %w", err)
	}

	runCtx, cancel := context.WithTimeout(context.Background(), timeout)
	emitter := events.NewEmitter()

	p.mu.Lock()
	p.cancels[run.ID] = cancel
	p.emitters[run.ID] = emitter
	p.mu.Unlock()

	go p.execute(runCtx, run, emitter)

	return run, nil
}

// Cancel aborts a running run. Unknown or finished runs return ErrNotFound.
func (p *Pipeline) Cancel(runID string) error {
	p.mu.Lock()
	cancel, ok := p.cancels[runID]
	p.mu.Unlock()
	if !ok {
		return &store.ErrNotFound{Entity: "running run", Key: runID}
	}
	cancel()
	return nil
}

// Events returns the live event log for a run, or nil once the run has
// finished (the stored run then carries the full history).
func (p *Pipeline) Events(runID string) *events.Emitter {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.emitters[runID]
}

// execute drives the stage sequence and persists the terminal run state.
func (p *Pipeline) execute(ctx context.Context, run *models.GenerationRun, emitter *events.Emitter) {
	tracer := otel.Tracer("queryforge/pipeline")
	ctx, span := tracer.Start(ctx, "pipeline.execute", trace.WithAttributes(
		attribute.String("run.id", run.ID),
		attribute.String("run.level", string(run.Request.Level)),
	))

	profile := strategy.ForLevel(run.Request.Level)
	ctrl := budget.NewController(run.Request.Budget, p.cfg.Budget.ReserveFraction)

	defer func() {
		p.finish(run, emitter, ctrl)
		span.SetAttributes(attribute.String("run.status", string(run.Status)))
		span.End()

		p.mu.Lock()
		if cancel := p.cancels[run.ID]; cancel != nil {
			cancel()
		}
		delete(p.cancels, run.ID)
		delete(p.emitters, run.ID)
		p.mu.Unlock()
	}()

	emitter.Emit("run", models.PhaseStart, "Generation run started", map[string]any{
		"level": string(run.Request.Level),
	})

	// ── discovery ────────────────────────────────────────────
	stageCtx, stageSpan := tracer.Start(ctx, "stage.discovery")
	mapping, result := p.discover(stageCtx, run, ctrl, emitter)
	endStage(stageSpan, result)
	run.Stages = append(run.Stages, *result)
	if result.Status == models.StageFailed {
		return
	}
	if result.Status == models.StageDegraded {
		run.Degraded = true
	}

	// ── dependencies ─────────────────────────────────────────
	_, stageSpan = tracer.Start(ctx, "stage.dependencies")
	graph, result := p.resolve(mapping, run, emitter)
	endStage(stageSpan, result)
	run.Stages = append(run.Stages, *result)
	if result.Status == models.StageFailed {
		return
	}
	if result.Status == models.StageDegraded {
		run.Degraded = true
	}

	// ── build ────────────────────────────────────────────────
	stageCtx, stageSpan = tracer.Start(ctx, "stage.build")
	buildRes, result := p.build(stageCtx, run, graph, mapping, ctrl, emitter, profile)
	endStage(stageSpan, result)
	run.Stages = append(run.Stages, *result)
	if result.Status == models.StageFailed {
		return
	}
	if buildRes.Degraded {
		run.Degraded = true
	}

	sql := Assemble(mapping, graph, buildRes, profile.Comments)

	// ── validate (optional) ──────────────────────────────────
	stageCtx, stageSpan = tracer.Start(ctx, "stage.validate")
	result = p.validateStatement(stageCtx, run, sql, buildRes, emitter)
	endStage(stageSpan, result)
	run.Stages = append(run.Stages, *result)
	if result.Status == models.StageFailed {
		return
	}
	if result.Status == models.StageDegraded {
		run.Degraded = true
	}

	// ── finalize ─────────────────────────────────────────────
	run.SQL = sql
	if run.Degraded {
		run.Status = models.RunDegraded
	} else {
		run.Status = models.RunCompleted
	}
	run.Stages = append(run.Stages, models.StageResult{
		Stage:  "finalize",
		Status: models.StageCompleted,
	})
}

// discover turns the raw mapping document into a structured MappingSpec.
// When the budget refuses the model call, the document is tried as
// literal JSON — callers that pre-normalized their mapping still succeed
// at zero spend.
func (p *Pipeline) discover(ctx context.Context, run *models.GenerationRun, ctrl *budget.Controller, emitter *events.Emitter) (*models.MappingSpec, *models.StageResult) {
	result := &models.StageResult{Stage: "discovery", Status: models.StageRunning}
	started := time.Now()
	defer func() { result.Usage.DurationMs = time.Since(started).Milliseconds() }()

	emitter.Emit("discovery", models.PhaseStart, "Analyzing mapping document", nil)

	prompt := prompts.Discovery(run.Request.Spec, run.Request.TargetEnv)
	est := gateway.EstimateTokens(prompt) + 2048

	var raw string
	if err := ctrl.Authorize(est, true); err != nil {
		var denied *budget.DeniedError
		if !errors.As(err, &denied) {
			return nil, p.failStage(run, result, emitter, ErrKindInternal, err.Error(), "")
		}
		// Zero-spend fallback: the document itself may already be JSON.
		raw = run.Request.Spec
		result.Diagnostics = append(result.Diagnostics, "budget denied discovery call, parsing document as literal JSON")
		result.Status = models.StageDegraded
		emitter.Emit("discovery", models.PhaseDegraded,
			"Budget denied the discovery call, parsing the document as literal JSON", nil)
	} else {
		comp, err := p.gw.Complete(ctx, &gateway.CompletionRequest{Prompt: prompt, MaxTokens: 2048})
		if err != nil {
			return nil, p.failStage(run, result, emitter, kindForError(err),
				fmt.Sprintf("discovery call failed: %v", err),
				suggestionForError(err))
		}
		ctrl.Record(comp.TotalTokens(), comp.CostUSD)
		result.Usage.Tokens = comp.TotalTokens()
		result.Usage.CostUSD = comp.CostUSD
		raw = comp.Text
	}

	var mapping models.MappingSpec
	if err := json.Unmarshal([]byte(prompts.ExtractJSON(raw)), &mapping); err != nil {
		return nil, p.failStage(run, result, emitter, ErrKindDiscovery,
			fmt.Sprintf("mapping extraction produced unparseable output: %v", err),
			"simplify the mapping document or provide it as structured JSON")
	}
	if len(mapping.Tables) == 0 {
		return nil, p.failStage(run, result, emitter, ErrKindDiscovery,
			"no tables could be extracted from the mapping document",
			"check that the document names its source tables explicitly")
	}

	// Partial extraction degrades instead of failing: the builder can
	// still produce CTEs without output columns or relationships.
	if len(mapping.OutputColumns) == 0 {
		result.Diagnostics = append(result.Diagnostics, "no output columns extracted")
		result.Status = models.StageDegraded
		emitter.Emit("discovery", models.PhaseDegraded, "No output columns extracted from the document", nil)
	}
	if result.Status != models.StageDegraded {
		result.Status = models.StageCompleted
	}
	result.Artifact = &mapping

	emitter.Emit("discovery", models.PhaseComplete, "Mapping extracted", map[string]any{
		"tables":        len(mapping.Tables),
		"relationships": len(mapping.Relationships),
	})
	return &mapping, result
}

// resolve builds the dependency graph and verifies it is acyclic.
func (p *Pipeline) resolve(mapping *models.MappingSpec, run *models.GenerationRun, emitter *events.Emitter) (*depgraph.Graph, *models.StageResult) {
	result := &models.StageResult{Stage: "dependencies", Status: models.StageRunning}
	started := time.Now()
	defer func() { result.Usage.DurationMs = time.Since(started).Milliseconds() }()

	emitter.Emit("dependencies", models.PhaseStart, "Resolving construction order", nil)

	graph, skipped, err := depgraph.FromMapping(mapping)
	if err != nil {
		return nil, p.failStage(run, result, emitter, ErrKindDiscovery, err.Error(),
			"the mapping document must name at least one table")
	}
	result.Diagnostics = skipped

	order, err := graph.TopoOrder()
	if err != nil {
		var cycle *depgraph.CycleError
		if errors.As(err, &cycle) {
			return nil, p.failStage(run, result, emitter, ErrKindCycle, cycle.Error(),
				"review the join directions between these tables in the mapping document")
		}
		return nil, p.failStage(run, result, emitter, ErrKindInternal, err.Error(), "")
	}

	result.Status = models.StageCompleted
	if len(skipped) > 0 {
		result.Status = models.StageDegraded
	}
	result.Artifact = order

	emitter.Emit("dependencies", models.PhaseComplete, "Construction order resolved", map[string]any{
		"nodes":   graph.Len(),
		"skipped": len(skipped),
	})
	return graph, result
}

// build runs the incremental builder over the graph.
func (p *Pipeline) build(ctx context.Context, run *models.GenerationRun, graph *depgraph.Graph, mapping *models.MappingSpec, ctrl *budget.Controller, emitter *events.Emitter, profile strategy.Profile) (*builder.Result, *models.StageResult) {
	result := &models.StageResult{Stage: "build", Status: models.StageRunning}
	started := time.Now()
	defer func() { result.Usage.DurationMs = time.Since(started).Milliseconds() }()

	emitter.Emit("build", models.PhaseStart, "Building SQL units", map[string]any{
		"nodes": graph.Len(),
	})

	b := builder.New(p.gw, p.validator, ctrl, emitter, profile, run.Request.TargetEnv)
	buildRes, err := b.Build(ctx, graph, mapping)
	if err != nil {
		return nil, p.failStage(run, result, emitter, kindForError(err),
			fmt.Sprintf("build aborted: %v", err), suggestionForError(err))
	}

	result.Usage.Tokens = buildRes.Usage.Tokens
	result.Usage.CostUSD = buildRes.Usage.CostUSD
	result.Status = models.StageCompleted
	if buildRes.Degraded {
		result.Status = models.StageDegraded
	}
	result.Artifact = buildRes.Units

	emitter.Emit("build", models.PhaseComplete, "All units settled", map[string]any{
		"units":    len(buildRes.Units),
		"degraded": buildRes.Degraded,
	})
	return buildRes, result
}

// validateStatement trials the assembled statement as a whole. Optional:
// failures degrade the run with a diagnostic instead of aborting it, and
// the trial is skipped entirely when the build already degraded (a
// statement holding placeholders cannot execute). Cancellation is the
// exception — it fails the run like everywhere else.
func (p *Pipeline) validateStatement(ctx context.Context, run *models.GenerationRun, sql string, buildRes *builder.Result, emitter *events.Emitter) *models.StageResult {
	result := &models.StageResult{Stage: "validate", Status: models.StageRunning}
	started := time.Now()
	defer func() { result.Usage.DurationMs = time.Since(started).Milliseconds() }()

	emitter.Emit("validate", models.PhaseStart, "Validating assembled statement", nil)

	if buildRes.Degraded {
		result.Status = models.StageDegraded
		result.Diagnostics = append(result.Diagnostics, "whole-statement trial skipped: statement contains placeholders")
		emitter.Emit("validate", models.PhaseComplete, "Validation skipped for degraded build", nil)
		return result
	}

	if err := ctx.Err(); err != nil {
		return p.failStage(run, result, emitter, kindForError(err),
			"run cancelled during statement validation", suggestionForError(err))
	}

	unit := &models.BuildUnit{NodeID: "statement", Kind: models.NodeCTE, Fragment: sql}
	res, err := p.checker.Check(ctx, unit, nil)
	switch {
	case err != nil && ctx.Err() != nil:
		return p.failStage(run, result, emitter, kindForError(ctx.Err()),
			"run cancelled during statement validation", suggestionForError(ctx.Err()))
	case err != nil:
		result.Status = models.StageDegraded
		result.Diagnostics = append(result.Diagnostics, fmt.Sprintf("sandbox unavailable: %v", err))
		emitter.Emit("validate", models.PhaseComplete, "Sandbox unavailable, statement unverified", nil)
	case !res.Passed:
		result.Status = models.StageDegraded
		result.Diagnostics = append(result.Diagnostics, "whole-statement trial failed: "+res.FailureReason)
		emitter.Emit("validate", models.PhaseComplete, "Statement trial failed", map[string]any{
			"reason": res.FailureReason,
		})
	default:
		result.Status = models.StageCompleted
		emitter.Emit("validate", models.PhaseComplete, "Statement verified", map[string]any{
			"rows": res.RowEstimate,
		})
	}
	return result
}

// failStage records a fatal stage failure on the run.
func (p *Pipeline) failStage(run *models.GenerationRun, result *models.StageResult, emitter *events.Emitter, kind, message, suggestion string) *models.StageResult {
	result.Status = models.StageFailed
	run.Status = models.RunFailed
	run.Error = &models.RunError{Kind: kind, Message: message, Suggestion: suggestion}
	emitter.Emit(result.Stage, models.PhaseError, message, nil)
	return result
}

// finish emits the terminal run event, snapshots the history, and
// persists the final run state.
func (p *Pipeline) finish(run *models.GenerationRun, emitter *events.Emitter, ctrl *budget.Controller) {
	// A deadline or cancel that interrupted a stage shows up here as a
	// still-running status.
	if run.Status == models.RunRunning {
		run.Status = models.RunFailed
		if run.Error == nil {
			run.Error = &models.RunError{
				Kind:       ErrKindCancelled,
				Message:    "run cancelled before completion",
				Suggestion: "resubmit the request, or raise the timeout for large mappings",
			}
		}
	}

	run.TotalTokens, run.TotalCostUSD = ctrl.Used()
	done := time.Now().UTC()
	run.CompletedAt = &done
	run.DurationMs = done.Sub(run.StartedAt).Milliseconds()

	if run.Status == models.RunFailed {
		emitter.Emit("run", models.PhaseError, run.Error.Message, map[string]any{
			"kind":       run.Error.Kind,
			"suggestion": run.Error.Suggestion,
		})
	} else {
		emitter.Emit("run", models.PhaseComplete, "Generation finished", map[string]any{
			"sql":      run.SQL,
			"degraded": run.Degraded,
			"tokens":   run.TotalTokens,
			"cost_usd": run.TotalCostUSD,
		})
	}

	run.Events = emitter.History(0)
	emitter.Close()

	if err := p.store.UpdateRun(context.Background(), run); err != nil {
		log.Error().Err(err).Str("run_id", run.ID).Msg("Failed to persist finished run")
	}

	log.Info().
		Str("run_id", run.ID).
		Str("status", string(run.Status)).
		Int64("tokens", run.TotalTokens).
		Float64("cost_usd", run.TotalCostUSD).
		Int64("duration_ms", run.DurationMs).
		Msg("🏁 Generation run finished")
}

func endStage(span trace.Span, result *models.StageResult) {
	span.SetAttributes(attribute.String("stage.status", string(result.Status)))
	span.End()
}

// kindForError maps gateway/context failures to run error kinds.
func kindForError(err error) string {
	switch {
	case errors.Is(err, gateway.ErrAllProvidersUnavailable):
		return ErrKindProviders
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return ErrKindCancelled
	default:
		return ErrKindInternal
	}
}

func suggestionForError(err error) string {
	switch kindForError(err) {
	case ErrKindProviders:
		return "wait for provider rate limits to reset, or configure an additional provider"
	case ErrKindCancelled:
		return "resubmit the request, or raise the timeout for large mappings"
	default:
		return ""
	}
}
