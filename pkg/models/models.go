// Package models defines the shared types of the QueryForge generation
// control plane: requests, stage results, build units, progress events,
// and provider configuration.
package models

import (
	"time"
)

// ── Generation Request ───────────────────────────────────────

// IntelligenceLevel selects the named strategy profile for a generation run.
// It is a closed set; each level maps to explicit retry/backoff/comment
// parameters in internal/strategy.
type IntelligenceLevel string

const (
	LevelConservative IntelligenceLevel = "conservative"
	LevelBalanced     IntelligenceLevel = "balanced"
	LevelAggressive   IntelligenceLevel = "aggressive"
)

// Valid reports whether the level is one of the known profiles.
func (l IntelligenceLevel) Valid() bool {
	switch l {
	case LevelConservative, LevelBalanced, LevelAggressive:
		return true
	}
	return false
}

// Budget is the per-request spend ceiling. Zero values mean "no limit"
// for that dimension.
type Budget struct {
	MaxTokens  int64   `json:"max_tokens,omitempty"`
	MaxCostUSD float64 `json:"max_cost_usd,omitempty"`
}

// GenerationRequest is the immutable input to one generation run.
// It is created once per submission and never mutated; all run-scoped
// mutable state lives in the GenerationRun.
type GenerationRequest struct {
	// Spec is the normalized mapping specification produced by the
	// (external) ingestion step: sheets of text, partial tables, and
	// informal rules flattened into one document.
	Spec string `json:"spec"`

	// TargetEnv identifies the execution environment the generated SQL
	// is meant for (e.g. "postgres", "databricks").
	TargetEnv string `json:"target_env,omitempty"`

	Level   IntelligenceLevel `json:"level,omitempty"`
	Budget  Budget            `json:"budget,omitempty"`
	Timeout time.Duration     `json:"timeout,omitempty"` // wall-clock cap, 0 = server default
}

// ── Stage Results ────────────────────────────────────────────

type StageStatus string

const (
	StagePending   StageStatus = "pending"
	StageRunning   StageStatus = "running"
	StageCompleted StageStatus = "completed"
	StageDegraded  StageStatus = "degraded"
	StageFailed    StageStatus = "failed"
)

// ResourceUsage records what one stage consumed.
type ResourceUsage struct {
	Tokens     int64   `json:"tokens"`
	CostUSD    float64 `json:"cost_usd"`
	DurationMs int64   `json:"duration_ms"`
}

// StageResult is the output of one pipeline stage. Stages communicate
// exclusively through these — no shared mutable state.
type StageResult struct {
	Stage       string        `json:"stage"`
	Status      StageStatus   `json:"status"`
	Artifact    any           `json:"artifact,omitempty"`
	Diagnostics []string      `json:"diagnostics,omitempty"`
	Usage       ResourceUsage `json:"usage"`
}

// ── Mapping Spec (discovery artifact) ────────────────────────

// TableMapping is one source table extracted from the mapping document.
type TableMapping struct {
	Name        string   `json:"name"`
	Alias       string   `json:"alias,omitempty"`
	Schema      string   `json:"schema,omitempty"`
	Columns     []string `json:"columns,omitempty"`
	Description string   `json:"description,omitempty"`
}

// Relationship is a join between two tables, possibly described in
// business terms in the source document.
type Relationship struct {
	LeftTable     string `json:"left_table"`
	RightTable    string `json:"right_table"`
	JoinType      string `json:"join_type,omitempty"` // INNER|LEFT|RIGHT|FULL
	JoinCondition string `json:"join_condition,omitempty"`
	Description   string `json:"description,omitempty"`
}

// OutputColumn is one column of the target result set.
type OutputColumn struct {
	Table          string `json:"table,omitempty"`
	Column         string `json:"column"`
	Alias          string `json:"alias,omitempty"`
	Aggregation    string `json:"aggregation,omitempty"`
	Transformation string `json:"transformation,omitempty"`
}

// Filter is a row restriction extracted from the document.
type Filter struct {
	Table       string `json:"table,omitempty"`
	Column      string `json:"column"`
	Operator    string `json:"operator"`
	Value       string `json:"value"`
	Condition   string `json:"condition,omitempty"` // WHERE|HAVING
	Description string `json:"description,omitempty"`
}

// BusinessRule is an informal rule the model consolidated from the document.
type BusinessRule struct {
	Rule           string `json:"rule"`
	Implementation string `json:"implementation,omitempty"`
	AppliesTo      string `json:"applies_to,omitempty"`
}

// MappingMetadata summarizes what the discovery stage understood.
type MappingMetadata struct {
	Description    string `json:"description,omitempty"`
	Complexity     string `json:"complexity,omitempty"` // SIMPLE|MEDIUM|COMPLEX
	BusinessDomain string `json:"business_domain,omitempty"`
}

// MappingSpec is the normalized structure the discovery stage extracts
// from the raw mapping document.
type MappingSpec struct {
	Tables        []TableMapping  `json:"tables"`
	Relationships []Relationship  `json:"relationships"`
	OutputColumns []OutputColumn  `json:"output_columns"`
	Filters       []Filter        `json:"filters"`
	BusinessRules []BusinessRule  `json:"business_logic"`
	Metadata      MappingMetadata `json:"metadata"`
}

// ── Build Units ──────────────────────────────────────────────

// NodeKind classifies a construction unit in the dependency graph.
type NodeKind string

const (
	NodeCTE    NodeKind = "cte"
	NodeJoin   NodeKind = "join"
	NodeSelect NodeKind = "select"
)

type UnitStatus string

const (
	UnitUntested UnitStatus = "untested"
	UnitPassed   UnitStatus = "passed"
	UnitFailed   UnitStatus = "failed"
	// UnitSkipped means the unit was replaced by an explicit placeholder
	// comment after its retry budget was exhausted or a structural failure.
	UnitSkipped UnitStatus = "skipped-with-comment"
)

// BuildUnit is one independently validated fragment of the target SQL.
// A unit is frozen once it reaches UnitPassed; re-validation of a passed
// unit must yield passed again.
type BuildUnit struct {
	NodeID   string     `json:"node_id"`
	Kind     NodeKind   `json:"kind"`
	Fragment string     `json:"fragment"`
	Status   UnitStatus `json:"status"`
	Attempts int        `json:"attempts"`
	// Comment carries the placeholder annotation for skipped units and
	// the actionable suggestion surfaced to the caller.
	Comment string `json:"comment,omitempty"`
}

// ── Progress Events ──────────────────────────────────────────

type EventPhase string

const (
	PhaseStart    EventPhase = "start"
	PhaseProgress EventPhase = "progress"
	PhaseRetry    EventPhase = "retry"
	PhaseDegraded EventPhase = "degraded"
	PhaseComplete EventPhase = "complete"
	PhaseError    EventPhase = "error"
)

// Terminal reports whether the phase ends its section.
func (p EventPhase) Terminal() bool {
	return p == PhaseComplete || p == PhaseError
}

// ProgressEvent is one record of the append-only per-run history.
// Sequence numbers are strictly increasing and gapless within a run.
type ProgressEvent struct {
	Section   string         `json:"section"`
	Phase     EventPhase     `json:"phase"`
	Message   string         `json:"message"`
	Details   map[string]any `json:"details,omitempty"`
	Sequence  uint64         `json:"sequence"`
	Timestamp time.Time      `json:"timestamp"`
}

// ── Generation Run ───────────────────────────────────────────

type RunStatus string

const (
	RunRunning   RunStatus = "running"
	RunCompleted RunStatus = "completed"
	RunDegraded  RunStatus = "degraded"
	RunFailed    RunStatus = "failed"
)

// GenerationRun is the persisted record of one pipeline execution:
// the immutable request, per-stage results, the full event history,
// and the final artifact (or structured error).
type GenerationRun struct {
	ID      string            `json:"id"`
	Request GenerationRequest `json:"request"`
	Status  RunStatus         `json:"status"`

	Stages []StageResult   `json:"stages,omitempty"`
	Events []ProgressEvent `json:"events,omitempty"`

	SQL      string    `json:"sql,omitempty"`
	Degraded bool      `json:"degraded,omitempty"`
	Error    *RunError `json:"error,omitempty"`

	TotalTokens  int64   `json:"total_tokens"`
	TotalCostUSD float64 `json:"total_cost_usd"`

	StartedAt   time.Time  `json:"started_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	DurationMs  int64      `json:"duration_ms,omitempty"`
}

// RunError is the structured terminal error of a failed run.
type RunError struct {
	Kind       string `json:"kind"`
	Message    string `json:"message"`
	Suggestion string `json:"suggestion,omitempty"`
}

// ── Provider Configuration ───────────────────────────────────

// ProviderConfig describes one reasoning provider. Providers are tried
// in ascending Priority order; rate limits are enforced locally before
// any call leaves the gateway.
type ProviderConfig struct {
	Name     string `json:"name" yaml:"name"`
	Kind     string `json:"kind" yaml:"kind"` // openai|azure-openai|anthropic|ollama|openai-compatible
	Endpoint string `json:"endpoint,omitempty" yaml:"endpoint"`
	Model    string `json:"model,omitempty" yaml:"model"`
	Priority int    `json:"priority" yaml:"priority"`

	// Local rate-limit windows. Zero disables the corresponding check.
	RequestsPerMinute int   `json:"requests_per_minute,omitempty" yaml:"requests_per_minute"`
	TokensPerMinute   int64 `json:"tokens_per_minute,omitempty" yaml:"tokens_per_minute"`
	RequestsPerDay    int   `json:"requests_per_day,omitempty" yaml:"requests_per_day"`
	TokensPerDay      int64 `json:"tokens_per_day,omitempty" yaml:"tokens_per_day"`

	// APIKey is never serialized back out.
	APIKey string `json:"-" yaml:"api_key"`

	// Cost per 1K tokens; zero falls back to the built-in model table.
	CostPer1KInput  float64 `json:"cost_per_1k_input,omitempty" yaml:"cost_per_1k_input"`
	CostPer1KOutput float64 `json:"cost_per_1k_output,omitempty" yaml:"cost_per_1k_output"`
}
