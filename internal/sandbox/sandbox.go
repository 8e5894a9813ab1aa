// Package sandbox runs trial executions of SQL fragments against an
// isolated database so validation failures surface before the final
// statement is assembled.
package sandbox

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog/log"

	"github.com/queryforge/queryforge/internal/config"
	"github.com/queryforge/queryforge/pkg/models"
)

// CheckResult is the outcome of one trial execution.
type CheckResult struct {
	Passed bool
	// RowEstimate is the row count the trial query observed; only
	// meaningful when Passed.
	RowEstimate int64
	// FailureReason is the database error text when the trial failed.
	FailureReason string
}

// Checker validates one SQL fragment in the context of its already
// built dependencies. Implementations must not mutate sandbox state:
// trials are read-only wrapper queries.
type Checker interface {
	Check(ctx context.Context, unit *models.BuildUnit, ctes map[string]string) (*CheckResult, error)
}

// ── Postgres trial execution ─────────────────────────────────

// PostgresChecker wraps fragments in a counting trial query and runs it
// against the sandbox database.
type PostgresChecker struct {
	pool    *pgxpool.Pool
	timeout time.Duration
}

// NewPostgresChecker connects a pgx pool to the sandbox DSN.
func NewPostgresChecker(ctx context.Context, cfg config.SandboxConfig) (*PostgresChecker, error) {
	pool, err := pgxpool.New(ctx, cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("sandbox: connect: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("sandbox: ping: %w", err)
	}
	log.Info().Msg("🧪 Sandbox database connected")
	return &PostgresChecker{pool: pool, timeout: cfg.CheckTimeout}, nil
}

// Close releases the connection pool.
func (c *PostgresChecker) Close() {
	c.pool.Close()
}

// Check wraps the unit's fragment in a trial statement and executes it.
// A database error is a validation failure, not a checker error; checker
// errors are reserved for the sandbox itself being unreachable.
func (c *PostgresChecker) Check(ctx context.Context, unit *models.BuildUnit, ctes map[string]string) (*CheckResult, error) {
	trial, err := TrialStatement(unit, ctes)
	if err != nil {
		return &CheckResult{Passed: false, FailureReason: err.Error()}, nil
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	var count int64
	if err := c.pool.QueryRow(ctx, trial).Scan(&count); err != nil {
		if ctx.Err() != nil {
			return nil, fmt.Errorf("sandbox: trial timed out: %w", ctx.Err())
		}
		return &CheckResult{Passed: false, FailureReason: err.Error()}, nil
	}

	return &CheckResult{Passed: true, RowEstimate: count}, nil
}

// TrialStatement builds the read-only wrapper query for a unit. CTE and
// select fragments become `SELECT count(*) FROM (...) q`; join fragments
// are attached to their already validated CTEs first.
func TrialStatement(unit *models.BuildUnit, ctes map[string]string) (string, error) {
	fragment := strings.TrimSpace(unit.Fragment)
	if fragment == "" {
		return "", fmt.Errorf("empty fragment for %s", unit.NodeID)
	}

	switch unit.Kind {
	case models.NodeCTE:
		return fmt.Sprintf("SELECT count(*) FROM (%s) q", fragment), nil

	case models.NodeJoin:
		left, right, err := joinSides(unit.NodeID)
		if err != nil {
			return "", err
		}
		leftBody, ok := ctes[left]
		if !ok {
			return "", fmt.Errorf("join %s: CTE for %s not built", unit.NodeID, left)
		}
		rightBody, ok := ctes[right]
		if !ok {
			return "", fmt.Errorf("join %s: CTE for %s not built", unit.NodeID, right)
		}
		return fmt.Sprintf(
			"WITH %s AS (%s), %s AS (%s) SELECT count(*) FROM %s %s",
			left, leftBody, right, rightBody, left, fragment), nil

	case models.NodeSelect:
		// The select list alone is not executable; trial it over one CTE
		// when any exist, otherwise as constants. Map iteration order is
		// random, so pin the first name in sorted order to keep trials
		// reproducible across runs.
		if len(ctes) > 0 {
			names := make([]string, 0, len(ctes))
			for name := range ctes {
				names = append(names, name)
			}
			sort.Strings(names)
			name := names[0]
			return fmt.Sprintf(
				"WITH %s AS (%s) SELECT count(*) FROM (SELECT %s FROM %s) q",
				name, ctes[name], fragment, name), nil
		}
		return fmt.Sprintf("SELECT count(*) FROM (SELECT %s) q", fragment), nil

	default:
		return "", fmt.Errorf("unknown unit kind %q", unit.Kind)
	}
}

// joinSides splits "join:left-right" into its table names.
func joinSides(nodeID string) (string, string, error) {
	rest, ok := strings.CutPrefix(nodeID, "join:")
	if !ok {
		return "", "", fmt.Errorf("not a join node: %s", nodeID)
	}
	left, right, ok := strings.Cut(rest, "-")
	if !ok || left == "" || right == "" {
		return "", "", fmt.Errorf("malformed join node: %s", nodeID)
	}
	return left, right, nil
}

// ── Static checks ────────────────────────────────────────────

// StaticChecker validates fragments without a database: balanced
// parentheses, non-empty text, and no statement-terminating semicolons
// inside a fragment. Used when no sandbox DSN is configured and in tests.
type StaticChecker struct{}

func (StaticChecker) Check(_ context.Context, unit *models.BuildUnit, _ map[string]string) (*CheckResult, error) {
	fragment := strings.TrimSpace(unit.Fragment)
	if fragment == "" {
		return &CheckResult{Passed: false, FailureReason: "empty fragment"}, nil
	}
	if strings.Contains(strings.TrimRight(fragment, "; \n\t"), ";") {
		return &CheckResult{Passed: false, FailureReason: "fragment contains multiple statements"}, nil
	}

	depth := 0
	for _, r := range fragment {
		switch r {
		case '(':
			depth++
		case ')':
			depth--
			if depth < 0 {
				return &CheckResult{Passed: false, FailureReason: "unbalanced parentheses"}, nil
			}
		}
	}
	if depth != 0 {
		return &CheckResult{Passed: false, FailureReason: "unbalanced parentheses"}, nil
	}

	return &CheckResult{Passed: true}, nil
}
