// Package budget enforces the per-request spend ceiling.
//
// Every prospective provider call is authorized against cumulative
// recorded usage before it is issued; a denial never aborts the request
// by itself — the calling stage falls back to a cheaper strategy instead.
// Ceilings are scoped per request and never shared across runs.
package budget

import (
	"fmt"
	"sync"

	"github.com/queryforge/queryforge/pkg/models"
)

// fallbackCostPer1K projects cost for a prospective call before any real
// usage has been recorded. Once calls complete, the observed rate wins.
const fallbackCostPer1K = 0.002

// DeniedError explains why an authorization was refused.
type DeniedError struct {
	Reason string
}

func (e *DeniedError) Error() string { return "budget denied: " + e.Reason }

// Controller tracks cumulative token/cost spend for one request.
type Controller struct {
	mu sync.Mutex

	maxTokens  int64
	maxCostUSD float64
	reserve    float64 // fraction of ceiling held back for essential stages

	usedTokens int64
	usedCost   float64
}

// NewController creates a controller for one request. Zero ceiling values
// disable the corresponding check; reserve is a fraction in [0,1).
func NewController(b models.Budget, reserve float64) *Controller {
	if reserve < 0 || reserve >= 1 {
		reserve = 0.10
	}
	return &Controller{
		maxTokens:  b.MaxTokens,
		maxCostUSD: b.MaxCostUSD,
		reserve:    reserve,
	}
}

// Authorize decides whether a call estimated at estTokens may proceed.
// Essential (required-stage) calls may spend into the reserve margin;
// non-essential calls are denied once the reserve is all that remains.
func (c *Controller) Authorize(estTokens int64, essential bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	tokenCeiling := c.maxTokens
	costCeiling := c.maxCostUSD
	if !essential {
		if tokenCeiling > 0 {
			tokenCeiling = int64(float64(tokenCeiling) * (1 - c.reserve))
		}
		if costCeiling > 0 {
			costCeiling *= 1 - c.reserve
		}
	}

	if tokenCeiling > 0 && c.usedTokens+estTokens > tokenCeiling {
		return &DeniedError{Reason: fmt.Sprintf(
			"projected tokens %d would exceed ceiling %d (used %d)",
			estTokens, tokenCeiling, c.usedTokens)}
	}

	if costCeiling > 0 {
		projected := c.usedCost + float64(estTokens)*c.costPerTokenLocked()
		if projected > costCeiling {
			return &DeniedError{Reason: fmt.Sprintf(
				"projected cost $%.4f would exceed ceiling $%.4f (used $%.4f)",
				projected, costCeiling, c.usedCost)}
		}
	}

	return nil
}

// Record adds actual usage from a completed call.
func (c *Controller) Record(actualTokens int64, costUSD float64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.usedTokens += actualTokens
	c.usedCost += costUSD
}

// Used returns cumulative recorded usage.
func (c *Controller) Used() (tokens int64, costUSD float64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.usedTokens, c.usedCost
}

// costPerTokenLocked returns the observed per-token rate, or the fallback
// before any usage exists. Caller holds c.mu.
func (c *Controller) costPerTokenLocked() float64 {
	if c.usedTokens > 0 && c.usedCost > 0 {
		return c.usedCost / float64(c.usedTokens)
	}
	return fallbackCostPer1K / 1000
}
