// Package gateway is the uniform entry point to the configured reasoning
// providers.
//
// The gateway owns per-provider rate-limit accounting (sliding 1-minute
// and 1-day windows), exponential backoff with jitter on remote rate
// limits, cooldown-based failover across providers in priority order,
// and token/cost metering. Provider state is never shared mutable state:
// all accounting funnels through the gateway's lock.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/queryforge/queryforge/internal/config"
	"github.com/queryforge/queryforge/pkg/models"
	"github.com/rs/zerolog/log"
)

// ErrAllProvidersUnavailable means every configured provider is in
// cooldown or rate-limited. Fatal for the calling stage — never silently
// retried by the gateway.
var ErrAllProvidersUnavailable = errors.New("all providers unavailable")

// RateLimitedError is returned when a provider rejected the call (remote)
// or the gateway predicted the call would breach a configured window and
// refused to issue it (local).
type RateLimitedError struct {
	Provider   string
	Reason     string
	RetryAfter time.Duration
	Local      bool
}

func (e *RateLimitedError) Error() string {
	side := "remote"
	if e.Local {
		side = "local"
	}
	return fmt.Sprintf("provider %s rate limited (%s): %s", e.Provider, side, e.Reason)
}

// CompletionRequest is one prompt sent through the gateway.
type CompletionRequest struct {
	Prompt      string
	MaxTokens   int
	Temperature float64
}

// Completion is the metered result of a provider call.
type Completion struct {
	Provider  string
	Model     string
	Text      string
	TokensIn  int64
	TokensOut int64
	CostUSD   float64
}

// TotalTokens returns input + output tokens.
func (c *Completion) TotalTokens() int64 { return c.TokensIn + c.TokensOut }

// EstimateTokens is the rough prompt-size heuristic used for window
// projection and budget authorization (~4 chars per token).
func EstimateTokens(prompt string) int64 {
	return int64(len(prompt)/4) + 1
}

// Gateway routes completion requests to providers in priority order.
type Gateway struct {
	cfg       config.GatewayConfig
	providers []models.ProviderConfig

	driversMu sync.RWMutex
	drivers   map[string]Driver

	// accounts holds the only state shared across concurrent runs;
	// every read and increment happens under mu.
	mu       sync.Mutex
	accounts map[string]*account

	// now and sleep are swapped out by tests.
	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
}

// New creates a gateway over the configured providers, sorted by
// ascending priority, with the built-in drivers registered.
func New(cfg config.GatewayConfig, providers []models.ProviderConfig) *Gateway {
	sorted := make([]models.ProviderConfig, len(providers))
	copy(sorted, providers)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].Priority < sorted[j].Priority
	})

	client := &http.Client{Timeout: cfg.CallTimeout}

	g := &Gateway{
		cfg:       cfg,
		providers: sorted,
		drivers:   make(map[string]Driver),
		accounts:  make(map[string]*account),
		now:       time.Now,
		sleep:     sleepCtx,
	}
	for _, d := range []Driver{
		&openAIDriver{kind: "openai", client: client},
		&openAIDriver{kind: "azure-openai", client: client},
		&openAIDriver{kind: "openai-compatible", client: client},
		&anthropicDriver{client: client},
		&ollamaDriver{client: client},
	} {
		g.RegisterDriver(d)
	}
	return g
}

// RegisterDriver adds or overrides a provider driver.
func (g *Gateway) RegisterDriver(d Driver) {
	g.driversMu.Lock()
	defer g.driversMu.Unlock()
	g.drivers[d.Kind()] = d
}

// Driver returns the registered driver for a kind, or nil.
func (g *Gateway) Driver(kind string) Driver {
	g.driversMu.RLock()
	defer g.driversMu.RUnlock()
	return g.drivers[kind]
}

// Providers returns the configured providers in priority order.
func (g *Gateway) Providers() []models.ProviderConfig {
	out := make([]models.ProviderConfig, len(g.providers))
	copy(out, g.providers)
	return out
}

// Complete sends the request to the first available provider, failing
// over in priority order. Providers in cooldown are skipped; providers
// whose sliding windows would overflow are skipped without calling out.
// Remote rate limits are retried on the same provider with exponential
// backoff before failing over. When every provider is exhausted the
// call fails with ErrAllProvidersUnavailable.
func (g *Gateway) Complete(ctx context.Context, req *CompletionRequest) (*Completion, error) {
	if len(g.providers) == 0 {
		return nil, fmt.Errorf("%w: no providers configured", ErrAllProvidersUnavailable)
	}

	estTokens := EstimateTokens(req.Prompt) + int64(req.MaxTokens)

	var lastErr error
	for i := range g.providers {
		provider := &g.providers[i]

		if err := g.reserve(provider, estTokens); err != nil {
			log.Debug().Str("provider", provider.Name).Err(err).Msg("Provider skipped")
			lastErr = err
			continue
		}

		comp, err := g.callWithBackoff(ctx, provider, req)
		if err == nil {
			g.settle(provider, comp.TotalTokens()-estTokens, true)
			return comp, nil
		}

		// Caller cancellation is not a provider failure: return the
		// reservation to the windows and leave the streak alone, or a
		// few cancelled requests would cooldown a healthy provider for
		// every concurrent run.
		if ctx.Err() != nil {
			g.release(provider, estTokens)
			return nil, ctx.Err()
		}
		g.settle(provider, 0, false)

		log.Warn().
			Str("provider", provider.Name).
			Str("kind", provider.Kind).
			Err(err).
			Msg("Provider call failed, trying next")
		lastErr = err
	}

	if lastErr != nil {
		return nil, fmt.Errorf("%w: last error: %v", ErrAllProvidersUnavailable, lastErr)
	}
	return nil, ErrAllProvidersUnavailable
}

// reserve checks cooldown and window projections under the gateway lock
// and, when allowed, books the estimated usage up front so concurrent
// callers cannot double-spend a window.
func (g *Gateway) reserve(provider *models.ProviderConfig, estTokens int64) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	acct := g.accountLocked(provider.Name)
	now := g.now()

	if acct.inCooldown(now) {
		return fmt.Errorf("provider %s in cooldown until %s",
			provider.Name, acct.cooldownUntil.UTC().Format(time.RFC3339))
	}
	if reason, ok := acct.allow(now, provider, estTokens); !ok {
		return &RateLimitedError{Provider: provider.Name, Reason: reason, Local: true}
	}

	acct.recordUsage(now, estTokens)
	return nil
}

// settle reconciles the reservation with actual usage and updates the
// failure streak. tokenDelta is actual minus estimated tokens.
func (g *Gateway) settle(provider *models.ProviderConfig, tokenDelta int64, success bool) {
	g.mu.Lock()
	defer g.mu.Unlock()

	acct := g.accountLocked(provider.Name)
	if tokenDelta != 0 {
		acct.adjustTokens(g.now(), tokenDelta)
	}
	if success {
		acct.recordSuccess()
		return
	}
	if acct.recordFailure(g.now(), g.cfg.FailureThreshold, g.cfg.Cooldown) {
		log.Warn().
			Str("provider", provider.Name).
			Dur("cooldown", g.cfg.Cooldown).
			Msg("Provider entered cooldown after consecutive failures")
	}
}

// release backs out a reservation whose call never completed because the
// caller cancelled. The windows forget the booked request and tokens; the
// failure streak is untouched.
func (g *Gateway) release(provider *models.ProviderConfig, estTokens int64) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.accountLocked(provider.Name).releaseReservation(g.now(), estTokens)
}

func (g *Gateway) accountLocked(name string) *account {
	acct, ok := g.accounts[name]
	if !ok {
		acct = newAccount()
		g.accounts[name] = acct
	}
	return acct
}

// callWithBackoff issues the call, retrying remote rate limits on the
// same provider with exponential backoff: multiplier 2, base 1s, cap 300s,
// ±50% jitter, bounded attempt count. Any other provider error is
// permanent for this provider (failover handles it). Cancellation is
// observed before every retry sleep.
func (g *Gateway) callWithBackoff(ctx context.Context, provider *models.ProviderConfig, req *CompletionRequest) (*Completion, error) {
	driver := g.Driver(provider.Kind)
	if driver == nil {
		driver = g.Driver("openai-compatible")
	}
	if driver == nil {
		return nil, fmt.Errorf("no driver for provider kind %q", provider.Kind)
	}

	policy := newBackOff(g.cfg)
	var comp *Completion

	for attempt := 1; ; attempt++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		var err error
		comp, err = driver.Complete(ctx, provider, req)
		if err == nil {
			return comp, nil
		}

		var rateLimited *RateLimitedError
		if !errors.As(err, &rateLimited) {
			return nil, err
		}
		if attempt >= g.cfg.MaxAttempts {
			return nil, fmt.Errorf("rate limited after %d attempts: %w", attempt, err)
		}

		delay := policy.NextBackOff()
		if delay == backoff.Stop {
			return nil, fmt.Errorf("rate limited, backoff exhausted: %w", err)
		}
		if rateLimited.RetryAfter > delay {
			delay = rateLimited.RetryAfter
		}

		log.Info().
			Str("provider", provider.Name).
			Int("attempt", attempt).
			Dur("delay", delay).
			Msg("Provider rate limited, backing off")

		if err := g.sleep(ctx, delay); err != nil {
			return nil, err
		}
	}
}

// newBackOff builds the retry schedule. MaxElapsedTime is disabled —
// the attempt counter bounds the loop.
func newBackOff(cfg config.GatewayConfig) *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = cfg.BackoffBase
	b.Multiplier = 2
	b.MaxInterval = cfg.BackoffCap
	b.RandomizationFactor = 0.5
	b.MaxElapsedTime = 0
	b.Reset()
	return b
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
