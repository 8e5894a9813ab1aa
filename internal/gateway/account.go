package gateway

import (
	"fmt"
	"time"

	"github.com/queryforge/queryforge/pkg/models"
)

// account is the per-provider mutable state: rolling request/token
// counters over sliding 1-minute and 1-day windows plus the cooldown
// deadline. Accounts are owned by the Gateway and only touched under
// its lock — concurrent requests serialize here instead of racing.
type account struct {
	minute window
	day    window

	consecutiveFailures int
	cooldownUntil       time.Time
}

func newAccount() *account {
	return &account{
		minute: window{span: time.Minute},
		day:    window{span: 24 * time.Hour},
	}
}

// inCooldown reports whether the provider is sitting out.
func (a *account) inCooldown(now time.Time) bool {
	return now.Before(a.cooldownUntil)
}

// allow predicts whether a call of estTokens fits the provider's
// configured windows. It never issues the call; a false result means
// the gateway reports a local rate limit without calling out.
func (a *account) allow(now time.Time, p *models.ProviderConfig, estTokens int64) (string, bool) {
	a.minute.prune(now)
	a.day.prune(now)

	if p.RequestsPerMinute > 0 && a.minute.requests+1 > p.RequestsPerMinute {
		return fmt.Sprintf("requests-per-minute limit %d reached", p.RequestsPerMinute), false
	}
	if p.TokensPerMinute > 0 && a.minute.tokens+estTokens > p.TokensPerMinute {
		return fmt.Sprintf("tokens-per-minute limit %d would be exceeded", p.TokensPerMinute), false
	}
	if p.RequestsPerDay > 0 && a.day.requests+1 > p.RequestsPerDay {
		return fmt.Sprintf("requests-per-day limit %d reached", p.RequestsPerDay), false
	}
	if p.TokensPerDay > 0 && a.day.tokens+estTokens > p.TokensPerDay {
		return fmt.Sprintf("tokens-per-day limit %d would be exceeded", p.TokensPerDay), false
	}
	return "", true
}

// recordUsage adds one issued request with its token count to both windows.
func (a *account) recordUsage(now time.Time, tokens int64) {
	a.minute.add(now, tokens, 1)
	a.day.add(now, tokens, 1)
}

// adjustTokens reconciles a reservation with actual usage without
// counting an extra request.
func (a *account) adjustTokens(now time.Time, delta int64) {
	a.minute.add(now, delta, 0)
	a.day.add(now, delta, 0)
}

// releaseReservation backs out a booked request whose call was never
// issued, returning both the request slot and the estimated tokens.
func (a *account) releaseReservation(now time.Time, tokens int64) {
	a.minute.add(now, -tokens, -1)
	a.day.add(now, -tokens, -1)
}

// recordSuccess resets the consecutive-failure streak.
func (a *account) recordSuccess() {
	a.consecutiveFailures = 0
}

// recordFailure bumps the streak; when it reaches threshold the provider
// enters cooldown and the streak resets so the retry after the window
// starts clean. Returns true when the cooldown tripped.
func (a *account) recordFailure(now time.Time, threshold int, cooldown time.Duration) bool {
	a.consecutiveFailures++
	if threshold > 0 && a.consecutiveFailures >= threshold {
		a.cooldownUntil = now.Add(cooldown)
		a.consecutiveFailures = 0
		return true
	}
	return false
}

// window is a sliding usage counter. Entries older than span are pruned
// lazily on access.
type window struct {
	span     time.Duration
	entries  []usageEntry
	requests int
	tokens   int64
}

type usageEntry struct {
	at       time.Time
	tokens   int64
	requests int
}

func (w *window) prune(now time.Time) {
	cutoff := now.Add(-w.span)
	drop := 0
	for drop < len(w.entries) && w.entries[drop].at.Before(cutoff) {
		w.requests -= w.entries[drop].requests
		w.tokens -= w.entries[drop].tokens
		drop++
	}
	if drop > 0 {
		w.entries = append(w.entries[:0], w.entries[drop:]...)
	}
}

func (w *window) add(now time.Time, tokens int64, requests int) {
	w.entries = append(w.entries, usageEntry{at: now, tokens: tokens, requests: requests})
	w.requests += requests
	w.tokens += tokens
}
