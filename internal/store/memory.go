package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/queryforge/queryforge/pkg/models"
)

// MemoryStore keeps runs in a map guarded by an RWMutex. Completed runs
// older than the TTL are evicted by a background goroutine so long-lived
// processes do not accumulate history without bound.
type MemoryStore struct {
	mu   sync.RWMutex
	runs map[string]*models.GenerationRun

	runTTL time.Duration
	doneCh chan struct{}
}

// NewMemoryStore creates a store whose eviction loop removes finished
// runs runTTL after completion. A zero TTL disables eviction.
func NewMemoryStore(runTTL time.Duration) *MemoryStore {
	m := &MemoryStore{
		runs:   make(map[string]*models.GenerationRun),
		runTTL: runTTL,
		doneCh: make(chan struct{}),
	}

	if runTTL > 0 {
		go m.evictionLoop()
	}

	log.Info().Str("run_ttl", runTTL.String()).Msg("Memory store configured")
	return m
}

func (m *MemoryStore) CreateRun(_ context.Context, run *models.GenerationRun) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := cloneRun(run)
	m.runs[run.ID] = cp
	return nil
}

func (m *MemoryStore) GetRun(_ context.Context, id string) (*models.GenerationRun, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	run, ok := m.runs[id]
	if !ok {
		return nil, &ErrNotFound{Entity: "run", Key: id}
	}
	return cloneRun(run), nil
}

func (m *MemoryStore) UpdateRun(_ context.Context, run *models.GenerationRun) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.runs[run.ID]; !ok {
		return &ErrNotFound{Entity: "run", Key: run.ID}
	}
	m.runs[run.ID] = cloneRun(run)
	return nil
}

func (m *MemoryStore) ListRuns(_ context.Context, filter ListFilter) ([]models.GenerationRun, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]models.GenerationRun, 0, len(m.runs))
	for _, run := range m.runs {
		if filter.Status != "" && run.Status != filter.Status {
			continue
		}
		if filter.Since != nil && run.StartedAt.Before(*filter.Since) {
			continue
		}
		out = append(out, *cloneRun(run))
	}

	// Newest first.
	sort.Slice(out, func(i, j int) bool {
		return out[i].StartedAt.After(out[j].StartedAt)
	})

	if filter.Offset > 0 {
		if filter.Offset >= len(out) {
			return []models.GenerationRun{}, nil
		}
		out = out[filter.Offset:]
	}
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

func (m *MemoryStore) DeleteRun(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.runs[id]; !ok {
		return &ErrNotFound{Entity: "run", Key: id}
	}
	delete(m.runs, id)
	return nil
}

func (m *MemoryStore) Ping(context.Context) error { return nil }

// Close stops the eviction loop.
func (m *MemoryStore) Close() error {
	close(m.doneCh)
	return nil
}

// evictionLoop periodically removes finished runs older than runTTL.
// Running runs are never evicted regardless of age.
func (m *MemoryStore) evictionLoop() {
	ticker := time.NewTicker(10 * time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-m.doneCh:
			return
		case <-ticker.C:
			m.evictExpired(time.Now())
		}
	}
}

func (m *MemoryStore) evictExpired(now time.Time) {
	cutoff := now.Add(-m.runTTL)

	m.mu.Lock()
	defer m.mu.Unlock()

	evicted := 0
	for id, run := range m.runs {
		if run.Status == models.RunRunning || run.CompletedAt == nil {
			continue
		}
		if run.CompletedAt.Before(cutoff) {
			delete(m.runs, id)
			evicted++
		}
	}
	if evicted > 0 {
		log.Info().Int("count", evicted).Msg("🧹 Evicted expired runs")
	}
}

// cloneRun deep-copies the slices so callers cannot mutate stored state.
func cloneRun(run *models.GenerationRun) *models.GenerationRun {
	cp := *run
	if run.Stages != nil {
		cp.Stages = append([]models.StageResult(nil), run.Stages...)
	}
	if run.Events != nil {
		cp.Events = append([]models.ProgressEvent(nil), run.Events...)
	}
	if run.Error != nil {
		e := *run.Error
		cp.Error = &e
	}
	if run.CompletedAt != nil {
		t := *run.CompletedAt
		cp.CompletedAt = &t
	}
	return &cp
}
