package store_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/queryforge/queryforge/internal/store"
	"github.com/queryforge/queryforge/pkg/models"
)

func newTestStore(t *testing.T) *store.MemoryStore {
	t.Helper()
	s := store.NewMemoryStore(0) // no eviction loop in tests
	t.Cleanup(func() { s.Close() })
	return s
}

func newRun(id string, status models.RunStatus, startedAt time.Time) *models.GenerationRun {
	return &models.GenerationRun{ID: id, Status: status, StartedAt: startedAt}
}

func TestMemoryStore_CRUD(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	run := newRun("r1", models.RunRunning, time.Now())
	if err := s.CreateRun(ctx, run); err != nil {
		t.Fatalf("CreateRun() error = %v", err)
	}

	got, err := s.GetRun(ctx, "r1")
	if err != nil {
		t.Fatalf("GetRun() error = %v", err)
	}
	if got.ID != "r1" || got.Status != models.RunRunning {
		t.Errorf("GetRun() = %+v", got)
	}

	got.Status = models.RunCompleted
	got.SQL = "SELECT 1"
	if err := s.UpdateRun(ctx, got); err != nil {
		t.Fatalf("UpdateRun() error = %v", err)
	}
	got2, _ := s.GetRun(ctx, "r1")
	if got2.SQL != "SELECT 1" {
		t.Errorf("update not persisted: %+v", got2)
	}

	if err := s.DeleteRun(ctx, "r1"); err != nil {
		t.Fatalf("DeleteRun() error = %v", err)
	}
	if _, err := s.GetRun(ctx, "r1"); err == nil {
		t.Error("GetRun() after delete should fail")
	}
}

func TestMemoryStore_NotFound(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	_, err := s.GetRun(ctx, "missing")
	var notFound *store.ErrNotFound
	if !errors.As(err, &notFound) {
		t.Fatalf("error = %v, want *ErrNotFound", err)
	}
	if err := s.UpdateRun(ctx, newRun("missing", models.RunRunning, time.Now())); !errors.As(err, &notFound) {
		t.Errorf("UpdateRun() error = %v, want *ErrNotFound", err)
	}
}

func TestMemoryStore_GetReturnsCopy(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	run := newRun("r1", models.RunRunning, time.Now())
	run.Events = []models.ProgressEvent{{Section: "x", Sequence: 1}}
	s.CreateRun(ctx, run)

	got, _ := s.GetRun(ctx, "r1")
	got.Events[0].Section = "mutated"
	got.Status = models.RunFailed

	again, _ := s.GetRun(ctx, "r1")
	if again.Events[0].Section != "x" || again.Status != models.RunRunning {
		t.Error("stored run was mutated through a returned copy")
	}
}

func TestMemoryStore_ListFiltersAndOrders(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	base := time.Now()

	s.CreateRun(ctx, newRun("old", models.RunCompleted, base.Add(-2*time.Hour)))
	s.CreateRun(ctx, newRun("mid", models.RunFailed, base.Add(-time.Hour)))
	s.CreateRun(ctx, newRun("new", models.RunRunning, base))

	all, err := s.ListRuns(ctx, store.ListFilter{})
	if err != nil {
		t.Fatalf("ListRuns() error = %v", err)
	}
	if len(all) != 3 || all[0].ID != "new" || all[2].ID != "old" {
		t.Errorf("ListRuns() order wrong: %v", ids(all))
	}

	completed, _ := s.ListRuns(ctx, store.ListFilter{Status: models.RunCompleted})
	if len(completed) != 1 || completed[0].ID != "old" {
		t.Errorf("status filter: %v", ids(completed))
	}

	limited, _ := s.ListRuns(ctx, store.ListFilter{Limit: 1, Offset: 1})
	if len(limited) != 1 || limited[0].ID != "mid" {
		t.Errorf("pagination: %v", ids(limited))
	}
}

func ids(runs []models.GenerationRun) []string {
	out := make([]string, len(runs))
	for i, r := range runs {
		out[i] = r.ID
	}
	return out
}
