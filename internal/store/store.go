// Package store persists generation runs. The API and pipeline depend
// only on the Store interface, keeping the in-memory implementation
// swappable for a database-backed one.
package store

import (
	"context"
	"time"

	"github.com/queryforge/queryforge/pkg/models"
)

// Store is the run repository.
type Store interface {
	CreateRun(ctx context.Context, run *models.GenerationRun) error
	GetRun(ctx context.Context, id string) (*models.GenerationRun, error)
	UpdateRun(ctx context.Context, run *models.GenerationRun) error
	ListRuns(ctx context.Context, filter ListFilter) ([]models.GenerationRun, error)
	DeleteRun(ctx context.Context, id string) error

	// Ping checks the backing store is reachable.
	Ping(ctx context.Context) error

	// Close releases all resources held by the store.
	Close() error
}

// ErrNotFound is returned when a requested entity does not exist.
type ErrNotFound struct {
	Entity string
	Key    string
}

func (e *ErrNotFound) Error() string {
	return e.Entity + " not found: " + e.Key
}

// ListFilter provides common pagination/filter options.
type ListFilter struct {
	Status models.RunStatus
	Limit  int
	Offset int
	Since  *time.Time
}
