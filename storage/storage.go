package storage

import (
	"context"
	"errors"
	"fmt"

	"github.com/songzhibin97/docflow/types"
)

var (
	// ErrNotFound is returned when a requested resource is not found.
	ErrNotFound           = errors.New("resource not found")
	ErrDefinitionNotFound = fmt.Errorf("definition %w", ErrNotFound)
	ErrInstanceNotFound   = fmt.Errorf("instance %w", ErrNotFound)
	// ErrInstanceExists is returned when creating an instance whose id is taken.
	ErrInstanceExists = errors.New("instance already exists")
	// ErrVersionConflict is returned when a commit is not based on the stored version.
	ErrVersionConflict = errors.New("instance version conflict")
)

// Storage persists definitions, instances, their history and the set of
// deadline events already fired.
type Storage interface {
	// SaveDefinition inserts or replaces a definition.
	SaveDefinition(ctx context.Context, def types.WorkflowDefinition) error

	// GetDefinition retrieves a definition by ID.
	GetDefinition(ctx context.Context, id uint64) (types.WorkflowDefinition, error)

	// ListDefinitions lists definitions ordered by ID. An empty documentType lists all.
	ListDefinitions(ctx context.Context, documentType string) ([]types.WorkflowDefinition, error)

	// CreateInstance stores a new instance at version 1.
	CreateInstance(ctx context.Context, inst types.WorkflowInstance) error

	// CommitInstance atomically replaces an instance and appends history.
	// inst.Version must be exactly one more than the stored version.
	CommitInstance(ctx context.Context, inst types.WorkflowInstance, entries []types.HistoryEntry) error

	// GetInstance retrieves an instance by ID.
	GetInstance(ctx context.Context, id uint64) (types.WorkflowInstance, error)

	// ListActiveInstances lists instances that are neither completed nor cancelled.
	ListActiveInstances(ctx context.Context) ([]types.WorkflowInstance, error)

	// ListHistory lists the history of an instance ordered by seq.
	ListHistory(ctx context.Context, instanceID uint64) ([]types.HistoryEntry, error)

	// MarkFired records an event key. It reports false if the key was already recorded.
	MarkFired(ctx context.Context, key string) (bool, error)

	// IsFired reports whether an event key has been recorded.
	IsFired(ctx context.Context, key string) (bool, error)

	// Close releases backend resources.
	Close() error
}

// DefinitionBatcher is implemented by backends that can save many definitions at once.
type DefinitionBatcher interface {
	SaveDefinitions(ctx context.Context, defs []types.WorkflowDefinition) error
}

// withContext is a standalone generic helper function.
func withContext[T any](ctx context.Context, fn func() (T, error)) (T, error) {
	var zero T
	select {
	case <-ctx.Done():
		return zero, ctx.Err()
	default:
		return fn()
	}
}

// withContextError handles context cancellation for operations that only return an error.
func withContextError(ctx context.Context, fn func() error) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
		return fn()
	}
}

func checkNewInstance(inst types.WorkflowInstance) error {
	if inst.ID == 0 {
		return fmt.Errorf("instance id is required")
	}
	if inst.Version != 1 {
		return fmt.Errorf("%w: new instance %d must start at version 1, got %d", ErrVersionConflict, inst.ID, inst.Version)
	}
	return nil
}

func checkCommit(stored, next types.WorkflowInstance) error {
	if next.Version != stored.Version+1 {
		return fmt.Errorf("%w: id=%d stored=%d commit=%d", ErrVersionConflict, next.ID, stored.Version, next.Version)
	}
	return nil
}
