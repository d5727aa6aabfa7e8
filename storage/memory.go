package storage

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/songzhibin97/docflow/types"
)

// MemoryStorage is an in-memory implementation of the Storage interface.
// Values are copied in and out so callers never share state with the store.
type MemoryStorage struct {
	definitions map[uint64]types.WorkflowDefinition
	instances   map[uint64]types.WorkflowInstance
	history     map[uint64][]types.HistoryEntry
	fired       map[string]struct{}
	mu          sync.RWMutex
}

// NewMemoryStorage creates a new MemoryStorage instance.
func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{
		definitions: make(map[uint64]types.WorkflowDefinition),
		instances:   make(map[uint64]types.WorkflowInstance),
		history:     make(map[uint64][]types.HistoryEntry),
		fired:       make(map[string]struct{}),
	}
}

// getItem is a standalone generic helper function.
func getItem[T any](ctx context.Context, mu *sync.RWMutex, m map[uint64]T, id uint64, errNotFound error) (T, error) {
	return withContext(ctx, func() (T, error) {
		mu.RLock()
		defer mu.RUnlock()
		item, ok := m[id]
		if !ok {
			var zero T
			return zero, fmt.Errorf("%w: id=%d", errNotFound, id)
		}
		return item, nil
	})
}

// SaveDefinition saves a definition to memory.
func (s *MemoryStorage) SaveDefinition(ctx context.Context, def types.WorkflowDefinition) error {
	return withContextError(ctx, func() error {
		s.mu.Lock()
		defer s.mu.Unlock()
		s.definitions[def.ID] = def.Clone()
		return nil
	})
}

// SaveDefinitions saves multiple definitions under a single lock.
func (s *MemoryStorage) SaveDefinitions(ctx context.Context, defs []types.WorkflowDefinition) error {
	return withContextError(ctx, func() error {
		s.mu.Lock()
		defer s.mu.Unlock()
		for _, def := range defs {
			s.definitions[def.ID] = def.Clone()
		}
		return nil
	})
}

// GetDefinition retrieves a definition from memory.
func (s *MemoryStorage) GetDefinition(ctx context.Context, id uint64) (types.WorkflowDefinition, error) {
	def, err := getItem(ctx, &s.mu, s.definitions, id, ErrDefinitionNotFound)
	if err != nil {
		return def, err
	}
	return def.Clone(), nil
}

// ListDefinitions lists definitions ordered by ID.
func (s *MemoryStorage) ListDefinitions(ctx context.Context, documentType string) ([]types.WorkflowDefinition, error) {
	return withContext(ctx, func() ([]types.WorkflowDefinition, error) {
		s.mu.RLock()
		defer s.mu.RUnlock()
		var out []types.WorkflowDefinition
		for _, def := range s.definitions {
			if documentType == "" || def.DocumentType == documentType {
				out = append(out, def.Clone())
			}
		}
		sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
		return out, nil
	})
}

// CreateInstance stores a new instance.
func (s *MemoryStorage) CreateInstance(ctx context.Context, inst types.WorkflowInstance) error {
	return withContextError(ctx, func() error {
		if err := checkNewInstance(inst); err != nil {
			return err
		}
		s.mu.Lock()
		defer s.mu.Unlock()
		if _, ok := s.instances[inst.ID]; ok {
			return fmt.Errorf("%w: id=%d", ErrInstanceExists, inst.ID)
		}
		s.instances[inst.ID] = inst.Clone()
		return nil
	})
}

// CommitInstance replaces the instance and appends entries under one lock.
func (s *MemoryStorage) CommitInstance(ctx context.Context, inst types.WorkflowInstance, entries []types.HistoryEntry) error {
	return withContextError(ctx, func() error {
		s.mu.Lock()
		defer s.mu.Unlock()
		stored, ok := s.instances[inst.ID]
		if !ok {
			return fmt.Errorf("%w: id=%d", ErrInstanceNotFound, inst.ID)
		}
		if err := checkCommit(stored, inst); err != nil {
			return err
		}
		s.instances[inst.ID] = inst.Clone()
		for _, e := range entries {
			s.history[inst.ID] = append(s.history[inst.ID], cloneEntry(e))
		}
		return nil
	})
}

// GetInstance retrieves an instance from memory.
func (s *MemoryStorage) GetInstance(ctx context.Context, id uint64) (types.WorkflowInstance, error) {
	inst, err := getItem(ctx, &s.mu, s.instances, id, ErrInstanceNotFound)
	if err != nil {
		return inst, err
	}
	return inst.Clone(), nil
}

// ListActiveInstances lists non-terminal instances ordered by ID.
func (s *MemoryStorage) ListActiveInstances(ctx context.Context) ([]types.WorkflowInstance, error) {
	return withContext(ctx, func() ([]types.WorkflowInstance, error) {
		s.mu.RLock()
		defer s.mu.RUnlock()
		var out []types.WorkflowInstance
		for _, inst := range s.instances {
			if !inst.Status.Terminal() {
				out = append(out, inst.Clone())
			}
		}
		sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
		return out, nil
	})
}

// ListHistory lists the history of an instance.
func (s *MemoryStorage) ListHistory(ctx context.Context, instanceID uint64) ([]types.HistoryEntry, error) {
	return withContext(ctx, func() ([]types.HistoryEntry, error) {
		s.mu.RLock()
		defer s.mu.RUnlock()
		if _, ok := s.instances[instanceID]; !ok {
			return nil, fmt.Errorf("%w: id=%d", ErrInstanceNotFound, instanceID)
		}
		entries := s.history[instanceID]
		out := make([]types.HistoryEntry, len(entries))
		for i, e := range entries {
			out[i] = cloneEntry(e)
		}
		return out, nil
	})
}

// MarkFired records an event key.
func (s *MemoryStorage) MarkFired(ctx context.Context, key string) (bool, error) {
	return withContext(ctx, func() (bool, error) {
		s.mu.Lock()
		defer s.mu.Unlock()
		if _, ok := s.fired[key]; ok {
			return false, nil
		}
		s.fired[key] = struct{}{}
		return true, nil
	})
}

// IsFired reports whether an event key has been recorded.
func (s *MemoryStorage) IsFired(ctx context.Context, key string) (bool, error) {
	return withContext(ctx, func() (bool, error) {
		s.mu.RLock()
		defer s.mu.RUnlock()
		_, ok := s.fired[key]
		return ok, nil
	})
}

// Close is a no-op.
func (s *MemoryStorage) Close() error { return nil }

func cloneEntry(e types.HistoryEntry) types.HistoryEntry {
	e.FromSteps = append([]int(nil), e.FromSteps...)
	e.ToSteps = append([]int(nil), e.ToSteps...)
	return e
}
