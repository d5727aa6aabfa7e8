package storage

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/songzhibin97/docflow/types"
)

var idSeq uint64 = uint64(time.Now().UnixNano())

func nextID() uint64 {
	return atomic.AddUint64(&idSeq, 1)
}

// newDefinition creates a small Start -> Review -> End definition.
func newDefinition(id uint64, documentType string) types.WorkflowDefinition {
	return types.WorkflowDefinition{
		ID:           id,
		Version:      1,
		Name:         "Invoice approval",
		DocumentType: documentType,
		IsActive:     true,
		Steps: []types.Step{
			{Order: 1, Name: "Submit", Kind: types.StepStart},
			{Order: 2, Name: "Review", Kind: types.StepApproval,
				Assignee: types.AssigneeSpec{Type: types.AssigneeRole, Value: "Approver"},
				Actions:  []types.Action{{Name: "Approve", ActionType: types.ActionApproval}}},
			{Order: 3, Name: "Done", Kind: types.StepEnd},
		},
		Transitions: []types.Transition{
			{FromStep: 1, ToStep: 2, AutoTransition: true},
			{FromStep: 2, ToStep: 3, TransitionAction: "Approve"},
		},
	}
}

// newInstance creates a pending instance at version 1.
func newInstance(id uint64) types.WorkflowInstance {
	now := time.Now().UnixMilli()
	return types.WorkflowInstance{
		ID:           id,
		DocumentID:   fmt.Sprintf("DOC-%d", id),
		DefinitionID: 1,
		Status:       types.StatusPending,
		Version:      1,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
}

func entry(instanceID uint64, seq int, action string) types.HistoryEntry {
	return types.HistoryEntry{
		ID:         nextID(),
		InstanceID: instanceID,
		Seq:        seq,
		StepOrder:  2,
		Action:     action,
		Actor:      "alice",
		ToSteps:    []int{2},
		Timestamp:  time.Now().UnixMilli(),
	}
}

// runStorageContract exercises behaviour every backend must share.
func runStorageContract(t *testing.T, store Storage) {
	ctx := context.Background()

	t.Run("definitions", func(t *testing.T) {
		docType := fmt.Sprintf("Invoice-%d", nextID())
		a, b := newDefinition(nextID(), docType), newDefinition(nextID(), docType)
		other := newDefinition(nextID(), docType+"-other")

		require.NoError(t, store.SaveDefinition(ctx, b))
		require.NoError(t, store.SaveDefinition(ctx, a))
		require.NoError(t, store.SaveDefinition(ctx, other))

		got, err := store.GetDefinition(ctx, a.ID)
		require.NoError(t, err)
		assert.Equal(t, a, got)

		list, err := store.ListDefinitions(ctx, docType)
		require.NoError(t, err)
		require.Len(t, list, 2)
		assert.Less(t, list[0].ID, list[1].ID)

		_, err = store.GetDefinition(ctx, nextID())
		assert.ErrorIs(t, err, ErrDefinitionNotFound)
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("batch definitions", func(t *testing.T) {
		batcher, ok := store.(DefinitionBatcher)
		if !ok {
			t.Skip("backend has no batch save")
		}
		docType := fmt.Sprintf("Memo-%d", nextID())
		defs := []types.WorkflowDefinition{newDefinition(nextID(), docType), newDefinition(nextID(), docType)}
		require.NoError(t, batcher.SaveDefinitions(ctx, defs))
		list, err := store.ListDefinitions(ctx, docType)
		require.NoError(t, err)
		assert.Len(t, list, 2)
	})

	t.Run("create and commit", func(t *testing.T) {
		inst := newInstance(nextID())
		require.NoError(t, store.CreateInstance(ctx, inst))
		assert.ErrorIs(t, store.CreateInstance(ctx, inst), ErrInstanceExists)

		next := inst.Clone()
		next.Status = types.StatusInProgress
		next.CurrentSteps = []int{2}
		next.CurrentAssignees = []string{"alice"}
		next.ActiveSteps = []types.ActiveStep{{Order: 2, EnteredAt: 10, Assignees: []string{"alice"}}}
		next.LastSeq = 1
		next.Version = 2
		require.NoError(t, store.CommitInstance(ctx, next, []types.HistoryEntry{entry(inst.ID, 1, "Start")}))

		got, err := store.GetInstance(ctx, inst.ID)
		require.NoError(t, err)
		assert.Equal(t, next, got)

		history, err := store.ListHistory(ctx, inst.ID)
		require.NoError(t, err)
		require.Len(t, history, 1)
		assert.Equal(t, "Start", history[0].Action)

		stale := next.Clone()
		stale.Status = types.StatusCancelled
		err = store.CommitInstance(ctx, stale, []types.HistoryEntry{entry(inst.ID, 2, "Cancel")})
		assert.ErrorIs(t, err, ErrVersionConflict)

		history, err = store.ListHistory(ctx, inst.ID)
		require.NoError(t, err)
		assert.Len(t, history, 1, "a rejected commit must not append history")

		_, err = store.GetInstance(ctx, nextID())
		assert.ErrorIs(t, err, ErrInstanceNotFound)
		_, err = store.ListHistory(ctx, nextID())
		assert.ErrorIs(t, err, ErrInstanceNotFound)
		err = store.CommitInstance(ctx, newInstance(nextID()), nil)
		assert.ErrorIs(t, err, ErrInstanceNotFound)
	})

	t.Run("new instances start at version 1", func(t *testing.T) {
		inst := newInstance(nextID())
		inst.Version = 3
		assert.ErrorIs(t, store.CreateInstance(ctx, inst), ErrVersionConflict)
	})

	t.Run("active instances", func(t *testing.T) {
		running := newInstance(nextID())
		done := newInstance(nextID())
		require.NoError(t, store.CreateInstance(ctx, running))
		require.NoError(t, store.CreateInstance(ctx, done))

		finished := done.Clone()
		finished.Status = types.StatusCompleted
		finished.Version = 2
		require.NoError(t, store.CommitInstance(ctx, finished, nil))

		active, err := store.ListActiveInstances(ctx)
		require.NoError(t, err)
		ids := make(map[uint64]bool)
		for _, inst := range active {
			ids[inst.ID] = true
			assert.False(t, inst.Status.Terminal())
		}
		assert.True(t, ids[running.ID])
		assert.False(t, ids[done.ID])
	})

	t.Run("fired set", func(t *testing.T) {
		key := fmt.Sprintf("%d/2/100/escalation", nextID())
		fired, err := store.IsFired(ctx, key)
		require.NoError(t, err)
		assert.False(t, fired)

		first, err := store.MarkFired(ctx, key)
		require.NoError(t, err)
		assert.True(t, first)

		again, err := store.MarkFired(ctx, key)
		require.NoError(t, err)
		assert.False(t, again)

		fired, err = store.IsFired(ctx, key)
		require.NoError(t, err)
		assert.True(t, fired)
	})

	t.Run("concurrent commits serialize", func(t *testing.T) {
		inst := newInstance(nextID())
		require.NoError(t, store.CreateInstance(ctx, inst))

		const writers = 8
		var wg sync.WaitGroup
		var wins int32
		wg.Add(writers)
		for i := 0; i < writers; i++ {
			go func(i int) {
				defer wg.Done()
				next := inst.Clone()
				next.Version = 2
				next.LastActionOn = int64(i)
				if err := store.CommitInstance(ctx, next, []types.HistoryEntry{entry(inst.ID, 1, "Approve")}); err == nil {
					atomic.AddInt32(&wins, 1)
				} else {
					assert.ErrorIs(t, err, ErrVersionConflict)
				}
			}(i)
		}
		wg.Wait()
		assert.Equal(t, int32(1), wins)

		history, err := store.ListHistory(ctx, inst.ID)
		require.NoError(t, err)
		assert.Len(t, history, 1)
	})

	t.Run("cancelled context", func(t *testing.T) {
		cctx, cancel := context.WithCancel(ctx)
		cancel()
		_, err := store.GetInstance(cctx, 1)
		assert.ErrorIs(t, err, context.Canceled)
	})
}
