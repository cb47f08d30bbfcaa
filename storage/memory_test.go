package storage

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/songzhibin97/blockflow/types"
)

// Helper function to create a sample definition
func newDefinition(id uint64, project string, active bool) types.WorkflowDefinition {
	return types.WorkflowDefinition{
		ID:             id,
		ProjectID:      project,
		Name:           "notebook",
		Nodes:          []string{"load", "plot"},
		Edges:          []types.Edge{{From: "load", To: "plot", Variables: []string{"df"}}},
		ExecutionOrder: []string{"load", "plot"},
		DependencyMap: map[string]types.DependencyInfo{
			"load": {VariablesUsed: []string{}, VariablesDefined: []string{"df"}},
			"plot": {VariablesUsed: []string{"df"}, VariablesDefined: []string{}},
		},
		Fingerprints: map[string]string{"load": "a1", "plot": "b2"},
		Version:      1,
		IsActive:     active,
		CreatedAt:    time.Now().UnixMilli(),
		UpdatedAt:    time.Now().UnixMilli(),
	}
}

// Helper function to create a sample execution
func newExecution(id, definitionID uint64, status string, createdAt int64) types.WorkflowExecution {
	return types.WorkflowExecution{
		ID:                id,
		DefinitionID:      definitionID,
		DefinitionVersion: 1,
		ProjectID:         "p1",
		Status:            status,
		Plan:              []string{"load", "plot"},
		NodeStatus:        map[string]string{"load": types.StatusCompleted, "plot": types.StatusPending},
		NodeResults: map[string]types.ExecutionResult{
			"load": {BlockID: "load", Status: types.StatusCompleted, Outputs: []types.Artifact{{Type: types.ArtifactStream, Name: "stdout", Content: "ok\n"}}},
		},
		CreatedAt: createdAt,
		UpdatedAt: createdAt,
	}
}

func TestMemoryStorage(t *testing.T) {
	t.Run("NewMemoryStorage", func(t *testing.T) {
		store := NewMemoryStorage()
		assert.NotNil(t, store)
		assert.Empty(t, store.definitions)
		assert.Empty(t, store.executions)
		assert.Empty(t, store.active)
	})

	t.Run("SaveAndGetDefinition", func(t *testing.T) {
		store := NewMemoryStorage()
		ctx := context.Background()

		def := newDefinition(1, "p1", false)
		err := store.SaveDefinition(ctx, def)
		assert.NoError(t, err)

		got, err := store.GetDefinition(ctx, 1)
		assert.NoError(t, err)
		assert.Equal(t, def, got)

		_, err = store.GetDefinition(ctx, 2)
		assert.ErrorIs(t, err, ErrDefinitionNotFound)
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("ActiveDefinition", func(t *testing.T) {
		store := NewMemoryStorage()
		ctx := context.Background()

		_, err := store.LoadActiveDefinition(ctx, "p1")
		assert.ErrorIs(t, err, ErrDefinitionNotFound)

		require.NoError(t, store.SaveDefinition(ctx, newDefinition(1, "p1", true)))
		require.NoError(t, store.SaveDefinition(ctx, newDefinition(2, "p2", true)))

		got, err := store.LoadActiveDefinition(ctx, "p1")
		require.NoError(t, err)
		assert.Equal(t, uint64(1), got.ID)

		// a new active definition deactivates the previous one
		require.NoError(t, store.SaveDefinition(ctx, newDefinition(3, "p1", true)))
		got, err = store.LoadActiveDefinition(ctx, "p1")
		require.NoError(t, err)
		assert.Equal(t, uint64(3), got.ID)

		old, err := store.GetDefinition(ctx, 1)
		require.NoError(t, err)
		assert.False(t, old.IsActive)

		other, err := store.LoadActiveDefinition(ctx, "p2")
		require.NoError(t, err)
		assert.Equal(t, uint64(2), other.ID)

		// deactivating the active definition clears the pointer
		require.NoError(t, store.SaveDefinition(ctx, newDefinition(3, "p1", false)))
		_, err = store.LoadActiveDefinition(ctx, "p1")
		assert.ErrorIs(t, err, ErrDefinitionNotFound)
	})

	t.Run("SaveAndGetExecution", func(t *testing.T) {
		store := NewMemoryStorage()
		ctx := context.Background()

		exec := newExecution(1, 10, types.StatusRunning, 100)
		err := store.SaveExecution(ctx, exec)
		assert.NoError(t, err)

		got, err := store.GetExecution(ctx, 1)
		assert.NoError(t, err)
		assert.Equal(t, exec, got)

		// stored copies are isolated from caller mutation
		got.NodeStatus["plot"] = types.StatusFailed
		again, err := store.GetExecution(ctx, 1)
		require.NoError(t, err)
		assert.Equal(t, types.StatusPending, again.NodeStatus["plot"])

		_, err = store.GetExecution(ctx, 2)
		assert.ErrorIs(t, err, ErrExecutionNotFound)
	})

	t.Run("ListExecutions", func(t *testing.T) {
		store := NewMemoryStorage()
		ctx := context.Background()

		require.NoError(t, store.SaveExecution(ctx, newExecution(3, 10, types.StatusCompleted, 300)))
		require.NoError(t, store.SaveExecution(ctx, newExecution(1, 10, types.StatusFailed, 100)))
		require.NoError(t, store.SaveExecution(ctx, newExecution(2, 20, types.StatusCompleted, 200)))
		require.NoError(t, store.SaveExecution(ctx, newExecution(4, 10, types.StatusRunning, 100)))

		list, err := store.ListExecutions(ctx, 10)
		require.NoError(t, err)
		ids := make([]uint64, len(list))
		for i, e := range list {
			ids[i] = e.ID
		}
		assert.Equal(t, []uint64{1, 4, 3}, ids)

		list, err = store.ListExecutions(ctx, 99)
		require.NoError(t, err)
		assert.Empty(t, list)
	})

	t.Run("ClearFinished", func(t *testing.T) {
		store := NewMemoryStorage()
		ctx := context.Background()

		require.NoError(t, store.SaveExecution(ctx, newExecution(1, 10, types.StatusRunning, 1)))
		require.NoError(t, store.SaveExecution(ctx, newExecution(2, 10, types.StatusCompleted, 2)))
		require.NoError(t, store.SaveExecution(ctx, newExecution(3, 10, types.StatusFailed, 3)))
		require.NoError(t, store.SaveExecution(ctx, newExecution(4, 10, types.StatusCancelled, 4)))
		require.NoError(t, store.SaveExecution(ctx, newExecution(5, 10, types.StatusPending, 5)))

		removed, err := store.ClearFinished(ctx, func(id uint64) bool { return id == 4 })
		assert.NoError(t, err)
		assert.Equal(t, 2, removed)

		for _, id := range []uint64{1, 4, 5} {
			_, err = store.GetExecution(ctx, id)
			assert.NoError(t, err)
		}
		for _, id := range []uint64{2, 3} {
			_, err = store.GetExecution(ctx, id)
			assert.ErrorIs(t, err, ErrExecutionNotFound)
		}

		removed, err = store.ClearFinished(ctx, nil)
		assert.NoError(t, err)
		assert.Equal(t, 1, removed)
	})

	t.Run("ContextCancellation", func(t *testing.T) {
		store := NewMemoryStorage()
		ctx, cancel := context.WithCancel(context.Background())
		cancel()

		err := store.SaveDefinition(ctx, newDefinition(1, "p1", true))
		assert.True(t, errors.Is(err, context.Canceled))
		_, err = store.GetExecution(ctx, 1)
		assert.True(t, errors.Is(err, context.Canceled))
		_, err = store.ListExecutions(ctx, 1)
		assert.True(t, errors.Is(err, context.Canceled))
		_, err = store.LoadActiveDefinition(ctx, "p1")
		assert.True(t, errors.Is(err, context.Canceled))
	})

	t.Run("ConcurrentAccess", func(t *testing.T) {
		store := NewMemoryStorage()
		ctx := context.Background()
		var wg sync.WaitGroup
		numGoroutines := 50

		wg.Add(numGoroutines * 2)
		for i := 0; i < numGoroutines; i++ {
			go func(i int) {
				defer wg.Done()
				err := store.SaveExecution(ctx, newExecution(uint64(i+1), 10, types.StatusRunning, int64(i)))
				assert.NoError(t, err)
			}(i)
			go func(i int) {
				defer wg.Done()
				_, err := store.ListExecutions(ctx, 10)
				assert.NoError(t, err, fmt.Sprintf("list %d", i))
			}(i)
		}
		wg.Wait()

		list, err := store.ListExecutions(ctx, 10)
		require.NoError(t, err)
		assert.Len(t, list, numGoroutines)
	})
}
