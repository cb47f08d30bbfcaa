package storage

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/songzhibin97/blockflow/types"
)

// Setup Redis options (assumes Redis is running locally; tests skip otherwise)
var redisOpts = RedisOptions{
	Addr:         "localhost:6379",
	Password:     "",
	DB:           15,
	PoolSize:     10,
	MinIdleConns: 2,
	IdleTimeout:  5 * time.Minute,
}

func newTestRedis(t *testing.T) *RedisStorage {
	t.Helper()
	store, err := NewRedisStorage(redisOpts)
	if err != nil {
		t.Skipf("redis not available: %v", err)
	}
	require.NoError(t, store.client.FlushDB(context.Background()).Err())
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestRedisStorage(t *testing.T) {
	t.Run("NewRedisStorage", func(t *testing.T) {
		store := newTestRedis(t)
		assert.NotNil(t, store.client)

		// Test connection failure
		badOpts := redisOpts
		badOpts.Addr = "invalid:6379"
		_, err := NewRedisStorage(badOpts)
		assert.Error(t, err)
	})

	t.Run("SaveAndGetDefinition", func(t *testing.T) {
		store := newTestRedis(t)
		ctx := context.Background()

		def := newDefinition(1, "p1", false)
		err := store.SaveDefinition(ctx, def)
		assert.NoError(t, err)

		got, err := store.GetDefinition(ctx, 1)
		assert.NoError(t, err)
		assert.Equal(t, def, got)

		_, err = store.GetDefinition(ctx, 999)
		assert.ErrorIs(t, err, ErrNotFound)
		assert.ErrorIs(t, err, ErrDefinitionNotFound)
	})

	t.Run("ActiveDefinition", func(t *testing.T) {
		store := newTestRedis(t)
		ctx := context.Background()

		_, err := store.LoadActiveDefinition(ctx, "p1")
		assert.ErrorIs(t, err, ErrDefinitionNotFound)

		require.NoError(t, store.SaveDefinition(ctx, newDefinition(1, "p1", true)))
		require.NoError(t, store.SaveDefinition(ctx, newDefinition(2, "p1", true)))

		got, err := store.LoadActiveDefinition(ctx, "p1")
		require.NoError(t, err)
		assert.Equal(t, uint64(2), got.ID)

		old, err := store.GetDefinition(ctx, 1)
		require.NoError(t, err)
		assert.False(t, old.IsActive)

		require.NoError(t, store.SaveDefinition(ctx, newDefinition(2, "p1", false)))
		_, err = store.LoadActiveDefinition(ctx, "p1")
		assert.ErrorIs(t, err, ErrDefinitionNotFound)
	})

	t.Run("SaveGetAndListExecutions", func(t *testing.T) {
		store := newTestRedis(t)
		ctx := context.Background()

		exec := newExecution(1, 10, types.StatusRunning, 300)
		require.NoError(t, store.SaveExecution(ctx, exec))
		require.NoError(t, store.SaveExecution(ctx, newExecution(2, 10, types.StatusCompleted, 100)))
		require.NoError(t, store.SaveExecution(ctx, newExecution(3, 20, types.StatusCompleted, 200)))

		got, err := store.GetExecution(ctx, 1)
		assert.NoError(t, err)
		assert.Equal(t, exec, got)

		// saving again updates in place without duplicating the index entry
		exec.Status = types.StatusCompleted
		require.NoError(t, store.SaveExecution(ctx, exec))

		list, err := store.ListExecutions(ctx, 10)
		require.NoError(t, err)
		require.Len(t, list, 2)
		assert.Equal(t, uint64(2), list[0].ID)
		assert.Equal(t, uint64(1), list[1].ID)
		assert.Equal(t, types.StatusCompleted, list[1].Status)

		_, err = store.GetExecution(ctx, 999)
		assert.ErrorIs(t, err, ErrExecutionNotFound)
	})

	t.Run("ClearFinished", func(t *testing.T) {
		store := newTestRedis(t)
		ctx := context.Background()

		require.NoError(t, store.SaveExecution(ctx, newExecution(1, 10, types.StatusRunning, 1)))
		require.NoError(t, store.SaveExecution(ctx, newExecution(2, 10, types.StatusCompleted, 2)))
		require.NoError(t, store.SaveExecution(ctx, newExecution(3, 10, types.StatusFailed, 3)))
		require.NoError(t, store.SaveExecution(ctx, newExecution(4, 10, types.StatusCancelled, 4)))

		removed, err := store.ClearFinished(ctx, nil)
		assert.NoError(t, err)
		assert.Equal(t, 3, removed)

		_, err = store.GetExecution(ctx, 1)
		assert.NoError(t, err) // Should still exist (running)
		_, err = store.GetExecution(ctx, 2)
		assert.ErrorIs(t, err, ErrNotFound)

		list, err := store.ListExecutions(ctx, 10)
		require.NoError(t, err)
		require.Len(t, list, 1)
		assert.Equal(t, uint64(1), list[0].ID)
	})

	t.Run("ContextCancellation", func(t *testing.T) {
		store := newTestRedis(t)

		ctx, cancel := context.WithCancel(context.Background())
		cancel() // Cancel immediately

		err := store.SaveDefinition(ctx, newDefinition(1, "p1", true))
		assert.ErrorIs(t, err, context.Canceled)

		_, err = store.GetDefinition(ctx, 1)
		assert.ErrorIs(t, err, context.Canceled)

		_, err = store.LoadActiveDefinition(ctx, "p1")
		assert.ErrorIs(t, err, context.Canceled)

		err = store.SaveExecution(ctx, newExecution(1, 10, types.StatusRunning, 1))
		assert.ErrorIs(t, err, context.Canceled)

		_, err = store.ListExecutions(ctx, 10)
		assert.ErrorIs(t, err, context.Canceled)

		_, err = store.ClearFinished(ctx, nil)
		assert.ErrorIs(t, err, context.Canceled)
	})

	t.Run("ConcurrentAccess", func(t *testing.T) {
		store := newTestRedis(t)
		ctx := context.Background()

		var wg sync.WaitGroup
		for i := 1; i <= 100; i++ {
			wg.Add(1)
			go func(id int) {
				defer wg.Done()
				err := store.SaveExecution(ctx, newExecution(uint64(id), 10, types.StatusRunning, int64(id)))
				assert.NoError(t, err)
			}(i)
		}
		wg.Wait()

		errs := make(chan error, 100)
		for i := 1; i <= 100; i++ {
			wg.Add(1)
			go func(id int) {
				defer wg.Done()
				if _, err := store.GetExecution(ctx, uint64(id)); err != nil {
					errs <- fmt.Errorf("GetExecution failed for id=%d: %v", id, err)
				}
			}(i)
		}
		wg.Wait()
		close(errs)
		for err := range errs {
			assert.NoError(t, err)
		}

		list, err := store.ListExecutions(ctx, 10)
		require.NoError(t, err)
		assert.Len(t, list, 100)
	})

	t.Run("Close", func(t *testing.T) {
		store := newTestRedis(t)
		err := store.Close()
		assert.NoError(t, err)

		// After closing, operations should fail
		err = store.SaveExecution(context.Background(), newExecution(1, 10, types.StatusRunning, 1))
		assert.Error(t, err)
		assert.Contains(t, err.Error(), "closed")
	})
}

func TestWithContextError(t *testing.T) {
	t.Run("Success", func(t *testing.T) {
		err := withContextError(context.Background(), func() error {
			return nil
		})
		assert.NoError(t, err)
	})

	t.Run("Error", func(t *testing.T) {
		err := withContextError(context.Background(), func() error {
			return fmt.Errorf("fail")
		})
		assert.Error(t, err)
		assert.Equal(t, "fail", err.Error())
	})

	t.Run("CanceledContext", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		err := withContextError(ctx, func() error {
			return nil
		})
		assert.ErrorIs(t, err, context.Canceled)
	})
}
