package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/songzhibin97/blockflow/types"
)

const (
	definitionPrefix = "definition:"
	executionPrefix  = "execution:"
	projectPrefix    = "project:"
)

// RedisStorage is a Redis-backed implementation of the Storage interface.
//
// Layout:
//
//	definition:{id}             JSON definition
//	definition:{id}:executions  sorted set of execution ids scored by CreatedAt
//	execution:{id}              JSON execution
//	project:{id}:active         id of the project's active definition
type RedisStorage struct {
	client *redis.Client
}

// RedisOptions extends redis.Options with additional configuration.
type RedisOptions struct {
	Addr         string
	Password     string
	DB           int
	PoolSize     int
	MinIdleConns int
	IdleTimeout  time.Duration
}

// NewRedisStorage creates a new RedisStorage instance with configurable options.
func NewRedisStorage(opts RedisOptions) (*RedisStorage, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         opts.Addr,
		Password:     opts.Password,
		DB:           opts.DB,
		PoolSize:     opts.PoolSize,
		MinIdleConns: opts.MinIdleConns,
		IdleTimeout:  opts.IdleTimeout,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := client.Ping(ctx).Result(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %v", err)
	}

	return &RedisStorage{client: client}, nil
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

func definitionKey(id uint64) string { return fmt.Sprintf("%s%d", definitionPrefix, id) }

func executionKey(id uint64) string { return fmt.Sprintf("%s%d", executionPrefix, id) }

func executionIndexKey(definitionID uint64) string {
	return fmt.Sprintf("%s%d:executions", definitionPrefix, definitionID)
}

func activeKey(projectID string) string { return projectPrefix + projectID + ":active" }

// getFromRedis retrieves and unmarshals a value from Redis.
func getFromRedis[T any](ctx context.Context, client *redis.Client, key string, errNotFound error) (T, error) {
	return withContext(ctx, func() (T, error) {
		var zero T
		data, err := client.Get(ctx, key).Bytes()
		if err == redis.Nil {
			return zero, fmt.Errorf("%w: key=%s", errNotFound, key)
		} else if err != nil {
			return zero, fmt.Errorf("failed to get %s from Redis: %v", key, err)
		}

		var result T
		if err := json.Unmarshal(data, &result); err != nil {
			return zero, fmt.Errorf("failed to unmarshal %s: %v", key, err)
		}
		return result, nil
	})
}

// SaveDefinition saves a workflow definition to Redis. An active definition
// replaces the project's active pointer and the previous active definition
// is stored deactivated.
func (s *RedisStorage) SaveDefinition(ctx context.Context, def types.WorkflowDefinition) error {
	return withContextError(ctx, func() error {
		var previous *types.WorkflowDefinition
		if def.IsActive {
			prevID, err := s.activeID(ctx, def.ProjectID)
			if err != nil && !errors.Is(err, ErrNotFound) {
				return err
			}
			if err == nil && prevID != def.ID {
				prev, err := getFromRedis[types.WorkflowDefinition](ctx, s.client, definitionKey(prevID), ErrDefinitionNotFound)
				if err != nil && !errors.Is(err, ErrNotFound) {
					return err
				}
				if err == nil {
					prev.IsActive = false
					previous = &prev
				}
			}
		}

		data, err := json.Marshal(def)
		if err != nil {
			return fmt.Errorf("failed to marshal definition %d: %v", def.ID, err)
		}

		pipe := s.client.TxPipeline()
		pipe.Set(ctx, definitionKey(def.ID), data, 0)
		if previous != nil {
			prevData, err := json.Marshal(previous)
			if err != nil {
				return fmt.Errorf("failed to marshal definition %d: %v", previous.ID, err)
			}
			pipe.Set(ctx, definitionKey(previous.ID), prevData, 0)
		}
		if def.IsActive {
			pipe.Set(ctx, activeKey(def.ProjectID), strconv.FormatUint(def.ID, 10), 0)
		} else if cur, err := s.activeID(ctx, def.ProjectID); err == nil && cur == def.ID {
			pipe.Del(ctx, activeKey(def.ProjectID))
		}
		if _, err := pipe.Exec(ctx); err != nil {
			return fmt.Errorf("failed to save definition %d: %v", def.ID, err)
		}
		return nil
	})
}

func (s *RedisStorage) activeID(ctx context.Context, projectID string) (uint64, error) {
	raw, err := s.client.Get(ctx, activeKey(projectID)).Result()
	if err == redis.Nil {
		return 0, fmt.Errorf("%w: project=%s", ErrDefinitionNotFound, projectID)
	} else if err != nil {
		return 0, fmt.Errorf("failed to get active definition of %s: %v", projectID, err)
	}
	id, err := strconv.ParseUint(raw, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("corrupt active definition pointer for %s: %v", projectID, err)
	}
	return id, nil
}

// GetDefinition retrieves a workflow definition from Redis.
func (s *RedisStorage) GetDefinition(ctx context.Context, id uint64) (types.WorkflowDefinition, error) {
	return getFromRedis[types.WorkflowDefinition](ctx, s.client, definitionKey(id), ErrDefinitionNotFound)
}

// LoadActiveDefinition retrieves the active definition of a project from Redis.
func (s *RedisStorage) LoadActiveDefinition(ctx context.Context, projectID string) (types.WorkflowDefinition, error) {
	return withContext(ctx, func() (types.WorkflowDefinition, error) {
		id, err := s.activeID(ctx, projectID)
		if err != nil {
			return types.WorkflowDefinition{}, err
		}
		return s.GetDefinition(ctx, id)
	})
}

// SaveExecution saves a workflow execution to Redis and indexes it under its definition.
func (s *RedisStorage) SaveExecution(ctx context.Context, exec types.WorkflowExecution) error {
	return withContextError(ctx, func() error {
		data, err := json.Marshal(exec)
		if err != nil {
			return fmt.Errorf("failed to marshal execution %d: %v", exec.ID, err)
		}
		pipe := s.client.TxPipeline()
		pipe.Set(ctx, executionKey(exec.ID), data, 0)
		pipe.ZAdd(ctx, executionIndexKey(exec.DefinitionID), &redis.Z{
			Score:  float64(exec.CreatedAt),
			Member: strconv.FormatUint(exec.ID, 10),
		})
		if _, err := pipe.Exec(ctx); err != nil {
			return fmt.Errorf("failed to save execution %d: %v", exec.ID, err)
		}
		return nil
	})
}

// GetExecution retrieves a workflow execution from Redis.
func (s *RedisStorage) GetExecution(ctx context.Context, id uint64) (types.WorkflowExecution, error) {
	return getFromRedis[types.WorkflowExecution](ctx, s.client, executionKey(id), ErrExecutionNotFound)
}

// ListExecutions returns the executions of a definition ordered by creation time.
func (s *RedisStorage) ListExecutions(ctx context.Context, definitionID uint64) ([]types.WorkflowExecution, error) {
	return withContext(ctx, func() ([]types.WorkflowExecution, error) {
		members, err := s.client.ZRange(ctx, executionIndexKey(definitionID), 0, -1).Result()
		if err != nil {
			return nil, fmt.Errorf("failed to list executions of definition %d: %v", definitionID, err)
		}
		if len(members) == 0 {
			return nil, nil
		}

		keys := make([]string, len(members))
		for i, m := range members {
			keys[i] = executionPrefix + m
		}
		values, err := s.client.MGet(ctx, keys...).Result()
		if err != nil {
			return nil, fmt.Errorf("failed to load executions of definition %d: %v", definitionID, err)
		}

		out := make([]types.WorkflowExecution, 0, len(values))
		for i, v := range values {
			raw, ok := v.(string)
			if !ok {
				// cleared after indexing
				continue
			}
			var exec types.WorkflowExecution
			if err := json.Unmarshal([]byte(raw), &exec); err != nil {
				return nil, fmt.Errorf("failed to unmarshal %s: %v", keys[i], err)
			}
			out = append(out, exec)
		}
		sortExecutions(out)
		return out, nil
	})
}

// ClearFinished removes completed, failed and cancelled executions from Redis
// and reports how many were removed.
func (s *RedisStorage) ClearFinished(ctx context.Context, keep func(id uint64) bool) (int, error) {
	return withContext(ctx, func() (int, error) {
		keys, err := s.client.Keys(ctx, executionPrefix+"*").Result()
		if err != nil {
			return 0, fmt.Errorf("failed to scan execution keys: %v", err)
		}

		if len(keys) == 0 {
			return 0, nil
		}

		removed := 0
		pipe := s.client.Pipeline()
		for _, key := range keys {
			data, err := s.client.Get(ctx, key).Bytes()
			if errors.Is(err, redis.Nil) {
				continue
			} else if err != nil {
				return 0, fmt.Errorf("failed to get %s: %v", key, err)
			}

			var exec types.WorkflowExecution
			if err := json.Unmarshal(data, &exec); err != nil {
				return 0, fmt.Errorf("failed to unmarshal %s: %v", key, err)
			}

			if exec.IsTerminal() && (keep == nil || !keep(exec.ID)) {
				pipe.Del(ctx, key)
				pipe.ZRem(ctx, executionIndexKey(exec.DefinitionID), strconv.FormatUint(exec.ID, 10))
				removed++
			}
		}

		if removed == 0 {
			return 0, nil
		}
		if _, err = pipe.Exec(ctx); err != nil {
			return 0, fmt.Errorf("failed to execute pipeline for deletion: %v", err)
		}
		return removed, nil
	})
}

// Close closes the Redis client connection.
func (s *RedisStorage) Close() error {
	return s.client.Close()
}
