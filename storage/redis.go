package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/songzhibin97/docflow/types"
)

const (
	definitionPrefix   = "definition:"
	instancePrefix     = "instance:"
	historyPrefix      = "history:"
	firedPrefix        = "fired:"
	definitionIndexKey = "definitions"
	activeIndexKey     = "instances:active"
)

// RedisStorage is a Redis-backed implementation of the Storage interface.
// Instances are JSON values; history is a list per instance; commits use
// WATCH/MULTI so concurrent writers serialize on the instance key.
type RedisStorage struct {
	client *redis.Client
	prefix string
}

// RedisOptions extends redis.Options with additional configuration.
type RedisOptions struct {
	Addr         string
	Password     string
	DB           int
	PoolSize     int
	MinIdleConns int
	IdleTimeout  time.Duration
	// KeyPrefix namespaces every key, e.g. "docflow:".
	KeyPrefix string
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
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	return &RedisStorage{client: client, prefix: opts.KeyPrefix}, nil
}

func (s *RedisStorage) key(prefix string, id uint64) string {
	return s.prefix + prefix + strconv.FormatUint(id, 10)
}

// getFromRedis retrieves and unmarshals a value from Redis with the given key.
func getFromRedis[T any](ctx context.Context, client redis.Cmdable, key string, errNotFound error) (T, error) {
	return withContext(ctx, func() (T, error) {
		var zero T
		data, err := client.Get(ctx, key).Bytes()
		if err == redis.Nil {
			return zero, fmt.Errorf("%w: key=%s", errNotFound, key)
		} else if err != nil {
			return zero, fmt.Errorf("failed to get %s from Redis: %w", key, err)
		}

		var result T
		if err := json.Unmarshal(data, &result); err != nil {
			return zero, fmt.Errorf("failed to unmarshal %s: %w", key, err)
		}
		return result, nil
	})
}

// mgetFromRedis loads many JSON values, skipping keys that vanished.
func mgetFromRedis[T any](ctx context.Context, client redis.Cmdable, keys []string) ([]T, error) {
	if len(keys) == 0 {
		return nil, nil
	}
	values, err := client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to mget %d keys: %w", len(keys), err)
	}
	out := make([]T, 0, len(values))
	for i, v := range values {
		raw, ok := v.(string)
		if !ok {
			continue
		}
		var item T
		if err := json.Unmarshal([]byte(raw), &item); err != nil {
			return nil, fmt.Errorf("failed to unmarshal %s: %w", keys[i], err)
		}
		out = append(out, item)
	}
	return out, nil
}

// SaveDefinition saves a definition and indexes it.
func (s *RedisStorage) SaveDefinition(ctx context.Context, def types.WorkflowDefinition) error {
	return s.SaveDefinitions(ctx, []types.WorkflowDefinition{def})
}

// SaveDefinitions saves multiple definitions in one MULTI/EXEC pipeline.
func (s *RedisStorage) SaveDefinitions(ctx context.Context, defs []types.WorkflowDefinition) error {
	return withContextError(ctx, func() error {
		_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			for _, def := range defs {
				data, err := json.Marshal(def)
				if err != nil {
					return fmt.Errorf("failed to marshal definition %d: %w", def.ID, err)
				}
				pipe.Set(ctx, s.key(definitionPrefix, def.ID), data, 0)
				pipe.SAdd(ctx, s.prefix+definitionIndexKey, def.ID)
			}
			return nil
		})
		if err != nil {
			return fmt.Errorf("failed to execute pipeline for definitions: %w", err)
		}
		return nil
	})
}

// GetDefinition retrieves a definition from Redis.
func (s *RedisStorage) GetDefinition(ctx context.Context, id uint64) (types.WorkflowDefinition, error) {
	return getFromRedis[types.WorkflowDefinition](ctx, s.client, s.key(definitionPrefix, id), ErrDefinitionNotFound)
}

// ListDefinitions lists definitions ordered by ID.
func (s *RedisStorage) ListDefinitions(ctx context.Context, documentType string) ([]types.WorkflowDefinition, error) {
	return withContext(ctx, func() ([]types.WorkflowDefinition, error) {
		ids, err := s.client.SMembers(ctx, s.prefix+definitionIndexKey).Result()
		if err != nil {
			return nil, fmt.Errorf("failed to list definitions: %w", err)
		}
		defs, err := mgetFromRedis[types.WorkflowDefinition](ctx, s.client, s.keys(definitionPrefix, ids))
		if err != nil {
			return nil, err
		}
		out := defs[:0]
		for _, def := range defs {
			if documentType == "" || def.DocumentType == documentType {
				out = append(out, def)
			}
		}
		sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
		return out, nil
	})
}

// CreateInstance stores a new instance with SETNX.
func (s *RedisStorage) CreateInstance(ctx context.Context, inst types.WorkflowInstance) error {
	return withContextError(ctx, func() error {
		if err := checkNewInstance(inst); err != nil {
			return err
		}
		data, err := json.Marshal(inst)
		if err != nil {
			return fmt.Errorf("failed to marshal instance %d: %w", inst.ID, err)
		}
		created, err := s.client.SetNX(ctx, s.key(instancePrefix, inst.ID), data, 0).Result()
		if err != nil {
			return fmt.Errorf("failed to create instance %d: %w", inst.ID, err)
		}
		if !created {
			return fmt.Errorf("%w: id=%d", ErrInstanceExists, inst.ID)
		}
		if !inst.Status.Terminal() {
			if err := s.client.SAdd(ctx, s.prefix+activeIndexKey, inst.ID).Err(); err != nil {
				return fmt.Errorf("failed to index instance %d: %w", inst.ID, err)
			}
		}
		return nil
	})
}

// CommitInstance replaces the instance and appends entries in one transaction
// guarded by WATCH on the instance key.
func (s *RedisStorage) CommitInstance(ctx context.Context, inst types.WorkflowInstance, entries []types.HistoryEntry) error {
	return withContextError(ctx, func() error {
		key := s.key(instancePrefix, inst.ID)
		data, err := json.Marshal(inst)
		if err != nil {
			return fmt.Errorf("failed to marshal instance %d: %w", inst.ID, err)
		}
		encoded := make([]interface{}, 0, len(entries))
		for _, e := range entries {
			b, err := json.Marshal(e)
			if err != nil {
				return fmt.Errorf("failed to marshal history entry %d: %w", e.ID, err)
			}
			encoded = append(encoded, b)
		}

		err = s.client.Watch(ctx, func(tx *redis.Tx) error {
			stored, err := getFromRedis[types.WorkflowInstance](ctx, tx, key, ErrInstanceNotFound)
			if err != nil {
				return err
			}
			if err := checkCommit(stored, inst); err != nil {
				return err
			}
			_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
				pipe.Set(ctx, key, data, 0)
				if len(encoded) > 0 {
					pipe.RPush(ctx, s.key(historyPrefix, inst.ID), encoded...)
				}
				if inst.Status.Terminal() {
					pipe.SRem(ctx, s.prefix+activeIndexKey, inst.ID)
				} else {
					pipe.SAdd(ctx, s.prefix+activeIndexKey, inst.ID)
				}
				return nil
			})
			return err
		}, key)
		if errors.Is(err, redis.TxFailedErr) {
			return fmt.Errorf("%w: id=%d changed during commit", ErrVersionConflict, inst.ID)
		}
		return err
	})
}

// GetInstance retrieves an instance from Redis.
func (s *RedisStorage) GetInstance(ctx context.Context, id uint64) (types.WorkflowInstance, error) {
	return getFromRedis[types.WorkflowInstance](ctx, s.client, s.key(instancePrefix, id), ErrInstanceNotFound)
}

// ListActiveInstances lists indexed non-terminal instances ordered by ID.
func (s *RedisStorage) ListActiveInstances(ctx context.Context) ([]types.WorkflowInstance, error) {
	return withContext(ctx, func() ([]types.WorkflowInstance, error) {
		ids, err := s.client.SMembers(ctx, s.prefix+activeIndexKey).Result()
		if err != nil {
			return nil, fmt.Errorf("failed to list active instances: %w", err)
		}
		insts, err := mgetFromRedis[types.WorkflowInstance](ctx, s.client, s.keys(instancePrefix, ids))
		if err != nil {
			return nil, err
		}
		out := insts[:0]
		for _, inst := range insts {
			if !inst.Status.Terminal() {
				out = append(out, inst)
			}
		}
		sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
		return out, nil
	})
}

// ListHistory lists the history of an instance.
func (s *RedisStorage) ListHistory(ctx context.Context, instanceID uint64) ([]types.HistoryEntry, error) {
	return withContext(ctx, func() ([]types.HistoryEntry, error) {
		exists, err := s.client.Exists(ctx, s.key(instancePrefix, instanceID)).Result()
		if err != nil {
			return nil, fmt.Errorf("failed to check instance %d: %w", instanceID, err)
		}
		if exists == 0 {
			return nil, fmt.Errorf("%w: id=%d", ErrInstanceNotFound, instanceID)
		}
		raw, err := s.client.LRange(ctx, s.key(historyPrefix, instanceID), 0, -1).Result()
		if err != nil {
			return nil, fmt.Errorf("failed to read history %d: %w", instanceID, err)
		}
		out := make([]types.HistoryEntry, len(raw))
		for i, r := range raw {
			if err := json.Unmarshal([]byte(r), &out[i]); err != nil {
				return nil, fmt.Errorf("failed to unmarshal history %d[%d]: %w", instanceID, i, err)
			}
		}
		return out, nil
	})
}

// MarkFired records an event key with SETNX.
func (s *RedisStorage) MarkFired(ctx context.Context, key string) (bool, error) {
	return withContext(ctx, func() (bool, error) {
		ok, err := s.client.SetNX(ctx, s.prefix+firedPrefix+key, time.Now().UnixMilli(), 0).Result()
		if err != nil {
			return false, fmt.Errorf("failed to mark %s fired: %w", key, err)
		}
		return ok, nil
	})
}

// IsFired reports whether an event key has been recorded.
func (s *RedisStorage) IsFired(ctx context.Context, key string) (bool, error) {
	return withContext(ctx, func() (bool, error) {
		n, err := s.client.Exists(ctx, s.prefix+firedPrefix+key).Result()
		if err != nil {
			return false, fmt.Errorf("failed to check %s: %w", key, err)
		}
		return n > 0, nil
	})
}

// Close closes the Redis client connection.
func (s *RedisStorage) Close() error {
	return s.client.Close()
}

func (s *RedisStorage) keys(prefix string, ids []string) []string {
	out := make([]string, len(ids))
	for i, id := range ids {
		out[i] = s.prefix + prefix + id
	}
	return out
}
