package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/HectorEspejo/iris/internal/metrics"
	"github.com/HectorEspejo/iris/pkg/types"
)

// RedisConfig configures a RedisStore, grounded on
// orchestrator-go/internal/runstore/redis.go's RedisConfig.
type RedisConfig struct {
	URL    string
	Prefix string
	TTL    time.Duration

	PoolSize     int
	MinIdleConns int
	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// DefaultRedisConfig mirrors runstore.DefaultRedisConfig, repointed at
// task retention (24h, since Tasks are short-lived requests, not a
// 7-day run history).
func DefaultRedisConfig() *RedisConfig {
	return &RedisConfig{
		URL:          "redis://localhost:6379/0",
		Prefix:       "tasks",
		TTL:          24 * time.Hour,
		PoolSize:     10,
		MinIdleConns: 2,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	}
}

// RedisStore implements orchestrator.Store backed by Redis: each Task
// serializes to a single JSON blob under its key, plus membership in an
// "active" set for ListActive, grounded on runstore/redis.go's
// pipeline-plus-key-prefix persistence shape.
type RedisStore struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

// NewRedisStore creates a new Redis-backed Store.
func NewRedisStore(cfg *RedisConfig) (*RedisStore, error) {
	if cfg == nil {
		cfg = DefaultRedisConfig()
	}
	opts, err := redis.ParseURL(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("store: parse redis url: %w", err)
	}
	if cfg.PoolSize > 0 {
		opts.PoolSize = cfg.PoolSize
	}
	if cfg.MinIdleConns > 0 {
		opts.MinIdleConns = cfg.MinIdleConns
	}
	if cfg.DialTimeout > 0 {
		opts.DialTimeout = cfg.DialTimeout
	}
	if cfg.ReadTimeout > 0 {
		opts.ReadTimeout = cfg.ReadTimeout
	}
	if cfg.WriteTimeout > 0 {
		opts.WriteTimeout = cfg.WriteTimeout
	}

	client := redis.NewClient(opts)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("store: redis ping: %w", err)
	}

	prefix := cfg.Prefix
	if prefix == "" {
		prefix = "tasks"
	}
	return &RedisStore{client: client, prefix: prefix, ttl: cfg.TTL}, nil
}

func (s *RedisStore) keyTask(id string) string { return fmt.Sprintf("%s:%s", s.prefix, id) }
func (s *RedisStore) keyActive() string        { return fmt.Sprintf("%s:active", s.prefix) }

func (s *RedisStore) write(ctx context.Context, t *types.Task) error {
	data, err := json.Marshal(t)
	if err != nil {
		return fmt.Errorf("store: marshal task: %w", err)
	}

	pipe := s.client.Pipeline()
	pipe.Set(ctx, s.keyTask(t.ID), data, s.ttl)
	if t.Status.IsTerminal() {
		pipe.SRem(ctx, s.keyActive(), t.ID)
	} else {
		pipe.SAdd(ctx, s.keyActive(), t.ID)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("store: persist task: %w", err)
	}
	return nil
}

// Create implements orchestrator.Store.Create.
func (s *RedisStore) Create(ctx context.Context, t *types.Task) error {
	err := s.write(ctx, t)
	recordStoreOp("create", err)
	return err
}

// Get implements orchestrator.Store.Get.
func (s *RedisStore) Get(ctx context.Context, taskID string) (*types.Task, error) {
	data, err := s.client.Get(ctx, s.keyTask(taskID)).Bytes()
	if err == redis.Nil {
		recordStoreOp("get", ErrNotFound)
		return nil, ErrNotFound
	}
	if err != nil {
		recordStoreOp("get", err)
		return nil, fmt.Errorf("store: get task: %w", err)
	}
	var t types.Task
	if err := json.Unmarshal(data, &t); err != nil {
		recordStoreOp("get", err)
		return nil, fmt.Errorf("store: unmarshal task: %w", err)
	}
	recordStoreOp("get", nil)
	return &t, nil
}

// Update implements orchestrator.Store.Update.
func (s *RedisStore) Update(ctx context.Context, t *types.Task) error {
	exists, err := s.client.Exists(ctx, s.keyTask(t.ID)).Result()
	if err != nil {
		recordStoreOp("update", err)
		return fmt.Errorf("store: exists check: %w", err)
	}
	if exists == 0 {
		recordStoreOp("update", ErrNotFound)
		return ErrNotFound
	}
	err = s.write(ctx, t)
	recordStoreOp("update", err)
	return err
}

func recordStoreOp(operation string, err error) {
	result := "success"
	if err != nil {
		result = "error"
	}
	metrics.StoreOperations.WithLabelValues(operation, result).Inc()
}

// ListActive implements orchestrator.Store.ListActive.
func (s *RedisStore) ListActive(ctx context.Context) ([]*types.Task, error) {
	ids, err := s.client.SMembers(ctx, s.keyActive()).Result()
	if err != nil {
		return nil, fmt.Errorf("store: list active: %w", err)
	}
	out := make([]*types.Task, 0, len(ids))
	for _, id := range ids {
		t, err := s.Get(ctx, id)
		if err == ErrNotFound {
			continue // expired between SMEMBERS and GET
		}
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, nil
}

// Close releases the underlying Redis client.
func (s *RedisStore) Close() error {
	return s.client.Close()
}
