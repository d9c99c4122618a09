package reputation

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/HectorEspejo/iris/pkg/types"
)

// maxHistoryPerNodeRedis bounds the LPUSH/LTRIM history list per node.
const maxHistoryPerNodeRedis = 200

// RedisConfig configures a RedisStore, grounded on
// orchestrator-go/internal/runstore/redis.go's RedisConfig/DefaultRedisConfig pair.
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

// DefaultRedisConfig mirrors DefaultRedisConfig's shape, repointed at
// reputation's own key prefix and a longer TTL (reputation history should
// outlive any one task).
func DefaultRedisConfig() *RedisConfig {
	return &RedisConfig{
		URL:          "redis://localhost:6379/0",
		Prefix:       "reputation",
		TTL:          0, // reputation is long-lived, no default expiry
		PoolSize:     10,
		MinIdleConns: 2,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	}
}

// RedisStore implements Store backed by Redis: a hash of node->score for
// the live scores, and a per-node list for append-only history, grounded
// on runstore/redis.go's hash-plus-stream persistence shape.
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
		return nil, fmt.Errorf("reputation: parse redis url: %w", err)
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
		return nil, fmt.Errorf("reputation: redis ping: %w", err)
	}

	prefix := cfg.Prefix
	if prefix == "" {
		prefix = "reputation"
	}
	return &RedisStore{client: client, prefix: prefix, ttl: cfg.TTL}, nil
}

var _ Store = (*RedisStore)(nil)

func (s *RedisStore) keyScores() string           { return fmt.Sprintf("%s:scores", s.prefix) }
func (s *RedisStore) keyHistory(id string) string { return fmt.Sprintf("%s:%s:history", s.prefix, id) }
func (s *RedisStore) keyTasks() string             { return fmt.Sprintf("%s:tasks_completed", s.prefix) }

func (s *RedisStore) Get(ctx context.Context, nodeID string) (float64, bool, error) {
	v, err := s.client.HGet(ctx, s.keyScores(), nodeID).Float64()
	if err == redis.Nil {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("reputation: get score: %w", err)
	}
	return v, true, nil
}

func (s *RedisStore) Set(ctx context.Context, nodeID string, reputation float64) error {
	if err := s.client.HSet(ctx, s.keyScores(), nodeID, reputation).Err(); err != nil {
		return fmt.Errorf("reputation: set score: %w", err)
	}
	return nil
}

func (s *RedisStore) AppendEvent(ctx context.Context, event types.ReputationEvent) error {
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("reputation: marshal event: %w", err)
	}
	pipe := s.client.Pipeline()
	pipe.LPush(ctx, s.keyHistory(event.NodeID), data)
	pipe.LTrim(ctx, s.keyHistory(event.NodeID), 0, maxHistoryPerNodeRedis-1)
	if s.ttl > 0 {
		pipe.Expire(ctx, s.keyHistory(event.NodeID), s.ttl)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("reputation: append event: %w", err)
	}
	return nil
}

func (s *RedisStore) History(ctx context.Context, nodeID string, limit int) ([]types.ReputationEvent, error) {
	if limit <= 0 {
		limit = maxHistoryPerNodeRedis
	}
	raw, err := s.client.LRange(ctx, s.keyHistory(nodeID), 0, int64(limit-1)).Result()
	if err != nil {
		return nil, fmt.Errorf("reputation: history: %w", err)
	}
	out := make([]types.ReputationEvent, 0, len(raw))
	for _, item := range raw {
		var ev types.ReputationEvent
		if err := json.Unmarshal([]byte(item), &ev); err != nil {
			continue
		}
		out = append(out, ev)
	}
	return out, nil
}

func (s *RedisStore) All(ctx context.Context) (map[string]float64, error) {
	raw, err := s.client.HGetAll(ctx, s.keyScores()).Result()
	if err != nil {
		return nil, fmt.Errorf("reputation: all scores: %w", err)
	}
	out := make(map[string]float64, len(raw))
	for id, v := range raw {
		var f float64
		if _, err := fmt.Sscanf(v, "%g", &f); err == nil {
			out[id] = f
		}
	}
	return out, nil
}

func (s *RedisStore) TotalTasksCompleted(ctx context.Context, nodeID string) (int, error) {
	v, err := s.client.HGet(ctx, s.keyTasks(), nodeID).Int()
	if err == redis.Nil {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("reputation: total tasks: %w", err)
	}
	return v, nil
}

func (s *RedisStore) IncrementTasksCompleted(ctx context.Context, nodeID string) error {
	if err := s.client.HIncrBy(ctx, s.keyTasks(), nodeID, 1).Err(); err != nil {
		return fmt.Errorf("reputation: increment tasks: %w", err)
	}
	return nil
}

// Close releases the underlying Redis client.
func (s *RedisStore) Close() error {
	return s.client.Close()
}
