package reputation

import (
	"context"
	"sync"

	"github.com/HectorEspejo/iris/pkg/types"
)

// maxHistoryPerNode bounds the in-memory event ring buffer per node,
// matching runstore/memory.go's AppendEvent ring-buffer trim.
const maxHistoryPerNode = 200

// MemoryStore is an in-memory Store. Data is lost on restart; suitable
// for development and single-process deployments, grounded on
// orchestrator-go/internal/runstore/memory.go's MemoryStore shape.
type MemoryStore struct {
	mu        sync.RWMutex
	scores    map[string]float64
	history   map[string][]types.ReputationEvent
	completed map[string]int
}

// NewMemoryStore constructs an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		scores:    make(map[string]float64),
		history:   make(map[string][]types.ReputationEvent),
		completed: make(map[string]int),
	}
}

var _ Store = (*MemoryStore)(nil)

func (s *MemoryStore) Get(ctx context.Context, nodeID string) (float64, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.scores[nodeID]
	return v, ok, nil
}

func (s *MemoryStore) Set(ctx context.Context, nodeID string, reputation float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.scores[nodeID] = reputation
	return nil
}

func (s *MemoryStore) AppendEvent(ctx context.Context, event types.ReputationEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	log := append(s.history[event.NodeID], event)
	if len(log) > maxHistoryPerNode {
		log = log[len(log)-maxHistoryPerNode:]
	}
	s.history[event.NodeID] = log
	return nil
}

func (s *MemoryStore) History(ctx context.Context, nodeID string, limit int) ([]types.ReputationEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	log := s.history[nodeID]
	if limit > 0 && len(log) > limit {
		log = log[len(log)-limit:]
	}
	out := make([]types.ReputationEvent, len(log))
	copy(out, log)
	return out, nil
}

func (s *MemoryStore) All(ctx context.Context) (map[string]float64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]float64, len(s.scores))
	for k, v := range s.scores {
		out[k] = v
	}
	return out, nil
}

func (s *MemoryStore) TotalTasksCompleted(ctx context.Context, nodeID string) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.completed[nodeID], nil
}

func (s *MemoryStore) IncrementTasksCompleted(ctx context.Context, nodeID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.completed[nodeID]++
	return nil
}
