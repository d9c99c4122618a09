package store

import (
	"context"
	"sync"

	"github.com/HectorEspejo/iris/pkg/types"
)

// Memory is an in-memory Store implementation, the coordinator's default
// for development and single-process deployments. Grounded on
// orchestrator-go/internal/runstore/memory.go's MemoryStore shape
// (mutex-guarded map, copy-in/copy-out to decouple stored state from the
// caller's live Task pointer).
type Memory struct {
	mu    sync.RWMutex
	tasks map[string]*types.Task
}

// NewMemory constructs an empty Memory store.
func NewMemory() *Memory {
	return &Memory{tasks: make(map[string]*types.Task)}
}

func copyTask(t *types.Task) *types.Task {
	cp := *t
	cp.Attachments = append([]types.Attachment(nil), t.Attachments...)
	cp.Subtasks = make([]*types.Subtask, len(t.Subtasks))
	for i, st := range t.Subtasks {
		stc := *st
		stc.TriedNodes = make(map[string]bool, len(st.TriedNodes))
		for k, v := range st.TriedNodes {
			stc.TriedNodes[k] = v
		}
		stc.Buffer = append([]byte(nil), st.Buffer...)
		cp.Subtasks[i] = &stc
	}
	return &cp
}

// Create inserts a new Task record.
func (m *Memory) Create(ctx context.Context, t *types.Task) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tasks[t.ID] = copyTask(t)
	return nil
}

// Get returns a copy of the stored Task.
func (m *Memory) Get(ctx context.Context, taskID string) (*types.Task, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	t, ok := m.tasks[taskID]
	if !ok {
		return nil, ErrNotFound
	}
	return copyTask(t), nil
}

// Update overwrites the stored Task record.
func (m *Memory) Update(ctx context.Context, t *types.Task) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.tasks[t.ID]; !ok {
		return ErrNotFound
	}
	m.tasks[t.ID] = copyTask(t)
	return nil
}

// ListActive returns every Task whose status is not yet terminal.
func (m *Memory) ListActive(ctx context.Context) ([]*types.Task, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*types.Task
	for _, t := range m.tasks {
		if !t.Status.IsTerminal() {
			out = append(out, copyTask(t))
		}
	}
	return out, nil
}
