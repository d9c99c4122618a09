package store

import (
	"context"
	"testing"

	"github.com/HectorEspejo/iris/pkg/types"
)

func TestCreateGetRoundTrips(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	task := &types.Task{ID: "t1", Prompt: "hello", Status: types.StatusPending}
	if err := m.Create(ctx, task); err != nil {
		t.Fatalf("Create: %v", err)
	}

	got, err := m.Get(ctx, "t1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Prompt != "hello" {
		t.Fatalf("expected prompt to round-trip, got %q", got.Prompt)
	}
}

func TestGetReturnsCopyNotAlias(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	task := &types.Task{ID: "t1", Prompt: "hello", Status: types.StatusPending}
	if err := m.Create(ctx, task); err != nil {
		t.Fatal(err)
	}

	got, _ := m.Get(ctx, "t1")
	got.Prompt = "mutated"

	got2, _ := m.Get(ctx, "t1")
	if got2.Prompt != "hello" {
		t.Fatalf("expected stored task unaffected by caller mutation, got %q", got2.Prompt)
	}
}

func TestUpdateUnknownTaskFails(t *testing.T) {
	m := NewMemory()
	err := m.Update(context.Background(), &types.Task{ID: "missing"})
	if err != ErrNotFound {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestListActiveExcludesTerminal(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	_ = m.Create(ctx, &types.Task{ID: "active", Status: types.StatusStreaming})
	_ = m.Create(ctx, &types.Task{ID: "done", Status: types.StatusCompleted})

	active, err := m.ListActive(ctx)
	if err != nil {
		t.Fatalf("ListActive: %v", err)
	}
	if len(active) != 1 || active[0].ID != "active" {
		t.Fatalf("expected only the active task, got %+v", active)
	}
}

func TestUpdatePreservesSubtaskTriedNodes(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	task := &types.Task{
		ID:     "t1",
		Status: types.StatusDispatched,
		Subtasks: []*types.Subtask{
			{Index: 0, TriedNodes: map[string]bool{"node-1": true}},
		},
	}
	if err := m.Create(ctx, task); err != nil {
		t.Fatal(err)
	}

	task.Subtasks[0].TriedNodes["node-2"] = true
	if err := m.Update(ctx, task); err != nil {
		t.Fatal(err)
	}

	got, _ := m.Get(ctx, "t1")
	if !got.Subtasks[0].TriedNodes["node-1"] || !got.Subtasks[0].TriedNodes["node-2"] {
		t.Fatalf("expected both tried nodes preserved, got %+v", got.Subtasks[0].TriedNodes)
	}
}
