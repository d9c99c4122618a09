package aggregator

import (
	"strings"
	"testing"

	"github.com/HectorEspejo/iris/pkg/types"
)

func completedSubtask(index int, prompt, buffer string) *types.Subtask {
	return &types.Subtask{Index: index, Prompt: prompt, Buffer: []byte(buffer), Status: types.SubtaskCompleted}
}

func TestAggregateSubtasksSinglePassthrough(t *testing.T) {
	a := New(Config{})
	task := &types.Task{
		Mode:     types.ModeSubtasks,
		Status:   types.StatusCompleted,
		Prompt:   "Summarize this document",
		Subtasks: []*types.Subtask{completedSubtask(0, "Summarize this document", "the summary")},
	}
	out, err := a.Aggregate(task)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if out != "the summary" {
		t.Fatalf("expected passthrough, got %q", out)
	}
}

func TestAggregateSubtasksMultiJoinsWithTitles(t *testing.T) {
	a := New(Config{})
	task := &types.Task{
		Mode:   types.ModeSubtasks,
		Status: types.StatusCompleted,
		Prompt: "Analyze the following report",
		Subtasks: []*types.Subtask{
			completedSubtask(0, "Extract the key dates.", "dates: 2026-01-01"),
			completedSubtask(1, "Extract the key names.", "names: Alice, Bob"),
		},
	}
	out, err := a.Aggregate(task)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !strings.Contains(out, "Analysis Results") {
		t.Fatalf("expected task-type header, got %q", out)
	}
	if !strings.Contains(out, "dates: 2026-01-01") || !strings.Contains(out, "names: Alice, Bob") {
		t.Fatalf("expected both subtask bodies present, got %q", out)
	}
}

func TestAggregatePartialAnnotatesGaps(t *testing.T) {
	a := New(Config{})
	task := &types.Task{
		Mode:   types.ModeSubtasks,
		Status: types.StatusPartial,
		Prompt: "List the action items",
		Subtasks: []*types.Subtask{
			completedSubtask(0, "List the action items for part one.", "item A"),
			{Index: 1, Prompt: "List the action items for part two.", Status: types.SubtaskFailed},
		},
	}
	out, err := a.Aggregate(task)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !strings.Contains(out, "Incomplete") || !strings.Contains(out, "part 2") {
		t.Fatalf("expected gap annotation naming part 2, got %q", out)
	}
}

func TestAggregateConsensusPicksMostSimilar(t *testing.T) {
	a := New(Config{})
	task := &types.Task{
		Mode:   types.ModeConsensus,
		Status: types.StatusCompleted,
		Subtasks: []*types.Subtask{
			completedSubtask(0, "p", "the sky is blue today"),
			completedSubtask(1, "p", "the sky is blue today indeed"),
			completedSubtask(2, "p", "bananas are yellow fruit"),
		},
	}
	out, err := a.Aggregate(task)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !strings.Contains(out, "sky is blue") {
		t.Fatalf("expected a sky response selected as most similar, got %q", out)
	}
}

// TestAggregateConsensusTieBreaksOnReputation exercises spec §4.6's "on
// tie, the response with the highest-reputation producer wins": with
// exactly two responses, averageJaccard is symmetric so both candidates
// always score identically, isolating the reputation tie-break.
func TestAggregateConsensusTieBreaksOnReputation(t *testing.T) {
	reputations := map[string]float64{"node-low": 20, "node-high": 95}
	a := New(Config{ReputationLookup: func(nodeID string) float64 { return reputations[nodeID] }})

	low := completedSubtask(0, "p", "alpha beta")
	low.NodeID = "node-low"
	high := completedSubtask(1, "p", "gamma delta")
	high.NodeID = "node-high"

	task := &types.Task{
		Mode:     types.ModeConsensus,
		Status:   types.StatusCompleted,
		Subtasks: []*types.Subtask{low, high},
	}
	out, err := a.Aggregate(task)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if out != "gamma delta" {
		t.Fatalf("expected the higher-reputation producer's response to win the tie, got %q", out)
	}
}

func TestAggregateConsensusSingleResponsePassthrough(t *testing.T) {
	a := New(Config{})
	task := &types.Task{
		Mode:     types.ModeConsensus,
		Status:   types.StatusCompleted,
		Subtasks: []*types.Subtask{completedSubtask(0, "p", "only answer")},
	}
	out, err := a.Aggregate(task)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if out != "only answer" {
		t.Fatalf("expected passthrough, got %q", out)
	}
}

func TestAggregateContextSortsBySectionMarker(t *testing.T) {
	a := New(Config{})
	task := &types.Task{
		Mode:   types.ModeContext,
		Status: types.StatusCompleted,
		Subtasks: []*types.Subtask{
			completedSubtask(1, "[Section 2] analyze this", "second chunk analysis"),
			completedSubtask(0, "[Section 1] analyze this", "first chunk analysis"),
		},
	}
	out, err := a.Aggregate(task)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	firstIdx := strings.Index(out, "first chunk analysis")
	secondIdx := strings.Index(out, "second chunk analysis")
	if firstIdx == -1 || secondIdx == -1 || firstIdx > secondIdx {
		t.Fatalf("expected section 1 before section 2, got %q", out)
	}
}

func TestAggregateNoCompletedSubtasksErrors(t *testing.T) {
	a := New(Config{})
	task := &types.Task{
		Mode:     types.ModeSubtasks,
		Status:   types.StatusFailed,
		Subtasks: []*types.Subtask{{Index: 0, Status: types.SubtaskFailed}},
	}
	_, err := a.Aggregate(task)
	if err != ErrNoCompletedSubtasks {
		t.Fatalf("expected ErrNoCompletedSubtasks, got %v", err)
	}
}
