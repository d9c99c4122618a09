package classifier

import (
	"context"
	"testing"
	"time"

	"github.com/HectorEspejo/iris/pkg/types"
)

func TestHeuristicClassifiesSimplePrompt(t *testing.T) {
	h := NewHeuristic()
	got := h.Classify(context.Background(), "What is the capital of France?", 0)
	if got != types.DifficultySimple {
		t.Fatalf("expected SIMPLE, got %s", got)
	}
}

func TestHeuristicClassifiesAdvancedPrompt(t *testing.T) {
	h := NewHeuristic()
	prompt := `Design a distributed system architecture with careful attention to
	concurrency and security audit considerations, covering failure modes,
	consensus, replication, and consistency guarantees across every service
	boundary, optimizing for both latency and throughput under partition.`
	got := h.Classify(context.Background(), prompt, 4)
	if got != types.DifficultyAdvanced {
		t.Fatalf("expected ADVANCED, got %s", got)
	}
}

func TestHeuristicDetectsCodeAndMath(t *testing.T) {
	h := NewHeuristic()
	prompt := "```go\nfunc main() { x := 1 + 2 }\n```"
	got := h.Classify(context.Background(), prompt, 0)
	if got == types.DifficultySimple {
		t.Fatalf("expected code/math markers to push above SIMPLE, got %s", got)
	}
}

type stubExternal struct {
	result types.Difficulty
	delay  time.Duration
}

func (s stubExternal) Classify(ctx context.Context, prompt string, subtaskHint int) types.Difficulty {
	select {
	case <-time.After(s.delay):
		return s.result
	case <-ctx.Done():
		return ""
	}
}

func TestChainUsesExternalResultWhenFast(t *testing.T) {
	c := New(stubExternal{result: types.DifficultyAdvanced}, nil)
	got := c.Classify(context.Background(), "anything", 0)
	if got != types.DifficultyAdvanced {
		t.Fatalf("expected external result ADVANCED, got %s", got)
	}
}

func TestChainFallsBackOnExternalTimeout(t *testing.T) {
	c := New(stubExternal{result: types.DifficultyAdvanced, delay: ExternalTimeout + time.Second}, nil)
	got := c.Classify(context.Background(), "What is the capital of France?", 0)
	if got != types.DifficultySimple {
		t.Fatalf("expected fallback heuristic SIMPLE, got %s", got)
	}
}

func TestDeadlinesMatchSpec(t *testing.T) {
	cases := map[types.Difficulty]time.Duration{
		types.DifficultySimple:   60 * time.Second,
		types.DifficultyComplex:  300 * time.Second,
		types.DifficultyAdvanced: 600 * time.Second,
	}
	for d, want := range cases {
		if Deadlines[d] != want {
			t.Fatalf("deadline for %s: want %v got %v", d, want, Deadlines[d])
		}
	}
}
