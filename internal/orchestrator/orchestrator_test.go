package orchestrator

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/HectorEspejo/iris/internal/aggregator"
	"github.com/HectorEspejo/iris/internal/registry"
	"github.com/HectorEspejo/iris/internal/selection"
	"github.com/HectorEspejo/iris/internal/store"
	"github.com/HectorEspejo/iris/internal/stream"
	"github.com/HectorEspejo/iris/pkg/types"
)

type fakeVerifier struct{}

func (fakeVerifier) Verify(ctx context.Context, nodeID, proof string) (string, bool) {
	return "acct-1", true
}

type fakeReputation struct {
	completed int
	timedOut  int
	failed    int
}

func (f *fakeReputation) RecordTaskCompleted(nodeID string, fast bool) { f.completed++ }
func (f *fakeReputation) RecordTaskTimeout(nodeID string)              { f.timedOut++ }
func (f *fakeReputation) RecordTaskFailed(nodeID string, invalid bool) { f.failed++ }

type fakeDocProcessor struct {
	contentType string
	final       string
	err         error
	chunks      [][]byte
}

func (f *fakeDocProcessor) Supports(contentType string) bool { return contentType == f.contentType }

func (f *fakeDocProcessor) Process(ctx context.Context, task *types.Task, onChunk func(payload []byte)) (string, error) {
	for _, c := range f.chunks {
		onChunk(c)
	}
	return f.final, f.err
}

func newTestOrchestrator(t *testing.T, docProc DocumentProcessor) (*Orchestrator, *store.Memory) {
	t.Helper()
	st := store.NewMemory()
	reg := registry.NewMemory(registry.DefaultConfig(), fakeVerifier{}, nil)
	t.Cleanup(func() { _ = reg.Close() })
	mux := stream.New(64, nil)
	agg := aggregator.New(aggregator.Config{})
	rep := &fakeReputation{}
	o := New(st, reg, nil, nil, mux, agg, rep, docProc, DefaultConfig(), nil)
	return o, st
}

func TestSubmitDirectBypassCompletes(t *testing.T) {
	docProc := &fakeDocProcessor{
		contentType: "application/pdf",
		final:       "extracted answer",
		chunks:      [][]byte{[]byte("chunk-1"), []byte("chunk-2")},
	}
	o, st := newTestOrchestrator(t, docProc)

	task, err := o.Submit(context.Background(), CreateTaskRequest{
		ID:          "task-1",
		AccountRef:  "acct-1",
		Prompt:      "summarize this document",
		Attachments: []types.Attachment{{Name: "doc.pdf", ContentType: "application/pdf", StorageKey: "k1"}},
		Mode:        types.ModeDirect,
	})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if task.Status != types.StatusPending {
		t.Fatalf("expected initial status pending, got %s", task.Status)
	}

	deadline := time.Now().Add(2 * time.Second)
	var got *types.Task
	for time.Now().Before(deadline) {
		got, err = st.Get(context.Background(), "task-1")
		if err != nil {
			t.Fatalf("Get: %v", err)
		}
		if got.Status.IsTerminal() {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}

	if !got.Status.IsTerminal() {
		t.Fatalf("task never reached a terminal status, last status %s", got.Status)
	}
	if got.Status != types.StatusCompleted {
		t.Fatalf("expected COMPLETED, got %s (reason %s)", got.Status, got.Reason)
	}
	if got.FinalResponse != "extracted answer" {
		t.Fatalf("unexpected final response %q", got.FinalResponse)
	}
	if len(got.Subtasks) != 1 || got.Subtasks[0].Status != types.SubtaskCompleted {
		t.Fatalf("expected one completed synthetic subtask, got %+v", got.Subtasks)
	}
}

func TestSubmitDirectBypassProcessorError(t *testing.T) {
	docProc := &fakeDocProcessor{
		contentType: "application/pdf",
		err:         errors.New("external processor unavailable"),
	}
	o, st := newTestOrchestrator(t, docProc)

	_, err := o.Submit(context.Background(), CreateTaskRequest{
		ID:          "task-2",
		Prompt:      "summarize",
		Attachments: []types.Attachment{{Name: "doc.pdf", ContentType: "application/pdf"}},
		Mode:        types.ModeDirect,
	})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	var got *types.Task
	for time.Now().Before(deadline) {
		got, _ = st.Get(context.Background(), "task-2")
		if got != nil && got.Status.IsTerminal() {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}

	if got.Status != types.StatusFailed {
		t.Fatalf("expected FAILED, got %s", got.Status)
	}
	if got.Reason != types.ReasonWorkerError {
		t.Fatalf("expected worker_error reason, got %s", got.Reason)
	}
}

func TestGetUnknownTaskReturnsNotFound(t *testing.T) {
	o, _ := newTestOrchestrator(t, nil)
	_, err := o.Get(context.Background(), "does-not-exist")
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestCancelUnknownTaskReturnsNotFound(t *testing.T) {
	o, _ := newTestOrchestrator(t, nil)
	err := o.Cancel(context.Background(), "does-not-exist")
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestIsDirectBypassRequiresMatchingAttachment(t *testing.T) {
	docProc := &fakeDocProcessor{contentType: "application/pdf"}
	o, _ := newTestOrchestrator(t, docProc)

	bypass := &types.Task{Attachments: []types.Attachment{{ContentType: "application/pdf"}}}
	if !o.isDirectBypass(bypass) {
		t.Fatal("expected a pdf attachment to trigger bypass")
	}

	noMatch := &types.Task{Attachments: []types.Attachment{{ContentType: "text/plain"}}}
	if o.isDirectBypass(noMatch) {
		t.Fatal("did not expect a plain-text attachment to trigger bypass")
	}

	noDocProc, _ := newTestOrchestrator(t, nil)
	if noDocProc.isDirectBypass(bypass) {
		t.Fatal("expected no bypass when no DocumentProcessor is configured")
	}
}

func TestRecordTaskOutcomeObservesTerminalStatusOnly(t *testing.T) {
	o, _ := newTestOrchestrator(t, nil)
	task := &types.Task{
		ID:          "task-3",
		Status:      types.StatusCompleted,
		CreatedAt:   time.Now().Add(-time.Second),
		CompletedAt: time.Now(),
	}
	// Exercises the metrics side effect path without asserting on global
	// Prometheus state; a panic here would indicate a nil-pointer bug.
	o.recordTaskOutcome(task)
}

// silentSender swallows TASK_ASSIGN frames and never reports an outcome,
// modeling a node that goes quiet mid-task, per scenario S4.
type silentSender struct{}

func (silentSender) Send(frame []byte) error { return nil }
func (silentSender) Close() error            { return nil }

func registerSilentNode(t *testing.T, reg *registry.Memory, nodeID string) {
	t.Helper()
	_, err := reg.Register(context.Background(), registry.Handshake{
		NodeID: nodeID,
		Conn:   silentSender{},
	})
	if err != nil {
		t.Fatalf("Register(%s): %v", nodeID, err)
	}
}

// TestFinishTimesOutWhenNoNodeReplies covers scenario S4: every attempt
// at a subtask exhausts MaxAttempts on nodes that never reply, so the
// Task must reach TIMED_OUT (not the ATTEMPTS_EXCEEDED-flavored FAILED
// default). The best-effort TASK_CANCEL sent to the still-assigned node
// is swallowed by silentSender and is not checked here.
func TestFinishTimesOutWhenNoNodeReplies(t *testing.T) {
	st := store.NewMemory()
	reg := registry.NewMemory(registry.DefaultConfig(), fakeVerifier{}, nil)
	t.Cleanup(func() { _ = reg.Close() })
	registerSilentNode(t, reg, "node-a")
	registerSilentNode(t, reg, "node-b")

	sel := selection.New(selection.DefaultWeights(), selection.PowerOfTwo, nil)
	mux := stream.New(64, nil)
	agg := aggregator.New(aggregator.Config{})
	rep := &fakeReputation{}
	o := New(st, reg, nil, sel, mux, agg, rep, nil, DefaultConfig(), nil)

	task := &types.Task{
		ID:         "task-timeout",
		Mode:       types.ModeSubtasks,
		Status:     types.StatusDispatched,
		Difficulty: types.DifficultySimple,
		Deadline:   time.Now().Add(30 * time.Millisecond),
	}
	sub := &types.Subtask{TaskID: task.ID, Index: 0, Prompt: "p", TriedNodes: make(map[string]bool)}
	task.Subtasks = []*types.Subtask{sub}
	if err := st.Create(context.Background(), task); err != nil {
		t.Fatalf("Create: %v", err)
	}

	o.runSubtask(context.Background(), task, sub)

	if sub.Status != types.SubtaskFailed || sub.FailureReason != types.ReasonTaskTimeout {
		t.Fatalf("expected subtask FAILED/TASK_TIMEOUT, got status=%s reason=%s", sub.Status, sub.FailureReason)
	}
	if rep.timedOut == 0 {
		t.Fatal("expected at least one RecordTaskTimeout call")
	}

	o.finish(context.Background(), task)

	if task.Status != types.StatusTimedOut {
		t.Fatalf("expected Task TIMED_OUT, got %s (reason %s)", task.Status, task.Reason)
	}
	if task.Reason != types.ReasonTaskTimeout {
		t.Fatalf("expected TASK_TIMEOUT reason, got %s", task.Reason)
	}
}
