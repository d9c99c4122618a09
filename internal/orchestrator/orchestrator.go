// Package orchestrator implements the Task Orchestrator state machine
// from spec §4.4: classify, divide, select, dispatch, collect, and
// aggregate one Task's subtasks, with reassignment on failure.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"strconv"
	"sync"
	"time"

	"github.com/HectorEspejo/iris/internal/aggregator"
	"github.com/HectorEspejo/iris/internal/classifier"
	"github.com/HectorEspejo/iris/internal/metrics"
	"github.com/HectorEspejo/iris/internal/protocol"
	"github.com/HectorEspejo/iris/internal/registry"
	"github.com/HectorEspejo/iris/internal/selection"
	"github.com/HectorEspejo/iris/internal/store"
	"github.com/HectorEspejo/iris/internal/stream"
	"github.com/HectorEspejo/iris/pkg/types"
)

// MaxAttempts bounds reassignment per spec §4.4's failure semantics.
const MaxAttempts = 2

// SendGraceTimeout is the backpressure grace before a full send queue is
// treated as NODE_LOST, per spec §4.4's backpressure note.
const SendGraceTimeout = 2 * time.Second

var (
	ErrNotFound  = errors.New("orchestrator: task not found")
	ErrNoNodes   = errors.New("orchestrator: no eligible nodes available")
	ErrCancelled = errors.New("orchestrator: task cancelled")
)

// Store persists Tasks and Subtasks. The Orchestrator exclusively owns
// this state per spec §3's ownership rule; Store implementations are
// the only thing allowed to mutate it.
type Store interface {
	Create(ctx context.Context, t *types.Task) error
	Get(ctx context.Context, taskID string) (*types.Task, error)
	Update(ctx context.Context, t *types.Task) error
	ListActive(ctx context.Context) ([]*types.Task, error)
}

// DocumentProcessor is the external bypass-format processor used by the
// DIRECT branch (spec §4.4 step 2) — document formats handled outside
// node dispatch entirely. Chunks arrive on onChunk as they are produced;
// Process returns the final answer once the external processor is done.
type DocumentProcessor interface {
	Supports(contentType string) bool
	Process(ctx context.Context, task *types.Task, onChunk func(payload []byte)) (final string, err error)
}

// Config configures orchestrator behavior.
type Config struct {
	ConsensusReplicas int // spec §4.4 DIVIDED/CONSENSUS default R
	MaxSubtasks       int
	ContextWindow     int
	ContextOverlap    int
	AttemptRestartMarker bool // Open Question 1 decision: emit ATTEMPT_RESTART on reassignment
}

// DefaultConfig returns the orchestrator defaults. ContextWindow and
// ContextOverlap are counted in characters, not tokens.
func DefaultConfig() Config {
	return Config{
		ConsensusReplicas:    3,
		MaxSubtasks:          8,
		ContextWindow:        4000,
		ContextOverlap:       200,
		AttemptRestartMarker: true,
	}
}

// Orchestrator drives Tasks through the state machine.
type Orchestrator struct {
	store      Store
	registry   registry.Registry
	classifier classifier.Classifier
	selector   *selection.Selector
	mux        *stream.Multiplexer
	aggregator *aggregator.Aggregator
	reputation ReputationRecorder
	docProc    DocumentProcessor
	cfg        Config
	logger     *slog.Logger

	mu      sync.Mutex
	cancel  map[string]context.CancelFunc
	pending map[string]*pendingAttempt // "taskID:index" -> the in-flight attempt awaiting an outcome
}

// pendingAttempt tracks which node a subtask's current attempt is
// waiting on, so a NODE_LOST event for that node (and no other) resolves it.
type pendingAttempt struct {
	nodeID string
	ch     chan subtaskOutcome
}

// ReputationRecorder is the narrow write-side interface onto the
// Reputation engine (spec §3's ownership rule: the Orchestrator records
// events, it never mutates scores directly).
type ReputationRecorder interface {
	RecordTaskCompleted(nodeID string, fast bool)
	RecordTaskTimeout(nodeID string)
	RecordTaskFailed(nodeID string, invalid bool)
}

// New constructs an Orchestrator.
func New(store Store, reg registry.Registry, cls classifier.Classifier, sel *selection.Selector, mux *stream.Multiplexer, agg *aggregator.Aggregator, rep ReputationRecorder, docProc DocumentProcessor, cfg Config, logger *slog.Logger) *Orchestrator {
	if logger == nil {
		logger = slog.Default()
	}
	o := &Orchestrator{
		store: store, registry: reg, classifier: cls, selector: sel,
		mux: mux, aggregator: agg, reputation: rep, docProc: docProc,
		cfg: cfg, logger: logger, cancel: make(map[string]context.CancelFunc),
		pending: make(map[string]*pendingAttempt),
	}
	go o.watchNodeLost()
	return o
}

// watchNodeLost subscribes to the Registry's NodeLost stream and resolves
// any in-flight subtask attempt assigned to the lost node as
// outcomeNodeLost, per spec §4.1's "Disconnect ... emits NODE_LOST to the
// Orchestrator for any subtasks still assigned."
func (o *Orchestrator) watchNodeLost() {
	for ev := range o.registry.NodeLost() {
		o.handleNodeLost(ev.NodeID)
	}
}

func (o *Orchestrator) handleNodeLost(nodeID string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	for key, att := range o.pending {
		if att.nodeID != nodeID {
			continue
		}
		select {
		case att.ch <- subtaskOutcome{kind: outcomeNodeLost}:
		default:
		}
		delete(o.pending, key)
	}
}

// HandleTaskResult resolves a pending attempt with TASK_RESULT, per spec
// §4.8. Called by the connection layer (internal/wsconn) when a worker's
// frame arrives.
func (o *Orchestrator) HandleTaskResult(taskID string, subtaskIndex int, payload []byte, executionMS int64) {
	o.resolve(pendingKey(taskID, subtaskIndex), subtaskOutcome{kind: outcomeResult, payload: payload, ms: executionMS})
}

// HandleTaskError resolves a pending attempt with TASK_ERROR.
func (o *Orchestrator) HandleTaskError(taskID string, subtaskIndex int, invalid bool) {
	o.resolve(pendingKey(taskID, subtaskIndex), subtaskOutcome{kind: outcomeError, invalid: invalid})
}

// HandleStreamChunk forwards a TASK_STREAM chunk into the task's Stream,
// per spec §4.4 step 5. It does not resolve the pending attempt.
func (o *Orchestrator) HandleStreamChunk(taskID string, subtaskIndex, sequence int, payload []byte) {
	o.mux.Push(taskID, subtaskIndex, sequence, payload)
}

func (o *Orchestrator) resolve(key string, outcome subtaskOutcome) {
	o.mu.Lock()
	att, ok := o.pending[key]
	if ok {
		delete(o.pending, key)
	}
	o.mu.Unlock()
	if !ok {
		return
	}
	select {
	case att.ch <- outcome:
	default:
	}
}

func pendingKey(taskID string, subtaskIndex int) string {
	return taskID + ":" + strconv.Itoa(subtaskIndex)
}

// CreateTaskRequest is what the HTTP boundary passes to Submit.
type CreateTaskRequest struct {
	ID          string
	AccountRef  string
	Prompt      string
	Attachments []types.Attachment
	Mode        types.Mode
	Streaming   bool
}

// Submit implements spec §4.4 step 1 (Create) and kicks off the driving
// goroutine for the task's remaining transitions.
func (o *Orchestrator) Submit(ctx context.Context, req CreateTaskRequest) (*types.Task, error) {
	task := &types.Task{
		ID:          req.ID,
		AccountRef:  req.AccountRef,
		Prompt:      req.Prompt,
		Attachments: req.Attachments,
		Mode:        req.Mode,
		Streaming:   req.Streaming,
		CreatedAt:   time.Now(),
		Status:      types.StatusPending,
	}
	if req.Streaming {
		o.mux.CreateStream(task.ID)
	}
	if err := o.store.Create(ctx, task); err != nil {
		return nil, fmt.Errorf("orchestrator: create task: %w", err)
	}
	metrics.TasksActive.Inc()

	driveCtx, cancel := context.WithCancel(context.Background())
	o.mu.Lock()
	o.cancel[task.ID] = cancel
	o.mu.Unlock()

	go o.drive(driveCtx, task.ID)
	return task, nil
}

// Get returns a Task's current state for polling, per spec §6's
// PollTask. Returns ErrNotFound if no such Task was ever created.
func (o *Orchestrator) Get(ctx context.Context, taskID string) (*types.Task, error) {
	task, err := o.store.Get(ctx, taskID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return task, nil
}

// Cancel implements spec §4.4's cancellation transition: any non-terminal
// subtask goes to CANCELLED, a best-effort cancel frame is sent to every
// assigned node, and the Stream closes.
func (o *Orchestrator) Cancel(ctx context.Context, taskID string) error {
	o.mu.Lock()
	cancel, ok := o.cancel[taskID]
	o.mu.Unlock()
	if !ok {
		return ErrNotFound
	}
	cancel()

	task, err := o.store.Get(ctx, taskID)
	if err != nil {
		return err
	}
	for _, st := range task.Subtasks {
		if st.Status == types.SubtaskPending || st.Status == types.SubtaskAssigned || st.Status == types.SubtaskStreaming {
			st.Status = types.SubtaskCancelled
			if st.NodeID != "" {
				o.sendCancel(task.ID, st)
				o.registry.DecrementLoad(st.NodeID)
			}
		}
	}
	task.Status = types.StatusCancelled
	task.Reason = types.ReasonCancelled
	task.CompletedAt = time.Now()
	_ = o.store.Update(ctx, task)
	o.mux.CloseAborted(task.ID)
	o.recordTaskOutcome(task)
	return nil
}

func (o *Orchestrator) sendCancel(taskID string, st *types.Subtask) {
	sender, err := o.registry.Sender(st.NodeID)
	if err != nil {
		return
	}
	frame, err := protocol.Encode(protocol.TaskCancel, protocol.TaskCancelPayload{TaskID: taskID, SubtaskIndex: st.Index})
	if err != nil {
		return
	}
	data, err := frame.ToJSON()
	if err != nil {
		return
	}
	_ = sender.Send(data)
}

// drive runs steps 2-6 of spec §4.4 for one task: Classify, Divide,
// Select-and-dispatch, Collect, Aggregate. The per-task driver goroutine
// shape follows scheduler.go's runLoop/scheduleNode split, generalized
// from DAG-node execution to subtask dispatch-and-collect.
func (o *Orchestrator) drive(ctx context.Context, taskID string) {
	defer func() {
		o.mu.Lock()
		delete(o.cancel, taskID)
		o.mu.Unlock()
	}()

	task, err := o.store.Get(ctx, taskID)
	if err != nil {
		o.logger.Error("drive: task missing", slog.String("task_id", taskID), slog.Any("error", err))
		return
	}

	if o.isDirectBypass(task) {
		o.runDirect(ctx, task)
		return
	}

	task.Status = types.StatusClassifying
	_ = o.store.Update(ctx, task)

	difficulty := o.classifier.Classify(ctx, task.Prompt, 0)
	task.Difficulty = difficulty
	task.DifficultyKnown = true
	task.Deadline = time.Now().Add(classifier.Deadlines[difficulty])
	_ = o.store.Update(ctx, task)

	subtasks := o.divide(task)
	task.Subtasks = subtasks
	task.Status = types.StatusDivided
	_ = o.store.Update(ctx, task)

	task.Status = types.StatusDispatched
	_ = o.store.Update(ctx, task)

	var wg sync.WaitGroup
	for _, st := range subtasks {
		wg.Add(1)
		go func(st *types.Subtask) {
			defer wg.Done()
			o.runSubtask(ctx, task, st)
		}(st)
	}
	wg.Wait()

	if ctx.Err() != nil {
		// Cancel has already recorded the CANCELLED outcome and closed the Stream.
		return
	}
	o.finish(ctx, task)
}

func (o *Orchestrator) isDirectBypass(task *types.Task) bool {
	if o.docProc == nil {
		return false
	}
	for _, a := range task.Attachments {
		if o.docProc.Supports(a.ContentType) {
			return true
		}
	}
	return false
}

// finish implements spec §4.4's Task outcome policy. CONTEXT-mode partial
// completion degrades to PARTIAL the same way SUBTASKS mode does, per
// spec §4.6 ("any window's failure degrades to PARTIAL") — §4.4's outcome
// table is read as non-exhaustive on this point, resolving the conflict
// the other way would strand a CONTEXT task's completed windows entirely.
func (o *Orchestrator) finish(ctx context.Context, task *types.Task) {
	task.Status = types.StatusStreaming
	_ = o.store.Update(ctx, task)

	completed, failed := 0, 0
	for _, st := range task.Subtasks {
		switch st.Status {
		case types.SubtaskCompleted:
			completed++
		case types.SubtaskFailed:
			failed++
		}
	}

	switch {
	case completed == len(task.Subtasks):
		task.Status = types.StatusCompleted
	case task.Mode == types.ModeConsensus && completed >= int(math.Ceil(float64(len(task.Subtasks))/2)):
		task.Status = types.StatusCompleted
	case (task.Mode == types.ModeSubtasks || task.Mode == types.ModeContext) && completed >= 1 && failed >= 1:
		task.Status = types.StatusPartial
		task.Reason = pickFailureReason(task.Subtasks)
	default:
		task.Reason = pickFailureReason(task.Subtasks)
		if task.Reason == types.ReasonTaskTimeout {
			task.Status = types.StatusTimedOut
		} else {
			task.Status = types.StatusFailed
		}
	}

	if task.Status == types.StatusCompleted || task.Status == types.StatusPartial {
		final, err := o.aggregator.Aggregate(task)
		if err != nil {
			task.Status = types.StatusFailed
			task.Reason = types.ReasonIntegrity
		} else {
			task.FinalResponse = final
		}
	}

	task.CompletedAt = time.Now()
	_ = o.store.Update(ctx, task)
	if task.Status == types.StatusCompleted || task.Status == types.StatusPartial {
		o.mux.CloseTerminal(task.ID)
	} else {
		o.mux.CloseError(task.ID, string(task.Reason))
	}
	o.recordTaskOutcome(task)
}

// pickFailureReason picks the most specific ReasonCode among a Task's
// failed Subtasks, per spec §4.4's "FAILED or TIMED_OUT based on the last
// event." NO_NODES and TASK_TIMEOUT outrank the generic
// ATTEMPTS_EXCEEDED fallback so a Task's Reason reflects why it actually
// failed rather than just that retries ran out.
func pickFailureReason(subtasks []*types.Subtask) types.ReasonCode {
	rank := map[types.ReasonCode]int{
		types.ReasonNoNodes:          4,
		types.ReasonTaskTimeout:      3,
		types.ReasonWorkerError:      2,
		types.ReasonAttemptsExceeded: 1,
	}
	best := types.ReasonCode("")
	bestRank := -1
	for _, st := range subtasks {
		if st.Status != types.SubtaskFailed {
			continue
		}
		reason := st.FailureReason
		if reason == "" {
			reason = types.ReasonAttemptsExceeded
		}
		if r := rank[reason]; r > bestRank {
			bestRank = r
			best = reason
		}
	}
	if best == "" {
		best = types.ReasonAttemptsExceeded
	}
	return best
}

// recordTaskOutcome records the tasks_total/task_duration_seconds
// metrics for a Task that just reached a terminal status.
func (o *Orchestrator) recordTaskOutcome(task *types.Task) {
	metrics.TasksActive.Dec()
	status := string(task.Status)
	metrics.TasksTotal.WithLabelValues(status).Inc()
	if !task.CreatedAt.IsZero() && !task.CompletedAt.IsZero() {
		metrics.TaskDuration.WithLabelValues(status).Observe(task.CompletedAt.Sub(task.CreatedAt).Seconds())
	}
}
