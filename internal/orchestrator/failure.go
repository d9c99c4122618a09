package orchestrator

import (
	"context"
	"time"

	"github.com/HectorEspejo/iris/internal/classifier"
	"github.com/HectorEspejo/iris/internal/protocol"
	"github.com/HectorEspejo/iris/internal/selection"
	"github.com/HectorEspejo/iris/pkg/types"
)

// subtaskOutcome is posted by the connection layer back to runSubtask
// via channels owned per-attempt; see internal/wsconn for the producer
// side that feeds TASK_STREAM/TASK_RESULT/TASK_ERROR/NODE_LOST events
// into these.
type subtaskOutcome struct {
	kind    outcomeKind
	payload []byte
	ms      int64
	invalid bool
}

type outcomeKind int

const (
	outcomeResult outcomeKind = iota
	outcomeError
	outcomeNodeLost
	outcomeTimeout
)

// runSubtask drives one subtask through select→dispatch→collect→
// reassign-or-fail, per spec §4.4 steps 4-5 and the failure semantics.
func (o *Orchestrator) runSubtask(ctx context.Context, task *types.Task, st *types.Subtask) {
	deadline := task.Deadline
	if deadline.IsZero() {
		deadline = time.Now().Add(classifier.Deadlines[task.Difficulty])
	}

	for {
		select {
		case <-ctx.Done():
			st.Status = types.SubtaskCancelled
			return
		default:
		}

		nodeID, err := o.pickNode(task, st)
		if err != nil {
			st.Status = types.SubtaskFailed
			st.FailureReason = types.ReasonNoNodes
			return
		}

		st.NodeID = nodeID
		st.Attempt++
		st.TriedNodes[nodeID] = true
		st.AttemptStart = time.Now()
		st.Status = types.SubtaskAssigned
		o.registry.IncrementLoad(nodeID)

		outcome, assignErr := o.assignAndCollect(ctx, task, st, deadline)
		o.registry.DecrementLoad(nodeID)

		if assignErr != nil {
			o.registry.RecordFailure(nodeID)
			if !o.reassignOrFail(task, st, types.ReasonAttemptsExceeded) {
				return
			}
			continue
		}

		switch outcome.kind {
		case outcomeResult:
			st.Status = types.SubtaskCompleted
			st.Buffer = outcome.payload
			st.ExecutionMS = outcome.ms
			o.registry.RecordSuccess(nodeID)
			fast := outcome.ms > 0 && outcome.ms < 30000
			o.reputation.RecordTaskCompleted(nodeID, fast)
			return
		case outcomeError:
			o.registry.RecordFailure(nodeID)
			if outcome.invalid {
				o.reputation.RecordTaskFailed(nodeID, true)
				st.Status = types.SubtaskFailed
				st.FailureReason = types.ReasonWorkerError
				return
			}
			o.reputation.RecordTaskFailed(nodeID, false)
			if !o.reassignOrFail(task, st, types.ReasonWorkerError) {
				return
			}
		case outcomeNodeLost:
			o.registry.RecordFailure(nodeID)
			if !o.reassignOrFail(task, st, types.ReasonAttemptsExceeded) {
				return
			}
		case outcomeTimeout:
			o.registry.RecordFailure(nodeID)
			o.reputation.RecordTaskTimeout(nodeID)
			o.sendCancel(task.ID, st)
			if !o.reassignOrFail(task, st, types.ReasonTaskTimeout) {
				st.Status = types.SubtaskFailed
				st.FailureReason = types.ReasonTaskTimeout
				return
			}
		}
	}
}

// reassignOrFail implements spec §4.4's "if attempt-count < MAX_ATTEMPTS
// (default 2), reassign ... else mark subtask FAILED." Returns true if
// the caller should retry the dispatch loop. On reassignment it emits the
// Open-Question-1 ATTEMPT_RESTART marker so stream consumers can tell a
// restart from a sequence-number gap. onFailReason is recorded on the
// Subtask only when attempts are exhausted.
func (o *Orchestrator) reassignOrFail(task *types.Task, st *types.Subtask, onFailReason types.ReasonCode) bool {
	if st.Attempt < MaxAttempts {
		st.Status = types.SubtaskReassigned
		if o.cfg.AttemptRestartMarker {
			o.mux.PushRestartMarker(task.ID, st.Index)
		}
		return true
	}
	st.Status = types.SubtaskFailed
	st.FailureReason = onFailReason
	return false
}

func (o *Orchestrator) pickNode(task *types.Task, st *types.Subtask) (string, error) {
	snap, err := o.registry.Snapshot(context.Background())
	if err != nil {
		return "", err
	}
	required := selection.RequiredTiers(task.Difficulty)
	picked := o.selector.Select(snap, required, 1, st.TriedNodes, o.registry.CircuitAvailable)
	if len(picked) == 0 {
		return "", ErrNoNodes
	}
	return picked[0].ID, nil
}

// assignAndCollect sends TASK_ASSIGN and blocks for a terminal outcome
// reported by the connection layer (via HandleTaskResult/HandleTaskError/
// NodeLost), a per-subtask deadline, or backpressure grace expiring on
// the send itself, per spec §4.4 step 5 and the backpressure note.
func (o *Orchestrator) assignAndCollect(ctx context.Context, task *types.Task, st *types.Subtask, taskDeadline time.Time) (subtaskOutcome, error) {
	sender, err := o.registry.Sender(st.NodeID)
	if err != nil {
		return subtaskOutcome{}, err
	}

	frame, err := protocol.Encode(protocol.TaskAssign, protocol.TaskAssignPayload{
		TaskID:       task.ID,
		SubtaskIndex: st.Index,
		Prompt:       st.Prompt,
		Streaming:    task.Streaming,
		DeadlineUnix: taskDeadline.Unix(),
	})
	if err != nil {
		return subtaskOutcome{}, err
	}
	data, err := frame.ToJSON()
	if err != nil {
		return subtaskOutcome{}, err
	}

	key := pendingKey(task.ID, st.Index)
	outcomeCh := make(chan subtaskOutcome, 1)
	o.mu.Lock()
	o.pending[key] = &pendingAttempt{nodeID: st.NodeID, ch: outcomeCh}
	o.mu.Unlock()
	defer func() {
		o.mu.Lock()
		delete(o.pending, key)
		o.mu.Unlock()
	}()

	sendDone := make(chan error, 1)
	go func() { sendDone <- sender.Send(data) }()
	select {
	case err := <-sendDone:
		if err != nil {
			return subtaskOutcome{}, err
		}
	case <-time.After(SendGraceTimeout):
		return subtaskOutcome{}, ErrNoNodes
	}

	st.Status = types.SubtaskStreaming

	if remaining := time.Until(taskDeadline); remaining <= 0 {
		return subtaskOutcome{kind: outcomeTimeout}, nil
	}

	select {
	case outcome := <-outcomeCh:
		return outcome, nil
	case <-ctx.Done():
		return subtaskOutcome{}, ErrCancelled
	case <-time.After(time.Until(taskDeadline)):
		return subtaskOutcome{kind: outcomeTimeout}, nil
	}
}
