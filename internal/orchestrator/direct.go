package orchestrator

import (
	"context"
	"time"

	"github.com/HectorEspejo/iris/pkg/types"
)

// runDirect implements spec §4.4 step 2's DIRECT branch: a document
// bypass-format attachment skips classification and node selection
// entirely; a synthetic subtask is handed to the external processor and
// its chunks forwarded to the Stream. No registered nodes participate,
// so no reputation events are recorded (spec scenario S5).
func (o *Orchestrator) runDirect(ctx context.Context, task *types.Task) {
	task.Status = types.StatusDispatched
	_ = o.store.Update(ctx, task)

	st := &types.Subtask{
		TaskID:     task.ID,
		Index:      0,
		Prompt:     task.Prompt,
		TriedNodes: make(map[string]bool),
		Status:     types.SubtaskAssigned,
	}
	task.Subtasks = []*types.Subtask{st}

	task.Status = types.StatusStreaming
	_ = o.store.Update(ctx, task)

	seq := 0
	onChunk := func(payload []byte) {
		seq++
		o.mux.Push(task.ID, 0, seq, payload)
	}

	final, err := o.docProc.Process(ctx, task, onChunk)
	if err != nil {
		st.Status = types.SubtaskFailed
		st.FailureReason = types.ReasonWorkerError
		task.Status = types.StatusFailed
		task.Reason = types.ReasonWorkerError
	} else {
		st.Status = types.SubtaskCompleted
		st.Buffer = []byte(final)
		task.FinalResponse = final
		task.Status = types.StatusCompleted
	}

	task.CompletedAt = time.Now()
	_ = o.store.Update(ctx, task)
	if task.Status == types.StatusCompleted {
		o.mux.CloseTerminal(task.ID)
	} else {
		o.mux.CloseError(task.ID, string(task.Reason))
	}
	o.recordTaskOutcome(task)
}
