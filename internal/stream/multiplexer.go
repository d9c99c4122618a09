// Package stream implements the Streaming Multiplexer from spec §4.5:
// one bounded FIFO per streaming Task, fed by per-node protocol readers
// and drained in arrival order by the HTTP server-sent-stream handler.
package stream

import (
	"log/slog"
	"sync"

	"github.com/HectorEspejo/iris/internal/metrics"
	"github.com/HectorEspejo/iris/pkg/types"
)

// DefaultCapacity is spec §4.5's default per-task frame buffer size.
const DefaultCapacity = 256

// isTerminalFrame reports whether kind ends a Stream, per spec §4.5's
// "terminal frames are never dropped."
func isTerminalFrame(k types.FrameKind) bool {
	switch k {
	case types.FrameTerminal, types.FrameError, types.FrameAborted:
		return true
	default:
		return false
	}
}

// taskStream is one Task's bounded FIFO plus its subscriber fan-out,
// shaped after a Hub's register/unregister/broadcast actor loop
// (gateway-go/hub/hub.go), narrowed here to a single task's subscribers
// instead of a global stream-ID keyed registry.
type taskStream struct {
	mu          sync.Mutex
	buf         []types.StreamFrame
	cap         int
	subscribers map[chan types.StreamFrame]bool
	closed      bool
	sequence    int
}

// Multiplexer owns every Stream in the coordinator process, per spec §3's
// ownership rule.
type Multiplexer struct {
	mu       sync.RWMutex
	streams  map[string]*taskStream
	capacity int
	logger   *slog.Logger
}

// New constructs a Multiplexer with the given per-task buffer capacity
// (0 uses DefaultCapacity).
func New(capacity int, logger *slog.Logger) *Multiplexer {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Multiplexer{streams: make(map[string]*taskStream), capacity: capacity, logger: logger}
}

// CreateStream allocates a Stream for a Task, per spec §4.4 step 1.
func (m *Multiplexer) CreateStream(taskID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.streams[taskID]; ok {
		return
	}
	m.streams[taskID] = &taskStream{
		cap:         m.capacity,
		subscribers: make(map[chan types.StreamFrame]bool),
	}
}

// Subscribe registers a consumer for a Task's Stream, returning a channel
// of frames in arrival order and an unsubscribe function. Any frames
// already buffered are replayed first so a late subscriber (e.g. a
// reconnecting SSE client) doesn't miss history within the FIFO window.
func (m *Multiplexer) Subscribe(taskID string) (<-chan types.StreamFrame, func(), bool) {
	m.mu.RLock()
	ts, ok := m.streams[taskID]
	m.mu.RUnlock()
	if !ok {
		return nil, func() {}, false
	}

	ts.mu.Lock()
	ch := make(chan types.StreamFrame, ts.cap)
	for _, f := range ts.buf {
		select {
		case ch <- f:
		default:
		}
	}
	ts.subscribers[ch] = true
	ts.mu.Unlock()

	unsubscribe := func() {
		ts.mu.Lock()
		if _, ok := ts.subscribers[ch]; ok {
			delete(ts.subscribers, ch)
			close(ch)
		}
		ts.mu.Unlock()
	}
	return ch, unsubscribe, true
}

// Push appends a data frame for (taskID, subtaskIndex, sequence), per
// spec §4.4 step 5. Overflow drops the oldest non-terminal frame and
// inserts a DROPPED marker in its place, per spec §4.5.
func (m *Multiplexer) Push(taskID string, subtaskIndex, sequence int, payload []byte) {
	m.emit(taskID, types.StreamFrame{
		Kind:         types.FrameChunk,
		SubtaskIndex: subtaskIndex,
		Sequence:     sequence,
		Payload:      payload,
	})
}

// PushRestartMarker implements Open Question 1's chosen semantics: an
// ATTEMPT_RESTART marker precedes a reassigned subtask's first frame so
// consumers can distinguish a restart from a sequence-number gap.
func (m *Multiplexer) PushRestartMarker(taskID string, subtaskIndex int) {
	m.emit(taskID, types.StreamFrame{Kind: types.FrameAttemptRestart, SubtaskIndex: subtaskIndex})
}

// CloseTerminal pushes a terminal frame and tears down the Stream's
// subscriber channels, per spec §4.4 step 6 ("close the Stream").
func (m *Multiplexer) CloseTerminal(taskID string) {
	m.emit(taskID, types.StreamFrame{Kind: types.FrameTerminal})
	m.Close(taskID)
}

// CloseError pushes an ERROR marker carrying reason and tears down the
// Stream, per spec §4.5 close semantics (b): a Task's terminal failure
// enqueues an ERROR frame rather than the success-path TERMINAL one.
func (m *Multiplexer) CloseError(taskID, reason string) {
	m.emit(taskID, types.StreamFrame{Kind: types.FrameError, Payload: []byte(reason)})
	m.Close(taskID)
}

// CloseAborted pushes an ABORTED marker and tears down the Stream, per
// spec §4.5 close semantics (c) and §5 cancellation step (c).
func (m *Multiplexer) CloseAborted(taskID string) {
	m.emit(taskID, types.StreamFrame{Kind: types.FrameAborted})
	m.Close(taskID)
}

// Close tears down a Stream without emitting a terminal frame, used for
// cancellation per spec §4.4's cancellation transition.
func (m *Multiplexer) Close(taskID string) {
	m.mu.Lock()
	ts, ok := m.streams[taskID]
	delete(m.streams, taskID)
	m.mu.Unlock()
	if !ok {
		return
	}

	ts.mu.Lock()
	ts.closed = true
	for ch := range ts.subscribers {
		close(ch)
	}
	ts.subscribers = nil
	ts.mu.Unlock()
}

func (m *Multiplexer) emit(taskID string, frame types.StreamFrame) {
	m.mu.RLock()
	ts, ok := m.streams[taskID]
	m.mu.RUnlock()
	if !ok {
		return
	}

	ts.mu.Lock()
	if ts.closed {
		ts.mu.Unlock()
		return
	}
	ts.sequence++
	frame.Sequence = ts.sequence
	frame.IsTerminal = isTerminalFrame(frame.Kind)
	metrics.StreamFramesTotal.WithLabelValues(string(frame.Kind)).Inc()

	ts.buf = append(ts.buf, frame)
	if len(ts.buf) > ts.cap {
		// Terminal-class frames (TERMINAL/ERROR/ABORTED) are never dropped,
		// per spec §4.5; find the oldest frame that isn't one. DROPPED
		// markers are skipped too, so consecutive drops share one marker
		// and the buffer holds at most capacity frames plus that marker.
		dropIdx := -1
		for i := range ts.buf {
			if !isTerminalFrame(ts.buf[i].Kind) && ts.buf[i].Kind != types.FrameDropped {
				dropIdx = i
				break
			}
		}
		if dropIdx >= 0 {
			dropped := ts.buf[dropIdx]
			next := make([]types.StreamFrame, 0, len(ts.buf))
			next = append(next, ts.buf[:dropIdx]...)
			if dropIdx == 0 || ts.buf[dropIdx-1].Kind != types.FrameDropped {
				next = append(next, types.StreamFrame{Kind: types.FrameDropped, SubtaskIndex: dropped.SubtaskIndex})
			}
			next = append(next, ts.buf[dropIdx+1:]...)
			ts.buf = next
			metrics.StreamFramesDroppedTotal.Inc()
			m.logger.Warn("stream buffer overflow, dropped oldest frame",
				slog.String("task_id", taskID), slog.Int("subtask_index", dropped.SubtaskIndex))
		}
	}

	subs := make([]chan types.StreamFrame, 0, len(ts.subscribers))
	for ch := range ts.subscribers {
		subs = append(subs, ch)
	}
	ts.mu.Unlock()

	for _, ch := range subs {
		select {
		case ch <- frame:
		default:
			metrics.StreamFramesDroppedTotal.Inc()
			m.logger.Warn("slow stream consumer, dropping frame", slog.String("task_id", taskID))
		}
	}
}
