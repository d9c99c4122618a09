package types

// FrameKind tags a stream frame enqueued on a Task's Stream.
type FrameKind string

const (
	FrameChunk          FrameKind = "chunk"
	FrameTerminal       FrameKind = "terminal"
	FrameDropped        FrameKind = "dropped"
	FrameAttemptRestart FrameKind = "attempt_restart"
	FrameError          FrameKind = "error"
	FrameAborted        FrameKind = "aborted"
)

// StreamFrame is one entry in a Task's bounded FIFO, per spec §3/§4.5.
type StreamFrame struct {
	SubtaskIndex int
	Sequence     int
	Payload      []byte
	Kind         FrameKind
	IsTerminal   bool
}
