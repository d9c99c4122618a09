// Package protocol defines the worker-facing frame protocol: a
// discriminated record format for the bidirectional channel described in
// spec §4.8. Unknown frame kinds are protocol errors, never silently
// ignored, per spec §9 (dynamic-dispatch source is modeled as an explicit
// discriminated record, not duck-typed JSON).
package protocol

import (
	"encoding/json"
	"fmt"
	"time"
)

// MessageType is the discriminant for every frame on the channel.
type MessageType string

const (
	// Worker -> Coordinator
	NodeRegister  MessageType = "node_register"
	NodeHeartbeat MessageType = "node_heartbeat"
	TaskStream    MessageType = "task_stream"
	TaskResult    MessageType = "task_result"
	TaskError     MessageType = "task_error"

	// Coordinator -> Worker
	RegisterAck   MessageType = "register_ack"
	RegisterNack  MessageType = "register_nack"
	HeartbeatAck  MessageType = "heartbeat_ack"
	TaskAssign    MessageType = "task_assign"
	TaskCancel    MessageType = "task_cancel"

	// Bidirectional
	Error MessageType = "error"
)

// knownTypes guards against unknown-kind frames being silently accepted.
var knownTypes = map[MessageType]bool{
	NodeRegister: true, NodeHeartbeat: true, TaskStream: true, TaskResult: true,
	TaskError: true, RegisterAck: true, RegisterNack: true, HeartbeatAck: true,
	TaskAssign: true, TaskCancel: true, Error: true,
}

// ErrUnknownType is a Protocol-taxonomy error (spec §7) for frames with a
// discriminant this coordinator build does not understand.
type ErrUnknownType struct{ Type MessageType }

func (e ErrUnknownType) Error() string { return fmt.Sprintf("protocol: unknown frame type %q", e.Type) }

// Frame is the envelope for every message on the channel.
type Frame struct {
	Type      MessageType     `json:"type"`
	Payload   json.RawMessage `json:"payload"`
	Timestamp time.Time       `json:"timestamp"`
}

// Encode marshals a typed payload into a Frame.
func Encode(t MessageType, payload any) (Frame, error) {
	if !knownTypes[t] {
		return Frame{}, ErrUnknownType{Type: t}
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return Frame{}, fmt.Errorf("protocol: marshal payload for %s: %w", t, err)
	}
	return Frame{Type: t, Payload: raw, Timestamp: time.Now().UTC()}, nil
}

// Decode validates the frame's discriminant and unmarshals its payload.
func Decode(f Frame, into any) error {
	if !knownTypes[f.Type] {
		return ErrUnknownType{Type: f.Type}
	}
	if err := json.Unmarshal(f.Payload, into); err != nil {
		return fmt.Errorf("protocol: unmarshal payload for %s: %w", f.Type, err)
	}
	return nil
}

// ToJSON serializes a Frame to its wire form.
func (f Frame) ToJSON() ([]byte, error) { return json.Marshal(f) }

// FrameFromJSON parses a wire-form Frame, rejecting unknown discriminants
// before the caller ever sees the payload.
func FrameFromJSON(data []byte) (Frame, error) {
	var f Frame
	if err := json.Unmarshal(data, &f); err != nil {
		return Frame{}, fmt.Errorf("protocol: malformed frame: %w", err)
	}
	if !knownTypes[f.Type] {
		return Frame{}, ErrUnknownType{Type: f.Type}
	}
	return f, nil
}

// --- Payloads -------------------------------------------------------------

// NodeRegisterPayload carries capabilities + account proof (spec §4.8).
type NodeRegisterPayload struct {
	NodeID          string  `json:"node_id"`
	AccountProof    string  `json:"account_proof"`
	ModelName       string  `json:"model_name"`
	ParamsBillions  float64 `json:"params_billions"`
	Quantization    string  `json:"quantization"`
	VRAMGB          float64 `json:"vram_gb"`
	TokensPerSecond float64 `json:"tokens_per_second"`
	SupportsVision  bool    `json:"supports_vision"`
	ArtificialLoad  int     `json:"artificial_load"`
}

// RegisterAckPayload acknowledges a successful Register.
type RegisterAckPayload struct {
	NodeID string `json:"node_id"`
	Tier   string `json:"tier"`
}

// RegisterNackPayload rejects a Register with a taxonomy reason.
type RegisterNackPayload struct {
	Reason string `json:"reason"`
}

// NodeHeartbeatPayload reports load and uptime (spec §4.8).
type NodeHeartbeatPayload struct {
	NodeID          string    `json:"node_id"`
	CurrentLoad     int       `json:"current_load"`
	UptimeSeconds   int64     `json:"uptime_seconds"`
	SentAt          time.Time `json:"sent_at"`
	TokensPerSecond float64   `json:"tokens_per_second,omitempty"`
}

// HeartbeatAckPayload lets workers detect dead sockets (spec §4.1).
type HeartbeatAckPayload struct {
	ServerTime time.Time `json:"server_time"`
}

// TaskAssignPayload dispatches a subtask (spec §4.8).
type TaskAssignPayload struct {
	TaskID        string `json:"task_id"`
	SubtaskIndex  int    `json:"subtask_index"`
	Prompt        string `json:"prompt"`
	FileKeys      []string `json:"file_keys,omitempty"`
	Streaming     bool   `json:"streaming"`
	DeadlineUnix  int64  `json:"deadline_unix"`
}

// TaskCancelPayload asks a worker to abandon a subtask.
type TaskCancelPayload struct {
	TaskID       string `json:"task_id"`
	SubtaskIndex int    `json:"subtask_index"`
}

// TaskStreamPayload carries one streaming chunk (spec §4.8).
type TaskStreamPayload struct {
	TaskID       string `json:"task_id"`
	SubtaskIndex int    `json:"subtask_index"`
	Sequence     int    `json:"sequence"`
	Payload      []byte `json:"payload"`
}

// TaskResultPayload carries the final payload and timing (spec §4.8).
type TaskResultPayload struct {
	TaskID         string `json:"task_id"`
	SubtaskIndex   int    `json:"subtask_index"`
	FinalPayload   []byte `json:"final_payload"`
	ExecutionMS    int64  `json:"execution_ms"`
}

// WorkerErrorKind enumerates the Worker taxonomy from spec §7.
type WorkerErrorKind string

const (
	ModelRefused      WorkerErrorKind = "MODEL_REFUSED"
	InternalError     WorkerErrorKind = "INTERNAL"
	OutOfMemory       WorkerErrorKind = "OUT_OF_MEMORY"
	VisionUnsupported WorkerErrorKind = "VISION_UNSUPPORTED"
)

// TaskErrorPayload carries a worker-reported failure (spec §4.8).
type TaskErrorPayload struct {
	TaskID       string          `json:"task_id"`
	SubtaskIndex int             `json:"subtask_index"`
	Kind         WorkerErrorKind `json:"kind"`
	Detail       string          `json:"detail"`
}

// ErrorPayload is a generic bidirectional error frame.
type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}
