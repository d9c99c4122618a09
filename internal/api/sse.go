package api

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/HectorEspejo/iris/internal/metrics"
	"github.com/HectorEspejo/iris/pkg/types"
)

// sseFrame is the wire shape of one streamed event, per spec §4.5's
// Stream consumer contract.
type sseFrame struct {
	Kind         string `json:"kind"`
	SubtaskIndex int    `json:"subtask_index"`
	Sequence     int    `json:"sequence"`
	Payload      string `json:"payload,omitempty"`
}

// StreamTask handles GET /api/v1/tasks/{id}/events, draining
// Multiplexer.Subscribe(taskID) as Server-Sent Events. Grounded on
// orchestrator-go/internal/api/sse.go's flush-on-write,
// heartbeat-ticker, client-disconnect-via-ctx.Done() shape, repointed
// from a per-run event log onto a Task's stream frames.
func (h *Handlers) StreamTask(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	taskID := mux.Vars(r)["id"]
	requestID := GetRequestID(ctx, r)

	frames, unsubscribe, ok := h.mux.Subscribe(taskID)
	if !ok {
		writeErrorResponse(w, r, http.StatusNotFound, ErrCodeNotFound, "no stream for this task")
		return
	}
	defer unsubscribe()
	metrics.SSEConnectionsActive.Inc()
	defer metrics.SSEConnectionsActive.Dec()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeErrorResponse(w, r, http.StatusInternalServerError, ErrCodeInternalError, "streaming not supported")
		return
	}
	h.writeSSEComment(w, flusher, "connected")

	heartbeat := time.NewTicker(15 * time.Second)
	defer heartbeat.Stop()

	for {
		select {
		case <-ctx.Done():
			h.logger.Info("sse connection closed", slog.String("task_id", taskID), slog.String("request_id", requestID), slog.String("reason", "client_disconnect"))
			return
		case frame, ok := <-frames:
			if !ok {
				h.logger.Info("sse connection closed", slog.String("task_id", taskID), slog.String("request_id", requestID), slog.String("reason", "stream_closed"))
				return
			}
			h.writeSSEFrame(w, flusher, frame)
			if frame.IsTerminal {
				return
			}
		case <-heartbeat.C:
			h.writeSSEComment(w, flusher, "heartbeat")
		}
	}
}

func (h *Handlers) writeSSEFrame(w http.ResponseWriter, flusher http.Flusher, f types.StreamFrame) {
	data, err := json.Marshal(sseFrame{
		Kind:         string(f.Kind),
		SubtaskIndex: f.SubtaskIndex,
		Sequence:     f.Sequence,
		Payload:      string(f.Payload),
	})
	if err != nil {
		return
	}
	if _, err := w.Write([]byte("event: " + string(f.Kind) + "\ndata: " + string(data) + "\n\n")); err != nil {
		h.logger.Error("failed to write sse frame", slog.Any("error", err))
		return
	}
	flusher.Flush()
}

func (h *Handlers) writeSSEComment(w http.ResponseWriter, flusher http.Flusher, comment string) {
	if _, err := w.Write([]byte(": " + comment + "\n\n")); err != nil {
		return
	}
	flusher.Flush()
}
