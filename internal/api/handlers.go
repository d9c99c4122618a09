// Package api is the HTTP boundary: SubmitTask/PollTask/CancelTask and
// the network Snapshot/leaderboard egress from spec §6, plus the
// worker-facing WebSocket route mounted alongside it. Grounded on
// orchestrator-go/internal/api's Handlers/Server split.
package api

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/google/uuid"
	"github.com/gorilla/mux"

	"github.com/HectorEspejo/iris/internal/attachments"
	"github.com/HectorEspejo/iris/internal/orchestrator"
	"github.com/HectorEspejo/iris/internal/registry"
	"github.com/HectorEspejo/iris/internal/reputation"
	"github.com/HectorEspejo/iris/internal/stream"
	"github.com/HectorEspejo/iris/internal/wsconn"
	"github.com/HectorEspejo/iris/pkg/types"
)

// Handlers holds every HTTP handler and its dependencies.
type Handlers struct {
	orch        *orchestrator.Orchestrator
	registry    registry.Registry
	reputation  *reputation.Engine
	mux         *stream.Multiplexer
	hub         *wsconn.Hub
	attachments attachments.Store
	validator   *Validator
	corsOrigins []string
	logger      *slog.Logger
}

// NewHandlers constructs a Handlers instance. att may be nil when the
// deployment carries no attachment storage backend, in which case
// PresignAttachmentUpload answers 501.
func NewHandlers(orch *orchestrator.Orchestrator, reg registry.Registry, rep *reputation.Engine, mux *stream.Multiplexer, hub *wsconn.Hub, att attachments.Store, v *Validator, corsOrigins []string, logger *slog.Logger) *Handlers {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handlers{orch: orch, registry: reg, reputation: rep, mux: mux, hub: hub, attachments: att, validator: v, corsOrigins: corsOrigins, logger: logger}
}

// --- Health ---

// Health handles GET /health and /healthz.
func (h *Handlers) Health(w http.ResponseWriter, r *http.Request) {
	h.respondJSON(w, r, http.StatusOK, map[string]string{"status": "ok"})
}

// --- Task submission (spec §6's SubmitTask/PollTask/CancelTask) ---

// submitTaskRequest is the wire shape of POST /api/v1/tasks.
type submitTaskRequest struct {
	Prompt      string              `json:"prompt"`
	Mode        string              `json:"mode,omitempty"`
	Streaming   bool                `json:"streaming,omitempty"`
	AccountRef  string              `json:"account_ref,omitempty"`
	Attachments []types.Attachment  `json:"attachments,omitempty"`
}

type submitTaskResponse struct {
	TaskID string `json:"task_id"`
	Status string `json:"status"`
	SSEURL string `json:"sse_url,omitempty"`
}

// SubmitTask handles POST /api/v1/tasks.
func (h *Handlers) SubmitTask(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	body, err := io.ReadAll(r.Body)
	if err != nil {
		writeErrorResponse(w, r, http.StatusBadRequest, ErrCodeBadRequest, "invalid request body")
		return
	}

	if h.validator != nil {
		var raw map[string]interface{}
		if err := json.Unmarshal(body, &raw); err != nil {
			writeErrorResponse(w, r, http.StatusBadRequest, ErrCodeBadRequest, "invalid request body")
			return
		}
		if result := h.validator.ValidateSubmitTask(raw); !result.Valid {
			writeErrorResponse(w, r, http.StatusBadRequest, ErrCodeBadRequest, "request failed schema validation")
			return
		}
	}

	var req submitTaskRequest
	if err := json.Unmarshal(body, &req); err != nil {
		writeErrorResponse(w, r, http.StatusBadRequest, ErrCodeBadRequest, "invalid request body")
		return
	}

	mode := types.ModeSubtasks
	if req.Mode != "" {
		mode = types.Mode(req.Mode)
	}

	task, err := h.orch.Submit(ctx, orchestrator.CreateTaskRequest{
		ID:          uuid.New().String(),
		AccountRef:  req.AccountRef,
		Prompt:      req.Prompt,
		Attachments: req.Attachments,
		Mode:        mode,
		Streaming:   req.Streaming,
	})
	if err != nil {
		writeErrorResponse(w, r, http.StatusInternalServerError, ErrCodeInternalError, "failed to submit task")
		return
	}

	resp := submitTaskResponse{TaskID: task.ID, Status: string(task.Status)}
	if req.Streaming {
		resp.SSEURL = "/api/v1/tasks/" + task.ID + "/events"
	}
	h.respondJSON(w, r, http.StatusAccepted, resp)
}

// pollTaskResponse is the wire shape of GET /api/v1/tasks/{id}.
type pollTaskResponse struct {
	TaskID        string `json:"task_id"`
	Status        string `json:"status"`
	Reason        string `json:"reason,omitempty"`
	Difficulty    string `json:"difficulty,omitempty"`
	FinalResponse string `json:"final_response,omitempty"`
}

// PollTask handles GET /api/v1/tasks/{id}.
func (h *Handlers) PollTask(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	taskID := mux.Vars(r)["id"]

	task, err := h.orch.Get(ctx, taskID)
	if err != nil {
		if errors.Is(err, orchestrator.ErrNotFound) {
			writeErrorResponse(w, r, http.StatusNotFound, ErrCodeNotFound, "task not found")
			return
		}
		writeErrorResponse(w, r, http.StatusInternalServerError, ErrCodeInternalError, "failed to get task")
		return
	}

	h.respondJSON(w, r, http.StatusOK, pollTaskResponse{
		TaskID:        task.ID,
		Status:        string(task.Status),
		Reason:        string(task.Reason),
		Difficulty:    string(task.Difficulty),
		FinalResponse: task.FinalResponse,
	})
}

// CancelTask handles POST /api/v1/tasks/{id}/cancel.
func (h *Handlers) CancelTask(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	taskID := mux.Vars(r)["id"]

	if err := h.orch.Cancel(ctx, taskID); err != nil {
		if errors.Is(err, orchestrator.ErrNotFound) {
			writeErrorResponse(w, r, http.StatusNotFound, ErrCodeNotFound, "task not found")
			return
		}
		writeErrorResponse(w, r, http.StatusInternalServerError, ErrCodeInternalError, "failed to cancel task")
		return
	}
	h.respondJSON(w, r, http.StatusOK, map[string]string{"status": "cancelled"})
}

// --- Network stats (spec §6's Snapshot network stats / leaderboard) ---

type networkStatsResponse struct {
	OnlineNodes int                     `json:"online_nodes"`
	TotalNodes  int                     `json:"total_nodes"`
	Leaderboard []types.LeaderboardEntry `json:"leaderboard,omitempty"`
}

// NetworkStats handles GET /api/v1/network/stats.
func (h *Handlers) NetworkStats(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	snapshot, err := h.registry.Snapshot(ctx)
	if err != nil {
		writeErrorResponse(w, r, http.StatusInternalServerError, ErrCodeInternalError, "failed to get network snapshot")
		return
	}

	online := 0
	for _, n := range snapshot {
		if n.IsOnline {
			online++
		}
	}

	resp := networkStatsResponse{OnlineNodes: online, TotalNodes: len(snapshot)}
	if h.reputation != nil {
		board, err := h.reputation.Leaderboard(ctx, 10)
		if err == nil {
			resp.Leaderboard = board
		}
	}
	h.respondJSON(w, r, http.StatusOK, resp)
}

// NodeHistory handles GET /api/v1/nodes/{id}/history.
func (h *Handlers) NodeHistory(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	nodeID := mux.Vars(r)["id"]
	if h.reputation == nil {
		h.respondJSON(w, r, http.StatusOK, map[string]interface{}{"events": []types.ReputationEvent{}})
		return
	}
	events, err := h.reputation.History(ctx, nodeID, 100)
	if err != nil {
		writeErrorResponse(w, r, http.StatusInternalServerError, ErrCodeInternalError, "failed to get node history")
		return
	}
	h.respondJSON(w, r, http.StatusOK, map[string]interface{}{"events": events})
}

// WorkerWebSocket mounts the worker-facing handshake/frame endpoint.
func (h *Handlers) WorkerWebSocket(w http.ResponseWriter, r *http.Request) {
	h.hub.ServeWs(w, r)
}

// --- Helpers ---

func (h *Handlers) respondJSON(w http.ResponseWriter, r *http.Request, status int, data interface{}) {
	if requestID := GetRequestID(r.Context(), r); requestID != "" {
		w.Header().Set("X-Request-ID", requestID)
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		h.logger.Error("failed to encode response", slog.Any("error", err))
	}
}
