package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gorilla/mux"

	"github.com/HectorEspejo/iris/internal/aggregator"
	"github.com/HectorEspejo/iris/internal/orchestrator"
	"github.com/HectorEspejo/iris/internal/registry"
	"github.com/HectorEspejo/iris/internal/reputation"
	"github.com/HectorEspejo/iris/internal/store"
	"github.com/HectorEspejo/iris/internal/stream"
	"github.com/HectorEspejo/iris/pkg/types"
)

type alwaysVerifier struct{}

func (alwaysVerifier) Verify(ctx context.Context, nodeID, proof string) (string, bool) {
	return "acct-1", true
}

// newTestHandlers wires real in-memory components exactly the way
// cmd/iris/main.go does, rather than faking orchestrator.Orchestrator's
// concrete type — Handlers depends on it directly, not through an
// interface, so a real instance backed by store.Memory/registry.Memory
// is the cheapest way to exercise the HTTP boundary end to end.
func newTestHandlers(t *testing.T) *Handlers {
	t.Helper()
	st := store.NewMemory()
	reg := registry.NewMemory(registry.DefaultConfig(), alwaysVerifier{}, nil)
	t.Cleanup(func() { _ = reg.Close() })
	mux := stream.New(64, nil)
	agg := aggregator.New(aggregator.Config{})
	rep := reputation.New(reputation.NewMemoryStore(), nil, nil, nil)
	orch := orchestrator.New(st, reg, nil, nil, mux, agg, rep, nil, orchestrator.DefaultConfig(), nil)
	return NewHandlers(orch, reg, rep, mux, nil, nil, nil, nil, nil)
}

func TestHealthHandler(t *testing.T) {
	h := newTestHandlers(t)
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()

	h.Health(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var body map[string]string
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if body["status"] != "ok" {
		t.Fatalf("unexpected body %v", body)
	}
}

func TestSubmitTaskAccepted(t *testing.T) {
	h := newTestHandlers(t)
	payload := `{"prompt":"write a haiku about rivers"}`
	req := httptest.NewRequest(http.MethodPost, "/api/v1/tasks", bytes.NewReader([]byte(payload)))
	rec := httptest.NewRecorder()

	h.SubmitTask(rec, req)

	if rec.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d: %s", rec.Code, rec.Body.String())
	}
	var resp submitTaskResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if resp.TaskID == "" {
		t.Fatal("expected a non-empty task id")
	}
	if resp.Status != string(types.StatusPending) {
		t.Fatalf("expected pending status, got %s", resp.Status)
	}
}

func TestSubmitTaskRejectsInvalidBody(t *testing.T) {
	h := newTestHandlers(t)
	req := httptest.NewRequest(http.MethodPost, "/api/v1/tasks", bytes.NewReader([]byte("not json")))
	rec := httptest.NewRecorder()

	h.SubmitTask(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
	var resp ErrorResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if resp.Error != ErrCodeBadRequest {
		t.Fatalf("expected %s, got %s", ErrCodeBadRequest, resp.Error)
	}
}

func TestPollTaskNotFound(t *testing.T) {
	h := newTestHandlers(t)
	req := httptest.NewRequest(http.MethodGet, "/api/v1/tasks/missing", nil)
	req = mux.SetURLVars(req, map[string]string{"id": "missing"})
	rec := httptest.NewRecorder()

	h.PollTask(rec, req)

	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
}

func TestPollTaskAfterSubmit(t *testing.T) {
	h := newTestHandlers(t)

	submitReq := httptest.NewRequest(http.MethodPost, "/api/v1/tasks", bytes.NewReader([]byte(`{"prompt":"hello"}`)))
	submitRec := httptest.NewRecorder()
	h.SubmitTask(submitRec, submitReq)

	var submitResp submitTaskResponse
	if err := json.Unmarshal(submitRec.Body.Bytes(), &submitResp); err != nil {
		t.Fatalf("decode submit body: %v", err)
	}

	pollReq := httptest.NewRequest(http.MethodGet, "/api/v1/tasks/"+submitResp.TaskID, nil)
	pollReq = mux.SetURLVars(pollReq, map[string]string{"id": submitResp.TaskID})
	pollRec := httptest.NewRecorder()

	h.PollTask(pollRec, pollReq)

	if pollRec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", pollRec.Code, pollRec.Body.String())
	}
	var pollResp pollTaskResponse
	if err := json.Unmarshal(pollRec.Body.Bytes(), &pollResp); err != nil {
		t.Fatalf("decode poll body: %v", err)
	}
	if pollResp.TaskID != submitResp.TaskID {
		t.Fatalf("expected task id %s, got %s", submitResp.TaskID, pollResp.TaskID)
	}
}

func TestCancelTaskNotFound(t *testing.T) {
	h := newTestHandlers(t)
	req := httptest.NewRequest(http.MethodPost, "/api/v1/tasks/missing/cancel", nil)
	req = mux.SetURLVars(req, map[string]string{"id": "missing"})
	rec := httptest.NewRecorder()

	h.CancelTask(rec, req)

	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
}

func TestNetworkStatsEmptyRegistry(t *testing.T) {
	h := newTestHandlers(t)
	req := httptest.NewRequest(http.MethodGet, "/api/v1/network/stats", nil)
	rec := httptest.NewRecorder()

	h.NetworkStats(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var resp networkStatsResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if resp.OnlineNodes != 0 || resp.TotalNodes != 0 {
		t.Fatalf("expected an empty snapshot, got %+v", resp)
	}
}

func TestPresignAttachmentUploadWithoutStoreReturnsNotImplemented(t *testing.T) {
	h := newTestHandlers(t)
	req := httptest.NewRequest(http.MethodPost, "/api/v1/attachments", bytes.NewReader([]byte(`{"name":"doc.pdf"}`)))
	rec := httptest.NewRecorder()

	h.PresignAttachmentUpload(rec, req)

	if rec.Code != http.StatusNotImplemented {
		t.Fatalf("expected 501, got %d", rec.Code)
	}
}

func TestGetRequestIDFallsBackToHeader(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	req.Header.Set("X-Request-ID", "req-123")

	if got := GetRequestID(context.Background(), req); got != "req-123" {
		t.Fatalf("expected req-123, got %q", got)
	}
}
