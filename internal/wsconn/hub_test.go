package wsconn

import (
	"context"
	"net/http"
	"testing"
	"time"

	"github.com/HectorEspejo/iris/internal/protocol"
	"github.com/HectorEspejo/iris/internal/registry"
	"github.com/HectorEspejo/iris/pkg/types"
)

func httpRequestWithOrigin(origin string) (*http.Request, error) {
	req, err := http.NewRequest(http.MethodGet, "http://coordinator.example/ws", nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Origin", origin)
	return req, nil
}

type fakeRegistry struct {
	heartbeats []string
	disconnect []string
}

func (f *fakeRegistry) Register(ctx context.Context, h registry.Handshake) (registry.RegisterResult, error) {
	return registry.RegisterResult{Tier: types.TierMid}, nil
}
func (f *fakeRegistry) Heartbeat(ctx context.Context, nodeID string, load int, uptime time.Duration, tps float64, sentAt time.Time) error {
	f.heartbeats = append(f.heartbeats, nodeID)
	return nil
}
func (f *fakeRegistry) Disconnect(ctx context.Context, nodeID, reason string) error {
	f.disconnect = append(f.disconnect, nodeID)
	return nil
}
func (f *fakeRegistry) Snapshot(ctx context.Context) ([]types.NodeSnapshot, error) { return nil, nil }
func (f *fakeRegistry) IncrementLoad(nodeID string)                                {}
func (f *fakeRegistry) DecrementLoad(nodeID string)                                {}
func (f *fakeRegistry) UpdateReputation(nodeID string, reputation float64)         {}
func (f *fakeRegistry) Sender(nodeID string) (registry.Sender, error)              { return nil, registry.ErrNotFound }
func (f *fakeRegistry) CircuitAvailable(nodeID string) bool                        { return true }
func (f *fakeRegistry) RecordSuccess(nodeID string)                                {}
func (f *fakeRegistry) RecordFailure(nodeID string)                                {}
func (f *fakeRegistry) NodeLost() <-chan registry.NodeLostEvent                    { return nil }
func (f *fakeRegistry) Close() error                                               { return nil }

type fakeHandler struct {
	results []string
	errs    []string
	chunks  []string
}

func (f *fakeHandler) HandleTaskResult(taskID string, subtaskIndex int, payload []byte, executionMS int64) {
	f.results = append(f.results, taskID)
}
func (f *fakeHandler) HandleTaskError(taskID string, subtaskIndex int, invalid bool) {
	f.errs = append(f.errs, taskID)
}
func (f *fakeHandler) HandleStreamChunk(taskID string, subtaskIndex, sequence int, payload []byte) {
	f.chunks = append(f.chunks, taskID)
}

func encodeFrame(t *testing.T, mt protocol.MessageType, payload any) []byte {
	f, err := protocol.Encode(mt, payload)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	data, err := f.ToJSON()
	if err != nil {
		t.Fatalf("tojson: %v", err)
	}
	return data
}

func TestDispatchRoutesHeartbeatToRegistry(t *testing.T) {
	reg := &fakeRegistry{}
	h := NewHub(reg, &fakeHandler{}, HubConfig{})
	c := &Client{nodeID: "node-1", send: make(chan []byte, 4)}

	data := encodeFrame(t, protocol.NodeHeartbeat, protocol.NodeHeartbeatPayload{NodeID: "node-1", CurrentLoad: 2})
	h.dispatch(c, data)

	if len(reg.heartbeats) != 1 || reg.heartbeats[0] != "node-1" {
		t.Fatalf("expected heartbeat recorded for node-1, got %+v", reg.heartbeats)
	}
	select {
	case <-c.send:
	default:
		t.Fatal("expected a heartbeat_ack queued on the client's send channel")
	}
}

func TestDispatchRoutesTaskResultToHandler(t *testing.T) {
	handler := &fakeHandler{}
	h := NewHub(&fakeRegistry{}, handler, HubConfig{})
	c := &Client{nodeID: "node-1", send: make(chan []byte, 4)}

	data := encodeFrame(t, protocol.TaskResult, protocol.TaskResultPayload{TaskID: "task-1", SubtaskIndex: 0, FinalPayload: []byte("ok")})
	h.dispatch(c, data)

	if len(handler.results) != 1 || handler.results[0] != "task-1" {
		t.Fatalf("expected task result routed for task-1, got %+v", handler.results)
	}
}

func TestDispatchRoutesTaskErrorToHandler(t *testing.T) {
	handler := &fakeHandler{}
	h := NewHub(&fakeRegistry{}, handler, HubConfig{})
	c := &Client{nodeID: "node-1", send: make(chan []byte, 4)}

	data := encodeFrame(t, protocol.TaskError, protocol.TaskErrorPayload{TaskID: "task-1", Kind: protocol.ModelRefused})
	h.dispatch(c, data)

	if len(handler.errs) != 1 || handler.errs[0] != "task-1" {
		t.Fatalf("expected task error routed for task-1, got %+v", handler.errs)
	}
}

func TestDispatchRoutesStreamChunkToHandler(t *testing.T) {
	handler := &fakeHandler{}
	h := NewHub(&fakeRegistry{}, handler, HubConfig{})
	c := &Client{nodeID: "node-1", send: make(chan []byte, 4)}

	data := encodeFrame(t, protocol.TaskStream, protocol.TaskStreamPayload{TaskID: "task-1", Sequence: 1, Payload: []byte("chunk")})
	h.dispatch(c, data)

	if len(handler.chunks) != 1 || handler.chunks[0] != "task-1" {
		t.Fatalf("expected stream chunk routed for task-1, got %+v", handler.chunks)
	}
}

func TestDispatchDropsMalformedFrame(t *testing.T) {
	h := NewHub(&fakeRegistry{}, &fakeHandler{}, HubConfig{})
	c := &Client{nodeID: "node-1", send: make(chan []byte, 4)}
	h.dispatch(c, []byte("not json"))
	// No panic, no handler calls: dropping is the only observable behavior.
}

func TestUnregisterDisconnectsKnownNode(t *testing.T) {
	reg := &fakeRegistry{}
	h := NewHub(reg, &fakeHandler{}, HubConfig{})
	c := &Client{nodeID: "node-1"}
	h.unregister(c)
	if len(reg.disconnect) != 1 || reg.disconnect[0] != "node-1" {
		t.Fatalf("expected disconnect for node-1, got %+v", reg.disconnect)
	}
}

func TestCheckOriginAllowsConfiguredOrigin(t *testing.T) {
	h := NewHub(&fakeRegistry{}, &fakeHandler{}, HubConfig{AllowedOrigins: []string{"https://iris.example"}})
	req, _ := httpRequestWithOrigin("https://iris.example")
	if !h.checkOrigin(req) {
		t.Fatal("expected configured origin to be allowed")
	}
	req2, _ := httpRequestWithOrigin("https://evil.example")
	if h.checkOrigin(req2) {
		t.Fatal("expected unconfigured origin to be rejected")
	}
}
