// Package wsconn is the worker-facing transport: it upgrades incoming
// connections, performs the Connection Protocol handshake (spec §4.8),
// and translates wire frames into Registry/Orchestrator calls. Grounded
// on gateway-go/hub/hub.go's register/unregister actor-loop shape and
// origin-checking ServeWs, adapted from a stream-subscription broadcast
// hub to a node-connection ingress (state itself lives in
// internal/registry, not in this package).
package wsconn

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/HectorEspejo/iris/internal/metrics"
	"github.com/HectorEspejo/iris/internal/protocol"
	"github.com/HectorEspejo/iris/internal/registry"
	"github.com/HectorEspejo/iris/pkg/types"
)

var errSendQueueFull = errors.New("wsconn: send queue full")

// TaskResultHandler is the narrow slice of orchestrator.Orchestrator this
// package depends on, kept as an interface to avoid an import cycle
// (orchestrator doesn't import wsconn, wsconn depends on it).
type TaskResultHandler interface {
	HandleTaskResult(taskID string, subtaskIndex int, payload []byte, executionMS int64)
	HandleTaskError(taskID string, subtaskIndex int, invalid bool)
	HandleStreamChunk(taskID string, subtaskIndex, sequence int, payload []byte)
}

// HubConfig mirrors gateway-go/hub/hub.go's HubConfig shape, repointed at
// node connections instead of stream subscriptions.
type HubConfig struct {
	AllowedOrigins []string
	Logger         *slog.Logger
}

// Hub owns the WebSocket upgrade path and per-connection read/write
// pumps for every registered worker. It holds no node state and no map
// of clients: internal/registry keeps each registered *Client as that
// node's Sender.
type Hub struct {
	registry registry.Registry
	handler  TaskResultHandler
	logger   *slog.Logger

	allowedOrigins map[string]bool
	upgrader       websocket.Upgrader
}

// NewHub constructs a Hub. reg is the Node Registry this Hub registers
// workers into; handler receives their task-result frames.
func NewHub(reg registry.Registry, handler TaskResultHandler, cfg HubConfig) *Hub {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	origins := make(map[string]bool, len(cfg.AllowedOrigins))
	for _, o := range cfg.AllowedOrigins {
		origins[o] = true
	}
	h := &Hub{
		registry:       reg,
		handler:        handler,
		logger:         logger,
		allowedOrigins: origins,
	}
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin:     h.checkOrigin,
	}
	return h
}

func (h *Hub) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	if len(h.allowedOrigins) == 0 {
		return true
	}
	if h.allowedOrigins["*"] || h.allowedOrigins[origin] {
		return true
	}
	h.logger.Warn("websocket origin rejected", slog.String("origin", origin))
	return false
}

// ServeWs upgrades the connection and blocks on the handshake: the first
// frame received must be a NodeRegisterPayload (spec §4.8's
// worker-initiates-registration sequencing), after which the read/write
// pumps take over for the connection's lifetime.
func (h *Hub) ServeWs(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Error("websocket upgrade failed", slog.Any("error", err))
		return
	}

	client := newClient(h, conn, h.logger)

	conn.SetReadDeadline(time.Now().Add(registrationTimeout))
	_, data, err := conn.ReadMessage()
	if err != nil {
		h.logger.Warn("worker handshake read failed", slog.Any("error", err))
		conn.Close()
		return
	}

	frame, err := protocol.FrameFromJSON(data)
	if err != nil || frame.Type != protocol.NodeRegister {
		h.logger.Warn("worker handshake was not node_register", slog.Any("error", err))
		conn.Close()
		return
	}

	var reg protocol.NodeRegisterPayload
	if err := protocol.Decode(frame, &reg); err != nil {
		h.logger.Warn("worker handshake payload malformed", slog.Any("error", err))
		conn.Close()
		return
	}

	result, err := h.registry.Register(r.Context(), registry.Handshake{
		NodeID:       reg.NodeID,
		AccountProof: reg.AccountProof,
		Capabilities: types.Capabilities{
			ModelName:       reg.ModelName,
			ParamsBillions:  reg.ParamsBillions,
			Quantization:    reg.Quantization,
			VRAMGB:          reg.VRAMGB,
			TokensPerSecond: reg.TokensPerSecond,
			SupportsVision:  reg.SupportsVision,
		},
		ArtificialLoad: reg.ArtificialLoad,
		Conn:           client,
	})
	if err != nil {
		h.sendNack(conn, "REGISTRATION_REJECTED")
		conn.Close()
		return
	}

	client.nodeID = reg.NodeID
	ack, err := protocol.Encode(protocol.RegisterAck, protocol.RegisterAckPayload{
		NodeID: reg.NodeID, Tier: string(result.Tier),
	})
	if err == nil {
		if raw, err := ack.ToJSON(); err == nil {
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			conn.WriteMessage(websocket.TextMessage, raw)
		}
	}

	h.logger.Info("worker registered", slog.String("node_id", reg.NodeID), slog.String("tier", string(result.Tier)))
	metrics.WorkerConnectionsActive.Inc()

	go client.writePump()
	go client.readPump()
}

const registrationTimeout = 10 * time.Second

func (h *Hub) sendNack(conn *websocket.Conn, reason string) {
	nack, err := protocol.Encode(protocol.RegisterNack, protocol.RegisterNackPayload{Reason: reason})
	if err != nil {
		return
	}
	raw, err := nack.ToJSON()
	if err != nil {
		return
	}
	conn.SetWriteDeadline(time.Now().Add(writeWait))
	conn.WriteMessage(websocket.TextMessage, raw)
}

// unregister disconnects a worker from the Registry, per spec §4.1's
// "Disconnect emits NODE_LOST for any subtasks still assigned."
func (h *Hub) unregister(c *Client) {
	if c.nodeID == "" {
		return
	}
	metrics.WorkerConnectionsActive.Dec()
	_ = h.registry.Disconnect(context.Background(), c.nodeID, "connection_closed")
}

// dispatch decodes one wire frame from a worker and routes it, per the
// Worker -> Coordinator half of spec §4.8's Connection Protocol.
func (h *Hub) dispatch(c *Client, data []byte) {
	frame, err := protocol.FrameFromJSON(data)
	if err != nil {
		h.logger.Warn("dropping malformed frame", slog.String("node_id", c.nodeID), slog.Any("error", err))
		return
	}

	switch frame.Type {
	case protocol.NodeHeartbeat:
		h.handleHeartbeat(c, frame)
	case protocol.TaskStream:
		h.handleTaskStream(c, frame)
	case protocol.TaskResult:
		h.handleTaskResult(c, frame)
	case protocol.TaskError:
		h.handleTaskError(c, frame)
	default:
		h.logger.Warn("unexpected frame type from worker",
			slog.String("node_id", c.nodeID), slog.String("type", string(frame.Type)))
	}
}

func (h *Hub) handleHeartbeat(c *Client, frame protocol.Frame) {
	var p protocol.NodeHeartbeatPayload
	if err := protocol.Decode(frame, &p); err != nil {
		return
	}
	_ = h.registry.Heartbeat(context.Background(), c.nodeID, p.CurrentLoad,
		time.Duration(p.UptimeSeconds)*time.Second, p.TokensPerSecond, p.SentAt)

	ack, err := protocol.Encode(protocol.HeartbeatAck, protocol.HeartbeatAckPayload{ServerTime: time.Now().UTC()})
	if err != nil {
		return
	}
	if raw, err := ack.ToJSON(); err == nil {
		_ = c.Send(raw)
	}
}

func (h *Hub) handleTaskStream(c *Client, frame protocol.Frame) {
	var p protocol.TaskStreamPayload
	if err := protocol.Decode(frame, &p); err != nil {
		return
	}
	h.handler.HandleStreamChunk(p.TaskID, p.SubtaskIndex, p.Sequence, p.Payload)
}

func (h *Hub) handleTaskResult(c *Client, frame protocol.Frame) {
	var p protocol.TaskResultPayload
	if err := protocol.Decode(frame, &p); err != nil {
		return
	}
	h.handler.HandleTaskResult(p.TaskID, p.SubtaskIndex, p.FinalPayload, p.ExecutionMS)
}

func (h *Hub) handleTaskError(c *Client, frame protocol.Frame) {
	var p protocol.TaskErrorPayload
	if err := protocol.Decode(frame, &p); err != nil {
		return
	}
	invalid := p.Kind == protocol.ModelRefused || p.Kind == protocol.OutOfMemory
	h.handler.HandleTaskError(p.TaskID, p.SubtaskIndex, invalid)
}
