package registry

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/HectorEspejo/iris/internal/metrics"
	"github.com/HectorEspejo/iris/pkg/types"
)

// circuitState is the three-state breaker from node_registry.py's
// NodeCircuitBreaker, supplemented per SPEC_FULL.md §2.
type circuitState int

const (
	circuitClosed circuitState = iota
	circuitOpen
	circuitHalfOpen
)

type circuitBreaker struct {
	failures    int
	successes   int
	lastFailure time.Time
	state       circuitState
}

func (b *circuitBreaker) recordFailure(threshold int) {
	b.failures++
	b.successes = 0
	b.lastFailure = time.Now()
	if b.failures >= threshold {
		b.state = circuitOpen
	}
}

func (b *circuitBreaker) recordSuccess() {
	b.successes++
	if b.state == circuitHalfOpen {
		b.state = circuitClosed
		b.failures = 0
		return
	}
	if b.successes >= 3 && b.failures > 0 {
		b.failures--
		b.successes = 0
	}
}

func (b *circuitBreaker) available(recovery time.Duration) bool {
	switch b.state {
	case circuitClosed:
		return true
	case circuitOpen:
		if !b.lastFailure.IsZero() && time.Since(b.lastFailure) > recovery {
			b.state = circuitHalfOpen
			return true
		}
		return false
	default: // half-open: allow one probe
		return true
	}
}

// entry is the registry's internal bookkeeping for one node, separate
// from the read-only types.Node snapshot handed out to callers.
type entry struct {
	node   types.Node
	conn   Sender
	tried  *circuitBreaker
}

// Memory is an in-memory Registry implementation, the coordinator's
// default — analogous in shape to a MemoryStore, but for live node
// connections rather than run state.
type Memory struct {
	mu       sync.RWMutex
	nodes    map[string]*entry
	accounts map[string]string // nodeID -> accountRef, for displacement checks
	verifier AccountVerifier
	cfg      Config
	logger   *slog.Logger

	nodeLost chan NodeLostEvent
	stopCh   chan struct{}
	stopOnce sync.Once
}

var _ Registry = (*Memory)(nil)

// NewMemory constructs a Memory registry and starts its heartbeat reaper.
func NewMemory(cfg Config, verifier AccountVerifier, logger *slog.Logger) *Memory {
	if logger == nil {
		logger = slog.Default()
	}
	m := &Memory{
		nodes:    make(map[string]*entry),
		accounts: make(map[string]string),
		verifier: verifier,
		cfg:      cfg,
		logger:   logger,
		nodeLost: make(chan NodeLostEvent, 256),
		stopCh:   make(chan struct{}),
	}
	go m.reapLoop()
	return m
}

func (m *Memory) reapLoop() {
	ticker := time.NewTicker(m.cfg.ReapInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			m.reapExpired()
		case <-m.stopCh:
			return
		}
	}
}

func (m *Memory) reapExpired() {
	timeout := m.cfg.HeartbeatTimeout()
	now := time.Now()

	m.mu.Lock()
	var expired []string
	for id, e := range m.nodes {
		if now.Sub(e.node.LastHeartbeat) > timeout {
			expired = append(expired, id)
		}
	}
	for _, id := range expired {
		delete(m.nodes, id)
		delete(m.accounts, id)
	}
	m.mu.Unlock()

	for _, id := range expired {
		m.logger.Info("node reaped for heartbeat timeout", slog.String("node_id", id))
		m.emitNodeLost(id, "heartbeat_timeout")
	}
}

func (m *Memory) emitNodeLost(nodeID, reason string) {
	select {
	case m.nodeLost <- NodeLostEvent{NodeID: nodeID, Reason: reason}:
	default:
		m.logger.Warn("node-lost channel full, dropping event", slog.String("node_id", nodeID))
	}
}

// Register implements Registry.Register per spec §4.1.
func (m *Memory) Register(ctx context.Context, h Handshake) (RegisterResult, error) {
	var accountRef string
	if m.verifier != nil {
		ref, ok := m.verifier.Verify(ctx, h.NodeID, h.AccountProof)
		if !ok {
			return RegisterResult{}, ErrAuth
		}
		accountRef = ref
	}

	tier := types.DeriveTier(h.Capabilities)

	m.mu.Lock()
	displaced := false
	if existing, ok := m.nodes[h.NodeID]; ok {
		if existing.node.AccountRef == accountRef || m.verifier == nil {
			if existing.conn != nil {
				_ = existing.conn.Close()
			}
			displaced = true
		} else {
			m.mu.Unlock()
			return RegisterResult{}, ErrAuth
		}
	}

	now := time.Now()
	m.nodes[h.NodeID] = &entry{
		node: types.Node{
			ID:             h.NodeID,
			Capabilities:   h.Capabilities,
			Tier:           tier,
			ArtificialLoad: h.ArtificialLoad,
			LastHeartbeat:  now,
			ConnectedAt:    now,
			Reputation:     100,
			AccountRef:     accountRef,
		},
		conn:  h.Conn,
		tried: &circuitBreaker{},
	}
	m.accounts[h.NodeID] = accountRef
	m.mu.Unlock()

	m.logger.Info("node registered",
		slog.String("node_id", h.NodeID),
		slog.String("tier", string(tier)),
		slog.Bool("displaced", displaced),
	)
	return RegisterResult{Tier: tier, Displaced: displaced}, nil
}

// Heartbeat implements Registry.Heartbeat, folding in the latency EMA
// supplemented from node_registry.py::handle_heartbeat.
func (m *Memory) Heartbeat(ctx context.Context, nodeID string, load int, uptime time.Duration, tps float64, sentAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.nodes[nodeID]
	if !ok {
		return ErrNotFound
	}
	e.node.LastHeartbeat = time.Now()
	if load < 0 {
		load = 0
	}
	e.node.CurrentLoad = load

	if !sentAt.IsZero() {
		rtt := float64(time.Since(sentAt).Milliseconds())
		if rtt < 0 {
			rtt = 0
		}
		if rtt > 5000 {
			rtt = 5000
		}
		if e.node.LatencyMS > 0 {
			e.node.LatencyMS = 0.3*rtt + 0.7*e.node.LatencyMS
		} else {
			e.node.LatencyMS = rtt
		}
	}
	if tps > 0 {
		e.node.Capabilities.TokensPerSecond = tps
	}
	return nil
}

// Disconnect implements Registry.Disconnect.
func (m *Memory) Disconnect(ctx context.Context, nodeID, reason string) error {
	m.mu.Lock()
	_, existed := m.nodes[nodeID]
	delete(m.nodes, nodeID)
	delete(m.accounts, nodeID)
	m.mu.Unlock()

	if existed {
		m.logger.Info("node disconnected", slog.String("node_id", nodeID), slog.String("reason", reason))
		m.emitNodeLost(nodeID, reason)
	}
	return nil
}

// Snapshot implements Registry.Snapshot.
func (m *Memory) Snapshot(ctx context.Context) ([]types.NodeSnapshot, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	timeout := m.cfg.HeartbeatTimeout()
	now := time.Now()
	out := make([]types.NodeSnapshot, 0, len(m.nodes))
	online := 0
	for _, e := range m.nodes {
		isOnline := now.Sub(e.node.LastHeartbeat) < timeout
		if isOnline {
			online++
		}
		out = append(out, types.NodeSnapshot{
			ID:              e.node.ID,
			Tier:            e.node.Tier,
			Capabilities:    e.node.Capabilities,
			EffectiveLoad:   e.node.EffectiveLoad(),
			Reputation:      e.node.Reputation,
			LatencyMS:       e.node.LatencyMS,
			IsOnline:        isOnline,
			TokensPerSecond: e.node.Capabilities.TokensPerSecond,
		})
	}
	metrics.RegistrySize.WithLabelValues("online").Set(float64(online))
	metrics.RegistrySize.WithLabelValues("offline").Set(float64(len(out) - online))
	return out, nil
}

// IncrementLoad implements Registry.IncrementLoad.
func (m *Memory) IncrementLoad(nodeID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if e, ok := m.nodes[nodeID]; ok {
		e.node.CurrentLoad++
	}
}

// DecrementLoad implements Registry.DecrementLoad, floored at zero
// (invariant 1: current_load(N) >= 0 at all times).
func (m *Memory) DecrementLoad(nodeID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if e, ok := m.nodes[nodeID]; ok && e.node.CurrentLoad > 0 {
		e.node.CurrentLoad--
	}
}

// UpdateReputation implements Registry.UpdateReputation.
func (m *Memory) UpdateReputation(nodeID string, reputation float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if e, ok := m.nodes[nodeID]; ok {
		e.node.Reputation = reputation
	}
}

// Sender implements Registry.Sender.
func (m *Memory) Sender(nodeID string) (Sender, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.nodes[nodeID]
	if !ok {
		return nil, ErrNotFound
	}
	return e.conn, nil
}

// CircuitAvailable implements Registry.CircuitAvailable.
func (m *Memory) CircuitAvailable(nodeID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.nodes[nodeID]
	if !ok {
		return false
	}
	return e.tried.available(m.cfg.CircuitRecoveryTimeout)
}

// RecordSuccess implements Registry.RecordSuccess.
func (m *Memory) RecordSuccess(nodeID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if e, ok := m.nodes[nodeID]; ok {
		e.tried.recordSuccess()
	}
}

// RecordFailure implements Registry.RecordFailure.
func (m *Memory) RecordFailure(nodeID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if e, ok := m.nodes[nodeID]; ok {
		e.tried.recordFailure(m.cfg.CircuitFailureThreshold)
	}
}

// NodeLost implements Registry.NodeLost.
func (m *Memory) NodeLost() <-chan NodeLostEvent { return m.nodeLost }

// Close implements Registry.Close.
func (m *Memory) Close() error {
	m.stopOnce.Do(func() { close(m.stopCh) })
	return nil
}
