// Package registry maintains the set of connected workers and answers
// selection queries, per spec §4.1. The Registry exclusively owns Node
// entries and their connection handles; every other component reads
// Snapshot()s or sends messages through Registry's own inbox.
package registry

import (
	"context"
	"errors"
	"time"

	"github.com/HectorEspejo/iris/pkg/types"
)

// Errors returned by Registry implementations.
var (
	ErrAuth       = errors.New("registry: invalid account proof")
	ErrNotFound   = errors.New("registry: node not found")
)

// Sender is the narrow send-side of a worker's bidirectional channel, as
// owned by internal/wsconn. The Registry never holds more than this.
type Sender interface {
	Send(frame []byte) error
	Close() error
}

// Handshake is what Register() receives from a freshly dialed worker.
type Handshake struct {
	NodeID         string
	AccountProof   string
	Capabilities   types.Capabilities
	ArtificialLoad int
	Conn           Sender
}

// RegisterResult is returned by a successful Register call.
type RegisterResult struct {
	Tier      types.Tier
	Displaced bool // true if this registration replaced a live connection
}

// NodeLostEvent is emitted to subscribers (the Orchestrator) when a node's
// connection goes away, whether by clean disconnect or heartbeat reaping.
type NodeLostEvent struct {
	NodeID string
	Reason string
}

// Registry is the interface the rest of the coordinator depends on.
// Implementations must be safe for concurrent use.
type Registry interface {
	// Register validates the handshake, derives tier, and inserts or
	// displaces the existing connection for NodeID. See spec §4.1.
	Register(ctx context.Context, h Handshake) (RegisterResult, error)

	// Heartbeat updates last-heartbeat and current-load for an online node.
	Heartbeat(ctx context.Context, nodeID string, load int, uptime time.Duration, tps float64, rttSent time.Time) error

	// Disconnect idempotently removes a node, emitting NodeLostEvent for
	// any subtasks still assigned (via the NodeLost channel).
	Disconnect(ctx context.Context, nodeID, reason string) error

	// Snapshot returns an immutable view of all known nodes.
	Snapshot(ctx context.Context) ([]types.NodeSnapshot, error)

	// IncrementLoad / DecrementLoad mutate a node's current-load counter.
	// DecrementLoad never takes current-load below zero (invariant 1).
	IncrementLoad(nodeID string)
	DecrementLoad(nodeID string)

	// UpdateReputation caches a freshly computed score from the Reputation
	// engine onto the live Node entry, so Snapshot() (and therefore
	// Selection) sees it without round-tripping through persistence.
	UpdateReputation(nodeID string, reputation float64)

	// Sender returns the connection handle for a node, or ErrNotFound.
	Sender(nodeID string) (Sender, error)

	// CircuitAvailable reports whether a node's circuit breaker currently
	// permits new subtasks (supplemented feature, see SPEC_FULL.md §2).
	CircuitAvailable(nodeID string) bool
	RecordSuccess(nodeID string)
	RecordFailure(nodeID string)

	// NodeLost exposes the stream of NodeLostEvent for the Orchestrator
	// to subscribe to.
	NodeLost() <-chan NodeLostEvent

	// Close stops background sweepers and releases resources.
	Close() error
}

// AccountVerifier validates an account proof carried in a Register
// handshake. It is the narrow interface onto the out-of-scope account-key
// issuance service; concrete adapters live in internal/middleware.
type AccountVerifier interface {
	Verify(ctx context.Context, nodeID, proof string) (accountRef string, ok bool)
}

// Config configures a Registry implementation.
type Config struct {
	HeartbeatIntervalS       int
	HeartbeatTimeoutMultiple int // reaper uses HeartbeatIntervalS * this
	CircuitFailureThreshold  int
	CircuitRecoveryTimeout   time.Duration
	ReapInterval             time.Duration
}

// DefaultConfig mirrors spec §6's enumerated defaults.
func DefaultConfig() Config {
	return Config{
		HeartbeatIntervalS:       15,
		HeartbeatTimeoutMultiple: 3,
		CircuitFailureThreshold:  3,
		CircuitRecoveryTimeout:   5 * time.Minute,
		ReapInterval:             5 * time.Second,
	}
}

func (c Config) HeartbeatTimeout() time.Duration {
	return time.Duration(c.HeartbeatIntervalS*c.HeartbeatTimeoutMultiple) * time.Second
}
