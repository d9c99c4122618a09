// Package types defines the data model shared across the coordinator:
// nodes, tasks, subtasks, stream frames, and reputation events.
package types

import "time"

// Tier is the coarse hardware classification derived from a node's
// declared capabilities. It is a pure function of Capabilities and must
// never be set independently of it.
type Tier string

const (
	TierBasic Tier = "basic"
	TierMid   Tier = "mid"
	TierPro   Tier = "pro"
)

// Quantization multipliers applied to declared parameter count before
// tier derivation. Unknown quantizations fall back to 1.0 (treated as Q4).
var QuantizationMultiplier = map[string]float64{
	"Q4":   1.0,
	"Q5":   1.1,
	"Q6":   1.2,
	"Q8":   1.4,
	"FP16": 1.6,
}

// Capabilities is the snapshot reported at registration and refreshed on
// reconnect. It never changes outside of a new Register call.
type Capabilities struct {
	ModelName       string
	ParamsBillions  float64
	Quantization    string
	VRAMGB          float64
	TokensPerSecond float64
	SupportsVision  bool
}

// EffectiveParams applies the quantization multiplier to ParamsBillions.
func (c Capabilities) EffectiveParams() float64 {
	mult, ok := QuantizationMultiplier[c.Quantization]
	if !ok {
		mult = 1.0
	}
	return c.ParamsBillions * mult
}

// DeriveTier is the pure tier-derivation function from spec §4.1:
// BASIC if params < 7 or TPS < 10; PRO if params > 20 or TPS > 30; else MID.
func DeriveTier(c Capabilities) Tier {
	params := c.EffectiveParams()
	tps := c.TokensPerSecond
	switch {
	case params > 20 || tps > 30:
		return TierPro
	case params < 7 || tps < 10:
		return TierBasic
	default:
		return TierMid
	}
}

// Node is the registry's live view of a connected worker. Registry is the
// only component that mutates a Node; everyone else reads Snapshot()s.
type Node struct {
	ID             string
	Capabilities   Capabilities
	Tier           Tier
	CurrentLoad    int
	ArtificialLoad int
	LastHeartbeat  time.Time
	LatencyMS      float64
	Reputation     float64
	ConnectedAt    time.Time
	AccountRef     string
}

// EffectiveLoad is CurrentLoad + ArtificialLoad per spec §4.1.
func (n Node) EffectiveLoad() int {
	return n.CurrentLoad + n.ArtificialLoad
}

// NodeSnapshot is the immutable, externally-readable view of a node
// returned by Registry.Snapshot(). It never aliases registry-owned state.
type NodeSnapshot struct {
	ID              string
	Tier            Tier
	Capabilities    Capabilities
	EffectiveLoad   int
	Reputation      float64
	LatencyMS       float64
	IsOnline        bool
	TokensPerSecond float64
}
