// Package selection implements the Selection Policy from spec §4.2: given
// a required tier set and a count k, return up to k distinct online nodes
// ranked by a weighted score of reputation, tokens-per-second, load, and
// expected queue delay.
package selection

import (
	"math/rand"
	"sort"
	"time"

	"github.com/HectorEspejo/iris/internal/metrics"

	"github.com/HectorEspejo/iris/pkg/types"
)

// Weights are the scoring coefficients from spec §4.2. Defaults:
// w_rep=0.4, w_tps=0.3, w_load=0.2, w_wait=0.1.
type Weights struct {
	Reputation float64
	TPS        float64
	Load       float64
	Wait       float64
}

// DefaultWeights returns spec §4.2's defaults.
func DefaultWeights() Weights {
	return Weights{Reputation: 0.4, TPS: 0.3, Load: 0.2, Wait: 0.1}
}

// Strategy picks the candidate-sampling approach on top of the scoring
// formula. Deterministic is the binding spec §4.2 contract (top-k by
// score, tie-broken by reputation, then load, then node-id); PowerOfTwo
// is the supplemented default from node_registry.py::select_nodes_v3.
type Strategy string

const (
	Deterministic Strategy = "deterministic"
	PowerOfTwo    Strategy = "power_of_two"
)

// tierEligible maps difficulty to the allowed tier set, spec §4.2.
func tierEligible(required map[types.Tier]bool, t types.Tier) bool {
	return required[t]
}

// RequiredTiers returns the eligible tier set for a difficulty per spec §4.2.
func RequiredTiers(d types.Difficulty) map[types.Tier]bool {
	switch d {
	case types.DifficultySimple:
		return map[types.Tier]bool{types.TierBasic: true, types.TierMid: true, types.TierPro: true}
	case types.DifficultyComplex:
		return map[types.Tier]bool{types.TierMid: true, types.TierPro: true}
	case types.DifficultyAdvanced:
		return map[types.Tier]bool{types.TierPro: true}
	default:
		return map[types.Tier]bool{}
	}
}

// CircuitChecker reports whether a node's circuit breaker permits
// dispatch, supplementing eligibility per SPEC_FULL.md §2.
type CircuitChecker func(nodeID string) bool

// Selector implements spec §4.2's scoring and ranking.
type Selector struct {
	weights  Weights
	strategy Strategy
	scorer   ScoreFunc
	rng      *rand.Rand
}

// ScoreFunc computes a candidate's score given pre-normalized cohort
// maxima. The default is the compiled expression evaluator in expr.go;
// tests and callers that don't need hot-reload can pass DefaultScore.
type ScoreFunc func(n types.NodeSnapshot, w Weights, maxRep, maxTPS float64) float64

// New constructs a Selector. A nil scorer uses DefaultScore.
func New(w Weights, strategy Strategy, scorer ScoreFunc) *Selector {
	if scorer == nil {
		scorer = DefaultScore
	}
	return &Selector{weights: w, strategy: strategy, scorer: scorer, rng: rand.New(rand.NewSource(1))}
}

// DefaultScore implements spec §4.2's formula directly:
//
//	score = w_rep*norm(reputation) + w_tps*norm(tps) - w_load*effective_load - w_wait*expected_queue_delay
func DefaultScore(n types.NodeSnapshot, w Weights, maxRep, maxTPS float64) float64 {
	normRep := 0.0
	if maxRep > 0 {
		normRep = n.Reputation / maxRep
	}
	normTPS := 0.0
	if maxTPS > 0 {
		normTPS = n.TokensPerSecond / maxTPS
	}
	tps := n.TokensPerSecond
	if tps < 0.001 {
		tps = 0.001
	}
	expectedDelay := float64(n.EffectiveLoad) / tps

	return w.Reputation*normRep + w.TPS*normTPS - w.Load*float64(n.EffectiveLoad) - w.Wait*expectedDelay
}

// Select returns up to k distinct online, tier-eligible nodes ranked by
// score. If fewer than k are eligible, all eligible nodes are returned
// (the caller decides whether to proceed), per spec §4.2.
func (s *Selector) Select(snapshot []types.NodeSnapshot, required map[types.Tier]bool, k int, exclude map[string]bool, circuitOK CircuitChecker) []types.NodeSnapshot {
	start := time.Now()
	defer func() { metrics.SelectionDuration.Observe(time.Since(start).Seconds()) }()

	eligible := make([]types.NodeSnapshot, 0, len(snapshot))
	for _, n := range snapshot {
		if !n.IsOnline {
			continue
		}
		if !tierEligible(required, n.Tier) {
			continue
		}
		if exclude != nil && exclude[n.ID] {
			continue
		}
		if circuitOK != nil && !circuitOK(n.ID) {
			continue
		}
		eligible = append(eligible, n)
	}
	if len(eligible) == 0 {
		metrics.SelectionFailuresTotal.Inc()
		return nil
	}

	var maxRep, maxTPS float64
	for _, n := range eligible {
		if n.Reputation > maxRep {
			maxRep = n.Reputation
		}
		if n.TokensPerSecond > maxTPS {
			maxTPS = n.TokensPerSecond
		}
	}

	scored := make([]scoredNode, len(eligible))
	for i, n := range eligible {
		scored[i] = scoredNode{node: n, score: s.scorer(n, s.weights, maxRep, maxTPS)}
	}

	if s.strategy == PowerOfTwo && len(scored) > 1 {
		return s.selectPowerOfTwo(scored, k)
	}
	return s.selectDeterministic(scored, k)
}

type scoredNode struct {
	node  types.NodeSnapshot
	score float64
}

// selectDeterministic is the binding spec §4.2 contract: rank by score
// descending, tie-break by reputation desc, then load asc, then node-id
// lexicographic asc.
func (s *Selector) selectDeterministic(scored []scoredNode, k int) []types.NodeSnapshot {
	sort.SliceStable(scored, func(i, j int) bool {
		a, b := scored[i], scored[j]
		if a.score != b.score {
			return a.score > b.score
		}
		if a.node.Reputation != b.node.Reputation {
			return a.node.Reputation > b.node.Reputation
		}
		if a.node.EffectiveLoad != b.node.EffectiveLoad {
			return a.node.EffectiveLoad < b.node.EffectiveLoad
		}
		return a.node.ID < b.node.ID
	})
	if k > len(scored) {
		k = len(scored)
	}
	out := make([]types.NodeSnapshot, k)
	for i := 0; i < k; i++ {
		out[i] = scored[i].node
	}
	return out
}

// selectPowerOfTwo implements the supplemented power-of-two-choices
// strategy from node_registry.py::select_nodes_v3: sample two random
// remaining candidates per slot, keep the higher-scoring one.
func (s *Selector) selectPowerOfTwo(scored []scoredNode, k int) []types.NodeSnapshot {
	remaining := append([]scoredNode(nil), scored...)
	var out []types.NodeSnapshot

	for len(out) < k && len(remaining) > 0 {
		if len(remaining) == 1 {
			out = append(out, remaining[0].node)
			remaining = remaining[:0]
			break
		}
		i := s.rng.Intn(len(remaining))
		j := s.rng.Intn(len(remaining))
		for j == i {
			j = s.rng.Intn(len(remaining))
		}
		best := i
		if remaining[j].score > remaining[i].score {
			best = j
		}
		out = append(out, remaining[best].node)
		remaining = append(remaining[:best], remaining[best+1:]...)
	}
	return out
}
