package selection

import (
	"testing"

	"github.com/HectorEspejo/iris/pkg/types"
)

func snap(id string, tier types.Tier, rep float64, tps float64, load int, online bool) types.NodeSnapshot {
	return types.NodeSnapshot{
		ID: id, Tier: tier, Reputation: rep, TokensPerSecond: tps,
		EffectiveLoad: load, IsOnline: online,
	}
}

func TestSelectFiltersOfflineAndIneligibleTiers(t *testing.T) {
	s := New(DefaultWeights(), Deterministic, nil)
	nodes := []types.NodeSnapshot{
		snap("n1", types.TierBasic, 100, 10, 0, true),
		snap("n2", types.TierPro, 100, 30, 0, false), // offline
		snap("n3", types.TierMid, 100, 20, 0, true),
	}
	got := s.Select(nodes, RequiredTiers(types.DifficultyAdvanced), 2, nil, nil)
	if len(got) != 0 {
		t.Fatalf("expected no ADVANCED-eligible online nodes, got %+v", got)
	}
}

func TestSelectDeterministicOrdersByScoreThenTieBreaks(t *testing.T) {
	s := New(DefaultWeights(), Deterministic, nil)
	nodes := []types.NodeSnapshot{
		snap("b", types.TierBasic, 50, 10, 0, true),
		snap("a", types.TierBasic, 50, 10, 0, true),
		snap("high-rep", types.TierBasic, 100, 10, 0, true),
	}
	got := s.Select(nodes, RequiredTiers(types.DifficultySimple), 3, nil, nil)
	if len(got) != 3 {
		t.Fatalf("expected 3 nodes, got %d", len(got))
	}
	if got[0].ID != "high-rep" {
		t.Fatalf("expected high-rep node to rank first, got %s", got[0].ID)
	}
	// a and b tie on every scoring field; node-id lexicographic breaks the tie.
	if got[1].ID != "a" || got[2].ID != "b" {
		t.Fatalf("expected lexicographic tie-break a before b, got %s then %s", got[1].ID, got[2].ID)
	}
}

func TestSelectExcludesTriedNodes(t *testing.T) {
	s := New(DefaultWeights(), Deterministic, nil)
	nodes := []types.NodeSnapshot{
		snap("n1", types.TierBasic, 100, 10, 0, true),
		snap("n2", types.TierBasic, 50, 10, 0, true),
	}
	got := s.Select(nodes, RequiredTiers(types.DifficultySimple), 2, map[string]bool{"n1": true}, nil)
	if len(got) != 1 || got[0].ID != "n2" {
		t.Fatalf("expected only n2 after excluding n1, got %+v", got)
	}
}

func TestSelectRespectsCircuitBreaker(t *testing.T) {
	s := New(DefaultWeights(), Deterministic, nil)
	nodes := []types.NodeSnapshot{
		snap("n1", types.TierBasic, 100, 10, 0, true),
		snap("n2", types.TierBasic, 50, 10, 0, true),
	}
	circuitOK := func(id string) bool { return id != "n1" }
	got := s.Select(nodes, RequiredTiers(types.DifficultySimple), 2, nil, circuitOK)
	if len(got) != 1 || got[0].ID != "n2" {
		t.Fatalf("expected n1 excluded by open circuit, got %+v", got)
	}
}

func TestSelectPowerOfTwoReturnsRequestedCount(t *testing.T) {
	s := New(DefaultWeights(), PowerOfTwo, nil)
	nodes := []types.NodeSnapshot{
		snap("n1", types.TierBasic, 100, 10, 0, true),
		snap("n2", types.TierBasic, 80, 12, 0, true),
		snap("n3", types.TierBasic, 60, 8, 0, true),
		snap("n4", types.TierBasic, 40, 5, 0, true),
	}
	got := s.Select(nodes, RequiredTiers(types.DifficultySimple), 2, nil, nil)
	if len(got) != 2 {
		t.Fatalf("expected 2 nodes, got %d", len(got))
	}
	if got[0].ID == got[1].ID {
		t.Fatal("expected distinct nodes")
	}
}

func TestExprScorerMatchesDefaultFormula(t *testing.T) {
	s := NewExprScorer()
	w := DefaultWeights()
	n := snap("n1", types.TierBasic, 80, 20, 3, true)

	want := DefaultScore(n, w, 100, 40)
	got := s.Score(n, w, 100, 40)
	if diff := want - got; diff > 1e-9 || diff < -1e-9 {
		t.Fatalf("expr scorer diverged from default formula: want %v got %v", want, got)
	}
}

func TestExprScorerHotReload(t *testing.T) {
	s := NewExprScorer()
	if err := s.SetExpression("norm_rep * 100"); err != nil {
		t.Fatalf("SetExpression: %v", err)
	}
	n := snap("n1", types.TierBasic, 50, 0, 0, true)
	got := s.Score(n, DefaultWeights(), 100, 0)
	if got != 50 {
		t.Fatalf("expected reloaded formula to ignore weights, got %v", got)
	}
}

func TestExprScorerRejectsOverlongExpression(t *testing.T) {
	s := NewExprScorer()
	long := make([]byte, MaxExpressionLength+1)
	for i := range long {
		long[i] = '1'
	}
	if err := s.SetExpression(string(long)); err == nil {
		t.Fatal("expected error for overlong expression")
	}
}
