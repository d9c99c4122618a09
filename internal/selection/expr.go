package selection

import (
	"fmt"
	"sync"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"

	"github.com/HectorEspejo/iris/pkg/types"
)

// ExprScorer compiles and caches the scoring formula as an expr-lang
// program, letting operators hot-reload the weighting without a
// rebuild. Defaults to spec §4.2's formula if no expression is set.
type ExprScorer struct {
	mu         sync.RWMutex
	expression string
	program    *vm.Program
}

const defaultFormula = `w_rep*norm_rep + w_tps*norm_tps - w_load*load - w_wait*wait`

// MaxExpressionLength bounds formula size.
const MaxExpressionLength = 4096

// NewExprScorer constructs a scorer using the default formula.
func NewExprScorer() *ExprScorer {
	s := &ExprScorer{expression: defaultFormula}
	s.mustCompile()
	return s
}

// SetExpression hot-reloads the scoring formula. The new expression is
// compiled before being swapped in; a compile error leaves the previous
// program in effect.
func (s *ExprScorer) SetExpression(expression string) error {
	if len(expression) > MaxExpressionLength {
		return fmt.Errorf("selection: expression exceeds maximum length of %d characters", MaxExpressionLength)
	}
	prog, err := expr.Compile(expression, expr.Env(scoringEnv{}))
	if err != nil {
		return fmt.Errorf("selection: compile scoring expression: %w", err)
	}
	s.mu.Lock()
	s.expression = expression
	s.program = prog
	s.mu.Unlock()
	return nil
}

func (s *ExprScorer) mustCompile() {
	prog, err := expr.Compile(s.expression, expr.Env(scoringEnv{}))
	if err != nil {
		panic(fmt.Sprintf("selection: default formula failed to compile: %v", err))
	}
	s.program = prog
}

// scoringEnv is the expr-lang environment shape for the scoring formula.
type scoringEnv struct {
	WRep    float64 `expr:"w_rep"`
	WTPS    float64 `expr:"w_tps"`
	WLoad   float64 `expr:"w_load"`
	WWait   float64 `expr:"w_wait"`
	NormRep float64 `expr:"norm_rep"`
	NormTPS float64 `expr:"norm_tps"`
	Load    float64 `expr:"load"`
	Wait    float64 `expr:"wait"`
}

// Score implements ScoreFunc by evaluating the compiled formula.
func (s *ExprScorer) Score(n types.NodeSnapshot, w Weights, maxRep, maxTPS float64) float64 {
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

	s.mu.RLock()
	prog := s.program
	s.mu.RUnlock()

	env := scoringEnv{
		WRep: w.Reputation, WTPS: w.TPS, WLoad: w.Load, WWait: w.Wait,
		NormRep: normRep, NormTPS: normTPS,
		Load: float64(n.EffectiveLoad), Wait: float64(n.EffectiveLoad) / tps,
	}
	result, err := expr.Run(prog, env)
	if err != nil {
		// Fall back to the binding formula rather than fail selection
		// outright on a bad hot-reloaded expression.
		return DefaultScore(n, w, maxRep, maxTPS)
	}
	switch v := result.(type) {
	case float64:
		return v
	case int:
		return float64(v)
	default:
		return DefaultScore(n, w, maxRep, maxTPS)
	}
}
