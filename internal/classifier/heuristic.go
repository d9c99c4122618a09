package classifier

import (
	"context"
	"regexp"
	"strings"

	"github.com/HectorEspejo/iris/pkg/types"
)

// keyword lists are grounded on
// original_source/coordinator/difficulty_classifier.py's bilingual
// (en/es) ADVANCED_KEYWORDS / COMPLEX_KEYWORDS / SIMPLE_KEYWORDS.
var (
	advancedKeywords = []string{
		"architecture", "arquitectura", "design pattern", "patrón de diseño",
		"optimize", "optimizar", "algorithm", "algoritmo", "security audit",
		"auditoría de seguridad", "distributed system", "sistema distribuido",
		"concurrency", "concurrencia", "proof", "demostración", "research",
		"investigación", "comprehensive analysis", "análisis exhaustivo",
	}
	complexKeywords = []string{
		"implement", "implementar", "debug", "depurar", "refactor",
		"refactorizar", "analyze", "analizar", "compare", "comparar",
		"explain in detail", "explica en detalle", "multiple", "múltiples",
		"integrate", "integrar", "write a function", "escribe una función",
	}
	simpleKeywords = []string{
		"what is", "qué es", "define", "define", "translate", "traduce",
		"summarize", "resume", "list", "lista", "hello", "hola",
	}

	codePattern = regexp.MustCompile("(?i)```|def |function |class |import |SELECT |public |private ")
	mathPattern = regexp.MustCompile(`[0-9]\s*[+\-*/^]\s*[0-9]|\\frac|\\sum|∫|∑`)
)

// Heuristic classifies a prompt using keyword and shape scoring,
// grounded on difficulty_classifier.py::_calculate_score and classify.
type Heuristic struct{}

// NewHeuristic constructs a Heuristic classifier.
func NewHeuristic() *Heuristic { return &Heuristic{} }

// Classify implements Classifier. score >= 70 -> ADVANCED, >= 40 ->
// COMPLEX, else SIMPLE, matching the Python thresholds exactly.
func (h *Heuristic) Classify(_ context.Context, prompt string, subtaskHint int) types.Difficulty {
	score := h.score(prompt, subtaskHint)
	switch {
	case score >= 70:
		return types.DifficultyAdvanced
	case score >= 40:
		return types.DifficultyComplex
	default:
		return types.DifficultySimple
	}
}

func (h *Heuristic) score(prompt string, subtaskHint int) int {
	lower := strings.ToLower(prompt)
	score := 0

	score += keywordScore(lower, advancedKeywords, 8, 40)
	if score < 40 {
		score += keywordScore(lower, complexKeywords, 5, 40-score)
	}
	score -= keywordScore(lower, simpleKeywords, 10, 20)
	if score < 0 {
		score = 0
	}

	// Length scoring: 0-30pts, scaled by prompt length in words.
	words := len(strings.Fields(prompt))
	switch {
	case words > 200:
		score += 30
	case words > 100:
		score += 20
	case words > 40:
		score += 10
	}

	// Subtask-count scoring: 0-30pts.
	switch {
	case subtaskHint >= 5:
		score += 30
	case subtaskHint >= 3:
		score += 20
	case subtaskHint >= 2:
		score += 10
	}

	if codePattern.MatchString(prompt) {
		score += 15
	}
	if mathPattern.MatchString(prompt) {
		score += 15
	}

	if score > 100 {
		score = 100
	}
	return score
}

func keywordScore(lower string, keywords []string, perMatch, cap int) int {
	total := 0
	for _, kw := range keywords {
		if strings.Contains(lower, kw) {
			total += perMatch
		}
	}
	if total > cap {
		total = cap
	}
	return total
}

// EstimateReason gives a human-readable justification for the
// classification, grounded on estimate_complexity_reason.
func (h *Heuristic) EstimateReason(prompt string, subtaskHint int) string {
	score := h.score(prompt, subtaskHint)
	switch {
	case score >= 70:
		return "prompt shows multiple markers of advanced complexity (keywords, length, structure, or embedded code/math)"
	case score >= 40:
		return "prompt shows moderate complexity markers"
	default:
		return "prompt appears straightforward"
	}
}
