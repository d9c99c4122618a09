// Package aggregator implements the Response Aggregator from spec §4.6:
// combine completed subtask responses per the Task's division mode, and
// annotate gaps when the Task outcome is PARTIAL.
package aggregator

import (
	"errors"
	"fmt"
	"regexp"
	"sort"
	"strings"

	"github.com/HectorEspejo/iris/pkg/types"
)

var ErrNoCompletedSubtasks = errors.New("aggregator: no completed subtasks to aggregate")

// Config holds the Aggregator's settings. ConsensusDissenterPenaltyEnabled
// records the Open-Question-2 consensus dissenter penalty setting; nothing
// in this package reads it, and aggregation never records a reputation
// penalty against a dissenting producer, whatever its value.
type Config struct {
	ConsensusDissenterPenaltyEnabled bool

	// ReputationLookup resolves a node's current reputation score for the
	// CONSENSUS tie-break (spec §4.6: "on tie, the response with the
	// highest-reputation producer wins"). Passed in as a narrow function
	// type rather than importing the reputation package directly, the
	// same pattern as reputation.ModelNameLookup, to stay import-cycle
	// free. May be nil, in which case ties keep the first-seen response.
	ReputationLookup func(nodeID string) float64
}

// Aggregator combines a Task's completed subtask buffers into a final
// response, grounded on
// original_source/coordinator/response_aggregator.py's per-mode strategies.
type Aggregator struct {
	cfg Config
}

// New constructs an Aggregator.
func New(cfg Config) *Aggregator {
	return &Aggregator{cfg: cfg}
}

// Aggregate dispatches by Task.Mode, per spec §4.6.
func (a *Aggregator) Aggregate(task *types.Task) (string, error) {
	completed := completedSubtasks(task.Subtasks)
	if len(completed) == 0 {
		return "", ErrNoCompletedSubtasks
	}

	var body string
	switch task.Mode {
	case types.ModeConsensus:
		body = a.aggregateConsensus(completed)
	case types.ModeContext:
		body = a.aggregateContext(completed)
	default: // ModeSubtasks, ModeDirect (single-subtask passthrough)
		body = a.aggregateSubtasks(completed, task.Prompt)
	}

	if task.Status == types.StatusPartial {
		body = annotateGaps(body, task.Subtasks)
	}
	return body, nil
}

func completedSubtasks(subtasks []*types.Subtask) []*types.Subtask {
	var out []*types.Subtask
	for _, s := range subtasks {
		if s.Status == types.SubtaskCompleted && len(s.Buffer) > 0 {
			out = append(out, s)
		}
	}
	return out
}

// annotateGaps implements spec §4.4's PARTIAL outcome requirement to
// "aggregate the completed ones, annotate gaps."
func annotateGaps(body string, subtasks []*types.Subtask) string {
	var missing []string
	for _, s := range subtasks {
		if s.Status != types.SubtaskCompleted {
			missing = append(missing, fmt.Sprintf("part %d (%s)", s.Index+1, s.Status))
		}
	}
	if len(missing) == 0 {
		return body
	}
	return fmt.Sprintf("%s\n\n---\n*Incomplete: %s.*", body, strings.Join(missing, ", "))
}

// aggregateSubtasks is grounded on _aggregate_subtasks: single response
// passes through untouched; multiple responses get a titled section each.
func (a *Aggregator) aggregateSubtasks(subtasks []*types.Subtask, originalPrompt string) string {
	if len(subtasks) == 1 {
		return string(subtasks[0].Buffer)
	}

	var parts []string
	if taskType := identifyTaskType(originalPrompt); taskType != "" {
		parts = append(parts, fmt.Sprintf("## %s\n", taskType))
	}

	for i, s := range subtasks {
		response := strings.TrimSpace(string(s.Buffer))
		title := extractSubtaskTitle(s.Prompt)
		if title == "" {
			title = fmt.Sprintf("Part %d", i+1)
		}
		parts = append(parts, fmt.Sprintf("### %s\n%s\n", title, response))
	}
	return strings.Join(parts, "\n")
}

// consensusTieEpsilon treats Jaccard scores within this distance as tied,
// per spec §4.6's "on tie, the response with the highest-reputation
// producer wins" — exact float equality would almost never fire.
const consensusTieEpsilon = 1e-9

// aggregateConsensus is grounded on _aggregate_consensus's Jaccard
// word-set similarity pick, with the low-consensus warning threshold
// (score < 0.3, >= 3 responses) carried over exactly. Ties break on
// producer reputation via Config.ReputationLookup.
func (a *Aggregator) aggregateConsensus(subtasks []*types.Subtask) string {
	if len(subtasks) == 1 {
		return string(subtasks[0].Buffer)
	}

	responses := make([]string, len(subtasks))
	for i, s := range subtasks {
		responses[i] = string(s.Buffer)
	}

	bestIdx := 0
	bestScore := -1.0
	bestReputation := 0.0
	for i, r := range responses {
		score := averageJaccard(r, responses)
		reputation := a.reputationOf(subtasks[i].NodeID)
		switch {
		case score > bestScore+consensusTieEpsilon:
			bestScore, bestReputation, bestIdx = score, reputation, i
		case score > bestScore-consensusTieEpsilon && reputation > bestReputation:
			bestScore, bestReputation, bestIdx = score, reputation, i
		}
	}
	bestResponse := responses[bestIdx]

	if bestScore < 0.3 && len(responses) >= 3 {
		return fmt.Sprintf("**Note: Low consensus among nodes.**\n\n%s", bestResponse)
	}
	return bestResponse
}

func (a *Aggregator) reputationOf(nodeID string) float64 {
	if a.cfg.ReputationLookup == nil || nodeID == "" {
		return 0
	}
	return a.cfg.ReputationLookup(nodeID)
}

func averageJaccard(response string, others []string) float64 {
	wordsOf := func(s string) map[string]bool {
		set := make(map[string]bool)
		for _, w := range strings.Fields(strings.ToLower(s)) {
			set[w] = true
		}
		return set
	}
	respWords := wordsOf(response)
	if len(respWords) == 0 {
		return 0
	}

	var total float64
	var n int
	for _, other := range others {
		if other == response {
			continue
		}
		otherWords := wordsOf(other)
		if len(otherWords) == 0 {
			continue
		}
		inter, union := 0, 0
		seen := make(map[string]bool, len(respWords)+len(otherWords))
		for w := range respWords {
			seen[w] = true
		}
		for w := range otherWords {
			seen[w] = true
		}
		union = len(seen)
		for w := range respWords {
			if otherWords[w] {
				inter++
			}
		}
		if union > 0 {
			total += float64(inter) / float64(union)
		}
		n++
	}
	if n == 0 {
		return 0
	}
	return total / float64(n)
}

// aggregateContext is grounded on _aggregate_context: sort by
// [Section N] marker, then stitch with a synthesis note.
func (a *Aggregator) aggregateContext(subtasks []*types.Subtask) string {
	if len(subtasks) == 1 {
		return string(subtasks[0].Buffer)
	}

	sorted := append([]*types.Subtask(nil), subtasks...)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sectionNumber(sorted[i].Prompt) < sectionNumber(sorted[j].Prompt)
	})

	parts := []string{"## Analysis Summary\n"}
	for i, s := range sorted {
		response := strings.TrimSpace(string(s.Buffer))
		parts = append(parts, fmt.Sprintf("### Section %d Analysis\n%s\n", i+1, response))
	}
	parts = append(parts, "\n---\n*Analysis compiled from multiple document sections.*")
	return strings.Join(parts, "\n")
}

var sectionPattern = regexp.MustCompile(`\[Section (\d+)\]`)

func sectionNumber(prompt string) int {
	m := sectionPattern.FindStringSubmatch(prompt)
	if m == nil {
		return 0
	}
	n := 0
	for _, c := range m[1] {
		n = n*10 + int(c-'0')
	}
	return n
}

var taskTypePatterns = []struct {
	title   string
	pattern *regexp.Regexp
}{
	{"Analysis Results", regexp.MustCompile(`(?i)\b(analyze|analysis)\b`)},
	{"Extracted Information", regexp.MustCompile(`(?i)\b(extract|extraction)\b`)},
	{"Summary", regexp.MustCompile(`(?i)\b(summarize|summary)\b`)},
	{"Comparison", regexp.MustCompile(`(?i)\b(compare|comparison)\b`)},
	{"Identified Items", regexp.MustCompile(`(?i)\b(identify|find|list)\b`)},
	{"Explanation", regexp.MustCompile(`(?i)\b(explain|describe)\b`)},
}

func identifyTaskType(prompt string) string {
	for _, tp := range taskTypePatterns {
		if tp.pattern.MatchString(prompt) {
			return tp.title
		}
	}
	return ""
}

var subtaskTitlePatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)Task:\s*(.+)`),
	regexp.MustCompile(`(?i)\b(?:extract|identify|find|analyze)\s+(?:the\s+)?(.+?)(?:\.|$)`),
}

func extractSubtaskTitle(prompt string) string {
	for _, p := range subtaskTitlePatterns {
		if m := p.FindStringSubmatch(prompt); m != nil {
			title := strings.TrimSpace(m[len(m)-1])
			if title == "" {
				continue
			}
			title = strings.ToUpper(title[:1]) + title[1:]
			if len(title) > 50 {
				title = title[:47] + "..."
			}
			return title
		}
	}
	return ""
}
