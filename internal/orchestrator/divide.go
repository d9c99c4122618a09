package orchestrator

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/HectorEspejo/iris/pkg/types"
)

// listItemPattern, extractPattern, contextPatterns and taskIndicators are
// grounded on original_source/coordinator/task_orchestrator.py's
// _divide_into_subtasks / _extract_context / _is_task_sentence cascade.
var (
	listItemPattern = regexp.MustCompile(`(?m)(?:^|\n)\s*(?:\d+[.)]\s*|[a-zA-Z][.)]\s*|[-*•]\s*)(.+)`)
	extractPattern  = regexp.MustCompile(`(?i)\b(extract|analyze|identify|find|get|list|describe)\s+(?:the\s+)?(.+?)(?:\.|$)`)
	splitItemsPattern = regexp.MustCompile(`(?i),\s*(?:and\s*)?|\s+and\s+`)

	contextPatterns = []*regexp.Regexp{
		regexp.MustCompile(`(?is)^(.*?(?:following|below|this|given)[^:]*:)`),
		regexp.MustCompile(`(?is)^((?:Given|Considering|Based on|With)[^.]*\.)`),
		regexp.MustCompile(`(?is)^([^.]*?(?:text|document|data|content)[^.]*\.)`),
	}
	taskIndicatorPattern = regexp.MustCompile(`(?i)\b(analyze|extract|identify|find|list|describe|explain|summarize|compare|what|how|why|where|when|who|should|must|need to|have to)\b`)
)

// divide implements spec §4.4 step 3: split into subtasks by mode.
func (o *Orchestrator) divide(task *types.Task) []*types.Subtask {
	var prompts []string
	switch task.Mode {
	case types.ModeConsensus:
		prompts = o.divideConsensus(task.Prompt)
	case types.ModeContext:
		prompts = o.divideByContext(task.Prompt)
	default: // ModeSubtasks
		prompts = o.divideIntoSubtasks(task.Prompt)
	}

	if len(prompts) > o.cfg.MaxSubtasks {
		prompts = prompts[:o.cfg.MaxSubtasks]
	}

	subtasks := make([]*types.Subtask, len(prompts))
	for i, p := range prompts {
		subtasks[i] = &types.Subtask{
			TaskID:     task.ID,
			Index:      i,
			Prompt:     p,
			TriedNodes: make(map[string]bool),
			Status:     types.SubtaskPending,
		}
	}
	return subtasks
}

// divideConsensus duplicates the prompt R times, per spec §4.4 SUBTASKS's
// CONSENSUS branch.
func (o *Orchestrator) divideConsensus(prompt string) []string {
	r := o.cfg.ConsensusReplicas
	if r <= 0 {
		r = 3
	}
	out := make([]string, r)
	for i := range out {
		out[i] = prompt
	}
	return out
}

// divideIntoSubtasks is the three-pattern cascade from
// _divide_into_subtasks: numbered/lettered/bulleted lists, then
// extraction-verb comma-splitting, then task-sentence detection.
func (o *Orchestrator) divideIntoSubtasks(prompt string) []string {
	if matches := listItemPattern.FindAllStringSubmatch(prompt, -1); len(matches) >= 2 {
		base := extractContext(prompt)
		out := make([]string, 0, len(matches))
		for _, m := range matches {
			item := strings.TrimSpace(m[1])
			if item == "" {
				continue
			}
			if base != "" {
				out = append(out, fmt.Sprintf("%s\n\nTask: %s", base, item))
			} else {
				out = append(out, item)
			}
		}
		if len(out) >= 2 {
			return out
		}
	}

	if m := extractPattern.FindStringSubmatch(prompt); m != nil {
		items := splitItemsPattern.Split(m[2], -1)
		var cleaned []string
		for _, it := range items {
			it = strings.TrimSpace(it)
			if it != "" {
				cleaned = append(cleaned, it)
			}
		}
		if len(cleaned) >= 2 {
			base := extractContext(prompt)
			action := m[1]
			out := make([]string, 0, len(cleaned))
			for _, item := range cleaned {
				if base != "" {
					out = append(out, fmt.Sprintf("%s\n\n%s %s", base, action, item))
				} else {
					out = append(out, fmt.Sprintf("%s %s", action, item))
				}
			}
			return out
		}
	}

	sentences := splitSentences(prompt)
	var taskSentences []string
	for _, s := range sentences {
		if isTaskSentence(s) {
			taskSentences = append(taskSentences, s)
		}
	}
	if len(taskSentences) >= 2 {
		base := extractContext(prompt)
		out := make([]string, 0, len(taskSentences))
		for _, s := range taskSentences {
			if base != "" {
				out = append(out, fmt.Sprintf("%s\n\n%s", base, s))
			} else {
				out = append(out, s)
			}
		}
		return out
	}

	return []string{prompt}
}

// splitSentences splits on sentence-terminal punctuation followed by
// whitespace, keeping the terminator with its sentence. Go's RE2 has no
// lookbehind, so this walks the string directly rather than using the
// Python original's `(?<=[.!?])\s+` regex.
func splitSentences(s string) []string {
	var out []string
	start := 0
	for i, r := range s {
		if r == '.' || r == '!' || r == '?' {
			if i+1 < len(s) && (s[i+1] == ' ' || s[i+1] == '\n' || s[i+1] == '\t') {
				out = append(out, s[start:i+1])
				start = i + 1
			}
		}
	}
	if start < len(s) {
		out = append(out, s[start:])
	}
	for i := range out {
		out[i] = strings.TrimSpace(out[i])
	}
	return out
}

func extractContext(prompt string) string {
	for _, p := range contextPatterns {
		if m := p.FindStringSubmatch(prompt); m != nil {
			return strings.TrimSpace(m[1])
		}
	}
	return ""
}

func isTaskSentence(s string) bool {
	return taskIndicatorPattern.MatchString(s)
}

// divideByContext implements spec §4.4 CONTEXT mode: overlapping windows
// of N characters with overlap O, each tagged with a [Section N] marker
// the Aggregator uses to re-sort and stitch (spec §4.6), grounded on
// _divide_by_context.
var instructionPattern = regexp.MustCompile(`(?is)^(.*?(?:analyze|process|review|examine)[^:]*:?\s*)`)

func (o *Orchestrator) divideByContext(prompt string) []string {
	chunkSize := o.cfg.ContextWindow
	overlap := o.cfg.ContextOverlap
	if chunkSize <= 0 {
		chunkSize = 4000
	}
	if len(prompt) <= chunkSize {
		return []string{prompt}
	}

	instruction := "Analyze the following section:\n\n"
	content := prompt
	if m := instructionPattern.FindStringIndex(prompt); m != nil {
		instruction = prompt[m[0]:m[1]]
		content = prompt[m[1]:]
	}

	var chunks []string
	pos := 0
	for pos < len(content) {
		end := pos + chunkSize
		if end > len(content) {
			end = len(content)
		}
		if end < len(content) {
			if dot := strings.LastIndex(content[pos:end], "."); dot > chunkSize/2 {
				end = pos + dot + 1
			}
		}
		chunk := content[pos:end]
		chunks = append(chunks, fmt.Sprintf("%s[Section %d]\n%s", instruction, len(chunks)+1, chunk))
		if end < len(content) {
			pos = end - overlap
		} else {
			pos = end
		}
	}
	return chunks
}
