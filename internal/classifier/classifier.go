// Package classifier implements the Difficulty Classifier from spec §4.3:
// an external LLM-backed primary path with a local heuristic fallback,
// producing SIMPLE/COMPLEX/ADVANCED and the deadline that difficulty
// implies.
package classifier

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/HectorEspejo/iris/pkg/types"
)

// Deadlines are spec §4.3's binding per-difficulty timeouts.
var Deadlines = map[types.Difficulty]time.Duration{
	types.DifficultySimple:   60 * time.Second,
	types.DifficultyComplex:  300 * time.Second,
	types.DifficultyAdvanced: 600 * time.Second,
}

// ExternalTimeout bounds the primary classifier call per spec §4.3.
const ExternalTimeout = 5 * time.Second

// Classifier classifies task prompts into a difficulty tier.
type Classifier interface {
	Classify(ctx context.Context, prompt string, subtaskHint int) types.Difficulty
}

// Chain tries an external classifier first and falls back to the local
// heuristic on error or timeout, per spec §4.3.
type Chain struct {
	external Classifier
	fallback Classifier
	logger   *slog.Logger
}

// New constructs a Chain. external may be nil, in which case the
// heuristic classifier is used unconditionally.
func New(external Classifier, logger *slog.Logger) *Chain {
	if logger == nil {
		logger = slog.Default()
	}
	return &Chain{external: external, fallback: NewHeuristic(), logger: logger}
}

// Classify implements Classifier. It bounds the external call to
// ExternalTimeout and falls back to the heuristic classifier on any
// failure, per spec §4.3's "classification must not block dispatch
// indefinitely" requirement.
func (c *Chain) Classify(ctx context.Context, prompt string, subtaskHint int) types.Difficulty {
	if c.external == nil {
		return c.fallback.Classify(ctx, prompt, subtaskHint)
	}

	ctx, cancel := context.WithTimeout(ctx, ExternalTimeout)
	defer cancel()

	result := make(chan types.Difficulty, 1)
	go func() {
		result <- c.external.Classify(ctx, prompt, subtaskHint)
	}()

	select {
	case d := <-result:
		if d == "" {
			return c.fallback.Classify(ctx, prompt, subtaskHint)
		}
		return d
	case <-ctx.Done():
		c.logger.Warn("external classifier timed out, falling back to heuristic")
		return c.fallback.Classify(context.Background(), prompt, subtaskHint)
	}
}

// HTTPExternal calls an external LLM classification endpoint over HTTP,
// following the outbound-request shape of the Cloudflare Access
// key-fetch client (context-bound request, json.Decoder on the
// response body, explicit status check).
type HTTPExternal struct {
	Endpoint string
	Client   *http.Client
}

type classifyRequest struct {
	Prompt      string `json:"prompt"`
	SubtaskHint int    `json:"subtask_hint"`
}

type classifyResponse struct {
	Difficulty string `json:"difficulty"`
}

// Classify implements Classifier by POSTing the prompt to an external
// LLM endpoint and parsing its verdict. Returns "" (triggering fallback
// in Chain) on any transport or parse error.
func (h *HTTPExternal) Classify(ctx context.Context, prompt string, subtaskHint int) types.Difficulty {
	client := h.Client
	if client == nil {
		client = http.DefaultClient
	}

	body, err := json.Marshal(classifyRequest{Prompt: prompt, SubtaskHint: subtaskHint})
	if err != nil {
		return ""
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.Endpoint, strings.NewReader(string(body)))
	if err != nil {
		return ""
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return ""
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return ""
	}

	var out classifyResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return ""
	}

	switch d := types.Difficulty(strings.ToLower(out.Difficulty)); d {
	case types.DifficultySimple, types.DifficultyComplex, types.DifficultyAdvanced:
		return d
	default:
		return ""
	}
}
