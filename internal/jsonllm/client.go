// Package jsonllm implements the structured-output contract shared by every
// LLM call in callcopilot: the Gatekeeper's fast classifier, the Guidance and
// Marketing generators, and the end-of-call analyzer all go through
// [Client.Generate] rather than calling an [llm.Provider] directly.
//
// The contract (spec §4.7): always request JSON mode; on finish_reason=length
// retry once with a "compact the output" instruction and a doubled, capped
// max_tokens; parse in four stages — direct decode, substring between the
// first '{' and the last '}', then (optionally) a one-shot repair call to a
// dedicated repair model — and give up only after the repair attempt fails.
package jsonllm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/twelevegg/callcopilot/pkg/provider/llm"
	"github.com/twelevegg/callcopilot/pkg/types"
)

// ErrUnrepairable is returned when a response cannot be parsed as JSON even
// after a repair attempt.
var ErrUnrepairable = errors.New("jsonllm: response not valid JSON after repair attempt")

// defaultTimeout is the per-call HTTP timeout bound applied via context when
// the caller does not already carry a deadline.
const defaultTimeout = 60 * time.Second

// maxRetryTokens caps the doubled max_tokens used on a length-retry so a
// pathological request can't balloon to an unbounded completion size.
const maxRetryTokens = 8192

// Client wraps an [llm.Provider] (and, optionally, a distinct repair-model
// provider) with the JSON generation contract. The zero value is not usable;
// construct with [New].
type Client struct {
	provider llm.Provider
	repairer llm.Provider // falls back to provider when nil
	timeout  time.Duration
}

// Option configures a Client.
type Option func(*Client)

// WithRepairProvider sets a distinct LLM used only for the final repair call.
// When not set, Generate repairs using the same provider passed to [New].
func WithRepairProvider(p llm.Provider) Option {
	return func(c *Client) { c.repairer = p }
}

// WithTimeout overrides the default 60s per-call timeout.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) { c.timeout = d }
}

// New creates a Client backed by provider.
func New(provider llm.Provider, opts ...Option) *Client {
	c := &Client{provider: provider, timeout: defaultTimeout}
	for _, o := range opts {
		o(c)
	}
	if c.repairer == nil {
		c.repairer = c.provider
	}
	return c
}

// Request carries everything needed to produce and parse a structured
// response.
type Request struct {
	SystemPrompt string
	Messages     []types.Message
	Temperature  float64
	MaxTokens    int

	// SchemaHint is a human-readable description of the expected JSON shape,
	// included in the compaction and repair instructions so the model has a
	// concrete target to conform to.
	SchemaHint string
}

// Generate executes the four-stage contract and returns the parsed JSON
// object. The returned map is never nil on success.
func (c *Client) Generate(ctx context.Context, req Request) (map[string]any, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	raw, err := c.complete(ctx, req, false)
	if err != nil {
		return nil, fmt.Errorf("jsonllm: json-mode completion: %w", err)
	}

	if obj, ok := tryParse(raw); ok {
		return obj, nil
	}

	// Stage 3 (partial): one repair attempt via a dedicated repair call,
	// requesting the same schema against the garbled output.
	repaired, err := c.repair(ctx, req, raw)
	if err != nil {
		return nil, fmt.Errorf("%w: repair call failed: %v", ErrUnrepairable, err)
	}
	if obj, ok := tryParse(repaired); ok {
		return obj, nil
	}
	return nil, ErrUnrepairable
}

// complete runs one completion attempt, handling the finish_reason=length
// retry with a doubled, capped max_tokens and a "compact the output"
// instruction appended to the system prompt.
func (c *Client) complete(ctx context.Context, req Request, isRetry bool) (string, error) {
	sysPrompt := req.SystemPrompt
	maxTokens := req.MaxTokens
	if isRetry {
		sysPrompt += "\n\nYour previous response was truncated. Respond again with the same JSON object, but more compactly — omit whitespace and keep string values brief."
		if maxTokens <= 0 {
			maxTokens = 1024
		}
		maxTokens *= 2
		if maxTokens > maxRetryTokens {
			maxTokens = maxRetryTokens
		}
	}

	resp, err := c.provider.Complete(ctx, llm.CompletionRequest{
		SystemPrompt: sysPrompt,
		Messages:     req.Messages,
		Temperature:  req.Temperature,
		MaxTokens:    maxTokens,
		JSONMode:     true,
	})
	if err != nil {
		return "", err
	}
	if resp == nil {
		return "", errors.New("jsonllm: provider returned no response")
	}

	if !isRetry && (resp.FinishReason == llm.FinishReasonLength || looksTruncated(resp.Content)) {
		return c.complete(ctx, req, true)
	}
	return resp.Content, nil
}

// looksTruncated is a conservative backstop for backends that don't surface
// finish_reason on CompletionResponse: a response that doesn't parse and
// doesn't end with a closing brace is presumed truncated rather than
// malformed from the start.
func looksTruncated(content string) bool {
	trimmed := strings.TrimSpace(content)
	if trimmed == "" {
		return false
	}
	if _, ok := tryParse(trimmed); ok {
		return false
	}
	return !strings.HasSuffix(trimmed, "}") && !strings.HasSuffix(trimmed, "]")
}

// repair asks the repair provider to extract/fix a valid JSON object from a
// garbled response, requesting the same schema.
func (c *Client) repair(ctx context.Context, req Request, garbled string) (string, error) {
	schema := req.SchemaHint
	if schema == "" {
		schema = "a single JSON object matching the fields requested in the original prompt"
	}
	repairMessages := []types.Message{
		{Role: "user", Content: fmt.Sprintf(
			"The following text was supposed to be %s, but may contain markdown fences, prose, or truncation. Extract and fix it, responding with ONLY the corrected JSON object and nothing else:\n\n%s",
			schema, garbled,
		)},
	}

	resp, err := c.repairer.Complete(ctx, llm.CompletionRequest{
		SystemPrompt: "You repair malformed JSON. Respond with only the corrected JSON object.",
		Messages:     repairMessages,
		Temperature:  0,
		JSONMode:     true,
	})
	if err != nil {
		return "", err
	}
	return resp.Content, nil
}

// tryParse implements stages 1-2 of the parse contract: a direct decode, then
// a decode of the substring between the first '{' and the last '}'.
func tryParse(raw string) (map[string]any, bool) {
	trimmed := strings.TrimSpace(raw)
	trimmed = strings.TrimPrefix(trimmed, "```json")
	trimmed = strings.TrimPrefix(trimmed, "```")
	trimmed = strings.TrimSuffix(trimmed, "```")
	trimmed = strings.TrimSpace(trimmed)

	var obj map[string]any
	if err := json.Unmarshal([]byte(trimmed), &obj); err == nil {
		return obj, true
	}

	start := strings.Index(trimmed, "{")
	end := strings.LastIndex(trimmed, "}")
	if start < 0 || end <= start {
		return nil, false
	}
	candidate := trimmed[start : end+1]
	if err := json.Unmarshal([]byte(candidate), &obj); err == nil {
		return obj, true
	}
	return nil, false
}
