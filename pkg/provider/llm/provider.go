// Package llm defines the chat-JSON Provider interface for the model
// backends used by the agent pipelines, the gatekeeper's fast classifier,
// and the end-of-call analyzer.
//
// Every model interaction in this service is a single request/response
// exchange that expects a JSON object back — the callers that need parsed
// output go through internal/jsonllm, which layers the retry-on-length and
// JSON-repair contract on top of this interface. There is deliberately no
// streaming or tool-calling surface here: agent results stream to operator
// consoles over WebSockets, never as partial model output.
//
// Implementations must be safe for concurrent use.
package llm

import (
	"context"

	"github.com/twelevegg/callcopilot/pkg/types"
)

// Usage holds token accounting returned by the backend. Counts are in the
// model's native token unit and may differ between providers for the same
// textual content.
type Usage struct {
	PromptTokens     int
	CompletionTokens int
	TotalTokens      int
}

// CompletionRequest carries everything the model needs to produce a
// response. Messages must be non-empty.
type CompletionRequest struct {
	// SystemPrompt is an optional high-priority instruction injected ahead of
	// the conversation. Backends without a dedicated system slot prepend it
	// as a "system"-role message.
	SystemPrompt string

	// Messages is the ordered conversation history; the last entry drives the
	// response.
	Messages []types.Message

	// Temperature controls output randomness. Zero requests the provider
	// default (near-greedy decoding for the backends used here).
	Temperature float64

	// MaxTokens caps completion length. Zero means the provider default.
	MaxTokens int

	// JSONMode requests the backend's strict structured-output mode (OpenAI's
	// response_format={"type":"json_object"} and equivalents). Every call in
	// this service sets it; it is a field rather than a constant so the
	// repair path in internal/jsonllm can reuse the same request shape.
	JSONMode bool
}

// CompletionResponse is a completed model reply.
type CompletionResponse struct {
	// Content is the full text of the reply.
	Content string

	// FinishReason reports why generation stopped: "stop" for a natural end,
	// "length" when MaxTokens was reached (the signal internal/jsonllm's
	// compact-and-retry path keys on), or a provider-specific value. Empty
	// when the backend doesn't surface one.
	FinishReason string

	// Usage contains token accounting for this exchange.
	Usage Usage
}

// FinishReasonLength is the FinishReason value indicating the completion was
// truncated by the MaxTokens cap.
const FinishReasonLength = "length"

// Provider is the abstraction over any chat-JSON model backend.
//
// Implementations must be safe for concurrent use and must return promptly
// when ctx is cancelled.
type Provider interface {
	// Complete sends req to the model and waits for the full response.
	Complete(ctx context.Context, req CompletionRequest) (*CompletionResponse, error)

	// CountTokens estimates how many tokens messages would consume in the
	// model's context window. The result need not be exact but should not
	// undercount.
	CountTokens(messages []types.Message) (int, error)

	// Capabilities returns the model's context budget, assumed constant for
	// the Provider's lifetime.
	Capabilities() types.ModelCapabilities
}
