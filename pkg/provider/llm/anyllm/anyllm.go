// Package anyllm implements llm.Provider over github.com/mozilla-ai/any-llm-go,
// a unified multi-backend client. It exists so the gatekeeper's fast
// classifier (and, if desired, the main generator) can be pointed at a
// different vendor or a local model than the primary OpenAI path without any
// new adapter code — the backend is a config string.
package anyllm

import (
	"context"
	"fmt"
	"strings"

	anyllmlib "github.com/mozilla-ai/any-llm-go"
	"github.com/mozilla-ai/any-llm-go/providers/anthropic"
	"github.com/mozilla-ai/any-llm-go/providers/deepseek"
	"github.com/mozilla-ai/any-llm-go/providers/gemini"
	"github.com/mozilla-ai/any-llm-go/providers/groq"
	"github.com/mozilla-ai/any-llm-go/providers/llamacpp"
	"github.com/mozilla-ai/any-llm-go/providers/llamafile"
	"github.com/mozilla-ai/any-llm-go/providers/mistral"
	"github.com/mozilla-ai/any-llm-go/providers/ollama"
	anyllmoai "github.com/mozilla-ai/any-llm-go/providers/openai"

	"github.com/twelevegg/callcopilot/pkg/provider/llm"
	"github.com/twelevegg/callcopilot/pkg/types"
)

// Provider implements llm.Provider by delegating to an any-llm-go backend.
type Provider struct {
	backend anyllmlib.Provider
	model   string
}

// New creates a Provider for the named backend and model.
//
// backendName is one of: "openai", "anthropic", "gemini", "ollama",
// "deepseek", "mistral", "groq", "llamacpp", "llamafile". Without an explicit
// API-key option, each backend falls back to its conventional environment
// variable (OPENAI_API_KEY, ANTHROPIC_API_KEY, and so on); the local
// backends default to their standard localhost endpoints.
func New(backendName string, model string, opts ...anyllmlib.Option) (*Provider, error) {
	if backendName == "" {
		return nil, fmt.Errorf("anyllm: backendName must not be empty")
	}
	if model == "" {
		return nil, fmt.Errorf("anyllm: model must not be empty")
	}

	backend, err := createBackend(backendName, opts...)
	if err != nil {
		return nil, fmt.Errorf("anyllm: create %q backend: %w", backendName, err)
	}
	return &Provider{backend: backend, model: model}, nil
}

func createBackend(backendName string, opts ...anyllmlib.Option) (anyllmlib.Provider, error) {
	switch strings.ToLower(backendName) {
	case "openai":
		return anyllmoai.New(opts...)
	case "anthropic":
		return anthropic.New(opts...)
	case "gemini":
		return gemini.New(opts...)
	case "ollama":
		return ollama.New(opts...)
	case "deepseek":
		return deepseek.New(opts...)
	case "mistral":
		return mistral.New(opts...)
	case "groq":
		return groq.New(opts...)
	case "llamacpp":
		return llamacpp.New(opts...)
	case "llamafile":
		return llamafile.New(opts...)
	default:
		return nil, fmt.Errorf("unsupported backend %q; supported: openai, anthropic, gemini, ollama, deepseek, mistral, groq, llamacpp, llamafile", backendName)
	}
}

// Complete implements llm.Provider.
func (p *Provider) Complete(ctx context.Context, req llm.CompletionRequest) (*llm.CompletionResponse, error) {
	resp, err := p.backend.Completion(ctx, p.buildParams(req))
	if err != nil {
		return nil, fmt.Errorf("anyllm: completion: %w", err)
	}
	if len(resp.Choices) == 0 {
		return nil, fmt.Errorf("anyllm: empty choices in response")
	}

	choice := resp.Choices[0]
	result := &llm.CompletionResponse{
		Content:      choice.Message.ContentString(),
		FinishReason: choice.FinishReason,
	}
	if resp.Usage != nil {
		result.Usage = llm.Usage{
			PromptTokens:     resp.Usage.PromptTokens,
			CompletionTokens: resp.Usage.CompletionTokens,
			TotalTokens:      resp.Usage.TotalTokens,
		}
	}
	return result, nil
}

// CountTokens implements llm.Provider with a ~4-chars-per-token
// approximation plus per-message framing overhead.
// TODO: replace with a real tokenizer (e.g., tiktoken-go) for accurate per-model counting.
func (p *Provider) CountTokens(messages []types.Message) (int, error) {
	total := 0
	for _, m := range messages {
		total += (len(m.Content) + 3) / 4
		total += 4
	}
	return total, nil
}

// Capabilities implements llm.Provider.
func (p *Provider) Capabilities() types.ModelCapabilities {
	return modelCapabilities(p.model)
}

func (p *Provider) buildParams(req llm.CompletionRequest) anyllmlib.CompletionParams {
	var messages []anyllmlib.Message

	if req.SystemPrompt != "" {
		messages = append(messages, anyllmlib.Message{
			Role:    anyllmlib.RoleSystem,
			Content: req.SystemPrompt,
		})
	}
	for _, m := range req.Messages {
		messages = append(messages, anyllmlib.Message{
			Role:    m.Role,
			Content: m.Content,
			Name:    m.Name,
		})
	}

	params := anyllmlib.CompletionParams{
		Model:    p.model,
		Messages: messages,
	}
	if req.Temperature != 0 {
		t := req.Temperature
		params.Temperature = &t
	}
	if req.MaxTokens > 0 {
		mt := req.MaxTokens
		params.MaxTokens = &mt
	}
	if req.JSONMode {
		params.ResponseFormat = &anyllmlib.ResponseFormat{Type: "json_object"}
	}
	return params
}

// modelCapabilities maps known model families across the supported backends
// to their context budgets. Unknown models get 128k/4k defaults, which every
// model this service is deployed against comfortably exceeds.
func modelCapabilities(model string) types.ModelCapabilities {
	lower := strings.ToLower(model)
	switch {
	case strings.HasPrefix(lower, "gpt-4o"):
		return types.ModelCapabilities{ContextWindow: 128_000, MaxOutputTokens: 16_384}
	case strings.HasPrefix(lower, "gpt-4"):
		return types.ModelCapabilities{ContextWindow: 128_000, MaxOutputTokens: 4_096}
	case strings.HasPrefix(lower, "gpt-3.5-turbo"):
		return types.ModelCapabilities{ContextWindow: 16_385, MaxOutputTokens: 4_096}
	case strings.HasPrefix(lower, "o1"), strings.HasPrefix(lower, "o3"):
		return types.ModelCapabilities{ContextWindow: 200_000, MaxOutputTokens: 100_000}
	case strings.HasPrefix(lower, "claude"):
		return types.ModelCapabilities{ContextWindow: 200_000, MaxOutputTokens: 8_192}
	case strings.HasPrefix(lower, "gemini-1.5-pro"):
		return types.ModelCapabilities{ContextWindow: 2_097_152, MaxOutputTokens: 8_192}
	case strings.HasPrefix(lower, "gemini"):
		return types.ModelCapabilities{ContextWindow: 1_048_576, MaxOutputTokens: 8_192}
	default:
		return types.ModelCapabilities{ContextWindow: 128_000, MaxOutputTokens: 4_096}
	}
}
