package anyllm

import (
	"strings"
	"testing"

	anyllmlib "github.com/mozilla-ai/any-llm-go"

	"github.com/twelevegg/callcopilot/pkg/provider/llm"
	"github.com/twelevegg/callcopilot/pkg/types"
)

func TestNew_EmptyBackendName(t *testing.T) {
	_, err := New("", "gpt-4o")
	if err == nil {
		t.Fatal("expected error for empty backend name")
	}
}

func TestNew_EmptyModel(t *testing.T) {
	_, err := New("openai", "")
	if err == nil {
		t.Fatal("expected error for empty model")
	}
}

func TestNew_UnsupportedBackend(t *testing.T) {
	_, err := New("carrier-pigeon", "gpt-4o")
	if err == nil {
		t.Fatal("expected error for unsupported backend")
	}
	if !strings.Contains(err.Error(), "carrier-pigeon") {
		t.Fatalf("error should name the backend, got: %v", err)
	}
}

func TestNew_OpenAIWithAPIKey(t *testing.T) {
	p, err := New("openai", "gpt-4o-mini", anyllmlib.WithAPIKey("sk-test"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if p.model != "gpt-4o-mini" {
		t.Fatalf("model = %q", p.model)
	}
}

func TestNew_OllamaNeedsNoAPIKey(t *testing.T) {
	if _, err := New("ollama", "llama3.2"); err != nil {
		t.Fatalf("ollama backend should construct without credentials: %v", err)
	}
}

func TestNew_BackendNameCaseInsensitive(t *testing.T) {
	if _, err := New("OpenAI", "gpt-4o", anyllmlib.WithAPIKey("sk-test")); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func completionRequest() llm.CompletionRequest {
	return llm.CompletionRequest{
		SystemPrompt: "You produce JSON.",
		Messages:     []types.Message{{Role: "user", Content: "hello"}},
		MaxTokens:    64,
		JSONMode:     true,
	}
}

func TestBuildParams_JSONModeAndSystemPrompt(t *testing.T) {
	p := &Provider{model: "gpt-4o-mini"}
	params := p.buildParams(completionRequest())

	if params.Model != "gpt-4o-mini" {
		t.Fatalf("model = %q", params.Model)
	}
	if params.ResponseFormat == nil || params.ResponseFormat.Type != "json_object" {
		t.Fatalf("expected json_object response format, got %+v", params.ResponseFormat)
	}
	if len(params.Messages) != 2 {
		t.Fatalf("expected system+user messages, got %d", len(params.Messages))
	}
	if params.Messages[0].Role != anyllmlib.RoleSystem {
		t.Fatalf("first message role = %q, want system", params.Messages[0].Role)
	}
	if params.MaxTokens == nil || *params.MaxTokens != 64 {
		t.Fatalf("expected max tokens 64, got %v", params.MaxTokens)
	}
}

func TestBuildParams_ZeroTemperatureOmitted(t *testing.T) {
	p := &Provider{model: "gpt-4o-mini"}
	req := completionRequest()
	req.Temperature = 0
	params := p.buildParams(req)
	if params.Temperature != nil {
		t.Fatalf("expected nil temperature for 0, got %v", *params.Temperature)
	}

	req.Temperature = 0.4
	params = p.buildParams(req)
	if params.Temperature == nil || *params.Temperature != 0.4 {
		t.Fatalf("expected temperature 0.4, got %v", params.Temperature)
	}
}

func TestModelCapabilities(t *testing.T) {
	tests := []struct {
		model       string
		wantContext int
	}{
		{"gpt-4o-mini", 128_000},
		{"gpt-3.5-turbo", 16_385},
		{"o1-mini", 200_000},
		{"claude-3-5-haiku-latest", 200_000},
		{"gemini-1.5-pro", 2_097_152},
		{"gemini-2.0-flash", 1_048_576},
		{"totally-unknown", 128_000},
	}
	for _, tt := range tests {
		t.Run(tt.model, func(t *testing.T) {
			caps := modelCapabilities(tt.model)
			if caps.ContextWindow != tt.wantContext {
				t.Errorf("ContextWindow = %d, want %d", caps.ContextWindow, tt.wantContext)
			}
			if caps.MaxOutputTokens <= 0 {
				t.Error("expected positive MaxOutputTokens")
			}
		})
	}
}

func TestModelCapabilities_CaseInsensitive(t *testing.T) {
	if got := modelCapabilities("GPT-4o"); got.ContextWindow != 128_000 {
		t.Fatalf("ContextWindow = %d, want 128000", got.ContextWindow)
	}
}

func TestCountTokens(t *testing.T) {
	p := &Provider{model: "gpt-4o"}

	count, err := p.CountTokens(nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if count != 0 {
		t.Fatalf("empty messages: count = %d, want 0", count)
	}

	count, err = p.CountTokens([]types.Message{
		{Role: "user", Content: "요금제를 바꾸고 싶어요"},
		{Role: "assistant", Content: "네, 확인해 드리겠습니다"},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if count <= 8 {
		t.Fatalf("expected count above per-message overhead, got %d", count)
	}
}
