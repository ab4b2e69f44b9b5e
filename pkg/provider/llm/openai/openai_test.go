package openai

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/twelevegg/callcopilot/pkg/provider/llm"
	"github.com/twelevegg/callcopilot/pkg/types"
)

func TestNew_MissingAPIKey(t *testing.T) {
	_, err := New("", "gpt-4o")
	if err == nil {
		t.Fatal("expected error for empty API key")
	}
}

func TestNew_MissingModel(t *testing.T) {
	_, err := New("sk-test", "")
	if err == nil {
		t.Fatal("expected error for empty model")
	}
}

func TestNew_Options(t *testing.T) {
	_, err := New("sk-test", "gpt-4o",
		WithBaseURL("https://custom.example.com"),
		WithOrganization("org-123"),
	)
	if err != nil {
		t.Fatalf("unexpected error with valid options: %v", err)
	}
}

// newFakeCompletionServer serves one canned chat-completions response and
// captures the request body for assertions.
func newFakeCompletionServer(t *testing.T, finishReason string, captured *map[string]any) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, err := io.ReadAll(r.Body)
		if err != nil {
			t.Errorf("read request body: %v", err)
		}
		var req map[string]any
		if err := json.Unmarshal(body, &req); err != nil {
			t.Errorf("unmarshal request body: %v", err)
		}
		*captured = req

		w.Header().Set("Content-Type", "application/json")
		resp := map[string]any{
			"id":      "chatcmpl-test",
			"object":  "chat.completion",
			"model":   "gpt-4o-mini",
			"choices": []map[string]any{{
				"index":         0,
				"message":       map[string]any{"role": "assistant", "content": `{"ok": true}`},
				"finish_reason": finishReason,
			}},
			"usage": map[string]any{"prompt_tokens": 12, "completion_tokens": 5, "total_tokens": 17},
		}
		if err := json.NewEncoder(w).Encode(resp); err != nil {
			t.Errorf("encode response: %v", err)
		}
	}))
}

func TestComplete_JSONModeAndFinishReason(t *testing.T) {
	var captured map[string]any
	srv := newFakeCompletionServer(t, "stop", &captured)
	defer srv.Close()

	p, err := New("sk-test", "gpt-4o-mini", WithBaseURL(srv.URL))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	resp, err := p.Complete(t.Context(), completionRequest())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.Content != `{"ok": true}` {
		t.Fatalf("content = %q", resp.Content)
	}
	if resp.FinishReason != "stop" {
		t.Fatalf("finish_reason = %q, want stop", resp.FinishReason)
	}
	if resp.Usage.TotalTokens != 17 {
		t.Fatalf("total tokens = %d, want 17", resp.Usage.TotalTokens)
	}

	rf, ok := captured["response_format"].(map[string]any)
	if !ok || rf["type"] != "json_object" {
		t.Fatalf("expected response_format json_object in request, got %v", captured["response_format"])
	}
	msgs, ok := captured["messages"].([]any)
	if !ok || len(msgs) != 2 {
		t.Fatalf("expected system+user messages in request, got %v", captured["messages"])
	}
	first, _ := msgs[0].(map[string]any)
	if first["role"] != "system" {
		t.Fatalf("expected first message role system, got %v", first["role"])
	}
}

func TestComplete_SurfacesLengthFinishReason(t *testing.T) {
	var captured map[string]any
	srv := newFakeCompletionServer(t, "length", &captured)
	defer srv.Close()

	p, err := New("sk-test", "gpt-4o-mini", WithBaseURL(srv.URL))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	resp, err := p.Complete(t.Context(), completionRequest())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.FinishReason != "length" {
		t.Fatalf("finish_reason = %q, want length", resp.FinishReason)
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

func TestModelCapabilities(t *testing.T) {
	tests := []struct {
		model       string
		wantContext int
	}{
		{"gpt-4o-mini", 128_000},
		{"gpt-4o", 128_000},
		{"gpt-4", 8_192},
		{"gpt-3.5-turbo", 16_385},
		{"o3-mini", 200_000},
		{"my-custom-model", 128_000},
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

func TestCountTokens_Estimation(t *testing.T) {
	p := &Provider{model: "gpt-4o"}
	count, err := p.CountTokens([]types.Message{{Role: "user", Content: "Hello world"}})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if count <= 0 {
		t.Errorf("expected positive token count, got %d", count)
	}
}

func TestConvertMessage_UnknownRoleDegradesToUser(t *testing.T) {
	param := convertMessage(types.Message{Role: "narrator", Content: "test"})
	if param.OfUser == nil {
		t.Fatal("expected unknown role to degrade to a user message")
	}
}
