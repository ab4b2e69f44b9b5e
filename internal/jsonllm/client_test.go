package jsonllm

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/twelevegg/callcopilot/pkg/provider/llm"
	llmmock "github.com/twelevegg/callcopilot/pkg/provider/llm/mock"
)

func TestGenerate_DirectParse(t *testing.T) {
	mock := &llmmock.Provider{
		CompleteResponse: &llm.CompletionResponse{Content: `{"intent":"marketing","sentiment":"positive"}`},
	}
	c := New(mock)

	obj, err := c.Generate(context.Background(), Request{Messages: nil})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if obj["intent"] != "marketing" {
		t.Fatalf("intent = %v, want marketing", obj["intent"])
	}
	if len(mock.CompleteCalls) != 1 {
		t.Fatalf("expected 1 completion call, got %d", len(mock.CompleteCalls))
	}
	if !mock.CompleteCalls[0].Req.JSONMode {
		t.Fatal("expected JSONMode to be requested")
	}
}

func TestGenerate_MarkdownFenced(t *testing.T) {
	mock := &llmmock.Provider{
		CompleteResponse: &llm.CompletionResponse{Content: "```json\n{\"ok\":true}\n```"},
	}
	c := New(mock)

	obj, err := c.Generate(context.Background(), Request{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if obj["ok"] != true {
		t.Fatalf("ok = %v, want true", obj["ok"])
	}
}

func TestGenerate_SubstringExtraction(t *testing.T) {
	mock := &llmmock.Provider{
		CompleteResponse: &llm.CompletionResponse{Content: `Sure, here you go: {"answer":"42"} hope that helps!`},
	}
	c := New(mock)

	obj, err := c.Generate(context.Background(), Request{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if obj["answer"] != "42" {
		t.Fatalf("answer = %v, want 42", obj["answer"])
	}
}

func TestGenerate_LengthFinishReasonRetriesOnceCompact(t *testing.T) {
	mock := &llmmock.Provider{
		CompleteFunc: func(req llm.CompletionRequest, callIndex int) (*llm.CompletionResponse, error) {
			if callIndex == 0 {
				return &llm.CompletionResponse{Content: `{"answer":"truncat`, FinishReason: llm.FinishReasonLength}, nil
			}
			return &llm.CompletionResponse{Content: `{"answer":"short"}`, FinishReason: "stop"}, nil
		},
	}
	c := New(mock)

	obj, err := c.Generate(context.Background(), Request{MaxTokens: 512})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if obj["answer"] != "short" {
		t.Fatalf("answer = %v, want short", obj["answer"])
	}
	if len(mock.CompleteCalls) != 2 {
		t.Fatalf("expected exactly one retry (2 calls), got %d", len(mock.CompleteCalls))
	}
	retry := mock.CompleteCalls[1].Req
	if retry.MaxTokens != 1024 {
		t.Fatalf("retry MaxTokens = %d, want doubled 1024", retry.MaxTokens)
	}
	if !strings.Contains(retry.SystemPrompt, "truncated") {
		t.Fatal("retry system prompt should carry the compact-the-output instruction")
	}
}

func TestGenerate_RepairPathUsedOnGarbage(t *testing.T) {
	main := &llmmock.Provider{
		CompleteResponse: &llm.CompletionResponse{Content: "not json at all, sorry"},
	}
	repairer := &llmmock.Provider{
		CompleteResponse: &llm.CompletionResponse{Content: `{"recovered":true}`},
	}
	c := New(main, WithRepairProvider(repairer))

	obj, err := c.Generate(context.Background(), Request{SchemaHint: "a JSON object with field recovered"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if obj["recovered"] != true {
		t.Fatalf("recovered = %v, want true", obj["recovered"])
	}
	if len(repairer.CompleteCalls) != 1 {
		t.Fatalf("expected exactly one repair call, got %d", len(repairer.CompleteCalls))
	}
}

func TestGenerate_UnrepairableGivesUpAfterOneRepairAttempt(t *testing.T) {
	main := &llmmock.Provider{
		CompleteResponse: &llm.CompletionResponse{Content: "still not json"},
	}
	repairer := &llmmock.Provider{
		CompleteResponse: &llm.CompletionResponse{Content: "nope, still garbage"},
	}
	c := New(main, WithRepairProvider(repairer))

	_, err := c.Generate(context.Background(), Request{})
	if !errors.Is(err, ErrUnrepairable) {
		t.Fatalf("err = %v, want ErrUnrepairable", err)
	}
	if len(repairer.CompleteCalls) != 1 {
		t.Fatalf("expected exactly one repair attempt, got %d", len(repairer.CompleteCalls))
	}
}
