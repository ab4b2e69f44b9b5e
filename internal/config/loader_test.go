package config_test

import (
	"strings"
	"testing"

	"github.com/twelevegg/callcopilot/internal/config"
)

func TestValidate_RequiresLLMAndPostgres(t *testing.T) {
	t.Parallel()
	_, err := config.LoadFromReader(strings.NewReader("{}"))
	if err == nil {
		t.Fatal("expected error for missing providers.llm and retrieval.postgres_dsn, got nil")
	}
	errStr := err.Error()
	if !strings.Contains(errStr, "providers.llm") {
		t.Errorf("error should mention providers.llm, got: %v", err)
	}
	if !strings.Contains(errStr, "postgres_dsn") {
		t.Errorf("error should mention postgres_dsn, got: %v", err)
	}
}

func TestValidate_MinimalValidConfig(t *testing.T) {
	t.Parallel()
	yaml := `
providers:
  llm:
    name: openai
retrieval:
  postgres_dsn: "postgres://localhost/test"
  embedding_dimensions: 1536
`
	_, err := config.LoadFromReader(strings.NewReader(yaml))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestValidate_UnknownFieldRejected(t *testing.T) {
	t.Parallel()
	yaml := `
providers:
  llm:
    name: openai
    unknown_field: true
retrieval:
  postgres_dsn: "postgres://localhost/test"
`
	_, err := config.LoadFromReader(strings.NewReader(yaml))
	if err == nil {
		t.Fatal("expected decode error for unknown field, got nil")
	}
}

func TestValidProviderNames(t *testing.T) {
	t.Parallel()
	if len(config.ValidProviderNames) == 0 {
		t.Fatal("ValidProviderNames should not be empty")
	}
	llmNames := config.ValidProviderNames["llm"]
	if len(llmNames) == 0 {
		t.Fatal("ValidProviderNames[\"llm\"] should not be empty")
	}
	found := false
	for _, n := range llmNames {
		if n == "openai" {
			found = true
			break
		}
	}
	if !found {
		t.Error("ValidProviderNames[\"llm\"] should contain \"openai\"")
	}
}
