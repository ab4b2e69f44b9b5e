package openai

import "testing"

func TestNew_MissingAPIKey(t *testing.T) {
	if _, err := New("", "text-embedding-3-small"); err == nil {
		t.Fatal("expected error for empty API key")
	}
}

func TestNew_DefaultModel(t *testing.T) {
	p, err := New("sk-test", "")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if p.ModelID() != DefaultModel {
		t.Fatalf("default model = %s, want %s", p.ModelID(), DefaultModel)
	}
}

func TestNew_Options(t *testing.T) {
	_, err := New("sk-test", "text-embedding-3-small",
		WithBaseURL("https://custom.example.com"),
		WithOrganization("org-123"),
	)
	if err != nil {
		t.Fatalf("unexpected error with valid options: %v", err)
	}
}

func TestDimensions(t *testing.T) {
	tests := []struct {
		model string
		want  int
	}{
		{"text-embedding-3-small", 1536},
		{"text-embedding-3-large", 3072},
		{"text-embedding-ada-002", 1536},
		{"some-future-model", 1536},
	}
	for _, tt := range tests {
		t.Run(tt.model, func(t *testing.T) {
			p := &Provider{model: tt.model}
			if got := p.Dimensions(); got != tt.want {
				t.Errorf("Dimensions() = %d, want %d", got, tt.want)
			}
		})
	}
}

func TestModelID_ReturnsModelVerbatim(t *testing.T) {
	p := &Provider{model: "my-custom-embeddings-model"}
	if got := p.ModelID(); got != "my-custom-embeddings-model" {
		t.Fatalf("ModelID() = %q", got)
	}
}

func TestFloat64ToFloat32(t *testing.T) {
	in := []float64{1.0, 2.5, -0.5}
	out := float64ToFloat32(in)
	if len(out) != len(in) {
		t.Fatalf("expected %d elements, got %d", len(in), len(out))
	}
	for i := range out {
		if out[i] != float32(in[i]) {
			t.Errorf("index %d: got %v, want %v", i, out[i], float32(in[i]))
		}
	}
}
