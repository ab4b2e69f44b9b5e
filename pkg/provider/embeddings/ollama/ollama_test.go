package ollama_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/twelevegg/callcopilot/pkg/provider/embeddings/ollama"
)

// fakeOllama serves /api/embed, echoing one fixed-dimension vector per input
// and recording the model name it was asked for.
func fakeOllama(t *testing.T, dims int, gotModel *string) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/embed" || r.Method != http.MethodPost {
			t.Errorf("unexpected request: %s %s", r.Method, r.URL.Path)
			http.Error(w, "not found", http.StatusNotFound)
			return
		}
		var req struct {
			Model string   `json:"model"`
			Input []string `json:"input"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decode request: %v", err)
			http.Error(w, "bad request", http.StatusBadRequest)
			return
		}
		if gotModel != nil {
			*gotModel = req.Model
		}
		vecs := make([][]float32, len(req.Input))
		for i := range vecs {
			vec := make([]float32, dims)
			vec[0] = float32(i + 1)
			vecs[i] = vec
		}
		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(map[string]any{"model": req.Model, "embeddings": vecs}); err != nil {
			t.Errorf("encode response: %v", err)
		}
	}))
}

func TestNew_EmptyModel(t *testing.T) {
	if _, err := ollama.New("", ""); err == nil {
		t.Fatal("expected error for empty model")
	}
}

func TestEmbed_SingleText(t *testing.T) {
	var gotModel string
	srv := fakeOllama(t, 8, &gotModel)
	defer srv.Close()

	p, err := ollama.New(srv.URL, "nomic-embed-text")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	vec, err := p.Embed(context.Background(), "요금제 해지 위약금")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(vec) != 8 {
		t.Fatalf("vector length = %d, want 8", len(vec))
	}
	if gotModel != "nomic-embed-text" {
		t.Fatalf("model sent = %q", gotModel)
	}
}

func TestEmbedBatch_OrderAndLength(t *testing.T) {
	srv := fakeOllama(t, 4, nil)
	defer srv.Close()

	p, err := ollama.New(srv.URL, "all-minilm")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	vecs, err := p.EmbedBatch(context.Background(), []string{"a", "b", "c"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(vecs) != 3 {
		t.Fatalf("got %d vectors, want 3", len(vecs))
	}
	for i, v := range vecs {
		if v[0] != float32(i+1) {
			t.Fatalf("vector %d out of order: first component %v", i, v[0])
		}
	}
}

func TestEmbedBatch_EmptyInputSkipsRequest(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Error("no request expected for empty batch")
	}))
	defer srv.Close()

	p, err := ollama.New(srv.URL, "nomic-embed-text")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	vecs, err := p.EmbedBatch(context.Background(), nil)
	if err != nil || vecs != nil {
		t.Fatalf("empty batch: got (%v, %v), want (nil, nil)", vecs, err)
	}
}

func TestDimensions(t *testing.T) {
	t.Run("known model table", func(t *testing.T) {
		tests := map[string]int{
			"nomic-embed-text":  768,
			"mxbai-embed-large": 1024,
			"all-minilm":        384,
		}
		for model, want := range tests {
			p, err := ollama.New("http://unused", model)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got := p.Dimensions(); got != want {
				t.Errorf("%s: dimensions = %d, want %d", model, got, want)
			}
		}
	})

	t.Run("explicit option wins", func(t *testing.T) {
		p, err := ollama.New("http://unused", "nomic-embed-text", ollama.WithDimensions(256))
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if got := p.Dimensions(); got != 256 {
			t.Fatalf("dimensions = %d, want 256", got)
		}
	})

	t.Run("unknown model probes the server once", func(t *testing.T) {
		srv := fakeOllama(t, 123, nil)
		defer srv.Close()

		p, err := ollama.New(srv.URL, "some-custom-model")
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if got := p.Dimensions(); got != 123 {
			t.Fatalf("probed dimensions = %d, want 123", got)
		}
	})
}

func TestModelID(t *testing.T) {
	p, err := ollama.New("", "mxbai-embed-large")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if p.ModelID() != "mxbai-embed-large" {
		t.Fatalf("ModelID = %q", p.ModelID())
	}
}

func TestEmbed_ServerErrors(t *testing.T) {
	t.Run("http error status", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, "boom", http.StatusInternalServerError)
		}))
		defer srv.Close()

		p, _ := ollama.New(srv.URL, "nomic-embed-text")
		if _, err := p.Embed(context.Background(), "x"); err == nil {
			t.Fatal("expected error for 500 response")
		}
	})

	t.Run("malformed body", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			_, _ = w.Write([]byte("{not json"))
		}))
		defer srv.Close()

		p, _ := ollama.New(srv.URL, "nomic-embed-text")
		if _, err := p.Embed(context.Background(), "x"); err == nil {
			t.Fatal("expected error for malformed body")
		}
	})

	t.Run("context cancelled", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			time.Sleep(200 * time.Millisecond)
		}))
		defer srv.Close()

		p, _ := ollama.New(srv.URL, "nomic-embed-text")
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
		defer cancel()
		if _, err := p.Embed(ctx, "x"); err == nil {
			t.Fatal("expected error for cancelled context")
		}
	})
}
