package persistence_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/twelevegg/callcopilot/internal/persistence"
)

func TestUpload_SendsExpectedPayload(t *testing.T) {
	var received persistence.EndOfCallPayload
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("X-API-KEY") != "secret" {
			t.Errorf("missing X-API-KEY header")
		}
		if err := json.NewDecoder(r.Body).Decode(&received); err != nil {
			t.Errorf("decode body: %v", err)
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c := persistence.New(srv.URL, "secret")
	start := time.Now().Add(-2 * time.Minute)
	end := time.Now()
	payload := persistence.EndOfCallPayload{
		Transcripts: []persistence.TranscriptEntry{
			{TurnID: 1, Speaker: "customer", Transcript: "안녕하세요"},
		},
		SummaryText: "resolved billing inquiry",
		StartTime:   start,
		EndTime:     end,
		DurationSec: 120,
		BillsecSec:  84,
	}

	if err := c.Upload(context.Background(), payload); err != nil {
		t.Fatal(err)
	}
	if received.SummaryText != "resolved billing inquiry" {
		t.Fatalf("unexpected payload received: %+v", received)
	}
	if len(received.Transcripts) != 1 {
		t.Fatalf("expected 1 transcript entry, got %d", len(received.Transcripts))
	}
}

func TestUploadAndLog_SwallowsTransportError(t *testing.T) {
	c := persistence.New("http://127.0.0.1:0", "secret")
	// Should not panic even though the endpoint is unreachable.
	c.UploadAndLog(context.Background(), "call-1", persistence.EndOfCallPayload{})
}

func TestUpload_NonOKStatusIsError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	c := persistence.New(srv.URL, "secret")
	if err := c.Upload(context.Background(), persistence.EndOfCallPayload{}); err == nil {
		t.Fatal("expected an error for a 500 response")
	}
}
