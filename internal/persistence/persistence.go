// Package persistence implements the Persistence Client (spec §4.11): a
// thin HTTP JSON adapter that uploads the end-of-call payload produced by
// the End-of-Call Analyzer. Failures are swallowed and logged; a failed
// upload never reopens or retries against the live session, which has
// already ended.
package persistence

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/twelevegg/callcopilot/internal/resilience"
)

// defaultTimeout is the persistence-upload timeout bound from spec §4.11.
const defaultTimeout = 10 * time.Second

// TranscriptEntry mirrors one history record in the upload payload.
type TranscriptEntry struct {
	TurnID     int    `json:"turn_id"`
	Speaker    string `json:"speaker"`
	Transcript string `json:"transcript"`
}

// EndOfCallPayload is the full body posted to the Persistence Client (spec
// §6, "End-of-call upload").
type EndOfCallPayload struct {
	Transcripts    []TranscriptEntry `json:"transcripts"`
	SummaryText    string            `json:"summary_text"`
	EstimatedCost  int               `json:"estimated_cost"`
	CESScore       float64           `json:"ces_score"`
	CSATScore      float64           `json:"csat_score"`
	RPSScore       float64           `json:"rps_score"`
	Keywords       []string          `json:"keyword"`
	ViolenceCount  int               `json:"violence_count"`
	CustomerNumber string            `json:"customer_number"`
	MemberID       int               `json:"member_id"`
	TenantName     string            `json:"tenant_name"`
	StartTime      time.Time         `json:"start_time"`
	EndTime        time.Time         `json:"end_time"`
	DurationSec    float64           `json:"duration"`
	BillsecSec     float64           `json:"billsec"`
}

// Client uploads end-of-call analysis results to the external system of
// record.
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
	breaker    *resilience.CircuitBreaker
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient overrides the default *http.Client (useful in tests).
func WithHTTPClient(h *http.Client) Option {
	return func(c *Client) { c.httpClient = h }
}

// WithCircuitBreaker wraps every upload in the given breaker.
func WithCircuitBreaker(b *resilience.CircuitBreaker) Option {
	return func(c *Client) { c.breaker = b }
}

// New creates a persistence Client. baseURL is the full POST endpoint; apiKey
// is sent as X-API-KEY.
func New(baseURL, apiKey string, opts ...Option) *Client {
	c := &Client{
		baseURL:    baseURL,
		apiKey:     apiKey,
		httpClient: &http.Client{Timeout: defaultTimeout},
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Upload posts payload to the configured endpoint. Returns an error on any
// transport or non-2xx failure; callers in the analyzer path must log and
// swallow it rather than propagate it to the (already-ended) live session.
func (c *Client) Upload(ctx context.Context, payload EndOfCallPayload) error {
	ctx, cancel := context.WithTimeout(ctx, defaultTimeout)
	defer cancel()

	send := func() error {
		body, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("persistence: encode payload: %w", err)
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL, bytes.NewReader(body))
		if err != nil {
			return fmt.Errorf("persistence: build request: %w", err)
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("X-API-KEY", c.apiKey)

		resp, err := c.httpClient.Do(req)
		if err != nil {
			return fmt.Errorf("persistence: request: %w", err)
		}
		defer resp.Body.Close()

		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			return fmt.Errorf("persistence: unexpected status %d", resp.StatusCode)
		}
		return nil
	}

	if c.breaker != nil {
		return c.breaker.Execute(send)
	}
	return send()
}

// UploadAndLog uploads payload, logging and swallowing any failure so the
// caller never propagates an upload error back into the call lifecycle
// (spec §4.11, §7 "End-of-call analysis failure").
func (c *Client) UploadAndLog(ctx context.Context, callID string, payload EndOfCallPayload) {
	if err := c.Upload(ctx, payload); err != nil {
		slog.Error("persistence: upload failed", "call_id", callID, "err", err)
	}
}
