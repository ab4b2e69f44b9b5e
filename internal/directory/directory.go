// Package directory implements the Customer Directory Client (spec §4.11): a
// thin HTTP JSON adapter that resolves a phone number to a [types.CustomerProfile].
// Failures are swallowed and logged — the call proceeds with a placeholder
// profile rather than blocking on a directory outage.
package directory

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"github.com/twelevegg/callcopilot/internal/resilience"
	"github.com/twelevegg/callcopilot/pkg/types"
)

// defaultTimeout is the profile-fetch timeout bound from spec §4.11.
const defaultTimeout = 5 * time.Second

// ErrNotFound is returned when the directory has no record for the phone
// number (HTTP 404).
var ErrNotFound = fmt.Errorf("directory: customer not found")

// Client looks up customer profiles from the external directory service.
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

// WithCircuitBreaker wraps every lookup in the given breaker, so a directory
// outage trips quickly instead of stacking up 5s timeouts per call.
func WithCircuitBreaker(b *resilience.CircuitBreaker) Option {
	return func(c *Client) { c.breaker = b }
}

// New creates a directory Client. baseURL is the directory service's root
// (e.g. "https://directory.internal"); apiKey is sent as X-API-KEY on every
// request.
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

type directoryRecord struct {
	ID                      string   `json:"id"`
	Name                    string   `json:"name"`
	Phone                   string   `json:"phone"`
	Plan                    string   `json:"plan"`
	MonthlyFee              float64  `json:"monthlyFee"`
	ContractActive          bool     `json:"contractActive"`
	ContractRemainingMonths int      `json:"contractRemainingMonths"`
	DiscountActive          bool     `json:"discountActive"`
	AddOns                  []string `json:"addOns"`
	OverageCount            int      `json:"overageCount"`
	Region                  string   `json:"region"`
}

// Search resolves phoneNumber to a [types.CustomerProfile], deriving the
// Signals field from the directory record. Returns [ErrNotFound] on a 404.
// Callers in the ingress path should log-and-continue on any error rather
// than failing the call (spec §4.11).
func (c *Client) Search(ctx context.Context, phoneNumber string) (types.CustomerProfile, error) {
	ctx, cancel := context.WithTimeout(ctx, defaultTimeout)
	defer cancel()

	reqURL := fmt.Sprintf("%s/search?phoneNumber=%s", c.baseURL, url.QueryEscape(phoneNumber))

	var rec directoryRecord
	fetch := func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
		if err != nil {
			return fmt.Errorf("directory: build request: %w", err)
		}
		req.Header.Set("X-API-KEY", c.apiKey)

		resp, err := c.httpClient.Do(req)
		if err != nil {
			return fmt.Errorf("directory: request: %w", err)
		}
		defer resp.Body.Close()

		if resp.StatusCode == http.StatusNotFound {
			return ErrNotFound
		}
		if resp.StatusCode != http.StatusOK {
			return fmt.Errorf("directory: unexpected status %d", resp.StatusCode)
		}
		if err := json.NewDecoder(resp.Body).Decode(&rec); err != nil {
			return fmt.Errorf("directory: decode response: %w", err)
		}
		return nil
	}

	var err error
	if c.breaker != nil {
		err = c.breaker.Execute(fetch)
	} else {
		err = fetch()
	}
	if err != nil {
		return types.CustomerProfile{}, err
	}

	profile := types.CustomerProfile{
		ID:                      rec.ID,
		Name:                    rec.Name,
		Phone:                   rec.Phone,
		Plan:                    rec.Plan,
		MonthlyFee:              rec.MonthlyFee,
		ContractActive:          rec.ContractActive,
		ContractRemainingMonths: rec.ContractRemainingMonths,
		DiscountActive:          rec.DiscountActive,
		AddOns:                  rec.AddOns,
		OverageCount:            rec.OverageCount,
		Region:                  rec.Region,
	}
	profile.Signals = deriveSignals(profile)
	return profile, nil
}

// deriveSignals computes the short bias labels consumed by the Marketing
// Pipeline's retrieval category weights (spec §3, Customer Profile).
func deriveSignals(p types.CustomerProfile) []string {
	var signals []string
	if p.ContractActive && p.ContractRemainingMonths > 0 && p.ContractRemainingMonths <= 2 {
		signals = append(signals, "contract-expiry-soon")
	}
	if p.OverageCount > 0 {
		signals = append(signals, "recent-overage")
	}
	if !p.DiscountActive {
		signals = append(signals, "unused-discount")
	}
	return signals
}

// FetchAndLog resolves phoneNumber, logging and swallowing any error so the
// caller can fall back to a placeholder profile (spec §4.1: "asynchronously
// fetches the customer profile" — a failure here must never block the call).
func (c *Client) FetchAndLog(ctx context.Context, callID, phoneNumber string) (types.CustomerProfile, bool) {
	profile, err := c.Search(ctx, phoneNumber)
	if err != nil {
		slog.Warn("directory: profile fetch failed", "call_id", callID, "phone", phoneNumber, "err", err)
		return types.CustomerProfile{}, false
	}
	return profile, true
}
