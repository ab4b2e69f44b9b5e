// Package analyzer implements the End-of-Call Analyzer (spec §4.10): a
// single structured-output LLM call over the full transcript, producing the
// Analysis Result schema, then posting the complete end-of-call payload to
// the Persistence Client. Failures are logged only and never retried —
// by the time this runs the live session has already ended.
package analyzer

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"strings"

	"github.com/twelevegg/callcopilot/internal/jsonllm"
	"github.com/twelevegg/callcopilot/internal/persistence"
	"github.com/twelevegg/callcopilot/internal/session"
	"github.com/twelevegg/callcopilot/pkg/provider/llm"
	"github.com/twelevegg/callcopilot/pkg/types"
)

// billsecRatio is the business convention from spec §4.10 and §9 Open
// Question (ii): billsec = 0.7 × duration. A business placeholder, kept
// as-is; see DESIGN.md.
const billsecRatio = 0.7

const systemPreamble = `You analyze a completed contact-center call transcript. Produce a concise
summary and scored assessment of the interaction for quality and billing
purposes. Never fabricate details not present in the transcript.`

const schemaHint = `{"summary_text": "string", "estimated_cost": "integer", "ces_score": "number 1-5", "csat_score": "number 1-5", "rps_score": "number 0-10", "keyword": ["string"], "violence_count": "integer"}`

// Analyzer runs the end-of-call analysis and upload.
type Analyzer struct {
	llm     *jsonllm.Client
	persist *persistence.Client
}

// New creates an Analyzer backed by provider for the structured-output call
// and client for the final upload.
func New(provider llm.Provider, client *persistence.Client) *Analyzer {
	return &Analyzer{
		llm:     jsonllm.New(provider),
		persist: client,
	}
}

// Run analyzes snap's full transcript and uploads the result. It is intended
// to be launched as a detached background task from the ingress once a call
// ends (spec §4.1, §9 Open Question iii — callers MUST guard against
// double-scheduling via [session.Store.MarkAnalysisScheduled] before calling
// Run). Errors are logged internally; Run never returns one to keep callers
// from accidentally wiring it into a path that could affect the live call.
func (a *Analyzer) Run(ctx context.Context, snap session.Session) {
	result, err := a.analyze(ctx, snap)
	if err != nil {
		slog.Error("analyzer: structured analysis failed", "call_id", snap.CallID, "err", err)
		return
	}

	duration := snap.EndTime.Sub(snap.StartTime).Seconds()
	if duration < 0 {
		duration = 0
	}
	billsec := math.Round(duration * billsecRatio)

	payload := persistence.EndOfCallPayload{
		Transcripts:    transcriptEntries(snap.History),
		SummaryText:    result.SummaryText,
		EstimatedCost:  result.EstimatedCost,
		CESScore:       result.CESScore,
		CSATScore:      result.CSATScore,
		RPSScore:       result.RPSScore,
		Keywords:       result.Keywords,
		ViolenceCount:  result.ViolenceCount,
		CustomerNumber: snap.CustomerInfo.Phone,
		MemberID:       snap.Operator.MemberID,
		TenantName:     snap.Operator.TenantName,
		StartTime:      snap.StartTime,
		EndTime:        snap.EndTime,
		DurationSec:    duration,
		BillsecSec:     billsec,
	}

	a.persist.UploadAndLog(ctx, snap.CallID, payload)
}

func (a *Analyzer) analyze(ctx context.Context, snap session.Session) (types.AnalysisResult, error) {
	transcript := formatTranscript(snap.History)

	raw, err := a.llm.Generate(ctx, jsonllm.Request{
		SystemPrompt: systemPreamble,
		Messages: []types.Message{{
			Role:    "user",
			Content: fmt.Sprintf("Transcript:\n%s\n\nProduce the analysis JSON now.", transcript),
		}},
		Temperature: 0,
		MaxTokens:   1024,
		SchemaHint:  schemaHint,
	})
	if err != nil {
		return types.AnalysisResult{}, fmt.Errorf("analyzer: generate: %w", err)
	}

	return types.AnalysisResult{
		SummaryText:   stringField(raw, "summary_text"),
		EstimatedCost: intField(raw, "estimated_cost"),
		CESScore:      floatField(raw, "ces_score"),
		CSATScore:     floatField(raw, "csat_score"),
		RPSScore:      floatField(raw, "rps_score"),
		Keywords:      stringSliceField(raw, "keyword"),
		ViolenceCount: intField(raw, "violence_count"),
	}, nil
}

func formatTranscript(history []types.HistoryEntry) string {
	var b strings.Builder
	for _, h := range history {
		fmt.Fprintf(&b, "[%d] %s: %s\n", h.TurnID, h.Speaker, h.Transcript)
	}
	return b.String()
}

func transcriptEntries(history []types.HistoryEntry) []persistence.TranscriptEntry {
	out := make([]persistence.TranscriptEntry, len(history))
	for i, h := range history {
		out[i] = persistence.TranscriptEntry{
			TurnID:     h.TurnID,
			Speaker:    string(h.Speaker),
			Transcript: h.Transcript,
		}
	}
	return out
}

func stringField(m map[string]any, key string) string {
	if v, ok := m[key].(string); ok {
		return v
	}
	return ""
}

func floatField(m map[string]any, key string) float64 {
	if v, ok := m[key].(float64); ok {
		return v
	}
	return 0
}

func intField(m map[string]any, key string) int {
	return int(floatField(m, key))
}

func stringSliceField(m map[string]any, key string) []string {
	v, ok := m[key].([]any)
	if !ok {
		return nil
	}
	out := make([]string, 0, len(v))
	for _, item := range v {
		if s, ok := item.(string); ok {
			out = append(out, s)
		}
	}
	return out
}
