// Package guidance implements the Guidance agent pipeline (spec §4.3): a
// three-node analyze → (conditionally) retrieve → generate state machine
// that produces operator-facing recommended answers and work guides.
package guidance

import (
	"context"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/twelevegg/callcopilot/internal/agent/orchestrator"
	"github.com/twelevegg/callcopilot/internal/jsonllm"
	"github.com/twelevegg/callcopilot/internal/pii"
	"github.com/twelevegg/callcopilot/internal/promptctx"
	"github.com/twelevegg/callcopilot/internal/retrieval"
	"github.com/twelevegg/callcopilot/internal/session"
	"github.com/twelevegg/callcopilot/pkg/provider/llm"
	"github.com/twelevegg/callcopilot/pkg/types"
)

// DefaultCategories is the search_filter applied when a customer turn is
// substantial enough to warrant retrieval.
var DefaultCategories = []string{"guideline", "terms", "principle"}

// Config tunes the Guidance pipeline's analyze and retrieve steps.
type Config struct {
	// Categories is the default search_filter used on every retrieve step.
	Categories []string

	// PerCategoryK is how many results to pull per category (spec default 2).
	PerCategoryK int

	// MinTurnChars is the Analyze step's "tiny threshold": customer turns
	// shorter than this are skipped outright.
	MinTurnChars int

	// HistoryWindow is how many recent turns feed the query and prompt
	// (spec default 5).
	HistoryWindow int
}

func defaultConfig() Config {
	return Config{
		Categories:    DefaultCategories,
		PerCategoryK:  2,
		MinTurnChars:  4,
		HistoryWindow: 5,
	}
}

// Pipeline is an orchestrator.Handler implementing the Guidance agent.
type Pipeline struct {
	store     *session.Store
	assembler *promptctx.Assembler
	llm       *jsonllm.Client
	cfg       Config
}

// Option configures a Pipeline.
type Option func(*Pipeline)

// WithConfig overrides the default thresholds and category set.
func WithConfig(cfg Config) Option {
	return func(p *Pipeline) { p.cfg = cfg }
}

// New creates a Guidance Pipeline.
func New(store *session.Store, searcher promptctx.Searcher, provider llm.Provider, opts ...Option) *Pipeline {
	p := &Pipeline{
		store:     store,
		assembler: promptctx.NewAssembler(searcher),
		llm:       jsonllm.New(provider),
		cfg:       defaultConfig(),
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

const systemPreamble = `You are the Guidance agent in a contact-center copilot. You observe a live customer call and draft a recommended answer and a short work guide for the human agent — you never speak directly to the customer.`

const guidanceSchemaHint = `{"recommended_answer": "string", "work_guide": "string"}`

// analyzeSystemPreamble frames the Analyze node's LLM call: deciding whether
// the current customer turn needs supporting material retrieved before
// answering, can be answered directly, or needs no response at all (spec
// §4.3).
const analyzeSystemPreamble = `You are the analyze step of the Guidance agent in a contact-center copilot. Decide whether the agent's next move needs supporting material retrieved first (retrieve), can be answered directly from the conversation so far (generate), or needs no response at all (skip). When retrieving, name only the categories worth searching.`

const analyzeSchemaHint = `{"next_step": "retrieve|generate|skip", "search_filter": ["guideline"|"terms"|"principle", ...], "reasoning": "string"}`

// HandleTurn implements orchestrator.Handler.
func (p *Pipeline) HandleTurn(ctx context.Context, turn types.Turn, callID string, firstTurnProfile any) (orchestrator.Result, error) {
	// Analyze: agent turns only extend the message log, never produce a result.
	if turn.Speaker == types.SpeakerAgent {
		p.store.UpdateGuidance(callID, func(g session.GuidanceState) session.GuidanceState {
			g.MessageLog = append(g.MessageLog, types.Message{Role: "assistant", Content: turn.Transcript})
			return g
		})
		return orchestrator.Result{AgentType: "guidance", NextStep: types.StepSkip}, nil
	}

	if utf8.RuneCountInString(strings.TrimSpace(turn.Transcript)) < p.cfg.MinTurnChars {
		return orchestrator.Result{AgentType: "guidance", NextStep: types.StepSkip}, nil
	}

	history := p.store.RecentHistory(callID, p.cfg.HistoryWindow)
	maskedTurns := maskHistory(history)

	snap := p.store.Snapshot(callID)
	var profile *types.CustomerProfile
	if snap.HasProfile {
		profile = &snap.CustomerInfo
	}

	nextStep, searchFilter := p.analyze(ctx, profile, maskedTurns)
	if nextStep == types.StepSkip {
		return orchestrator.Result{AgentType: "guidance", NextStep: types.StepSkip}, nil
	}

	var retrievedContext string
	if nextStep == types.StepRetrieve {
		query := retrieval.BuildQuery(transcriptsOf(maskedTurns))
		reqs := make([]promptctx.CategoryRequest, len(searchFilter))
		for i, cat := range searchFilter {
			reqs[i] = promptctx.CategoryRequest{Category: cat, K: p.cfg.PerCategoryK}
		}
		var err error
		retrievedContext, err = p.assembler.AssembleContext(ctx, query, reqs)
		if err != nil {
			return orchestrator.Result{}, fmt.Errorf("guidance: assemble context: %w", err)
		}
	}

	systemPrompt := promptctx.FormatSystemPrompt(systemPreamble, profile, retrievedContext, maskedTurns)
	messages := append(snap.Guidance.MessageLog, types.Message{
		Role:    "user",
		Content: "Produce the recommended_answer and work_guide JSON for the agent's current turn now.",
	})

	raw, err := p.llm.Generate(ctx, jsonllm.Request{
		SystemPrompt: systemPrompt,
		Messages:     messages,
		Temperature:  0.3,
		MaxTokens:    800,
		SchemaHint:   guidanceSchemaHint,
	})
	if err != nil {
		return orchestrator.Result{}, fmt.Errorf("guidance: generate: %w", err)
	}

	recommendedAnswer, _ := raw["recommended_answer"].(string)
	workGuide, _ := raw["work_guide"].(string)

	p.store.UpdateGuidance(callID, func(g session.GuidanceState) session.GuidanceState {
		g.MessageLog = append(g.MessageLog,
			types.Message{Role: "user", Content: turn.Transcript},
			types.Message{Role: "assistant", Content: recommendedAnswer},
		)
		return g
	})

	return orchestrator.Result{
		AgentType:         "guidance",
		NextStep:          types.StepGenerate,
		RecommendedAnswer: recommendedAnswer,
		WorkGuide:         workGuide,
	}, nil
}

// analyze runs the Analyze node: an LLM call over the masked recent turns
// deciding next_step and, when retrieving, which categories to search (spec
// §4.3). On LLM failure it skips outright, matching the original's
// exception-path behavior; on a response missing or misusing next_step it
// falls back to retrieve so a malformed classification still surfaces an
// answer rather than silently dropping the turn.
func (p *Pipeline) analyze(ctx context.Context, profile *types.CustomerProfile, turns []types.HistoryEntry) (types.NextStep, []string) {
	systemPrompt := promptctx.FormatSystemPrompt(analyzeSystemPreamble, profile, "", turns)

	raw, err := p.llm.Generate(ctx, jsonllm.Request{
		SystemPrompt: systemPrompt,
		Messages: []types.Message{{
			Role:    "user",
			Content: "Decide next_step and search_filter for the agent's current turn now.",
		}},
		Temperature: 0,
		MaxTokens:   256,
		SchemaHint:  analyzeSchemaHint,
	})
	if err != nil {
		return types.StepSkip, nil
	}

	step := types.NextStep(stringField(raw, "next_step"))
	switch step {
	case types.StepRetrieve, types.StepGenerate, types.StepSkip:
	default:
		step = types.StepRetrieve
	}

	filter := stringSliceField(raw, "search_filter")
	if step == types.StepRetrieve && len(filter) == 0 {
		filter = p.cfg.Categories
	}
	return step, filter
}

func stringField(m map[string]any, key string) string {
	v, _ := m[key].(string)
	return v
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

// maskHistory returns a copy of entries with PII masked out of each
// transcript, leaving the stored session history untouched.
func maskHistory(entries []types.HistoryEntry) []types.HistoryEntry {
	out := make([]types.HistoryEntry, len(entries))
	for i, e := range entries {
		e.Transcript = pii.Mask(e.Transcript)
		out[i] = e
	}
	return out
}

func transcriptsOf(entries []types.HistoryEntry) []string {
	out := make([]string, len(entries))
	for i, e := range entries {
		out[i] = e.Transcript
	}
	return out
}

var _ orchestrator.Handler = (*Pipeline)(nil)
