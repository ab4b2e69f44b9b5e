// Package gatekeeper implements the tiered safety and intent pre-filter
// that guards the Marketing Pipeline's analyzer (spec §4.5): a Tier 0 regex
// pass, a Tier 1 heuristic pass, and a Tier 2 fast-LLM classifier, with
// fallback to the Tier 0/1 result on any LLM failure.
package gatekeeper

import (
	"context"
	"fmt"
	"regexp"
	"sync/atomic"
	"unicode/utf8"

	"github.com/twelevegg/callcopilot/internal/cache"
	"github.com/twelevegg/callcopilot/internal/jsonllm"
	"github.com/twelevegg/callcopilot/pkg/provider/llm"
	"github.com/twelevegg/callcopilot/pkg/types"
)

var (
	abusivePattern = regexp.MustCompile(`(?i)(씨발|개새끼|병신|fuck|asshole|idiot)`)

	sensitivePattern = regexp.MustCompile(`(?i)(죽고\s?싶|자살|death|사망|소송|변호사|경찰|police|lawsuit|병원|응급실|hospital|소보원|책임자\s?나와|규제기관|regulator)`)

	opportunityPattern = regexp.MustCompile(`(?i)(요금|가격|price|plan|요금제|해지|cancel|느려|느림|slow|속도)`)

	churnPattern = regexp.MustCompile(`(?i)(해지|해약|번호이동|옮기|탈퇴|cancel|churn)`)

	// Call-stage hint patterns. During identity verification or consent
	// recitals marketing is held back unless the customer explicitly asks
	// about plans or wants to leave.
	verificationPattern = regexp.MustCompile(`성함|본인\s?확인|명의|인증|주소지|연락주신\s?번호`)
	consentPattern      = regexp.MustCompile(`동의|녹취|개인\s?정보|위탁|약관`)
	closingStagePattern = regexp.MustCompile(`좋은\s?하루|행복한\s?하루|상담\s?종료|끊겠습니다`)
)

// Call stages hinted at by CallStage.
const (
	StageUnknown      = "unknown"
	StageVerification = "verification"
	StageConsent      = "consent"
	StageClosing      = "closing"
)

// CallStage returns a rule-based hint of where in the call script a turn
// falls: identity verification, consent recital, closing, or unknown. Later
// patterns win when a turn matches more than one, mirroring the original
// scripting order (verification → consent → closing).
func CallStage(turn string) string {
	stage := StageUnknown
	if verificationPattern.MatchString(turn) {
		stage = StageVerification
	}
	if consentPattern.MatchString(turn) {
		stage = StageConsent
	}
	if closingStagePattern.MatchString(turn) {
		stage = StageClosing
	}
	return stage
}

// ShortTurnThreshold is the default minimum rune count below which a turn
// with no opportunity keyword is skipped outright (spec §4.5 Tier 1).
const ShortTurnThreshold = 6

// Gatekeeper evaluates customer turns before they reach the Marketing
// analyzer.
type Gatekeeper struct {
	classifier *jsonllm.Client

	// shortTurnChars is atomic so SetShortTurnThreshold can retune the Tier 1
	// heuristic while turns are in flight.
	shortTurnChars atomic.Int64

	// decisions is the Semantic Cache (spec §3, §4.5): a normalized
	// utterance → prior Tier 2 decision LRU. Nil disables caching.
	decisions *cache.LRU
}

// Option configures a Gatekeeper.
type Option func(*Gatekeeper)

// WithShortTurnThreshold overrides the default Tier 1 short-input rune
// count.
func WithShortTurnThreshold(chars int) Option {
	return func(g *Gatekeeper) {
		g.SetShortTurnThreshold(chars)
	}
}

// WithDecisionCache enables the Semantic Cache for Tier 2 classifications.
func WithDecisionCache(c *cache.LRU) Option {
	return func(g *Gatekeeper) {
		g.decisions = c
	}
}

// New creates a Gatekeeper. fastLLM is the provider used for the Tier 2
// classifier (typically a smaller/cheaper model than the main LLM Client,
// reached through the same unified provider interface).
func New(fastLLM llm.Provider, opts ...Option) *Gatekeeper {
	g := &Gatekeeper{
		classifier: jsonllm.New(fastLLM),
	}
	g.shortTurnChars.Store(ShortTurnThreshold)
	for _, o := range opts {
		o(g)
	}
	return g
}

// SetShortTurnThreshold updates the Tier 1 short-input rune count. Safe to
// call while turns are in flight; non-positive values are ignored.
func (g *Gatekeeper) SetShortTurnThreshold(chars int) {
	if chars <= 0 {
		return
	}
	g.shortTurnChars.Store(int64(chars))
}

// Evaluate runs all three tiers against a customer turn and returns a
// decision. When ctx is already canceled or the Tier 2 LLM call fails, the
// Tier 0/1 result is returned instead (fail open to the cheaper tiers, never
// to an unfiltered pass-through).
func (g *Gatekeeper) Evaluate(ctx context.Context, turn string) (types.GatekeeperDecision, error) {
	tier01 := g.evaluateTier0And1(turn)
	if tier01.Blocked || tier01.Skip {
		return tier01, nil
	}

	key := cache.NormalizeKey(turn)
	if g.decisions != nil {
		if v, ok := g.decisions.Get(key); ok {
			if d, ok := v.(types.GatekeeperDecision); ok {
				return d, nil
			}
		}
	}

	decision, err := g.classify(ctx, turn)
	if err != nil {
		// Tier 2 failure: fall back to the Tier 0/1 verdict rather than
		// surfacing an error up to the caller.
		return tier01, nil
	}
	if g.decisions != nil {
		g.decisions.Set(key, decision)
	}
	return decision, nil
}

// evaluateTier0And1 runs the regex (Tier 0) and heuristic (Tier 1) passes.
func (g *Gatekeeper) evaluateTier0And1(turn string) types.GatekeeperDecision {
	if abusivePattern.MatchString(turn) {
		return types.GatekeeperDecision{Blocked: true, Reason: "abusive-language"}
	}
	if sensitivePattern.MatchString(turn) {
		return types.GatekeeperDecision{Blocked: true, Reason: "sensitive-topic"}
	}

	hasOpportunity := opportunityPattern.MatchString(turn)
	if utf8.RuneCountInString(turn) < int(g.shortTurnChars.Load()) && !hasOpportunity {
		return types.GatekeeperDecision{Skip: true, Reason: "short-turn-no-opportunity"}
	}

	// Hold marketing back during verification/consent stages unless the
	// customer signals churn or explicitly brings up plans or pricing.
	if stage := CallStage(turn); stage == StageVerification || stage == StageConsent {
		if !churnPattern.MatchString(turn) && !hasOpportunity {
			return types.GatekeeperDecision{Skip: true, Reason: "verification-consent-stage"}
		}
	}

	return types.GatekeeperDecision{MarketingOpportunity: hasOpportunity}
}

const classifierSchemaHint = `{"intent": "marketing|support|complaint|neutral|objection|question|alternative|churn", "sentiment": "string", "marketing_opportunity": "bool", "churn_reason": "price|quality|unknown", "objection_reason": "string", "reasoning": "string"}`

// classify runs the Tier 2 fast-LLM classifier, enumerating the spec's
// "sniper" rules in the system prompt: churn implies a retention
// opportunity, a fixable complaint implies an upsell opportunity, a
// just-resolved issue opens an offer window, an unfixable technical issue or
// a furious customer should be skipped, and an explicit inquiry is always an
// opportunity.
func (g *Gatekeeper) classify(ctx context.Context, turn string) (types.GatekeeperDecision, error) {
	system := `You are a customer-service intent classifier for a telecom contact center.
Classify the customer's latest turn and decide whether it opens a marketing
opportunity. Apply these rules:
- Signs of churn intent are a retention opportunity.
- A fixable complaint is an upsell opportunity.
- A turn right after an issue is resolved opens an offer window.
- An unfixable technical issue, or a furious customer, should be skipped (no opportunity).
- An explicit inquiry about prices, plans, or cancellation is always an opportunity.
Respond with a single JSON object matching this shape: ` + classifierSchemaHint

	raw, err := g.classifier.Generate(ctx, jsonllm.Request{
		SystemPrompt: system,
		Messages:     []types.Message{{Role: "user", Content: turn}},
		Temperature:  0,
		MaxTokens:    512,
		SchemaHint:   classifierSchemaHint,
	})
	if err != nil {
		return types.GatekeeperDecision{}, fmt.Errorf("gatekeeper: tier 2 classify: %w", err)
	}

	decision := types.GatekeeperDecision{
		Intent:          stringField(raw, "intent"),
		Sentiment:       stringField(raw, "sentiment"),
		ChurnReason:     stringField(raw, "churn_reason"),
		ObjectionReason: stringField(raw, "objection_reason"),
		Reasoning:       stringField(raw, "reasoning"),
	}
	if b, ok := raw["marketing_opportunity"].(bool); ok {
		decision.MarketingOpportunity = b
	}
	if decision.Intent == "churn" {
		decision.MarketingOpportunity = true
	}
	if decision.Sentiment == "furious" {
		decision.Skip = true
		decision.Reason = "furious-customer"
	}
	return decision, nil
}

func stringField(m map[string]any, key string) string {
	if v, ok := m[key].(string); ok {
		return v
	}
	return ""
}
