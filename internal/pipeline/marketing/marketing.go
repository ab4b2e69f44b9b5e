// Package marketing implements the Marketing agent pipeline (spec §4.4): a
// three-node analyze(deep) → (conditionally) retrieve → generate state
// machine carrying sticky conversational state (stage, current proposal,
// rejected proposals) across turns.
package marketing

import (
	"context"
	"fmt"
	"math"
	"regexp"
	"strings"
	"sync/atomic"
	"time"

	"github.com/antzucaro/matchr"

	"github.com/twelevegg/callcopilot/internal/agent/orchestrator"
	"github.com/twelevegg/callcopilot/internal/cache"
	"github.com/twelevegg/callcopilot/internal/catalog"
	"github.com/twelevegg/callcopilot/internal/gatekeeper"
	"github.com/twelevegg/callcopilot/internal/jsonllm"
	"github.com/twelevegg/callcopilot/internal/pii"
	"github.com/twelevegg/callcopilot/internal/promptctx"
	"github.com/twelevegg/callcopilot/internal/retrieval"
	"github.com/twelevegg/callcopilot/internal/session"
	"github.com/twelevegg/callcopilot/pkg/provider/llm"
	"github.com/twelevegg/callcopilot/pkg/types"
)

// defaultRejectedNameThreshold is the Jaro-Winkler cutoff above which a
// candidate product name is treated as a rejected-proposal duplicate.
const defaultRejectedNameThreshold = 0.92

// evidenceCategories is the default search_filter for the Retrieve step's
// document-evidence leg (document store categories, distinct from the
// product catalog).
var evidenceCategories = []string{"guideline", "terms", "principle"}

// categoryWeightsByType gives each marketing_type its own staged-search
// weighting over evidenceCategories, biasing toward terms/guideline evidence
// relevant to that pitch.
var categoryWeightsByType = map[types.MarketingType]map[string]float64{
	types.MarketingUpsell:           {"guideline": 1.2, "terms": 0.8, "principle": 1.0},
	types.MarketingRetention:        {"guideline": 1.0, "terms": 1.2, "principle": 1.0},
	types.MarketingRetentionPrice:   {"guideline": 1.0, "terms": 1.3, "principle": 0.8},
	types.MarketingCostOptimization: {"guideline": 0.8, "terms": 1.3, "principle": 1.0},
	types.MarketingAlternative:      {"guideline": 1.2, "terms": 1.0, "principle": 0.8},
	types.MarketingExplanation:      {"guideline": 1.0, "terms": 1.3, "principle": 1.2},
	types.MarketingHybrid:           {"guideline": 1.0, "terms": 1.0, "principle": 1.0},
}

// prefetchTriggerPattern flags a transcript chunk worth speculatively
// catalog-searching before the full analyze/transition pipeline has decided
// whether a marketing opportunity is actually open (spec Supplemented
// Features: "Speculative prefetch", grounded on `MarketingSession.prefetch`
// in the original).
var prefetchTriggerPattern = regexp.MustCompile(`(?i)(요금제|바꾸고\s?싶|해지|cancel|switch\s?plan|cheaper|upgrade|downgrade)`)

// alternativePattern matches phrases asking for a different option than
// whatever is currently on the table.
var alternativePattern = regexp.MustCompile(`(?i)(다른\s?(상품|옵션|거)|other options?|something else|alternative)`)

// priceSensitivePattern matches phrases signalling cost concern without
// necessarily being a churn threat.
var priceSensitivePattern = regexp.MustCompile(`(?i)(비싸|부담|너무\s?많이|expensive|too much|price)`)

// EvidenceSearcher is the subset of *retrieval.Client the Marketing pipeline
// needs, narrowed so callers can substitute a test double.
type EvidenceSearcher interface {
	StagedCategorySearch(ctx context.Context, req retrieval.StagedSearchRequest) ([]types.RetrievedItem, error)
}

var _ EvidenceSearcher = (*retrieval.Client)(nil)

// ProductSearcher is the subset of *catalog.Index the Marketing pipeline
// needs, narrowed so callers can substitute a test double.
type ProductSearcher interface {
	Search(ctx context.Context, query string, k int, kind string) ([]types.ProductCandidate, error)
}

var _ ProductSearcher = (*catalog.Index)(nil)

// Config tunes the Marketing pipeline's thresholds.
type Config struct {
	// HistoryWindow is how many recent turns feed the analyzer (spec default 6).
	HistoryWindow int

	// EvidencePerCategoryK bounds each evidence category's staged search.
	EvidencePerCategoryK int

	// MaxProductCandidates caps product_candidates kept per turn (spec: ≤4).
	MaxProductCandidates int

	// PrefetchTTL is how long a speculative prefetch result stays usable
	// (spec: "fresh (<=5s old)"); retrieve passes it to
	// session.Store.ConsumePrefetch before falling back to a catalog search.
	PrefetchTTL time.Duration
}

func defaultConfig() Config {
	return Config{
		HistoryWindow:        6,
		EvidencePerCategoryK: 2,
		MaxProductCandidates: 4,
		PrefetchTTL:          5 * time.Second,
	}
}

// Pipeline is an orchestrator.Handler implementing the Marketing agent.
type Pipeline struct {
	store     *session.Store
	gate      *gatekeeper.Gatekeeper
	retrieval EvidenceSearcher
	catalog   ProductSearcher
	llm       *jsonllm.Client
	cfg       Config

	// decisions is the Semantic Cache (spec §4.5/§3): a normalized-utterance
	// → prior deep-analyze decision LRU, so a repeated or near-duplicate
	// customer turn doesn't re-run the classifier. Nil disables caching.
	decisions *cache.LRU

	// rejectedNameThreshold holds the Jaro-Winkler cutoff as math.Float64bits
	// so SetRejectedNameThreshold can update it while turns are in flight.
	rejectedNameThreshold atomic.Uint64
}

// Option configures a Pipeline.
type Option func(*Pipeline)

// WithConfig overrides the default thresholds.
func WithConfig(cfg Config) Option {
	return func(p *Pipeline) { p.cfg = cfg }
}

// WithDecisionCache enables the Semantic Cache for deep-analyze decisions.
func WithDecisionCache(c *cache.LRU) Option {
	return func(p *Pipeline) { p.decisions = c }
}

// WithPrefetchTTL overrides how long a speculative prefetch result stays
// usable (spec default 5s), without disturbing the rest of the Config.
func WithPrefetchTTL(ttl time.Duration) Option {
	return func(p *Pipeline) { p.cfg.PrefetchTTL = ttl }
}

// WithRejectedNameThreshold overrides the Jaro-Winkler similarity above which
// a product candidate counts as a rejected-proposal duplicate.
func WithRejectedNameThreshold(t float64) Option {
	return func(p *Pipeline) { p.SetRejectedNameThreshold(t) }
}

// New creates a Marketing Pipeline.
func New(store *session.Store, gate *gatekeeper.Gatekeeper, retrievalClient EvidenceSearcher, catalogIdx ProductSearcher, provider llm.Provider, opts ...Option) *Pipeline {
	p := &Pipeline{
		store:     store,
		gate:      gate,
		retrieval: retrievalClient,
		catalog:   catalogIdx,
		llm:       jsonllm.New(provider),
		cfg:       defaultConfig(),
	}
	p.rejectedNameThreshold.Store(math.Float64bits(defaultRejectedNameThreshold))
	for _, o := range opts {
		o(p)
	}
	return p
}

// SetRejectedNameThreshold updates the rejected-proposal name-match cutoff.
// Safe to call while turns are in flight; values outside (0, 1] are ignored.
func (p *Pipeline) SetRejectedNameThreshold(t float64) {
	if t <= 0 || t > 1 {
		return
	}
	p.rejectedNameThreshold.Store(math.Float64bits(t))
}

func (p *Pipeline) rejectedThreshold() float64 {
	return math.Float64frombits(p.rejectedNameThreshold.Load())
}

// HandleTurn implements orchestrator.Handler.
func (p *Pipeline) HandleTurn(ctx context.Context, turn types.Turn, callID string, firstTurnProfile any) (orchestrator.Result, error) {
	if turn.Speaker != types.SpeakerCustomer {
		return orchestrator.Result{AgentType: "marketing", NextStep: types.StepSkip}, nil
	}

	go p.Prefetch(callID, turn.Transcript)

	decision, err := p.gate.Evaluate(ctx, turn.Transcript)
	if err != nil {
		return orchestrator.Result{}, fmt.Errorf("marketing: gatekeeper: %w", err)
	}
	if decision.Blocked || decision.Skip {
		reason := decision.Reason
		if reason == "" {
			reason = "gatekeeper-filtered"
		}
		return orchestrator.Result{
			AgentType: "marketing",
			NextStep:  types.StepSkip,
			Extras:    map[string]any{"reason": reason},
		}, nil
	}

	classification, err := p.classify(ctx, callID, turn.Transcript, decision)
	if err != nil {
		return orchestrator.Result{}, fmt.Errorf("marketing: analyze: %w", err)
	}

	snap := p.store.Snapshot(callID)
	tr := decideTransition(snap.Marketing.Stage, classification, len(snap.Marketing.CurrentProposal) > 0, turn.Transcript)

	if tr.skip {
		p.store.UpdateMarketing(callID, func(m session.MarketingState) session.MarketingState {
			m.Stage = tr.nextStage
			m.MarketingType = tr.nextType
			return m
		})
		return orchestrator.Result{AgentType: "marketing", NextStep: types.StepSkip}, nil
	}

	var evidence string
	var products []types.ProductCandidate
	if !tr.bypassRetrieve {
		evidence, products, err = p.retrieve(ctx, snap, tr.nextType, callID)
		if err != nil {
			return orchestrator.Result{}, fmt.Errorf("marketing: retrieve: %w", err)
		}
	} else {
		products = productsFromNames(snap.Marketing.CurrentProposal)
	}

	result, newState := p.generate(ctx, snap, tr, evidence, products)

	p.store.UpdateMarketing(callID, func(m session.MarketingState) session.MarketingState {
		m.Stage = tr.nextStage
		m.MarketingType = newState.MarketingType
		m.CurrentProposal = newState.CurrentProposal
		m.RejectedProposals = newState.RejectedProposals
		m.MessageLog = append(m.MessageLog,
			types.Message{Role: "user", Content: turn.Transcript},
			types.Message{Role: "assistant", Content: result.RecommendedAnswer},
		)
		return m
	})

	return result, nil
}

var _ orchestrator.Handler = (*Pipeline)(nil)

// Prefetch speculatively runs a catalog search over transcript and stashes
// the result on the session if it looks like a customer is weighing a plan
// change, so a retrieve within the next cfg.PrefetchTTL can reuse it
// instead of re-querying (spec Supplemented Features: "Speculative
// prefetch"). Called from HandleTurn as a detached background task — it
// never blocks or affects the turn's own result.
func (p *Pipeline) Prefetch(callID, transcript string) {
	if !prefetchTriggerPattern.MatchString(transcript) {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	products, err := p.catalog.Search(ctx, transcript, p.cfg.MaxProductCandidates*2, "")
	if err != nil || len(products) == 0 {
		return
	}
	p.store.UpdateMarketing(callID, func(m session.MarketingState) session.MarketingState {
		m.LastPrefetchAt = time.Now()
		m.PrefetchResult = products
		return m
	})
}

// marketingAnalyzeSystemPreamble frames the deep-analyze LLM call (node 1 of
// the pipeline) independent of the Gatekeeper's own Tier 2 classifier — the
// Gatekeeper decides whether a turn is safe/in-scope at all; this call
// decides what conversational move the customer is making.
const marketingAnalyzeSystemPreamble = `You are the deep-analyze step of the Marketing agent in a contact-center copilot. Classify the customer's latest turn for intent, sentiment, and whether it opens a marketing opportunity. You never speak directly to the customer.`

const marketingAnalyzeSchemaHint = `{"marketing_opportunity": "bool", "intent": "marketing|support|complaint|neutral|objection|question|alternative|churn", "sentiment": "string", "churn_reason": "price|quality|unknown", "objection_reason": "string", "reasoning": "string"}`

// classify runs the Analyze (Deep) node: a JSON-mode LLM call over the last
// ≤HistoryWindow turns plus the customer profile, consulting the Semantic
// Cache first. On LLM failure it falls back to the Gatekeeper's own
// decision rather than surfacing an error (spec §4.4's analyzer sits behind
// the Gatekeeper, which has already done a cheaper pass over the same turn).
func (p *Pipeline) classify(ctx context.Context, callID, transcript string, gate types.GatekeeperDecision) (types.GatekeeperDecision, error) {
	key := cache.NormalizeKey(transcript)
	if p.decisions != nil {
		if v, ok := p.decisions.Get(key); ok {
			if d, ok := v.(types.GatekeeperDecision); ok {
				return d, nil
			}
		}
	}

	snap := p.store.Snapshot(callID)
	history := maskHistory(lastN(snap.History, p.cfg.HistoryWindow))
	var profile *types.CustomerProfile
	if snap.HasProfile {
		profile = &snap.CustomerInfo
	}
	systemPrompt := promptctx.FormatSystemPrompt(marketingAnalyzeSystemPreamble, profile, "", history)

	raw, err := p.llm.Generate(ctx, jsonllm.Request{
		SystemPrompt: systemPrompt,
		Messages:     []types.Message{{Role: "user", Content: transcript}},
		Temperature:  0,
		MaxTokens:    512,
		SchemaHint:   marketingAnalyzeSchemaHint,
	})
	if err != nil {
		return gate, nil
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
	} else {
		decision.MarketingOpportunity = gate.MarketingOpportunity
	}

	if p.decisions != nil {
		p.decisions.Set(key, decision)
	}
	return decision, nil
}

// transition is the result of applying the spec §4.4 state-transition table
// to the current stage and the Analyze step's classification.
type transition struct {
	nextStage types.ConversationStage
	nextType  types.MarketingType

	// skip means no retrieve/generate should run this turn; only the stage
	// and marketing_type checkpoint update.
	skip bool

	// bypassRetrieve means generation should reuse the sticky
	// current_proposal without rerunning search (the "explanation" fast
	// path from spec §4.4 node 2).
	bypassRetrieve bool
}

// decideTransition implements the spec §4.4 state-transition table.
func decideTransition(stage types.ConversationStage, c types.GatekeeperDecision, hasProposal bool, transcript string) transition {
	alternative := c.Intent == "alternative" || alternativePattern.MatchString(transcript)
	priceObjection := c.Intent == "objection" && c.ObjectionReason == "price"
	objectionOrQuestion := c.Intent == "objection" || c.Intent == "question"
	acceptance := c.Intent == "marketing"

	switch stage {
	case types.StageProposing:
		switch {
		case alternative:
			return transition{nextStage: types.StageProposing, nextType: types.MarketingAlternative}
		case priceObjection:
			return transition{nextStage: types.StageProposing, nextType: types.MarketingCostOptimization}
		case objectionOrQuestion:
			return transition{nextStage: types.StageNegotiating, nextType: types.MarketingExplanation, bypassRetrieve: hasProposal}
		default:
			return transition{nextStage: stage, nextType: types.MarketingNone, skip: true}
		}

	case types.StageNegotiating:
		switch {
		case alternative:
			return transition{nextStage: types.StageProposing, nextType: types.MarketingAlternative}
		case acceptance:
			return transition{nextStage: types.StageClosing, nextType: types.MarketingHybrid}
		case objectionOrQuestion:
			return transition{nextStage: types.StageNegotiating, nextType: types.MarketingExplanation, bypassRetrieve: hasProposal}
		default:
			return transition{nextStage: stage, nextType: types.MarketingNone, skip: true}
		}

	case types.StageClosing:
		return transition{nextStage: types.StageClosing, nextType: types.MarketingHybrid, skip: true}

	default: // types.StageListening
		if !c.MarketingOpportunity {
			return transition{nextStage: types.StageListening, nextType: types.MarketingNone, skip: true}
		}
		switch {
		case c.Intent == "churn" && c.ChurnReason == "quality":
			return transition{nextStage: types.StageProposing, nextType: types.MarketingRetention}
		case c.Intent == "churn":
			return transition{nextStage: types.StageProposing, nextType: types.MarketingRetentionPrice}
		case priceSensitivePattern.MatchString(transcript):
			return transition{nextStage: types.StageProposing, nextType: types.MarketingCostOptimization}
		default:
			return transition{nextStage: types.StageProposing, nextType: types.MarketingUpsell}
		}
	}
}

// retrieve implements node 2: a staged category search over the document
// evidence categories plus a catalog search for product candidates, with
// rejection, price-constraint, and candidate-count bounds applied (spec
// §4.4).
func (p *Pipeline) retrieve(ctx context.Context, snap session.Session, mtype types.MarketingType, callID string) (string, []types.ProductCandidate, error) {
	history := maskHistory(lastN(snap.History, p.cfg.HistoryWindow))
	query := retrieval.BuildQuery(transcriptsOf(history))

	rejected := append([]string(nil), snap.Marketing.RejectedProposals...)
	if movesCurrentProposalToRejected(mtype) {
		rejected = append(rejected, snap.Marketing.CurrentProposal...)
	}

	evidenceItems, err := p.retrieval.StagedCategorySearch(ctx, retrieval.StagedSearchRequest{
		Query:           query,
		Categories:      evidenceCategories,
		PerCategoryK:    p.cfg.EvidencePerCategoryK,
		CategoryWeights: categoryWeightsByType[mtype],
		AlwaysInclude:   map[string]int{"terms": 2},
		TotalK:          8,
	})
	if err != nil {
		return "", nil, fmt.Errorf("evidence search: %w", err)
	}

	var products []types.ProductCandidate
	if cached, ok := p.store.ConsumePrefetch(callID, p.cfg.PrefetchTTL); ok {
		products, _ = cached.([]types.ProductCandidate)
	}
	if products == nil {
		products, err = p.catalog.Search(ctx, query, p.cfg.MaxProductCandidates*2, "")
		if err != nil {
			return "", nil, fmt.Errorf("catalog search: %w", err)
		}
	}
	products = excludeRejected(products, rejected, p.rejectedThreshold())
	products = applyPriceConstraint(products, priceCap(mtype, snap.CustomerInfo.MonthlyFee))
	if len(products) > p.cfg.MaxProductCandidates {
		products = products[:p.cfg.MaxProductCandidates]
	}

	return formatEvidence(evidenceItems), products, nil
}

// strategyPreambles keys each marketing_type to the generator's strategy
// preamble (spec §4.4 node 3, "strategy preamble keyed by marketing_type").
var strategyPreambles = map[types.MarketingType]string{
	types.MarketingUpsell:           "The customer shows an upsell opportunity. Recommend an upgrade that clearly improves their experience, framed around their stated need.",
	types.MarketingRetention:        "The customer is at risk of churning over a quality/service issue. Lead with a concrete fix, then a retention offer.",
	types.MarketingRetentionPrice:   "The customer is at risk of churning over price. Lead with a cost-relief offer (discount, bundle, or plan change) within 1.1x their current fee.",
	types.MarketingCostOptimization: "The customer is price-sensitive but not threatening to churn. Recommend a lower-cost plan that still fits their usage.",
	types.MarketingAlternative:      "The customer rejected the prior proposal and wants a different option. Propose a genuinely different alternative, never repeating a rejected product.",
	types.MarketingExplanation:      "The customer is objecting to or asking about the current proposal. Address their concern directly using the sticky proposal already on the table — do not introduce a new product.",
	types.MarketingHybrid:           "The customer is accepting the proposal. Confirm the details and next steps.",
	types.MarketingNone:             "No marketing opportunity is open. Respond with a brief, neutral acknowledgement.",
}

const marketingGenerateSchemaHint = `{"recommended_pitch": "string", "marketing_proposal": "string", "reasoning": "string", "marketing_type": "string"}`

// generate implements node 3. It also implements the two safety nets from
// spec §4.4: a neutral clarifying sentence when a pitch-requiring type has
// no candidates, and a rule-based Before-vs-After fallback when the LLM
// returns no marketing_proposal.
func (p *Pipeline) generate(ctx context.Context, snap session.Session, tr transition, evidence string, products []types.ProductCandidate) (orchestrator.Result, session.MarketingState) {
	var profile *types.CustomerProfile
	if snap.HasProfile {
		profile = &snap.CustomerInfo
	}
	history := maskHistory(lastN(snap.History, p.cfg.HistoryWindow))
	preamble := strategyPreambles[tr.nextType]
	context := strings.TrimSpace(evidence + "\n\n" + formatProducts(products))
	systemPrompt := promptctx.FormatSystemPrompt(preamble, profile, context, history)

	finalType := tr.nextType
	pitch := ""
	proposal := ""
	reasoning := ""

	raw, err := p.llm.Generate(ctx, jsonllm.Request{
		SystemPrompt: systemPrompt,
		Messages: []types.Message{{
			Role:    "user",
			Content: "Produce the recommended_pitch, marketing_proposal, reasoning, and marketing_type JSON now.",
		}},
		Temperature: 0.4,
		MaxTokens:   800,
		SchemaHint:  marketingGenerateSchemaHint,
	})
	if err == nil {
		pitch = stringField(raw, "recommended_pitch")
		proposal = stringField(raw, "marketing_proposal")
		reasoning = stringField(raw, "reasoning")
		if mt := stringField(raw, "marketing_type"); mt != "" {
			finalType = types.MarketingType(mt)
		}
	}

	// Safety net: the type requires a pitch but no candidates survived retrieval.
	if finalType != types.MarketingNone && finalType != types.MarketingExplanation && finalType != types.MarketingHybrid && len(products) == 0 {
		pitch = "지금 바로 추천드릴 상품은 없지만, 어떤 부분이 가장 불편하신지 조금 더 말씀해 주시겠어요?"
		finalType = types.MarketingNone
	}

	// Fallback: no LLM proposal but a top candidate exists — synthesize one.
	if proposal == "" && len(products) > 0 {
		proposal = synthesizeBeforeAfter(products[0])
	}

	newState := session.MarketingState{
		MarketingType:     finalType,
		CurrentProposal:   append([]string(nil), snap.Marketing.CurrentProposal...),
		RejectedProposals: append([]string(nil), snap.Marketing.RejectedProposals...),
	}
	if movesCurrentProposalToRejected(tr.nextType) {
		newState.RejectedProposals = append(newState.RejectedProposals, snap.Marketing.CurrentProposal...)
	}
	if setsCurrentProposal(finalType) {
		newState.CurrentProposal = productNames(products)
	}

	result := orchestrator.Result{
		AgentType:         "marketing",
		NextStep:          types.StepGenerate,
		RecommendedAnswer: pitch,
		Extras: map[string]any{
			"marketing_type":     string(finalType),
			"marketing_proposal": proposal,
			"reasoning":          reasoning,
			"conversation_stage": string(tr.nextStage),
		},
	}
	return result, newState
}

// synthesizeBeforeAfter builds a rule-based Before-vs-After pitch card from
// the top candidate when the LLM omitted marketing_proposal (spec §4.4
// "Fallback").
func synthesizeBeforeAfter(top types.ProductCandidate) string {
	return fmt.Sprintf("Before: current plan. After: %s (%.0f/month) — %s", top.Name, top.Price, top.Description)
}

func formatProducts(products []types.ProductCandidate) string {
	if len(products) == 0 {
		return ""
	}
	var sb strings.Builder
	sb.WriteString("## Product Candidates\n")
	for i, pr := range products {
		if i > 0 {
			sb.WriteString("\n")
		}
		fmt.Fprintf(&sb, "- %s (%.0f/month): %s", pr.Name, pr.Price, pr.Description)
	}
	return sb.String()
}

func formatEvidence(items []types.RetrievedItem) string {
	if len(items) == 0 {
		return ""
	}
	var sb strings.Builder
	sb.WriteString("## Evidence\n")
	for i, it := range items {
		if i > 0 {
			sb.WriteString("\n")
		}
		fmt.Fprintf(&sb, "[%s] %s", it.Metadata.Category, it.Content)
	}
	return sb.String()
}

// movesCurrentProposalToRejected reports whether entering mtype should move
// the prior sticky current_proposal into rejected_proposals before
// retrieval (spec §4.4 "Rejection monotonicity").
func movesCurrentProposalToRejected(mtype types.MarketingType) bool {
	switch mtype {
	case types.MarketingAlternative, types.MarketingRetentionPrice, types.MarketingCostOptimization:
		return true
	default:
		return false
	}
}

// setsCurrentProposal reports whether a successful generate for mtype should
// make product_candidates the new sticky current_proposal (spec §4.4).
func setsCurrentProposal(mtype types.MarketingType) bool {
	switch mtype {
	case types.MarketingUpsell, types.MarketingRetention, types.MarketingRetentionPrice,
		types.MarketingCostOptimization, types.MarketingAlternative:
		return true
	default:
		return false
	}
}

// maskHistory returns a copy of entries with PII masked out.
func maskHistory(entries []types.HistoryEntry) []types.HistoryEntry {
	out := make([]types.HistoryEntry, len(entries))
	for i, e := range entries {
		e.Transcript = pii.Mask(e.Transcript)
		out[i] = e
	}
	return out
}

func lastN(entries []types.HistoryEntry, n int) []types.HistoryEntry {
	if n > 0 && len(entries) > n {
		return entries[len(entries)-n:]
	}
	return entries
}

func transcriptsOf(entries []types.HistoryEntry) []string {
	out := make([]string, len(entries))
	for i, e := range entries {
		out[i] = e.Transcript
	}
	return out
}

func productsFromNames(names []string) []types.ProductCandidate {
	out := make([]types.ProductCandidate, len(names))
	for i, n := range names {
		out[i] = types.ProductCandidate{Name: n}
	}
	return out
}

// excludeRejected drops candidates whose name fuzzy-matches any rejected
// proposal name above the Jaro-Winkler threshold.
func excludeRejected(candidates []types.ProductCandidate, rejected []string, threshold float64) []types.ProductCandidate {
	if len(rejected) == 0 {
		return candidates
	}
	if threshold <= 0 {
		threshold = defaultRejectedNameThreshold
	}
	out := make([]types.ProductCandidate, 0, len(candidates))
	for _, c := range candidates {
		excluded := false
		for _, r := range rejected {
			if matchr.JaroWinkler(strings.ToLower(c.Name), strings.ToLower(r), false) >= threshold {
				excluded = true
				break
			}
		}
		if !excluded {
			out = append(out, c)
		}
	}
	return out
}

// applyPriceConstraint drops candidates whose price exceeds maxPrice, when a
// price is known. maxPrice <= 0 disables the constraint.
func applyPriceConstraint(candidates []types.ProductCandidate, maxPrice float64) []types.ProductCandidate {
	if maxPrice <= 0 {
		return candidates
	}
	out := make([]types.ProductCandidate, 0, len(candidates))
	for _, c := range candidates {
		if c.Price > 0 && c.Price > maxPrice {
			continue
		}
		out = append(out, c)
	}
	return out
}

func priceCap(mtype types.MarketingType, monthlyFee float64) float64 {
	if monthlyFee <= 0 {
		return 0
	}
	switch mtype {
	case types.MarketingRetentionPrice:
		return monthlyFee * 1.1
	case types.MarketingUpsell, types.MarketingRetention, types.MarketingCostOptimization, types.MarketingAlternative:
		return monthlyFee
	default:
		return 0
	}
}

func productNames(products []types.ProductCandidate) []string {
	out := make([]string, len(products))
	for i, p := range products {
		out[i] = p.Name
	}
	return out
}

func stringField(m map[string]any, key string) string {
	if v, ok := m[key].(string); ok {
		return v
	}
	return ""
}
