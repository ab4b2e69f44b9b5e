// Package types defines the shared types used across all callcopilot packages.
//
// These types form the lingua franca between providers, the retrieval store,
// the agent pipelines, and the orchestrator. Each package defines its own
// domain types, but cross-cutting data structures live here to avoid circular
// imports.
package types

import "time"

// Speaker identifies which side of a call produced a turn.
type Speaker string

const (
	SpeakerCustomer Speaker = "customer"
	SpeakerAgent    Speaker = "agent"
)

// Turn is a single speech-to-text result delivered over the ingress socket.
type Turn struct {
	Speaker    Speaker
	Transcript string
	TurnID     int
}

// HistoryEntry is a single append-only record in a call session's transcript.
type HistoryEntry struct {
	TurnID     int
	Speaker    Speaker
	Transcript string
	Timestamp  time.Time
}

// ConversationStage is the Marketing Pipeline's sticky conversational state.
type ConversationStage string

const (
	StageListening   ConversationStage = "listening"
	StageProposing   ConversationStage = "proposing"
	StageNegotiating ConversationStage = "negotiating"
	StageClosing     ConversationStage = "closing"
)

// MarketingType labels the kind of pitch the Marketing Pipeline is pursuing.
type MarketingType string

const (
	MarketingNone             MarketingType = "none"
	MarketingUpsell           MarketingType = "upsell"
	MarketingRetention        MarketingType = "retention"
	MarketingRetentionPrice   MarketingType = "retention_price"
	MarketingCostOptimization MarketingType = "cost_optimization"
	MarketingHybrid           MarketingType = "hybrid"
	MarketingExplanation      MarketingType = "explanation"
	MarketingAlternative      MarketingType = "alternative"
)

// NextStep is the control-flow decision an agent handler returns alongside
// its result. StepSkip tells the orchestrator to drop the result entirely.
type NextStep string

const (
	StepRetrieve NextStep = "retrieve"
	StepGenerate NextStep = "generate"
	StepSkip     NextStep = "skip"
)

// RetrievedItem is a single hit from the retrieval client, either a document
// passage or (via metadata.category) a product evidence snippet.
type RetrievedItem struct {
	DocID    string
	Score    float64
	Content  string
	Metadata ItemMetadata
}

// ItemMetadata describes the provenance and optional commercial attributes
// of a RetrievedItem.
type ItemMetadata struct {
	Category string
	Source   string
	Title    string
	URL      string
	Price    *float64
}

// Message is a single entry in an LLM conversation history. The pipelines
// only ever exchange plain chat-JSON text with the model — there is no tool
// or function-calling surface in this service.
type Message struct {
	// Role is one of "system", "user", or "assistant".
	Role string

	// Content is the text content of the message.
	Content string

	// Name is an optional participant name (for multi-speaker contexts).
	Name string
}

// ModelCapabilities describes the context budget of an LLM model, used to cap
// retry token limits and prompt sizes.
type ModelCapabilities struct {
	// ContextWindow is the maximum token count for input + output.
	ContextWindow int

	// MaxOutputTokens is the maximum tokens the model can generate in one completion.
	MaxOutputTokens int
}

// CustomerProfile is the structured customer record resolved from the
// customer directory lookup. Fields beyond ID/Name/Phone are optional — a
// freshly created call session holds a placeholder profile until the
// directory fetch completes.
type CustomerProfile struct {
	ID    string
	Name  string
	Phone string

	// Plan is the customer's current subscription description (e.g. "Internet 500M").
	Plan       string
	MonthlyFee float64

	ContractActive          bool
	ContractRemainingMonths int
	DiscountActive          bool
	AddOns                  []string
	OverageCount            int
	Region                  string

	// Signals is derived once on profile fetch: short labels such as
	// "contract-expiry-soon", "recent-overage", "unused-discount" that bias
	// the Marketing Pipeline's retrieval category weights.
	Signals []string
}

// ProductCandidate is a single catalog entry surfaced by the product search
// index, distinct from a RetrievedItem (which comes from the document
// retrieval store).
type ProductCandidate struct {
	ProductID   string
	Kind        string
	Name        string
	Description string
	Price       float64
	Conditions  string
	Cautions    string
	Data        string
	Voice       string
	SMS         string
	Benefits    []string
}

// Operator identifies the human monitor bound to a call via an IDENTIFY
// message on the monitor websocket.
type Operator struct {
	MemberID   int
	TenantName string
}

// AnalysisResult is the end-of-call structured-output LLM response, posted
// to the Persistence Client alongside call metadata.
type AnalysisResult struct {
	SummaryText   string
	EstimatedCost int
	CESScore      float64
	CSATScore     float64
	RPSScore      float64
	Keywords      []string
	ViolenceCount int
}

// GatekeeperDecision is the Tier-2 fast-LLM classifier's output, also used as
// the Tier-0/1 fallback shape.
type GatekeeperDecision struct {
	Blocked              bool
	Skip                 bool
	Reason               string
	Intent               string
	Sentiment            string
	MarketingOpportunity bool
	ChurnReason          string
	ObjectionReason      string
	Reasoning            string
}
