// Package session owns the Call Session: the per-call customer profile,
// append-only turn history, per-agent conversation state, and proposal
// bookkeeping described in spec §3. The Store is the only component allowed
// to mutate a session record; monitors and agent pipelines read snapshots
// and write back only through the Store's narrow update methods.
package session

import (
	"fmt"
	"sync"
	"time"

	"github.com/twelevegg/callcopilot/pkg/types"
)

// GuidanceState is the Guidance Pipeline's per-call checkpoint: the message
// log it has accumulated across turns (spec §4.3, "session message log
// persists across turns via a per-call_id checkpoint").
type GuidanceState struct {
	MessageLog []types.Message
}

// MarketingState is the Marketing Pipeline's sticky conversational state
// (spec §3, "Agent conversation state (Marketing)").
type MarketingState struct {
	Stage             types.ConversationStage
	CurrentProposal   []string
	RejectedProposals []string
	MarketingType     types.MarketingType
	MessageLog        []types.Message
	LastPrefetchAt    time.Time
	PrefetchResult    any
}

// Session is one call's full mutable record. Callers obtain a *copy* of the
// fields they need via the Store's accessor methods; the Session value
// itself should never be mutated outside the owning Store.
type Session struct {
	CallID string

	CustomerInfo types.CustomerProfile
	HasProfile   bool

	Operator    types.Operator
	HasOperator bool

	History     []types.HistoryEntry
	TurnCounter int
	IsFirstTurn bool

	StartTime time.Time
	EndTime   time.Time
	Ended     bool

	// analysisScheduled guards against double-scheduling the end-of-call
	// analyzer when both a monitor CALL_ENDED message and a socket
	// disconnect occur for the same call (spec §9, Open Question iii).
	analysisScheduled bool

	Guidance  GuidanceState
	Marketing MarketingState
}

// Store is a keyed map of Sessions guarded by a per-call mutex (spec §5:
// "no global call lock"). All exported methods are safe for concurrent use.
type Store struct {
	mu       sync.Mutex
	sessions map[string]*lockedSession
}

// lockedSession pairs a Session with the mutex that guards it, so mutation
// of one call never blocks another.
type lockedSession struct {
	mu   sync.Mutex
	data *Session
}

// New creates an empty Store.
func New() *Store {
	return &Store{sessions: make(map[string]*lockedSession)}
}

// getOrCreate returns the locked session for callID, creating it if absent.
// Callers must hold the returned lockedSession's mu before touching data.
func (s *Store) getOrCreate(callID string) *lockedSession {
	s.mu.Lock()
	ls, ok := s.sessions[callID]
	if !ok {
		ls = &lockedSession{data: &Session{
			CallID:      callID,
			IsFirstTurn: true,
			Marketing:   MarketingState{Stage: types.StageListening, MarketingType: types.MarketingNone},
		}}
		s.sessions[callID] = ls
	}
	s.mu.Unlock()
	return ls
}

// Reset clears history, stage, and turn counter for callID — used when the
// ingress sees a metadata frame whose callId differs from the session's
// current identity (spec §4.1).
func (s *Store) Reset(callID string) {
	ls := s.getOrCreate(callID)
	ls.mu.Lock()
	defer ls.mu.Unlock()
	ls.data.History = nil
	ls.data.TurnCounter = 0
	ls.data.IsFirstTurn = true
	ls.data.Guidance = GuidanceState{}
	ls.data.Marketing = MarketingState{Stage: types.StageListening, MarketingType: types.MarketingNone}
	ls.data.Ended = false
	ls.data.EndTime = time.Time{}
	ls.data.analysisScheduled = false
}

// SetCustomerInfo updates the resolved customer profile.
func (s *Store) SetCustomerInfo(callID string, profile types.CustomerProfile) {
	ls := s.getOrCreate(callID)
	ls.mu.Lock()
	defer ls.mu.Unlock()
	ls.data.CustomerInfo = profile
	ls.data.HasProfile = true
}

// SetOperator binds a monitor's IDENTIFY message to the call.
func (s *Store) SetOperator(callID string, op types.Operator) {
	ls := s.getOrCreate(callID)
	ls.mu.Lock()
	defer ls.mu.Unlock()
	ls.data.Operator = op
	ls.data.HasOperator = true
}

// MarkStarted sets StartTime if it hasn't been set yet (spec §3: "set on
// first monitor attach or first customer turn, whichever is earliest").
func (s *Store) MarkStarted(callID string) {
	ls := s.getOrCreate(callID)
	ls.mu.Lock()
	defer ls.mu.Unlock()
	if ls.data.StartTime.IsZero() {
		ls.data.StartTime = time.Now()
	}
}

// AppendTurn assigns a turn_id when turn.TurnID is zero, appends the entry to
// history, and returns the finalized entry. Returns an error if the session
// has already ended (history is read-only post end_time) or if an explicit
// turn_id does not strictly increase.
func (s *Store) AppendTurn(callID string, turn types.Turn) (types.HistoryEntry, error) {
	ls := s.getOrCreate(callID)
	ls.mu.Lock()
	defer ls.mu.Unlock()

	if ls.data.Ended {
		return types.HistoryEntry{}, fmt.Errorf("session: call %q has already ended; history is read-only", callID)
	}

	turnID := turn.TurnID
	if turnID == 0 {
		turnID = ls.data.TurnCounter + 1
	} else if turnID <= ls.data.TurnCounter {
		return types.HistoryEntry{}, fmt.Errorf("session: turn_id %d does not strictly increase past %d", turnID, ls.data.TurnCounter)
	}
	ls.data.TurnCounter = turnID

	entry := types.HistoryEntry{
		TurnID:     turnID,
		Speaker:    turn.Speaker,
		Transcript: turn.Transcript,
		Timestamp:  time.Now(),
	}
	ls.data.History = append(ls.data.History, entry)

	if ls.data.StartTime.IsZero() {
		ls.data.StartTime = time.Now()
	}
	return entry, nil
}

// ConsumeFirstTurn returns whether this is the first customer turn and
// atomically clears the flag — the orchestrator forwards the customer
// profile exactly once per call.
func (s *Store) ConsumeFirstTurn(callID string) bool {
	ls := s.getOrCreate(callID)
	ls.mu.Lock()
	defer ls.mu.Unlock()
	was := ls.data.IsFirstTurn
	ls.data.IsFirstTurn = false
	return was
}

// RecentHistory returns up to the last n entries (a copy; safe to retain).
func (s *Store) RecentHistory(callID string, n int) []types.HistoryEntry {
	ls := s.getOrCreate(callID)
	ls.mu.Lock()
	defer ls.mu.Unlock()
	h := ls.data.History
	if n > 0 && len(h) > n {
		h = h[len(h)-n:]
	}
	out := make([]types.HistoryEntry, len(h))
	copy(out, h)
	return out
}

// Snapshot returns a deep-enough copy of the session for a pipeline to
// consume without holding the lock across its own I/O.
func (s *Store) Snapshot(callID string) Session {
	ls := s.getOrCreate(callID)
	ls.mu.Lock()
	defer ls.mu.Unlock()
	cp := *ls.data
	cp.History = append([]types.HistoryEntry(nil), ls.data.History...)
	cp.Guidance.MessageLog = append([]types.Message(nil), ls.data.Guidance.MessageLog...)
	cp.Marketing.MessageLog = append([]types.Message(nil), ls.data.Marketing.MessageLog...)
	cp.Marketing.CurrentProposal = append([]string(nil), ls.data.Marketing.CurrentProposal...)
	cp.Marketing.RejectedProposals = append([]string(nil), ls.data.Marketing.RejectedProposals...)
	return cp
}

// UpdateGuidance replaces the Guidance checkpoint for callID.
func (s *Store) UpdateGuidance(callID string, fn func(GuidanceState) GuidanceState) {
	ls := s.getOrCreate(callID)
	ls.mu.Lock()
	defer ls.mu.Unlock()
	ls.data.Guidance = fn(ls.data.Guidance)
}

// UpdateMarketing replaces the Marketing checkpoint for callID. fn receives
// the current state and returns the new one — the append-only session
// reducer semantics from spec §4.4.
func (s *Store) UpdateMarketing(callID string, fn func(MarketingState) MarketingState) {
	ls := s.getOrCreate(callID)
	ls.mu.Lock()
	defer ls.mu.Unlock()
	ls.data.Marketing = fn(ls.data.Marketing)
}

// End marks the session ended (read-only) and sets EndTime, unless it has
// already ended. Returns true if this call actually transitioned the
// session to ended (guards the double-schedule race from spec §9).
func (s *Store) End(callID string) bool {
	ls := s.getOrCreate(callID)
	ls.mu.Lock()
	defer ls.mu.Unlock()
	if ls.data.Ended {
		return false
	}
	ls.data.Ended = true
	ls.data.EndTime = time.Now()
	return true
}

// MarkAnalysisScheduled returns true if this call scheduled the end-of-call
// analyzer (idempotency flag from spec §9, Open Question iii); subsequent
// calls for the same callID return false.
func (s *Store) MarkAnalysisScheduled(callID string) bool {
	ls := s.getOrCreate(callID)
	ls.mu.Lock()
	defer ls.mu.Unlock()
	if ls.data.analysisScheduled {
		return false
	}
	ls.data.analysisScheduled = true
	return true
}

// ConsumePrefetch returns the Marketing pipeline's speculative prefetch
// result for callID and clears it, but only if it was set within ttl — a
// one-shot, self-expiring cache mirroring the original's
// `self._prefetch_cache = None  # Consume it` semantics (spec Supplemented
// Features: "Speculative prefetch"). A stale or absent prefetch returns
// (nil, false) and clears any stale entry so it can't be served again.
func (s *Store) ConsumePrefetch(callID string, ttl time.Duration) (any, bool) {
	ls := s.getOrCreate(callID)
	ls.mu.Lock()
	defer ls.mu.Unlock()

	if ls.data.Marketing.LastPrefetchAt.IsZero() || time.Since(ls.data.Marketing.LastPrefetchAt) > ttl {
		ls.data.Marketing.PrefetchResult = nil
		ls.data.Marketing.LastPrefetchAt = time.Time{}
		return nil, false
	}
	result := ls.data.Marketing.PrefetchResult
	ls.data.Marketing.PrefetchResult = nil
	ls.data.Marketing.LastPrefetchAt = time.Time{}
	return result, true
}

// Delete removes a call's session record entirely (called once the
// end-of-call analyzer has finished with it, to bound memory growth).
func (s *Store) Delete(callID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sessions, callID)
}
