package transport

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/coder/websocket"

	"github.com/twelevegg/callcopilot/internal/agent/orchestrator"
	"github.com/twelevegg/callcopilot/internal/analyzer"
	"github.com/twelevegg/callcopilot/internal/directory"
	"github.com/twelevegg/callcopilot/internal/observe"
	"github.com/twelevegg/callcopilot/internal/session"
	"github.com/twelevegg/callcopilot/pkg/types"
)

// inboundFrame is the union of the two JSON shapes accepted on the Ingress
// WebSocket: a metadata frame (identified by a non-empty callId/call_id) or
// a turn frame (identified by a non-empty speaker).
type inboundFrame struct {
	CallID         string `json:"callId"`
	CallIDSnake    string `json:"call_id"`
	CustomerNumber string `json:"customer_number"`

	Speaker    string `json:"speaker"`
	Transcript string `json:"transcript"`
	TurnID     int    `json:"turn_id"`
}

func (f inboundFrame) callID() string {
	if f.CallID != "" {
		return f.CallID
	}
	return f.CallIDSnake
}

// transcriptUpdate is broadcast to a call's monitor room for every turn
// (spec §6).
type transcriptUpdate struct {
	Type       string `json:"type"`
	TurnID     int    `json:"turn_id"`
	Speaker    string `json:"speaker"`
	Transcript string `json:"transcript"`
}

// resultFrame is broadcast to a call's monitor room for every non-skipped
// agent result (spec §4.2, §6).
type resultFrame struct {
	Type              string         `json:"type"`
	AgentType         string         `json:"agent_type"`
	NextStep          string         `json:"next_step"`
	RecommendedAnswer string         `json:"recommended_answer,omitempty"`
	WorkGuide         string         `json:"work_guide,omitempty"`
	Extras            map[string]any `json:"extras,omitempty"`
}

// Ingress is the WebSocket handler that receives STT metadata/turn frames,
// owns the per-call lifecycle, and fans turns out through the orchestrator
// (spec §4.1).
type Ingress struct {
	store      *session.Store
	monitors   *ConnectionManager
	notifier   *NotificationManager
	orch       *orchestrator.Orchestrator
	directory  *directory.Client
	analyzer   *analyzer.Analyzer
	metrics    *observe.Metrics
	acceptOpts *websocket.AcceptOptions
}

// NewIngress wires the Ingress handler's collaborators.
func NewIngress(
	store *session.Store,
	monitors *ConnectionManager,
	notifier *NotificationManager,
	orch *orchestrator.Orchestrator,
	dirClient *directory.Client,
	an *analyzer.Analyzer,
	metrics *observe.Metrics,
	acceptOpts *websocket.AcceptOptions,
) *Ingress {
	return &Ingress{
		store:      store,
		monitors:   monitors,
		notifier:   notifier,
		orch:       orch,
		directory:  dirClient,
		analyzer:   an,
		metrics:    metrics,
		acceptOpts: acceptOpts,
	}
}

// ServeHTTP upgrades the request to a WebSocket and services one STT
// producer stream for its full lifetime. The socket is never written to
// (spec §5: "the ingress never writes to the STT source socket") — only
// read from until it closes or sends an unsupported frame.
func (ing *Ingress) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, ing.acceptOpts)
	if err != nil {
		return
	}
	ctx := r.Context()
	defer conn.CloseNow()

	if ing.metrics != nil {
		ing.metrics.ActiveCalls.Add(ctx, 1)
		defer ing.metrics.ActiveCalls.Add(context.Background(), -1)
	}

	var callID string
	var endedOnce bool

	endCall := func() {
		if callID == "" || endedOnce {
			return
		}
		endedOnce = true
		ing.endCall(callID)
	}
	defer endCall()

	for {
		typ, data, err := conn.Read(ctx)
		if err != nil {
			return
		}
		if typ != websocket.MessageText {
			_ = conn.Close(websocket.StatusUnsupportedData, "binary frames are not supported")
			return
		}

		var frame inboundFrame
		if err := json.Unmarshal(data, &frame); err != nil {
			_ = conn.Close(websocket.StatusUnsupportedData, "malformed JSON")
			return
		}

		switch {
		case frame.callID() != "":
			if frame.callID() != callID {
				callID = frame.callID()
				ing.handleMetadata(ctx, callID, frame.CustomerNumber)
			}
		case frame.Speaker != "":
			if callID == "" {
				_ = conn.Close(websocket.StatusUnsupportedData, "turn received before metadata")
				return
			}
			ing.handleTurn(ctx, callID, frame)
		default:
			_ = conn.Close(websocket.StatusUnsupportedData, "unrecognized frame")
			return
		}
	}
}

// handleMetadata resets the session identity for callID, immediately
// notifies CALL_STARTED with a placeholder profile, then resolves the
// customer directory record asynchronously and emits CALL_UPDATED (spec §4.1).
func (ing *Ingress) handleMetadata(ctx context.Context, callID, customerNumber string) {
	ing.store.Reset(callID)
	ing.store.MarkStarted(callID)

	ing.notifier.Broadcast(NotificationEvent{Type: "CALL_STARTED", CallID: callID})

	if customerNumber == "" || ing.directory == nil {
		return
	}
	go func() {
		bgCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		profile, ok := ing.directory.FetchAndLog(bgCtx, callID, customerNumber)
		if !ok {
			return
		}
		ing.store.SetCustomerInfo(callID, profile)
		ing.notifier.Broadcast(NotificationEvent{Type: "CALL_UPDATED", CallID: callID, CustomerInfo: profile})
	}()
}

// handleTurn appends the turn to session history, broadcasts the
// transcript_update to the call's monitor room, and launches an unawaited
// background task that fans the turn out through the orchestrator and
// streams each result to the same room (spec §4.1).
func (ing *Ingress) handleTurn(ctx context.Context, callID string, frame inboundFrame) {
	turn := types.Turn{
		Speaker:    types.Speaker(frame.Speaker),
		Transcript: frame.Transcript,
		TurnID:     frame.TurnID,
	}

	entry, err := ing.store.AppendTurn(callID, turn)
	if err != nil {
		slog.Warn("transport: append turn", "call_id", callID, "err", err)
		return
	}
	turn.TurnID = entry.TurnID

	ing.monitors.Broadcast(callID, transcriptUpdate{
		Type:       "transcript_update",
		TurnID:     entry.TurnID,
		Speaker:    string(entry.Speaker),
		Transcript: entry.Transcript,
	})

	var firstTurnProfile any
	if ing.store.ConsumeFirstTurn(callID) {
		snap := ing.store.Snapshot(callID)
		if snap.HasProfile {
			firstTurnProfile = snap.CustomerInfo
		}
	}

	go ing.dispatchTurn(callID, turn, firstTurnProfile)
}

// dispatchTurn runs as a detached background task per spec §4.1: it must
// not block the ingress read loop, and a late result is still delivered if
// the monitor room is non-empty, discarded otherwise (spec §5).
func (ing *Ingress) dispatchTurn(callID string, turn types.Turn, firstTurnProfile any) {
	start := time.Now()
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	results := ing.orch.Dispatch(ctx, turn, callID, firstTurnProfile)
	for res := range results {
		ing.monitors.Broadcast(callID, resultFrame{
			Type:              "result",
			AgentType:         res.AgentType,
			NextStep:          string(res.NextStep),
			RecommendedAnswer: res.RecommendedAnswer,
			WorkGuide:         res.WorkGuide,
			Extras:            res.Extras,
		})
	}

	if ing.metrics != nil {
		ing.metrics.TurnDuration.Record(context.Background(), time.Since(start).Seconds())
	}
}

// endCall marks the session ended, broadcasts CALL_ENDED, and — guarded by
// the session's analysis-scheduled idempotency flag (spec §9, Open Question
// iii) — launches the end-of-call analyzer as a detached background task.
func (ing *Ingress) endCall(callID string) {
	ing.store.End(callID)
	ing.notifier.Broadcast(NotificationEvent{Type: "CALL_ENDED", CallID: callID})
	ing.monitors.Broadcast(callID, map[string]string{"type": "CALL_ENDED"})

	if !ing.store.MarkAnalysisScheduled(callID) {
		return
	}
	snap := ing.store.Snapshot(callID)
	if snap.EndTime.IsZero() {
		snap.EndTime = time.Now()
	}
	go func() {
		ing.analyzer.Run(context.Background(), snap)
		ing.store.Delete(callID)
	}()
}
