// Package orchestrator fans a customer turn out to every registered agent
// handler and streams results back in completion order.
package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/twelevegg/callcopilot/pkg/types"
)

// Result is a single agent handler's output for one turn.
type Result struct {
	// AgentType identifies which handler produced this result (e.g. "guidance",
	// "marketing").
	AgentType string

	// NextStep is the handler's control-flow decision. Results with
	// NextStep == types.StepSkip are filtered out before reaching callers of
	// Dispatch.
	NextStep types.NextStep

	// RecommendedAnswer is the agent's suggested reply text, when applicable.
	RecommendedAnswer string

	// WorkGuide is supplementary operator-facing guidance, when applicable.
	WorkGuide string

	// Extras carries handler-specific fields (e.g. marketing_type,
	// marketing_proposal) that don't belong in the common result shape.
	Extras map[string]any
}

// Handler processes a single customer turn for one agent pipeline.
//
// firstTurnProfile is non-nil only on the first customer turn of a call,
// when the orchestrator has a customer profile available to hand to agents
// that want to special-case call openings. Implementations must return
// promptly on ctx cancellation.
type Handler interface {
	// HandleTurn runs this agent's pipeline for turn and returns its result.
	// Returning an error is equivalent to the handler contributing no result —
	// the orchestrator logs it and continues with other handlers.
	HandleTurn(ctx context.Context, turn types.Turn, callID string, firstTurnProfile any) (Result, error)
}

// handlerEntry pairs a registered Handler with its muted state.
type handlerEntry struct {
	handler Handler
	muted   bool
}

// Orchestrator holds a named set of agent handlers and dispatches customer
// turns to all of them concurrently, yielding results in completion order —
// the Go equivalent of an as-completed fan-out, not a barrier. All exported
// methods are safe for concurrent use.
type Orchestrator struct {
	mu       sync.RWMutex
	handlers map[string]*handlerEntry

	resultBuffer int
}

// Option configures an Orchestrator during construction.
type Option func(*Orchestrator)

// WithResultBuffer sets the channel buffer size used by Dispatch. The
// default is large enough to hold one result per registered handler so that
// no handler goroutine blocks on a slow consumer after the dispatch loop has
// moved on. A value of 0 keeps that default.
func WithResultBuffer(n int) Option {
	return func(o *Orchestrator) {
		o.resultBuffer = n
	}
}

// New creates an Orchestrator with the given named handlers.
func New(handlers map[string]Handler, opts ...Option) *Orchestrator {
	entries := make(map[string]*handlerEntry, len(handlers))
	for name, h := range handlers {
		entries[name] = &handlerEntry{handler: h}
	}
	o := &Orchestrator{handlers: entries}
	for _, opt := range opts {
		opt(o)
	}
	if o.resultBuffer == 0 {
		o.resultBuffer = len(entries)
	}
	return o
}

// Register adds or replaces the handler registered under name.
func (o *Orchestrator) Register(name string, h Handler) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.handlers[name] = &handlerEntry{handler: h}
}

// Mute prevents the handler registered under name from being dispatched to.
// Returns an error if name is not registered.
func (o *Orchestrator) Mute(name string) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	e, ok := o.handlers[name]
	if !ok {
		return fmt.Errorf("orchestrator: handler %q not found", name)
	}
	e.muted = true
	return nil
}

// Unmute re-enables dispatch to the handler registered under name.
func (o *Orchestrator) Unmute(name string) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	e, ok := o.handlers[name]
	if !ok {
		return fmt.Errorf("orchestrator: handler %q not found", name)
	}
	e.muted = false
	return nil
}

// Dispatch launches every unmuted handler concurrently against turn and
// returns a channel that yields each handler's Result as soon as it
// completes — not in registration order, and not waiting for the slowest
// handler before delivering the fastest one's result. The channel is closed
// once every handler has finished or failed.
//
// A handler that returns an error, panics, or returns NextStep == types.StepSkip
// contributes no value to the channel; panics and errors are logged but never
// propagated to other handlers or to the caller.
func (o *Orchestrator) Dispatch(ctx context.Context, turn types.Turn, callID string, firstTurnProfile any) <-chan Result {
	o.mu.RLock()
	active := make([]*handlerEntry, 0, len(o.handlers))
	names := make([]string, 0, len(o.handlers))
	for name, e := range o.handlers {
		if e.muted {
			continue
		}
		active = append(active, e)
		names = append(names, name)
	}
	o.mu.RUnlock()

	out := make(chan Result, o.resultBuffer)
	if len(active) == 0 {
		close(out)
		return out
	}

	var wg sync.WaitGroup
	wg.Add(len(active))
	for i, e := range active {
		go func(name string, e *handlerEntry) {
			defer wg.Done()
			defer func() {
				if r := recover(); r != nil {
					slog.Error("orchestrator: handler panicked",
						"agent_type", name, "call_id", callID, "turn_id", turn.TurnID, "panic", r)
				}
			}()

			res, err := e.handler.HandleTurn(ctx, turn, callID, firstTurnProfile)
			if err != nil {
				slog.Error("orchestrator: handler failed",
					"agent_type", name, "call_id", callID, "turn_id", turn.TurnID, "err", err)
				return
			}
			if res.NextStep == types.StepSkip {
				return
			}
			if res.AgentType == "" {
				res.AgentType = name
			}
			select {
			case out <- res:
			case <-ctx.Done():
			}
		}(names[i], e)
	}

	go func() {
		wg.Wait()
		close(out)
	}()

	return out
}
