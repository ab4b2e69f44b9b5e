package session

import (
	"testing"

	"github.com/twelevegg/callcopilot/pkg/types"
)

func TestAppendTurn_AssignsMonotonicIDs(t *testing.T) {
	s := New()
	e1, err := s.AppendTurn("c1", types.Turn{Speaker: types.SpeakerCustomer, Transcript: "hi"})
	if err != nil {
		t.Fatal(err)
	}
	e2, err := s.AppendTurn("c1", types.Turn{Speaker: types.SpeakerAgent, Transcript: "hello"})
	if err != nil {
		t.Fatal(err)
	}
	if e1.TurnID != 1 || e2.TurnID != 2 {
		t.Fatalf("turn ids = %d, %d; want 1, 2", e1.TurnID, e2.TurnID)
	}

	hist := s.RecentHistory("c1", 0)
	if len(hist) != 2 {
		t.Fatalf("history length = %d, want 2", len(hist))
	}
}

func TestAppendTurn_ExplicitTurnIDMustIncrease(t *testing.T) {
	s := New()
	if _, err := s.AppendTurn("c1", types.Turn{TurnID: 5}); err != nil {
		t.Fatal(err)
	}
	if _, err := s.AppendTurn("c1", types.Turn{TurnID: 5}); err == nil {
		t.Fatal("expected error for non-increasing turn_id")
	}
	if _, err := s.AppendTurn("c1", types.Turn{TurnID: 3}); err == nil {
		t.Fatal("expected error for decreasing turn_id")
	}
}

func TestAppendTurn_RejectsAfterEnd(t *testing.T) {
	s := New()
	s.AppendTurn("c1", types.Turn{Speaker: types.SpeakerCustomer, Transcript: "hi"})
	s.End("c1")
	if _, err := s.AppendTurn("c1", types.Turn{Speaker: types.SpeakerCustomer, Transcript: "bye"}); err == nil {
		t.Fatal("expected error appending to ended session")
	}
}

func TestSessionIsolation(t *testing.T) {
	s := New()
	s.AppendTurn("a", types.Turn{Speaker: types.SpeakerCustomer, Transcript: "from a"})
	s.AppendTurn("b", types.Turn{Speaker: types.SpeakerCustomer, Transcript: "from b"})

	s.UpdateMarketing("a", func(m MarketingState) MarketingState {
		m.Stage = types.StageProposing
		m.CurrentProposal = []string{"plan-x"}
		return m
	})

	snapA := s.Snapshot("a")
	snapB := s.Snapshot("b")

	if snapA.Marketing.Stage != types.StageProposing {
		t.Fatal("call a should be in proposing stage")
	}
	if snapB.Marketing.Stage != types.StageListening {
		t.Fatal("call b must not see call a's stage mutation")
	}
	if len(snapB.History) != 1 || snapB.History[0].Transcript != "from b" {
		t.Fatal("call b must have its own independent history")
	}
}

func TestConsumeFirstTurn_OnlyTrueOnce(t *testing.T) {
	s := New()
	if !s.ConsumeFirstTurn("c1") {
		t.Fatal("expected first call to report first turn")
	}
	if s.ConsumeFirstTurn("c1") {
		t.Fatal("expected subsequent calls to report not-first-turn")
	}
}

func TestMarkAnalysisScheduled_Idempotent(t *testing.T) {
	s := New()
	if !s.MarkAnalysisScheduled("c1") {
		t.Fatal("expected first scheduling attempt to succeed")
	}
	if s.MarkAnalysisScheduled("c1") {
		t.Fatal("expected second scheduling attempt (e.g. disconnect racing monitor CALL_ENDED) to be suppressed")
	}
}

func TestReset_ClearsHistoryAndStage(t *testing.T) {
	s := New()
	s.AppendTurn("c1", types.Turn{Speaker: types.SpeakerCustomer, Transcript: "hi"})
	s.UpdateMarketing("c1", func(m MarketingState) MarketingState {
		m.Stage = types.StageNegotiating
		return m
	})

	s.Reset("c1")

	snap := s.Snapshot("c1")
	if len(snap.History) != 0 {
		t.Fatal("expected history cleared on reset")
	}
	if snap.Marketing.Stage != types.StageListening {
		t.Fatal("expected marketing stage reset to listening")
	}
	if snap.TurnCounter != 0 {
		t.Fatal("expected turn counter reset")
	}
}
