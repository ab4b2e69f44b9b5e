package guidance

import (
	"context"
	"testing"

	"github.com/twelevegg/callcopilot/internal/session"
	"github.com/twelevegg/callcopilot/pkg/provider/llm"
	"github.com/twelevegg/callcopilot/pkg/provider/llm/mock"
	"github.com/twelevegg/callcopilot/pkg/types"
)

type stubSearcher struct{}

func (stubSearcher) Semantic(_ context.Context, _ string, _ int, category string) ([]types.RetrievedItem, error) {
	return []types.RetrievedItem{{Content: "evidence for " + category}}, nil
}

func TestHandleTurn_AgentTurnSkipsAndExtendsLog(t *testing.T) {
	store := session.New()
	p := New(store, stubSearcher{}, &mock.Provider{})

	res, err := p.HandleTurn(context.Background(), types.Turn{Speaker: types.SpeakerAgent, Transcript: "확인해보겠습니다"}, "c1", nil)
	if err != nil {
		t.Fatal(err)
	}
	if res.NextStep != types.StepSkip {
		t.Fatalf("expected agent turn to skip, got %v", res.NextStep)
	}

	snap := store.Snapshot("c1")
	if len(snap.Guidance.MessageLog) != 1 {
		t.Fatalf("expected agent turn appended to message log, got %d entries", len(snap.Guidance.MessageLog))
	}
}

func TestHandleTurn_ShortCustomerTurnSkips(t *testing.T) {
	store := session.New()
	p := New(store, stubSearcher{}, &mock.Provider{})

	res, err := p.HandleTurn(context.Background(), types.Turn{Speaker: types.SpeakerCustomer, Transcript: "네"}, "c1", nil)
	if err != nil {
		t.Fatal(err)
	}
	if res.NextStep != types.StepSkip {
		t.Fatalf("expected short turn to skip, got %v", res.NextStep)
	}
}

func TestHandleTurn_SubstantialCustomerTurnGenerates(t *testing.T) {
	store := session.New()
	store.AppendTurn("c1", types.Turn{Speaker: types.SpeakerCustomer, Transcript: "인터넷 속도가 너무 느려서 불편해요"})

	provider := &mock.Provider{
		CompleteResponse: &llm.CompletionResponse{
			Content: `{"recommended_answer":"속도 문제를 확인해 드리겠습니다.","work_guide":"회선 상태를 점검하세요."}`,
		},
	}

	p := New(store, stubSearcher{}, provider)
	res, err := p.HandleTurn(context.Background(), types.Turn{Speaker: types.SpeakerCustomer, Transcript: "인터넷 속도가 너무 느려서 불편해요"}, "c1", nil)
	if err != nil {
		t.Fatal(err)
	}
	if res.NextStep != types.StepGenerate {
		t.Fatalf("expected generate next step, got %v", res.NextStep)
	}
	if res.RecommendedAnswer == "" {
		t.Fatal("expected a non-empty recommended answer")
	}

	snap := store.Snapshot("c1")
	if len(snap.Guidance.MessageLog) != 2 {
		t.Fatalf("expected 2 message-log entries after generate, got %d", len(snap.Guidance.MessageLog))
	}
}
