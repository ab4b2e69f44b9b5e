package retrieval

import (
	"testing"

	"github.com/twelevegg/callcopilot/pkg/types"
)

func item(source, title, content string, score float64) types.RetrievedItem {
	return types.RetrievedItem{
		Content: content,
		Score:   score,
		Metadata: types.ItemMetadata{
			Source: source,
			Title:  title,
		},
	}
}

func TestFuse_StableRankingAcrossThreeLists(t *testing.T) {
	listA := []types.RetrievedItem{
		item("faq", "refund-policy", "how to get a refund", 0.9),
		item("faq", "billing-cycle", "when bills are issued", 0.8),
	}
	listB := []types.RetrievedItem{
		item("policy", "refund-window", "refund window is 14 days", 0.95),
		item("faq", "refund-policy", "how to get a refund", 0.7),
	}
	listC := []types.RetrievedItem{
		item("faq", "billing-cycle", "when bills are issued", 0.6),
	}

	got1 := fuse([]rankedList{
		{items: listA, weight: 1.0},
		{items: listB, weight: 1.0},
		{items: listC, weight: 1.0},
	})
	got2 := fuse([]rankedList{
		{items: listA, weight: 1.0},
		{items: listB, weight: 1.0},
		{items: listC, weight: 1.0},
	})

	if len(got1) != len(got2) {
		t.Fatalf("non-deterministic length: %d vs %d", len(got1), len(got2))
	}
	for i := range got1 {
		if dedupeKey(got1[i]) != dedupeKey(got2[i]) {
			t.Fatalf("non-deterministic ranking at index %d: %q vs %q", i, dedupeKey(got1[i]), dedupeKey(got2[i]))
		}
	}

	// "refund-policy" (A rank 1, B rank 2) and "billing-cycle" (A rank 2,
	// C rank 1) both score 1/61 + 1/62, so the dedupe-key tie-break puts
	// "billing-cycle" first.
	if dedupeKey(got1[0]) != dedupeKey(item("faq", "billing-cycle", "when bills are issued", 0)) {
		t.Fatalf("expected billing-cycle to rank first, got %q", dedupeKey(got1[0]))
	}
}

func TestFuse_DedupeKeepsHighestScoringRepresentative(t *testing.T) {
	low := item("faq", "refund-policy", "how to get a refund", 0.3)
	high := item("faq", "refund-policy", "how to get a refund", 0.95)

	out := fuse([]rankedList{
		{items: []types.RetrievedItem{low}, weight: 1.0},
		{items: []types.RetrievedItem{high}, weight: 1.0},
	})

	if len(out) != 1 {
		t.Fatalf("expected dedup to collapse to a single item, got %d", len(out))
	}
	// The RRF score overwrites Score on the representative, so check the
	// representative was chosen by comparing the pre-fusion Score field via
	// a field that wasn't overwritten (Content matches either way here);
	// instead verify indirectly: fusing a third, distinguishable duplicate
	// confirms selection picks the highest raw Score before rewriting it.
	third := item("faq", "refund-policy", "how to get a refund", 0.5)
	third.DocID = "from-third"
	high.DocID = "from-high"
	low.DocID = "from-low"

	out2 := fuse([]rankedList{
		{items: []types.RetrievedItem{low}, weight: 1.0},
		{items: []types.RetrievedItem{third}, weight: 1.0},
		{items: []types.RetrievedItem{high}, weight: 1.0},
	})
	if len(out2) != 1 || out2[0].DocID != "from-high" {
		t.Fatalf("expected representative from the highest-scoring duplicate (from-high), got %+v", out2)
	}
}

func TestDedupeKey_TruncatesContentTo120Bytes(t *testing.T) {
	long := make([]byte, 200)
	for i := range long {
		long[i] = 'a'
	}
	a := item("src", "title", string(long), 1)
	b := item("src", "title", string(long[:150]), 1)

	if dedupeKey(a) != dedupeKey(b) {
		t.Fatal("expected keys to match when content agrees within the first 120 bytes")
	}
}

func TestBuildQuery_JoinsTranscriptsNewestLast(t *testing.T) {
	got := BuildQuery([]string{"first turn", "second turn"})
	want := "first turn\nsecond turn"
	if got != want {
		t.Fatalf("BuildQuery = %q, want %q", got, want)
	}
}
