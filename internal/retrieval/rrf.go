package retrieval

import (
	"sort"

	"github.com/twelevegg/callcopilot/pkg/types"
)

// rrfConstant is the RRF smoothing constant c from spec §4.6 / Glossary.
const rrfConstant = 60

// rankedList is a single ranked result list plus the weight it contributes
// to the fused score.
type rankedList struct {
	items  []types.RetrievedItem
	weight float64
}

// dedupeKey identifies a RetrievedItem for fusion deduplication: source,
// title, and the first 120 bytes of content (spec §4.6).
func dedupeKey(it types.RetrievedItem) string {
	content := it.Content
	if len(content) > 120 {
		content = content[:120]
	}
	return it.Metadata.Source + "\x00" + it.Metadata.Title + "\x00" + content
}

// fuse combines lists via weighted reciprocal-rank fusion:
// score(d) = sum_i w_i / (c + rank_i(d)), rank_i is 1-based within list i.
// Deduplication keeps the highest-scoring representative under each key.
// The result is sorted by descending fused score; ties are broken by the
// original dedupe key to keep the ranking deterministic.
func fuse(lists []rankedList) []types.RetrievedItem {
	scores := make(map[string]float64)
	best := make(map[string]types.RetrievedItem)

	for _, list := range lists {
		for rank, item := range list.items {
			key := dedupeKey(item)
			scores[key] += list.weight / (rrfConstant + float64(rank+1))

			cur, seen := best[key]
			if !seen || item.Score > cur.Score {
				best[key] = item
			}
		}
	}

	out := make([]types.RetrievedItem, 0, len(best))
	keys := make([]string, 0, len(best))
	for k := range best {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		if scores[keys[i]] != scores[keys[j]] {
			return scores[keys[i]] > scores[keys[j]]
		}
		return keys[i] < keys[j]
	})
	for _, k := range keys {
		item := best[k]
		item.Score = scores[k]
		out = append(out, item)
	}
	return out
}
