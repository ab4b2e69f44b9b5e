// Package promptctx assembles the retrieval context block injected into
// every Guidance and Marketing generator prompt.
//
// Per spec §4.3/§4.6, a turn's search_filter names one or more categories and
// each is searched independently with its own k; the category blocks are
// then concatenated in a fixed order so the prompt is reproducible even
// though the underlying fetches run concurrently.
package promptctx

import (
	"context"
	"fmt"
	"strings"

	"golang.org/x/sync/errgroup"

	"github.com/twelevegg/callcopilot/internal/retrieval"
	"github.com/twelevegg/callcopilot/pkg/types"
)

// Searcher is the subset of *retrieval.Client the Assembler needs, narrowed
// so callers can substitute a test double.
type Searcher interface {
	Semantic(ctx context.Context, query string, k int, category string) ([]types.RetrievedItem, error)
}

var _ Searcher = (*retrieval.Client)(nil)

// CategoryRequest names one category to search and how many results to pull
// from it.
type CategoryRequest struct {
	Category string
	K        int
}

// Assembler fetches retrieval context for one or more categories concurrently
// and renders it into a single text block.
type Assembler struct {
	searcher Searcher
}

// NewAssembler creates an Assembler backed by searcher.
func NewAssembler(searcher Searcher) *Assembler {
	return &Assembler{searcher: searcher}
}

// AssembleContext runs one Semantic search per entry in reqs concurrently via
// errgroup, then concatenates the results into a single text block, ordered
// by reqs (not by completion order), each item prefixed by its category.
//
// If any category's search fails, assembly aborts and the error is returned
// wrapped with the failing category name — callers decide whether to treat
// retrieval failure as fatal or to fall back to a context-free generation.
func (a *Assembler) AssembleContext(ctx context.Context, query string, reqs []CategoryRequest) (string, error) {
	results := make([][]types.RetrievedItem, len(reqs))

	eg, egCtx := errgroup.WithContext(ctx)
	for i, req := range reqs {
		eg.Go(func() error {
			items, err := a.searcher.Semantic(egCtx, query, req.K, req.Category)
			if err != nil {
				return fmt.Errorf("promptctx: search category %q: %w", req.Category, err)
			}
			results[i] = items
			return nil
		})
	}
	if err := eg.Wait(); err != nil {
		return "", err
	}

	var sb strings.Builder
	for i, req := range reqs {
		items := results[i]
		if len(items) == 0 {
			continue
		}
		if sb.Len() > 0 {
			sb.WriteString("\n\n")
		}
		fmt.Fprintf(&sb, "## %s\n", req.Category)
		for j, it := range items {
			if j > 0 {
				sb.WriteString("\n")
			}
			sb.WriteString(it.Content)
		}
	}
	return sb.String(), nil
}
