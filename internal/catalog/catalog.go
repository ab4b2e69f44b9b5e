// Package catalog implements the product search index used by the
// Marketing Pipeline to surface product candidates (spec §4.4), independent
// from the document retrieval store in internal/retrieval. It runs a hybrid
// keyword+semantic search over a structured product table.
package catalog

import (
	"context"
	"fmt"
	"sort"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	pgvector "github.com/pgvector/pgvector-go"

	"github.com/twelevegg/callcopilot/pkg/provider/embeddings"
	"github.com/twelevegg/callcopilot/pkg/types"
)

// rrfConstant mirrors internal/retrieval's fusion smoothing constant so
// catalog ranking behaves consistently with document ranking.
const rrfConstant = 60

// Index wraps a PostgreSQL + pgvector products table.
type Index struct {
	pool       *pgxpool.Pool
	embeddings embeddings.Provider
}

// New creates an Index over an existing pool and embeddings provider.
func New(pool *pgxpool.Pool, emb embeddings.Provider) *Index {
	return &Index{pool: pool, embeddings: emb}
}

// Search returns the top k product candidates for query, fusing a semantic
// (embedding) search with a keyword (full-text) search via reciprocal rank
// fusion. An optional kind filter (e.g. "internet", "iptv", "mobile")
// narrows both legs.
func (idx *Index) Search(ctx context.Context, query string, k int, kind string) ([]types.ProductCandidate, error) {
	vec, err := idx.embeddings.Embed(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("catalog: embed query: %w", err)
	}

	semantic, err := idx.semantic(ctx, vec, k, kind)
	if err != nil {
		return nil, err
	}
	keyword, err := idx.keyword(ctx, query, k, kind)
	if err != nil {
		return nil, err
	}

	fused := fuseProducts(semantic, keyword)
	if len(fused) > k {
		fused = fused[:k]
	}
	return fused, nil
}

func (idx *Index) semantic(ctx context.Context, vec []float32, k int, kind string) ([]types.ProductCandidate, error) {
	qvec := pgvector.NewVector(vec)
	args := []any{qvec}
	where := ""
	if kind != "" {
		args = append(args, kind)
		where = fmt.Sprintf("WHERE kind = $%d", len(args))
	}
	args = append(args, k)
	limitArg := fmt.Sprintf("$%d", len(args))

	q := fmt.Sprintf(`
		SELECT product_id, kind, name, description, price, conditions,
		       cautions, data_allowance, voice_allowance, sms_allowance, benefits
		FROM   products
		%s
		ORDER  BY embedding <=> $1
		LIMIT  %s`, where, limitArg)

	rows, err := idx.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("catalog: semantic search: %w", err)
	}
	return scanProducts(rows)
}

func (idx *Index) keyword(ctx context.Context, query string, k int, kind string) ([]types.ProductCandidate, error) {
	args := []any{query}
	where := "WHERE to_tsvector('simple', name || ' ' || description) @@ plainto_tsquery('simple', $1)"
	if kind != "" {
		args = append(args, kind)
		where += fmt.Sprintf(" AND kind = $%d", len(args))
	}
	args = append(args, k)
	limitArg := fmt.Sprintf("$%d", len(args))

	q := fmt.Sprintf(`
		SELECT product_id, kind, name, description, price, conditions,
		       cautions, data_allowance, voice_allowance, sms_allowance, benefits
		FROM   products
		%s
		ORDER  BY ts_rank(to_tsvector('simple', name || ' ' || description), plainto_tsquery('simple', $1)) DESC
		LIMIT  %s`, where, limitArg)

	rows, err := idx.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("catalog: keyword search: %w", err)
	}
	return scanProducts(rows)
}

func scanProducts(rows pgx.Rows) ([]types.ProductCandidate, error) {
	products, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (types.ProductCandidate, error) {
		var p types.ProductCandidate
		if err := row.Scan(
			&p.ProductID, &p.Kind, &p.Name, &p.Description, &p.Price,
			&p.Conditions, &p.Cautions, &p.Data, &p.Voice, &p.SMS, &p.Benefits,
		); err != nil {
			return types.ProductCandidate{}, err
		}
		return p, nil
	})
	if err != nil {
		return nil, fmt.Errorf("catalog: scan rows: %w", err)
	}
	if products == nil {
		products = []types.ProductCandidate{}
	}
	return products, nil
}

// fuseProducts combines two equally-weighted ranked lists via reciprocal
// rank fusion, deduplicating on product_id and keeping ranking deterministic.
func fuseProducts(lists ...[]types.ProductCandidate) []types.ProductCandidate {
	scores := make(map[string]float64)
	best := make(map[string]types.ProductCandidate)
	order := make([]string, 0)

	for _, list := range lists {
		for rank, p := range list {
			if _, seen := best[p.ProductID]; !seen {
				order = append(order, p.ProductID)
				best[p.ProductID] = p
			}
			scores[p.ProductID] += 1.0 / (rrfConstant + float64(rank+1))
		}
	}

	sort.SliceStable(order, func(i, j int) bool {
		return scores[order[i]] > scores[order[j]]
	})

	out := make([]types.ProductCandidate, 0, len(order))
	for _, id := range order {
		out = append(out, best[id])
	}
	return out
}
