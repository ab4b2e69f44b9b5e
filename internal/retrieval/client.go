// Package retrieval implements the Retrieval Client (spec §4.6): a
// hybrid (dense + sparse) vector store wrapper with category-aware staged
// search and reciprocal-rank fusion, backed by PostgreSQL + pgvector.
package retrieval

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	pgvector "github.com/pgvector/pgvector-go"

	"github.com/twelevegg/callcopilot/pkg/provider/embeddings"
	"github.com/twelevegg/callcopilot/pkg/types"
)

// StagedSearchRequest configures [Client.StagedCategorySearch].
type StagedSearchRequest struct {
	// Query is the natural-language text to search with.
	Query string

	// Categories lists the metadata categories to search, intersected with
	// the categories that [Client.ExistingCategories] returns on each call;
	// no startup sample is cached.
	Categories []string

	// PerCategoryK is how many fused results to pull per category.
	PerCategoryK int

	// CategoryWeights gives each category's contribution to the cross-
	// category fusion. Nil falls back to the Client's configured defaults;
	// categories absent from the effective map default to 1.0.
	CategoryWeights map[string]float64

	// AlwaysInclude maps a category to the minimum number of its results
	// that must appear in the final output when that category exists. Nil
	// falls back to the Client's configured defaults.
	AlwaysInclude map[string]int

	// TotalK bounds the final deduplicated result count.
	TotalK int
}

// Client wraps a PostgreSQL + pgvector documents table with three retrieval
// primitives (semantic, keyword, hybrid) and two composites (fused search,
// staged category search).
type Client struct {
	pool       *pgxpool.Pool
	embeddings embeddings.Provider

	// denseWeight/sparseWeight are the RRF weights used when building the
	// "hybrid" retriever from the dense and sparse primitives.
	denseWeight  float64
	sparseWeight float64

	// defaultsMu guards the configured staged-search defaults, which are
	// applied when a StagedSearchRequest leaves CategoryWeights or
	// AlwaysInclude nil and can be swapped at runtime by SetStagedDefaults.
	defaultsMu     sync.RWMutex
	defaultWeights map[string]float64
	defaultMinInc  map[string]int
}

// Option configures a Client.
type Option func(*Client)

// WithHybridWeights overrides the default 1.0/1.0 dense/sparse RRF weights
// used to build the hybrid retriever.
func WithHybridWeights(dense, sparse float64) Option {
	return func(c *Client) {
		c.denseWeight = dense
		c.sparseWeight = sparse
	}
}

// WithStagedDefaults sets the per-category weights and minimum-inclusion
// counts applied when a StagedSearchRequest doesn't supply its own.
func WithStagedDefaults(weights map[string]float64, minInclude map[string]int) Option {
	return func(c *Client) {
		c.SetStagedDefaults(weights, minInclude)
	}
}

// New creates a Client over an existing pgxpool.Pool and embeddings provider.
func New(pool *pgxpool.Pool, emb embeddings.Provider, opts ...Option) *Client {
	c := &Client{pool: pool, embeddings: emb, denseWeight: 1.0, sparseWeight: 1.0}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Connect opens a pgxpool.Pool for dsn and returns a Client. Callers own the
// returned pool's lifetime via [Client.Close].
func Connect(ctx context.Context, dsn string, emb embeddings.Provider, opts ...Option) (*Client, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("retrieval: connect: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("retrieval: ping: %w", err)
	}
	return New(pool, emb, opts...), nil
}

// Close releases the underlying connection pool.
func (c *Client) Close() {
	c.pool.Close()
}

// SetStagedDefaults replaces the staged-search default weights and
// minimum-inclusion counts. Safe to call while searches are in flight; the
// maps are copied so later caller mutation can't race a search.
func (c *Client) SetStagedDefaults(weights map[string]float64, minInclude map[string]int) {
	w := make(map[string]float64, len(weights))
	for k, v := range weights {
		w[k] = v
	}
	m := make(map[string]int, len(minInclude))
	for k, v := range minInclude {
		m[k] = v
	}
	c.defaultsMu.Lock()
	c.defaultWeights = w
	c.defaultMinInc = m
	c.defaultsMu.Unlock()
}

// stagedDefaults returns the current default weight and minimum-inclusion maps.
func (c *Client) stagedDefaults() (map[string]float64, map[string]int) {
	c.defaultsMu.RLock()
	defer c.defaultsMu.RUnlock()
	return c.defaultWeights, c.defaultMinInc
}

// Pool returns the underlying connection pool so other components backed by
// the same documents database (e.g. internal/catalog's product index) can
// share it instead of opening a second connection pool.
func (c *Client) Pool() *pgxpool.Pool {
	return c.pool
}

// ExistingCategories samples the distinct metadata categories present in the
// documents table, mirroring the teacher's startup existing-categories guard
// so a staged search never filters on a category the store doesn't carry.
func (c *Client) ExistingCategories(ctx context.Context) ([]string, error) {
	rows, err := c.pool.Query(ctx, `SELECT DISTINCT category FROM documents`)
	if err != nil {
		return nil, fmt.Errorf("retrieval: sample categories: %w", err)
	}
	cats, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, fmt.Errorf("retrieval: scan categories: %w", err)
	}
	return cats, nil
}

// Semantic performs a dense, embedding-only similarity search, optionally
// filtered by category. Results are ordered by ascending cosine distance,
// converted to a similarity score (1 - distance) for consistency with the
// other primitives.
func (c *Client) Semantic(ctx context.Context, query string, k int, category string) ([]types.RetrievedItem, error) {
	vec, err := c.embeddings.Embed(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("retrieval: embed query: %w", err)
	}
	return c.semanticByVector(ctx, vec, k, category)
}

func (c *Client) semanticByVector(ctx context.Context, vec []float32, k int, category string) ([]types.RetrievedItem, error) {
	qvec := pgvector.NewVector(vec)
	args := []any{qvec}
	where := ""
	if category != "" {
		args = append(args, category)
		where = fmt.Sprintf("WHERE category = $%d", len(args))
	}
	args = append(args, k)
	limitArg := fmt.Sprintf("$%d", len(args))

	q := fmt.Sprintf(`
		SELECT doc_id, content, category, source, title, url, price,
		       1 - (embedding <=> $1) AS score
		FROM   documents
		%s
		ORDER  BY embedding <=> $1
		LIMIT  %s`, where, limitArg)

	rows, err := c.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("retrieval: semantic search: %w", err)
	}
	return scanItems(rows)
}

// Keyword performs a sparse full-text search over document content using
// PostgreSQL's to_tsvector/plainto_tsquery, optionally filtered by category.
func (c *Client) Keyword(ctx context.Context, query string, k int, category string) ([]types.RetrievedItem, error) {
	args := []any{query}
	where := "WHERE to_tsvector('simple', content) @@ plainto_tsquery('simple', $1)"
	if category != "" {
		args = append(args, category)
		where += fmt.Sprintf(" AND category = $%d", len(args))
	}
	args = append(args, k)
	limitArg := fmt.Sprintf("$%d", len(args))

	q := fmt.Sprintf(`
		SELECT doc_id, content, category, source, title, url, price,
		       ts_rank(to_tsvector('simple', content), plainto_tsquery('simple', $1)) AS score
		FROM   documents
		%s
		ORDER  BY score DESC
		LIMIT  %s`, where, limitArg)

	rows, err := c.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("retrieval: keyword search: %w", err)
	}
	return scanItems(rows)
}

// Hybrid fuses Semantic and Keyword results for query via RRF, using the
// Client's configured dense/sparse weights.
func (c *Client) Hybrid(ctx context.Context, query string, k int, category string) ([]types.RetrievedItem, error) {
	dense, err := c.Semantic(ctx, query, k, category)
	if err != nil {
		return nil, err
	}
	sparse, err := c.Keyword(ctx, query, k, category)
	if err != nil {
		return nil, err
	}
	fused := fuse([]rankedList{
		{items: dense, weight: c.denseWeight},
		{items: sparse, weight: c.sparseWeight},
	})
	if len(fused) > k {
		fused = fused[:k]
	}
	return fused, nil
}

// StagedCategorySearch implements spec §4.6's staged category search: per
// category in req.Categories (intersected with existing categories), run a
// hybrid search with category filter and k=PerCategoryK, then fuse across
// categories with per-category weights and enforce AlwaysInclude minimums.
//
// An empty Categories list degrades to an unfiltered Hybrid search bounded by
// req.TotalK, matching the spec's failure-semantics requirement.
func (c *Client) StagedCategorySearch(ctx context.Context, req StagedSearchRequest) ([]types.RetrievedItem, error) {
	if len(req.Categories) == 0 {
		return c.Hybrid(ctx, req.Query, req.TotalK, "")
	}

	defWeights, defMinInc := c.stagedDefaults()
	if req.CategoryWeights == nil {
		req.CategoryWeights = defWeights
	}
	if req.AlwaysInclude == nil {
		req.AlwaysInclude = defMinInc
	}

	existing, err := c.ExistingCategories(ctx)
	if err != nil {
		return nil, err
	}
	existingSet := make(map[string]bool, len(existing))
	for _, cat := range existing {
		existingSet[cat] = true
	}

	var lists []rankedList
	perCategory := make(map[string][]types.RetrievedItem)
	for _, cat := range req.Categories {
		if !existingSet[cat] {
			continue
		}
		items, err := c.Hybrid(ctx, req.Query, req.PerCategoryK, cat)
		if err != nil {
			return nil, fmt.Errorf("retrieval: staged search category %q: %w", cat, err)
		}
		perCategory[cat] = items
		weight := req.CategoryWeights[cat]
		if weight == 0 {
			weight = 1.0
		}
		lists = append(lists, rankedList{items: items, weight: weight})
	}

	fused := fuse(lists)

	// Enforce minimum-inclusion guarantees: for each category with an
	// AlwaysInclude minimum, ensure at least that many of its own results
	// appear in the final set, pulling in the highest-scoring omitted ones.
	for cat, min := range req.AlwaysInclude {
		if !existingSet[cat] || min <= 0 {
			continue
		}
		count := 0
		for _, it := range fused {
			if it.Metadata.Category == cat {
				count++
			}
		}
		if count >= min {
			continue
		}
		present := make(map[string]bool)
		for _, it := range fused {
			present[dedupeKey(it)] = true
		}
		for _, it := range perCategory[cat] {
			if count >= min {
				break
			}
			if present[dedupeKey(it)] {
				continue
			}
			fused = append(fused, it)
			present[dedupeKey(it)] = true
			count++
		}
	}

	if req.TotalK > 0 && len(fused) > req.TotalK {
		// Trim from the lowest-ranked end, skipping items a category needs to
		// keep its AlwaysInclude minimum.
		counts := make(map[string]int)
		for _, it := range fused {
			counts[it.Metadata.Category]++
		}
		for i := len(fused) - 1; i >= 0 && len(fused) > req.TotalK; i-- {
			if cat := fused[i].Metadata.Category; counts[cat] > req.AlwaysInclude[cat] {
				counts[cat]--
				fused = append(fused[:i], fused[i+1:]...)
			}
		}
		if len(fused) > req.TotalK {
			fused = fused[:req.TotalK]
		}
	}
	return fused, nil
}

// scanItems converts query rows into RetrievedItem values.
func scanItems(rows pgx.Rows) ([]types.RetrievedItem, error) {
	items, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (types.RetrievedItem, error) {
		var (
			it    types.RetrievedItem
			url   *string
			price *float64
		)
		if err := row.Scan(
			&it.DocID, &it.Content, &it.Metadata.Category, &it.Metadata.Source,
			&it.Metadata.Title, &url, &price, &it.Score,
		); err != nil {
			return types.RetrievedItem{}, err
		}
		if url != nil {
			it.Metadata.URL = *url
		}
		it.Metadata.Price = price
		return it, nil
	})
	if err != nil {
		return nil, fmt.Errorf("retrieval: scan rows: %w", err)
	}
	if items == nil {
		items = []types.RetrievedItem{}
	}
	return items, nil
}

// BuildQuery joins the last n history entries' transcripts into a single
// query string, newest last — the common pattern shared by the Guidance and
// Marketing analyzers when forming a retrieval query from recent turns.
func BuildQuery(transcripts []string) string {
	return strings.Join(transcripts, "\n")
}
