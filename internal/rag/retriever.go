package rag

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// ErrEmptyQuery is returned by Retrieve for blank queries.
var ErrEmptyQuery = errors.New("rag: empty query")

// gateOverfetch multiplies the search size when a Gate may drop hits.
const gateOverfetch = 3

// Gate decides which source documents may be served to readers. Visible
// returns, for each id, whether its chunks may appear in results.
type Gate interface {
	Visible(ctx context.Context, documentIDs []string) (map[string]bool, error)
}

// RetrieverOption configures a DefaultRetriever.
type RetrieverOption func(*DefaultRetriever)

// WithGate drops hits whose document the gate does not admit. The store is
// asked for more results than requested to make up for dropped hits.
func WithGate(g Gate) RetrieverOption {
	return func(r *DefaultRetriever) { r.gate = g }
}

// DefaultRetriever implements Retriever by embedding the query and
// delegating similarity search to a VectorStore.
type DefaultRetriever struct {
	embedder    Embedder
	store       VectorStore
	defaultTopK int
	gate        Gate
}

// NewRetriever constructs a DefaultRetriever. defaultTopK sets the result
// count used when Retrieve is called with topK <= 0 (5 when unset).
func NewRetriever(embedder Embedder, store VectorStore, defaultTopK int, opts ...RetrieverOption) (*DefaultRetriever, error) {
	if embedder == nil {
		return nil, fmt.Errorf("rag: embedder must not be nil")
	}
	if store == nil {
		return nil, fmt.Errorf("rag: store must not be nil")
	}
	if defaultTopK <= 0 {
		defaultTopK = 5
	}
	r := &DefaultRetriever{
		embedder:    embedder,
		store:       store,
		defaultTopK: defaultTopK,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r, nil
}

// Retrieve embeds the query and returns the top-k published chunks, ordered
// by descending score.
func (r *DefaultRetriever) Retrieve(ctx context.Context, query string, topK int) ([]Document, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return nil, ErrEmptyQuery
	}
	if topK <= 0 {
		topK = r.defaultTopK
	}

	embeddings, err := r.embedder.Embed(ctx, []string{query})
	if err != nil {
		return nil, fmt.Errorf("rag: embedding query failed: %w", err)
	}
	if len(embeddings) == 0 {
		return nil, fmt.Errorf("rag: embedder returned empty result for query")
	}

	limit := topK
	if r.gate != nil {
		limit = topK * gateOverfetch
	}
	docs, err := r.store.Search(ctx, embeddings[0], limit)
	if err != nil {
		return nil, fmt.Errorf("rag: vector search failed: %w", err)
	}
	if r.gate == nil {
		return docs, nil
	}
	return r.admit(ctx, docs, topK)
}

// admit keeps at most topK hits whose document the gate admits, in order.
func (r *DefaultRetriever) admit(ctx context.Context, docs []Document, topK int) ([]Document, error) {
	var ids []string
	seen := make(map[string]bool)
	for _, d := range docs {
		if !seen[d.DocumentID] {
			seen[d.DocumentID] = true
			ids = append(ids, d.DocumentID)
		}
	}
	if len(ids) == 0 {
		return docs, nil
	}
	visible, err := r.gate.Visible(ctx, ids)
	if err != nil {
		return nil, fmt.Errorf("rag: document gate: %w", err)
	}

	out := docs[:0:0]
	for _, d := range docs {
		if !visible[d.DocumentID] {
			continue
		}
		out = append(out, d)
		if len(out) == topK {
			break
		}
	}
	return out, nil
}
