// Package rag defines the retrieval side of ppta: chunk storage with
// all-or-nothing visibility per source document, embedding, and the
// Retriever used by the session coordinator and troubleshooting planner.
// Concrete stores (Qdrant, in-memory) satisfy [VectorStore] so callers never
// depend on a specific backend.
package rag

import (
	"context"
	"errors"
)

// ErrNothingStaged is returned by Publish when a document has no staged chunks.
var ErrNothingStaged = errors.New("rag: no staged chunks for document")

// Document is one retrievable chunk of a source document.
type Document struct {
	// ID is the unique identifier of this chunk.
	ID string

	// DocumentID is the id of the source document the chunk was cut from.
	DocumentID string

	// Content is the chunk text.
	Content string

	// Source is the original filename or path.
	Source string

	// ChunkIndex is the position of the chunk within its source document.
	ChunkIndex int

	// Metadata holds arbitrary string key-value pairs (media type, page, ...).
	Metadata map[string]string

	// Score is the similarity score assigned during retrieval.
	// Zero value means the score was not computed.
	Score float32
}

// VectorStore persists chunk embeddings and answers similarity queries.
//
// Writes are staged: chunks passed to Upsert stay invisible to Search until
// Publish is called for their DocumentID, at which point every staged chunk
// of that document becomes visible together. Implementations must be safe to
// call from multiple goroutines.
type VectorStore interface {
	// Upsert stages a batch of chunks with their pre-computed embeddings.
	// embeddings[i] is the vector for docs[i].
	Upsert(ctx context.Context, docs []Document, embeddings [][]float32) error

	// Publish makes all staged chunks of documentID visible to Search.
	Publish(ctx context.Context, documentID string) error

	// Search returns at most topK published chunks ordered by descending
	// similarity to queryEmbedding.
	Search(ctx context.Context, queryEmbedding []float32, topK int) ([]Document, error)

	// DeleteDocument removes every chunk, staged or published, of documentID.
	DeleteDocument(ctx context.Context, documentID string) error

	// Close releases any resources held by the store.
	Close() error
}

// Embedder converts text into dense vector embeddings.
// Implementations must be safe to call from multiple goroutines.
type Embedder interface {
	// Embed converts a batch of texts into their corresponding embeddings.
	// The returned slice is parallel to the input slice.
	Embed(ctx context.Context, texts []string) ([][]float32, error)
}

// Retriever fetches relevant chunks for a free-text query.
// Implementations must be safe to call from multiple goroutines.
type Retriever interface {
	// Retrieve returns the top-k most relevant chunks for the given query.
	Retrieve(ctx context.Context, query string, topK int) ([]Document, error)
}
