package rag

import (
	"context"
	"errors"
	"fmt"
	"math"
	"slices"
	"sync"
)

// MemoryStore is an in-process VectorStore using brute-force cosine
// similarity. It backs VECTOR_STORE=memory deployments and tests. Staged and
// published chunks live under one mutex, so Publish is atomic for readers.
type MemoryStore struct {
	mu        sync.RWMutex
	staged    map[string]map[string]memoryEntry
	published map[string]map[string]memoryEntry
	closed    bool
}

type memoryEntry struct {
	doc Document
	vec []float32
}

var errStoreClosed = errors.New("rag: memory store is closed")

// NewMemoryStore returns an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		staged:    make(map[string]map[string]memoryEntry),
		published: make(map[string]map[string]memoryEntry),
	}
}

// Upsert implements VectorStore.
func (s *MemoryStore) Upsert(_ context.Context, docs []Document, embeddings [][]float32) error {
	if len(docs) != len(embeddings) {
		return fmt.Errorf("rag: upsert: %d documents but %d embeddings", len(docs), len(embeddings))
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return errStoreClosed
	}
	for i, d := range docs {
		if d.DocumentID == "" || d.ID == "" {
			return fmt.Errorf("rag: upsert: chunk %d has no id or document id", i)
		}
		bucket, ok := s.staged[d.DocumentID]
		if !ok {
			bucket = make(map[string]memoryEntry)
			s.staged[d.DocumentID] = bucket
		}
		d.Score = 0
		bucket[d.ID] = memoryEntry{doc: d, vec: slices.Clone(embeddings[i])}
	}
	return nil
}

// Publish implements VectorStore. A republished document replaces its
// previous chunk set wholesale.
func (s *MemoryStore) Publish(_ context.Context, documentID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return errStoreClosed
	}
	bucket, ok := s.staged[documentID]
	if !ok || len(bucket) == 0 {
		return fmt.Errorf("%w: %s", ErrNothingStaged, documentID)
	}
	s.published[documentID] = bucket
	delete(s.staged, documentID)
	return nil
}

// Search implements VectorStore. Ties are broken by document id and chunk
// index so identical queries return identical orderings.
func (s *MemoryStore) Search(_ context.Context, query []float32, topK int) ([]Document, error) {
	if topK <= 0 {
		return nil, nil
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, errStoreClosed
	}

	var hits []Document
	for _, bucket := range s.published {
		for _, e := range bucket {
			if len(e.vec) != len(query) {
				return nil, fmt.Errorf("rag: search: query has %d dimensions, stored vector has %d", len(query), len(e.vec))
			}
			d := e.doc
			d.Score = cosine(query, e.vec)
			hits = append(hits, d)
		}
	}

	slices.SortFunc(hits, func(a, b Document) int {
		switch {
		case a.Score > b.Score:
			return -1
		case a.Score < b.Score:
			return 1
		case a.DocumentID != b.DocumentID:
			if a.DocumentID < b.DocumentID {
				return -1
			}
			return 1
		default:
			return a.ChunkIndex - b.ChunkIndex
		}
	})
	if len(hits) > topK {
		hits = hits[:topK]
	}
	return hits, nil
}

// DeleteDocument implements VectorStore.
func (s *MemoryStore) DeleteDocument(_ context.Context, documentID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.staged, documentID)
	delete(s.published, documentID)
	return nil
}

// Count returns the number of published chunks for documentID.
func (s *MemoryStore) Count(documentID string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.published[documentID])
}

// HealthCheck reports whether the store is open.
func (s *MemoryStore) HealthCheck(context.Context) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return errStoreClosed
	}
	return nil
}

// Close implements VectorStore.
func (s *MemoryStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func cosine(a, b []float32) float32 {
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return float32(dot / (math.Sqrt(na) * math.Sqrt(nb)))
}
