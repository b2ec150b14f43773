package ingestion

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"
)

var (
	// ErrNotFound is returned when a document id is unknown.
	ErrNotFound = errors.New("ingestion: document not found")

	// ErrNotProcessing is returned when a terminal document is transitioned again.
	ErrNotProcessing = errors.New("ingestion: document is not processing")

	// ErrDocumentBusy is returned when a processing document is deleted.
	ErrDocumentBusy = errors.New("ingestion: document is still processing")
)

// Status is the processing state of a Document.
type Status string

const (
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

// Document is the registry record of one uploaded file.
type Document struct {
	ID         string    `json:"id"`
	Filename   string    `json:"filename"`
	MediaType  string    `json:"mediaType"`
	Size       int64     `json:"size"`
	Status     Status    `json:"status"`
	ChunkCount int       `json:"chunkCount"`
	Error      string    `json:"error,omitempty"`
	CreatedAt  time.Time `json:"createdAt"`
	UpdatedAt  time.Time `json:"updatedAt"`
}

// Registry records documents and their processing status. Status only moves
// from processing to completed or failed.
type Registry interface {
	// Create stores a new document, normally in StatusProcessing.
	Create(ctx context.Context, doc Document) error

	// Get returns the document with id, or ErrNotFound.
	Get(ctx context.Context, id string) (Document, error)

	// List returns up to limit documents, newest first.
	List(ctx context.Context, limit int) ([]Document, error)

	// MarkCompleted moves a processing document to completed.
	MarkCompleted(ctx context.Context, id string, chunks int) error

	// MarkFailed moves a processing document to failed with reason.
	MarkFailed(ctx context.Context, id, reason string) error

	// FailStale fails every document still processing and returns their ids.
	// Called once at startup to recover from a crash.
	FailStale(ctx context.Context, reason string) ([]string, error)

	// Delete removes a terminal document. A processing document yields
	// ErrDocumentBusy, an unknown id ErrNotFound.
	Delete(ctx context.Context, id string) error
}

// MemoryRegistry is an in-process Registry used when persistence is disabled
// and in tests.
type MemoryRegistry struct {
	mu   sync.RWMutex
	docs map[string]Document
	now  func() time.Time
}

// NewMemoryRegistry returns an empty MemoryRegistry.
func NewMemoryRegistry() *MemoryRegistry {
	return &MemoryRegistry{docs: make(map[string]Document), now: time.Now}
}

// Create implements Registry.
func (r *MemoryRegistry) Create(_ context.Context, doc Document) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.docs[doc.ID]; ok {
		return fmt.Errorf("ingestion: document %s already exists", doc.ID)
	}
	r.docs[doc.ID] = doc
	return nil
}

// Get implements Registry.
func (r *MemoryRegistry) Get(_ context.Context, id string) (Document, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	doc, ok := r.docs[id]
	if !ok {
		return Document{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return doc, nil
}

// List implements Registry.
func (r *MemoryRegistry) List(_ context.Context, limit int) ([]Document, error) {
	r.mu.RLock()
	out := make([]Document, 0, len(r.docs))
	for _, d := range r.docs {
		out = append(out, d)
	}
	r.mu.RUnlock()

	slices.SortFunc(out, func(a, b Document) int {
		if c := b.CreatedAt.Compare(a.CreatedAt); c != 0 {
			return c
		}
		if a.ID < b.ID {
			return -1
		}
		return 1
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (r *MemoryRegistry) transition(id string, apply func(*Document)) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	doc, ok := r.docs[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if doc.Status != StatusProcessing {
		return fmt.Errorf("%w: %s is %s", ErrNotProcessing, id, doc.Status)
	}
	apply(&doc)
	doc.UpdatedAt = r.now().UTC()
	r.docs[id] = doc
	return nil
}

// MarkCompleted implements Registry.
func (r *MemoryRegistry) MarkCompleted(_ context.Context, id string, chunks int) error {
	return r.transition(id, func(d *Document) {
		d.Status = StatusCompleted
		d.ChunkCount = chunks
	})
}

// MarkFailed implements Registry.
func (r *MemoryRegistry) MarkFailed(_ context.Context, id, reason string) error {
	return r.transition(id, func(d *Document) {
		d.Status = StatusFailed
		d.ChunkCount = 0
		d.Error = reason
	})
}

// FailStale implements Registry.
func (r *MemoryRegistry) FailStale(_ context.Context, reason string) ([]string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var ids []string
	for id, d := range r.docs {
		if d.Status != StatusProcessing {
			continue
		}
		d.Status = StatusFailed
		d.ChunkCount = 0
		d.Error = reason
		d.UpdatedAt = r.now().UTC()
		r.docs[id] = d
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids, nil
}

// Delete implements Registry.
func (r *MemoryRegistry) Delete(_ context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	doc, ok := r.docs[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if doc.Status == StatusProcessing {
		return fmt.Errorf("%w: %s", ErrDocumentBusy, id)
	}
	delete(r.docs, id)
	return nil
}

// CompletedGate admits retrieval hits only from documents the registry
// reports as completed. Unknown documents are not admitted.
type CompletedGate struct {
	Registry Registry
}

// Visible implements rag.Gate.
func (g CompletedGate) Visible(ctx context.Context, documentIDs []string) (map[string]bool, error) {
	out := make(map[string]bool, len(documentIDs))
	for _, id := range documentIDs {
		if _, ok := out[id]; ok {
			continue
		}
		doc, err := g.Registry.Get(ctx, id)
		switch {
		case errors.Is(err, ErrNotFound):
			out[id] = false
		case err != nil:
			return nil, err
		default:
			out[id] = doc.Status == StatusCompleted
		}
	}
	return out, nil
}
