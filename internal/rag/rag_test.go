package rag

import (
	"context"
	"errors"
	"fmt"
	"testing"
)

// fakeEmbedder maps known texts to fixed vectors.
type fakeEmbedder struct {
	vecs map[string][]float32
	err  error
}

func (f *fakeEmbedder) Embed(_ context.Context, texts []string) ([][]float32, error) {
	if f.err != nil {
		return nil, f.err
	}
	out := make([][]float32, len(texts))
	for i, t := range texts {
		v, ok := f.vecs[t]
		if !ok {
			return nil, fmt.Errorf("no vector for %q", t)
		}
		out[i] = v
	}
	return out, nil
}

func chunk(docID string, i int, text string) Document {
	return Document{ID: fmt.Sprintf("%s-%d", docID, i), DocumentID: docID, ChunkIndex: i, Content: text}
}

func TestMemoryStore_StagedChunksInvisibleUntilPublish(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := NewMemoryStore()

	docs := []Document{chunk("doc-1", 0, "a"), chunk("doc-1", 1, "b")}
	if err := s.Upsert(ctx, docs, [][]float32{{1, 0}, {0, 1}}); err != nil {
		t.Fatalf("Upsert: %v", err)
	}

	got, err := s.Search(ctx, []float32{1, 0}, 10)
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(got) != 0 {
		t.Fatalf("staged chunks visible before publish: %v", got)
	}

	if err := s.Publish(ctx, "doc-1"); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	got, _ = s.Search(ctx, []float32{1, 0}, 10)
	if len(got) != 2 {
		t.Fatalf("want 2 chunks after publish, got %d", len(got))
	}
	if got[0].ID != "doc-1-0" || got[0].Score < got[1].Score {
		t.Errorf("results not ordered by score: %+v", got)
	}
}

func TestMemoryStore_SearchBoundsAndTies(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := NewMemoryStore()

	docs := []Document{chunk("b", 0, "x"), chunk("a", 1, "y"), chunk("a", 0, "z")}
	vecs := [][]float32{{1, 1}, {1, 1}, {1, 1}}
	if err := s.Upsert(ctx, docs, vecs); err != nil {
		t.Fatal(err)
	}
	for _, id := range []string{"a", "b"} {
		if err := s.Publish(ctx, id); err != nil {
			t.Fatal(err)
		}
	}

	got, err := s.Search(ctx, []float32{1, 1}, 2)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 {
		t.Fatalf("topK not honoured: %d results", len(got))
	}
	if got[0].ID != "a-0" || got[1].ID != "a-1" {
		t.Errorf("tie order not deterministic: %s, %s", got[0].ID, got[1].ID)
	}

	again, _ := s.Search(ctx, []float32{1, 1}, 2)
	for i := range got {
		if got[i].ID != again[i].ID || got[i].Score != again[i].Score {
			t.Errorf("search not idempotent at %d", i)
		}
	}
}

func TestMemoryStore_DeleteDocument(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := NewMemoryStore()

	_ = s.Upsert(ctx, []Document{chunk("d", 0, "x")}, [][]float32{{1}})
	_ = s.Publish(ctx, "d")
	_ = s.Upsert(ctx, []Document{chunk("d", 1, "y")}, [][]float32{{1}})

	if err := s.DeleteDocument(ctx, "d"); err != nil {
		t.Fatal(err)
	}
	if n := s.Count("d"); n != 0 {
		t.Errorf("published chunks remain: %d", n)
	}
	if err := s.Publish(ctx, "d"); !errors.Is(err, ErrNothingStaged) {
		t.Errorf("staged chunks remain: %v", err)
	}
}

func TestMemoryStore_Errors(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := NewMemoryStore()

	if err := s.Upsert(ctx, []Document{chunk("d", 0, "x")}, nil); err == nil {
		t.Error("expected length mismatch error")
	}
	if err := s.Upsert(ctx, []Document{{ID: "x"}}, [][]float32{{1}}); err == nil {
		t.Error("expected missing document id error")
	}
	if err := s.Publish(ctx, "missing"); !errors.Is(err, ErrNothingStaged) {
		t.Errorf("Publish unknown: %v", err)
	}

	_ = s.Close()
	if err := s.HealthCheck(ctx); err == nil {
		t.Error("expected closed store to fail health check")
	}
}

func TestPointID(t *testing.T) {
	t.Parallel()

	u := "6f1c1a52-3f0e-4d1b-9a57-0c1f8f0b6a11"
	if got := pointID(u); got != u {
		t.Errorf("uuid id changed: %q", got)
	}
	a, b := pointID("doc#1"), pointID("doc#1")
	if a != b || a == "doc#1" {
		t.Errorf("non-uuid ids must map to a stable uuid: %q %q", a, b)
	}
}

func TestRetriever(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	store := NewMemoryStore()
	_ = store.Upsert(ctx,
		[]Document{chunk("manual", 0, "lube oil"), chunk("manual", 1, "vibration")},
		[][]float32{{1, 0}, {0, 1}},
	)
	_ = store.Publish(ctx, "manual")

	emb := &fakeEmbedder{vecs: map[string][]float32{"oil pressure": {0.9, 0.1}}}
	r, err := NewRetriever(emb, store, 1)
	if err != nil {
		t.Fatal(err)
	}

	got, err := r.Retrieve(ctx, "  oil pressure ", 0)
	if err != nil {
		t.Fatalf("Retrieve: %v", err)
	}
	if len(got) != 1 || got[0].Content != "lube oil" {
		t.Errorf("unexpected results: %+v", got)
	}

	if _, err := r.Retrieve(ctx, "   ", 3); !errors.Is(err, ErrEmptyQuery) {
		t.Errorf("blank query: %v", err)
	}

	bad, _ := NewRetriever(&fakeEmbedder{err: errors.New("down")}, store, 3)
	if _, err := bad.Retrieve(ctx, "oil pressure", 3); err == nil {
		t.Error("expected embedder error")
	}
}

func TestNewRetriever_NilDeps(t *testing.T) {
	t.Parallel()
	if _, err := NewRetriever(nil, NewMemoryStore(), 5); err == nil {
		t.Error("expected nil embedder error")
	}
	if _, err := NewRetriever(&fakeEmbedder{}, nil, 5); err == nil {
		t.Error("expected nil store error")
	}
}

// mapGate admits the documents set to true.
type mapGate struct {
	visible map[string]bool
	err     error
	asked   [][]string
}

func (g *mapGate) Visible(_ context.Context, ids []string) (map[string]bool, error) {
	g.asked = append(g.asked, ids)
	return g.visible, g.err
}

func TestRetriever_GateDropsUnadmittedDocuments(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	// "draft" chunks score highest; without overfetch they would crowd out
	// every admitted hit.
	store := NewMemoryStore()
	_ = store.Upsert(ctx,
		[]Document{chunk("draft", 0, "oil a"), chunk("draft", 1, "oil b"), chunk("manual", 0, "oil c")},
		[][]float32{{1, 0}, {0.99, 0.01}, {0.9, 0.1}},
	)
	_ = store.Publish(ctx, "draft")
	_ = store.Publish(ctx, "manual")

	emb := &fakeEmbedder{vecs: map[string][]float32{"oil": {1, 0}}}
	gate := &mapGate{visible: map[string]bool{"manual": true}}
	r, err := NewRetriever(emb, store, 2, WithGate(gate))
	if err != nil {
		t.Fatal(err)
	}

	got, err := r.Retrieve(ctx, "oil", 1)
	if err != nil {
		t.Fatalf("Retrieve: %v", err)
	}
	if len(got) != 1 || got[0].DocumentID != "manual" {
		t.Errorf("got %+v, want the manual chunk only", got)
	}
	if len(gate.asked) != 1 || len(gate.asked[0]) != 2 {
		t.Errorf("gate should be asked once per distinct document: %v", gate.asked)
	}

	gate.err = errors.New("registry unavailable")
	if _, err := r.Retrieve(ctx, "oil", 1); err == nil {
		t.Error("gate failure must surface as a retrieval error")
	}
}
