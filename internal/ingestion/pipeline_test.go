package ingestion

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"math/rand/v2"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/54b3r/ppta-go/internal/rag"
)

const embedDims = 16

// hashEmbedder maps each text to a pseudo-random unit vector seeded by its
// hash, so identical text always yields an identical vector.
type hashEmbedder struct {
	delay   time.Duration
	failOn  string
	calls   atomic.Int32
	started chan struct{}
	once    sync.Once
}

func vectorFor(text string) []float32 {
	h := fnv.New64a()
	_, _ = h.Write([]byte(text))
	seed := h.Sum64()
	rng := rand.New(rand.NewPCG(seed, seed>>1))
	v := make([]float32, embedDims)
	for i := range v {
		v[i] = float32(rng.NormFloat64())
	}
	return v
}

func (e *hashEmbedder) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	e.calls.Add(1)
	if e.started != nil {
		e.once.Do(func() { close(e.started) })
	}
	if e.delay > 0 {
		select {
		case <-time.After(e.delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	out := make([][]float32, len(texts))
	for i, t := range texts {
		if e.failOn != "" && strings.Contains(t, e.failOn) {
			return nil, fmt.Errorf("embedding backend rejected input")
		}
		out[i] = vectorFor(t)
	}
	return out, nil
}

// failingPublishStore wraps a MemoryStore and fails Publish.
type failingPublishStore struct {
	*rag.MemoryStore
}

func (s failingPublishStore) Publish(context.Context, string) error {
	return errors.New("qdrant: publish timed out")
}

func paragraphs(n int) string {
	parts := make([]string, n)
	for i := range parts {
		parts[i] = fmt.Sprintf("Procedure step %d: verify jacket water temperature sensor TT-%03d reads within limits.", i+1, i+1)
	}
	return strings.Join(parts, "\n\n")
}

func newTestPipeline(t *testing.T, emb rag.Embedder, store rag.VectorStore, mutate func(*Config)) (*Pipeline, *MemoryRegistry) {
	t.Helper()
	reg := NewMemoryRegistry()
	cfg := Config{
		Embedder:    emb,
		Store:       store,
		Registry:    reg,
		Policy:      Policy{Allowed: []string{MediaText, MediaMarkdown, MediaPDF}, MaxBytes: 1 << 20},
		Chunker:     Chunker{Size: 500, Overlap: 50},
		BatchSize:   2,
		Concurrency: 2,
	}
	if mutate != nil {
		mutate(&cfg)
	}
	p, err := NewPipeline(cfg)
	if err != nil {
		t.Fatalf("NewPipeline: %v", err)
	}
	return p, reg
}

func TestPipeline_ProcessOneChunkPerUnitAndVerbatimHit(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store := rag.NewMemoryStore()
	emb := &hashEmbedder{}
	p, _ := newTestPipeline(t, emb, store, nil)

	const n = 7
	doc, err := p.Process(ctx, File{Name: "CAT_G3520_cooling_procedure.txt", Data: []byte(paragraphs(n))})
	if err != nil {
		t.Fatalf("Process: %v", err)
	}
	if doc.Status != StatusCompleted || doc.ChunkCount != n {
		t.Fatalf("doc = %+v, want completed with %d chunks", doc, n)
	}
	if got := store.Count(doc.ID); got != n {
		t.Errorf("store holds %d chunks, want %d", got, n)
	}

	target := "Procedure step 4: verify jacket water temperature sensor TT-004 reads within limits."
	hits, err := store.Search(ctx, vectorFor(target), 3)
	if err != nil {
		t.Fatal(err)
	}
	if len(hits) == 0 || hits[0].Content != target {
		t.Fatalf("verbatim query did not return its chunk first: %+v", hits)
	}
	top := hits[0]
	if top.DocumentID != doc.ID || top.ChunkIndex != 3 || top.Source != doc.Filename {
		t.Errorf("chunk attribution wrong: %+v", top)
	}
	if top.Metadata["engine"] != "G3520" || top.Metadata["doc_type"] != "procedure" || top.Metadata["location"] != "paragraph 4" {
		t.Errorf("metadata not attached: %v", top.Metadata)
	}
	if calls := emb.calls.Load(); calls != 4 {
		t.Errorf("want 4 embed batches of <=2 chunks, got %d", calls)
	}
}

func TestPipeline_ChunksInvisibleUntilComplete(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store := rag.NewMemoryStore()
	emb := &hashEmbedder{delay: 15 * time.Millisecond, started: make(chan struct{})}
	p, reg := newTestPipeline(t, emb, store, func(c *Config) {
		c.BatchSize = 1
		c.Concurrency = 1
	})

	const n = 8
	doc, err := p.Submit(ctx, File{Name: "manual.txt", Data: []byte(paragraphs(n))})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if doc.Status != StatusProcessing {
		t.Fatalf("Submit returned status %s", doc.Status)
	}

	<-emb.started
	queryVec := vectorFor("jacket water")
	var observed []int
	for {
		hits, err := store.Search(ctx, queryVec, 100)
		if err != nil {
			t.Fatal(err)
		}
		observed = append(observed, len(hits))
		cur, _ := reg.Get(ctx, doc.ID)
		if cur.Status != StatusProcessing {
			break
		}
		time.Sleep(2 * time.Millisecond)
	}

	for _, count := range observed {
		if count != 0 && count != n {
			t.Fatalf("observed partial visibility: %d of %d chunks (%v)", count, n, observed)
		}
	}

	if err := p.Wait(ctx); err != nil {
		t.Fatal(err)
	}
	final, _ := reg.Get(ctx, doc.ID)
	if final.Status != StatusCompleted {
		t.Fatalf("final status %s (%s)", final.Status, final.Error)
	}
	hits, _ := store.Search(ctx, queryVec, 100)
	if len(hits) != n {
		t.Errorf("after completion %d chunks visible, want %d", len(hits), n)
	}
}

func TestPipeline_SubmitRejectsBeforeCreatingDocument(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	emb := &hashEmbedder{}
	p, reg := newTestPipeline(t, emb, rag.NewMemoryStore(), func(c *Config) {
		c.Policy.MaxBytes = 64
	})

	_, err := p.Submit(ctx, File{Name: "big.txt", Data: []byte(paragraphs(5))})
	var verr *ValidationError
	if !errors.As(err, &verr) || verr.Status != 413 {
		t.Fatalf("want 413 ValidationError, got %v", err)
	}
	if docs, _ := reg.List(ctx, 0); len(docs) != 0 {
		t.Errorf("a document was created for a rejected upload: %+v", docs)
	}
	if emb.calls.Load() != 0 {
		t.Error("embedder called for a rejected upload")
	}
}

func TestPipeline_Failures(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	tests := []struct {
		name    string
		emb     *hashEmbedder
		store   func() rag.VectorStore
		file    File
		wantErr string
	}{
		{
			name:    "embedding failure",
			emb:     &hashEmbedder{failOn: "step 3"},
			store:   func() rag.VectorStore { return rag.NewMemoryStore() },
			file:    File{Name: "sop.txt", Data: []byte(paragraphs(6))},
			wantErr: "embed",
		},
		{
			name:    "publish failure",
			emb:     &hashEmbedder{},
			store:   func() rag.VectorStore { return failingPublishStore{rag.NewMemoryStore()} },
			file:    File{Name: "sop.txt", Data: []byte(paragraphs(3))},
			wantErr: "publish",
		},
		{
			name:    "no text",
			emb:     &hashEmbedder{},
			store:   func() rag.VectorStore { return rag.NewMemoryStore() },
			file:    File{Name: "blank.md", Data: []byte("\n\n   \n\t\n")},
			wantErr: "no extractable text",
		},
		{
			name:    "malformed pdf",
			emb:     &hashEmbedder{},
			store:   func() rag.VectorStore { return rag.NewMemoryStore() },
			file:    File{Name: "broken.pdf", Data: []byte("%PDF-1.7\nthis is not really a pdf")},
			wantErr: "extract",
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			store := tc.store()
			p, _ := newTestPipeline(t, tc.emb, store, nil)

			doc, err := p.Process(ctx, tc.file)
			if err != nil {
				t.Fatalf("Process: %v", err)
			}
			if doc.Status != StatusFailed {
				t.Fatalf("status = %s, want failed", doc.Status)
			}
			if !strings.Contains(doc.Error, tc.wantErr) {
				t.Errorf("error %q does not mention %q", doc.Error, tc.wantErr)
			}
			if doc.ChunkCount != 0 {
				t.Errorf("failed document reports %d chunks", doc.ChunkCount)
			}
			hits, _ := store.Search(ctx, vectorFor("jacket water"), 100)
			if len(hits) != 0 {
				t.Errorf("failed document left %d visible chunks", len(hits))
			}
			if err := store.Publish(ctx, doc.ID); !errors.Is(err, rag.ErrNothingStaged) && tc.name != "publish failure" {
				t.Errorf("staged chunks were not cleaned up: %v", err)
			}
		})
	}
}

func TestPipeline_MetricsRecorded(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	reg := prometheus.NewRegistry()
	p, _ := newTestPipeline(t, &hashEmbedder{}, rag.NewMemoryStore(), func(c *Config) {
		c.Metrics = NewMetrics(reg)
	})

	if _, err := p.Process(ctx, File{Name: "a.txt", Data: []byte(paragraphs(3))}); err != nil {
		t.Fatal(err)
	}
	if _, err := p.Process(ctx, File{Name: "b.md", Data: []byte("\n\n")}); err != nil {
		t.Fatal(err)
	}

	mfs, err := reg.Gather()
	if err != nil {
		t.Fatal(err)
	}
	values := map[string]float64{}
	for _, mf := range mfs {
		for _, m := range mf.GetMetric() {
			key := mf.GetName()
			for _, lp := range m.GetLabel() {
				key += "/" + lp.GetValue()
			}
			if c := m.GetCounter(); c != nil {
				values[key] = c.GetValue()
			}
		}
	}
	if values["ppta_ingest_documents_total/completed"] != 1 || values["ppta_ingest_documents_total/failed"] != 1 {
		t.Errorf("document counters: %v", values)
	}
	if values["ppta_ingest_chunks_total"] != 3 {
		t.Errorf("chunk counter: %v", values["ppta_ingest_chunks_total"])
	}
}

func TestPipeline_WaitHonoursContext(t *testing.T) {
	t.Parallel()
	emb := &hashEmbedder{delay: time.Second}
	p, _ := newTestPipeline(t, emb, rag.NewMemoryStore(), nil)

	if _, err := p.Submit(context.Background(), File{Name: "slow.txt", Data: []byte(paragraphs(1))}); err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	if err := p.Wait(ctx); err == nil {
		t.Error("Wait must return when its context expires")
	}
	if err := p.Wait(context.Background()); err != nil {
		t.Errorf("Wait: %v", err)
	}
}

func TestPipeline_SubmitSurvivesRequestCancellation(t *testing.T) {
	t.Parallel()
	emb := &hashEmbedder{delay: 20 * time.Millisecond}
	p, reg := newTestPipeline(t, emb, rag.NewMemoryStore(), nil)

	reqCtx, cancel := context.WithCancel(context.Background())
	doc, err := p.Submit(reqCtx, File{Name: "a.txt", Data: []byte(paragraphs(2))})
	if err != nil {
		t.Fatal(err)
	}
	cancel()

	if err := p.Wait(context.Background()); err != nil {
		t.Fatal(err)
	}
	got, _ := reg.Get(context.Background(), doc.ID)
	if got.Status != StatusCompleted {
		t.Errorf("status %s (%s): processing must not be tied to the request", got.Status, got.Error)
	}
}

type recordingSubmitter struct {
	files chan File
}

func (r *recordingSubmitter) Submit(_ context.Context, f File) (Document, error) {
	r.files <- f
	return Document{ID: "doc-" + f.Name, Status: StatusProcessing}, nil
}

func TestWatcher_SubmitsAllowedFiles(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	sub := &recordingSubmitter{files: make(chan File, 4)}
	w := NewWatcher(dir, sub, Policy{Allowed: []string{MediaText}}, 20*time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() { errc <- w.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		<-errc
	})

	// Give the watcher time to register the directory.
	time.Sleep(100 * time.Millisecond)

	if err := os.WriteFile(filepath.Join(dir, "ignored.bin"), []byte("x"), 0o600); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "shift-log.txt"), []byte("Unit 2 tripped on overspeed."), 0o600); err != nil {
		t.Fatal(err)
	}

	select {
	case f := <-sub.files:
		if f.Name != "shift-log.txt" || string(f.Data) != "Unit 2 tripped on overspeed." {
			t.Errorf("unexpected submission: %s %q", f.Name, f.Data)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("watcher did not submit the dropped file")
	}

	select {
	case f := <-sub.files:
		t.Errorf("unexpected extra submission: %s", f.Name)
	case <-time.After(150 * time.Millisecond):
	}
}

// gatedSubmitter blocks in Submit until release is closed.
type gatedSubmitter struct {
	started chan string
	release chan struct{}
}

func (g *gatedSubmitter) Submit(_ context.Context, f File) (Document, error) {
	g.started <- f.Name
	<-g.release
	return Document{ID: "doc-" + f.Name, Status: StatusProcessing}, nil
}

// Run must not return while a submission is in flight, so a caller that
// joins Run before draining the pipeline never races a late Submit.
func TestWatcher_RunReturnsAfterInFlightSubmit(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	sub := &gatedSubmitter{started: make(chan string, 4), release: make(chan struct{})}
	w := NewWatcher(dir, sub, Policy{Allowed: []string{MediaText}}, 20*time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	errc := make(chan error, 1)
	go func() { errc <- w.Run(ctx) }()

	time.Sleep(100 * time.Millisecond)
	if err := os.WriteFile(filepath.Join(dir, "trip.txt"), []byte("Unit 1 tripped."), 0o600); err != nil {
		t.Fatal(err)
	}
	select {
	case <-sub.started:
	case <-time.After(5 * time.Second):
		t.Fatal("watcher did not submit the dropped file")
	}

	cancel()
	select {
	case <-errc:
		t.Fatal("Run returned while Submit was still running")
	case <-time.After(100 * time.Millisecond):
	}

	close(sub.release)
	select {
	case err := <-errc:
		if err != nil {
			t.Errorf("Run: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancellation")
	}

	// Nothing reaches the submitter once Run has returned.
	if err := os.WriteFile(filepath.Join(dir, "late.txt"), []byte("late"), 0o600); err != nil {
		t.Fatal(err)
	}
	select {
	case name := <-sub.started:
		t.Errorf("submission after Run returned: %s", name)
	case <-time.After(150 * time.Millisecond):
	}
}

// lockedRegistry is a MemoryRegistry whose MarkCompleted fails after running
// onComplete, as a SQLite registry does when the database stays locked.
type lockedRegistry struct {
	*MemoryRegistry
	onComplete func(id string)
}

func (r *lockedRegistry) MarkCompleted(_ context.Context, id string, _ int) error {
	r.onComplete(id)
	return errors.New("database is locked")
}

func TestPipeline_CompletionFailureNeverServesChunks(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store := rag.NewMemoryStore()
	emb := &hashEmbedder{}
	reg := &lockedRegistry{MemoryRegistry: NewMemoryRegistry()}

	retriever, err := rag.NewRetriever(emb, store, 10, rag.WithGate(CompletedGate{Registry: reg}))
	if err != nil {
		t.Fatal(err)
	}
	served := -1
	reg.onComplete = func(string) {
		hits, err := retriever.Retrieve(ctx, "jacket water temperature", 10)
		if err != nil {
			t.Errorf("Retrieve during completion: %v", err)
		}
		served = len(hits)
	}

	p, _ := newTestPipeline(t, emb, store, func(c *Config) { c.Registry = reg })
	doc, err := p.Process(ctx, File{Name: "sop.txt", Data: []byte(paragraphs(3))})
	if err != nil {
		t.Fatalf("Process: %v", err)
	}

	if served != 0 {
		t.Errorf("readers got %d chunks of a document still processing", served)
	}
	if doc.Status != StatusFailed || !strings.Contains(doc.Error, "database is locked") {
		t.Fatalf("doc = %+v, want failed with the registry error", doc)
	}
	if n := store.Count(doc.ID); n != 0 {
		t.Errorf("failed document keeps %d published chunks", n)
	}
	if hits, _ := retriever.Retrieve(ctx, "jacket water temperature", 10); len(hits) != 0 {
		t.Errorf("failed document served %d chunks", len(hits))
	}
}

func TestPipeline_GatedRetrievalServesCompletedDocuments(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store := rag.NewMemoryStore()
	emb := &hashEmbedder{}
	p, reg := newTestPipeline(t, emb, store, nil)

	retriever, err := rag.NewRetriever(emb, store, 10, rag.WithGate(CompletedGate{Registry: reg}))
	if err != nil {
		t.Fatal(err)
	}

	const n = 4
	doc, err := p.Process(ctx, File{Name: "manual.txt", Data: []byte(paragraphs(n))})
	if err != nil || doc.Status != StatusCompleted {
		t.Fatalf("Process = %+v, %v", doc, err)
	}
	hits, err := retriever.Retrieve(ctx, "jacket water", 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(hits) != n {
		t.Errorf("completed document served %d of %d chunks", len(hits), n)
	}

	// A published document the registry has never heard of stays hidden,
	// e.g. chunks left behind by a crash before the registry row was kept.
	_ = store.Upsert(ctx, []rag.Document{{ID: "orphan-0", DocumentID: "orphan", Content: "jacket water"}},
		[][]float32{vectorFor("jacket water")})
	_ = store.Publish(ctx, "orphan")
	hits, _ = retriever.Retrieve(ctx, "jacket water", 10)
	for _, h := range hits {
		if h.DocumentID == "orphan" {
			t.Error("chunk of an unregistered document was served")
		}
	}
}

func TestPipeline_Delete(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store := rag.NewMemoryStore()
	p, reg := newTestPipeline(t, &hashEmbedder{}, store, nil)

	doc, err := p.Process(ctx, File{Name: "manual.txt", Data: []byte(paragraphs(4))})
	if err != nil || doc.Status != StatusCompleted {
		t.Fatalf("Process = %+v, %v", doc, err)
	}
	if err := p.Delete(ctx, doc.ID); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if n := store.Count(doc.ID); n != 0 {
		t.Errorf("%d chunks remain after delete", n)
	}
	if _, err := reg.Get(ctx, doc.ID); !errors.Is(err, ErrNotFound) {
		t.Errorf("registry row remains: %v", err)
	}
	if err := p.Delete(ctx, doc.ID); !errors.Is(err, ErrNotFound) {
		t.Errorf("second Delete: %v", err)
	}

	if err := reg.Create(ctx, Document{ID: "busy", Filename: "big.pdf", Status: StatusProcessing}); err != nil {
		t.Fatal(err)
	}
	if err := p.Delete(ctx, "busy"); !errors.Is(err, ErrDocumentBusy) {
		t.Errorf("Delete processing: %v", err)
	}
	if _, err := reg.Get(ctx, "busy"); err != nil {
		t.Errorf("processing document was removed: %v", err)
	}
}
