// Package ingestion implements the document ingestion pipeline. An upload is
// validated against a [Policy], recorded in a [Registry] as processing, then
// extracted, chunked, embedded and staged in the vector store. Only after
// every chunk is staged is the document published and marked completed.
// Retrieval additionally serves chunks only of completed documents (see
// [CompletedGate]), so readers see either none or all of a document's chunks. The pipeline is driven by POST /api/documents,
// the `ppta ingest` CLI command and the drop-directory [Watcher].
package ingestion

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/54b3r/ppta-go/internal/logging"
	"github.com/54b3r/ppta-go/internal/rag"
)

// chunkNamespace seeds deterministic chunk ids.
var chunkNamespace = uuid.MustParse("8f3a6c1e-4b7d-5e2f-9a0c-1d2e3f4a5b6c")

// Config holds the dependencies and tuning of a Pipeline.
type Config struct {
	// Embedder converts chunk text into vectors. Required.
	Embedder rag.Embedder

	// Store receives staged chunks and publishes them. Required.
	Store rag.VectorStore

	// Registry records document status. Required.
	Registry Registry

	// Policy is the upload allow-list and size limit.
	Policy Policy

	// Extractors resolves per-media-type extraction. Defaults to an
	// Extractors without a vision model.
	Extractors *Extractors

	// Chunker controls chunk size and overlap.
	Chunker Chunker

	// BatchSize is the number of chunks per Embed call. Defaults to 32.
	BatchSize int

	// Concurrency is the number of embedding batches in flight. Defaults to 4.
	Concurrency int

	// Metrics records pipeline metrics. Defaults to unregistered metrics.
	Metrics *Metrics

	// Now returns the current time. Defaults to time.Now.
	Now func() time.Time
}

// Pipeline orchestrates the extract → chunk → embed → stage → publish flow.
// It is safe for concurrent use.
type Pipeline struct {
	cfg Config
	wg  sync.WaitGroup
}

// NewPipeline constructs a Pipeline from cfg.
func NewPipeline(cfg Config) (*Pipeline, error) {
	if cfg.Embedder == nil {
		return nil, fmt.Errorf("ingestion: embedder must not be nil")
	}
	if cfg.Store == nil {
		return nil, fmt.Errorf("ingestion: store must not be nil")
	}
	if cfg.Registry == nil {
		return nil, fmt.Errorf("ingestion: registry must not be nil")
	}
	if cfg.Extractors == nil {
		cfg.Extractors = &Extractors{}
	}
	cfg.Chunker = cfg.Chunker.normalised()
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 32
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 4
	}
	if cfg.Metrics == nil {
		cfg.Metrics = NewMetrics(nil)
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Pipeline{cfg: cfg}, nil
}

// Policy returns the upload policy the pipeline enforces.
func (p *Pipeline) Policy() Policy { return p.cfg.Policy }

// Registry returns the document registry.
func (p *Pipeline) Registry() Registry { return p.cfg.Registry }

// Submit validates f, records it as processing and processes it on a
// background goroutine that outlives ctx's cancellation. The returned
// Document is in StatusProcessing. Validation failures return a
// *ValidationError and create no Document.
func (p *Pipeline) Submit(ctx context.Context, f File) (Document, error) {
	doc, err := p.admit(ctx, f)
	if err != nil {
		return Document{}, err
	}

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		p.run(context.WithoutCancel(ctx), doc, f.Data)
	}()
	return doc, nil
}

// Process is Submit run synchronously. It returns the terminal Document.
func (p *Pipeline) Process(ctx context.Context, f File) (Document, error) {
	doc, err := p.admit(ctx, f)
	if err != nil {
		return Document{}, err
	}
	p.run(ctx, doc, f.Data)
	return p.cfg.Registry.Get(ctx, doc.ID)
}

// Wait blocks until every submitted document reaches a terminal status or
// ctx is done.
func (p *Pipeline) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("ingestion: waiting for in-flight documents: %w", ctx.Err())
	}
}

// Delete removes a completed or failed document: its chunks first, then its
// registry record. A processing document yields ErrDocumentBusy and nothing
// is touched.
func (p *Pipeline) Delete(ctx context.Context, id string) error {
	doc, err := p.cfg.Registry.Get(ctx, id)
	if err != nil {
		return err
	}
	if doc.Status == StatusProcessing {
		return fmt.Errorf("%w: %s", ErrDocumentBusy, id)
	}
	if err := p.cfg.Store.DeleteDocument(ctx, id); err != nil {
		return fmt.Errorf("ingestion: delete chunks of %s: %w", id, err)
	}
	if err := p.cfg.Registry.Delete(ctx, id); err != nil {
		return err
	}
	logging.FromContext(ctx).Info("ingestion: document deleted",
		slog.String("document_id", id),
		slog.String("filename", doc.Filename),
	)
	return nil
}

func (p *Pipeline) admit(ctx context.Context, f File) (Document, error) {
	mediaType, err := p.cfg.Policy.Validate(f)
	if err != nil {
		return Document{}, err
	}
	now := p.cfg.Now().UTC()
	doc := Document{
		ID:        uuid.NewString(),
		Filename:  filepath.Base(f.Name),
		MediaType: mediaType,
		Size:      int64(len(f.Data)),
		Status:    StatusProcessing,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := p.cfg.Registry.Create(ctx, doc); err != nil {
		return Document{}, fmt.Errorf("ingestion: register %s: %w", doc.Filename, err)
	}
	return doc, nil
}

// run drives doc to a terminal status. It never returns an error: failures
// are recorded on the document.
func (p *Pipeline) run(ctx context.Context, doc Document, data []byte) {
	log := logging.FromContext(ctx).With(
		slog.String("document_id", doc.ID),
		slog.String("filename", doc.Filename),
	)
	m := p.cfg.Metrics
	m.inFlight.Inc()
	defer m.inFlight.Dec()
	start := p.cfg.Now()

	chunks, err := p.ingest(ctx, doc, data)
	if err == nil {
		err = p.cfg.Registry.MarkCompleted(ctx, doc.ID, chunks)
	}
	if err != nil {
		p.fail(ctx, log, doc, err)
		m.documentsTotal.WithLabelValues(string(StatusFailed)).Inc()
		m.durationSeconds.WithLabelValues(string(StatusFailed)).Observe(p.cfg.Now().Sub(start).Seconds())
		return
	}

	m.documentsTotal.WithLabelValues(string(StatusCompleted)).Inc()
	m.chunksTotal.Add(float64(chunks))
	m.durationSeconds.WithLabelValues(string(StatusCompleted)).Observe(p.cfg.Now().Sub(start).Seconds())
	log.Info("ingestion: document completed",
		slog.Int("chunks", chunks),
		slog.Duration("elapsed", p.cfg.Now().Sub(start)),
	)
}

// fail removes any chunks of doc and records the failure. No retry is
// attempted.
func (p *Pipeline) fail(ctx context.Context, log *slog.Logger, doc Document, cause error) {
	log.Error("ingestion: document failed", logging.Err(cause))
	ctx = context.WithoutCancel(ctx)
	if err := p.cfg.Store.DeleteDocument(ctx, doc.ID); err != nil {
		log.Warn("ingestion: cleanup of staged chunks failed", logging.Err(err))
	}
	if err := p.cfg.Registry.MarkFailed(ctx, doc.ID, cause.Error()); err != nil {
		log.Error("ingestion: failed to record failure", logging.Err(err))
	}
}

// ingest runs extraction through publish and returns the chunk count.
func (p *Pipeline) ingest(ctx context.Context, doc Document, data []byte) (int, error) {
	extract, err := p.cfg.Extractors.For(doc.MediaType)
	if err != nil {
		return 0, err
	}
	units, err := extract(ctx, data)
	if err != nil {
		return 0, fmt.Errorf("extract: %w", err)
	}

	chunks := p.cfg.Chunker.Split(units)
	if len(chunks) == 0 {
		return 0, fmt.Errorf("no extractable text in %s", doc.Filename)
	}

	meta := InferMetadata(doc.Filename)
	docs := make([]rag.Document, len(chunks))
	for i, c := range chunks {
		docs[i] = rag.Document{
			ID:         chunkID(doc.ID, i),
			DocumentID: doc.ID,
			Content:    c.Text,
			Source:     doc.Filename,
			ChunkIndex: i,
			Metadata: map[string]string{
				"media_type":   doc.MediaType,
				"location":     c.Location,
				"manufacturer": meta.Manufacturer,
				"engine":       meta.Engine,
				"doc_type":     meta.DocType,
			},
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.cfg.Concurrency)
	for start := 0; start < len(docs); start += p.cfg.BatchSize {
		batch := docs[start:min(start+p.cfg.BatchSize, len(docs))]
		g.Go(func() error {
			return p.stageBatch(gctx, batch)
		})
	}
	if err := g.Wait(); err != nil {
		return 0, err
	}

	if err := p.cfg.Store.Publish(ctx, doc.ID); err != nil {
		return 0, fmt.Errorf("publish: %w", err)
	}
	return len(docs), nil
}

// stageBatch embeds and stages one batch of chunks.
func (p *Pipeline) stageBatch(ctx context.Context, batch []rag.Document) error {
	texts := make([]string, len(batch))
	for i, d := range batch {
		texts[i] = d.Content
	}
	vecs, err := p.cfg.Embedder.Embed(ctx, texts)
	if err != nil {
		return fmt.Errorf("embed chunks %d-%d: %w", batch[0].ChunkIndex, batch[len(batch)-1].ChunkIndex, err)
	}
	if len(vecs) != len(batch) {
		return fmt.Errorf("embed: got %d vectors for %d chunks", len(vecs), len(batch))
	}
	if err := p.cfg.Store.Upsert(ctx, batch, vecs); err != nil {
		return fmt.Errorf("stage chunks: %w", err)
	}
	return nil
}

// chunkID derives a stable UUID for chunk index of documentID.
func chunkID(documentID string, index int) string {
	return uuid.NewSHA1(chunkNamespace, []byte(fmt.Sprintf("%s#%d", documentID, index))).String()
}
