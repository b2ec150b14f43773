package commands

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/54b3r/ppta-go/internal/config"
	"github.com/54b3r/ppta-go/internal/embedder"
	"github.com/54b3r/ppta-go/internal/ingestion"
	"github.com/54b3r/ppta-go/internal/logging"
	"github.com/54b3r/ppta-go/internal/provider"
	"github.com/54b3r/ppta-go/internal/rag"
	"github.com/54b3r/ppta-go/internal/server"
	"github.com/54b3r/ppta-go/internal/session"
	"github.com/54b3r/ppta-go/internal/store"
	"github.com/54b3r/ppta-go/internal/troubleshoot"
)

// visionTimeout bounds one image description call. Vision models on CPU
// routinely take tens of seconds per image.
const visionTimeout = 3 * time.Minute

// drainTimeout bounds how long a command waits for in-flight ingestion on exit.
const drainTimeout = 30 * time.Second

// stack holds the services shared by serve, ask, troubleshoot and ingest.
type stack struct {
	settings    *config.Settings
	providerCfg *provider.Config
	completer   *provider.ChatCompleter
	health      provider.HealthChecker
	embedder    rag.Embedder
	vectors     rag.VectorStore
	memory      *rag.MemoryStore
	qdrant      *rag.QdrantStore
	retriever   *rag.DefaultRetriever
	db          *store.SQLiteStore
	redis       *store.RedisStore
	registry    ingestion.Registry
	sessions    session.Store
	pipeline    *ingestion.Pipeline
	coordinator *session.Coordinator
	planner     *troubleshoot.Planner

	// closers run in reverse order on Close.
	closers []func() error
}

// buildStack wires the model provider, embedder, vector store, persistence,
// ingestion pipeline, coordinator and planner from s. Pipeline metrics are
// registered on reg when it is non-nil. On error every resource opened so
// far is closed.
func buildStack(ctx context.Context, s *config.Settings, reg prometheus.Registerer, log *slog.Logger) (_ *stack, err error) {
	st := &stack{settings: s}
	defer func() {
		if err != nil {
			st.Close(log)
		}
	}()

	st.providerCfg = provider.ConfigFromEnv()
	chatModel, err := provider.New(ctx, st.providerCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to initialise model provider: %w", err)
	}
	st.completer = provider.NewChatCompleter(chatModel, st.providerCfg.Backend)
	st.health = provider.NewHealthChecker(st.providerCfg, nil)
	log.Info("provider initialised",
		slog.String("provider", string(st.providerCfg.Backend)),
		slog.String("model", st.providerCfg.ModelName()),
	)

	if err := embedder.Validate(log); err != nil {
		return nil, err
	}
	st.embedder, err = embedder.NewFromEnv(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to initialise embedder: %w", err)
	}
	log.Info("embedder initialised", slog.String("provider", embedder.Backend()))

	if err := st.openVectorStore(ctx, log); err != nil {
		return nil, err
	}
	if err := st.openPersistence(ctx, log); err != nil {
		return nil, err
	}

	// Chunks are served only for documents the registry reports completed.
	// An in-memory registry next to Qdrant starts empty in every process, so
	// the gate would hide everything ingested earlier.
	var ropts []rag.RetrieverOption
	if st.db != nil || st.memory != nil {
		ropts = append(ropts, rag.WithGate(ingestion.CompletedGate{Registry: st.registry}))
	} else {
		log.Warn("retrieval: document status gate off (PPTA_DB=disabled with Qdrant)")
	}
	st.retriever, err = rag.NewRetriever(st.embedder, st.vectors, s.Chat.TopK, ropts...)
	if err != nil {
		return nil, err
	}

	if err := st.buildPipeline(reg); err != nil {
		return nil, err
	}

	st.coordinator, err = session.NewCoordinator(session.Config{
		Completer:        st.completer,
		Retriever:        st.retriever,
		Window:           s.Chat.HistoryWindow,
		TopK:             s.Chat.TopK,
		RetrievalTimeout: s.Chat.RetrievalTimeout,
		MaxContextTokens: s.Chat.MaxContextTokens,
	})
	if err != nil {
		return nil, err
	}

	st.planner, err = troubleshoot.NewPlanner(troubleshoot.PlannerConfig{
		Completer:        st.completer,
		Retriever:        st.retriever,
		TopK:             s.Chat.TopK,
		RetrievalTimeout: s.Chat.RetrievalTimeout,
	})
	if err != nil {
		return nil, err
	}

	return st, nil
}

// openVectorStore connects to Qdrant, or keeps chunks in memory when
// VECTOR_STORE=memory.
func (st *stack) openVectorStore(ctx context.Context, log *slog.Logger) error {
	s := st.settings
	if s.VectorStore == config.VectorStoreMemory {
		st.memory = rag.NewMemoryStore()
		st.vectors = st.memory
		st.closers = append(st.closers, st.memory.Close)
		log.Warn("vector store: in-memory, ingested documents are lost on exit")
		return nil
	}

	q, err := rag.NewQdrantStore(ctx, &rag.QdrantConfig{
		Host:       s.Qdrant.Host,
		Port:       s.Qdrant.Port,
		Collection: s.Qdrant.Collection,
		VectorSize: uint64(embedder.DefaultDimensions(embedder.Backend())), //nolint:gosec // dimensions are bounded
		APIKey:     s.Qdrant.APIKey,
		UseTLS:     s.Qdrant.TLS,
	})
	if err != nil {
		return fmt.Errorf("failed to connect to Qdrant at %s:%d: %w", s.Qdrant.Host, s.Qdrant.Port, err)
	}
	st.qdrant = q
	st.vectors = q
	st.closers = append(st.closers, q.Close)
	log.Info("qdrant store ready",
		slog.String("host", s.Qdrant.Host),
		slog.Int("port", s.Qdrant.Port),
		slog.String("collection", s.Qdrant.Collection),
	)
	return nil
}

// openPersistence opens the SQLite database used for the document registry
// and, by default, session turns. PPTA_DB=disabled keeps both in memory
// (sessions are then unavailable unless SESSION_STORE=redis).
func (st *stack) openPersistence(ctx context.Context, log *slog.Logger) error {
	s := st.settings

	if s.DBPath == config.DBDisabled {
		log.Info("db: disabled via PPTA_DB=disabled, document status is kept in memory")
		st.registry = ingestion.NewMemoryRegistry()
	} else {
		path := s.DBPath
		if path == "" {
			var err error
			if path, err = store.DefaultDBPath(); err != nil {
				return fmt.Errorf("db: %w", err)
			}
		}
		db, err := store.Open(path, store.WithTTL(s.Session.TTL))
		if err != nil {
			return fmt.Errorf("db: %w", err)
		}
		st.db = db
		st.registry = db
		st.closers = append(st.closers, db.Close)
		log.Info("db: store opened", slog.String("path", path))
	}

	switch s.Session.Store {
	case config.SessionStoreRedis:
		rs, err := store.NewRedisStore(ctx, store.RedisConfig{
			Addr:     s.Session.RedisAddr,
			Password: s.Session.RedisPassword,
			DB:       s.Session.RedisDB,
			TTL:      s.Session.TTL,
		})
		if err != nil {
			return fmt.Errorf("sessions: %w", err)
		}
		st.redis = rs
		st.sessions = rs
		st.closers = append(st.closers, rs.Close)
		log.Info("sessions: redis store ready", slog.String("addr", s.Session.RedisAddr))
	case config.SessionStoreSQLite:
		if st.db == nil {
			log.Warn("sessions: SESSION_STORE=sqlite but PPTA_DB=disabled, server-side sessions are off")
			break
		}
		st.sessions = st.db
	default:
		log.Info("sessions: disabled, clients must send history")
	}
	return nil
}

// buildPipeline constructs the ingestion pipeline. Image uploads are
// described by the Ollama vision model when OLLAMA_HOST is set.
func (st *stack) buildPipeline(reg prometheus.Registerer) error {
	s := st.settings

	allowed, err := ingestion.NormaliseTypes(s.Upload.AllowedTypes)
	if err != nil {
		return err
	}

	extractors := &ingestion.Extractors{}
	if host := st.providerCfg.Ollama.Host; host != "" {
		client := provider.NewOllamaClient(host, &http.Client{Timeout: visionTimeout})
		extractors.Vision = provider.NewOllamaVision(client, st.providerCfg.Ollama.VisionModel)
	}

	st.pipeline, err = ingestion.NewPipeline(ingestion.Config{
		Embedder:    st.embedder,
		Store:       st.vectors,
		Registry:    st.registry,
		Policy:      ingestion.Policy{Allowed: allowed, MaxBytes: s.Upload.MaxBytes},
		Extractors:  extractors,
		Chunker:     ingestion.Chunker{Size: s.Ingest.ChunkSize, Overlap: s.Ingest.ChunkOverlap},
		BatchSize:   s.Ingest.BatchSize,
		Concurrency: s.Ingest.Concurrency,
		Metrics:     ingestion.NewMetrics(reg),
	})
	return err
}

// pingers returns the dependency probes reported by the health endpoints.
func (st *stack) pingers() []server.Pinger {
	var ps []server.Pinger
	if st.health != nil {
		ps = append(ps, server.NewLLMPinger(st.health, string(st.providerCfg.Backend)))
	}
	ps = append(ps, server.NewEmbedderPinger(st.embedder))
	switch {
	case st.qdrant != nil:
		ps = append(ps, server.NewQdrantPinger(st.qdrant))
	case st.memory != nil:
		ps = append(ps, server.PingFunc{Label: "vectorStore", Fn: st.memory.HealthCheck})
	}
	if st.db != nil {
		ps = append(ps, server.NewStorePinger("sqlite", st.db))
	}
	if st.redis != nil {
		ps = append(ps, server.NewStorePinger("redis", st.redis))
	}
	return ps
}

// conversation returns the server-side session flow, or nil when no
// session store is configured.
func (st *stack) conversation() (*session.Conversation, error) {
	if st.sessions == nil {
		return nil, nil
	}
	return session.NewConversation(st.coordinator, st.sessions)
}

// recoverStale fails documents left processing by a previous run and removes
// whatever chunks they staged or published.
func (st *stack) recoverStale(ctx context.Context, log *slog.Logger) {
	ids, err := st.registry.FailStale(ctx, "interrupted by a server restart")
	if err != nil {
		log.Warn("db: could not fail stale documents", logging.Err(err))
		return
	}
	for _, id := range ids {
		if err := st.vectors.DeleteDocument(ctx, id); err != nil {
			log.Warn("db: could not remove chunks of stale document",
				slog.String("document_id", id), logging.Err(err))
		}
	}
	if len(ids) > 0 {
		log.Warn("db: failed documents left processing by a previous run", slog.Int("documents", len(ids)))
	}
}

// drain waits for in-flight ingestion, bounded by drainTimeout.
func (st *stack) drain(ctx context.Context) {
	if st.pipeline == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), drainTimeout)
	defer cancel()
	if err := st.pipeline.Wait(ctx); err != nil {
		logging.FromContext(ctx).Warn("ingestion: documents still processing at exit", logging.Err(err))
	}
}

// Close releases every opened resource in reverse order.
func (st *stack) Close(log *slog.Logger) {
	var errs []error
	for i := len(st.closers) - 1; i >= 0; i-- {
		if err := st.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	st.closers = nil
	if err := errors.Join(errs...); err != nil {
		log.Warn("shutdown: close failed", logging.Err(err))
	}
}

// resolveSettings reads the environment and logs every missing mandatory
// key before returning the error.
func resolveSettings(log *slog.Logger) (*config.Settings, error) {
	s, err := config.Resolve()
	if err != nil {
		var missing *config.MissingError
		if errors.As(err, &missing) {
			for _, k := range missing.Keys {
				log.Error("config: missing required setting", slog.String("key", k))
			}
		}
		return nil, err
	}
	return s, nil
}
