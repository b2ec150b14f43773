package server

import (
	"context"
	"fmt"

	"github.com/54b3r/ppta-go/internal/provider"
	"github.com/54b3r/ppta-go/internal/rag"
)

// Detailer is implemented by pingers that can report extra facts about a
// healthy dependency for GET /api/health/detailed.
type Detailer interface {
	Details(ctx context.Context) (map[string]any, error)
}

// modelLister is satisfied by *provider.OllamaClient.
type modelLister interface {
	ListModels(ctx context.Context) ([]string, error)
}

// LLMPinger probes an LLM backend through its zero-cost health endpoint.
// It satisfies the Pinger interface.
type LLMPinger struct {
	// check is the backend's health probe.
	check provider.HealthChecker
	// name identifies the backend in health responses (e.g. "ollama").
	name string
}

// NewLLMPinger constructs an LLMPinger for the given health checker and
// backend name.
func NewLLMPinger(hc provider.HealthChecker, name string) *LLMPinger {
	return &LLMPinger{check: hc, name: name}
}

// Name returns the backend label used in health responses.
func (p *LLMPinger) Name() string { return p.name }

// Ping probes the LLM backend.
func (p *LLMPinger) Ping(ctx context.Context) error {
	if err := p.check.HealthCheck(ctx); err != nil {
		return fmt.Errorf("%s health check failed: %w", p.name, err)
	}
	return nil
}

// Details lists the installed models when the backend can enumerate them.
func (p *LLMPinger) Details(ctx context.Context) (map[string]any, error) {
	lister, ok := p.check.(modelLister)
	if !ok {
		return nil, nil
	}
	models, err := lister.ListModels(ctx)
	if err != nil {
		return nil, err
	}
	return map[string]any{"models": models}, nil
}

// vectorStoreHealth is satisfied by *rag.QdrantStore.
type vectorStoreHealth interface {
	HealthCheck(ctx context.Context) error
	Collections(ctx context.Context) ([]string, error)
}

// QdrantPinger probes a Qdrant instance using its native HealthCheck RPC.
type QdrantPinger struct {
	store vectorStoreHealth
}

// NewQdrantPinger constructs a QdrantPinger for the given store.
func NewQdrantPinger(store vectorStoreHealth) *QdrantPinger {
	return &QdrantPinger{store: store}
}

// Name returns the dependency label used in health responses.
func (p *QdrantPinger) Name() string { return "qdrant" }

// Ping calls the Qdrant HealthCheck RPC.
func (p *QdrantPinger) Ping(ctx context.Context) error {
	if err := p.store.HealthCheck(ctx); err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	return nil
}

// Details lists the collections on the Qdrant instance.
func (p *QdrantPinger) Details(ctx context.Context) (map[string]any, error) {
	cols, err := p.store.Collections(ctx)
	if err != nil {
		return nil, err
	}
	return map[string]any{"collections": cols}, nil
}

// EmbedderPinger probes the embedding backend by embedding a single word.
type EmbedderPinger struct {
	embedder rag.Embedder
}

// NewEmbedderPinger constructs an EmbedderPinger.
func NewEmbedderPinger(e rag.Embedder) *EmbedderPinger {
	return &EmbedderPinger{embedder: e}
}

// Name returns the dependency label used in health responses.
func (p *EmbedderPinger) Name() string { return "embedder" }

// Ping embeds "ping" and checks a vector came back.
func (p *EmbedderPinger) Ping(ctx context.Context) error {
	vecs, err := p.embedder.Embed(ctx, []string{"ping"})
	if err != nil {
		return fmt.Errorf("embed failed: %w", err)
	}
	if len(vecs) != 1 || len(vecs[0]) == 0 {
		return fmt.Errorf("embed returned no vector")
	}
	return nil
}

// contextPinger is satisfied by the SQLite and Redis stores and the
// in-memory vector store.
type contextPinger interface {
	Ping(ctx context.Context) error
}

// StorePinger adapts any store exposing Ping(ctx) to the Pinger interface.
type StorePinger struct {
	name  string
	store contextPinger
}

// NewStorePinger names a store for health responses (e.g. "sqlite", "redis").
func NewStorePinger(name string, store contextPinger) *StorePinger {
	return &StorePinger{name: name, store: store}
}

// Name returns the dependency label used in health responses.
func (p *StorePinger) Name() string { return p.name }

// Ping delegates to the store.
func (p *StorePinger) Ping(ctx context.Context) error { return p.store.Ping(ctx) }

// PingFunc adapts a plain function to the Pinger interface.
type PingFunc struct {
	Label string
	Fn    func(ctx context.Context) error
}

// Name returns Label.
func (p PingFunc) Name() string { return p.Label }

// Ping calls Fn.
func (p PingFunc) Ping(ctx context.Context) error { return p.Fn(ctx) }
