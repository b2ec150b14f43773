package session

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/54b3r/ppta-go/internal/budget"
	"github.com/54b3r/ppta-go/internal/logging"
	"github.com/54b3r/ppta-go/internal/provider"
	"github.com/54b3r/ppta-go/internal/rag"
)

const (
	// DefaultWindow is the number of prior turns included in a prompt.
	DefaultWindow = 5

	// DefaultTopK is the number of chunks retrieved per turn.
	DefaultTopK = 5

	// DefaultRetrievalTimeout bounds the retrieval call of a single turn.
	DefaultRetrievalTimeout = 10 * time.Second
)

// Config holds the dependencies and tuning for a Coordinator.
type Config struct {
	// Completer generates the reply. Required.
	Completer provider.Completer

	// Retriever supplies manual excerpts. Nil disables retrieval.
	Retriever rag.Retriever

	// Window is the number of most recent prior turns kept. Defaults to
	// DefaultWindow if zero.
	Window int

	// TopK is the number of chunks requested per turn. Defaults to
	// DefaultTopK if zero.
	TopK int

	// RetrievalTimeout bounds each retrieval call. Defaults to
	// DefaultRetrievalTimeout if zero.
	RetrievalTimeout time.Duration

	// MaxContextTokens is the estimated input budget. History is trimmed
	// oldest-first to fit. Defaults to budget.DefaultMaxContextTokens if zero.
	MaxContextTokens int

	// Now returns the current time. Defaults to time.Now.
	Now func() time.Time
}

// Coordinator answers one user turn at a time. It holds no per-session
// state and is safe for concurrent use.
type Coordinator struct {
	completer        provider.Completer
	retriever        rag.Retriever
	window           int
	topK             int
	retrievalTimeout time.Duration
	maxContextTokens int
	now              func() time.Time
}

// NewCoordinator constructs a Coordinator from cfg.
func NewCoordinator(cfg Config) (*Coordinator, error) {
	if cfg.Completer == nil {
		return nil, fmt.Errorf("session: Completer must not be nil")
	}
	c := &Coordinator{
		completer:        cfg.Completer,
		retriever:        cfg.Retriever,
		window:           cfg.Window,
		topK:             cfg.TopK,
		retrievalTimeout: cfg.RetrievalTimeout,
		maxContextTokens: cfg.MaxContextTokens,
		now:              cfg.Now,
	}
	if c.window <= 0 {
		c.window = DefaultWindow
	}
	if c.topK <= 0 {
		c.topK = DefaultTopK
	}
	if c.retrievalTimeout <= 0 {
		c.retrievalTimeout = DefaultRetrievalTimeout
	}
	if c.maxContextTokens <= 0 {
		c.maxContextTokens = budget.DefaultMaxContextTokens
	}
	if c.now == nil {
		c.now = time.Now
	}
	return c, nil
}

// Window returns the configured history window.
func (c *Coordinator) Window() int { return c.window }

// TurnOption customises a single HandleTurn call.
type TurnOption func(*turnOptions)

type turnOptions struct {
	mode Mode
}

// WithMode selects the system instructions for the turn.
func WithMode(m Mode) TurnOption {
	return func(o *turnOptions) { o.mode = m }
}

// HandleTurn produces the assistant reply to message given the prior turns in
// history (oldest first). Only the most recent Window turns are used; older
// ones are dropped silently. Retrieval failures degrade to an answer without
// manual excerpts. A completion failure returns ErrGenerationFailed and no
// turn.
func (c *Coordinator) HandleTurn(ctx context.Context, history []Turn, message string, diag *DiagnosticContext, opts ...TurnOption) (Turn, error) {
	log := logging.FromContext(ctx)

	message = strings.TrimSpace(message)
	if message == "" {
		return Turn{}, ErrEmptyMessage
	}

	o := turnOptions{mode: ModeGeneral}
	for _, opt := range opts {
		opt(&o)
	}

	if len(history) > c.window {
		history = history[len(history)-c.window:]
	}

	// Retrieval strictly precedes completion; its result feeds the prompt.
	docs := c.retrieve(ctx, retrievalQuery(message, diag))

	p := prompt{
		system:     systemInstructions(o.mode),
		chunks:     formatChunks(docs),
		diagnostic: formatDiagnostic(diag),
		message:    message,
	}

	fixed := budget.EstimateAll(p.system, p.chunks, p.diagnostic, p.message)
	before := len(history)
	history = budget.TrimOldest(history, fixed, c.maxContextTokens, func(t Turn) int {
		return budget.PerEntryOverhead + budget.Estimate(t.Content)
	})
	if dropped := before - len(history); dropped > 0 {
		log.Warn("budget: dropped history turns to fit context window",
			slog.Int("dropped", dropped),
			slog.Int("retained", len(history)),
			slog.Int("max_tokens", c.maxContextTokens),
		)
	}
	p.history = formatHistory(history)

	start := c.now()
	text, err := c.completer.Complete(ctx, p.String())
	if err != nil {
		return Turn{}, fmt.Errorf("%w: %w", ErrGenerationFailed, err)
	}
	text = strings.TrimSpace(text)
	if text == "" {
		return Turn{}, fmt.Errorf("%w: %w", ErrGenerationFailed, provider.ErrEmptyCompletion)
	}

	refs := make([]string, 0, len(docs))
	for _, d := range docs {
		refs = append(refs, d.ID)
	}

	log.Debug("session: turn completed",
		slog.String("mode", string(o.mode)),
		slog.Int("history", len(history)),
		slog.Int("chunks", len(docs)),
		slog.Duration("generation", c.now().Sub(start)),
	)

	return Turn{
		ID:         uuid.NewString(),
		Role:       RoleAssistant,
		Content:    text,
		CreatedAt:  c.now().UTC(),
		References: refs,
	}, nil
}

// retrieve runs the retrieval query under the configured timeout. Any error
// is logged and yields no chunks.
func (c *Coordinator) retrieve(ctx context.Context, query string) []rag.Document {
	if c.retriever == nil {
		return nil
	}
	rctx, cancel := context.WithTimeout(ctx, c.retrievalTimeout)
	defer cancel()

	docs, err := c.retriever.Retrieve(rctx, query, c.topK)
	if err != nil {
		logging.FromContext(ctx).Warn("RAG retrieval failed, continuing without context", logging.Err(err))
		return nil
	}
	return docs
}
