package troubleshoot

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/54b3r/ppta-go/internal/logging"
	"github.com/54b3r/ppta-go/internal/provider"
	"github.com/54b3r/ppta-go/internal/rag"
)

const planPrompt = `You are PPTA, a senior reliability engineer for power plant engines.
Produce a guided troubleshooting procedure for the fault below.

Respond with a single JSON object and nothing else, using this schema:
{"steps":[{"id":"kebab-case-id","title":"...","description":"one line",
"type":"instruction|check|decision|measurement","content":"operator-facing text",
"options":[{"id":"...","text":"...","next":"step id"}],
"measurements":[{"parameter":"...","expectedRange":"...","unit":"..."}]}]}

Rules:
- The first step is always a safety check (PPE, lockout/tagout, isolation).
- "decision" steps carry two or more options; "next" must be the id of another step.
- "measurement" steps carry one or more measurements with realistic ranges.
- Use values from the manual excerpts when they are given; never invent part numbers.
- Between 4 and 10 steps.`

// PlannerConfig holds the dependencies of a Planner.
type PlannerConfig struct {
	// Completer generates the procedure. Required.
	Completer provider.Completer

	// Retriever supplies manual excerpts. Nil disables retrieval.
	Retriever rag.Retriever

	// TopK is the number of excerpts retrieved. Defaults to 5.
	TopK int

	// RetrievalTimeout bounds the retrieval call. Defaults to 10s.
	RetrievalTimeout time.Duration
}

// Planner turns a fault description into troubleshooting steps.
type Planner struct {
	completer        provider.Completer
	retriever        rag.Retriever
	topK             int
	retrievalTimeout time.Duration
}

// NewPlanner constructs a Planner from cfg.
func NewPlanner(cfg PlannerConfig) (*Planner, error) {
	if cfg.Completer == nil {
		return nil, fmt.Errorf("troubleshoot: Completer must not be nil")
	}
	p := &Planner{
		completer:        cfg.Completer,
		retriever:        cfg.Retriever,
		topK:             cfg.TopK,
		retrievalTimeout: cfg.RetrievalTimeout,
	}
	if p.topK <= 0 {
		p.topK = 5
	}
	if p.retrievalTimeout <= 0 {
		p.retrievalTimeout = 10 * time.Second
	}
	return p, nil
}

// Plan generates the procedure for req. Retrieval failures degrade to a plan
// without excerpts; a completion that fails or cannot be parsed into valid
// steps yields ErrPlanFailed.
func (p *Planner) Plan(ctx context.Context, req Request) ([]Step, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	log := logging.FromContext(ctx)

	var sb strings.Builder
	sb.WriteString(planPrompt)
	sb.WriteString("\n\n")

	if excerpts := p.retrieve(ctx, req); len(excerpts) > 0 {
		sb.WriteString("## Manual Excerpts\n\n")
		for i, d := range excerpts {
			fmt.Fprintf(&sb, "### [%d] %s\n%s\n\n", i+1, d.Source, strings.TrimSpace(d.Content))
		}
	}

	sb.WriteString("## Fault\n\n")
	fmt.Fprintf(&sb, "Engine: %s\n", req.Engine)
	if req.Alarm != "" {
		fmt.Fprintf(&sb, "Alarm: %s\n", req.Alarm)
	}
	fmt.Fprintf(&sb, "Description: %s\n", req.Description)

	out, err := p.completer.Complete(ctx, sb.String())
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrPlanFailed, err)
	}

	steps, err := parseSteps(out)
	if err != nil {
		log.Warn("troubleshoot: unusable completion", logging.Err(err), slog.Int("length", len(out)))
		return nil, fmt.Errorf("%w: %w", ErrPlanFailed, err)
	}
	return steps, nil
}

func (p *Planner) retrieve(ctx context.Context, req Request) []rag.Document {
	if p.retriever == nil {
		return nil
	}
	rctx, cancel := context.WithTimeout(ctx, p.retrievalTimeout)
	defer cancel()

	query := strings.Join([]string{req.Engine, req.Alarm, req.Description}, " ")
	docs, err := p.retriever.Retrieve(rctx, query, p.topK)
	if err != nil {
		logging.FromContext(ctx).Warn("RAG retrieval failed, continuing without context", logging.Err(err))
		return nil
	}
	return docs
}

// parseSteps extracts the {"steps":[...]} object from a completion. Markdown
// code fences and prose around the object are tolerated.
func parseSteps(out string) ([]Step, error) {
	body := stripFences(out)
	start := strings.Index(body, "{")
	end := strings.LastIndex(body, "}")
	if start < 0 || end <= start {
		return nil, fmt.Errorf("no JSON object in completion")
	}

	var envelope struct {
		Steps []Step `json:"steps"`
	}
	if err := json.Unmarshal([]byte(body[start:end+1]), &envelope); err != nil {
		return nil, fmt.Errorf("failed to unmarshal steps: %w", err)
	}
	return normaliseSteps(envelope.Steps)
}

func stripFences(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	if nl := strings.IndexByte(s, '\n'); nl >= 0 {
		s = s[nl+1:]
	}
	return strings.TrimSuffix(strings.TrimSpace(s), "```")
}
