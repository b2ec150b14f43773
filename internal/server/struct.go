package server

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/54b3r/ppta-go/internal/ingestion"
	"github.com/54b3r/ppta-go/internal/session"
	"github.com/54b3r/ppta-go/internal/troubleshoot"
)

// Config holds the HTTP server configuration.
type Config struct {
	// Host is the address to bind to (default: 127.0.0.1).
	Host string
	// Port is the TCP port to listen on (default: 8080).
	Port int
	// ReadHeaderTimeout bounds reading the request headers.
	ReadHeaderTimeout time.Duration
	// ReadTimeout is the maximum duration for reading a whole request.
	// Uploads are exempt and use UploadTimeout instead.
	ReadTimeout time.Duration
	// UploadTimeout bounds reading an upload body and writing its response,
	// measured from when the upload handler starts.
	UploadTimeout time.Duration
	// WriteTimeout is the maximum duration for writing the response. It must
	// exceed ChatTimeout.
	WriteTimeout time.Duration
	// ShutdownTimeout bounds the graceful HTTP shutdown.
	ShutdownTimeout time.Duration
	// ChatTimeout bounds a single chat or troubleshooting request.
	ChatTimeout time.Duration
	// Logger is the structured logger used by the server and its handlers.
	// If nil, [logging.New] is used.
	Logger *slog.Logger
	// Pingers is the ordered list of dependency probes run by the health
	// endpoints. If empty, every health endpoint reports healthy.
	Pingers []Pinger
	// RateLimit is the general per-client quota on /api/* routes.
	RateLimit Limit
	// UploadRateLimit is the stricter per-client quota on POST /api/documents.
	UploadRateLimit Limit
	// APIKey is the Bearer token required on all protected /api/* routes.
	// If empty, authentication is disabled (development mode).
	APIKey string
	// Development adds error details and stack traces to error responses.
	Development bool
	// Environment is reported by /api/health/detailed.
	Environment string
	// MetricsRegistry receives the server metrics. Defaults to
	// prometheus.DefaultRegisterer.
	MetricsRegistry prometheus.Registerer
	// MetricsGatherer backs GET /metrics. Defaults to
	// prometheus.DefaultGatherer.
	MetricsGatherer prometheus.Gatherer
	// Now returns the current time. Defaults to time.Now.
	Now func() time.Time
}

// Limit is a quota of MaxRequests per Window for one client.
type Limit struct {
	Window      time.Duration
	MaxRequests int
}

// Deps are the domain services the handlers call.
type Deps struct {
	// Chat answers stateless chat turns. Required.
	Chat chatter
	// Conversation answers turns addressed by session id. Optional; without
	// it sessionId in a chat request is echoed back but not persisted.
	Conversation conversation
	// Planner generates troubleshooting steps. Required.
	Planner planner
	// Ingest accepts document uploads. Required.
	Ingest ingester
}

// chatter is the slice of *session.Coordinator the chat handler needs.
type chatter interface {
	HandleTurn(ctx context.Context, history []session.Turn, message string, diag *session.DiagnosticContext, opts ...session.TurnOption) (session.Turn, error)
}

// conversation is the slice of *session.Conversation the chat handler needs.
type conversation interface {
	Continue(ctx context.Context, sessionID, message string, diag *session.DiagnosticContext, opts ...session.TurnOption) (session.Turn, error)
}

// planner is the slice of *troubleshoot.Planner the troubleshooting handler needs.
type planner interface {
	Plan(ctx context.Context, req troubleshoot.Request) ([]troubleshoot.Step, error)
}

// ingester is the slice of *ingestion.Pipeline the document handlers need.
type ingester interface {
	Submit(ctx context.Context, f ingestion.File) (ingestion.Document, error)
	Delete(ctx context.Context, id string) error
	Policy() ingestion.Policy
	Registry() ingestion.Registry
}

// Server is the HTTP server that exposes the assistant.
type Server struct {
	deps Deps
	// cfg holds the resolved server configuration.
	cfg *Config
	// httpServer is the underlying net/http server.
	httpServer *http.Server
	// log is the structured logger for this server instance.
	log *slog.Logger
	// pingers is the ordered list of dependency probes.
	pingers []Pinger
	// metrics holds the Prometheus instruments for this server.
	metrics *serverMetrics
	// started is when New ran; used for uptime.
	started time.Time
	// stopRL stops the rate limiters' background eviction goroutines.
	stopRL func()
}

// chatRequest is the JSON body for POST /api/chat.
type chatRequest struct {
	// Message is the operator's question.
	Message string `json:"message"`
	// Mode selects the assistant persona (troubleshooting, training, ...).
	Mode string `json:"mode,omitempty"`
	// Context carries the equipment under discussion.
	Context *session.DiagnosticContext `json:"context,omitempty"`
	// History is the prior conversation when no session store is used.
	History []session.Turn `json:"history,omitempty"`
	// SessionID selects server-side history instead of History.
	SessionID string `json:"sessionId,omitempty"`
}

// chatResponse is the JSON response for POST /api/chat.
type chatResponse struct {
	Response string `json:"response"`
	// Context lists the ids of the manual chunks the answer drew on.
	Context   []string `json:"context"`
	TurnID    string   `json:"turnId"`
	SessionID string   `json:"sessionId,omitempty"`
}

// troubleshootingResponse is the JSON response for POST /api/troubleshooting.
type troubleshootingResponse struct {
	Steps []troubleshoot.Step `json:"steps"`
}

// uploadResponse is the JSON response for POST /api/documents.
type uploadResponse struct {
	DocumentID string           `json:"documentId"`
	Status     ingestion.Status `json:"status"`
}

// documentListResponse is the JSON response for GET /api/documents.
type documentListResponse struct {
	Documents []ingestion.Document `json:"documents"`
}
