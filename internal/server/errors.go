package server

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/54b3r/ppta-go/internal/ingestion"
	"github.com/54b3r/ppta-go/internal/logging"
	"github.com/54b3r/ppta-go/internal/session"
	"github.com/54b3r/ppta-go/internal/troubleshoot"
)

// errorBody is the payload of every error response.
type errorBody struct {
	Message    string `json:"message"`
	StatusCode int    `json:"statusCode"`
	Timestamp  string `json:"timestamp"`
	// RetryAfter is set on 429 responses, in seconds.
	RetryAfter int `json:"retryAfter,omitempty"`
	// Details and Stack are only populated in development.
	Details string `json:"details,omitempty"`
	Stack   string `json:"stack,omitempty"`
}

// errorEnvelope wraps errorBody as {"error": {...}}.
type errorEnvelope struct {
	Error errorBody `json:"error"`
}

// httpError carries an explicit status and client-safe message.
type httpError struct {
	status int
	msg    string
}

func (e *httpError) Error() string { return e.msg }

// newHTTPError returns an error that writeError maps to status with msg.
func newHTTPError(status int, msg string) error {
	return &httpError{status: status, msg: msg}
}

// classify maps an error to its HTTP status and a message that is safe to
// show to the caller.
func classify(err error) (int, string) {
	var (
		he  *httpError
		ve  *ingestion.ValidationError
		mbe *http.MaxBytesError
	)
	switch {
	case errors.As(err, &he):
		return he.status, he.msg
	case errors.As(err, &ve):
		return ve.Status, ve.Message
	case errors.As(err, &mbe):
		return http.StatusRequestEntityTooLarge, "upload exceeds the maximum allowed size"
	case errors.Is(err, session.ErrEmptyMessage):
		return http.StatusBadRequest, "message is required"
	case errors.Is(err, troubleshoot.ErrInvalidRequest):
		return http.StatusBadRequest, err.Error()
	case errors.Is(err, ingestion.ErrNotFound):
		return http.StatusNotFound, "document not found"
	case errors.Is(err, ingestion.ErrDocumentBusy):
		return http.StatusConflict, "document is still processing"
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout, "upstream provider timed out"
	case errors.Is(err, session.ErrGenerationFailed):
		return http.StatusBadGateway, "the language model failed to produce a response"
	case errors.Is(err, troubleshoot.ErrPlanFailed):
		return http.StatusBadGateway, "failed to generate troubleshooting steps"
	case errors.Is(err, session.ErrHistoryUnavailable):
		return http.StatusServiceUnavailable, "conversation history is unavailable"
	default:
		return http.StatusInternalServerError, "Internal Server Error"
	}
}

// writeError logs err and writes the sanitised error envelope. Server faults
// are logged at ERROR with full detail; client faults at WARN.
func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	log := logging.FromContext(r.Context())
	if errors.Is(err, context.Canceled) && r.Context().Err() != nil {
		log.Info("client went away", logging.Err(err))
		return
	}
	status, msg := classify(err)
	if status >= http.StatusInternalServerError {
		log.Error("request failed", slog.Int("status", status), logging.Err(err))
	} else {
		log.Warn("request rejected", slog.Int("status", status), logging.Err(err))
	}
	body := errorBody{Message: msg, StatusCode: status, Timestamp: s.now().UTC().Format(time.RFC3339)}
	if s.cfg.Development {
		body.Details = err.Error()
	}
	s.writeJSON(w, r, status, errorEnvelope{Error: body})
}

// writeRateLimited writes a 429 with both the Retry-After header and the
// retryAfter body field.
func (s *Server) writeRateLimited(w http.ResponseWriter, r *http.Request, msg string, retryAfter int) {
	w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
	s.writeJSON(w, r, http.StatusTooManyRequests, errorEnvelope{Error: errorBody{
		Message:    msg,
		StatusCode: http.StatusTooManyRequests,
		Timestamp:  s.now().UTC().Format(time.RFC3339),
		RetryAfter: retryAfter,
	}})
}

// writeJSON encodes v with the given status.
func (s *Server) writeJSON(w http.ResponseWriter, r *http.Request, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logging.FromContext(r.Context()).Error("response encode error", logging.Err(err))
	}
}

func (s *Server) now() time.Time {
	if s.cfg != nil && s.cfg.Now != nil {
		return s.cfg.Now()
	}
	return time.Now()
}
