package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/54b3r/ppta-go/internal/logging"
	"github.com/54b3r/ppta-go/internal/session"
	"github.com/54b3r/ppta-go/internal/troubleshoot"
)

// maxJSONBody caps JSON request bodies.
const maxJSONBody = 1 << 20

// decodeJSON reads a size-capped JSON body into v.
func decodeJSON(w http.ResponseWriter, r *http.Request, v any) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxJSONBody)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		var mbe *http.MaxBytesError
		if errors.As(err, &mbe) {
			return newHTTPError(http.StatusRequestEntityTooLarge, "request body too large")
		}
		return newHTTPError(http.StatusBadRequest, "invalid request body")
	}
	return nil
}

// outcomeOf labels a handler result for metrics.
func outcomeOf(err error) string {
	switch {
	case err == nil:
		return outcomeOK
	case errors.Is(err, context.DeadlineExceeded):
		return outcomeTimeout
	default:
		return outcomeError
	}
}

// handleChat handles POST /api/chat. History comes from the session store
// when sessionId is set and a store is configured, otherwise from the body.
func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	var req chatRequest
	if err := decodeJSON(w, r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	if strings.TrimSpace(req.Message) == "" {
		s.writeError(w, r, newHTTPError(http.StatusBadRequest, "message is required"))
		return
	}
	for i, t := range req.History {
		if !t.Role.Valid() {
			s.writeError(w, r, newHTTPError(http.StatusBadRequest,
				fmt.Sprintf("history[%d]: role must be user or assistant", i)))
			return
		}
	}
	diag := req.Context
	if diag != nil && diag.Empty() {
		diag = nil
	}
	mode := session.ParseMode(req.Mode)

	ctx, cancel := context.WithTimeout(r.Context(), s.cfg.ChatTimeout)
	defer cancel()
	ctx = logging.WithLogger(ctx, logging.FromContext(ctx).With(slog.String("mode", string(mode))))

	s.metrics.chatInFlight.Inc()
	start := time.Now()

	var (
		reply session.Turn
		err   error
	)
	if req.SessionID != "" && s.deps.Conversation != nil {
		reply, err = s.deps.Conversation.Continue(ctx, req.SessionID, req.Message, diag, session.WithMode(mode))
	} else {
		reply, err = s.deps.Chat.HandleTurn(ctx, req.History, req.Message, diag, session.WithMode(mode))
	}

	s.metrics.chatInFlight.Dec()
	outcome := outcomeOf(err)
	s.metrics.chatRequestsTotal.WithLabelValues(outcome).Inc()
	s.metrics.chatDurationSeconds.WithLabelValues(outcome).Observe(time.Since(start).Seconds())

	if err != nil {
		s.writeError(w, r, err)
		return
	}

	refs := reply.References
	if refs == nil {
		refs = []string{}
	}
	s.writeJSON(w, r, http.StatusOK, chatResponse{
		Response:  reply.Content,
		Context:   refs,
		TurnID:    reply.ID,
		SessionID: req.SessionID,
	})
}

// handleTroubleshooting handles POST /api/troubleshooting.
func (s *Server) handleTroubleshooting(w http.ResponseWriter, r *http.Request) {
	var req troubleshoot.Request
	if err := decodeJSON(w, r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), s.cfg.ChatTimeout)
	defer cancel()

	steps, err := s.deps.Planner.Plan(ctx, req)
	s.metrics.troubleshootingRequestsTotal.WithLabelValues(outcomeOf(err)).Inc()
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, r, http.StatusOK, troubleshootingResponse{Steps: steps})
}
