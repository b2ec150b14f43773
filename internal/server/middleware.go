package server

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"log/slog"
	"net/http"
	"runtime/debug"
	"strconv"
	"time"

	"github.com/54b3r/ppta-go/internal/logging"
)

// Interceptor observes a request around the handler. Before runs in chain
// order and may return a request with an enriched context; After runs in
// reverse order once the handler has returned, with the final status.
type Interceptor struct {
	// Name identifies the interceptor in logs and tests.
	Name   string
	Before func(w http.ResponseWriter, r *http.Request) *http.Request
	After  func(r *http.Request, status int, elapsed time.Duration)
}

// Chain wraps next with the given interceptors.
func Chain(next http.Handler, interceptors ...Interceptor) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rw := &responseWriter{ResponseWriter: w, status: http.StatusOK}
		for _, ic := range interceptors {
			if ic.Before != nil {
				r = ic.Before(rw, r)
			}
		}

		start := time.Now()
		next.ServeHTTP(rw, r)
		elapsed := time.Since(start)

		for i := len(interceptors) - 1; i >= 0; i-- {
			if after := interceptors[i].After; after != nil {
				after(r, rw.status, elapsed)
			}
		}
	})
}

// requestLogging assigns every request a request_id, puts a child logger
// carrying it into the request context and logs the outcome.
func requestLogging(base *slog.Logger) Interceptor {
	return Interceptor{
		Name: "logging",
		Before: func(w http.ResponseWriter, r *http.Request) *http.Request {
			reqID := newRequestID()
			w.Header().Set("X-Request-ID", reqID)
			log := base.With(
				slog.String("request_id", reqID),
				slog.String("method", r.Method),
				slog.String("path", r.URL.Path),
			)
			return r.WithContext(logging.WithLogger(r.Context(), log))
		},
		After: func(r *http.Request, status int, elapsed time.Duration) {
			logging.FromContext(r.Context()).Info("request",
				slog.Int("status", status),
				slog.Duration("duration", elapsed),
				slog.String("ip", clientIP(r)),
			)
		},
	}
}

// requestMetrics records every request against the route pattern that
// served it.
func requestMetrics(m *serverMetrics) Interceptor {
	return Interceptor{
		Name: "metrics",
		After: func(r *http.Request, status int, elapsed time.Duration) {
			handler := r.Pattern
			if handler == "" {
				handler = "unmatched"
			}
			m.httpRequestsTotal.WithLabelValues(r.Method, handler, strconv.Itoa(status)).Inc()
			m.httpDurationSeconds.WithLabelValues(r.Method, handler).Observe(elapsed.Seconds())
		},
	}
}

// recoverer turns a handler panic into a 500 response. The panic and its
// stack are logged; the stack reaches the client only in development.
func (s *Server) recoverer(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			v := recover()
			if v == nil {
				return
			}
			if v == http.ErrAbortHandler {
				panic(v)
			}
			stack := string(debug.Stack())
			logging.FromContext(r.Context()).Error("handler panic",
				slog.String("panic", fmt.Sprint(v)),
				slog.String("stack", stack),
			)
			body := errorBody{
				Message:    "Internal Server Error",
				StatusCode: http.StatusInternalServerError,
				Timestamp:  s.now().UTC().Format(time.RFC3339),
			}
			if s.cfg.Development {
				body.Details = fmt.Sprint(v)
				body.Stack = stack
			}
			s.writeJSON(w, r, http.StatusInternalServerError, errorEnvelope{Error: body})
		}()
		next.ServeHTTP(w, r)
	})
}

// responseWriter wraps [http.ResponseWriter] to capture the status code
// written by the handler so interceptors can see it.
type responseWriter struct {
	http.ResponseWriter
	// status is the HTTP status code sent to the client.
	status int
	// wrote is set once the header has been written.
	wrote bool
}

// WriteHeader captures the status code before delegating to the underlying writer.
func (rw *responseWriter) WriteHeader(code int) {
	if !rw.wrote {
		rw.status = code
		rw.wrote = true
	}
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Write(p []byte) (int, error) {
	rw.wrote = true
	return rw.ResponseWriter.Write(p)
}

// Unwrap lets http.ResponseController reach the underlying writer.
func (rw *responseWriter) Unwrap() http.ResponseWriter { return rw.ResponseWriter }

// newRequestID returns a 16-character cryptographically random hex string.
func newRequestID() string {
	b := make([]byte, 8)
	if _, err := rand.Read(b); err != nil {
		return "0000000000000000"
	}
	return hex.EncodeToString(b)
}
