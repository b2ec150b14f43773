package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"runtime"
	"time"

	"github.com/54b3r/ppta-go/internal/logging"
	"github.com/54b3r/ppta-go/internal/version"
)

// probeTimeout is the maximum time allowed for each individual dependency
// probe. Kept short so health endpoints respond quickly even when a
// dependency is slow rather than unreachable.
const probeTimeout = 5 * time.Second

// Service status values reported by the health endpoints.
const (
	statusHealthy   = "healthy"
	statusUnhealthy = "unhealthy"
	statusDegraded  = "degraded"
)

// documentProcessor is the pseudo-service describing upload handling.
const documentProcessor = "documentProcessor"

// Pinger is the interface implemented by any dependency that can report its
// own reachability. Implementations must be safe to call from multiple
// goroutines.
type Pinger interface {
	// Ping returns nil when the dependency is reachable within ctx.
	Ping(ctx context.Context) error

	// Name returns a short label used in health responses
	// (e.g. "ollama", "qdrant").
	Name() string
}

// probeResult is the outcome of one Pinger.
type probeResult struct {
	name    string
	err     error
	checked time.Time
	details map[string]any
}

// probeAll runs every pinger sequentially, each under probeTimeout. When
// withDetails is set, healthy pingers that implement Detailer are asked for
// their details as well.
func (s *Server) probeAll(ctx context.Context, withDetails bool) []probeResult {
	log := logging.FromContext(ctx)
	results := make([]probeResult, 0, len(s.pingers))
	for _, p := range s.pingers {
		probeCtx, cancel := context.WithTimeout(ctx, probeTimeout)
		res := probeResult{name: p.Name(), err: p.Ping(probeCtx), checked: s.now().UTC()}
		if res.err == nil && withDetails {
			if d, ok := p.(Detailer); ok {
				details, err := d.Details(probeCtx)
				if err != nil {
					log.Warn("health detail lookup failed",
						slog.String("dependency", p.Name()),
						logging.Err(err),
					)
				}
				res.details = details
			}
		}
		cancel()
		if res.err != nil {
			log.Warn("dependency probe failed",
				slog.String("dependency", res.name),
				logging.Err(res.err),
			)
		}
		results = append(results, res)
	}
	return results
}

func (s *Server) uptime() float64 {
	return s.now().Sub(s.started).Seconds()
}

// healthResponse is the JSON body returned by GET /api/health.
type healthResponse struct {
	Status    string            `json:"status"`
	Timestamp string            `json:"timestamp"`
	Uptime    float64           `json:"uptime"`
	Services  map[string]string `json:"services"`
	System    systemInfo        `json:"system"`
}

// systemInfo describes the running process.
type systemInfo struct {
	GoVersion   string      `json:"goVersion"`
	Platform    string      `json:"platform"`
	Goroutines  int         `json:"goroutines"`
	Memory      *memoryInfo `json:"memory,omitempty"`
	Environment string      `json:"environment,omitempty"`
}

// memoryInfo is a subset of runtime.MemStats, in bytes.
type memoryInfo struct {
	Alloc     uint64 `json:"alloc"`
	HeapInuse uint64 `json:"heapInuse"`
	Sys       uint64 `json:"sys"`
	NumGC     uint32 `json:"numGC"`
}

func currentSystem() systemInfo {
	return systemInfo{
		GoVersion:  runtime.Version(),
		Platform:   runtime.GOOS + "/" + runtime.GOARCH,
		Goroutines: runtime.NumGoroutine(),
	}
}

// handleHealth handles GET /api/health. It returns 200 when every dependency
// answers and 503 with status "degraded" otherwise.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := healthResponse{
		Status:    statusHealthy,
		Timestamp: s.now().UTC().Format(time.RFC3339),
		Uptime:    s.uptime(),
		Services:  map[string]string{documentProcessor: statusHealthy},
		System:    currentSystem(),
	}
	for _, res := range s.probeAll(r.Context(), false) {
		if res.err != nil {
			resp.Services[res.name] = statusUnhealthy
			resp.Status = statusDegraded
			continue
		}
		resp.Services[res.name] = statusHealthy
	}

	status := http.StatusOK
	if resp.Status != statusHealthy {
		status = http.StatusServiceUnavailable
	}
	s.writeJSON(w, r, status, resp)
}

// serviceDetail is one entry of the detailed health report.
type serviceDetail map[string]any

// detailedHealthResponse is the JSON body returned by GET /api/health/detailed.
type detailedHealthResponse struct {
	Status    string                   `json:"status"`
	Timestamp string                   `json:"timestamp"`
	Uptime    float64                  `json:"uptime"`
	Services  map[string]serviceDetail `json:"services"`
	System    systemInfo               `json:"system"`
}

// handleHealthDetailed handles GET /api/health/detailed: per-service status,
// last check time and whatever details each dependency can report (model
// list, collections, accepted upload types) plus process information.
func (s *Server) handleHealthDetailed(w http.ResponseWriter, r *http.Request) {
	now := s.now().UTC().Format(time.RFC3339)
	resp := detailedHealthResponse{
		Status:    statusHealthy,
		Timestamp: now,
		Uptime:    s.uptime(),
		Services:  make(map[string]serviceDetail),
		System:    currentSystem(),
	}

	for _, res := range s.probeAll(r.Context(), true) {
		d := serviceDetail{"status": statusHealthy, "lastCheck": res.checked.Format(time.RFC3339)}
		if res.err != nil {
			d["status"] = statusUnhealthy
			d["error"] = res.err.Error()
			resp.Status = statusDegraded
		}
		for k, v := range res.details {
			d[k] = v
		}
		resp.Services[res.name] = d
	}

	if s.deps.Ingest != nil {
		policy := s.deps.Ingest.Policy()
		resp.Services[documentProcessor] = serviceDetail{
			"status":         statusHealthy,
			"supportedTypes": policy.Allowed,
			"maxBytes":       policy.MaxBytes,
			"lastCheck":      now,
		}
	}

	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)
	resp.System.Memory = &memoryInfo{Alloc: ms.Alloc, HeapInuse: ms.HeapInuse, Sys: ms.Sys, NumGC: ms.NumGC}
	resp.System.Environment = s.cfg.Environment

	status := http.StatusOK
	if resp.Status != statusHealthy {
		status = http.StatusServiceUnavailable
	}
	s.writeJSON(w, r, status, resp)
}

// readyCheck holds the per-dependency result of a readiness probe.
type readyCheck struct {
	// Name is the dependency label (e.g. "ollama", "qdrant").
	Name string `json:"name"`
	// OK is true when the dependency responded successfully.
	OK bool `json:"ok"`
	// Error contains the failure reason when OK is false. Empty on success.
	Error string `json:"error,omitempty"`
}

// readyResponse is the JSON body returned by GET /api/health/ready.
type readyResponse struct {
	// Ready is true only when every dependency probe succeeded.
	Ready bool `json:"ready"`
	// Reason summarises why the service is not ready.
	Reason    string `json:"reason,omitempty"`
	Timestamp string `json:"timestamp"`
	// Checks contains the per-dependency probe results.
	Checks []readyCheck `json:"checks"`
}

// handleReady handles GET /api/health/ready for readiness checks.
// It returns 200 when all dependencies are reachable, or 503 when any probe
// fails.
func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	resp := readyResponse{Ready: true, Timestamp: s.now().UTC().Format(time.RFC3339), Checks: []readyCheck{}}
	var failed int
	for _, res := range s.probeAll(r.Context(), false) {
		check := readyCheck{Name: res.name, OK: res.err == nil}
		if res.err != nil {
			check.Error = res.err.Error()
			failed++
		}
		resp.Checks = append(resp.Checks, check)
	}

	status := http.StatusOK
	if failed > 0 {
		resp.Ready = false
		resp.Reason = fmt.Sprintf("%d of %d dependencies unavailable", failed, len(resp.Checks))
		status = http.StatusServiceUnavailable
	}
	s.writeJSON(w, r, status, resp)
}

// liveResponse is the JSON body returned by GET /api/health/live.
type liveResponse struct {
	Alive     bool    `json:"alive"`
	Timestamp string  `json:"timestamp"`
	Uptime    float64 `json:"uptime"`
}

// handleLive handles GET /api/health/live. It never touches dependencies.
func (s *Server) handleLive(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, r, http.StatusOK, liveResponse{
		Alive:     true,
		Timestamp: s.now().UTC().Format(time.RFC3339),
		Uptime:    s.uptime(),
	})
}

// rootResponse is the JSON body returned by GET /.
type rootResponse struct {
	Message   string `json:"message"`
	Version   string `json:"version"`
	Status    string `json:"status"`
	Timestamp string `json:"timestamp"`
}

// handleRoot handles GET / with a service banner.
func (s *Server) handleRoot(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, r, http.StatusOK, rootResponse{
		Message:   "Power Plant Troubleshooting API",
		Version:   version.Version,
		Status:    "online",
		Timestamp: s.now().UTC().Format(time.RFC3339),
	})
}

// handleNotFound answers unknown routes with the JSON error envelope.
func (s *Server) handleNotFound(w http.ResponseWriter, r *http.Request) {
	s.writeError(w, r, newHTTPError(http.StatusNotFound,
		fmt.Sprintf("Route %s %s not found", r.Method, r.URL.Path)))
}
