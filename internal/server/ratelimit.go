package server

import (
	"log/slog"
	"math"
	"net"
	"net/http"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/54b3r/ppta-go/internal/logging"
)

// Defaults applied when a Limit is left zero.
const (
	defaultRateWindow      = 15 * time.Minute
	defaultRateMaxRequests = 100
	defaultUploadWindow    = 15 * time.Minute
	defaultUploadRequests  = 10
)

// clientLimiter holds a token-bucket rate limiter and the last time it was
// seen, used to evict stale entries from the limiter map.
type clientLimiter struct {
	// limiter is the per-client token bucket.
	limiter *rate.Limiter
	// lastSeen is updated on every request from this client for eviction.
	lastSeen time.Time
}

// rateLimiter is an HTTP middleware that enforces a per-client quota of
// MaxRequests per Window. Each client gets a token bucket holding
// MaxRequests tokens that refills at MaxRequests/Window, so a client that
// exhausts its quota is whole again one Window later.
type rateLimiter struct {
	// name labels rejections in logs and metrics ("general", "upload").
	name string
	// msg is the client-facing 429 message.
	msg string
	// mu protects the limiters map.
	mu sync.Mutex
	// limiters maps client IP to its state.
	limiters map[string]*clientLimiter
	// rps is the sustained refill rate.
	rps rate.Limit
	// burst is the quota.
	burst int
	// idle is how long an untouched entry is kept; at least one Window.
	idle time.Duration
	now  func() time.Time
	// onReject is called for each rejected request.
	onReject func()
	log      *slog.Logger
}

// newRateLimiter constructs a rateLimiter and starts the background eviction
// goroutine. The goroutine exits when the returned stop function is called.
func newRateLimiter(name, msg string, lim Limit, now func() time.Time, log *slog.Logger) (*rateLimiter, func()) {
	if now == nil {
		now = time.Now
	}
	rl := &rateLimiter{
		name:     name,
		msg:      msg,
		limiters: make(map[string]*clientLimiter),
		rps:      rate.Limit(float64(lim.MaxRequests) / lim.Window.Seconds()),
		burst:    lim.MaxRequests,
		idle:     max(lim.Window, 5*time.Minute),
		now:      now,
		onReject: func() {},
		log:      log,
	}

	stopCh := make(chan struct{})
	go rl.evictLoop(stopCh)

	var once sync.Once
	return rl, func() { once.Do(func() { close(stopCh) }) }
}

// getLimiter returns the limiter for ip, creating one if needed.
func (rl *rateLimiter) getLimiter(ip string, now time.Time) *rate.Limiter {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	entry, ok := rl.limiters[ip]
	if !ok {
		entry = &clientLimiter{limiter: rate.NewLimiter(rl.rps, rl.burst)}
		rl.limiters[ip] = entry
	}
	entry.lastSeen = now
	return entry.limiter
}

// evictLoop removes idle entries every minute until stopCh is closed.
func (rl *rateLimiter) evictLoop(stopCh <-chan struct{}) {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-stopCh:
			return
		case <-ticker.C:
			rl.evict()
		}
	}
}

// evict removes entries not seen within the idle period. An evicted bucket
// would have refilled completely anyway.
func (rl *rateLimiter) evict() {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	cutoff := rl.now().Add(-rl.idle)
	evicted := 0
	for ip, entry := range rl.limiters {
		if entry.lastSeen.Before(cutoff) {
			delete(rl.limiters, ip)
			evicted++
		}
	}
	if evicted > 0 {
		rl.log.Debug("rate limiter: evicted idle clients",
			slog.String("limiter", rl.name),
			slog.Int("evicted", evicted),
		)
	}
}

// allow consumes one token for ip. When none is available it returns the
// whole seconds until one is, never less than 1.
func (rl *rateLimiter) allow(ip string) (bool, int) {
	now := rl.now()
	r := rl.getLimiter(ip, now).ReserveN(now, 1)
	if !r.OK() {
		return false, 1
	}
	delay := r.DelayFrom(now)
	if delay == 0 {
		return true, 0
	}
	r.CancelAt(now)
	return false, max(1, int(math.Ceil(delay.Seconds())))
}

// middleware rejects requests over quota immediately with 429 and a
// Retry-After hint; others reach next.
func (rl *rateLimiter) middleware(s *Server, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ip := clientIP(r)
		ok, retryAfter := rl.allow(ip)
		if !ok {
			rl.onReject()
			logging.FromContext(r.Context()).Warn("rate limit exceeded",
				slog.String("limiter", rl.name),
				slog.String("ip", ip),
				slog.Int("retry_after_s", retryAfter),
			)
			s.writeRateLimited(w, r, rl.msg, retryAfter)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// clientIP extracts the remote IP from the request, stripping the port.
// X-Forwarded-For is not trusted.
func clientIP(r *http.Request) string {
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		return host
	}
	return r.RemoteAddr
}
