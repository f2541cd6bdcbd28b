// Package ratelimit throttles HTTP callers with one token bucket per key.
package ratelimit

import (
	"encoding/json"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/atmx/yield-engine/internal/auth"
	"github.com/atmx/yield-engine/internal/metrics"
)

// Config sets the steady rate and burst per caller.
type Config struct {
	RequestsPerSecond float64
	Burst             int
	// Idle is how long an unused bucket is kept.
	Idle time.Duration
}

type entry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// Limiter holds the per-caller buckets.
type Limiter struct {
	cfg       Config
	mu        sync.Mutex
	visitors  map[string]*entry
	lastSweep time.Time
	clockNow  func() time.Time
}

// New creates a limiter.
func New(cfg Config) *Limiter {
	if cfg.RequestsPerSecond <= 0 {
		cfg.RequestsPerSecond = 1
	}
	if cfg.Burst <= 0 {
		cfg.Burst = 1
	}
	if cfg.Idle <= 0 {
		cfg.Idle = 10 * time.Minute
	}
	return &Limiter{cfg: cfg, visitors: make(map[string]*entry), clockNow: time.Now}
}

// Allow takes one token from key's bucket.
func (l *Limiter) Allow(key string) (bool, time.Duration) {
	now := l.clockNow()

	l.mu.Lock()
	defer l.mu.Unlock()

	if now.Sub(l.lastSweep) > l.cfg.Idle {
		for k, e := range l.visitors {
			if now.Sub(e.lastSeen) > l.cfg.Idle {
				delete(l.visitors, k)
			}
		}
		l.lastSweep = now
	}

	e, ok := l.visitors[key]
	if !ok {
		e = &entry{limiter: rate.NewLimiter(rate.Limit(l.cfg.RequestsPerSecond), l.cfg.Burst)}
		l.visitors[key] = e
	}
	e.lastSeen = now
	if e.limiter.AllowN(now, 1) {
		return true, 0
	}
	r := e.limiter.ReserveN(now, 1)
	delay := r.DelayFrom(now)
	r.CancelAt(now)
	return false, delay
}

// Middleware rejects callers over their rate with 429. Authenticated
// callers are keyed by address, anonymous ones by client IP.
func (l *Limiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ok, retry := l.Allow(Key(r))
		if !ok {
			metrics.RateLimited.Inc()
			w.Header().Set("Content-Type", "application/json")
			w.Header().Set("Retry-After", strconv.Itoa(int(retry.Seconds())+1))
			w.WriteHeader(http.StatusTooManyRequests)
			json.NewEncoder(w).Encode(map[string]string{"error": "rate limit exceeded"})
			return
		}
		next.ServeHTTP(w, r)
	})
}

// Key identifies the caller of r.
func Key(r *http.Request) string {
	if id, ok := auth.FromContext(r.Context()); ok {
		return id.Address.Hex()
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
