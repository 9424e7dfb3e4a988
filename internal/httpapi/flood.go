package httpapi

import (
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/MrEthical07/regflow"
	"golang.org/x/time/rate"
)

const (
	floodSweepEvery = 5 * time.Minute
	floodIdleAfter  = 10 * time.Minute
)

type ipLimiter struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// FloodGuard is a per-address token bucket in front of every API route. It
// only absorbs bursts; the engine's windowed limits still apply behind it.
type FloodGuard struct {
	mu        sync.Mutex
	limiters  map[string]*ipLimiter
	r         rate.Limit
	burst     int
	lastSweep time.Time
	now       func() time.Time
}

// NewFloodGuard allows r requests per second per address with the given burst.
func NewFloodGuard(r rate.Limit, burst int) *FloodGuard {
	return &FloodGuard{
		limiters:  make(map[string]*ipLimiter),
		r:         r,
		burst:     burst,
		lastSweep: time.Now(),
		now:       time.Now,
	}
}

func (g *FloodGuard) allow(ip string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()

	now := g.now()
	if now.Sub(g.lastSweep) >= floodSweepEvery {
		for k, v := range g.limiters {
			if now.Sub(v.lastSeen) > floodIdleAfter {
				delete(g.limiters, k)
			}
		}
		g.lastSweep = now
	}

	v, ok := g.limiters[ip]
	if !ok {
		v = &ipLimiter{limiter: rate.NewLimiter(g.r, g.burst)}
		g.limiters[ip] = v
	}
	v.lastSeen = now
	return v.limiter.AllowN(now, 1)
}

func (g *FloodGuard) size() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.limiters)
}

// Limit is the middleware enforcing the bucket per remote address.
func (g *FloodGuard) Limit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ip := r.RemoteAddr
		if host, _, err := net.SplitHostPort(ip); err == nil {
			ip = host
		}
		if !g.allow(ip) {
			w.Header().Set("Retry-After", "1")
			writeJSON(w, http.StatusTooManyRequests, errorEnvelope{
				Error: "too many requests",
				Code:  regflow.KindRateLimited.String(),
			})
			return
		}
		next.ServeHTTP(w, r)
	})
}
