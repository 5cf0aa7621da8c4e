package server

import (
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// rateLimit configures one named bucket: a steady-state rate plus burst,
// keyed per client. Grounded on gateway/middleware/ratelimit.go's RateLimit.
type rateLimit struct {
	RatePerSecond float64
	Burst         int
}

// rateLimiter guards a handful of sensitive endpoints (nonce issuance,
// group creation) against a single client hammering them. It is
// intentionally in-process and unbounded-by-eviction-only, the same
// tradeoff the teacher's RateLimiter makes for a single-replica gateway.
type rateLimiter struct {
	mu       sync.Mutex
	limits   map[string]rateLimit
	visitors map[string]*rate.Limiter
	now      func() time.Time
}

func newRateLimiter(limits map[string]rateLimit) *rateLimiter {
	return &rateLimiter{
		limits:   limits,
		visitors: make(map[string]*rate.Limiter),
		now:      time.Now,
	}
}

// middleware returns a chi-compatible handler wrapper for the named bucket.
// Unknown bucket names pass every request through unthrottled.
func (r *rateLimiter) middleware(bucket string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			limit, ok := r.limits[bucket]
			if !ok {
				next.ServeHTTP(w, req)
				return
			}
			id := bucket + "|" + clientID(req)
			limiter := r.obtain(id, limit)
			if !limiter.AllowN(r.now(), 1) {
				http.Error(w, http.StatusText(http.StatusTooManyRequests), http.StatusTooManyRequests)
				return
			}
			next.ServeHTTP(w, req)
		})
	}
}

func (r *rateLimiter) obtain(id string, cfg rateLimit) *rate.Limiter {
	r.mu.Lock()
	defer r.mu.Unlock()
	if limiter, ok := r.visitors[id]; ok {
		return limiter
	}
	perSecond := cfg.RatePerSecond
	if perSecond <= 0 {
		perSecond = 1
	}
	burst := cfg.Burst
	if burst <= 0 {
		burst = 1
	}
	limiter := rate.NewLimiter(rate.Limit(perSecond), burst)
	r.visitors[id] = limiter
	return limiter
}

func clientID(r *http.Request) string {
	if ip := strings.TrimSpace(r.Header.Get("X-Real-IP")); ip != "" {
		return ip
	}
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		part := fwd
		if comma := strings.IndexByte(fwd, ','); comma > 0 {
			part = fwd[:comma]
		}
		if parsed := net.ParseIP(strings.TrimSpace(part)); parsed != nil {
			return parsed.String()
		}
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
