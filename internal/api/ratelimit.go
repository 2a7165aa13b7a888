package api

import (
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"question-bounty/internal/metrics"

	"golang.org/x/time/rate"
)

const visitorTTL = 3 * time.Minute

// RateLimiter keeps one token bucket per client IP.
type RateLimiter struct {
	limit   rate.Limit
	burst   int
	metrics *metrics.Metrics

	mu        sync.Mutex
	visitors  map[string]*visitor
	lastSweep time.Time
	now       func() time.Time
}

type visitor struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// NewRateLimiter allows perMinute requests per minute per IP, with bursts of
// the same size. perMinute <= 0 disables limiting.
func NewRateLimiter(perMinute int, m *metrics.Metrics) *RateLimiter {
	rl := &RateLimiter{
		limit:    rate.Inf,
		burst:    1,
		metrics:  m,
		visitors: make(map[string]*visitor),
		now:      time.Now,
	}
	if perMinute > 0 {
		rl.limit = rate.Every(time.Minute / time.Duration(perMinute))
		rl.burst = perMinute
	}
	return rl
}

func (rl *RateLimiter) visitor(ip string) *rate.Limiter {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	if now.Sub(rl.lastSweep) > time.Minute {
		for k, v := range rl.visitors {
			if now.Sub(v.lastSeen) > visitorTTL {
				delete(rl.visitors, k)
			}
		}
		rl.lastSweep = now
	}

	v, ok := rl.visitors[ip]
	if !ok {
		v = &visitor{limiter: rate.NewLimiter(rl.limit, rl.burst)}
		rl.visitors[ip] = v
	}
	v.lastSeen = now
	return v.limiter
}

func clientIP(r *http.Request) string {
	ip, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		ip = strings.TrimSuffix(strings.TrimPrefix(r.RemoteAddr, "["), "]")
	}
	return ip
}

func (rl *RateLimiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !rl.visitor(clientIP(r)).Allow() {
			if rl.metrics != nil {
				rl.metrics.RateLimited.Inc()
			}
			w.Header().Set("Retry-After", "60")
			writeJSON(w, http.StatusTooManyRequests, errorBody{Error: "too many evaluation requests", Code: "rate_limited"})
			return
		}
		next.ServeHTTP(w, r)
	})
}
