package middleware

import (
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

const visitorIdleTTL = 10 * time.Minute

// RateLimit describes the budget applied to one route class. Tokens maps
// "METHOD /path" to the cost charged for that route; anything absent costs
// DefaultTokens (or one token when unset).
type RateLimit struct {
	RatePerSecond     float64
	RequestsPerMinute float64
	Burst             int
	DefaultTokens     int
	Tokens            map[string]int
}

func (l RateLimit) perSecond() float64 {
	if l.RatePerSecond > 0 {
		return l.RatePerSecond
	}
	if l.RequestsPerMinute > 0 {
		return l.RequestsPerMinute / 60.0
	}
	return 1
}

func (l RateLimit) burst() int {
	if l.Burst > 0 {
		return l.Burst
	}
	return 1
}

func (l RateLimit) cost(r *http.Request) int {
	if len(l.Tokens) > 0 {
		if tokens, ok := l.Tokens[r.Method+" "+r.URL.Path]; ok && tokens > 0 {
			return tokens
		}
	}
	if l.DefaultTokens > 0 {
		return l.DefaultTokens
	}
	return 1
}

type visitor struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// RateLimiter throttles clients independently per route class. Clients are
// identified by API key when present so tenants behind a shared egress IP do
// not contend for one budget.
type RateLimiter struct {
	logger *slog.Logger
	limits map[string]RateLimit
	nowFn  func() time.Time

	mu       sync.Mutex
	visitors map[string]*visitor
}

func NewRateLimiter(limits map[string]RateLimit, logger *slog.Logger) *RateLimiter {
	if logger == nil {
		logger = slog.Default()
	}
	return &RateLimiter{
		logger:   logger,
		limits:   limits,
		nowFn:    time.Now,
		visitors: make(map[string]*visitor),
	}
}

// Middleware limits requests against the named route class. Unknown names pass
// through unthrottled.
func (r *RateLimiter) Middleware(key string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			limit, ok := r.limits[key]
			if !ok {
				next.ServeHTTP(w, req)
				return
			}
			now := r.nowFn()
			limiter := r.obtain(key+"|"+clientID(req), limit, now)
			if !limiter.AllowN(now, limit.cost(req)) {
				r.logger.Warn("rate limit exceeded", "route", key, "client", clientID(req))
				http.Error(w, http.StatusText(http.StatusTooManyRequests), http.StatusTooManyRequests)
				return
			}
			next.ServeHTTP(w, req)
		})
	}
}

func (r *RateLimiter) obtain(id string, cfg RateLimit, now time.Time) *rate.Limiter {
	r.mu.Lock()
	defer r.mu.Unlock()
	for key, entry := range r.visitors {
		if now.Sub(entry.lastSeen) > visitorIdleTTL {
			delete(r.visitors, key)
		}
	}
	entry, ok := r.visitors[id]
	if !ok {
		entry = &visitor{limiter: rate.NewLimiter(rate.Limit(cfg.perSecond()), cfg.burst())}
		r.visitors[id] = entry
	}
	entry.lastSeen = now
	return entry.limiter
}

func clientID(r *http.Request) string {
	if key := strings.TrimSpace(r.Header.Get("X-API-Key")); key != "" {
		return key
	}
	if ip := strings.TrimSpace(r.Header.Get("X-Real-IP")); ip != "" {
		return ip
	}
	if forwarded := r.Header.Get("X-Forwarded-For"); forwarded != "" {
		first := forwarded
		if comma := strings.IndexByte(forwarded, ','); comma >= 0 {
			first = forwarded[:comma]
		}
		if parsed := net.ParseIP(strings.TrimSpace(first)); parsed != nil {
			return parsed.String()
		}
		return strings.TrimSpace(first)
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
