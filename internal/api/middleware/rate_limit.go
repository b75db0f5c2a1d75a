package middleware

import (
	"encoding/json"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/time/rate"
)

// Per-IP budgets, requests per minute.
const (
	rateLimitReadPerMin  = 120
	rateLimitWritePerMin = 60
	// Detection, model fits and monitor passes score many customers per call.
	rateLimitHeavyPerMin = 10

	defaultLimiterCacheSize = 4096
)

type rateLimitTier int

const (
	tierHeavy rateLimitTier = iota
	tierRead
	tierWrite
)

func (t rateLimitTier) perMinute() int {
	switch t {
	case tierHeavy:
		return rateLimitHeavyPerMin
	case tierRead:
		return rateLimitReadPerMin
	default:
		return rateLimitWritePerMin
	}
}

func (t rateLimitTier) String() string {
	switch t {
	case tierHeavy:
		return "heavy"
	case tierRead:
		return "read"
	default:
		return "write"
	}
}

func tierForRequest(r *http.Request) rateLimitTier {
	path := strings.ToLower(r.URL.Path)
	if strings.HasSuffix(path, "/detect") || strings.HasSuffix(path, "/model/build") || strings.HasSuffix(path, "/monitor/run") {
		return tierHeavy
	}
	if r.Method == http.MethodGet || r.Method == http.MethodHead {
		return tierRead
	}
	return tierWrite
}

// RateLimiter hands out token buckets per client IP and tier. The least
// recently seen clients are evicted once the cache is full.
type RateLimiter struct {
	limiters *lru.Cache[string, *rate.Limiter]
}

// NewRateLimiter creates a limiter tracking up to size clients.
func NewRateLimiter(size int) (*RateLimiter, error) {
	if size <= 0 {
		size = defaultLimiterCacheSize
	}
	cache, err := lru.New[string, *rate.Limiter](size)
	if err != nil {
		return nil, err
	}
	return &RateLimiter{limiters: cache}, nil
}

func (l *RateLimiter) limiter(ip string, t rateLimitTier) *rate.Limiter {
	key := t.String() + "|" + ip
	if lim, ok := l.limiters.Get(key); ok {
		return lim
	}
	per := t.perMinute()
	lim := rate.NewLimiter(rate.Limit(float64(per)/60.0), per)
	// Another request may have raced us here; keep whichever landed first.
	if prev, ok, _ := l.limiters.PeekOrAdd(key, lim); ok {
		return prev
	}
	return lim
}

func clientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		if idx := strings.Index(xff, ","); idx > 0 {
			return strings.TrimSpace(xff[:idx])
		}
		return strings.TrimSpace(xff)
	}
	if xri := r.Header.Get("X-Real-IP"); xri != "" {
		return strings.TrimSpace(xri)
	}
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		return host
	}
	return r.RemoteAddr
}

// Middleware limits requests per client IP. /health and /metrics are exempt.
// Rejected requests get 429 with Retry-After and the structured error body.
func (l *RateLimiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/health" || r.URL.Path == "/metrics" {
			next.ServeHTTP(w, r)
			return
		}
		tier := tierForRequest(r)
		lim := l.limiter(clientIP(r), tier)
		w.Header().Set("X-RateLimit-Limit", strconv.Itoa(tier.perMinute()))

		reservation := lim.Reserve()
		if delay := reservation.Delay(); !reservation.OK() || delay > 0 {
			reservation.Cancel()
			retryAfter := int(delay.Seconds()) + 1
			if !reservation.OK() || retryAfter > 60 {
				retryAfter = 60
			}
			w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
			w.Header().Set("X-RateLimit-Remaining", "0")
			w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(time.Now().Add(time.Duration(retryAfter)*time.Second).Unix(), 10))
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusTooManyRequests)
			_ = json.NewEncoder(w).Encode(map[string]string{
				"error":      http.StatusText(http.StatusTooManyRequests),
				"code":       "RATE_LIMITED",
				"message":    "Too many requests. Please retry later.",
				"request_id": w.Header().Get(ResponseRequestIDHeader),
			})
			return
		}

		remaining := int(lim.Tokens())
		if remaining < 0 {
			remaining = 0
		}
		w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(remaining))
		next.ServeHTTP(w, r)
	})
}
