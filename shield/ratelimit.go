package shield

import (
	"net"
	"net/http"
	"strings"
	"sync"
	"time"
)

// RateLimitConfig defines a fixed-window per-IP limit.
type RateLimitConfig struct {
	MaxRequests int           // requests allowed per window; default 120
	Window      time.Duration // window length; default 1m
}

func (c *RateLimitConfig) defaults() {
	if c.MaxRequests <= 0 {
		c.MaxRequests = 120
	}
	if c.Window <= 0 {
		c.Window = time.Minute
	}
}

type bucket struct {
	count   int
	resetAt time.Time
}

// RateLimiter applies a fixed-window per-IP limit. Buckets live in memory;
// expired buckets are garbage collected lazily on access and periodically
// when StartGC is running.
type RateLimiter struct {
	cfg     RateLimitConfig
	exclude []string // path prefixes excluded from limiting

	mu      sync.Mutex
	buckets map[string]*bucket
}

// NewRateLimiter creates a rate limiter. excludePrefixes name path prefixes
// that bypass limiting, typically health endpoints.
func NewRateLimiter(cfg RateLimitConfig, excludePrefixes ...string) *RateLimiter {
	cfg.defaults()
	return &RateLimiter{
		cfg:     cfg,
		exclude: excludePrefixes,
		buckets: make(map[string]*bucket),
	}
}

// Middleware enforces the limit, answering 429 when a client exceeds it.
func (rl *RateLimiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		for _, prefix := range rl.exclude {
			if strings.HasPrefix(r.URL.Path, prefix) {
				next.ServeHTTP(w, r)
				return
			}
		}
		if !rl.allow(clientIP(r)) {
			w.Header().Set("Retry-After", rl.cfg.Window.String())
			http.Error(w, "rate limit exceeded", http.StatusTooManyRequests)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (rl *RateLimiter) allow(ip string) bool {
	now := time.Now()
	rl.mu.Lock()
	defer rl.mu.Unlock()

	b, ok := rl.buckets[ip]
	if !ok || now.After(b.resetAt) {
		rl.buckets[ip] = &bucket{count: 1, resetAt: now.Add(rl.cfg.Window)}
		return true
	}
	b.count++
	return b.count <= rl.cfg.MaxRequests
}

// StartGC clears expired buckets every interval until done is closed.
func (rl *RateLimiter) StartGC(done <-chan struct{}, interval time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				rl.gc()
			}
		}
	}()
}

func (rl *RateLimiter) gc() {
	now := time.Now()
	rl.mu.Lock()
	defer rl.mu.Unlock()
	for ip, b := range rl.buckets {
		if now.After(b.resetAt) {
			delete(rl.buckets, ip)
		}
	}
}

func clientIP(r *http.Request) string {
	if xf := r.Header.Get("X-Forwarded-For"); xf != "" {
		if i := strings.IndexByte(xf, ','); i > 0 {
			return strings.TrimSpace(xf[:i])
		}
		return strings.TrimSpace(xf)
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
