package limits

import (
	"context"
	"fmt"
	"hash/fnv"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/adred-codev/logfan/internal/monitoring"
)

// bucket is one client's token state. tokens never exceeds maxRequests.
type bucket struct {
	tokens     int
	lastRefill time.Time
}

// TokenBucketLimiter enforces a per-client-key request budget of
// maxRequests per window with lazy refill. Cold buckets are evicted by a
// periodic sweep so the key map stays bounded by the active client set.
//
// Thread safety: readers-writer discipline on the bucket map; bucket
// mutation is a short critical section under the write lock.
type TokenBucketLimiter struct {
	mu      sync.RWMutex
	buckets map[string]*bucket

	maxRequests int
	window      time.Duration

	logger zerolog.Logger
	wg     sync.WaitGroup
}

func NewTokenBucketLimiter(maxRequests int, window time.Duration, logger zerolog.Logger) *TokenBucketLimiter {
	return &TokenBucketLimiter{
		buckets:     make(map[string]*bucket),
		maxRequests: maxRequests,
		window:      window,
		logger:      logger.With().Str("component", "rate_limiter").Logger(),
	}
}

// TryConsume admits or rejects one request for the given client key.
//
// A key seen for the first time gets a fresh bucket with maxRequests-1
// tokens (the current request consumes the first). Existing buckets are
// lazily refilled with ⌊elapsed/window⌋ × maxRequests tokens, capped at
// maxRequests.
func (l *TokenBucketLimiter) TryConsume(key string) bool {
	now := time.Now()

	l.mu.Lock()
	defer l.mu.Unlock()

	b, ok := l.buckets[key]
	if !ok {
		l.buckets[key] = &bucket{tokens: l.maxRequests - 1, lastRefill: now}
		return true
	}

	elapsed := now.Sub(b.lastRefill)
	if windows := int(elapsed / l.window); windows > 0 {
		b.tokens += windows * l.maxRequests
		if b.tokens > l.maxRequests {
			b.tokens = l.maxRequests
		}
		b.lastRefill = now
	}

	if b.tokens > 0 {
		b.tokens--
		return true
	}
	return false
}

// RetryAfter reports how long the key must wait for its next token. Zero
// means the key may retry immediately.
func (l *TokenBucketLimiter) RetryAfter(key string) time.Duration {
	l.mu.RLock()
	defer l.mu.RUnlock()

	b, ok := l.buckets[key]
	if !ok || b.tokens > 0 {
		return 0
	}

	remaining := l.window - time.Since(b.lastRefill)
	if remaining < 0 {
		return 0
	}
	return remaining
}

// Remaining reports the key's unconsumed tokens, for X-RateLimit headers.
func (l *TokenBucketLimiter) Remaining(key string) int {
	l.mu.RLock()
	defer l.mu.RUnlock()

	b, ok := l.buckets[key]
	if !ok {
		return l.maxRequests
	}
	return b.tokens
}

// Limit returns the configured per-window budget.
func (l *TokenBucketLimiter) Limit() int {
	return l.maxRequests
}

// Start launches the periodic sweep that evicts buckets idle longer than
// twice the window. Returns when ctx is cancelled.
func (l *TokenBucketLimiter) Start(ctx context.Context) {
	l.wg.Add(1)
	go func() {
		defer l.wg.Done()
		defer monitoring.RecoverPanic(l.logger, "rate_limit_sweep", nil)

		ticker := time.NewTicker(l.window)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				l.sweep()
			}
		}
	}()
}

// Wait blocks until the sweep goroutine has exited.
func (l *TokenBucketLimiter) Wait() {
	l.wg.Wait()
}

func (l *TokenBucketLimiter) sweep() {
	cutoff := time.Now().Add(-2 * l.window)

	l.mu.Lock()
	removed := 0
	for key, b := range l.buckets {
		if b.lastRefill.Before(cutoff) {
			delete(l.buckets, key)
			removed++
		}
	}
	remaining := len(l.buckets)
	l.mu.Unlock()

	if removed > 0 {
		l.logger.Debug().
			Int("removed", removed).
			Int("remaining", remaining).
			Msg("Swept cold rate-limit buckets")
	}
}

// DeriveClientKey produces the stable identifier the limiter and the
// connection manager key clients by.
//
// When trustProxy is set, the first hop of X-Forwarded-For is used. Header
// identity is never trusted without that explicit opt-in: a spoofed header
// would otherwise let a single client mint unlimited rate-limit keys. The
// fallback hashes a non-identifying request signature (remote host +
// user agent).
func DeriveClientKey(r *http.Request, trustProxy bool) string {
	if trustProxy {
		if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
			first := strings.TrimSpace(strings.SplitN(fwd, ",", 2)[0])
			if first != "" {
				return first
			}
		}
	}

	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		host = r.RemoteAddr
	}

	h := fnv.New64a()
	h.Write([]byte(host))
	h.Write([]byte{0})
	h.Write([]byte(r.UserAgent()))
	return fmt.Sprintf("%016x", h.Sum64())
}
