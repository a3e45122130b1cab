package limits

import (
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

// StreamAdmission rate-limits stream connection attempts ahead of the
// capacity checks in the connection manager.
//
// Two levels:
//   - Per-IP: one misbehaving dashboard cannot flood the broker with
//     reconnect storms.
//   - Global: distributed reconnect storms are absorbed before they reach
//     the subscriber runtime.
//
// Uses token buckets from golang.org/x/time/rate for smooth limiting.
type StreamAdmission struct {
	ipLimiters map[string]*ipLimiterEntry
	ipMu       sync.RWMutex
	ipBurst    int
	ipRate     float64
	ipTTL      time.Duration

	globalLimiter *rate.Limiter

	logger zerolog.Logger

	cleanupTicker *time.Ticker
	stopCleanup   chan struct{}
	stopOnce      sync.Once
}

type ipLimiterEntry struct {
	limiter    *rate.Limiter
	lastAccess time.Time
}

// StreamAdmissionConfig holds connection-attempt rate limits. Zero values
// fall back to defaults suited to reconnecting log viewers: generous
// per-IP bursts (EventSource retries aggressively after a deploy), modest
// sustained rates.
type StreamAdmissionConfig struct {
	IPBurst     int           // default 20
	IPRate      float64       // default 2 conn/sec
	IPTTL       time.Duration // default 5m
	GlobalBurst int           // default 500
	GlobalRate  float64       // default 100 conn/sec
	Logger      zerolog.Logger
}

func NewStreamAdmission(config StreamAdmissionConfig) *StreamAdmission {
	if config.IPBurst == 0 {
		config.IPBurst = 20
	}
	if config.IPRate == 0 {
		config.IPRate = 2.0
	}
	if config.IPTTL == 0 {
		config.IPTTL = 5 * time.Minute
	}
	if config.GlobalBurst == 0 {
		config.GlobalBurst = 500
	}
	if config.GlobalRate == 0 {
		config.GlobalRate = 100.0
	}

	sa := &StreamAdmission{
		ipLimiters:    make(map[string]*ipLimiterEntry),
		ipBurst:       config.IPBurst,
		ipRate:        config.IPRate,
		ipTTL:         config.IPTTL,
		globalLimiter: rate.NewLimiter(rate.Limit(config.GlobalRate), config.GlobalBurst),
		logger:        config.Logger.With().Str("component", "stream_admission").Logger(),
		stopCleanup:   make(chan struct{}),
	}

	sa.cleanupTicker = time.NewTicker(1 * time.Minute)
	go sa.cleanupLoop()

	return sa
}

// Allow checks whether a connection attempt from the given client key may
// proceed. Global limit is checked first (no map lookup on the fast
// rejection path), then the per-key limit.
func (sa *StreamAdmission) Allow(key string) bool {
	if !sa.globalLimiter.Allow() {
		sa.logger.Debug().Str("client_key", key).Msg("Stream attempt rejected: global rate limit")
		return false
	}

	if !sa.keyLimiter(key).Allow() {
		sa.logger.Debug().Str("client_key", key).Msg("Stream attempt rejected: per-client rate limit")
		return false
	}

	return true
}

func (sa *StreamAdmission) keyLimiter(key string) *rate.Limiter {
	sa.ipMu.RLock()
	entry, exists := sa.ipLimiters[key]
	sa.ipMu.RUnlock()

	if exists {
		sa.ipMu.Lock()
		entry.lastAccess = time.Now()
		sa.ipMu.Unlock()
		return entry.limiter
	}

	sa.ipMu.Lock()
	defer sa.ipMu.Unlock()

	// Double-check after acquiring the write lock.
	if entry, exists = sa.ipLimiters[key]; exists {
		entry.lastAccess = time.Now()
		return entry.limiter
	}

	limiter := rate.NewLimiter(rate.Limit(sa.ipRate), sa.ipBurst)
	sa.ipLimiters[key] = &ipLimiterEntry{limiter: limiter, lastAccess: time.Now()}
	return limiter
}

func (sa *StreamAdmission) cleanupLoop() {
	for {
		select {
		case <-sa.cleanupTicker.C:
			sa.cleanup()
		case <-sa.stopCleanup:
			sa.cleanupTicker.Stop()
			return
		}
	}
}

func (sa *StreamAdmission) cleanup() {
	sa.ipMu.Lock()
	defer sa.ipMu.Unlock()

	now := time.Now()
	removed := 0
	for key, entry := range sa.ipLimiters {
		if now.Sub(entry.lastAccess) > sa.ipTTL {
			delete(sa.ipLimiters, key)
			removed++
		}
	}

	if removed > 0 {
		sa.logger.Debug().
			Int("removed", removed).
			Int("remaining", len(sa.ipLimiters)).
			Msg("Cleaned up stale stream-admission limiters")
	}
}

// Stop terminates the cleanup goroutine. Safe to call more than once.
func (sa *StreamAdmission) Stop() {
	sa.stopOnce.Do(func() {
		close(sa.stopCleanup)
	})
}
