package registry

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/adred-codev/logfan/internal/monitoring"
	"github.com/adred-codev/logfan/internal/types"
)

// Registry tracks named channels, their activity timestamps and log
// counters. It enforces the channel cap with LRU eviction and expires idle
// channels on a TTL sweep. The reserved "default" channel exists at
// startup and is exempt from both.
//
// Thread safety: readers-writer discipline. Lookups and snapshots are
// frequent, modifications rare.
type Registry struct {
	mu       sync.RWMutex
	channels map[string]*types.ChannelInfo

	maxChannels int
	ttl         time.Duration

	// onAdd is invoked outside the lock after a channel's first insertion,
	// so the bus can announce it to live subscribers.
	onAdd func(name string)

	logger zerolog.Logger
	wg     sync.WaitGroup
	now    func() time.Time
}

func New(maxChannels int, ttl time.Duration, logger zerolog.Logger) *Registry {
	r := &Registry{
		channels:    make(map[string]*types.ChannelInfo),
		maxChannels: maxChannels,
		ttl:         ttl,
		logger:      logger.With().Str("component", "channel_registry").Logger(),
		now:         time.Now,
	}

	now := r.now()
	r.channels[types.DefaultChannel] = &types.ChannelInfo{
		Name:         types.DefaultChannel,
		CreatedAt:    now,
		LastActivity: now,
	}
	monitoring.SetActiveChannels(1)

	return r
}

// OnChannelAdded registers the callback fired when a channel is first
// inserted. Must be called before the registry sees traffic.
func (r *Registry) OnChannelAdded(fn func(name string)) {
	r.onAdd = fn
}

// Register creates the channel if absent and refreshes its activity
// timestamp. At capacity, the non-reserved channel with the oldest
// activity is evicted first. Returns true on first insertion.
func (r *Registry) Register(name string) bool {
	if name == "" {
		name = types.DefaultChannel
	}

	r.mu.Lock()
	info, exists := r.channels[name]
	if exists {
		info.LastActivity = r.now()
		r.mu.Unlock()
		return false
	}

	if len(r.channels) >= r.maxChannels {
		r.evictOldestLocked()
	}

	now := r.now()
	r.channels[name] = &types.ChannelInfo{
		Name:         name,
		CreatedAt:    now,
		LastActivity: now,
	}
	size := len(r.channels)
	r.mu.Unlock()

	monitoring.SetActiveChannels(size)
	r.logger.Debug().Str("channel", name).Int("channels", size).Msg("Channel registered")

	if r.onAdd != nil {
		r.onAdd(name)
	}
	return true
}

// evictOldestLocked removes the non-reserved channel with the smallest
// lastActivity. Caller holds the write lock.
func (r *Registry) evictOldestLocked() {
	var victim string
	var oldest time.Time

	for name, info := range r.channels {
		if name == types.DefaultChannel {
			continue
		}
		if victim == "" || info.LastActivity.Before(oldest) {
			victim = name
			oldest = info.LastActivity
		}
	}

	if victim != "" {
		delete(r.channels, victim)
		monitoring.RecordChannelEvicted("lru")
		r.logger.Info().Str("channel", victim).Msg("Evicted least-recently-active channel")
	}
}

// RecordLogs adds n to the channel's log counter and refreshes activity.
func (r *Registry) RecordLogs(name string, n int64) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if info, ok := r.channels[name]; ok {
		info.LogCount += n
		info.LastActivity = r.now()
	}
}

// ResetCounters zeroes the log counter of one channel, or of every channel
// when name is empty. Unknown names are a no-op.
func (r *Registry) ResetCounters(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if name == "" {
		for _, info := range r.channels {
			info.LogCount = 0
		}
		return
	}
	if info, ok := r.channels[name]; ok {
		info.LogCount = 0
	}
}

// Has reports whether the channel is registered.
func (r *Registry) Has(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.channels[name]
	return ok
}

// Names returns a snapshot of registered channel names.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.channels))
	for name := range r.channels {
		names = append(names, name)
	}
	return names
}

// Snapshot returns copies of every ChannelInfo.
func (r *Registry) Snapshot() []types.ChannelInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()

	infos := make([]types.ChannelInfo, 0, len(r.channels))
	for _, info := range r.channels {
		infos = append(infos, *info)
	}
	return infos
}

// Len returns the number of registered channels.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.channels)
}

// CleanupExpired removes non-reserved channels idle longer than the TTL.
// Returns how many were removed.
func (r *Registry) CleanupExpired() int {
	cutoff := r.now().Add(-r.ttl)

	r.mu.Lock()
	removed := 0
	for name, info := range r.channels {
		if name == types.DefaultChannel {
			continue
		}
		if info.LastActivity.Before(cutoff) {
			delete(r.channels, name)
			removed++
		}
	}
	size := len(r.channels)
	r.mu.Unlock()

	if removed > 0 {
		monitoring.SetActiveChannels(size)
		for i := 0; i < removed; i++ {
			monitoring.RecordChannelEvicted("ttl")
		}
		r.logger.Info().Int("removed", removed).Int("remaining", size).Msg("Expired idle channels")
	}
	return removed
}

// Start launches the hourly TTL sweep. Returns when ctx is cancelled.
func (r *Registry) Start(ctx context.Context) {
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		defer monitoring.RecoverPanic(r.logger, "registry_ttl_sweep", nil)

		ticker := time.NewTicker(1 * time.Hour)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				r.CleanupExpired()
			}
		}
	}()
}

// Wait blocks until the sweep goroutine has exited.
func (r *Registry) Wait() {
	r.wg.Wait()
}
