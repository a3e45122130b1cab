package connmgr

import (
	"errors"
	"sync"
	"time"

	gonanoid "github.com/matoous/go-nanoid/v2"
	"github.com/rs/zerolog"

	"github.com/adred-codev/logfan/internal/monitoring"
	"github.com/adred-codev/logfan/internal/subscriber"
)

// Admission refusals. The stream endpoint maps these to distinct 503
// bodies so clients can tell global exhaustion from their own.
var (
	ErrServerFull   = errors.New("maximum server connections reached")
	ErrClientCapped = errors.New("maximum connections per client reached")
)

// Config bounds the connection directory.
type Config struct {
	MaxConnections int           // global cap
	MaxPerClient   int           // per-client-key cap
	QueueSize      int           // per-subscriber frame queue
	StaleTimeout   time.Duration // no successful write for this long → stale
}

// Manager owns all live subscriber records. It enforces the global and
// per-client caps, tracks liveness, and maintains the channel-indexed
// fan-out table the bus reads.
//
// The directory, the channel index and the per-key counts are mutated
// together under one write lock; the sum of per-key counts always equals
// the directory size.
type Manager struct {
	mu        sync.RWMutex
	subs      map[string]*subscriber.Subscriber            // id → subscriber
	byChannel map[string]map[string]*subscriber.Subscriber // channel → id → subscriber
	byClient  map[string]int                               // client key → connection count

	config Config
	logger zerolog.Logger
}

func New(config Config, logger zerolog.Logger) *Manager {
	return &Manager{
		subs:      make(map[string]*subscriber.Subscriber),
		byChannel: make(map[string]map[string]*subscriber.Subscriber),
		byClient:  make(map[string]int),
		config:    config,
		logger:    logger.With().Str("component", "connection_manager").Logger(),
	}
}

// Admit creates and registers a subscriber if both caps allow it. The
// returned subscriber is in the directory and counted against its client
// key but NOT yet in the fan-out table; callers enqueue the initial
// frames first, then Attach.
func (m *Manager) Admit(channel, clientKey string) (*subscriber.Subscriber, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if len(m.subs) >= m.config.MaxConnections {
		monitoring.RecordConnectionRefused("global_cap")
		return nil, ErrServerFull
	}
	if m.byClient[clientKey] >= m.config.MaxPerClient {
		monitoring.RecordConnectionRefused("client_cap")
		return nil, ErrClientCapped
	}

	id, err := gonanoid.New()
	if err != nil {
		return nil, err
	}

	sub := subscriber.New(id, channel, clientKey, m.config.QueueSize)
	m.subs[id] = sub
	m.byClient[clientKey]++

	monitoring.RecordConnection()
	m.logger.Debug().
		Str("subscriber_id", id).
		Str("channel", channel).
		Str("client_key", clientKey).
		Int("connections", len(m.subs)).
		Msg("Subscriber admitted")

	return sub, nil
}

// Attach adds an admitted subscriber to the fan-out table; from this
// point the bus delivers the channel's publishes to it.
func (m *Manager) Attach(sub *subscriber.Subscriber) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.subs[sub.ID]; !ok {
		// Already removed; do not resurrect an index entry.
		return
	}
	idx := m.byChannel[sub.Channel]
	if idx == nil {
		idx = make(map[string]*subscriber.Subscriber)
		m.byChannel[sub.Channel] = idx
	}
	idx[sub.ID] = sub
}

// Remove deletes the subscriber from the directory, the fan-out table and
// its client-key count, atomically. Idempotent.
func (m *Manager) Remove(sub *subscriber.Subscriber, reason string) {
	m.mu.Lock()
	_, existed := m.subs[sub.ID]
	if existed {
		delete(m.subs, sub.ID)
		if idx := m.byChannel[sub.Channel]; idx != nil {
			delete(idx, sub.ID)
			if len(idx) == 0 {
				delete(m.byChannel, sub.Channel)
			}
		}
		if m.byClient[sub.ClientKey] <= 1 {
			delete(m.byClient, sub.ClientKey)
		} else {
			m.byClient[sub.ClientKey]--
		}
	}
	remaining := len(m.subs)
	m.mu.Unlock()

	if existed {
		monitoring.RecordDisconnect(reason)
		m.logger.Debug().
			Str("subscriber_id", sub.ID).
			Str("channel", sub.Channel).
			Str("reason", reason).
			Int64("dropped_frames", sub.Dropped()).
			Int64("bytes_sent", sub.BytesSent()).
			Dur("connected_for", time.Since(sub.CreatedAt)).
			Int("connections", remaining).
			Msg("Subscriber removed")
	}
}

// Subscribers returns the fan-out set for one channel. The slice is a
// fresh copy; the bus iterates it without holding the manager lock.
func (m *Manager) Subscribers(channel string) []*subscriber.Subscriber {
	m.mu.RLock()
	defer m.mu.RUnlock()

	idx := m.byChannel[channel]
	if len(idx) == 0 {
		return nil
	}
	out := make([]*subscriber.Subscriber, 0, len(idx))
	for _, sub := range idx {
		out = append(out, sub)
	}
	return out
}

// All returns every attached subscriber, across channels. Admitted
// subscribers that have not attached yet are excluded: a broadcast must
// never land in a queue ahead of that stream's own preamble frames.
func (m *Manager) All() []*subscriber.Subscriber {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]*subscriber.Subscriber, 0, len(m.subs))
	for _, idx := range m.byChannel {
		for _, sub := range idx {
			out = append(out, sub)
		}
	}
	return out
}

// Count returns the number of live subscribers.
func (m *Manager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.subs)
}

// IsStale reports whether the subscriber has had no successful write
// within the stale timeout.
func (m *Manager) IsStale(sub *subscriber.Subscriber) bool {
	return time.Since(sub.LastActivity()) > m.config.StaleTimeout
}

// SignalDisconnect raises the cancel signal of one subscriber.
func (m *Manager) SignalDisconnect(id string) bool {
	m.mu.RLock()
	sub, ok := m.subs[id]
	m.mu.RUnlock()

	if ok {
		sub.CancelWithReason(monitoring.DisconnectReasonAdmin)
	}
	return ok
}

// SignalChannelDisconnect raises the cancel signal for every subscriber
// of a channel and returns how many were signalled.
func (m *Manager) SignalChannelDisconnect(channel string) int {
	subs := m.Subscribers(channel)
	for _, sub := range subs {
		sub.CancelWithReason(monitoring.DisconnectReasonAdmin)
	}
	return len(subs)
}

// CancelAll raises every subscriber's cancel signal; used by shutdown.
// Unlike All, this covers admitted subscribers that never attached, so a
// stream caught between admission and attachment still gets torn down.
func (m *Manager) CancelAll(reason string) {
	m.mu.RLock()
	subs := make([]*subscriber.Subscriber, 0, len(m.subs))
	for _, sub := range m.subs {
		subs = append(subs, sub)
	}
	m.mu.RUnlock()

	for _, sub := range subs {
		sub.CancelWithReason(reason)
	}
}

// Stats summarizes the directory for /api/stats and /health.
type Stats struct {
	Active        int            `json:"active"`
	Max           int            `json:"max"`
	PerChannel    map[string]int `json:"perChannel"`
	DroppedFrames int64          `json:"droppedFrames"`
	BytesSent     int64          `json:"bytesSent"`
}

func (m *Manager) Stats() Stats {
	m.mu.RLock()
	defer m.mu.RUnlock()

	stats := Stats{
		Active:     len(m.subs),
		Max:        m.config.MaxConnections,
		PerChannel: make(map[string]int, len(m.byChannel)),
	}
	for channel, idx := range m.byChannel {
		stats.PerChannel[channel] = len(idx)
	}
	for _, sub := range m.subs {
		stats.DroppedFrames += sub.Dropped()
		stats.BytesSent += sub.BytesSent()
	}
	return stats
}
