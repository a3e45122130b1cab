package bus

import (
	"encoding/json"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/adred-codev/logfan/internal/monitoring"
	"github.com/adred-codev/logfan/internal/registry"
	"github.com/adred-codev/logfan/internal/subscriber"
	"github.com/adred-codev/logfan/internal/types"
)

// Directory is the lookup-only view of the connection manager the bus
// fans out through. The manager owns the subscriber records; removal
// there removes them from this view atomically.
type Directory interface {
	Subscribers(channel string) []*subscriber.Subscriber
	All() []*subscriber.Subscriber
}

// Backend is a pluggable second delivery path. The in-process fan-out is
// canonical; a backend mirrors frames elsewhere (NATS) and its failures
// never affect local delivery.
type Backend interface {
	Deliver(channel string, frame types.Frame)
	Close()
}

// Bus routes canonical entries to per-channel subscriber queues. The
// payload is serialized exactly once per publish and shared by reference
// across every subscriber of the target channel; publish performs no I/O
// and never blocks on a slow subscriber.
type Bus struct {
	dir     Directory
	reg     *registry.Registry
	backend Backend // may be nil
	logger  zerolog.Logger
}

func New(dir Directory, reg *registry.Registry, logger zerolog.Logger) *Bus {
	b := &Bus{
		dir:    dir,
		reg:    reg,
		logger: logger.With().Str("component", "bus").Logger(),
	}
	reg.OnChannelAdded(b.announceChannel)
	return b
}

// SetBackend attaches the mirror backend. Call before traffic starts.
func (b *Bus) SetBackend(backend Backend) {
	b.backend = backend
}

// Publish delivers one entry to every subscriber of its channel.
// Serialization failures and panics are logged and swallowed: one
// malformed entry must not halt the bus.
func (b *Bus) Publish(entry *types.LogEntry) {
	defer b.recoverPublish()

	b.reg.Register(entry.Channel)
	b.reg.RecordLogs(entry.Channel, 1)

	data, err := json.Marshal(entry)
	if err != nil {
		monitoring.RecordPublishError()
		b.logger.Error().Err(err).Str("channel", entry.Channel).Msg("Entry serialization failed")
		return
	}

	b.fanOut(entry.Channel, types.Frame{Event: types.EventLog, ID: entry.ID, Data: data})
}

// PublishBatch delivers a batch. Entries sharing one channel ship as a
// single batch frame serialized once; a mixed-channel batch is
// partitioned by channel, preserving relative order within each
// partition, and each partition is published separately.
func (b *Bus) PublishBatch(entries []*types.LogEntry) {
	defer b.recoverPublish()

	if len(entries) == 0 {
		return
	}

	// Partition by channel, keeping first-seen channel order.
	order := make([]string, 0, 1)
	parts := make(map[string][]*types.LogEntry, 1)
	for _, entry := range entries {
		if _, seen := parts[entry.Channel]; !seen {
			order = append(order, entry.Channel)
		}
		parts[entry.Channel] = append(parts[entry.Channel], entry)
	}

	for _, channel := range order {
		part := parts[channel]

		b.reg.Register(channel)
		b.reg.RecordLogs(channel, int64(len(part)))

		if len(part) == 1 {
			entry := part[0]
			data, err := json.Marshal(entry)
			if err != nil {
				monitoring.RecordPublishError()
				b.logger.Error().Err(err).Str("channel", channel).Msg("Entry serialization failed")
				continue
			}
			b.fanOut(channel, types.Frame{Event: types.EventLog, ID: entry.ID, Data: data})
			continue
		}

		data, err := json.Marshal(part)
		if err != nil {
			monitoring.RecordPublishError()
			b.logger.Error().Err(err).Str("channel", channel).Msg("Batch serialization failed")
			continue
		}
		b.fanOut(channel, types.Frame{Event: types.EventBatch, ID: part[0].ID, Data: data})
	}
}

// PublishClear notifies subscribers that a channel's history was cleared.
// An empty channel targets every live subscriber.
func (b *Bus) PublishClear(channel string) {
	defer b.recoverPublish()

	if channel == "" {
		data := []byte(`{"channel":"all"}`)
		frame := types.Frame{Event: types.EventClear, ID: "clear", Data: data}
		for _, sub := range b.dir.All() {
			sub.Enqueue(frame)
		}
		if b.backend != nil {
			b.backend.Deliver("", frame)
		}
		return
	}

	data := fmt.Appendf(nil, `{"channel":%q}`, channel)
	b.fanOut(channel, types.Frame{Event: types.EventClear, ID: "clear", Data: data})
}

// announceChannel tells every live subscriber, regardless of channel,
// that a new channel exists. Fired by the registry on first insertion.
func (b *Bus) announceChannel(name string) {
	defer b.recoverPublish()

	frame := types.Frame{
		Event: types.EventChannelAdded,
		ID:    "channel-" + name,
		Data:  fmt.Appendf(nil, `{"channel":%q}`, name),
	}
	for _, sub := range b.dir.All() {
		sub.Enqueue(frame)
	}
	if b.backend != nil {
		b.backend.Deliver(name, frame)
	}
}

// ChannelsFrame builds the roster snapshot sent to a subscriber on
// attach, carrying the stable id "channels".
func ChannelsFrame(names []string) types.Frame {
	data, err := json.Marshal(map[string][]string{"channels": names})
	if err != nil {
		data = []byte(`{"channels":[]}`)
	}
	return types.Frame{Event: types.EventChannels, ID: "channels", Data: data}
}

// fanOut enqueues a pre-serialized frame for every subscriber of the
// channel. Enqueue never blocks; backpressure is the subscriber queue's
// drop-oldest policy.
func (b *Bus) fanOut(channel string, frame types.Frame) {
	for _, sub := range b.dir.Subscribers(channel) {
		sub.Enqueue(frame)
	}
	if b.backend != nil {
		b.backend.Deliver(channel, frame)
	}
}

func (b *Bus) recoverPublish() {
	if r := recover(); r != nil {
		monitoring.RecordPublishError()
		b.logger.Error().Interface("panic_value", r).Msg("Publish panic recovered")
	}
}
