package types

import "time"

// Log levels follow the numeric convention shared by pino, bunyan and
// friends: 10=trace, 20=debug, 30=info, 40=warn, 50=error, 60=fatal.
const (
	LevelTrace = 10
	LevelDebug = 20
	LevelInfo  = 30
	LevelWarn  = 40
	LevelError = 50
	LevelFatal = 60
)

var levelLabels = map[int]string{
	LevelTrace: "trace",
	LevelDebug: "debug",
	LevelInfo:  "info",
	LevelWarn:  "warn",
	LevelError: "error",
	LevelFatal: "fatal",
}

// LabelForLevel maps a numeric level to its label.
// Unknown levels map to "info".
func LabelForLevel(level int) string {
	if label, ok := levelLabels[level]; ok {
		return label
	}
	return "info"
}

// LogEntry is the canonical log record delivered to subscribers.
// Producers send heterogeneous records (pino, winston, bunyan, encrypted
// blobs); the normalizer maps all of them onto this shape.
type LogEntry struct {
	ID            string         `json:"id"`
	Level         int            `json:"level"`
	LevelLabel    string         `json:"levelLabel"`
	Time          int64          `json:"time"` // milliseconds since epoch
	Msg           string         `json:"msg"`
	Namespace     string         `json:"namespace,omitempty"`
	Channel       string         `json:"channel"`
	Data          map[string]any `json:"data"`
	Encrypted     bool           `json:"encrypted,omitempty"`
	EncryptedData string         `json:"encryptedData,omitempty"`
}

// SSE event names. Every frame a subscriber receives is one of these.
const (
	EventPing         = "ping"
	EventLog          = "log"
	EventBatch        = "batch"
	EventChannels     = "channels"
	EventChannelAdded = "channelAdded"
	EventClear        = "clear"
)

// Frame is a single outbound event with a pre-serialized payload.
// The bus serializes an entry exactly once per publish and every
// subscriber of the target channel shares the same Data slice; frames
// must therefore never be mutated after construction.
type Frame struct {
	Event string
	ID    string
	Data  []byte
}

// ChannelInfo describes one registered channel.
type ChannelInfo struct {
	Name         string    `json:"name"`
	CreatedAt    time.Time `json:"createdAt"`
	LastActivity time.Time `json:"lastActivity"`
	LogCount     int64     `json:"logCount"`
}

// DefaultChannel is the reserved channel that exists at startup and is
// exempt from LRU eviction and TTL expiry.
const DefaultChannel = "default"
