package bus

import (
	"encoding/json"
	"fmt"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"

	"github.com/adred-codev/logfan/internal/types"
)

// subjectPrefix namespaces mirrored frames; a frame for channel "api"
// lands on "logfan.api".
const subjectPrefix = "logfan."

// NATSBackend mirrors every published frame to a NATS subject per
// channel, so external consumers (aggregators, a second broker instance)
// can tap the stream without holding an SSE connection. Delivery is
// fire-and-forget: publish errors are logged and never propagate to the
// in-process fan-out.
type NATSBackend struct {
	conn   *nats.Conn
	logger zerolog.Logger
}

func NewNATSBackend(url string, logger zerolog.Logger) (*NATSBackend, error) {
	conn, err := nats.Connect(url,
		nats.Name("logfan-mirror"),
		nats.MaxReconnects(-1),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}

	logger = logger.With().Str("component", "nats_backend").Logger()
	logger.Info().Str("url", url).Msg("NATS mirror backend connected")

	return &NATSBackend{conn: conn, logger: logger}, nil
}

// mirrorFrame is the wire shape of one mirrored frame. Data embeds the
// already-serialized payload without re-encoding.
type mirrorFrame struct {
	Event string          `json:"event"`
	ID    string          `json:"id,omitempty"`
	Data  json.RawMessage `json:"data"`
}

func (nb *NATSBackend) Deliver(channel string, frame types.Frame) {
	if channel == "" {
		channel = "all"
	}

	payload, err := json.Marshal(mirrorFrame{
		Event: frame.Event,
		ID:    frame.ID,
		Data:  json.RawMessage(frame.Data),
	})
	if err != nil {
		nb.logger.Error().Err(err).Str("channel", channel).Msg("Mirror frame serialization failed")
		return
	}

	if err := nb.conn.Publish(subjectPrefix+channel, payload); err != nil {
		nb.logger.Warn().Err(err).Str("channel", channel).Msg("NATS mirror publish failed")
	}
}

func (nb *NATSBackend) Close() {
	if err := nb.conn.Drain(); err != nil {
		nb.conn.Close()
	}
}
