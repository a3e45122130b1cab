package ingest

import (
	"encoding/json"
	"time"

	"github.com/adred-codev/logfan/internal/types"
)

// EncryptedPlaceholder is the msg value of entries whose payload is opaque
// to the broker. Clients decrypt encryptedData locally.
const EncryptedPlaceholder = "[Encrypted]"

// normalizedKeys are promoted to canonical fields and stripped from data.
// levelLabel is always recomputed from level, never copied through, so a
// canonical entry fed back in normalizes to itself.
var normalizedKeys = map[string]struct{}{
	"level":      {},
	"levelLabel": {},
	"time":       {},
	"msg":        {},
	"message":    {},
	"namespace":  {},
	"name":       {},
	"channel":    {},
}

// IDSource supplies entry identifiers. Satisfied by *idpool.Pool.
type IDSource interface {
	Get() string
}

// Normalizer maps heterogeneous producer records onto the canonical
// LogEntry shape. Producers differ in field naming (pino uses msg/name,
// winston uses message, bunyan uses name); the normalizer unifies them so
// subscribers only ever see one schema.
type Normalizer struct {
	ids IDSource
	now func() time.Time
}

func NewNormalizer(ids IDSource) *Normalizer {
	return &Normalizer{ids: ids, now: time.Now}
}

// Normalize converts one raw producer record. The record is a tagged
// union: {"encrypted": "<blob>"} passes through opaquely, anything else is
// a free-form record whose recognized fields are promoted and whose
// remaining fields flow into data. defaultChannel applies when the record
// carries no channel of its own.
func (n *Normalizer) Normalize(raw json.RawMessage, defaultChannel string) (*types.LogEntry, error) {
	var record map[string]any
	if err := json.Unmarshal(raw, &record); err != nil {
		return nil, ErrInvalidJSON
	}

	if blob, ok := record["encrypted"].(string); ok {
		return &types.LogEntry{
			ID:            n.ids.Get(),
			Level:         types.LevelInfo,
			LevelLabel:    types.LabelForLevel(types.LevelInfo),
			Time:          n.now().UnixMilli(),
			Msg:           EncryptedPlaceholder,
			Channel:       channelFor(record, defaultChannel),
			Data:          map[string]any{},
			Encrypted:     true,
			EncryptedData: blob,
		}, nil
	}

	entry := &types.LogEntry{
		ID:      n.ids.Get(),
		Level:   types.LevelInfo,
		Time:    n.now().UnixMilli(),
		Channel: channelFor(record, defaultChannel),
		Data:    map[string]any{},
	}

	// JSON numbers decode as float64; only integral values count as levels.
	if f, ok := record["level"].(float64); ok && f == float64(int(f)) {
		entry.Level = int(f)
	}
	entry.LevelLabel = types.LabelForLevel(entry.Level)

	if f, ok := record["time"].(float64); ok {
		entry.Time = int64(f)
	}

	if msg, ok := record["msg"].(string); ok {
		entry.Msg = msg
	} else if msg, ok := record["message"].(string); ok {
		entry.Msg = msg
	}

	if ns, ok := record["namespace"].(string); ok {
		entry.Namespace = ns
	} else if ns, ok := record["name"].(string); ok {
		entry.Namespace = ns
	}

	// An object-valued data field is merged rather than nested, so
	// re-normalizing a canonical entry yields the same data map. Direct
	// keys win over merged ones.
	if m, ok := record["data"].(map[string]any); ok {
		for k, v := range m {
			entry.Data[k] = v
		}
	}

	for k, v := range record {
		if _, normalized := normalizedKeys[k]; normalized {
			continue
		}
		if k == "data" {
			if _, isObject := v.(map[string]any); isObject {
				continue
			}
		}
		entry.Data[k] = v
	}

	return entry, nil
}

func channelFor(record map[string]any, defaultChannel string) string {
	if ch, ok := record["channel"].(string); ok && ch != "" {
		return ch
	}
	if defaultChannel != "" {
		return defaultChannel
	}
	return types.DefaultChannel
}
