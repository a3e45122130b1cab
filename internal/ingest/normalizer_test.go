package ingest

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/adred-codev/logfan/internal/types"
)

// seqIDs hands out deterministic identifiers for tests.
type seqIDs struct{ n int }

func (s *seqIDs) Get() string {
	s.n++
	return "id-" + string(rune('0'+s.n))
}

func newTestNormalizer(at time.Time) *Normalizer {
	n := NewNormalizer(&seqIDs{})
	n.now = func() time.Time { return at }
	return n
}

func TestNormalizePlainRecord(t *testing.T) {
	now := time.UnixMilli(1700000000000)
	n := newTestNormalizer(now)

	entry, err := n.Normalize(json.RawMessage(`{"level":40,"msg":"disk almost full","host":"web-1"}`), "infra")
	require.NoError(t, err)

	assert.Equal(t, 40, entry.Level)
	assert.Equal(t, "warn", entry.LevelLabel)
	assert.Equal(t, "disk almost full", entry.Msg)
	assert.Equal(t, "infra", entry.Channel)
	assert.Equal(t, now.UnixMilli(), entry.Time)
	assert.Equal(t, "web-1", entry.Data["host"])
	assert.NotEmpty(t, entry.ID)
	assert.False(t, entry.Encrypted)
}

func TestNormalizeFieldAliases(t *testing.T) {
	n := newTestNormalizer(time.Now())

	// winston-style message, bunyan-style name.
	entry, err := n.Normalize(json.RawMessage(`{"message":"via message","name":"api"}`), "")
	require.NoError(t, err)
	assert.Equal(t, "via message", entry.Msg)
	assert.Equal(t, "api", entry.Namespace)

	// Primary keys win over aliases.
	entry, err = n.Normalize(json.RawMessage(`{"msg":"primary","message":"alias","namespace":"ns","name":"alias"}`), "")
	require.NoError(t, err)
	assert.Equal(t, "primary", entry.Msg)
	assert.Equal(t, "ns", entry.Namespace)
}

func TestNormalizeLevelHandling(t *testing.T) {
	n := newTestNormalizer(time.Now())

	tests := []struct {
		raw       string
		wantLevel int
		wantLabel string
	}{
		{`{"level":10}`, 10, "trace"},
		{`{"level":20}`, 20, "debug"},
		{`{"level":30}`, 30, "info"},
		{`{"level":40}`, 40, "warn"},
		{`{"level":50}`, 50, "error"},
		{`{"level":60}`, 60, "fatal"},
		{`{}`, 30, "info"},
		{`{"level":"high"}`, 30, "info"},
		{`{"level":35.5}`, 30, "info"},
		{`{"level":42}`, 42, "info"},
	}
	for _, tc := range tests {
		entry, err := n.Normalize(json.RawMessage(tc.raw), "")
		require.NoError(t, err, tc.raw)
		assert.Equal(t, tc.wantLevel, entry.Level, tc.raw)
		assert.Equal(t, tc.wantLabel, entry.LevelLabel, tc.raw)
	}
}

func TestNormalizeChannelPrecedence(t *testing.T) {
	n := newTestNormalizer(time.Now())

	entry, err := n.Normalize(json.RawMessage(`{"channel":"own"}`), "fallback")
	require.NoError(t, err)
	assert.Equal(t, "own", entry.Channel)

	entry, err = n.Normalize(json.RawMessage(`{}`), "fallback")
	require.NoError(t, err)
	assert.Equal(t, "fallback", entry.Channel)

	entry, err = n.Normalize(json.RawMessage(`{}`), "")
	require.NoError(t, err)
	assert.Equal(t, types.DefaultChannel, entry.Channel)

	// Empty-string channel in the record falls through to the default.
	entry, err = n.Normalize(json.RawMessage(`{"channel":""}`), "fallback")
	require.NoError(t, err)
	assert.Equal(t, "fallback", entry.Channel)
}

func TestNormalizeStripsPromotedKeys(t *testing.T) {
	n := newTestNormalizer(time.Now())

	entry, err := n.Normalize(json.RawMessage(
		`{"level":30,"time":123,"msg":"m","message":"m2","namespace":"n","name":"n2","channel":"c","extra":1,"nested":{"a":true}}`), "")
	require.NoError(t, err)

	assert.NotContains(t, entry.Data, "level")
	assert.NotContains(t, entry.Data, "time")
	assert.NotContains(t, entry.Data, "msg")
	assert.NotContains(t, entry.Data, "message")
	assert.NotContains(t, entry.Data, "namespace")
	assert.NotContains(t, entry.Data, "name")
	assert.NotContains(t, entry.Data, "channel")
	assert.Equal(t, float64(1), entry.Data["extra"])
	assert.Equal(t, map[string]any{"a": true}, entry.Data["nested"])
}

func TestNormalizeCanonicalEntryRoundTrip(t *testing.T) {
	// A canonical entry fed back through normalization comes out equal
	// modulo id: levelLabel is recomputed rather than copied into data,
	// and the data object is merged rather than nested.
	at := time.UnixMilli(1700000000000)

	first, err := newTestNormalizer(at).Normalize(
		json.RawMessage(`{"level":40,"msg":"hi","user":"bob"}`), "api")
	require.NoError(t, err)

	raw, err := json.Marshal(first)
	require.NoError(t, err)
	var fields map[string]any
	require.NoError(t, json.Unmarshal(raw, &fields))
	delete(fields, "id")
	raw, err = json.Marshal(fields)
	require.NoError(t, err)

	second, err := newTestNormalizer(at).Normalize(raw, "api")
	require.NoError(t, err)

	second.ID = first.ID
	assert.Equal(t, first, second)
	assert.Equal(t, map[string]any{"user": "bob"}, second.Data)
}

func TestNormalizeRecomputesLevelLabel(t *testing.T) {
	n := newTestNormalizer(time.Now())

	entry, err := n.Normalize(json.RawMessage(`{"level":50,"levelLabel":"bogus"}`), "")
	require.NoError(t, err)

	assert.Equal(t, "error", entry.LevelLabel)
	assert.NotContains(t, entry.Data, "levelLabel")
}

func TestNormalizeMergesObjectDataField(t *testing.T) {
	n := newTestNormalizer(time.Now())

	entry, err := n.Normalize(
		json.RawMessage(`{"msg":"m","data":{"a":1,"b":"x"},"extra":true}`), "")
	require.NoError(t, err)

	assert.Equal(t, map[string]any{"a": float64(1), "b": "x", "extra": true}, entry.Data)
	assert.NotContains(t, entry.Data, "data")
}

func TestNormalizeKeepsNonObjectDataField(t *testing.T) {
	n := newTestNormalizer(time.Now())

	entry, err := n.Normalize(json.RawMessage(`{"msg":"m","data":"opaque blob"}`), "")
	require.NoError(t, err)

	assert.Equal(t, "opaque blob", entry.Data["data"])
}

func TestNormalizeIsDeterministicPerRecord(t *testing.T) {
	// Same record through two normalizers with pinned clocks and ID
	// sources yields identical entries.
	at := time.UnixMilli(1700000000000)
	raw := json.RawMessage(`{"level":50,"msg":"boom","svc":"worker"}`)

	a, err := newTestNormalizer(at).Normalize(raw, "jobs")
	require.NoError(t, err)
	b, err := newTestNormalizer(at).Normalize(raw, "jobs")
	require.NoError(t, err)

	assert.Equal(t, a, b)
}

func TestNormalizeEncryptedRecord(t *testing.T) {
	now := time.UnixMilli(1700000000000)
	n := newTestNormalizer(now)

	entry, err := n.Normalize(json.RawMessage(`{"encrypted":"AAEEBB==","channel":"secure"}`), "")
	require.NoError(t, err)

	assert.True(t, entry.Encrypted)
	assert.Equal(t, "AAEEBB==", entry.EncryptedData)
	assert.Equal(t, EncryptedPlaceholder, entry.Msg)
	assert.Equal(t, types.LevelInfo, entry.Level)
	assert.Equal(t, "secure", entry.Channel)
	assert.Empty(t, entry.Data)
	assert.Equal(t, now.UnixMilli(), entry.Time)
}

func TestNormalizeEncryptedNonStringIsPlain(t *testing.T) {
	n := newTestNormalizer(time.Now())

	// "encrypted" must be a string to trigger the opaque branch.
	entry, err := n.Normalize(json.RawMessage(`{"encrypted":true,"msg":"hi"}`), "")
	require.NoError(t, err)
	assert.False(t, entry.Encrypted)
	assert.Equal(t, "hi", entry.Msg)
	assert.Equal(t, true, entry.Data["encrypted"])
}

func TestNormalizeRejectsNonObject(t *testing.T) {
	n := newTestNormalizer(time.Now())

	for _, raw := range []string{`[1,2]`, `42`, `"str"`, `null`} {
		_, err := n.Normalize(json.RawMessage(raw), "")
		assert.ErrorIs(t, err, ErrInvalidJSON, raw)
	}
}

func TestNormalizeExplicitTime(t *testing.T) {
	n := newTestNormalizer(time.UnixMilli(999))

	entry, err := n.Normalize(json.RawMessage(`{"time":1700000000123}`), "")
	require.NoError(t, err)
	assert.Equal(t, int64(1700000000123), entry.Time)
}
