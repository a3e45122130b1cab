package server

import (
	"crypto/rand"
	"encoding/base64"
	"net/http"
	"sort"
	"strconv"
)

// handleChannels lists the registered channel names.
func (s *Server) handleChannels(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.Header().Set("Allow", "GET")
		s.writeJSON(w, http.StatusMethodNotAllowed, map[string]string{"error": "Method Not Allowed"})
		return
	}

	names := s.registry.Names()
	sort.Strings(names)

	s.writeJSON(w, http.StatusOK, map[string]any{
		"channels": names,
		"count":    len(names),
	})
}

// Key length bounds for /api/generate-key, in random bytes before
// encoding.
const (
	minKeyBytes     = 16
	maxKeyBytes     = 64
	defaultKeyBytes = 32
)

// handleGenerateKey mints a random API key for the operator to put in the
// environment. The broker does not store it; this is a convenience so
// deployments do not reach for openssl.
func (s *Server) handleGenerateKey(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet && r.Method != http.MethodPost {
		w.Header().Set("Allow", "GET, POST")
		s.writeJSON(w, http.StatusMethodNotAllowed, map[string]string{"error": "Method Not Allowed"})
		return
	}

	length := defaultKeyBytes
	if raw := r.URL.Query().Get("length"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil {
			length = n
		}
	}
	if length < minKeyBytes {
		length = minKeyBytes
	}
	if length > maxKeyBytes {
		length = maxKeyBytes
	}

	buf := make([]byte, length)
	if _, err := rand.Read(buf); err != nil {
		s.writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "Key generation failed"})
		return
	}

	s.writeJSON(w, http.StatusOK, map[string]any{
		"key":    base64.RawURLEncoding.EncodeToString(buf),
		"length": length,
	})
}

// handleStats reports the broker's runtime counters: connection directory
// summary, per-channel registry snapshot and ID pool health.
func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.Header().Set("Allow", "GET")
		s.writeJSON(w, http.StatusMethodNotAllowed, map[string]string{"error": "Method Not Allowed"})
		return
	}

	s.writeJSON(w, http.StatusOK, map[string]any{
		"connections": s.manager.Stats(),
		"channels":    s.registry.Snapshot(),
		"idPool": map[string]any{
			"available": s.pool.Size(),
			"fallbacks": s.pool.Fallbacks(),
		},
	})
}

// handleDisconnect force-closes every subscriber of one channel. Used by
// operators to kick viewers off a channel before repurposing it.
func (s *Server) handleDisconnect(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", "POST")
		s.writeJSON(w, http.StatusMethodNotAllowed, map[string]string{"error": "Method Not Allowed"})
		return
	}

	channel := r.URL.Query().Get("channel")
	if channel == "" {
		s.writeJSON(w, http.StatusBadRequest, map[string]string{"error": "Channel parameter is required"})
		return
	}

	closed := s.manager.SignalChannelDisconnect(channel)
	s.logger.Info().Str("channel", channel).Int("closed", closed).Msg("Forced channel disconnect")

	s.writeJSON(w, http.StatusOK, map[string]any{
		"channel":           channel,
		"closedConnections": closed,
	})
}
