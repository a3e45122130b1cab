package server

import (
	"errors"
	"io"
	"math"
	"net/http"
	"strconv"

	"github.com/adred-codev/logfan/internal/ingest"
	"github.com/adred-codev/logfan/internal/limits"
	"github.com/adred-codev/logfan/internal/monitoring"
	"github.com/adred-codev/logfan/internal/types"
)

// handleLogs multiplexes the /api/logs resource:
//
//	POST    ingest one record or a batch
//	DELETE  clear a channel's history (or all channels)
//	GET     compatibility shim; the broker stores nothing
func (s *Server) handleLogs(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		s.handleIngest(w, r)
	case http.MethodDelete:
		s.handleClear(w, r)
	case http.MethodGet:
		s.handleGetLogs(w, r)
	default:
		w.Header().Set("Allow", "GET, POST, DELETE")
		s.writeJSON(w, http.StatusMethodNotAllowed, map[string]string{"error": "Method Not Allowed"})
	}
}

func (s *Server) handleIngest(w http.ResponseWriter, r *http.Request) {
	if s.limiter != nil {
		key := limits.DeriveClientKey(r, s.cfg.TrustProxy)
		if !s.limiter.TryConsume(key) {
			s.rejectRateLimited(w, key)
			return
		}
	}

	// Read one byte past the cap so the validator can tell "at the limit"
	// from "over it" without buffering an unbounded body.
	raw, err := io.ReadAll(io.LimitReader(r.Body, int64(s.cfg.MaxPayloadSize)+1))
	if err != nil {
		s.writeJSON(w, http.StatusBadRequest, map[string]string{"error": "Invalid JSON"})
		return
	}

	body, err := ingest.Validate(raw, s.limits)
	if err != nil {
		s.rejectInvalid(w, err)
		return
	}

	defaultChannel := r.Header.Get("X-Channel")
	if defaultChannel == "" {
		defaultChannel = r.URL.Query().Get("channel")
	}
	if defaultChannel == "" {
		defaultChannel = types.DefaultChannel
	}

	entries := make([]*types.LogEntry, 0, len(body.Records))
	for _, rec := range body.Records {
		entry, err := s.normalizer.Normalize(rec, defaultChannel)
		if err != nil {
			monitoring.RecordIngestRejected("invalid_json")
			s.writeJSON(w, http.StatusBadRequest, map[string]string{"error": "Invalid JSON"})
			return
		}
		entries = append(entries, entry)
	}

	if body.Batch {
		s.bus.PublishBatch(entries)
	} else {
		s.bus.Publish(entries[0])
	}
	monitoring.RecordEntriesIngested(len(entries))

	s.writeJSON(w, http.StatusCreated, map[string]any{
		"received": len(entries),
		"channel":  defaultChannel,
	})
}

func (s *Server) rejectInvalid(w http.ResponseWriter, err error) {
	var tooLarge *ingest.PayloadTooLargeError
	switch {
	case errors.As(err, &tooLarge):
		monitoring.RecordIngestRejected("payload_too_large")
		s.writeJSON(w, http.StatusRequestEntityTooLarge, map[string]string{
			"error":   "Payload Too Large",
			"message": tooLarge.Message,
		})
	default:
		monitoring.RecordIngestRejected("invalid_json")
		s.writeJSON(w, http.StatusBadRequest, map[string]string{"error": "Invalid JSON"})
	}
}

func (s *Server) rejectRateLimited(w http.ResponseWriter, key string) {
	monitoring.RecordRateLimited()

	retryAfter := int(math.Ceil(s.limiter.RetryAfter(key).Seconds()))
	if retryAfter < 1 {
		retryAfter = 1
	}

	h := w.Header()
	h.Set("Retry-After", strconv.Itoa(retryAfter))
	h.Set("X-RateLimit-Limit", strconv.Itoa(s.limiter.Limit()))
	h.Set("X-RateLimit-Remaining", strconv.Itoa(s.limiter.Remaining(key)))
	h.Set("X-RateLimit-Reset", strconv.Itoa(retryAfter))

	s.writeJSON(w, http.StatusTooManyRequests, map[string]any{
		"error":      "Too Many Requests",
		"retryAfter": retryAfter,
	})
}

// handleClear resets a channel's log counters and broadcasts a clear frame
// so every attached viewer wipes its display. Without a channel parameter
// the clear applies to all channels.
func (s *Server) handleClear(w http.ResponseWriter, r *http.Request) {
	channel := r.URL.Query().Get("channel")

	s.registry.ResetCounters(channel)
	s.bus.PublishClear(channel)

	scope := channel
	if scope == "" {
		scope = "all"
	}
	s.logger.Info().Str("channel", scope).Msg("Cleared channel logs")

	s.writeJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"channel": scope,
	})
}

// handleGetLogs exists for clients that probe the resource with GET before
// opening a stream. The broker holds no history; the response shape
// matches what a storage-backed variant would return, always empty.
func (s *Server) handleGetLogs(w http.ResponseWriter, r *http.Request) {
	channel := r.URL.Query().Get("channel")
	if channel == "" {
		channel = "all"
	}

	s.writeJSON(w, http.StatusOK, map[string]any{
		"logs":    []any{},
		"count":   0,
		"channel": channel,
	})
}
