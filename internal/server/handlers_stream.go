package server

import (
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"

	"github.com/adred-codev/logfan/internal/bus"
	"github.com/adred-codev/logfan/internal/connmgr"
	"github.com/adred-codev/logfan/internal/limits"
	"github.com/adred-codev/logfan/internal/subscriber"
)

// handleStream is the SSE subscription endpoint. The writer loop runs on
// the request goroutine and holds the response open until the subscriber
// closes; net/http tears the connection down when the handler returns.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.Header().Set("Allow", "GET")
		s.writeJSON(w, http.StatusMethodNotAllowed, map[string]string{"error": "Method Not Allowed"})
		return
	}

	sub, ok := s.admitStream(w, r)
	if !ok {
		return
	}

	writer, err := subscriber.NewSSEWriter(w)
	if err != nil {
		s.manager.Remove(sub, "unsupported_transport")
		s.writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "Streaming unsupported"})
		return
	}

	s.primeAndAttach(sub)

	// Propagate client disconnects into the subscriber's cancel signal.
	go func() {
		select {
		case <-r.Context().Done():
			sub.Cancel()
		case <-sub.Done():
		}
	}()

	sub.Run(subscriber.RunConfig{
		Writer:            writer,
		HeartbeatInterval: s.cfg.HeartbeatInterval,
		IsStale:           func() bool { return s.manager.IsStale(sub) },
		Cleanup:           func(reason string) { s.manager.Remove(sub, reason) },
		Logger:            s.logger,
	})
}

// handleStreamWS serves the same frame stream over WebSocket, for
// consumers that want a bidirectional transport (terminal viewers behind
// proxies that mangle SSE). Inbound messages are ignored; the read loop
// exists only to observe the close handshake.
func (s *Server) handleStreamWS(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.Header().Set("Allow", "GET")
		s.writeJSON(w, http.StatusMethodNotAllowed, map[string]string{"error": "Method Not Allowed"})
		return
	}

	sub, ok := s.admitStream(w, r)
	if !ok {
		return
	}

	conn, _, _, err := ws.UpgradeHTTP(r, w)
	if err != nil {
		s.manager.Remove(sub, "upgrade_failed")
		s.logger.Debug().Err(err).Msg("WebSocket upgrade failed")
		return
	}
	writer := subscriber.NewWSWriter(conn)

	s.primeAndAttach(sub)

	go func() {
		defer sub.Cancel()
		for {
			if _, _, err := wsutil.ReadClientData(conn); err != nil {
				if !errors.Is(err, io.EOF) {
					s.logger.Debug().Err(err).Str("subscriber_id", sub.ID).Msg("WebSocket read ended")
				}
				return
			}
		}
	}()

	sub.Run(subscriber.RunConfig{
		Writer:            writer,
		HeartbeatInterval: s.cfg.HeartbeatInterval,
		IsStale:           func() bool { return s.manager.IsStale(sub) },
		Cleanup:           func(reason string) { s.manager.Remove(sub, reason) },
		Logger:            s.logger,
	})

	writer.Close()
}

// admitStream runs the shared subscription gauntlet: channel parameter,
// shutdown gate, connection-attempt rate limit, then capacity admission.
// On success the subscriber is in the directory but not yet receiving
// fan-out; the caller primes its queue and attaches it.
func (s *Server) admitStream(w http.ResponseWriter, r *http.Request) (*subscriber.Subscriber, bool) {
	channel := r.URL.Query().Get("channel")
	if channel == "" {
		s.writeJSON(w, http.StatusBadRequest, map[string]string{"error": "Channel parameter is required"})
		return nil, false
	}

	if s.isShuttingDown() {
		w.Header().Set("Retry-After", "5")
		s.writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"error":   "Service Unavailable",
			"message": "Server is shutting down",
		})
		return nil, false
	}

	clientKey := limits.DeriveClientKey(r, s.cfg.TrustProxy)

	if !s.admission.Allow(clientKey) {
		w.Header().Set("Retry-After", "1")
		s.writeJSON(w, http.StatusTooManyRequests, map[string]string{
			"error":   "Too Many Requests",
			"message": "Too many connection attempts, slow down",
		})
		return nil, false
	}

	// Subscribing to a channel creates it, same as publishing to it. This
	// happens before admission so the channelAdded announcement only goes
	// to already-attached subscribers, never ahead of this stream's own
	// init frames.
	s.registry.Register(channel)

	sub, err := s.manager.Admit(channel, clientKey)
	if err != nil {
		w.Header().Set("Retry-After", strconv.Itoa(int(s.cfg.HeartbeatInterval.Seconds())))
		message := "Maximum connections reached, try again later"
		if errors.Is(err, connmgr.ErrClientCapped) {
			message = "Maximum connections per client reached"
		}
		s.writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"error":   "Service Unavailable",
			"message": message,
		})
		return nil, false
	}

	return sub, true
}

// primeAndAttach queues the connection preamble, then makes the
// subscriber visible to the bus. Ordering matters: the init ping and the
// roster snapshot must be the first frames on the wire, ahead of any
// publish that races the subscription.
func (s *Server) primeAndAttach(sub *subscriber.Subscriber) {
	sub.Enqueue(subscriber.PingFrame("init"))
	sub.Enqueue(bus.ChannelsFrame(s.registry.Names()))
	s.manager.Attach(sub)
}
