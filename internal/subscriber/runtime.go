package subscriber

import (
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/adred-codev/logfan/internal/monitoring"
	"github.com/adred-codev/logfan/internal/types"
)

// FrameWriter writes one frame to the underlying transport and reports
// the bytes written. Implementations exist for SSE and WebSocket.
type FrameWriter interface {
	WriteFrame(frame types.Frame) (int, error)
}

// RunConfig wires one writer loop.
type RunConfig struct {
	Writer            FrameWriter
	HeartbeatInterval time.Duration

	// IsStale is consulted on each heartbeat tick; returning true closes
	// the subscriber.
	IsStale func() bool

	// Cleanup detaches the subscriber from the connection manager (and
	// therefore the fan-out table). Invoked exactly once, on every exit
	// path including panics.
	Cleanup func(reason string)

	Logger zerolog.Logger
}

// Run is the per-subscriber writer loop: the only place this connection's
// transport I/O happens. It drains the queue, writes frames, emits
// heartbeats and enforces staleness until the cancel signal fires or a
// write fails.
//
// Blocks until the subscriber is closed; callers run it on the request
// goroutine (SSE) or a dedicated goroutine (WebSocket).
func (s *Subscriber) Run(cfg RunConfig) {
	reason := monitoring.DisconnectReasonClientGone

	defer func() {
		if r := recover(); r != nil {
			monitoring.RecordPublishError()
			cfg.Logger.Error().
				Str("subscriber_id", s.ID).
				Str("channel", s.Channel).
				Interface("panic_value", r).
				Msg("Subscriber writer panic recovered")
		}
		s.cleanupOnce.Do(func() {
			s.setState(StateClosing)
			s.cancel()
			if cfg.Cleanup != nil {
				cfg.Cleanup(reason)
			}
			s.drain()
			s.setState(StateClosed)
		})
	}()

	ticker := time.NewTicker(cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		// Drain everything queued before sleeping again.
		for {
			frame, ok := s.Dequeue()
			if !ok {
				break
			}

			n, err := cfg.Writer.WriteFrame(frame)
			if err != nil {
				reason = monitoring.DisconnectReasonWriteError
				cfg.Logger.Debug().
					Str("subscriber_id", s.ID).
					Str("channel", s.Channel).
					Err(err).
					Msg("Frame write failed, closing subscriber")
				return
			}

			atomic.AddInt64(&s.bytesSent, int64(n))
			s.touch()
			monitoring.RecordFrameSent(n)

			if s.State() == StateOpening {
				s.setState(StateStreaming)
			}
		}

		select {
		case <-s.ctx.Done():
			reason = s.closeReasonOr(monitoring.DisconnectReasonClientGone)
			return

		case <-s.wake:
			// New frames queued; loop back to the drain.

		case <-ticker.C:
			if cfg.IsStale != nil && cfg.IsStale() {
				reason = monitoring.DisconnectReasonStale
				cfg.Logger.Info().
					Str("subscriber_id", s.ID).
					Str("channel", s.Channel).
					Time("last_activity", s.LastActivity()).
					Msg("Closing stale subscriber")
				return
			}
			s.Enqueue(PingFrame(""))
		}
	}
}
