package subscriber

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/adred-codev/logfan/internal/monitoring"
	"github.com/adred-codev/logfan/internal/types"
)

// Subscriber states. Transitions:
//
//	Opening → Streaming   on first successful frame write
//	Streaming → Closing   on client disconnect, staleness, admin
//	                      disconnect, shutdown, or write error
//	Closing → Closed      when the writer has returned and cleanup ran
type State int32

const (
	StateOpening State = iota
	StateStreaming
	StateClosing
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateOpening:
		return "opening"
	case StateStreaming:
		return "streaming"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	}
	return "unknown"
}

// Subscriber is one live stream connection following exactly one channel.
//
// The outbound queue is a bounded ring with drop-oldest backpressure: a
// log viewer prefers recency over completeness, so when a slow consumer
// falls behind, the head of its queue is discarded and counted rather
// than stalling the publisher.
type Subscriber struct {
	ID        string
	Channel   string
	ClientKey string
	CreatedAt time.Time

	mu    sync.Mutex
	ring  []types.Frame
	head  int
	count int

	dropped      int64 // atomic
	bytesSent    int64 // atomic
	lastActivity int64 // atomic, unix nanos of last successful write
	state        int32 // atomic State

	// wake has capacity 1; enqueue nudges the writer without ever
	// blocking the publisher.
	wake chan struct{}

	ctx    context.Context
	cancel context.CancelFunc

	// closeReason records why Cancel fired (admin kick, shutdown) so the
	// writer reports the right disconnect cause on exit.
	closeReason atomic.Value // string

	cleanupOnce sync.Once
}

func New(id, channel, clientKey string, queueSize int) *Subscriber {
	ctx, cancel := context.WithCancel(context.Background())
	now := time.Now()

	return &Subscriber{
		ID:        id,
		Channel:   channel,
		ClientKey: clientKey,
		CreatedAt: now,

		ring: make([]types.Frame, queueSize),
		wake: make(chan struct{}, 1),

		lastActivity: now.UnixNano(),

		ctx:    ctx,
		cancel: cancel,
	}
}

// Enqueue appends a frame to the outbound queue. At capacity the oldest
// frame is dropped and counted. Never blocks the caller; the writer is
// woken via the 1-slot wake channel.
func (s *Subscriber) Enqueue(frame types.Frame) {
	if s.State() >= StateClosing {
		monitoring.RecordDroppedFrame(s.Channel, monitoring.DropReasonClosed)
		return
	}

	s.mu.Lock()
	if s.count == len(s.ring) {
		// Drop-oldest: advance head over the stalest frame.
		s.head = (s.head + 1) % len(s.ring)
		s.count--
		atomic.AddInt64(&s.dropped, 1)
		monitoring.RecordDroppedFrame(s.Channel, monitoring.DropReasonQueueFull)
	}
	s.ring[(s.head+s.count)%len(s.ring)] = frame
	s.count++
	s.mu.Unlock()

	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// Dequeue pops the oldest queued frame.
func (s *Subscriber) Dequeue() (types.Frame, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.count == 0 {
		return types.Frame{}, false
	}
	frame := s.ring[s.head]
	s.ring[s.head] = types.Frame{}
	s.head = (s.head + 1) % len(s.ring)
	s.count--
	return frame, true
}

// QueueLen returns the number of queued frames.
func (s *Subscriber) QueueLen() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.count
}

// drain discards all queued frames. Called by cleanup.
func (s *Subscriber) drain() {
	s.mu.Lock()
	for i := range s.ring {
		s.ring[i] = types.Frame{}
	}
	s.head = 0
	s.count = 0
	s.mu.Unlock()
}

// Cancel fires the subscriber's cancel signal. Idempotent; cleanup
// converges regardless of which path fired it.
func (s *Subscriber) Cancel() {
	if s.State() < StateClosing {
		s.setState(StateClosing)
	}
	s.cancel()
}

// CancelWithReason fires the cancel signal and records the cause for
// disconnect accounting.
func (s *Subscriber) CancelWithReason(reason string) {
	s.closeReason.Store(reason)
	s.Cancel()
}

func (s *Subscriber) closeReasonOr(fallback string) string {
	if v := s.closeReason.Load(); v != nil {
		return v.(string)
	}
	return fallback
}

// Done exposes the cancel signal.
func (s *Subscriber) Done() <-chan struct{} {
	return s.ctx.Done()
}

func (s *Subscriber) State() State {
	return State(atomic.LoadInt32(&s.state))
}

func (s *Subscriber) setState(st State) {
	atomic.StoreInt32(&s.state, int32(st))
}

// Dropped returns the number of frames discarded by backpressure.
func (s *Subscriber) Dropped() int64 {
	return atomic.LoadInt64(&s.dropped)
}

// BytesSent returns the total bytes successfully written.
func (s *Subscriber) BytesSent() int64 {
	return atomic.LoadInt64(&s.bytesSent)
}

// LastActivity returns the time of the last successful frame write.
func (s *Subscriber) LastActivity() time.Time {
	return time.Unix(0, atomic.LoadInt64(&s.lastActivity))
}

func (s *Subscriber) touch() {
	atomic.StoreInt64(&s.lastActivity, time.Now().UnixNano())
}

// PingFrame builds a heartbeat frame. The first ping of a stream carries
// the stable id "init"; subsequent heartbeats carry no id.
func PingFrame(id string) types.Frame {
	return types.Frame{
		Event: types.EventPing,
		ID:    id,
		Data:  fmt.Appendf(nil, `{"ts":%d}`, time.Now().UnixMilli()),
	}
}
