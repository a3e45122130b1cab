package subscriber

import (
	"bytes"
	"fmt"
	"net/http"

	"github.com/adred-codev/logfan/internal/types"
)

// SSEWriter frames outbound events as server-sent events and flushes
// after every frame so proxies and the browser EventSource see them
// immediately.
type SSEWriter struct {
	w       http.ResponseWriter
	flusher http.Flusher
	buf     bytes.Buffer
}

// NewSSEWriter prepares an SSE response: sets the stream headers, flushes
// them (which triggers EventSource.onopen client-side) and returns the
// writer. Returns an error if the ResponseWriter cannot flush.
func NewSSEWriter(w http.ResponseWriter) (*SSEWriter, error) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return nil, fmt.Errorf("response writer does not support flushing")
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no") // disable nginx buffering
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	return &SSEWriter{w: w, flusher: flusher}, nil
}

// WriteFrame writes one SSE event:
//
//	event: <name>
//	id: <id>          (omitted when empty)
//	data: <payload>
func (sw *SSEWriter) WriteFrame(frame types.Frame) (int, error) {
	sw.buf.Reset()
	fmt.Fprintf(&sw.buf, "event: %s\n", frame.Event)
	if frame.ID != "" {
		fmt.Fprintf(&sw.buf, "id: %s\n", frame.ID)
	}
	fmt.Fprintf(&sw.buf, "data: %s\n\n", frame.Data)

	n, err := sw.w.Write(sw.buf.Bytes())
	if err != nil {
		return n, err
	}
	sw.flusher.Flush()
	return n, nil
}
