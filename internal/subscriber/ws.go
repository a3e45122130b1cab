package subscriber

import (
	"encoding/json"
	"net"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"

	"github.com/adred-codev/logfan/internal/types"
)

// Time allowed to write a frame to the peer before the connection is
// considered dead.
const wsWriteWait = 5 * time.Second

// WSWriter delivers the same frame stream over a WebSocket connection,
// for terminal UIs that prefer a bidirectional transport. Frames are
// encoded as one JSON text message each.
type WSWriter struct {
	conn net.Conn
}

func NewWSWriter(conn net.Conn) *WSWriter {
	return &WSWriter{conn: conn}
}

// wsFrame is the wire shape of one frame over WebSocket. Data is already
// serialized JSON and embeds without re-encoding.
type wsFrame struct {
	Event string          `json:"event"`
	ID    string          `json:"id,omitempty"`
	Data  json.RawMessage `json:"data"`
}

func (ww *WSWriter) WriteFrame(frame types.Frame) (int, error) {
	payload, err := json.Marshal(wsFrame{
		Event: frame.Event,
		ID:    frame.ID,
		Data:  json.RawMessage(frame.Data),
	})
	if err != nil {
		return 0, err
	}

	if err := ww.conn.SetWriteDeadline(time.Now().Add(wsWriteWait)); err != nil {
		return 0, err
	}
	if err := wsutil.WriteServerMessage(ww.conn, ws.OpText, payload); err != nil {
		return 0, err
	}
	return len(payload), nil
}

// Close sends a close frame and tears the connection down.
func (ww *WSWriter) Close() {
	ww.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
	wsutil.WriteServerMessage(ww.conn, ws.OpClose, nil)
	ww.conn.Close()
}
