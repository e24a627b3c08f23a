package relayapi

import (
	"context"
	"sync"
	"time"

	"nhooyr.io/websocket"
)

const readLimit = 1 << 20

// wsConn adapts a websocket connection to the relay.Conn seam. A mutex keeps
// the single-writer discipline: greeting and broadcast writes to the same
// observer never interleave. Each write gets its own timeout so one stalled
// client cannot wedge a fan-out.
type wsConn struct {
	mu           sync.Mutex
	conn         *websocket.Conn
	writeTimeout time.Duration
}

func newWSConn(conn *websocket.Conn, writeTimeout time.Duration) *wsConn {
	conn.SetReadLimit(readLimit)
	return &wsConn{conn: conn, writeTimeout: writeTimeout}
}

func (c *wsConn) Send(payload []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	ctx, cancel := context.WithTimeout(context.Background(), c.writeTimeout)
	defer cancel()
	return c.conn.Write(ctx, websocket.MessageText, payload)
}

func (c *wsConn) Close() error {
	return c.conn.Close(websocket.StatusNormalClosure, "")
}
