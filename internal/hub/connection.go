package hub

import (
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"golang.org/x/time/rate"

	"github.com/velivolant/gateway/internal/monitoring"
)

const (
	writeWait  = 5 * time.Second
	pongWait   = 60 * time.Second
	sendBuffer = 256
)

// Connection is one authenticated-or-not WebSocket client, lifetime = socket
// lifetime. Grounded on the teacher's Client (internal/shared/connection.go),
// trimmed of the token-replay/sequencing fields the spec has no analogue
// for and given the spec's userId/subscribedEvents shape instead.
type Connection struct {
	id   int64
	conn net.Conn
	hub  *Hub
	send chan []byte

	mu               sync.RWMutex
	authenticated    bool
	userID           string
	email            string
	subscribedEvents map[string]struct{}

	alive  atomic.Bool
	pingCh chan struct{}

	limiter *rate.Limiter

	closeOnce sync.Once
}

func newConnection(id int64, conn net.Conn, h *Hub) *Connection {
	c := &Connection{
		id:               id,
		conn:             conn,
		hub:              h,
		send:             make(chan []byte, sendBuffer),
		subscribedEvents: make(map[string]struct{}),
		pingCh:           make(chan struct{}, 1),
		limiter:          rate.NewLimiter(rate.Limit(10), 100), // 100 burst, 10/sec sustained
	}
	c.alive.Store(true)
	return c
}

// requestPing asks the write pump to send a low-level ping frame, used by
// the hub's liveness sweep. Non-blocking: a ping already queued is enough.
func (c *Connection) requestPing() {
	select {
	case c.pingCh <- struct{}{}:
	default:
	}
}

// trySend is the non-blocking best-effort send spec.md §4.6 requires: if
// the buffer is full the frame is dropped rather than blocking the hub.
func (c *Connection) trySend(payload []byte) bool {
	select {
	case c.send <- payload:
		return true
	default:
		monitoring.WSMessagesDroppedTotal.WithLabelValues("buffer_full").Inc()
		return false
	}
}

func (c *Connection) close() {
	c.closeOnce.Do(func() {
		close(c.send)
		c.conn.Close()
	})
}

// writePump is the connection's sole writer: it drains queued frames and,
// on request from the hub's liveness sweep, sends a low-level ping. Single
// writer goroutine per connection, adapted from the teacher's writePump
// (pump_write.go).
func (h *Hub) writePump(c *Connection) {
	defer monitoring.RecoverPanic(h.logger, "hub.writePump", map[string]any{"client_id": c.id})

	for {
		select {
		case message, ok := <-c.send:
			if !ok {
				wsutil.WriteServerMessage(c.conn, ws.OpClose, nil)
				return
			}
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := wsutil.WriteServerMessage(c.conn, ws.OpText, message); err != nil {
				return
			}
			monitoring.WSMessagesSentTotal.Inc()

		case <-c.pingCh:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := wsutil.WriteServerMessage(c.conn, ws.OpPing, nil); err != nil {
				return
			}
		}
	}
}

// readPump reads frames and dispatches them to the hub's message switch,
// adapted from the teacher's readPump (pump_read.go). A Pong resets both the
// read deadline and the connection's alive flag (the liveness sweep's
// counterpart to the per-pump ping above).
func (h *Hub) readPump(c *Connection) {
	defer monitoring.RecoverPanic(h.logger, "hub.readPump", map[string]any{"client_id": c.id})
	defer h.disconnect(c, "read_error")

	c.conn.SetReadDeadline(time.Now().Add(pongWait))

	for {
		msg, op, err := wsutil.ReadClientData(c.conn)
		if err != nil {
			return
		}
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		c.alive.Store(true)

		switch op {
		case ws.OpText:
			if !c.limiter.Allow() {
				c.trySend(encodeFrame(frame{Type: "error", Message: "rate limit exceeded"}))
				continue
			}
			h.handleMessage(c, msg)
		case ws.OpClose:
			return
		}
	}
}
