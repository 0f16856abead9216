package realtime

import (
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/mkhare/orgchat/pkg/metrics"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxFrameSize   = 4096
	sendBufferSize = 256
)

var errConnClosed = errors.New("connection closed")

// Conn wraps a websocket and serializes outbound writes through a buffered
// channel. Send never blocks: a consumer that cannot drain its buffer is
// closed, and persisted history is its recovery path on reconnect.
type Conn struct {
	id          string
	userID      string
	established time.Time

	ws     *websocket.Conn
	send   chan []byte
	closed chan struct{}
	once   sync.Once
}

func NewConn(userID string, ws *websocket.Conn) *Conn {
	return &Conn{
		id:          uuid.NewString(),
		userID:      userID,
		established: time.Now(),
		ws:          ws,
		send:        make(chan []byte, sendBufferSize),
		closed:      make(chan struct{}),
	}
}

func (c *Conn) ID() string { return c.id }

func (c *Conn) UserID() string { return c.userID }

func (c *Conn) EstablishedAt() time.Time { return c.established }

// Send enqueues a payload for delivery. Delivery is at-most-once and
// best-effort; on buffer overflow the connection is dropped.
func (c *Conn) Send(payload []byte) error {
	select {
	case <-c.closed:
		return errConnClosed
	case c.send <- payload:
		return nil
	default:
		metrics.DroppedConnections.Inc()
		c.Close(websocket.CloseGoingAway, "send buffer full")
		return errors.New("send buffer full")
	}
}

// Close terminates the connection and stops the write loop. Safe to call
// from any goroutine, any number of times.
func (c *Conn) Close(code int, reason string) {
	c.once.Do(func() {
		close(c.closed)
		deadline := time.Now().Add(writeWait)
		_ = c.ws.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), deadline)
		_ = c.ws.Close()
	})
}

func (c *Conn) writeLoop() {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-c.closed:
			return
		case payload := <-c.send:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.TextMessage, payload); err != nil {
				c.Close(websocket.CloseAbnormalClosure, "write failed")
				return
			}
		case <-ticker.C:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.Close(websocket.CloseAbnormalClosure, "ping failed")
				return
			}
		}
	}
}
