package realtime

import (
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

const (
	writeWait      = 10 * time.Second    // Time allowed to write a message to the peer.
	pongWait       = 60 * time.Second    // Time allowed to read the next pong message from the peer.
	pingPeriod     = (pongWait * 9) / 10 // Send pings to peer with this period. Must be less than pongWait.
	maxMessageSize = 512                 // Maximum message size allowed from peer.

	// Close code sent when a newer connection for the same user replaces this one.
	CloseSessionReplaced = 4001
)

var errConnClosed = errors.New("connection closed")

// Conn wraps one websocket and coordinates outbound writes through a buffered
// channel. It is the opaque handle the registry and router pass around; all
// state-changing actions travel over HTTP, so the read side only services
// control frames and liveness.
type Conn struct {
	ID     string
	UserID int

	ws      *websocket.Conn
	send    chan []byte
	closing chan struct{}
	once    sync.Once
}

// NewConn builds a handle for the given user. Start must be called before the
// peer can receive anything.
func NewConn(userID int, ws *websocket.Conn) *Conn {
	return &Conn{
		ID:      uuid.NewString(),
		UserID:  userID,
		ws:      ws,
		send:    make(chan []byte, 256),
		closing: make(chan struct{}),
	}
}

// Start launches the write pump. Call exactly once per connection.
func (c *Conn) Start() {
	go c.writePump()
}

// Send enqueues a payload for delivery. A slow client that fills the buffer
// is closed so backpressure stays bounded.
func (c *Conn) Send(payload []byte) error {
	select {
	case <-c.closing:
		return errConnClosed
	default:
	}
	select {
	case c.send <- payload:
		return nil
	default:
		c.Close(websocket.CloseGoingAway, "send buffer full")
		return errConnClosed
	}
}

// Close terminates the connection and stops the write pump. Safe to call more
// than once.
func (c *Conn) Close(code int, reason string) {
	c.once.Do(func() {
		close(c.closing)
		if c.ws == nil {
			return
		}
		deadline := time.Now().Add(writeWait)
		c.ws.SetWriteDeadline(deadline)
		c.ws.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), deadline)
		c.ws.Close()
	})
}

// ReadPump consumes inbound frames until the peer goes away, keeping the
// heartbeat alive. It blocks; run it from the connection's handler goroutine
// and do registry/router cleanup when it returns.
func (c *Conn) ReadPump() {
	defer c.Close(websocket.CloseNormalClosure, "")

	c.ws.SetReadLimit(maxMessageSize)
	c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error {
		c.ws.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		// Inbound data frames are drained and ignored.
		if _, _, err := c.ws.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				log.Debug().Err(err).Int("user_id", c.UserID).Msg("websocket read")
			}
			return
		}
	}
}

func (c *Conn) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.Close(websocket.CloseNormalClosure, "")
	}()

	for {
		select {
		case <-c.closing:
			return
		// c.send is never closed; shutdown arrives on c.closing.
		case message := <-c.send:
			c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			w, err := c.ws.NextWriter(websocket.TextMessage)
			if err != nil {
				return
			}
			w.Write(message)

			// Flush any queued messages in the same frame to save syscalls.
			n := len(c.send)
			for i := 0; i < n; i++ {
				w.Write([]byte{'\n'})
				w.Write(<-c.send)
			}

			if err := w.Close(); err != nil {
				return
			}

		case <-ticker.C:
			c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
