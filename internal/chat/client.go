package chat

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"
)

const (
	writeWait  = 10 * time.Second    // Time allowed to write a frame to the peer.
	pongWait   = 60 * time.Second    // Time allowed to read the next pong from the peer.
	pingPeriod = (pongWait * 9) / 10 // Must be less than pongWait.

	// maxFrameSize bounds one inbound frame. Content length is checked
	// separately so an oversized message still gets a PAYLOAD_TOO_LARGE reply.
	maxFrameSize = 64 << 10
)

// Client is a middleman between the websocket connection and the hub.
type Client struct {
	id   string
	conn *websocket.Conn

	// Buffered channel of outbound frames.
	send chan []byte

	done      chan struct{}
	closeOnce sync.Once

	limiter *rate.Limiter

	// tokenUser is the user id proven by the handshake token, if any.
	tokenUser string
}

func newClient(conn *websocket.Conn, buffer int, framesPerSecond float64) *Client {
	burst := int(framesPerSecond)
	if burst < 1 {
		burst = 1
	}
	return &Client{
		id:      uuid.NewString(),
		conn:    conn,
		send:    make(chan []byte, buffer),
		done:    make(chan struct{}),
		limiter: rate.NewLimiter(rate.Limit(framesPerSecond), burst),
	}
}

func (c *Client) ID() string { return c.id }

// Send queues a frame without blocking. It reports false when the buffer is
// full or the client is already closed.
func (c *Client) Send(frame []byte) bool {
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.send <- frame:
		return true
	default:
		return false
	}
}

// Close stops the write pump, which closes the socket and so ends the read
// pump. Safe to call from any goroutine, any number of times.
func (c *Client) Close() {
	c.closeOnce.Do(func() { close(c.done) })
}

// readPump pumps frames from the websocket connection to dispatch. It runs
// the disconnect cleanup when the connection dies.
func (c *Client) readPump(dispatch func(c *Client, raw []byte), cleanup func(c *Client)) {
	defer func() {
		cleanup(c)
		c.Close()
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxFrameSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		dispatch(c, raw)
	}
}

// writePump pumps frames from the send buffer to the websocket connection.
func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case frame := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			w, err := c.conn.NextWriter(websocket.TextMessage)
			if err != nil {
				return
			}
			w.Write(frame)

			// Flush whatever queued up meanwhile in the same websocket message,
			// one JSON frame per line.
			n := len(c.send)
			for i := 0; i < n; i++ {
				w.Write([]byte{'\n'})
				w.Write(<-c.send)
			}

			if err := w.Close(); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}

		case <-c.done:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		}
	}
}
