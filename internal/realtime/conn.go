package realtime

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rongwang/shipprep-server/internal/models"
	"github.com/rongwang/shipprep-server/internal/utils"
)

// Conn is one admitted WebSocket connection. A read pump and a write pump
// run per connection; everything else talks to it through Send.
type Conn struct {
	id       string
	identity models.Identity
	ws       *websocket.Conn
	send     chan []byte
	done     chan struct{}
	once     sync.Once
	logger   *utils.Logger
}

func newConn(id string, identity models.Identity, ws *websocket.Conn, buffer int, logger *utils.Logger) *Conn {
	if buffer <= 0 {
		buffer = 1
	}
	return &Conn{
		id:       id,
		identity: identity,
		ws:       ws,
		send:     make(chan []byte, buffer),
		done:     make(chan struct{}),
		logger:   logger,
	}
}

func (c *Conn) ID() string {
	return c.id
}

// Identity is the verified caller the connection was admitted for
func (c *Conn) Identity() models.Identity {
	return c.identity
}

// Send queues msg for the write pump. A connection whose buffer is full is
// too slow to keep up and is closed.
func (c *Conn) Send(msg []byte) bool {
	select {
	case <-c.done:
		return false
	default:
	}

	select {
	case c.send <- msg:
		return true
	default:
		c.logger.Warn("send buffer full, closing slow connection")
		c.Close()
		return false
	}
}

// Close stops both pumps. Safe to call more than once.
func (c *Conn) Close() {
	c.once.Do(func() {
		close(c.done)
	})
}

func (c *Conn) writePump(writeTimeout, pingPeriod time.Duration) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.ws.Close()
	}()

	for {
		select {
		case msg := <-c.send:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := c.ws.WriteMessage(websocket.TextMessage, msg); err != nil {
				c.Close()
				return
			}
		case <-ticker.C:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.Close()
				return
			}
		case <-c.done:
			_ = c.ws.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(writeTimeout))
			return
		}
	}
}
