package gateway

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// connection owns one websocket. Frames are queued by Send and written by writePump only.
type connection struct {
	id     string
	userID string
	conn   *websocket.Conn
	send   chan []byte
	done   chan struct{}

	closeOnce      sync.Once
	unregisterOnce sync.Once
	timing         connectionTiming
	logger         *zap.Logger
}

type connectionTiming struct {
	writeTimeout time.Duration
	pongWait     time.Duration
	pingInterval time.Duration
}

func newConnection(id string, conn *websocket.Conn, buffer int, timing connectionTiming, logger *zap.Logger) *connection {
	return &connection{
		id:     id,
		conn:   conn,
		send:   make(chan []byte, buffer),
		done:   make(chan struct{}),
		timing: timing,
		logger: logger,
	}
}

// Send queues frame without blocking. A closed connection drops the frame. A full queue closes
// the connection, so the client reconnects and reloads state instead of living with a gap.
func (c *connection) Send(frame []byte) bool {
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.send <- frame:
		return true
	case <-c.done:
		return false
	default:
		c.logger.Warn("send queue full, closing slow connection",
			zap.String("connection_id", c.id),
			zap.String("user_id", c.userID))
		c.close()
		return false
	}
}

// close stops the write pump after it flushes frames already queued.
func (c *connection) close() {
	c.closeOnce.Do(func() { close(c.done) })
}

func (c *connection) writePump(finished chan<- struct{}) {
	ticker := time.NewTicker(c.timing.pingInterval)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
		close(finished)
	}()

	for {
		select {
		case frame := <-c.send:
			if err := c.write(websocket.TextMessage, frame); err != nil {
				c.logger.Debug("websocket write failed", zap.String("connection_id", c.id), zap.Error(err))
				c.close()
				return
			}
		case <-ticker.C:
			if err := c.write(websocket.PingMessage, nil); err != nil {
				c.close()
				return
			}
		case <-c.done:
			c.flush()
			_ = c.write(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		}
	}
}

func (c *connection) flush() {
	for {
		select {
		case frame := <-c.send:
			if err := c.write(websocket.TextMessage, frame); err != nil {
				return
			}
		default:
			return
		}
	}
}

func (c *connection) write(messageType int, payload []byte) error {
	if err := c.conn.SetWriteDeadline(time.Now().Add(c.timing.writeTimeout)); err != nil {
		return err
	}
	return c.conn.WriteMessage(messageType, payload)
}

func (c *connection) armReadDeadline() {
	_ = c.conn.SetReadDeadline(time.Now().Add(c.timing.pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(c.timing.pongWait))
	})
}
