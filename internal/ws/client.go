package ws

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/pliu/adyx/internal/models"
	"github.com/pliu/adyx/internal/rooms"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// closeGrace bounds how long a closing socket waits for the peer to answer
// the close frame.
const closeGrace = time.Second

// client is one joined socket. It implements rooms.Socket.
type client struct {
	id          string
	relay       *Relay
	conn        *websocket.Conn
	room        *rooms.Room
	role        models.Role
	nickname    string
	fingerprint string
	limiter     *rate.Limiter
	log         *zap.Logger

	send     chan []byte
	closing  chan struct{}
	readDone chan struct{}

	closeOnce   sync.Once
	closeCode   int
	closeReason string
}

func newClient(rl *Relay, conn *websocket.Conn, room *rooms.Room, role models.Role, nickname, fingerprint string) *client {
	id := uuid.NewString()
	return &client{
		id:          id,
		relay:       rl,
		conn:        conn,
		room:        room,
		role:        role,
		nickname:    nickname,
		fingerprint: fingerprint,
		limiter:     rl.limiter(),
		log:         rl.log.With(zap.String("conn_id", id), zap.String("role", string(role))),
		send:        make(chan []byte, rl.cfg.SendBuffer),
		closing:     make(chan struct{}),
		readDone:    make(chan struct{}),
	}
}

// Send queues msg without blocking. A client that cannot keep up is
// disconnected rather than allowed to stall its peer.
func (c *client) Send(msg []byte) bool {
	select {
	case <-c.closing:
		return false
	default:
	}
	select {
	case c.send <- msg:
		return true
	default:
		c.log.Warn("send buffer full, closing")
		c.Close(websocket.CloseTryAgainLater, "slow_consumer")
		return false
	}
}

// Close flushes queued frames, then sends a close frame with code. Only
// the first call has any effect.
func (c *client) Close(code int, reason string) {
	c.closeOnce.Do(func() {
		c.closeCode = code
		c.closeReason = reason
		close(c.closing)
	})
}

func (c *client) sendFrame(f *models.Frame) bool {
	return sendFrame(c, f, c.log)
}

func sendFrame(s rooms.Socket, f *models.Frame, log *zap.Logger) bool {
	msg, err := f.Marshal()
	if err != nil {
		log.Error("marshal frame", zap.String("type", string(f.Type)), zap.Error(err))
		return false
	}
	return s.Send(msg)
}

// readPump reads frames until the socket fails or closes, then runs done.
func (c *client) readPump(done func()) {
	defer func() {
		if r := recover(); r != nil {
			c.log.Error("panic in read pump", zap.Any("panic", r))
		}
		close(c.readDone)
		c.Close(websocket.CloseNormalClosure, "")
		done()
	}()

	pongWait := 2 * c.relay.cfg.HeartbeatInterval
	c.conn.SetReadLimit(c.relay.cfg.MaxPayloadBytes)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived) {
				c.log.Debug("read error", zap.Error(err))
			}
			return
		}
		c.conn.SetReadDeadline(time.Now().Add(pongWait))

		if !c.limiter.Allow() {
			c.relay.metrics.FrameDropped("rate_limited")
			c.sendFrame(&models.Frame{Type: models.TypeSlowDown, Message: "message rate exceeded"})
			continue
		}

		f, err := models.ParseFrame(data)
		if err != nil {
			c.relay.metrics.FrameDropped("malformed")
			c.sendError("malformed frame")
			continue
		}
		c.relay.route(c, f)
	}
}

// writePump is the only goroutine writing data frames to the connection.
// A missed pong is detected by the read deadline in readPump.
func (c *client) writePump() {
	ticker := time.NewTicker(c.relay.cfg.HeartbeatInterval)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case msg := <-c.send:
			if err := c.write(websocket.TextMessage, msg); err != nil {
				c.Close(websocket.CloseAbnormalClosure, "")
				return
			}
		case <-ticker.C:
			if err := c.write(websocket.PingMessage, nil); err != nil {
				c.Close(websocket.CloseAbnormalClosure, "")
				return
			}
		case <-c.closing:
			c.drain()
			c.shutdown()
			return
		}
	}
}

func (c *client) write(messageType int, data []byte) error {
	c.conn.SetWriteDeadline(time.Now().Add(c.relay.cfg.WriteWait))
	return c.conn.WriteMessage(messageType, data)
}

// drain writes whatever was queued before Close.
func (c *client) drain() {
	for {
		select {
		case msg := <-c.send:
			if err := c.write(websocket.TextMessage, msg); err != nil {
				return
			}
		default:
			return
		}
	}
}

func (c *client) shutdown() {
	select {
	case <-c.readDone:
		return
	default:
	}
	if c.closeCode != websocket.CloseAbnormalClosure {
		msg := websocket.FormatCloseMessage(c.closeCode, c.closeReason)
		_ = c.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(c.relay.cfg.WriteWait))
	}

	t := time.NewTimer(closeGrace)
	defer t.Stop()
	select {
	case <-c.readDone:
	case <-t.C:
	}
}

func (c *client) sendError(message string) {
	c.sendFrame(&models.Frame{Type: models.TypeError, Message: message})
}
