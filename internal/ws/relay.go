// Package ws is the relay router: it admits sockets into rooms and moves
// frames between the two sides without looking inside the envelopes.
package ws

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pliu/adyx/internal/admission"
	"github.com/pliu/adyx/internal/metrics"
	"github.com/pliu/adyx/internal/middleware"
	"github.com/pliu/adyx/internal/models"
	"github.com/pliu/adyx/internal/rooms"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

type Config struct {
	MaxPayloadBytes   int64
	MessagesPerSecond float64
	HeartbeatInterval time.Duration
	WriteWait         time.Duration
	SweepInterval     time.Duration
	SendBuffer        int
}

func DefaultConfig() Config {
	return Config{
		MaxPayloadBytes:   10 << 20,
		MessagesPerSecond: 30,
		HeartbeatInterval: 30 * time.Second,
		WriteWait:         10 * time.Second,
		SweepInterval:     30 * time.Second,
		SendBuffer:        64,
	}
}

// TicketVerifier checks the join ticket presented for a password room.
type TicketVerifier interface {
	VerifyTicket(ticket, roomCode string, now time.Time) error
}

type Relay struct {
	cfg      Config
	registry *rooms.Registry
	guard    *admission.Guard
	tickets  TicketVerifier
	metrics  *metrics.Metrics
	log      *zap.Logger
	upgrader websocket.Upgrader
	now      func() time.Time
}

// NewRelay wires the router. m may be nil. Without tickets no socket is
// ever admitted.
func NewRelay(cfg Config, registry *rooms.Registry, guard *admission.Guard, tickets TicketVerifier, m *metrics.Metrics, log *zap.Logger) *Relay {
	if log == nil {
		log = zap.NewNop()
	}
	def := DefaultConfig()
	if cfg.MaxPayloadBytes <= 0 {
		cfg.MaxPayloadBytes = def.MaxPayloadBytes
	}
	if cfg.MessagesPerSecond <= 0 {
		cfg.MessagesPerSecond = def.MessagesPerSecond
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = def.HeartbeatInterval
	}
	if cfg.WriteWait <= 0 {
		cfg.WriteWait = def.WriteWait
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = def.SweepInterval
	}
	if cfg.SendBuffer <= 0 {
		cfg.SendBuffer = def.SendBuffer
	}
	return &Relay{
		cfg:      cfg,
		registry: registry,
		guard:    guard,
		tickets:  tickets,
		metrics:  m,
		log:      log,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// The origin is checked after the upgrade so the refusal can
			// carry a close code the client understands.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		now: time.Now,
	}
}

// ServeWs upgrades the request and admits the socket into its room.
// Admission failures are reported as close codes, never as HTTP errors.
func (rl *Relay) ServeWs(w http.ResponseWriter, r *http.Request) {
	conn, err := rl.upgrader.Upgrade(w, r, nil)
	if err != nil {
		rl.log.Debug("upgrade failed", zap.Error(err))
		return
	}

	addr := middleware.SourceAddr(r)
	if err := rl.guard.CheckOrigin(r.Header.Get("Origin")); err != nil {
		rl.refuse(conn, models.CloseOriginRejected)
		return
	}
	if err := rl.guard.CheckLockout(addr); err != nil {
		rl.refuse(conn, models.CloseTooManyConnections)
		return
	}
	release, err := rl.guard.Acquire(addr)
	if err != nil {
		rl.refuse(conn, models.CloseTooManyConnections)
		return
	}

	q := r.URL.Query()
	code := admission.SanitizeRoomCode(q.Get("room"))
	role := models.Role(q.Get("role"))
	if !rooms.ValidCode(code) || !role.Valid() {
		release()
		rl.refuse(conn, models.CloseInvalidParams)
		return
	}

	// Every room needs a ticket from the rate-limited admission endpoints,
	// so the socket cannot be used to test which codes exist.
	ticket := admission.SanitizeToken(q.Get("ticket"), admission.MaxTicketLength)
	if rl.tickets == nil || rl.tickets.VerifyTicket(ticket, code, rl.now()) != nil {
		release()
		if err := rl.guard.RecordFailure(addr); err != nil {
			rl.log.Info("source locked out after bad tickets", zap.Error(err))
		}
		rl.refuse(conn, models.CloseInvalidParams)
		return
	}

	room, ok := rl.registry.Lookup(code)
	if !ok {
		release()
		rl.refuse(conn, models.CloseRoomNotFound)
		return
	}

	c := newClient(rl, conn, room, role,
		admission.SanitizeNickname(q.Get("nickname")),
		admission.SanitizeToken(q.Get("fp"), admission.MaxFingerprintLength),
	)
	if err := rl.registry.Bind(room, role, c, c.nickname, c.fingerprint); err != nil {
		release()
		switch {
		case errors.Is(err, rooms.ErrRoleOccupied):
			rl.refuse(conn, models.CloseRoleOccupied)
		case errors.Is(err, rooms.ErrRoomEnded):
			rl.refuse(conn, models.CloseRoomEnded)
		default:
			rl.refuse(conn, models.CloseInvalidParams)
		}
		return
	}

	rl.metrics.ConnectionOpened()
	c.log.Debug("socket joined")

	go c.writePump()
	rl.announce(c)
	c.readPump(func() {
		rl.leave(c)
		release()
		rl.metrics.ConnectionClosed()
	})
}

// refuse closes a socket that was never bound to a room.
func (rl *Relay) refuse(conn *websocket.Conn, code int) {
	reason := models.CloseReason(code)
	rl.metrics.Rejected(reason)
	rl.log.Debug("socket refused", zap.Int("code", code), zap.String("reason", reason))
	deadline := time.Now().Add(rl.cfg.WriteWait)
	_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), deadline)
	_ = conn.Close()
}

// announce tells the newcomer where it stands and introduces both sides
// when the peer is already present.
func (rl *Relay) announce(c *client) {
	peer := c.room.Peer(c.role)
	seconds := c.room.Disappear()
	c.sendFrame(&models.Frame{
		Type:        models.TypeJoined,
		Role:        c.role,
		Nickname:    c.nickname,
		PeerPresent: peer != nil,
		Seconds:     &seconds,
		Timestamp:   models.NowMillis(),
	})
	if peer == nil {
		return
	}

	other := c.role.Other()
	sendFrame(peer, &models.Frame{
		Type:     models.TypePeerJoined,
		Role:     c.role,
		Nickname: c.nickname,
	}, rl.log)
	c.sendFrame(&models.Frame{
		Type:     models.TypePeerJoined,
		Role:     other,
		Nickname: c.room.Nickname(other),
	})
}

func (rl *Relay) leave(c *client) {
	peer := rl.registry.Release(c.room, c.role, c)
	if peer != nil && !c.room.Ended() {
		sendFrame(peer, &models.Frame{
			Type:     models.TypePeerLeft,
			Role:     c.role,
			Nickname: c.nickname,
		}, rl.log)
	}
	c.log.Debug("socket left")
}

// Run sweeps expired rooms every SweepInterval until ctx is done, then
// ends every remaining room.
func (rl *Relay) Run(ctx context.Context) {
	ticker := time.NewTicker(rl.cfg.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			n := rl.registry.CloseAll(websocket.CloseGoingAway, rooms.ReasonShutdown)
			rl.log.Info("relay stopped", zap.Int("rooms_closed", n))
			rl.metrics.SetRooms(0)
			return
		case now := <-ticker.C:
			rl.Sweep(now)
		}
	}
}

// Sweep ends every room that expired at now and returns how many it
// removed. Rooms that vanished in the meantime are skipped.
func (rl *Relay) Sweep(now time.Time) int {
	n := 0
	for _, e := range rl.registry.Expired(now) {
		if rl.registry.Delete(e.Room, e.CloseCode, e.Reason) {
			rl.metrics.RoomEnded(e.Reason)
			n++
		}
	}
	rl.metrics.SetRooms(rl.registry.Len())
	if n > 0 {
		rl.log.Info("swept rooms", zap.Int("count", n), zap.Int("remaining", rl.registry.Len()))
	}
	return n
}

func (rl *Relay) limiter() *rate.Limiter {
	burst := int(rl.cfg.MessagesPerSecond)
	if burst < 1 {
		burst = 1
	}
	return rate.NewLimiter(rate.Limit(rl.cfg.MessagesPerSecond), burst)
}
