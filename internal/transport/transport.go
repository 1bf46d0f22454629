// Package transport keeps one client socket to the relay alive: it dials,
// measures latency, hides traffic patterns with canary frames and
// reconnects with backoff until told to stop.
package transport

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"math/big"
	"net/http"
	"net/url"
	"os"
	"runtime"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pliu/adyx/internal/models"
	"github.com/pliu/adyx/internal/schedule"
	"go.uber.org/zap"
)

var (
	ErrNotConnected       = errors.New("transport not connected")
	ErrClosed             = errors.New("transport closed")
	ErrReconnectExhausted = errors.New("reconnect attempts exhausted")
	// ErrPermanent marks a TicketSource failure that retrying cannot fix,
	// such as a room that no longer exists.
	ErrPermanent = errors.New("permanent failure")
)

type Config struct {
	PingInterval     time.Duration
	CanaryMin        time.Duration
	CanaryMax        time.Duration
	CanaryMaxPadding int

	BaseDelay   time.Duration
	MaxDelay    time.Duration
	MaxAttempts int

	DialTimeout  time.Duration
	WriteWait    time.Duration
	CloseTimeout time.Duration
	EventBuffer  int
}

func DefaultConfig() Config {
	return Config{
		PingInterval:     15 * time.Second,
		CanaryMin:        20 * time.Second,
		CanaryMax:        60 * time.Second,
		CanaryMaxPadding: 256,
		BaseDelay:        time.Second,
		MaxDelay:         30 * time.Second,
		MaxAttempts:      8,
		DialTimeout:      10 * time.Second,
		WriteWait:        10 * time.Second,
		CloseTimeout:     2 * time.Second,
		EventBuffer:      64,
	}
}

// Params select the room and role to join.
type Params struct {
	// URL is the relay socket endpoint, e.g. wss://relay.example/ws.
	URL         string
	Room        string
	Role        models.Role
	Nickname    string
	Fingerprint string
	Ticket      string
	Origin      string
	// TicketSource, if set, is asked for a fresh ticket before every
	// reconnect. Errors wrapping ErrPermanent end the transport.
	TicketSource func(ctx context.Context) (string, error)
}

type Transport struct {
	cfg    Config
	params Params
	dialer *websocket.Dialer
	log    *zap.Logger
	sched  *schedule.Scheduler

	mu       sync.Mutex
	state    State
	conn     *websocket.Conn
	readDone chan struct{}
	attempts int
	timers   []schedule.Token
	final    Event
	done     chan struct{}
	doneOnce sync.Once

	writeMu sync.Mutex
	latency atomic.Int64
	events  chan Event
}

func New(cfg Config, params Params, log *zap.Logger) *Transport {
	if log == nil {
		log = zap.NewNop()
	}
	def := DefaultConfig()
	if cfg.EventBuffer <= 0 {
		cfg.EventBuffer = def.EventBuffer
	}
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = def.DialTimeout
	}
	if cfg.WriteWait <= 0 {
		cfg.WriteWait = def.WriteWait
	}
	if cfg.CloseTimeout <= 0 {
		cfg.CloseTimeout = def.CloseTimeout
	}
	if params.Fingerprint == "" {
		params.Fingerprint = Fingerprint()
	}
	return &Transport{
		cfg:    cfg,
		params: params,
		dialer: &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: cfg.DialTimeout,
		},
		log:    log.With(zap.String("role", string(params.Role))),
		sched:  schedule.New(),
		state:  Disconnected,
		done:   make(chan struct{}),
		events: make(chan Event, cfg.EventBuffer),
	}
}

// Events delivers relay frames and state changes. It is never closed; use
// Done to learn that no more events will follow.
func (t *Transport) Events() <-chan Event {
	return t.events
}

// Done is closed once the transport reaches Closed.
func (t *Transport) Done() <-chan struct{} {
	return t.done
}

func (t *Transport) State() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// Latency is the most recent ping round trip, or zero before the first
// pong.
func (t *Transport) Latency() time.Duration {
	return time.Duration(t.latency.Load())
}

// Connect dials the relay once. Later drops are retried automatically.
func (t *Transport) Connect(ctx context.Context) error {
	t.mu.Lock()
	switch t.state {
	case Closed:
		t.mu.Unlock()
		return ErrClosed
	case Connecting, Connected:
		t.mu.Unlock()
		return nil
	}
	t.setStateLocked(Connecting, nil, 0)
	t.mu.Unlock()

	if err := t.dial(ctx); err != nil {
		t.mu.Lock()
		if t.state == Connecting {
			t.setStateLocked(Disconnected, err, 0)
		}
		t.mu.Unlock()
		return err
	}
	return nil
}

func (t *Transport) dialURL() (string, error) {
	u, err := url.Parse(t.params.URL)
	if err != nil {
		return "", err
	}
	q := u.Query()
	q.Set("room", t.params.Room)
	q.Set("role", string(t.params.Role))
	q.Set("nickname", t.params.Nickname)
	q.Set("fp", t.params.Fingerprint)
	if t.params.Ticket != "" {
		q.Set("ticket", t.params.Ticket)
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}

func (t *Transport) dial(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, t.cfg.DialTimeout)
	defer cancel()

	u, err := t.dialURL()
	if err != nil {
		return err
	}
	header := http.Header{}
	if t.params.Origin != "" {
		header.Set("Origin", t.params.Origin)
	}

	conn, _, err := t.dialer.DialContext(ctx, u, header)
	if err != nil {
		return fmt.Errorf("dial relay: %w", err)
	}

	t.mu.Lock()
	if t.state == Closed {
		t.mu.Unlock()
		conn.Close()
		return ErrClosed
	}
	readDone := make(chan struct{})
	t.conn = conn
	t.readDone = readDone
	t.attempts = 0
	t.setStateLocked(Connected, nil, 0)
	t.startTimersLocked()
	t.mu.Unlock()

	go t.readLoop(conn, readDone)
	return nil
}

// Send writes f to the relay.
func (t *Transport) Send(ctx context.Context, f *models.Frame) error {
	t.mu.Lock()
	conn, state := t.conn, t.state
	t.mu.Unlock()
	if state == Closed {
		return ErrClosed
	}
	if state != Connected || conn == nil {
		return ErrNotConnected
	}

	data, err := f.Marshal()
	if err != nil {
		return err
	}

	deadline := time.Now().Add(t.cfg.WriteWait)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}

	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	conn.SetWriteDeadline(deadline)
	return conn.WriteMessage(websocket.TextMessage, data)
}

func (t *Transport) readLoop(conn *websocket.Conn, readDone chan struct{}) {
	defer close(readDone)
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			t.dropped(conn, err)
			return
		}
		f, err := models.ParseFrame(data)
		if err != nil {
			t.log.Debug("unparseable frame", zap.Error(err))
			continue
		}

		switch f.Type {
		case models.TypePong:
			if f.Timestamp > 0 {
				rtt := time.Since(time.UnixMilli(f.Timestamp))
				if rtt >= 0 {
					t.latency.Store(int64(rtt))
				}
			}
		case models.TypeCanaryAck:
		default:
			select {
			case t.events <- Event{Kind: EventFrame, Frame: f}:
			case <-t.done:
				return
			}
		}
	}
}

// dropped handles the end of conn's read loop: fatal relay close codes end
// the transport, anything else schedules a reconnect.
func (t *Transport) dropped(conn *websocket.Conn, err error) {
	code := 0
	var ce *websocket.CloseError
	if errors.As(err, &ce) {
		code = ce.Code
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.conn != conn || t.state == Closed {
		return
	}
	t.conn = nil
	t.cancelTimersLocked()
	conn.Close()

	if models.IsFatalClose(code) {
		t.log.Info("relay closed the session", zap.Int("code", code), zap.String("reason", models.CloseReason(code)))
		t.terminateLocked(nil, code)
		return
	}
	t.log.Debug("connection lost", zap.Error(err))
	t.scheduleReconnectLocked(err)
}

func (t *Transport) scheduleReconnectLocked(cause error) {
	t.attempts++
	if t.cfg.MaxAttempts > 0 && t.attempts > t.cfg.MaxAttempts {
		t.terminateLocked(fmt.Errorf("%w: %v", ErrReconnectExhausted, cause), 0)
		return
	}
	delay := backoff(t.cfg.BaseDelay, t.cfg.MaxDelay, t.attempts)
	t.setStateLocked(Reconnecting, cause, 0)
	t.sched.After(delay, t.reconnect)
}

func (t *Transport) reconnect() {
	t.mu.Lock()
	if t.state != Reconnecting {
		t.mu.Unlock()
		return
	}
	t.setStateLocked(Connecting, nil, 0)
	t.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), t.cfg.DialTimeout)
	defer cancel()

	if t.params.TicketSource != nil {
		ticket, err := t.params.TicketSource(ctx)
		if errors.Is(err, ErrPermanent) {
			t.log.Info("giving up on the session", zap.Error(err))
			t.mu.Lock()
			if t.state != Closed {
				t.terminateLocked(err, 0)
			}
			t.mu.Unlock()
			return
		}
		if err != nil {
			t.retry(err)
			return
		}
		t.mu.Lock()
		t.params.Ticket = ticket
		t.mu.Unlock()
	}

	if err := t.dial(ctx); err != nil {
		t.retry(err)
	}
}

func (t *Transport) retry(err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state == Closed {
		return
	}
	t.scheduleReconnectLocked(err)
}

// backoff doubles base for every attempt up to max, then adds up to 50%
// random jitter.
func backoff(base, max time.Duration, attempt int) time.Duration {
	if base <= 0 {
		base = time.Second
	}
	d := base
	for i := 1; i < attempt && d < max; i++ {
		d *= 2
	}
	if max > 0 && d > max {
		d = max
	}
	return d + randDuration(d/2)
}

func (t *Transport) startTimersLocked() {
	if t.cfg.PingInterval > 0 {
		interval := t.cfg.PingInterval
		t.timers = append(t.timers, t.sched.Every(func() time.Duration { return interval }, t.ping))
	}
	if t.cfg.CanaryMax > 0 {
		t.timers = append(t.timers, t.sched.Every(t.canaryDelay, t.canary))
	}
}

func (t *Transport) cancelTimersLocked() {
	for _, tok := range t.timers {
		t.sched.Cancel(tok)
	}
	t.timers = nil
}

func (t *Transport) ping() {
	err := t.Send(context.Background(), &models.Frame{Type: models.TypePing, Timestamp: models.NowMillis()})
	if err != nil && !errors.Is(err, ErrNotConnected) && !errors.Is(err, ErrClosed) {
		t.log.Debug("ping failed", zap.Error(err))
	}
}

func (t *Transport) canaryDelay() time.Duration {
	min, max := t.cfg.CanaryMin, t.cfg.CanaryMax
	if max <= min {
		return min
	}
	return min + randDuration(max-min)
}

// canary sends a frame of random length so idle and active sessions look
// alike on the wire. The relay acknowledges it and never forwards it.
func (t *Transport) canary() {
	n := int(randDuration(time.Duration(t.cfg.CanaryMaxPadding + 1)))
	pad := make([]byte, n)
	if _, err := rand.Read(pad); err != nil {
		return
	}
	err := t.Send(context.Background(), &models.Frame{
		Type:      models.TypeCanary,
		Message:   base64.StdEncoding.EncodeToString(pad),
		Timestamp: models.NowMillis(),
	})
	if err != nil && !errors.Is(err, ErrNotConnected) && !errors.Is(err, ErrClosed) {
		t.log.Debug("canary failed", zap.Error(err))
	}
}

// Close performs the closing handshake, waiting at most CloseTimeout for
// the relay to answer, and stops every timer.
func (t *Transport) Close() error {
	t.mu.Lock()
	if t.state == Closed {
		t.mu.Unlock()
		return nil
	}
	conn, readDone := t.conn, t.readDone
	t.conn = nil
	t.cancelTimersLocked()
	t.terminateLocked(nil, 0)
	t.mu.Unlock()

	if conn == nil {
		return nil
	}
	defer conn.Close()

	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
	err := conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(t.cfg.CloseTimeout))
	if err != nil {
		return err
	}

	timer := time.NewTimer(t.cfg.CloseTimeout)
	defer timer.Stop()
	select {
	case <-readDone:
	case <-timer.C:
	}
	return nil
}

// ForceClose drops the connection without a handshake.
func (t *Transport) ForceClose() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state == Closed {
		return
	}
	if t.conn != nil {
		t.conn.Close()
		t.conn = nil
	}
	t.cancelTimersLocked()
	t.terminateLocked(nil, 0)
}

func (t *Transport) terminateLocked(err error, code int) {
	t.sched.Stop()
	t.setStateLocked(Closed, err, code)
	t.final = Event{Kind: EventState, State: Closed, Err: err, CloseCode: code}
	t.doneOnce.Do(func() { close(t.done) })
}

// Final returns the terminal Closed event once Done is closed, so the
// reason survives even when Events had no room for it.
func (t *Transport) Final() Event {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.final
}

func (t *Transport) setStateLocked(s State, err error, code int) {
	if t.state == s && err == nil {
		return
	}
	t.state = s
	t.emit(Event{Kind: EventState, State: s, Err: err, CloseCode: code})
}

// emit is used for state events, which are sent under the lock and so
// never block. Frames are delivered by readLoop with backpressure. A
// dropped Closed event is still available from Final.
func (t *Transport) emit(ev Event) {
	select {
	case t.events <- ev:
	default:
		t.log.Warn("event dropped", zap.Int("kind", int(ev.Kind)))
	}
}

// Fingerprint is an advisory device identifier derived from coarse
// platform facts. It is not a security boundary.
func Fingerprint() string {
	host, _ := os.Hostname()
	h := sha256.Sum256([]byte(runtime.GOOS + "|" + runtime.GOARCH + "|" + host + "|" + strconv.Itoa(runtime.NumCPU())))
	return hex.EncodeToString(h[:16])
}

func randDuration(max time.Duration) time.Duration {
	if max <= 0 {
		return 0
	}
	n, err := rand.Int(rand.Reader, big.NewInt(int64(max)))
	if err != nil {
		return 0
	}
	return time.Duration(n.Int64())
}
