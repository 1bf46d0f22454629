package transport

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pliu/adyx/internal/models"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

// fakeRelay answers pings and canaries like the real relay and lets tests
// drop or refuse connections.
type fakeRelay struct {
	t        *testing.T
	server   *httptest.Server
	upgrader websocket.Upgrader

	dials     atomic.Int32
	refuseAll atomic.Bool
	closeCode atomic.Int32

	mu      sync.Mutex
	conns   []*websocket.Conn
	tickets []string

	frames chan *models.Frame
	closes chan int
}

func newFakeRelay(t *testing.T) *fakeRelay {
	fr := &fakeRelay{
		t:      t,
		frames: make(chan *models.Frame, 256),
		closes: make(chan int, 8),
	}
	fr.server = httptest.NewServer(http.HandlerFunc(fr.serve))
	t.Cleanup(fr.server.Close)
	return fr
}

func (fr *fakeRelay) url() string {
	return "ws" + strings.TrimPrefix(fr.server.URL, "http") + "/ws"
}

func (fr *fakeRelay) serve(w http.ResponseWriter, r *http.Request) {
	fr.dials.Add(1)
	if fr.refuseAll.Load() {
		http.Error(w, "unavailable", http.StatusServiceUnavailable)
		return
	}
	conn, err := fr.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}

	fr.mu.Lock()
	fr.conns = append(fr.conns, conn)
	fr.tickets = append(fr.tickets, r.URL.Query().Get("ticket"))
	fr.mu.Unlock()

	if code := int(fr.closeCode.Load()); code != 0 {
		msg := websocket.FormatCloseMessage(code, models.CloseReason(code))
		conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
		conn.Close()
		return
	}

	conn.SetCloseHandler(func(code int, text string) error {
		fr.closes <- code
		msg := websocket.FormatCloseMessage(code, "")
		return conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
	})

	go func() {
		defer conn.Close()
		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			f, err := models.ParseFrame(data)
			if err != nil {
				continue
			}
			fr.frames <- f
			var reply *models.Frame
			switch f.Type {
			case models.TypePing:
				reply = &models.Frame{Type: models.TypePong, Timestamp: f.Timestamp}
			case models.TypeCanary:
				reply = &models.Frame{Type: models.TypeCanaryAck}
			case models.TypeText:
				reply = &models.Frame{Type: models.TypeDelivered, MessageID: f.ID}
			}
			if reply != nil {
				b, _ := reply.Marshal()
				conn.WriteMessage(websocket.TextMessage, b)
			}
		}
	}()
}

// dropAll kills every live server-side socket without a close frame.
func (fr *fakeRelay) dropAll() {
	fr.mu.Lock()
	defer fr.mu.Unlock()
	for _, c := range fr.conns {
		c.UnderlyingConn().Close()
	}
	fr.conns = nil
}

func (fr *fakeRelay) nextFrame(t *testing.T, typ models.FrameType) *models.Frame {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		select {
		case f := <-fr.frames:
			if f.Type == typ {
				return f
			}
		case <-deadline:
			t.Fatalf("relay never received a %s frame", typ)
		}
	}
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.PingInterval = 0
	cfg.CanaryMin = 0
	cfg.CanaryMax = 0
	cfg.BaseDelay = 10 * time.Millisecond
	cfg.MaxDelay = 40 * time.Millisecond
	cfg.MaxAttempts = 3
	cfg.DialTimeout = 2 * time.Second
	cfg.CloseTimeout = time.Second
	return cfg
}

func newTestTransport(t *testing.T, fr *fakeRelay, cfg Config) *Transport {
	t.Helper()
	tr := New(cfg, Params{
		URL:      fr.url(),
		Room:     "ABC234",
		Role:     models.RoleAdmin,
		Nickname: "alice",
	}, zaptest.NewLogger(t))
	t.Cleanup(tr.ForceClose)
	return tr
}

func waitState(t *testing.T, tr *Transport, want State) Event {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		select {
		case ev := <-tr.Events():
			if ev.Kind == EventState && ev.State == want {
				return ev
			}
		case <-deadline:
			t.Fatalf("never reached state %s (now %s)", want, tr.State())
		}
	}
}

func TestConnectAndSend(t *testing.T) {
	fr := newFakeRelay(t)
	tr := newTestTransport(t, fr, testConfig())

	require.Equal(t, Disconnected, tr.State())
	require.NoError(t, tr.Connect(context.Background()))
	require.Equal(t, Connected, tr.State())
	waitState(t, tr, Connected)

	require.NoError(t, tr.Send(context.Background(), &models.Frame{Type: models.TypeText, ID: "m1", Ciphertext: "x"}))
	require.Equal(t, "m1", fr.nextFrame(t, models.TypeText).ID)

	select {
	case ev := <-tr.Events():
		require.Equal(t, EventFrame, ev.Kind)
		require.Equal(t, models.TypeDelivered, ev.Frame.Type)
		require.Equal(t, "m1", ev.Frame.MessageID)
	case <-time.After(5 * time.Second):
		t.Fatal("no delivered event")
	}
}

func TestConnectFailure(t *testing.T) {
	fr := newFakeRelay(t)
	fr.refuseAll.Store(true)
	tr := newTestTransport(t, fr, testConfig())

	require.Error(t, tr.Connect(context.Background()))
	require.Equal(t, Disconnected, tr.State())
}

func TestLatencyFromPong(t *testing.T) {
	fr := newFakeRelay(t)
	cfg := testConfig()
	cfg.PingInterval = 10 * time.Millisecond
	tr := newTestTransport(t, fr, cfg)

	require.Zero(t, tr.Latency())
	require.NoError(t, tr.Connect(context.Background()))

	ping := fr.nextFrame(t, models.TypePing)
	require.NotZero(t, ping.Timestamp)
	require.Eventually(t, func() bool { return tr.Latency() > 0 }, 5*time.Second, 5*time.Millisecond)
}

func TestCanaryFrames(t *testing.T) {
	fr := newFakeRelay(t)
	cfg := testConfig()
	cfg.CanaryMin = 5 * time.Millisecond
	cfg.CanaryMax = 15 * time.Millisecond
	cfg.CanaryMaxPadding = 64
	tr := newTestTransport(t, fr, cfg)
	require.NoError(t, tr.Connect(context.Background()))

	lengths := make(map[int]bool)
	for i := 0; i < 5; i++ {
		lengths[len(fr.nextFrame(t, models.TypeCanary).Message)] = true
	}
	require.NotEmpty(t, lengths)

	// Acks are consumed by the transport.
	for {
		select {
		case ev := <-tr.Events():
			if ev.Kind == EventFrame {
				require.NotEqual(t, models.TypeCanaryAck, ev.Frame.Type)
			}
		default:
			return
		}
	}
}

func TestReconnectAfterDrop(t *testing.T) {
	fr := newFakeRelay(t)
	tr := newTestTransport(t, fr, testConfig())
	require.NoError(t, tr.Connect(context.Background()))
	waitState(t, tr, Connected)

	fr.dropAll()
	waitState(t, tr, Reconnecting)
	waitState(t, tr, Connected)
	require.EqualValues(t, 2, fr.dials.Load())

	require.NoError(t, tr.Send(context.Background(), &models.Frame{Type: models.TypeTyping}))
	fr.nextFrame(t, models.TypeTyping)
}

func TestReconnectRefreshesTicket(t *testing.T) {
	fr := newFakeRelay(t)
	var n atomic.Int32
	tr := New(testConfig(), Params{
		URL:    fr.url(),
		Room:   "ABC234",
		Role:   models.RoleReceiver,
		Ticket: "first",
		TicketSource: func(ctx context.Context) (string, error) {
			n.Add(1)
			return "fresh", nil
		},
	}, zaptest.NewLogger(t))
	t.Cleanup(tr.ForceClose)

	require.NoError(t, tr.Connect(context.Background()))
	waitState(t, tr, Connected)
	fr.dropAll()
	waitState(t, tr, Reconnecting)
	waitState(t, tr, Connected)

	fr.mu.Lock()
	defer fr.mu.Unlock()
	require.Equal(t, []string{"first", "fresh"}, fr.tickets)
	require.EqualValues(t, 1, n.Load())
}

func TestPermanentTicketErrorStops(t *testing.T) {
	fr := newFakeRelay(t)
	var n atomic.Int32
	tr := New(testConfig(), Params{
		URL:    fr.url(),
		Room:   "ABC234",
		Role:   models.RoleReceiver,
		Ticket: "first",
		TicketSource: func(ctx context.Context) (string, error) {
			n.Add(1)
			return "", fmt.Errorf("%w: room gone", ErrPermanent)
		},
	}, zaptest.NewLogger(t))
	t.Cleanup(tr.ForceClose)

	require.NoError(t, tr.Connect(context.Background()))
	waitState(t, tr, Connected)
	fr.dropAll()

	ev := waitState(t, tr, Closed)
	require.ErrorIs(t, ev.Err, ErrPermanent)
	require.EqualValues(t, 1, n.Load(), "a permanent refusal is not retried")
	require.EqualValues(t, 1, fr.dials.Load())
}

func TestFinalSurvivesFullEvents(t *testing.T) {
	fr := newFakeRelay(t)
	fr.closeCode.Store(models.CloseRoomNotFound)
	cfg := testConfig()
	cfg.EventBuffer = 1
	tr := newTestTransport(t, fr, cfg)

	// Connecting fills the buffer; Connected and Closed find no room.
	require.NoError(t, tr.Connect(context.Background()))
	select {
	case <-tr.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("transport never closed")
	}

	final := tr.Final()
	require.Equal(t, EventState, final.Kind)
	require.Equal(t, Closed, final.State)
	require.Equal(t, models.CloseRoomNotFound, final.CloseCode)
}

func TestFatalCloseStops(t *testing.T) {
	fr := newFakeRelay(t)
	fr.closeCode.Store(models.CloseRoomNotFound)
	tr := newTestTransport(t, fr, testConfig())

	require.NoError(t, tr.Connect(context.Background()))
	ev := waitState(t, tr, Closed)
	require.Equal(t, models.CloseRoomNotFound, ev.CloseCode)

	<-tr.Done()
	time.Sleep(50 * time.Millisecond)
	require.EqualValues(t, 1, fr.dials.Load(), "fatal close codes never reconnect")
	require.ErrorIs(t, tr.Connect(context.Background()), ErrClosed)
}

func TestReconnectExhausted(t *testing.T) {
	fr := newFakeRelay(t)
	tr := newTestTransport(t, fr, testConfig())
	require.NoError(t, tr.Connect(context.Background()))
	waitState(t, tr, Connected)

	fr.refuseAll.Store(true)
	fr.dropAll()

	ev := waitState(t, tr, Closed)
	require.True(t, errors.Is(ev.Err, ErrReconnectExhausted), "got %v", ev.Err)
	require.EqualValues(t, 1+3, fr.dials.Load())
}

func TestCloseHandshake(t *testing.T) {
	fr := newFakeRelay(t)
	cfg := testConfig()
	cfg.PingInterval = 10 * time.Millisecond
	tr := newTestTransport(t, fr, cfg)
	require.NoError(t, tr.Connect(context.Background()))

	require.NoError(t, tr.Close())
	require.Equal(t, Closed, tr.State())
	select {
	case code := <-fr.closes:
		require.Equal(t, websocket.CloseNormalClosure, code)
	case <-time.After(5 * time.Second):
		t.Fatal("relay never saw a close frame")
	}

	require.ErrorIs(t, tr.Send(context.Background(), &models.Frame{Type: models.TypePing}), ErrClosed)
	require.Zero(t, tr.sched.Pending())
	require.NoError(t, tr.Close())
}

func TestForceCloseStopsTimers(t *testing.T) {
	fr := newFakeRelay(t)
	cfg := testConfig()
	cfg.PingInterval = 5 * time.Millisecond
	tr := newTestTransport(t, fr, cfg)
	require.NoError(t, tr.Connect(context.Background()))
	fr.nextFrame(t, models.TypePing)

	tr.ForceClose()
	require.Equal(t, Closed, tr.State())
	require.Zero(t, tr.sched.Pending())

	// Drain what was in flight, then make sure nothing else arrives.
	time.Sleep(30 * time.Millisecond)
	for len(fr.frames) > 0 {
		<-fr.frames
	}
	time.Sleep(30 * time.Millisecond)
	require.Zero(t, len(fr.frames))
	require.EqualValues(t, 1, fr.dials.Load())
}

func TestBackoff(t *testing.T) {
	tests := []struct {
		attempt int
		min     time.Duration
	}{
		{1, time.Second},
		{2, 2 * time.Second},
		{3, 4 * time.Second},
		{5, 16 * time.Second},
		{6, 30 * time.Second},
		{20, 30 * time.Second},
	}
	for _, tt := range tests {
		for i := 0; i < 20; i++ {
			d := backoff(time.Second, 30*time.Second, tt.attempt)
			require.GreaterOrEqual(t, d, tt.min, "attempt %d", tt.attempt)
			require.Less(t, d, tt.min+tt.min/2, "attempt %d", tt.attempt)
		}
	}
}

func TestFingerprint(t *testing.T) {
	fp := Fingerprint()
	require.Len(t, fp, 32)
	require.Equal(t, fp, Fingerprint())
}

func TestStateString(t *testing.T) {
	require.Equal(t, "reconnecting", Reconnecting.String())
	require.Equal(t, "unknown", State(42).String())
}
