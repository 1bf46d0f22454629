package session

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/pliu/adyx/internal/admission"
	"github.com/pliu/adyx/internal/auth"
	"github.com/pliu/adyx/internal/crypto"
	"github.com/pliu/adyx/internal/handlers"
	"github.com/pliu/adyx/internal/middleware"
	"github.com/pliu/adyx/internal/models"
	"github.com/pliu/adyx/internal/rooms"
	"github.com/pliu/adyx/internal/transport"
	"github.com/pliu/adyx/internal/ws"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
	"golang.org/x/crypto/bcrypt"
)

// relayStack is a complete relay behind one handler, so a test can swap
// it out to simulate a restart.
type relayStack struct {
	handler  http.Handler
	registry *rooms.Registry
	guard    *admission.Guard
}

func newRelayStack(t *testing.T) *relayStack {
	t.Helper()
	log := zaptest.NewLogger(t)

	rcfg := rooms.DefaultConfig()
	rcfg.BcryptCost = bcrypt.MinCost
	registry := rooms.NewRegistry(rcfg, log)

	acfg := admission.DefaultConfig()
	acfg.MinDelay = time.Millisecond
	acfg.MaxDelay = 2 * time.Millisecond

	signer, err := auth.NewRandomSigner()
	require.NoError(t, err)
	guard := admission.NewGuard(acfg, signer, nil, log)

	rh := &handlers.RoomHandler{
		Registry:  registry,
		Guard:     guard,
		Tickets:   signer,
		TicketTTL: time.Minute,
		Log:       log,
	}
	relay := ws.NewRelay(ws.DefaultConfig(), registry, guard, signer, nil, log)

	r := mux.NewRouter()
	r.Use(middleware.SourceAddress(false))
	r.HandleFunc("/api/rooms", rh.CreateRoom).Methods(http.MethodPost)
	r.HandleFunc("/api/rooms/join", rh.JoinRoom).Methods(http.MethodPost)
	r.HandleFunc("/ws", relay.ServeWs)

	return &relayStack{handler: r, registry: registry, guard: guard}
}

func newRelayServer(t *testing.T) *httptest.Server {
	t.Helper()
	server := httptest.NewServer(newRelayStack(t).handler)
	t.Cleanup(server.Close)
	return server
}

func fastTransport() transport.Config {
	cfg := transport.DefaultConfig()
	cfg.PingInterval = 0
	cfg.CanaryMin = 0
	cfg.CanaryMax = 0
	cfg.BaseDelay = 10 * time.Millisecond
	cfg.MaxDelay = 40 * time.Millisecond
	cfg.MaxAttempts = 3
	return cfg
}

func start(t *testing.T, s *Session) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		s.Run(ctx)
	}()
	t.Cleanup(func() {
		s.Close()
		cancel()
		<-done
	})
}

func waitFor(t *testing.T, s *Session, kind EventKind) Event {
	t.Helper()
	timeout := time.After(5 * time.Second)
	for {
		select {
		case ev := <-s.Events():
			if ev.Kind == kind {
				return ev
			}
		case <-timeout:
			t.Fatalf("no event of kind %d", kind)
		}
	}
}

func TestSecret(t *testing.T) {
	tests := []struct {
		code, password, want string
	}{
		{"ABC234", "", "ABC234"},
		{"ABC234", "hunter2", "ABC234:hunter2"},
		{"ABC234", "with space", "ABC234:with space"},
	}
	for _, tt := range tests {
		if got := Secret(tt.code, tt.password); got != tt.want {
			t.Errorf("Secret(%q, %q) = %q, want %q", tt.code, tt.password, got, tt.want)
		}
	}
}

func TestSocketURL(t *testing.T) {
	tests := []struct {
		base    string
		want    string
		wantErr bool
	}{
		{"http://localhost:8080", "ws://localhost:8080/ws", false},
		{"https://relay.example/", "wss://relay.example/ws", false},
		{"https://relay.example/chat", "wss://relay.example/chat/ws", false},
		{"ftp://relay.example", "", true},
	}
	for _, tt := range tests {
		got, err := NewClient(tt.base).SocketURL()
		if tt.wantErr {
			require.Error(t, err, tt.base)
			continue
		}
		require.NoError(t, err, tt.base)
		require.Equal(t, tt.want, got)
	}
}

func TestClientErrors(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		switch r.URL.Path {
		case "/api/rooms":
			w.Header().Set("Retry-After", "30")
			w.WriteHeader(http.StatusTooManyRequests)
			json.NewEncoder(w).Encode(models.ErrorResponse{Error: models.ErrCodeTryLater})
		default:
			w.WriteHeader(http.StatusNotFound)
			json.NewEncoder(w).Encode(models.ErrorResponse{Error: models.ErrCodeRoomNotFound})
		}
	}))
	defer server.Close()

	c := NewClient(server.URL)

	_, err := c.CreateRoom(context.Background(), "")
	require.ErrorIs(t, err, ErrTryLater)
	var apiErr *APIError
	require.True(t, errors.As(err, &apiErr))
	require.Equal(t, http.StatusTooManyRequests, apiErr.Status)
	require.Equal(t, 30*time.Second, apiErr.RetryAfter)

	_, err = c.JoinRoom(context.Background(), "ABC234", "")
	require.ErrorIs(t, err, ErrRoomNotFound)
}

func TestClientDecodesResponses(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		switch r.URL.Path {
		case "/api/rooms":
			var req models.CreateRoomRequest
			json.NewDecoder(r.Body).Decode(&req)
			w.WriteHeader(http.StatusCreated)
			json.NewEncoder(w).Encode(models.CreateRoomResponse{
				RoomCode:    "ABC234",
				Salt:        "00ff",
				HasPassword: req.Password != "",
				Ticket:      "t1",
			})
		case "/api/rooms/join":
			var req models.JoinRoomRequest
			json.NewDecoder(r.Body).Decode(&req)
			json.NewEncoder(w).Encode(models.JoinRoomResponse{RoomCode: req.RoomCode, Salt: "00ff", Ticket: "t2"})
		}
	}))
	defer server.Close()

	c := NewClient(server.URL)

	created, err := c.CreateRoom(context.Background(), "pw")
	require.NoError(t, err)
	require.Equal(t, "ABC234", created.RoomCode)
	require.True(t, created.HasPassword)
	require.Equal(t, "t1", created.Ticket)

	joined, err := c.JoinRoom(context.Background(), "XYZ789", "")
	require.NoError(t, err)
	require.Equal(t, "XYZ789", joined.RoomCode)
	require.Equal(t, "t2", joined.Ticket)
}

func TestRefreshTicketPermanentErrors(t *testing.T) {
	tests := []struct {
		status    int
		code      string
		permanent bool
	}{
		{http.StatusNotFound, models.ErrCodeRoomNotFound, true},
		{http.StatusUnauthorized, models.ErrCodePasswordRequired, true},
		{http.StatusForbidden, models.ErrCodeIncorrectPassword, true},
		{http.StatusTooManyRequests, models.ErrCodeTryLater, false},
		{http.StatusInternalServerError, models.ErrCodeInternal, false},
	}
	for _, tt := range tests {
		t.Run(tt.code, func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				json.NewEncoder(w).Encode(models.ErrorResponse{Error: tt.code})
			}))
			defer server.Close()

			s := &Session{code: "ABC234", api: NewClient(server.URL)}
			_, err := s.refreshTicket(context.Background())
			require.Error(t, err)
			require.Equal(t, tt.permanent, errors.Is(err, transport.ErrPermanent))
		})
	}
}

func TestRelayRestartEndsSessionWithoutLockout(t *testing.T) {
	if testing.Short() {
		t.Skip("slow key derivation")
	}
	var current atomic.Pointer[relayStack]
	current.Store(newRelayStack(t))
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		current.Load().handler.ServeHTTP(w, r)
	}))
	t.Cleanup(server.Close)

	admin, err := Create(context.Background(), Config{Relay: server.URL, Transport: fastTransport()}, zaptest.NewLogger(t))
	require.NoError(t, err)
	start(t, admin)
	waitFor(t, admin, Joined)

	// The old relay shuts down and a fresh one, with no rooms, takes over.
	old := current.Load()
	fresh := newRelayStack(t)
	current.Store(fresh)
	old.registry.CloseAll(websocket.CloseGoingAway, rooms.ReasonShutdown)

	select {
	case <-admin.Transport().Done():
	case <-time.After(5 * time.Second):
		t.Fatal("transport kept retrying a room that is gone")
	}
	require.ErrorIs(t, admin.Transport().Final().Err, transport.ErrPermanent)
	require.ErrorIs(t, admin.Transport().Final().Err, ErrRoomNotFound)
	require.NoError(t, fresh.guard.CheckLockout("127.0.0.1"))
}

func TestEndToEnd(t *testing.T) {
	if testing.Short() {
		t.Skip("slow key derivation")
	}
	server := newRelayServer(t)
	ctx := context.Background()

	admin, err := Create(ctx, Config{Relay: server.URL, Nickname: "alice"}, zaptest.NewLogger(t))
	require.NoError(t, err)
	start(t, admin)
	waitFor(t, admin, Joined)

	receiver, err := Join(ctx, Config{Relay: server.URL, Nickname: "bob"}, admin.Code(), zaptest.NewLogger(t))
	require.NoError(t, err)
	start(t, receiver)
	waitFor(t, receiver, Joined)
	waitFor(t, admin, PeerJoined)

	id, err := admin.SendText(ctx, "hello")
	require.NoError(t, err)

	got := waitFor(t, receiver, MessageReceived)
	require.Equal(t, "hello", string(got.Message.Data))
	require.Equal(t, id, got.Message.ID)
	require.Equal(t, models.RoleAdmin, got.Message.From)

	ack := waitFor(t, admin, MessageDelivered)
	require.Equal(t, id, ack.Frame.MessageID)

	_, err = receiver.SendFile(ctx, "cat.png", "image/png", []byte{0x89, 'P', 'N', 'G'})
	require.NoError(t, err)
	file := waitFor(t, admin, MessageReceived)
	require.Equal(t, models.TypeImage, file.Message.Type)
	require.Equal(t, "cat.png", file.Message.FileName)
	require.Equal(t, []byte{0x89, 'P', 'N', 'G'}, file.Message.Data)
}

func TestForgedFrameIsNotice(t *testing.T) {
	if testing.Short() {
		t.Skip("slow key derivation")
	}
	server := newRelayServer(t)
	ctx := context.Background()

	admin, err := Create(ctx, Config{Relay: server.URL}, zaptest.NewLogger(t))
	require.NoError(t, err)
	start(t, admin)

	receiver, err := Join(ctx, Config{Relay: server.URL}, admin.Code(), zaptest.NewLogger(t))
	require.NoError(t, err)
	start(t, receiver)
	waitFor(t, admin, PeerJoined)

	forged := &models.Frame{
		Type:       models.TypeText,
		Ciphertext: "AAAA",
		IV:         "AAAA",
		Signature:  "AAAA",
		Nonce:      "AAAA",
		ID:         "forged",
	}
	require.NoError(t, admin.Transport().Send(ctx, forged))

	ev := waitFor(t, receiver, Notice)
	require.True(t, crypto.IsMessageError(ev.Err))

	// The session survives and still opens genuine messages.
	_, err = admin.SendText(ctx, "still here")
	require.NoError(t, err)
	got := waitFor(t, receiver, MessageReceived)
	require.Equal(t, "still here", string(got.Message.Data))
}

func TestPasswordRoom(t *testing.T) {
	if testing.Short() {
		t.Skip("slow key derivation")
	}
	server := newRelayServer(t)
	ctx := context.Background()

	admin, err := Create(ctx, Config{Relay: server.URL, Password: "p@ss word"}, zaptest.NewLogger(t))
	require.NoError(t, err)
	start(t, admin)

	_, err = Join(ctx, Config{Relay: server.URL}, admin.Code(), nil)
	require.ErrorIs(t, err, ErrPasswordRequired)

	_, err = Join(ctx, Config{Relay: server.URL, Password: "wrong"}, admin.Code(), nil)
	require.ErrorIs(t, err, ErrIncorrectPassword)

	receiver, err := Join(ctx, Config{Relay: server.URL, Password: "p@ss word"}, admin.Code(), nil)
	require.NoError(t, err)
	start(t, receiver)
	waitFor(t, admin, PeerJoined)

	_, err = receiver.SendText(ctx, "secret")
	require.NoError(t, err)
	got := waitFor(t, admin, MessageReceived)
	require.Equal(t, "secret", string(got.Message.Data))
}

func TestEndClosesBothSides(t *testing.T) {
	if testing.Short() {
		t.Skip("slow key derivation")
	}
	server := newRelayServer(t)
	ctx := context.Background()

	admin, err := Create(ctx, Config{Relay: server.URL}, nil)
	require.NoError(t, err)
	start(t, admin)

	receiver, err := Join(ctx, Config{Relay: server.URL}, admin.Code(), nil)
	require.NoError(t, err)
	start(t, receiver)
	waitFor(t, admin, PeerJoined)

	require.NoError(t, receiver.End(ctx))

	ended := waitFor(t, admin, RoomEnded)
	require.Equal(t, rooms.ReasonEndedByPeer, ended.Frame.Reason)

	select {
	case <-admin.Transport().Done():
	case <-time.After(5 * time.Second):
		t.Fatal("transport still open after room_ended")
	}
}
