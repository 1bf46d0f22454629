// Package session is the client's view of one room: it obtains admission
// from the relay, derives the room keys and turns relay frames into
// decrypted events.
package session

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/pliu/adyx/internal/crypto"
	"github.com/pliu/adyx/internal/models"
	"github.com/pliu/adyx/internal/transport"
	"go.uber.org/zap"
)

type Config struct {
	// Relay is the relay's base URL, e.g. https://relay.example.
	Relay     string
	Nickname  string
	Password  string
	Origin    string
	Transport transport.Config
	// EventBuffer sizes the Events channel.
	EventBuffer int
}

type EventKind int

const (
	MessageReceived EventKind = iota
	MessageDelivered
	MessageReceipt
	Joined
	PeerJoined
	PeerLeft
	PeerTyping
	ReactionReceived
	AlertReceived
	DisappearChanged
	RoomEnded
	SlowDown
	RelayError
	StateChanged
	// Notice reports a frame that could not be opened. The session keeps
	// running.
	Notice
)

// Message is a decrypted payload.
type Message struct {
	ID        string
	From      models.Role
	Type      models.FrameType
	Data      []byte
	FileName  string
	FileType  string
	Timestamp int64
}

type Event struct {
	Kind      EventKind
	Message   *Message
	Frame     *models.Frame
	State     transport.State
	CloseCode int
	Err       error
}

type Session struct {
	code     string
	role     models.Role
	password string

	api    *Client
	cipher *crypto.MessageCipher
	keys   *crypto.Keys
	tr     *transport.Transport
	log    *zap.Logger
	events chan Event
	// closed is only touched by Run.
	closed bool
}

// Create opens a new room and connects as its admin.
func Create(ctx context.Context, cfg Config, log *zap.Logger) (*Session, error) {
	api := NewClient(cfg.Relay)
	resp, err := api.CreateRoom(ctx, cfg.Password)
	if err != nil {
		return nil, fmt.Errorf("create room: %w", err)
	}
	return open(ctx, cfg, api, models.RoleAdmin, resp.RoomCode, resp.Salt, resp.Ticket, log)
}

// Join enters an existing room as the receiver.
func Join(ctx context.Context, cfg Config, code string, log *zap.Logger) (*Session, error) {
	api := NewClient(cfg.Relay)
	resp, err := api.JoinRoom(ctx, strings.ToUpper(strings.TrimSpace(code)), cfg.Password)
	if err != nil {
		return nil, fmt.Errorf("join room: %w", err)
	}
	return open(ctx, cfg, api, models.RoleReceiver, resp.RoomCode, resp.Salt, resp.Ticket, log)
}

func open(ctx context.Context, cfg Config, api *Client, role models.Role, code, salt, ticket string, log *zap.Logger) (*Session, error) {
	if log == nil {
		log = zap.NewNop()
	}
	if cfg.EventBuffer <= 0 {
		cfg.EventBuffer = 64
	}
	s := &Session{
		code:     code,
		role:     role,
		password: cfg.Password,
		api:      api,
		cipher:   crypto.NewMessageCipher(nil),
		log:      log.With(zap.String("role", string(role))),
		events:   make(chan Event, cfg.EventBuffer),
	}

	keys, err := s.cipher.Keys(ctx, Secret(code, cfg.Password), salt)
	if err != nil {
		s.cipher.Wipe()
		return nil, err
	}
	s.keys = keys

	socketURL, err := api.SocketURL()
	if err != nil {
		s.cipher.Wipe()
		return nil, err
	}
	s.tr = transport.New(cfg.Transport, transport.Params{
		URL:          socketURL,
		Room:         code,
		Role:         role,
		Nickname:     cfg.Nickname,
		Ticket:       ticket,
		Origin:       cfg.Origin,
		TicketSource: s.refreshTicket,
	}, log)

	if err := s.tr.Connect(ctx); err != nil {
		s.tr.ForceClose()
		s.cipher.Wipe()
		return nil, err
	}
	return s, nil
}

// Secret is the shared secret both parties derive keys from: the room code,
// joined with the password when the room has one.
func Secret(code, password string) string {
	if password == "" {
		return code
	}
	return code + ":" + password
}

// refreshTicket fetches a ticket for a reconnect. Answers that will not
// change on retry end the transport; retrying them would only count as
// failed joins against our own address.
func (s *Session) refreshTicket(ctx context.Context) (string, error) {
	resp, err := s.api.JoinRoom(ctx, s.code, s.password)
	switch {
	case errors.Is(err, ErrRoomNotFound), errors.Is(err, ErrPasswordRequired), errors.Is(err, ErrIncorrectPassword):
		return "", fmt.Errorf("%w: %w", transport.ErrPermanent, err)
	case err != nil:
		return "", err
	}
	return resp.Ticket, nil
}

func (s *Session) Code() string {
	return s.code
}

func (s *Session) Role() models.Role {
	return s.role
}

func (s *Session) Transport() *transport.Transport {
	return s.tr
}

func (s *Session) Events() <-chan Event {
	return s.events
}

// Run pumps transport events into Events until ctx is done or the
// transport closes for good.
func (s *Session) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev := <-s.tr.Events():
			if err := s.handle(ctx, ev); err != nil {
				return err
			}
		case <-s.tr.Done():
			for {
				select {
				case ev := <-s.tr.Events():
					if err := s.handle(ctx, ev); err != nil {
						return err
					}
				default:
					if !s.closed {
						return s.handle(ctx, s.tr.Final())
					}
					return nil
				}
			}
		}
	}
}

func (s *Session) handle(ctx context.Context, ev transport.Event) error {
	if ev.Kind == transport.EventState {
		if ev.State == transport.Closed {
			s.closed = true
		}
		return s.emit(ctx, Event{Kind: StateChanged, State: ev.State, CloseCode: ev.CloseCode, Err: ev.Err})
	}

	f := ev.Frame
	if f.Type.IsPayload() {
		msg, err := s.decrypt(f)
		if err != nil {
			s.log.Warn("discarding frame", zap.String("type", string(f.Type)), zap.Error(err))
			return s.emit(ctx, Event{Kind: Notice, Frame: f, Err: err})
		}
		return s.emit(ctx, Event{Kind: MessageReceived, Message: msg, Frame: f})
	}

	kind, ok := frameKinds[f.Type]
	if !ok {
		s.log.Debug("ignoring frame", zap.String("type", string(f.Type)))
		return nil
	}
	return s.emit(ctx, Event{Kind: kind, Frame: f})
}

var frameKinds = map[models.FrameType]EventKind{
	models.TypeDelivered:     MessageDelivered,
	models.TypeReceipt:       MessageReceipt,
	models.TypeJoined:        Joined,
	models.TypePeerJoined:    PeerJoined,
	models.TypePeerLeft:      PeerLeft,
	models.TypeTyping:        PeerTyping,
	models.TypeReaction:      ReactionReceived,
	models.TypeSecurityAlert: AlertReceived,
	models.TypeDisappear:     DisappearChanged,
	models.TypeRoomEnded:     RoomEnded,
	models.TypeSlowDown:      SlowDown,
	models.TypeError:         RelayError,
}

func (s *Session) decrypt(f *models.Frame) (*Message, error) {
	data, err := s.cipher.Decrypt(s.keys, crypto.Sealed{
		Ciphertext: f.Ciphertext,
		IV:         f.IV,
		Signature:  f.Signature,
		Nonce:      f.Nonce,
	})
	if err != nil {
		return nil, err
	}
	return &Message{
		ID:        f.ID,
		From:      f.From,
		Type:      f.Type,
		Data:      data,
		FileName:  f.FileName,
		FileType:  f.FileType,
		Timestamp: f.Timestamp,
	}, nil
}

func (s *Session) emit(ctx context.Context, ev Event) error {
	select {
	case s.events <- ev:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// SendText encrypts text and sends it, returning the message id the
// delivery acknowledgement will carry.
func (s *Session) SendText(ctx context.Context, text string) (string, error) {
	return s.seal(ctx, models.TypeText, []byte(text), "", "")
}

// SendFile encrypts a file. Images travel as image frames so the peer can
// render them inline.
func (s *Session) SendFile(ctx context.Context, name, mimeType string, data []byte) (string, error) {
	t := models.TypeFile
	if strings.HasPrefix(mimeType, "image/") {
		t = models.TypeImage
	}
	return s.seal(ctx, t, data, name, mimeType)
}

func (s *Session) seal(ctx context.Context, t models.FrameType, data []byte, name, mimeType string) (string, error) {
	sealed, err := s.cipher.Encrypt(s.keys, data)
	if err != nil {
		return "", err
	}
	id := uuid.NewString()
	f := &models.Frame{
		Type:       t,
		Ciphertext: sealed.Ciphertext,
		IV:         sealed.IV,
		Signature:  sealed.Signature,
		Nonce:      sealed.Nonce,
		ID:         id,
		Timestamp:  models.NowMillis(),
	}
	if t != models.TypeText {
		f.FileName = name
		f.FileType = mimeType
		f.FileSize = int64(len(data))
	}
	if err := s.tr.Send(ctx, f); err != nil {
		return "", err
	}
	return id, nil
}

func (s *Session) SetTyping(ctx context.Context, typing bool) error {
	return s.tr.Send(ctx, &models.Frame{Type: models.TypeTyping, IsTyping: &typing})
}

func (s *Session) React(ctx context.Context, messageID, emoji string) error {
	return s.tr.Send(ctx, &models.Frame{Type: models.TypeReaction, MessageID: messageID, Emoji: emoji})
}

func (s *Session) Alert(ctx context.Context, alertType string) error {
	return s.tr.Send(ctx, &models.Frame{Type: models.TypeSecurityAlert, AlertType: alertType})
}

// SetDisappear asks the relay to apply a disappearing-message timer. Only
// the admin may do so.
func (s *Session) SetDisappear(ctx context.Context, seconds int) error {
	return s.tr.Send(ctx, &models.Frame{Type: models.TypeDisappear, Seconds: &seconds})
}

// End terminates the room for both parties.
func (s *Session) End(ctx context.Context) error {
	return s.tr.Send(ctx, &models.Frame{Type: models.TypeRoomEnd})
}

// Close disconnects and wipes all key material. It is safe to call more
// than once.
func (s *Session) Close() error {
	err := s.tr.Close()
	s.cipher.Wipe()
	return err
}
