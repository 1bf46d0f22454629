package models

import (
	"encoding/json"
	"time"
)

type Role string

const (
	RoleAdmin    Role = "admin"
	RoleReceiver Role = "receiver"
)

func (r Role) Valid() bool {
	return r == RoleAdmin || r == RoleReceiver
}

// Other returns the opposite slot of a two-party room.
func (r Role) Other() Role {
	if r == RoleAdmin {
		return RoleReceiver
	}
	return RoleAdmin
}

type FrameType string

const (
	// Encrypted payloads, relayed without inspection.
	TypeText  FrameType = "text"
	TypeImage FrameType = "image"
	TypeFile  FrameType = "file"

	// Client events validated by the relay.
	TypeTyping        FrameType = "typing"
	TypeReaction      FrameType = "reaction"
	TypeSecurityAlert FrameType = "security_alert"
	TypeDisappear     FrameType = "disappear"
	TypeRoomEnd       FrameType = "room_end"
	TypePing          FrameType = "ping"
	TypeCanary        FrameType = "canary"

	// Relay events.
	TypeJoined     FrameType = "joined"
	TypePeerJoined FrameType = "peer_joined"
	TypePeerLeft   FrameType = "peer_left"
	TypeDelivered  FrameType = "delivered"
	TypeReceipt    FrameType = "receipt"
	TypeRoomEnded  FrameType = "room_ended"
	TypePong       FrameType = "pong"
	TypeCanaryAck  FrameType = "canary_ack"
	TypeSlowDown   FrameType = "slow_down"
	TypeError      FrameType = "error"
)

// IsPayload reports whether frames of this type carry an encrypted envelope.
func (t FrameType) IsPayload() bool {
	return t == TypeText || t == TypeImage || t == TypeFile
}

// Frame is the single JSON object exchanged over the socket. The envelope
// fields (ciphertext, iv, signature, nonce) are opaque base64 strings and
// are never decoded by the relay.
type Frame struct {
	Type FrameType `json:"type"`

	Ciphertext string `json:"ciphertext,omitempty"`
	IV         string `json:"iv,omitempty"`
	Signature  string `json:"signature,omitempty"`
	Nonce      string `json:"nonce,omitempty"`
	ID         string `json:"id,omitempty"`
	FileName   string `json:"fileName,omitempty"`
	FileType   string `json:"fileType,omitempty"`
	FileSize   int64  `json:"fileSize,omitempty"`
	Timestamp  int64  `json:"timestamp,omitempty"`
	From       Role   `json:"from,omitempty"`

	Role        Role   `json:"role,omitempty"`
	Nickname    string `json:"nickname,omitempty"`
	PeerPresent bool   `json:"peerPresent,omitempty"`
	IsTyping    *bool  `json:"isTyping,omitempty"`
	Emoji       string `json:"emoji,omitempty"`
	MessageID   string `json:"messageId,omitempty"`
	AlertType   string `json:"alertType,omitempty"`
	Seconds     *int   `json:"seconds,omitempty"`
	Reason      string `json:"reason,omitempty"`
	Message     string `json:"message,omitempty"`
}

func (f *Frame) Marshal() ([]byte, error) {
	return json.Marshal(f)
}

func ParseFrame(data []byte) (*Frame, error) {
	var f Frame
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, err
	}
	return &f, nil
}

// NowMillis is the timestamp unit used on the wire.
func NowMillis() int64 {
	return time.Now().UnixMilli()
}

type LockoutRecord struct {
	Failures    int       `json:"failures"`
	LockedUntil time.Time `json:"locked_until"`
	LastFailure time.Time `json:"last_failure"`
}

func (l *LockoutRecord) Locked(now time.Time) bool {
	return l != nil && now.Before(l.LockedUntil)
}

// Admission request/response bodies.

type CreateRoomRequest struct {
	Password string `json:"password,omitempty"`
}

type CreateRoomResponse struct {
	RoomCode    string `json:"roomCode"`
	Salt        string `json:"salt"`
	HasPassword bool   `json:"hasPassword"`
	Ticket      string `json:"ticket"`
}

type JoinRoomRequest struct {
	RoomCode string `json:"roomCode"`
	Password string `json:"password,omitempty"`
}

type JoinRoomResponse struct {
	RoomCode string `json:"roomCode"`
	Salt     string `json:"salt"`
	Ticket   string `json:"ticket"`
}

type ErrorResponse struct {
	Error string `json:"error"`
}
