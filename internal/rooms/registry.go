// Package rooms is the relay's in-memory directory of active rooms. All
// access goes through Registry so code uniqueness and slot occupancy are
// enforced in one place.
package rooms

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/pliu/adyx/internal/admission"
	"github.com/pliu/adyx/internal/models"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"
)

const (
	// CodeAlphabet omits characters that are easy to misread (0/O, 1/I).
	// Its length divides 256, so byte%len is unbiased.
	CodeAlphabet    = "ABCDEFGHJKLMNPQRSTUVWXYZ23456789"
	CodeLength      = 6
	MaxCodeAttempts = 16
	SaltBytes       = 16
)

// Reasons carried by room_ended frames.
const (
	ReasonEndedByPeer = "ended_by_peer"
	ReasonInactivity  = "inactivity"
	ReasonExpired     = "expired"
	ReasonShutdown    = "shutdown"
)

var (
	ErrCodeSpaceExhausted = errors.New("no unique room code available")
	ErrRoleOccupied       = errors.New("role already occupied")
	ErrRoomEnded          = errors.New("room ended")
	ErrInvalidRole        = errors.New("invalid role")
)

type Config struct {
	IdleTimeout  time.Duration
	MaxLifetime  time.Duration
	EmptyRoomTTL time.Duration
	BcryptCost   int
}

func DefaultConfig() Config {
	return Config{
		IdleTimeout:  30 * time.Minute,
		MaxLifetime:  24 * time.Hour,
		EmptyRoomTTL: 10 * time.Minute,
		BcryptCost:   bcrypt.DefaultCost,
	}
}

// Expiry is a room the sweep should end, with the close code its sockets
// receive.
type Expiry struct {
	Room      *Room
	CloseCode int
	Reason    string
}

type Registry struct {
	mu    sync.RWMutex
	rooms map[string]*Room

	cfg     Config
	log     *zap.Logger
	now     func() time.Time
	genCode func() (string, error)
}

func NewRegistry(cfg Config, log *zap.Logger) *Registry {
	if log == nil {
		log = zap.NewNop()
	}
	if cfg.BcryptCost == 0 {
		cfg.BcryptCost = bcrypt.DefaultCost
	}
	return &Registry{
		rooms:   make(map[string]*Room),
		cfg:     cfg,
		log:     log,
		now:     time.Now,
		genCode: GenerateCode,
	}
}

// GenerateCode returns a random code drawn from CodeAlphabet.
func GenerateCode() (string, error) {
	b := make([]byte, CodeLength)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	for i := range b {
		b[i] = CodeAlphabet[int(b[i])%len(CodeAlphabet)]
	}
	return string(b), nil
}

// ValidCode reports whether code has the shape of a room code.
func ValidCode(code string) bool {
	if len(code) != CodeLength {
		return false
	}
	for i := 0; i < len(code); i++ {
		if !containsByte(CodeAlphabet, code[i]) {
			return false
		}
	}
	return true
}

func containsByte(s string, c byte) bool {
	for i := 0; i < len(s); i++ {
		if s[i] == c {
			return true
		}
	}
	return false
}

// Create allocates a room with a unique code and fresh salt. A non-empty
// password is sanitized and stored only as a bcrypt hash.
func (r *Registry) Create(password string) (*Room, error) {
	password = admission.SanitizePassword(password)

	var hash []byte
	if password != "" {
		h, err := bcrypt.GenerateFromPassword([]byte(password), r.cfg.BcryptCost)
		if err != nil {
			return nil, fmt.Errorf("hash password: %w", err)
		}
		hash = h
	}

	saltBytes := make([]byte, SaltBytes)
	if _, err := rand.Read(saltBytes); err != nil {
		return nil, fmt.Errorf("generate salt: %w", err)
	}

	now := r.now()
	room := &Room{
		salt:         hex.EncodeToString(saltBytes),
		passwordHash: hash,
		createdAt:    now,
		slots:        make(map[models.Role]Socket),
		nicknames:    make(map[models.Role]string),
		fingerprints: make(map[models.Role]string),
		lastActivity: now,
		emptySince:   now,
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	for attempt := 0; attempt < MaxCodeAttempts; attempt++ {
		code, err := r.genCode()
		if err != nil {
			return nil, fmt.Errorf("generate code: %w", err)
		}
		if _, taken := r.rooms[code]; taken {
			continue
		}
		room.code = code
		r.rooms[code] = room
		r.log.Debug("room created", zap.Bool("has_password", room.HasPassword()), zap.Int("rooms", len(r.rooms)))
		return room, nil
	}
	r.log.Warn("room code space exhausted", zap.Int("attempts", MaxCodeAttempts), zap.Int("rooms", len(r.rooms)))
	return nil, ErrCodeSpaceExhausted
}

func (r *Registry) Lookup(code string) (*Room, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	room, ok := r.rooms[code]
	return room, ok
}

// Bind attaches sock to the role slot. An occupied slot is never replaced.
func (r *Registry) Bind(room *Room, role models.Role, sock Socket, nickname, fingerprint string) error {
	if !role.Valid() {
		return ErrInvalidRole
	}
	room.mu.Lock()
	defer room.mu.Unlock()

	if room.ended {
		return ErrRoomEnded
	}
	if room.slots[role] != nil {
		return ErrRoleOccupied
	}
	room.slots[role] = sock
	room.nicknames[role] = nickname
	room.fingerprints[role] = fingerprint
	room.lastActivity = r.now()
	room.emptySince = time.Time{}
	return nil
}

// Release frees the role slot if sock still holds it and returns the peer
// socket, if one remains.
func (r *Registry) Release(room *Room, role models.Role, sock Socket) Socket {
	room.mu.Lock()
	defer room.mu.Unlock()

	if room.slots[role] == sock {
		delete(room.slots, role)
		delete(room.nicknames, role)
		delete(room.fingerprints, role)
	}
	if len(room.slots) == 0 {
		room.emptySince = r.now()
	}
	return room.slots[role.Other()]
}

func (r *Registry) Touch(room *Room) {
	room.mu.Lock()
	room.lastActivity = r.now()
	room.mu.Unlock()
}

// Delete removes the room. Live sockets first receive a room_ended frame
// and are then closed with closeCode. It returns false if the room was
// already gone, including when its code now belongs to a newer room.
func (r *Registry) Delete(room *Room, closeCode int, reason string) bool {
	r.mu.Lock()
	ok := r.rooms[room.code] == room
	if ok {
		delete(r.rooms, room.code)
	}
	remaining := len(r.rooms)
	r.mu.Unlock()
	if !ok {
		return false
	}

	room.mu.Lock()
	room.ended = true
	sockets := make([]Socket, 0, len(room.slots))
	for role, s := range room.slots {
		sockets = append(sockets, s)
		delete(room.slots, role)
	}
	room.mu.Unlock()

	if len(sockets) > 0 {
		msg, err := (&models.Frame{Type: models.TypeRoomEnded, Reason: reason}).Marshal()
		if err != nil {
			r.log.Error("marshal room_ended", zap.Error(err))
		}
		for _, s := range sockets {
			if msg != nil {
				s.Send(msg)
			}
			s.Close(closeCode, models.CloseReason(closeCode))
		}
	}

	r.log.Debug("room deleted", zap.String("reason", reason), zap.Int("sockets", len(sockets)), zap.Int("rooms", remaining))
	return true
}

// Expired lists rooms the sweep should end at now: past the hard lifetime,
// idle too long, or empty beyond the grace period.
func (r *Registry) Expired(now time.Time) []Expiry {
	r.mu.RLock()
	rooms := make([]*Room, 0, len(r.rooms))
	for _, room := range r.rooms {
		rooms = append(rooms, room)
	}
	r.mu.RUnlock()

	var out []Expiry
	for _, room := range rooms {
		room.mu.Lock()
		switch {
		case room.ended:
		case r.cfg.MaxLifetime > 0 && now.Sub(room.createdAt) >= r.cfg.MaxLifetime:
			out = append(out, Expiry{Room: room, CloseCode: models.CloseRoomExpired, Reason: ReasonExpired})
		case len(room.slots) == 0 && r.cfg.EmptyRoomTTL > 0 && now.Sub(room.emptySince) >= r.cfg.EmptyRoomTTL:
			out = append(out, Expiry{Room: room, CloseCode: models.CloseRoomExpired, Reason: ReasonExpired})
		case r.cfg.IdleTimeout > 0 && now.Sub(room.lastActivity) >= r.cfg.IdleTimeout:
			out = append(out, Expiry{Room: room, CloseCode: models.CloseInactivity, Reason: ReasonInactivity})
		}
		room.mu.Unlock()
	}
	return out
}

// CloseAll ends every room, used on shutdown.
func (r *Registry) CloseAll(closeCode int, reason string) int {
	r.mu.RLock()
	rooms := make([]*Room, 0, len(r.rooms))
	for _, room := range r.rooms {
		rooms = append(rooms, room)
	}
	r.mu.RUnlock()

	n := 0
	for _, room := range rooms {
		if r.Delete(room, closeCode, reason) {
			n++
		}
	}
	return n
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.rooms)
}
