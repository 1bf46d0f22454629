package rooms

import (
	"sync"
	"time"

	"github.com/pliu/adyx/internal/models"
	"golang.org/x/crypto/bcrypt"
)

// Socket is the relay side of one live connection. The registry only needs
// to deliver a final frame and close it.
type Socket interface {
	Send(msg []byte) bool
	Close(code int, reason string)
}

// Room is one two-party channel. Its mutable state is guarded by its own
// lock so traffic in one room never contends with another.
type Room struct {
	code         string
	salt         string
	passwordHash []byte
	createdAt    time.Time

	mu           sync.Mutex
	slots        map[models.Role]Socket
	nicknames    map[models.Role]string
	fingerprints map[models.Role]string
	lastActivity time.Time
	emptySince   time.Time
	messageCount int
	disappear    int
	ended        bool
}

func (r *Room) Code() string {
	return r.code
}

func (r *Room) Salt() string {
	return r.salt
}

func (r *Room) HasPassword() bool {
	return len(r.passwordHash) > 0
}

// CheckPassword compares password against the stored hash. Rooms without a
// password accept anything.
func (r *Room) CheckPassword(password string) bool {
	if !r.HasPassword() {
		return true
	}
	return bcrypt.CompareHashAndPassword(r.passwordHash, []byte(password)) == nil
}

// Peer returns the socket bound to the role opposite to role, if any.
func (r *Room) Peer(role models.Role) Socket {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.slots[role.Other()]
}

func (r *Room) Nickname(role models.Role) string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.nicknames[role]
}

func (r *Room) Fingerprint(role models.Role) string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.fingerprints[role]
}

func (r *Room) Occupants() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.slots)
}

// RecordMessage counts a relayed payload and refreshes the activity clock.
func (r *Room) RecordMessage(now time.Time) {
	r.mu.Lock()
	r.messageCount++
	r.lastActivity = now
	r.mu.Unlock()
}

func (r *Room) MessageCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.messageCount
}

func (r *Room) Disappear() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.disappear
}

func (r *Room) SetDisappear(seconds int) {
	r.mu.Lock()
	r.disappear = seconds
	r.mu.Unlock()
}

func (r *Room) Ended() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.ended
}
