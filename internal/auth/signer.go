package auth

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

var (
	ErrInvalidTicket = errors.New("invalid ticket")
	ErrTicketExpired = errors.New("ticket expired")
)

// Signer issues and verifies HMAC-signed values. The key should come from
// configuration; NewRandomSigner is fine for a single relay process whose
// tickets need not survive a restart.
type Signer struct {
	key []byte
}

func NewSigner(key []byte) (*Signer, error) {
	if len(key) < 32 {
		return nil, fmt.Errorf("signer key too short: need 32 bytes, got %d", len(key))
	}
	k := make([]byte, len(key))
	copy(k, key)
	return &Signer{key: k}, nil
}

func NewRandomSigner() (*Signer, error) {
	key := make([]byte, 32)
	if _, err := rand.Read(key); err != nil {
		return nil, err
	}
	return &Signer{key: key}, nil
}

// Sign creates a signed value in the format "value|signature".
func (s *Signer) Sign(value string) string {
	return fmt.Sprintf("%s|%s", base64.URLEncoding.EncodeToString([]byte(value)), base64.URLEncoding.EncodeToString(s.mac(value)))
}

// Verify checks a value produced by Sign and returns the original value.
func (s *Signer) Verify(signedValue string) (string, error) {
	parts := strings.Split(signedValue, "|")
	if len(parts) != 2 {
		return "", errors.New("invalid signed value format")
	}

	valueBytes, err := base64.URLEncoding.DecodeString(parts[0])
	if err != nil {
		return "", errors.New("invalid value encoding")
	}
	value := string(valueBytes)

	signature, err := base64.URLEncoding.DecodeString(parts[1])
	if err != nil {
		return "", errors.New("invalid signature encoding")
	}

	if !hmac.Equal(signature, s.mac(value)) {
		return "", errors.New("invalid signature")
	}

	return value, nil
}

// IssueTicket binds a room code to an expiry. The relay demands a ticket on
// socket upgrade for password-protected rooms, so the password check done
// by the join endpoint cannot be skipped by dialing the socket directly.
func (s *Signer) IssueTicket(roomCode string, ttl time.Duration) string {
	expires := time.Now().Add(ttl).Unix()
	return s.Sign(roomCode + ":" + strconv.FormatInt(expires, 10))
}

func (s *Signer) VerifyTicket(ticket, roomCode string, now time.Time) error {
	value, err := s.Verify(ticket)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidTicket, err)
	}
	code, expStr, ok := strings.Cut(value, ":")
	if !ok || code != roomCode {
		return ErrInvalidTicket
	}
	exp, err := strconv.ParseInt(expStr, 10, 64)
	if err != nil {
		return ErrInvalidTicket
	}
	if now.Unix() > exp {
		return ErrTicketExpired
	}
	return nil
}

// HashAddress maps a source address to an opaque stable key so admission
// state can be kept without storing raw addresses.
func (s *Signer) HashAddress(addr string) string {
	return base64.RawURLEncoding.EncodeToString(s.mac("addr:" + addr)[:18])
}

func (s *Signer) mac(value string) []byte {
	mac := hmac.New(sha256.New, s.key)
	mac.Write([]byte(value))
	return mac.Sum(nil)
}
