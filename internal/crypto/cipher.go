package crypto

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"sync"
	"time"
)

const (
	IVSize    = 12
	NonceSize = 16

	// MaxMessageAge is how old an inner timestamp may be before the message
	// is rejected as stale.
	MaxMessageAge = 5 * time.Minute
	// MaxClockSkew bounds how far in the future a sender's clock may be.
	MaxClockSkew = 30 * time.Second

	messageKeyInfo = "adyx/v1 message key"
)

// Sealed is the cryptographic part of an envelope. All fields are standard
// base64.
type Sealed struct {
	Ciphertext string
	IV         string
	Signature  string
	Nonce      string
}

// inner is what actually gets encrypted, so freshness and replay data
// survive even if the envelope metadata is stripped.
type inner struct {
	Data      []byte `json:"d"`
	Nonce     string `json:"n"`
	Timestamp int64  `json:"t"`
	Counter   uint64 `json:"c"`
}

// MessageCipher seals and opens envelopes for one session. Text and binary
// payloads share the same wrapper and checks.
type MessageCipher struct {
	engine *KeyDerivationEngine
	nonces *NonceWindow

	mu      sync.Mutex
	counter uint64

	now    func() time.Time
	maxAge time.Duration
}

func NewMessageCipher(engine *KeyDerivationEngine) *MessageCipher {
	if engine == nil {
		engine = NewKeyDerivationEngine()
	}
	return &MessageCipher{
		engine: engine,
		nonces: NewNonceWindow(DefaultNonceCeiling, DefaultNonceEvictBatch),
		now:    time.Now,
		maxAge: MaxMessageAge,
	}
}

// Keys derives (or returns cached) keys through the cipher's engine.
func (c *MessageCipher) Keys(ctx context.Context, secret, salt string) (*Keys, error) {
	return c.engine.Derive(ctx, secret, salt)
}

func (c *MessageCipher) Encrypt(keys *Keys, plaintext []byte) (Sealed, error) {
	if !keys.alive() {
		return Sealed{}, fmt.Errorf("%w: keys unavailable", ErrEncryptionFailure)
	}

	iv := make([]byte, IVSize)
	nonce := make([]byte, NonceSize)
	if _, err := rand.Read(iv); err != nil {
		return Sealed{}, fmt.Errorf("%w: iv: %v", ErrEncryptionFailure, err)
	}
	if _, err := rand.Read(nonce); err != nil {
		return Sealed{}, fmt.Errorf("%w: nonce: %v", ErrEncryptionFailure, err)
	}
	nonceStr := encode(nonce)

	c.mu.Lock()
	c.counter++
	counter := c.counter
	c.mu.Unlock()

	body, err := json.Marshal(inner{
		Data:      plaintext,
		Nonce:     nonceStr,
		Timestamp: c.now().UnixMilli(),
		Counter:   counter,
	})
	if err != nil {
		return Sealed{}, fmt.Errorf("%w: %v", ErrEncryptionFailure, err)
	}

	aead, err := keys.messageAEAD(nonce)
	if err != nil {
		return Sealed{}, fmt.Errorf("%w: %v", ErrEncryptionFailure, err)
	}
	ct := aead.Seal(nil, iv, body, nonce)

	sig, err := keys.sign(ct, iv, nonce)
	if err != nil {
		return Sealed{}, fmt.Errorf("%w: %v", ErrEncryptionFailure, err)
	}

	return Sealed{
		Ciphertext: encode(ct),
		IV:         encode(iv),
		Signature:  encode(sig),
		Nonce:      nonceStr,
	}, nil
}

// Decrypt verifies and opens s. Checks run in a fixed order and the first
// failure is returned: signature, replay, authenticated decryption,
// freshness.
func (c *MessageCipher) Decrypt(keys *Keys, s Sealed) ([]byte, error) {
	if !keys.alive() {
		return nil, fmt.Errorf("%w: keys unavailable", ErrDecryptionFailure)
	}
	if s.Signature == "" || s.Nonce == "" || s.IV == "" || s.Ciphertext == "" {
		return nil, fmt.Errorf("%w: incomplete envelope", ErrIntegrityViolation)
	}

	ct, err1 := decode(s.Ciphertext)
	iv, err2 := decode(s.IV)
	nonce, err3 := decode(s.Nonce)
	sig, err4 := decode(s.Signature)
	if err1 != nil || err2 != nil || err3 != nil || err4 != nil {
		return nil, fmt.Errorf("%w: malformed envelope", ErrIntegrityViolation)
	}
	if len(iv) != IVSize || len(nonce) != NonceSize {
		return nil, fmt.Errorf("%w: bad iv or nonce length", ErrIntegrityViolation)
	}

	expected, err := keys.sign(ct, iv, nonce)
	if err != nil || !hmac.Equal(sig, expected) {
		return nil, fmt.Errorf("%w: signature mismatch", ErrIntegrityViolation)
	}

	nonceStr := encode(nonce)
	if !c.nonces.Add(nonceStr) {
		return nil, ErrReplayDetected
	}

	aead, err := keys.messageAEAD(nonce)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecryptionFailure, err)
	}
	body, err := aead.Open(nil, iv, ct, nonce)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecryptionFailure, err)
	}

	var in inner
	if err := json.Unmarshal(body, &in); err != nil {
		return nil, fmt.Errorf("%w: inner: %v", ErrDecryptionFailure, err)
	}
	if in.Nonce != nonceStr {
		return nil, fmt.Errorf("%w: inner nonce mismatch", ErrIntegrityViolation)
	}

	age := c.now().Sub(time.UnixMilli(in.Timestamp))
	if age > c.maxAge {
		return nil, fmt.Errorf("%w: age %s", ErrMessageExpired, age.Round(time.Second))
	}
	if age < -MaxClockSkew {
		return nil, fmt.Errorf("%w: timestamp in the future", ErrMessageExpired)
	}

	return in.Data, nil
}

// Wipe destroys the engine's secret material, resets the message counter
// and forgets every seen nonce. It is idempotent.
func (c *MessageCipher) Wipe() {
	c.engine.Wipe()
	c.mu.Lock()
	c.counter = 0
	c.mu.Unlock()
	c.nonces.Reset()
}

// messageAEAD returns AES-256-GCM under a key derived for this message
// only, so no two messages share an AEAD key.
func (k *Keys) messageAEAD(nonce []byte) (cipher.AEAD, error) {
	k.mu.RLock()
	if k.enc == nil || !k.enc.IsAlive() {
		k.mu.RUnlock()
		return nil, fmt.Errorf("keys destroyed")
	}
	sub, err := expand(k.enc.Bytes(), nonce, messageKeyInfo)
	k.mu.RUnlock()
	if err != nil {
		return nil, err
	}
	defer zero(sub)

	block, err := aes.NewCipher(sub)
	if err != nil {
		return nil, err
	}
	return cipher.NewGCM(block)
}

// sign computes HMAC-SHA256 over ciphertext, iv and nonce. iv and nonce
// have fixed lengths so the concatenation is unambiguous.
func (k *Keys) sign(ct, iv, nonce []byte) ([]byte, error) {
	k.mu.RLock()
	defer k.mu.RUnlock()
	if k.mac == nil || !k.mac.IsAlive() {
		return nil, fmt.Errorf("keys destroyed")
	}
	mac := hmac.New(sha256.New, k.mac.Bytes())
	mac.Write(ct)
	mac.Write(iv)
	mac.Write(nonce)
	return mac.Sum(nil), nil
}

func encode(b []byte) string {
	return base64.StdEncoding.EncodeToString(b)
}

func decode(s string) ([]byte, error) {
	return base64.StdEncoding.DecodeString(s)
}
