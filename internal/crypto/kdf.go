// Package crypto implements the client side of the channel: key derivation
// from the shared room secret and the authenticated message envelope.
package crypto

import (
	"context"
	"crypto/sha256"
	"crypto/sha512"
	"crypto/subtle"
	"fmt"
	"io"
	"sync"

	"github.com/awnumar/memguard"
	"golang.org/x/crypto/hkdf"
	"golang.org/x/crypto/pbkdf2"
)

const (
	// KDFIterations is the PBKDF2 work factor.
	KDFIterations = 600000

	KeySize = 32

	aeadKeyInfo = "adyx/v1 aead key"
	macKeyInfo  = "adyx/v1 mac key"
)

// Keys holds the two independent keys derived from a room secret. The
// material lives in locked memory and is unusable once destroyed.
type Keys struct {
	mu  sync.RWMutex
	enc *memguard.LockedBuffer
	mac *memguard.LockedBuffer
}

func (k *Keys) alive() bool {
	if k == nil {
		return false
	}
	k.mu.RLock()
	defer k.mu.RUnlock()
	return k.enc != nil && k.mac != nil && k.enc.IsAlive() && k.mac.IsAlive()
}

func (k *Keys) destroy() {
	if k == nil {
		return
	}
	k.mu.Lock()
	defer k.mu.Unlock()
	for _, b := range []*memguard.LockedBuffer{k.enc, k.mac} {
		scrub(b)
	}
	k.enc, k.mac = nil, nil
}

// KeyDerivationEngine derives and caches Keys for one (secret, salt) pair.
type KeyDerivationEngine struct {
	mu         sync.Mutex
	iterations int
	secret     *memguard.LockedBuffer
	salt       *memguard.LockedBuffer
	keys       *Keys
}

func NewKeyDerivationEngine() *KeyDerivationEngine {
	return &KeyDerivationEngine{iterations: KDFIterations}
}

// Derive returns the keys for secret and salt, deriving them if the cached
// pair differs. The slow derivation is bounded by ctx; on any failure no
// key material is returned and ErrKeyDerivation is wrapped.
func (e *KeyDerivationEngine) Derive(ctx context.Context, secret, salt string) (*Keys, error) {
	if secret == "" || salt == "" {
		return nil, fmt.Errorf("%w: empty secret or salt", ErrKeyDerivation)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if e.keys.alive() && e.matches(secret, salt) {
		return e.keys, nil
	}
	e.wipeLocked()

	type result struct {
		keys *Keys
		err  error
	}
	done := make(chan result, 1)
	iterations := e.iterations
	go func() {
		keys, err := deriveKeys(secret, salt, iterations)
		done <- result{keys, err}
	}()

	select {
	case <-ctx.Done():
		go func() {
			if r := <-done; r.keys != nil {
				r.keys.destroy()
			}
		}()
		return nil, fmt.Errorf("%w: %v", ErrKeyDerivation, ctx.Err())
	case r := <-done:
		if r.err != nil {
			return nil, fmt.Errorf("%w: %v", ErrKeyDerivation, r.err)
		}
		e.secret = memguard.NewBufferFromBytes([]byte(secret))
		e.salt = memguard.NewBufferFromBytes([]byte(salt))
		e.keys = r.keys
		return r.keys, nil
	}
}

func (e *KeyDerivationEngine) matches(secret, salt string) bool {
	if e.secret == nil || e.salt == nil || !e.secret.IsAlive() || !e.salt.IsAlive() {
		return false
	}
	return subtle.ConstantTimeCompare(e.secret.Bytes(), []byte(secret)) == 1 &&
		subtle.ConstantTimeCompare(e.salt.Bytes(), []byte(salt)) == 1
}

// Wipe overwrites the cached secret, salt and keys with random bytes and
// releases them. It is safe to call any number of times.
func (e *KeyDerivationEngine) Wipe() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.wipeLocked()
}

func (e *KeyDerivationEngine) wipeLocked() {
	for _, b := range []*memguard.LockedBuffer{e.secret, e.salt} {
		scrub(b)
	}
	e.secret, e.salt = nil, nil
	e.keys.destroy()
	e.keys = nil
}

// scrub overwrites b with random bytes and destroys it. Buffers made by
// NewBufferFromBytes are frozen, so they are melted first.
func scrub(b *memguard.LockedBuffer) {
	if b == nil || !b.IsAlive() {
		return
	}
	b.Melt()
	b.Scramble()
	b.Destroy()
}

func deriveKeys(secret, salt string, iterations int) (*Keys, error) {
	master := pbkdf2.Key([]byte(secret), []byte(salt), iterations, KeySize, sha512.New)
	defer zero(master)

	enc, err := expand(master, nil, aeadKeyInfo)
	if err != nil {
		return nil, err
	}
	mac, err := expand(master, nil, macKeyInfo)
	if err != nil {
		zero(enc)
		return nil, err
	}
	return &Keys{
		enc: memguard.NewBufferFromBytes(enc),
		mac: memguard.NewBufferFromBytes(mac),
	}, nil
}

func expand(secret, salt []byte, info string) ([]byte, error) {
	out := make([]byte, KeySize)
	if _, err := io.ReadFull(hkdf.New(sha256.New, secret, salt, []byte(info)), out); err != nil {
		return nil, err
	}
	return out, nil
}

func zero(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
