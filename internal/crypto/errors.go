package crypto

import "errors"

var (
	ErrKeyDerivation      = errors.New("key derivation failed")
	ErrEncryptionFailure  = errors.New("encryption failed")
	ErrDecryptionFailure  = errors.New("decryption failed")
	ErrIntegrityViolation = errors.New("integrity violation")
	ErrReplayDetected     = errors.New("replay detected")
	ErrMessageExpired     = errors.New("message expired")
)

// IsMessageError reports whether err only invalidates a single inbound
// message. Such errors are dropped or surfaced as a notice and never end
// the session.
func IsMessageError(err error) bool {
	return errors.Is(err, ErrIntegrityViolation) ||
		errors.Is(err, ErrReplayDetected) ||
		errors.Is(err, ErrMessageExpired) ||
		errors.Is(err, ErrDecryptionFailure)
}
