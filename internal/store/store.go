package store

import (
	"time"

	"github.com/pliu/adyx/internal/models"
)

// LockoutStore persists brute-force lockout records so a relay restart does
// not reset them. Keys are hashed source addresses, never raw addresses.
type LockoutStore interface {
	GetLockout(key string) (*models.LockoutRecord, error)
	SaveLockout(key string, rec *models.LockoutRecord) error
	DeleteLockout(key string) error
	PurgeLockouts(olderThan time.Time) (int64, error)
	Close() error
}
