package sqlstore

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "github.com/lib/pq"           // Postgres driver
	_ "github.com/mattn/go-sqlite3" // SQLite driver
	"github.com/pliu/adyx/internal/models"
)

type SQLStore struct {
	db         *sql.DB
	driverName string
}

func New(driverName, dataSourceName string) (*SQLStore, error) {
	db, err := sql.Open(driverName, dataSourceName)
	if err != nil {
		return nil, err
	}
	if err = db.Ping(); err != nil {
		return nil, err
	}
	if driverName == "sqlite3" {
		// Each pooled connection to ":memory:" would be a separate database.
		db.SetMaxOpenConns(1)
	}

	s := &SQLStore{db: db, driverName: driverName}
	if err := s.createTables(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLStore) createTables() error {
	query := `
	CREATE TABLE IF NOT EXISTS lockouts (
		source TEXT PRIMARY KEY,
		failures INTEGER NOT NULL DEFAULT 0,
		locked_until BIGINT NOT NULL DEFAULT 0,
		last_failure BIGINT NOT NULL DEFAULT 0
	);
	`
	if _, err := s.db.Exec(query); err != nil {
		return fmt.Errorf("create tables: %w", err)
	}
	return nil
}

// Helper to handle placeholders
func (s *SQLStore) rebind(query string) string {
	if s.driverName == "postgres" {
		// Replace ? with $1, $2, etc.
		n := strings.Count(query, "?")
		for i := 1; i <= n; i++ {
			query = strings.Replace(query, "?", fmt.Sprintf("$%d", i), 1)
		}
	}
	return query
}

// GetLockout returns nil, nil when no record exists.
func (s *SQLStore) GetLockout(key string) (*models.LockoutRecord, error) {
	var failures int
	var lockedUntil, lastFailure int64
	query := s.rebind("SELECT failures, locked_until, last_failure FROM lockouts WHERE source = ?")
	err := s.db.QueryRow(query, key).Scan(&failures, &lockedUntil, &lastFailure)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &models.LockoutRecord{
		Failures:    failures,
		LockedUntil: fromMillis(lockedUntil),
		LastFailure: fromMillis(lastFailure),
	}, nil
}

func (s *SQLStore) SaveLockout(key string, rec *models.LockoutRecord) error {
	query := s.rebind(`
		INSERT INTO lockouts (source, failures, locked_until, last_failure) VALUES (?, ?, ?, ?)
		ON CONFLICT (source) DO UPDATE SET
			failures = excluded.failures,
			locked_until = excluded.locked_until,
			last_failure = excluded.last_failure
	`)
	_, err := s.db.Exec(query, key, rec.Failures, toMillis(rec.LockedUntil), toMillis(rec.LastFailure))
	return err
}

func (s *SQLStore) DeleteLockout(key string) error {
	query := s.rebind("DELETE FROM lockouts WHERE source = ?")
	_, err := s.db.Exec(query, key)
	return err
}

// PurgeLockouts removes records that are neither locked nor have failed
// since olderThan.
func (s *SQLStore) PurgeLockouts(olderThan time.Time) (int64, error) {
	cutoff := toMillis(olderThan)
	query := s.rebind("DELETE FROM lockouts WHERE locked_until < ? AND last_failure < ?")
	result, err := s.db.Exec(query, cutoff, cutoff)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}

func (s *SQLStore) Close() error {
	return s.db.Close()
}

func toMillis(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

func fromMillis(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms)
}
