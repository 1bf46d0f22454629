package admission

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/pliu/adyx/internal/auth"
	"github.com/pliu/adyx/internal/store/sqlstore"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

type clock struct{ t time.Time }

func (c *clock) now() time.Time          { return c.t }
func (c *clock) advance(d time.Duration) { c.t = c.t.Add(d) }

func newTestGuard(t *testing.T, cfg Config) (*Guard, *clock) {
	t.Helper()
	g := NewGuard(cfg, nil, nil, zaptest.NewLogger(t))
	c := &clock{t: time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)}
	g.now = c.now
	return g, c
}

func TestCreateRateLimit(t *testing.T) {
	g, c := newTestGuard(t, DefaultConfig())

	for i := 0; i < 5; i++ {
		require.NoError(t, g.AllowCreate("10.0.0.1"), "create %d", i)
		c.advance(time.Second)
	}
	err := g.AllowCreate("10.0.0.1")
	require.ErrorIs(t, err, ErrRateLimited)
	require.Equal(t, 55*time.Second, RetryAfter(err))

	// Other sources are unaffected.
	require.NoError(t, g.AllowCreate("10.0.0.2"))

	// The window slides: the first hit leaves after a minute.
	c.advance(55 * time.Second)
	require.NoError(t, g.AllowCreate("10.0.0.1"))
	require.ErrorIs(t, g.AllowCreate("10.0.0.1"), ErrRateLimited)
}

func TestJoinRateLimit(t *testing.T) {
	g, _ := newTestGuard(t, DefaultConfig())
	for i := 0; i < 10; i++ {
		require.NoError(t, g.AllowJoin("10.0.0.1"))
	}
	require.ErrorIs(t, g.AllowJoin("10.0.0.1"), ErrRateLimited)
	require.NoError(t, g.AllowCreate("10.0.0.1"), "join and create windows are separate")
}

func TestLockoutAfterFiveFailures(t *testing.T) {
	g, c := newTestGuard(t, DefaultConfig())
	addr := "10.0.0.9"

	for i := 0; i < 4; i++ {
		require.NoError(t, g.CheckLockout(addr))
		require.NoError(t, g.RecordFailure(addr))
	}
	require.NoError(t, g.CheckLockout(addr))

	err := g.RecordFailure(addr)
	require.ErrorIs(t, err, ErrLockedOut)
	require.Equal(t, 5*time.Minute, RetryAfter(err))

	err = g.CheckLockout(addr)
	require.ErrorIs(t, err, ErrLockedOut)

	c.advance(5*time.Minute + time.Second)
	require.NoError(t, g.CheckLockout(addr))
}

func TestLockoutEscalates(t *testing.T) {
	g, c := newTestGuard(t, DefaultConfig())
	addr := "10.0.0.9"

	var err error
	for i := 0; i < 10; i++ {
		err = g.RecordFailure(addr)
		c.advance(time.Second)
	}
	require.ErrorIs(t, err, ErrLockedOut)
	require.Equal(t, 15*time.Minute, RetryAfter(err))

	for i := 0; i < 5; i++ {
		err = g.RecordFailure(addr)
	}
	require.Equal(t, 30*time.Minute, RetryAfter(err))

	// Past the last tier the longest lock keeps applying.
	err = g.RecordFailure(addr)
	require.Equal(t, 30*time.Minute, RetryAfter(err))
}

func TestFailuresForgotten(t *testing.T) {
	g, c := newTestGuard(t, DefaultConfig())
	addr := "10.0.0.9"

	for i := 0; i < 4; i++ {
		require.NoError(t, g.RecordFailure(addr))
	}
	c.advance(time.Hour + time.Minute)
	require.NoError(t, g.RecordFailure(addr), "old failures no longer count")
}

func TestRecordSuccessClears(t *testing.T) {
	g, _ := newTestGuard(t, DefaultConfig())
	addr := "10.0.0.9"

	for i := 0; i < 4; i++ {
		require.NoError(t, g.RecordFailure(addr))
	}
	g.RecordSuccess(addr)
	for i := 0; i < 4; i++ {
		require.NoError(t, g.RecordFailure(addr))
	}
}

func TestLockoutPersistsAcrossGuards(t *testing.T) {
	db, err := sqlstore.New("sqlite3", ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	signer, err := auth.NewRandomSigner()
	require.NoError(t, err)

	cfg := DefaultConfig()
	g1 := NewGuard(cfg, signer, db, zaptest.NewLogger(t))
	for i := 0; i < 5; i++ {
		g1.RecordFailure("192.0.2.7")
	}
	require.ErrorIs(t, g1.CheckLockout("192.0.2.7"), ErrLockedOut)

	// A fresh guard, as after a restart, still sees the lock.
	g2 := NewGuard(cfg, signer, db, zaptest.NewLogger(t))
	require.ErrorIs(t, g2.CheckLockout("192.0.2.7"), ErrLockedOut)

	// Only the hashed key is stored.
	rec, err := db.GetLockout("192.0.2.7")
	require.NoError(t, err)
	require.Nil(t, rec)
	rec, err = db.GetLockout(signer.HashAddress("192.0.2.7"))
	require.NoError(t, err)
	require.Equal(t, 5, rec.Failures)

	g2.RecordSuccess("192.0.2.7")
	rec, err = db.GetLockout(signer.HashAddress("192.0.2.7"))
	require.NoError(t, err)
	require.Nil(t, rec)
}

func TestAcquireConnections(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxConnsPerSource = 2
	g, _ := newTestGuard(t, cfg)

	r1, err := g.Acquire("10.0.0.1")
	require.NoError(t, err)
	r2, err := g.Acquire("10.0.0.1")
	require.NoError(t, err)

	_, err = g.Acquire("10.0.0.1")
	require.ErrorIs(t, err, ErrTooManyConnections)

	_, err = g.Acquire("10.0.0.2")
	require.NoError(t, err)

	r1()
	r1()
	require.Equal(t, 1, g.Connections("10.0.0.1"))

	r3, err := g.Acquire("10.0.0.1")
	require.NoError(t, err)
	r2()
	r3()
	require.Equal(t, 0, g.Connections("10.0.0.1"))
}

func TestCheckOrigin(t *testing.T) {
	cfg := DefaultConfig()
	cfg.AllowedOrigins = []string{"https://chat.example.com/"}
	cfg.AllowNoOrigin = false
	g, _ := newTestGuard(t, cfg)

	require.NoError(t, g.CheckOrigin("https://chat.example.com"))
	require.NoError(t, g.CheckOrigin("HTTPS://Chat.Example.com"))
	require.ErrorIs(t, g.CheckOrigin("https://evil.example.com"), ErrOriginRejected)
	require.ErrorIs(t, g.CheckOrigin(""), ErrOriginRejected)

	open, _ := newTestGuard(t, DefaultConfig())
	require.NoError(t, open.CheckOrigin("https://anything.example"))
	require.NoError(t, open.CheckOrigin(""))
}

func TestDelay(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MinDelay = 20 * time.Millisecond
	cfg.MaxDelay = 40 * time.Millisecond
	g, _ := newTestGuard(t, cfg)

	start := time.Now()
	require.NoError(t, g.Delay(context.Background()))
	require.GreaterOrEqual(t, time.Since(start), 20*time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := g.Delay(ctx)
	require.True(t, errors.Is(err, context.Canceled))
}
