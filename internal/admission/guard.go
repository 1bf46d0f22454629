// Package admission decides who may create, join or connect to rooms:
// per-source rate limits, brute-force lockout, connection caps, origin
// checks and input sanitization.
package admission

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/patrickmn/go-cache"
	"github.com/pliu/adyx/internal/store"
	"go.uber.org/zap"
)

var (
	ErrRateLimited        = errors.New("rate limited")
	ErrLockedOut          = errors.New("locked out")
	ErrTooManyConnections = errors.New("too many connections")
	ErrOriginRejected     = errors.New("origin rejected")
)

// LimitError is returned when a source must wait before trying again.
type LimitError struct {
	Err        error
	RetryAfter time.Duration
}

func (e *LimitError) Error() string {
	return fmt.Sprintf("%v: retry after %s", e.Err, e.RetryAfter.Round(time.Second))
}

func (e *LimitError) Unwrap() error {
	return e.Err
}

// RetryAfter extracts the wait carried by err, or zero.
func RetryAfter(err error) time.Duration {
	var le *LimitError
	if errors.As(err, &le) {
		return le.RetryAfter
	}
	return 0
}

type LockoutTier struct {
	Failures int
	Duration time.Duration
}

type Config struct {
	CreatesPerWindow  int
	JoinsPerWindow    int
	Window            time.Duration
	MaxConnsPerSource int
	AllowedOrigins    []string
	// AllowNoOrigin admits upgrades without an Origin header. Browsers
	// always send one, so this only affects native clients.
	AllowNoOrigin bool

	// Tiers must be ordered by Failures.
	LockoutTiers  []LockoutTier
	FailureMemory time.Duration

	MinDelay time.Duration
	MaxDelay time.Duration
}

func DefaultConfig() Config {
	return Config{
		CreatesPerWindow:  5,
		JoinsPerWindow:    10,
		Window:            time.Minute,
		MaxConnsPerSource: 10,
		AllowedOrigins:    []string{"*"},
		AllowNoOrigin:     true,
		LockoutTiers: []LockoutTier{
			{Failures: 5, Duration: 5 * time.Minute},
			{Failures: 10, Duration: 15 * time.Minute},
			{Failures: 15, Duration: 30 * time.Minute},
		},
		FailureMemory: time.Hour,
		MinDelay:      150 * time.Millisecond,
		MaxDelay:      400 * time.Millisecond,
	}
}

// AddressHasher turns a source address into the key admission state is
// stored under.
type AddressHasher interface {
	HashAddress(addr string) string
}

type Guard struct {
	cfg    Config
	log    *zap.Logger
	hasher AddressHasher
	store  store.LockoutStore

	creates *cache.Cache
	joins   *cache.Cache

	lockMu   sync.Mutex
	lockouts *cache.Cache

	connMu sync.Mutex
	conns  map[string]int

	origins map[string]bool
	anyOrig bool

	now func() time.Time
}

// NewGuard builds a guard. hasher and lockouts may be nil; without a
// hasher raw addresses are used as keys and nothing is persisted.
func NewGuard(cfg Config, hasher AddressHasher, lockouts store.LockoutStore, log *zap.Logger) *Guard {
	if log == nil {
		log = zap.NewNop()
	}
	if cfg.Window <= 0 {
		cfg.Window = time.Minute
	}
	if cfg.FailureMemory <= 0 {
		cfg.FailureMemory = time.Hour
	}
	if hasher == nil {
		lockouts = nil
	}

	g := &Guard{
		cfg:      cfg,
		log:      log,
		hasher:   hasher,
		store:    lockouts,
		creates:  cache.New(cfg.Window, cfg.Window),
		joins:    cache.New(cfg.Window, cfg.Window),
		lockouts: cache.New(cfg.FailureMemory, 10*time.Minute),
		conns:    make(map[string]int),
		origins:  make(map[string]bool),
		now:      time.Now,
	}
	for _, o := range cfg.AllowedOrigins {
		o = normalizeOrigin(o)
		if o == "*" {
			g.anyOrig = true
			continue
		}
		if o != "" {
			g.origins[o] = true
		}
	}
	return g
}

func (g *Guard) key(addr string) string {
	if g.hasher == nil {
		return addr
	}
	return g.hasher.HashAddress(addr)
}

func (g *Guard) AllowCreate(addr string) error {
	return g.allow(g.creates, addr, g.cfg.CreatesPerWindow)
}

func (g *Guard) AllowJoin(addr string) error {
	return g.allow(g.joins, addr, g.cfg.JoinsPerWindow)
}

func (g *Guard) allow(c *cache.Cache, addr string, limit int) error {
	if limit <= 0 {
		return nil
	}
	key := g.key(addr)
	w := windowFor(c, key)
	ok, wait := w.allow(g.now(), limit, g.cfg.Window)
	c.Set(key, w, cache.DefaultExpiration)
	if !ok {
		return &LimitError{Err: ErrRateLimited, RetryAfter: wait}
	}
	return nil
}

// Delay sleeps for a random duration in [MinDelay, MaxDelay] so failed and
// successful lookups take indistinguishable time.
func (g *Guard) Delay(ctx context.Context) error {
	d := g.cfg.MinDelay
	if span := g.cfg.MaxDelay - g.cfg.MinDelay; span > 0 {
		n, err := rand.Int(rand.Reader, big.NewInt(int64(span)))
		if err != nil {
			return err
		}
		d += time.Duration(n.Int64())
	}
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Acquire reserves one connection slot for addr. The returned release
// func is safe to call more than once.
func (g *Guard) Acquire(addr string) (func(), error) {
	key := g.key(addr)

	g.connMu.Lock()
	defer g.connMu.Unlock()
	if g.cfg.MaxConnsPerSource > 0 && g.conns[key] >= g.cfg.MaxConnsPerSource {
		return nil, ErrTooManyConnections
	}
	g.conns[key]++

	var once sync.Once
	return func() {
		once.Do(func() {
			g.connMu.Lock()
			defer g.connMu.Unlock()
			if g.conns[key]--; g.conns[key] <= 0 {
				delete(g.conns, key)
			}
		})
	}, nil
}

// Connections returns the number of slots currently held by addr.
func (g *Guard) Connections(addr string) int {
	g.connMu.Lock()
	defer g.connMu.Unlock()
	return g.conns[g.key(addr)]
}

func (g *Guard) CheckOrigin(origin string) error {
	origin = normalizeOrigin(origin)
	switch {
	case origin == "":
		if g.cfg.AllowNoOrigin || g.anyOrig {
			return nil
		}
	case g.anyOrig, g.origins[origin]:
		return nil
	}
	return ErrOriginRejected
}

func normalizeOrigin(o string) string {
	return strings.TrimRight(strings.ToLower(strings.TrimSpace(o)), "/")
}

// Run purges persisted lockout records that are no longer relevant until
// ctx is done.
func (g *Guard) Run(ctx context.Context, every time.Duration) {
	if g.store == nil || every <= 0 {
		return
	}
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := g.store.PurgeLockouts(g.now().Add(-g.cfg.FailureMemory))
			if err != nil {
				g.log.Warn("purge lockouts", zap.Error(err))
				continue
			}
			if n > 0 {
				g.log.Debug("purged lockouts", zap.Int64("count", n))
			}
		}
	}
}
