package admission

import (
	"time"

	"github.com/patrickmn/go-cache"
	"github.com/pliu/adyx/internal/models"
	"go.uber.org/zap"
)

// CheckLockout returns a *LimitError wrapping ErrLockedOut while addr is
// locked out of joining.
func (g *Guard) CheckLockout(addr string) error {
	key := g.key(addr)
	now := g.now()

	g.lockMu.Lock()
	rec := g.record(key)
	g.lockMu.Unlock()

	if rec.Locked(now) {
		return &LimitError{Err: ErrLockedOut, RetryAfter: rec.LockedUntil.Sub(now)}
	}
	return nil
}

// RecordFailure counts a failed join. When the count reaches a tier the
// source is locked and the lockout error is returned.
func (g *Guard) RecordFailure(addr string) error {
	key := g.key(addr)
	now := g.now()

	g.lockMu.Lock()
	defer g.lockMu.Unlock()

	rec := g.record(key)
	if !rec.LastFailure.IsZero() && now.Sub(rec.LastFailure) > g.cfg.FailureMemory {
		rec = &models.LockoutRecord{}
	}
	rec.Failures++
	rec.LastFailure = now

	if d := g.lockDuration(rec.Failures); d > 0 {
		rec.LockedUntil = now.Add(d)
		g.log.Info("source locked out", zap.Int("failures", rec.Failures), zap.Duration("duration", d))
	}

	ttl := g.cfg.FailureMemory
	if d := rec.LockedUntil.Sub(now); d > ttl {
		ttl = d
	}
	g.lockouts.Set(key, rec, ttl)
	if g.store != nil {
		if err := g.store.SaveLockout(key, rec); err != nil {
			g.log.Warn("persist lockout", zap.Error(err))
		}
	}

	if rec.Locked(now) {
		return &LimitError{Err: ErrLockedOut, RetryAfter: rec.LockedUntil.Sub(now)}
	}
	return nil
}

// RecordSuccess forgets failures for addr after a successful join.
func (g *Guard) RecordSuccess(addr string) {
	key := g.key(addr)

	g.lockMu.Lock()
	defer g.lockMu.Unlock()

	if _, ok := g.lockouts.Get(key); !ok && g.store == nil {
		return
	}
	g.lockouts.Delete(key)
	if g.store != nil {
		if err := g.store.DeleteLockout(key); err != nil {
			g.log.Warn("clear lockout", zap.Error(err))
		}
	}
}

// record loads the lockout record for key from the cache, falling back to
// the persistent store. It never returns nil. Callers hold lockMu.
func (g *Guard) record(key string) *models.LockoutRecord {
	if v, ok := g.lockouts.Get(key); ok {
		rec := *v.(*models.LockoutRecord)
		return &rec
	}
	if g.store != nil {
		rec, err := g.store.GetLockout(key)
		if err != nil {
			g.log.Warn("load lockout", zap.Error(err))
		} else if rec != nil {
			g.lockouts.Set(key, rec, cache.DefaultExpiration)
			cp := *rec
			return &cp
		}
	}
	return &models.LockoutRecord{}
}

func (g *Guard) lockDuration(failures int) time.Duration {
	var d time.Duration
	for _, t := range g.cfg.LockoutTiers {
		if failures >= t.Failures {
			d = t.Duration
		}
	}
	return d
}
