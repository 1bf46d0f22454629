// Package schedule runs timer callbacks that can be cancelled as a group,
// so tearing down a session deterministically stops late firings.
package schedule

import (
	"sync"
	"time"
)

// Token identifies a scheduled callback.
type Token uint64

type Scheduler struct {
	mu      sync.Mutex
	seq     Token
	timers  map[Token]*time.Timer
	stopped bool
}

func New() *Scheduler {
	return &Scheduler{timers: make(map[Token]*time.Timer)}
}

// After runs fn once after d. It returns 0 if the scheduler is stopped.
func (s *Scheduler) After(d time.Duration, fn func()) Token {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return 0
	}
	s.seq++
	tok := s.seq
	s.timers[tok] = time.AfterFunc(d, func() {
		if s.claim(tok, true) {
			fn()
		}
	})
	return tok
}

// Every runs fn repeatedly, waiting next() between runs. next is
// re-evaluated each time so callers can randomize intervals.
func (s *Scheduler) Every(next func() time.Duration, fn func()) Token {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return 0
	}
	s.seq++
	tok := s.seq

	var tick func()
	tick = func() {
		if !s.claim(tok, false) {
			return
		}
		fn()
		s.mu.Lock()
		defer s.mu.Unlock()
		if t, ok := s.timers[tok]; ok && !s.stopped {
			t.Reset(next())
		}
	}
	s.timers[tok] = time.AfterFunc(next(), tick)
	return tok
}

// claim reports whether tok may still fire. One-shot tokens are removed.
func (s *Scheduler) claim(tok Token, once bool) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return false
	}
	if _, ok := s.timers[tok]; !ok {
		return false
	}
	if once {
		delete(s.timers, tok)
	}
	return true
}

func (s *Scheduler) Cancel(tok Token) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if t, ok := s.timers[tok]; ok {
		t.Stop()
		delete(s.timers, tok)
	}
}

// Stop cancels every pending callback. No callback starts after Stop
// returns and later After/Every calls are ignored.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopped = true
	for tok, t := range s.timers {
		t.Stop()
		delete(s.timers, tok)
	}
}

// Pending returns the number of live timers.
func (s *Scheduler) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.timers)
}
