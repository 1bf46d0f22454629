package crypto

import "sync"

const (
	// DefaultNonceCeiling is the number of remembered nonces that triggers
	// a batch eviction.
	DefaultNonceCeiling = 10000
	// DefaultNonceEvictBatch is how many of the oldest nonces are dropped
	// at once.
	DefaultNonceEvictBatch = 1000
)

// NonceWindow is a bounded set of accepted nonces. Insertion order is kept
// so that eviction always removes the oldest entries first.
type NonceWindow struct {
	mu      sync.Mutex
	seen    map[string]struct{}
	order   []string
	ceiling int
	batch   int
}

func NewNonceWindow(ceiling, batch int) *NonceWindow {
	if ceiling <= 0 {
		ceiling = DefaultNonceCeiling
	}
	if batch <= 0 || batch > ceiling {
		batch = DefaultNonceEvictBatch
		if batch > ceiling {
			batch = ceiling
		}
	}
	return &NonceWindow{
		seen:    make(map[string]struct{}),
		ceiling: ceiling,
		batch:   batch,
	}
}

// Add records nonce and returns false if it was already present.
func (w *NonceWindow) Add(nonce string) bool {
	w.mu.Lock()
	defer w.mu.Unlock()

	if _, ok := w.seen[nonce]; ok {
		return false
	}
	w.seen[nonce] = struct{}{}
	w.order = append(w.order, nonce)

	if len(w.order) > w.ceiling {
		for _, old := range w.order[:w.batch] {
			delete(w.seen, old)
		}
		// Copy so the evicted prefix can be collected.
		w.order = append(make([]string, 0, w.ceiling), w.order[w.batch:]...)
	}
	return true
}

func (w *NonceWindow) Contains(nonce string) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	_, ok := w.seen[nonce]
	return ok
}

func (w *NonceWindow) Len() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.order)
}

func (w *NonceWindow) Reset() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.seen = make(map[string]struct{})
	w.order = nil
}
