package admission

import (
	"sync"
	"time"

	"github.com/patrickmn/go-cache"
)

// window is a sliding log of admitted hits for one source.
type window struct {
	mu   sync.Mutex
	hits []time.Time
}

// allow records a hit at now unless limit hits already fall within span.
// When refused it returns how long until the oldest hit leaves the window.
func (w *window) allow(now time.Time, limit int, span time.Duration) (bool, time.Duration) {
	w.mu.Lock()
	defer w.mu.Unlock()

	cut := now.Add(-span)
	i := 0
	for i < len(w.hits) && !w.hits[i].After(cut) {
		i++
	}
	w.hits = w.hits[i:]

	if len(w.hits) >= limit {
		return false, w.hits[0].Add(span).Sub(now)
	}
	w.hits = append(w.hits, now)
	return true, 0
}

// windowFor returns the window stored under key, creating it if needed.
// Entries expire from the cache once idle for a full span.
func windowFor(c *cache.Cache, key string) *window {
	if v, ok := c.Get(key); ok {
		return v.(*window)
	}
	w := &window{}
	if err := c.Add(key, w, cache.DefaultExpiration); err != nil {
		if v, ok := c.Get(key); ok {
			return v.(*window)
		}
	}
	return w
}
