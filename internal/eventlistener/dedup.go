// internal/eventlistener/dedup.go
package eventlistener

import (
	"sync"
	"time"
)

// dedupCache remembers keys for ttl. Expired keys are pruned lazily.
type dedupCache struct {
	mu        sync.Mutex
	ttl       time.Duration
	seen      map[string]time.Time
	lastPrune time.Time
	now       func() time.Time
}

func newDedupCache(ttl time.Duration) *dedupCache {
	return &dedupCache{
		ttl:  ttl,
		seen: make(map[string]time.Time),
		now:  time.Now,
	}
}

// firstSeen records key and reports whether it was absent or expired.
func (d *dedupCache) firstSeen(key string) bool {
	if d.ttl <= 0 {
		return true
	}
	d.mu.Lock()
	defer d.mu.Unlock()

	now := d.now()
	if now.Sub(d.lastPrune) > d.ttl {
		for k, at := range d.seen {
			if now.Sub(at) > d.ttl {
				delete(d.seen, k)
			}
		}
		d.lastPrune = now
	}

	if at, ok := d.seen[key]; ok && now.Sub(at) <= d.ttl {
		return false
	}
	d.seen[key] = now
	return true
}

func (d *dedupCache) size() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.seen)
}
