// internal/position/locker.go
package position

import (
	"context"
	"sync"
)

// Locker provides mutual exclusion per asset id. Locks for different assets
// never block each other; idle entries are released.
type Locker struct {
	mu    sync.Mutex
	locks map[string]*assetLock
}

type assetLock struct {
	sem  chan struct{}
	refs int
}

func NewLocker() *Locker {
	return &Locker{locks: make(map[string]*assetLock)}
}

// Lock blocks until the asset lock is held or ctx is done.
// The returned func releases the lock and must be called exactly once.
func (l *Locker) Lock(ctx context.Context, assetID string) (func(), error) {
	l.mu.Lock()
	al, ok := l.locks[assetID]
	if !ok {
		al = &assetLock{sem: make(chan struct{}, 1)}
		l.locks[assetID] = al
	}
	al.refs++
	l.mu.Unlock()

	select {
	case al.sem <- struct{}{}:
	case <-ctx.Done():
		l.release(assetID, al)
		return nil, ctx.Err()
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			<-al.sem
			l.release(assetID, al)
		})
	}, nil
}

func (l *Locker) release(assetID string, al *assetLock) {
	l.mu.Lock()
	defer l.mu.Unlock()
	al.refs--
	if al.refs == 0 {
		delete(l.locks, assetID)
	}
}

// Held returns the number of assets with a holder or waiter.
func (l *Locker) Held() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.locks)
}
