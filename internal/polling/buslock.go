package polling

import (
	"context"
	"sync"
)

// PathLocks serializes exchanges per transport path. Waiters are served in
// arrival order.
type PathLocks struct {
	mu    sync.Mutex
	paths map[string]chan struct{}
}

func NewPathLocks() *PathLocks {
	return &PathLocks{paths: make(map[string]chan struct{})}
}

// Lock blocks until path is free or ctx ends. The returned func releases it.
func (l *PathLocks) Lock(ctx context.Context, path string) (func(), error) {
	l.mu.Lock()
	ch, ok := l.paths[path]
	if !ok {
		ch = make(chan struct{}, 1)
		l.paths[path] = ch
	}
	l.mu.Unlock()

	select {
	case ch <- struct{}{}:
		var once sync.Once
		return func() { once.Do(func() { <-ch }) }, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
