package lock

import (
	"context"
	"sync"
)

// LocalLocker serializes holders of the same key within one process.
type LocalLocker struct {
	mu   sync.Mutex
	keys map[string]*localLock
}

type localLock struct {
	ch   chan struct{}
	refs int
}

func NewLocalLocker() *LocalLocker {
	return &LocalLocker{keys: make(map[string]*localLock)}
}

// Lock blocks until key is free or ctx is done.
func (l *LocalLocker) Lock(ctx context.Context, key string) (func(), error) {
	l.mu.Lock()
	ll, ok := l.keys[key]
	if !ok {
		ll = &localLock{ch: make(chan struct{}, 1)}
		l.keys[key] = ll
	}
	ll.refs++
	l.mu.Unlock()

	select {
	case ll.ch <- struct{}{}:
	case <-ctx.Done():
		l.unref(key, ll)
		return nil, ctx.Err()
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			<-ll.ch
			l.unref(key, ll)
		})
	}, nil
}

func (l *LocalLocker) unref(key string, ll *localLock) {
	l.mu.Lock()
	defer l.mu.Unlock()
	ll.refs--
	if ll.refs == 0 {
		delete(l.keys, key)
	}
}
