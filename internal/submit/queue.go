package submit

import (
	"context"
	"sync"
)

// signerQueue serializes writes per signer address. Entries are reference
// counted and dropped once no writer holds or waits on them.
type signerQueue struct {
	mu    sync.Mutex
	locks map[string]*queueEntry
}

type queueEntry struct {
	slot chan struct{} // holds one token while the key is locked
	refs int
}

func newSignerQueue() *signerQueue {
	return &signerQueue{locks: make(map[string]*queueEntry)}
}

// Lock blocks until key is free or ctx ends and returns the release
// function.
func (q *signerQueue) Lock(ctx context.Context, key string) (func(), error) {
	q.mu.Lock()
	e, ok := q.locks[key]
	if !ok {
		e = &queueEntry{slot: make(chan struct{}, 1)}
		q.locks[key] = e
	}
	e.refs++
	q.mu.Unlock()

	select {
	case e.slot <- struct{}{}:
	case <-ctx.Done():
		q.drop(key, e)
		return nil, ctx.Err()
	}
	return func() {
		<-e.slot
		q.drop(key, e)
	}, nil
}

func (q *signerQueue) drop(key string, e *queueEntry) {
	q.mu.Lock()
	e.refs--
	if e.refs == 0 {
		delete(q.locks, key)
	}
	q.mu.Unlock()
}

// inflight tracks submissions that have not resolved yet.
type inflight struct {
	mu   sync.Mutex
	keys map[string]struct{}
}

func newInflight() *inflight {
	return &inflight{keys: make(map[string]struct{})}
}

// Begin records key and reports false when it is already in flight.
func (f *inflight) Begin(key string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.keys[key]; ok {
		return false
	}
	f.keys[key] = struct{}{}
	return true
}

// End forgets key.
func (f *inflight) End(key string) {
	f.mu.Lock()
	delete(f.keys, key)
	f.mu.Unlock()
}
