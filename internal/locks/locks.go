// Package locks provides per-key mutual exclusion. Sessions, vault balances
// and treasury counters are all keyed state with no cross-key coupling, so
// operations on different keys may interleave freely while operations on the
// same key run one at a time.
package locks

import "sync"

type Keyed struct {
	mu sync.Mutex
	m  map[string]*sync.Mutex
}

func NewKeyed() *Keyed {
	return &Keyed{m: make(map[string]*sync.Mutex)}
}

// Lock acquires the mutex for key and returns its unlock func.
func (k *Keyed) Lock(key string) func() {
	k.mu.Lock()
	l, ok := k.m[key]
	if !ok {
		l = &sync.Mutex{}
		k.m[key] = l
	}
	k.mu.Unlock()

	l.Lock()
	return l.Unlock
}
