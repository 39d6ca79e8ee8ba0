// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package refresh

import (
	"context"
	"sync"

	"github.com/bureau-foundation/credproxy/lib/token"
)

// keyLocks is a set of per-key mutexes whose acquisition honors
// context cancellation. Entries are dropped when nobody holds or waits
// on them.
type keyLocks struct {
	mu    sync.Mutex
	locks map[token.Key]*keyLock
}

type keyLock struct {
	held  chan struct{}
	users int
}

func newKeyLocks() *keyLocks {
	return &keyLocks{locks: make(map[token.Key]*keyLock)}
}

// lock acquires key. The returned function releases it and must be
// called exactly once.
func (k *keyLocks) lock(ctx context.Context, key token.Key) (func(), error) {
	k.mu.Lock()
	entry, ok := k.locks[key]
	if !ok {
		entry = &keyLock{held: make(chan struct{}, 1)}
		k.locks[key] = entry
	}
	entry.users++
	k.mu.Unlock()

	select {
	case entry.held <- struct{}{}:
		return func() {
			<-entry.held
			k.drop(key, entry)
		}, nil
	case <-ctx.Done():
		k.drop(key, entry)
		return nil, ctx.Err()
	}
}

func (k *keyLocks) drop(key token.Key, entry *keyLock) {
	k.mu.Lock()
	defer k.mu.Unlock()
	entry.users--
	if entry.users == 0 {
		delete(k.locks, key)
	}
}
