// Copyright 2024 Roxy Light
// SPDX-License-Identifier: MIT

package pkgbuild

import (
	"context"
	"sync"
)

// A mutexMap is a set of mutexes keyed by store entry.
// The zero value is an empty map.
type mutexMap[K comparable] struct {
	mu      sync.Mutex
	holders map[K]<-chan struct{}
}

// lock blocks until it holds the mutex for k or ctx is done.
// On success, it returns a function that releases the mutex.
// Otherwise it returns ctx.Err().
func (mm *mutexMap[K]) lock(ctx context.Context, k K) (unlock func(), err error) {
	for {
		mm.mu.Lock()
		released := mm.holders[k]
		if released == nil {
			c := make(chan struct{})
			if mm.holders == nil {
				mm.holders = make(map[K]<-chan struct{})
			}
			mm.holders[k] = c
			mm.mu.Unlock()
			return func() {
				mm.mu.Lock()
				delete(mm.holders, k)
				close(c)
				mm.mu.Unlock()
			}, nil
		}
		mm.mu.Unlock()

		select {
		case <-released:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}
