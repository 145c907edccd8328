/*
Copyright © 2025 Gatelimit Authors.

Released under MIT license.
*/

package ratelimit

import (
	"fmt"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"
)

// partitionStore holds the per-partition mutable state of a single policy.
// States are created lazily on first request for a key. With maxPartitions > 0
// the least recently used states are evicted; with 0 the store grows unbounded
// (one entry per distinct key ever seen).
//
// The store's own lock guards only lookup and creation; counters inside the
// state are protected by the state's own mutex, so different partitions do not
// block each other.
type partitionStore[T any] struct {
	mu    sync.Mutex
	cache *lru.Cache[string, T]
	m     map[string]T
	newFn func() T
}

func newPartitionStore[T any](maxPartitions int, newFn func() T) (*partitionStore[T], error) {
	if maxPartitions > 0 {
		cache, err := lru.New[string, T](maxPartitions)
		if err != nil {
			return nil, fmt.Errorf("new LRU store for partitions: %w", err)
		}
		return &partitionStore[T]{cache: cache, newFn: newFn}, nil
	}
	return &partitionStore[T]{m: make(map[string]T), newFn: newFn}, nil
}

// get returns the state for the key, creating it on first use.
func (s *partitionStore[T]) get(key string) T {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cache != nil {
		if v, ok := s.cache.Get(key); ok {
			return v
		}
		v := s.newFn()
		s.cache.Add(key, v)
		return v
	}
	if v, ok := s.m[key]; ok {
		return v
	}
	v := s.newFn()
	s.m[key] = v
	return v
}

// len returns the number of live partition states.
func (s *partitionStore[T]) len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cache != nil {
		return s.cache.Len()
	}
	return len(s.m)
}
