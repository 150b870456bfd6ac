// Copyright (c) The Conflux Authors
// SPDX-License-Identifier: MPL-2.0

// Package singleton implements the process-wide cache from node identity
// to a completed value: the one piece of state in this engine that is
// shared across runs rather than scoped to one. It is grounded on
// golang.org/x/sync/singleflight, whose "first caller computes, concurrent
// callers join" contract covers the racy first access; completed values
// are then retained for the life of the process, while failures are never
// retained (the engine never caches a rejection).
package singleton

import (
	"context"
	"sync"

	"golang.org/x/sync/singleflight"
)

// Store is a process-wide map from node name to a computed value. It is
// safe for concurrent use by multiple runs.
type Store struct {
	mu    sync.Mutex
	done  map[string]any
	group singleflight.Group
}

// NewStore returns an empty singleton store.
func NewStore() *Store {
	return &Store{done: make(map[string]any)}
}

// Get returns the cached value for key, computing it via compute if no
// completed value exists yet. Concurrent callers for the same key during
// the first computation all receive that computation's result; a completed
// value never expires. If compute returns an error, nothing is retained
// and the in-flight key is forgotten immediately so the next access
// recomputes — singleton rejections are never cached, so a transient
// failure on first access can be retried.
func (s *Store) Get(ctx context.Context, key string, compute func(ctx context.Context) (any, error)) (any, error) {
	s.mu.Lock()
	if v, ok := s.done[key]; ok {
		s.mu.Unlock()
		return v, nil
	}
	s.mu.Unlock()

	v, err, _ := s.group.Do(key, func() (any, error) {
		// Re-check and record under the flight, so that a caller arriving
		// after an earlier flight finished sees its value instead of
		// computing a second one.
		s.mu.Lock()
		if v, ok := s.done[key]; ok {
			s.mu.Unlock()
			return v, nil
		}
		s.mu.Unlock()
		v, err := compute(ctx)
		if err == nil {
			s.mu.Lock()
			s.done[key] = v
			s.mu.Unlock()
		}
		return v, err
	})
	if err != nil {
		s.group.Forget(key)
		return nil, err
	}
	return v, nil
}
