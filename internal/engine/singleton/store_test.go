// Copyright (c) The Conflux Authors
// SPDX-License-Identifier: MPL-2.0

package singleton

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
)

func TestGetComputesOnce(t *testing.T) {
	s := NewStore()
	var calls int32
	compute := func(ctx context.Context) (any, error) {
		atomic.AddInt32(&calls, 1)
		return 42, nil
	}

	var wg sync.WaitGroup
	results := make([]any, 10)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			v, err := s.Get(context.Background(), "k", compute)
			if err != nil {
				t.Errorf("Get failed: %v", err)
			}
			results[i] = v
		}(i)
	}
	wg.Wait()

	if got := atomic.LoadInt32(&calls); got != 1 {
		t.Fatalf("compute called %d times, want 1", got)
	}
	for i, v := range results {
		if v != 42 {
			t.Fatalf("results[%d] = %v, want 42", i, v)
		}
	}

	v, err := s.Get(context.Background(), "k", compute)
	if err != nil || v != 42 {
		t.Fatalf("subsequent Get = (%v, %v), want (42, nil)", v, err)
	}
	if got := atomic.LoadInt32(&calls); got != 1 {
		t.Fatalf("compute called %d times after cache hit, want still 1", got)
	}
}

func TestGetDoesNotCacheRejection(t *testing.T) {
	s := NewStore()
	var calls int32
	boom := errors.New("boom")
	compute := func(ctx context.Context) (any, error) {
		n := atomic.AddInt32(&calls, 1)
		if n == 1 {
			return nil, boom
		}
		return "ok", nil
	}

	_, err := s.Get(context.Background(), "k", compute)
	if !errors.Is(err, boom) {
		t.Fatalf("expected first Get to fail with boom, got %v", err)
	}

	v, err := s.Get(context.Background(), "k", compute)
	if err != nil {
		t.Fatalf("second Get failed: %v", err)
	}
	if v != "ok" {
		t.Fatalf("second Get = %v, want %q", v, "ok")
	}
	if got := atomic.LoadInt32(&calls); got != 2 {
		t.Fatalf("compute called %d times, want 2 (rejection must not be cached)", got)
	}
}
