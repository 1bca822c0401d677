package engine

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"
)

func TestParallelEachPreservesOrder(t *testing.T) {
	items := []int{5, 1, 4, 2, 3}

	results := ParallelEach(context.Background(), items, 2, time.Second,
		func(ctx context.Context, n int) (int, error) {
			time.Sleep(time.Duration(n) * time.Millisecond)
			return n * 10, nil
		})

	if len(results) != len(items) {
		t.Fatalf("expected %d results, got %d", len(items), len(results))
	}
	for i, r := range results {
		if r.Err != nil {
			t.Fatalf("unexpected error at %d: %v", i, r.Err)
		}
		if r.Index != i {
			t.Errorf("expected index %d, got %d", i, r.Index)
		}
		if r.Value != items[i]*10 {
			t.Errorf("expected value %d, got %d", items[i]*10, r.Value)
		}
	}
}

func TestParallelEachFailureDoesNotCancelSiblings(t *testing.T) {
	var completed int32
	items := []string{"ok-1", "fail", "ok-2", "ok-3"}

	results := ParallelEach(context.Background(), items, 4, time.Second,
		func(ctx context.Context, s string) (string, error) {
			if s == "fail" {
				return "", errors.New("boom")
			}
			select {
			case <-time.After(20 * time.Millisecond):
			case <-ctx.Done():
				return "", ctx.Err()
			}
			atomic.AddInt32(&completed, 1)
			return s, nil
		})

	if got := atomic.LoadInt32(&completed); got != 3 {
		t.Errorf("expected 3 siblings to complete, got %d", got)
	}
	if n := CountFailures(results); n != 1 {
		t.Errorf("expected 1 failure, got %d", n)
	}
	if results[1].Err == nil {
		t.Error("expected failure for item 1")
	}
}

func TestParallelEachPerUnitTimeout(t *testing.T) {
	items := []time.Duration{0, 200 * time.Millisecond}

	results := ParallelEach(context.Background(), items, 2, 30*time.Millisecond,
		func(ctx context.Context, d time.Duration) (bool, error) {
			select {
			case <-time.After(d):
				return true, nil
			case <-ctx.Done():
				return false, ctx.Err()
			}
		})

	if results[0].Err != nil {
		t.Errorf("fast unit should succeed, got %v", results[0].Err)
	}
	if !IsTimeout(results[1].Err) {
		t.Errorf("slow unit should time out, got %v", results[1].Err)
	}
}

func TestParallelEachRecoversPanics(t *testing.T) {
	results := ParallelEach(context.Background(), []int{1}, 1, 0,
		func(ctx context.Context, n int) (int, error) {
			panic("unexpected")
		})

	if results[0].Err == nil {
		t.Fatal("expected panic to be converted to an error")
	}
	if CodeOf(results[0].Err) != ErrCodeInternal {
		t.Errorf("expected code %s, got %s", ErrCodeInternal, CodeOf(results[0].Err))
	}
}

func TestParallelEachEmpty(t *testing.T) {
	results := ParallelEach(context.Background(), []int{}, 0, 0,
		func(ctx context.Context, n int) (int, error) { return n, nil })
	if len(results) != 0 {
		t.Errorf("expected no results, got %d", len(results))
	}
}
