package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

// DefaultMaxParallel bounds the number of concurrent workers in a fan-out.
const DefaultMaxParallel = 10

// UnitResult is the outcome of one unit of work in a fan-out.
type UnitResult[T any] struct {
	// Index is the position of the input item.
	Index int

	// Value is the unit's return value when Err is nil.
	Value T

	// Err is the unit's failure, including its own timeout.
	Err error

	// Duration is how long the unit ran.
	Duration time.Duration
}

// ParallelEach runs fn over items using a bounded worker pool and waits for every unit
// to finish. A failing unit never cancels its siblings; each unit gets its own timeout
// derived from ctx. Results are returned in input order.
func ParallelEach[I, T any](
	ctx context.Context,
	items []I,
	maxParallel int,
	timeout time.Duration,
	fn func(ctx context.Context, item I) (T, error),
) []UnitResult[T] {
	results := make([]UnitResult[T], len(items))
	if len(items) == 0 {
		return results
	}

	workerCount := maxParallel
	if workerCount <= 0 {
		workerCount = DefaultMaxParallel
	}
	if len(items) < workerCount {
		workerCount = len(items)
	}

	workQueue := make(chan int, len(items))
	for i := range items {
		workQueue <- i
	}
	close(workQueue)

	var wg sync.WaitGroup
	for w := 0; w < workerCount; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for idx := range workQueue {
				results[idx] = runUnit(ctx, idx, items[idx], timeout, fn)
			}
		}()
	}

	wg.Wait()
	return results
}

// runUnit executes a single unit under its own timeout and converts panics to errors.
func runUnit[I, T any](
	ctx context.Context,
	idx int,
	item I,
	timeout time.Duration,
	fn func(ctx context.Context, item I) (T, error),
) (res UnitResult[T]) {
	res.Index = idx
	start := time.Now()

	unitCtx := ctx
	if timeout > 0 {
		var cancel context.CancelFunc
		unitCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	defer func() {
		res.Duration = time.Since(start)
		if r := recover(); r != nil {
			res.Err = NewPermanentError("unit panicked", fmt.Errorf("%v", r)).WithCode(ErrCodeInternal)
		}
	}()

	res.Value, res.Err = fn(unitCtx, item)
	if res.Err != nil && !IsTimeout(res.Err) && errors.Is(unitCtx.Err(), context.DeadlineExceeded) {
		res.Err = NewTransientError("unit timed out", res.Err).WithCode(ErrCodeTimeout)
	}
	return res
}

// CountFailures returns the number of failed units.
func CountFailures[T any](results []UnitResult[T]) int {
	n := 0
	for _, r := range results {
		if r.Err != nil {
			n++
		}
	}
	return n
}
