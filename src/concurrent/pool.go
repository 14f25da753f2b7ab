package concurrent

import (
	"context"
	"sync"
)

const defaultConcurrency = 8

// Gate bounds how many callers run a section at once.
type Gate struct {
	sem chan struct{}
}

// NewGate creates a gate admitting up to n concurrent callers.
func NewGate(n int) *Gate {
	if n <= 0 {
		n = defaultConcurrency
	}
	return &Gate{sem: make(chan struct{}, n)}
}

// Do runs fn once a slot is free, or returns ctx.Err() if ctx ends first.
// A nil gate runs fn directly.
func (g *Gate) Do(ctx context.Context, fn func() error) error {
	if g == nil {
		return fn()
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case g.sem <- struct{}{}:
		defer func() { <-g.sem }()
		return fn()
	}
}

// ParallelMap applies fn to every item with at most maxConcurrency calls in
// flight. Results keep input order; the first error by index is returned along
// with the partial results.
func ParallelMap[T, R any](ctx context.Context, items []T, fn func(context.Context, T) (R, error), maxConcurrency int) ([]R, error) {
	if len(items) == 0 {
		return nil, nil
	}
	if maxConcurrency <= 0 {
		maxConcurrency = defaultConcurrency
	}

	results := make([]R, len(items))
	errs := make([]error, len(items))

	var wg sync.WaitGroup
	sem := make(chan struct{}, maxConcurrency)
	for i, item := range items {
		wg.Add(1)
		go func(idx int, val T) {
			defer wg.Done()
			select {
			case <-ctx.Done():
				errs[idx] = ctx.Err()
			case sem <- struct{}{}:
				defer func() { <-sem }()
				results[idx], errs[idx] = fn(ctx, val)
			}
		}(i, item)
	}
	wg.Wait()

	for _, err := range errs {
		if err != nil {
			return results, err
		}
	}
	return results, nil
}
