// Package batch holds the chunking and all-settled fan-out primitives used by
// the provider senders and the token stores.
package batch

import (
	"context"
	"fmt"

	"golang.org/x/sync/errgroup"
)

// DefaultLimit bounds concurrent tasks when the caller passes limit <= 0.
const DefaultLimit = 4

// Chunk partitions items into consecutive slices of at most size elements.
func Chunk[T any](items []T, size int) [][]T {
	if size <= 0 || len(items) == 0 {
		return nil
	}
	chunks := make([][]T, 0, (len(items)+size-1)/size)
	for start := 0; start < len(items); start += size {
		end := min(start+size, len(items))
		chunks = append(chunks, items[start:end])
	}
	return chunks
}

// Settle runs fn for every item with at most limit running at once and
// waits for all of them. A failing (or panicking) task never cancels its
// siblings: its error is recorded at the item's index and the rest carry on.
func Settle[T any](ctx context.Context, items []T, limit int, fn func(ctx context.Context, item T) error) []error {
	errs := make([]error, len(items))
	if len(items) == 0 {
		return errs
	}
	if limit <= 0 {
		limit = DefaultLimit
	}

	var g errgroup.Group
	g.SetLimit(limit)
	for i, item := range items {
		g.Go(func() (err error) {
			defer func() {
				if r := recover(); r != nil {
					errs[i] = fmt.Errorf("task %d panicked: %v", i, r)
				}
			}()
			errs[i] = fn(ctx, item)
			return nil
		})
	}
	_ = g.Wait()
	return errs
}

// Failed counts the non-nil entries of a Settle result.
func Failed(errs []error) int {
	n := 0
	for _, err := range errs {
		if err != nil {
			n++
		}
	}
	return n
}
