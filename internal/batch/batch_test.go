package batch_test

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tinywideclouds/go-push-dispatch/internal/batch"
)

func TestChunk(t *testing.T) {
	items := make([]int, 250)
	for i := range items {
		items[i] = i
	}

	chunks := batch.Chunk(items, 100)

	require.Len(t, chunks, 3)
	assert.Len(t, chunks[0], 100)
	assert.Len(t, chunks[1], 100)
	assert.Len(t, chunks[2], 50)
	assert.Equal(t, 200, chunks[2][0])

	assert.Len(t, batch.Chunk(items[:100], 100), 1)
	assert.Nil(t, batch.Chunk([]int{}, 100))
	assert.Nil(t, batch.Chunk(items, 0))
}

func TestSettle(t *testing.T) {
	ctx := context.Background()

	t.Run("One failure does not stop the others", func(t *testing.T) {
		var ran atomic.Int32
		errs := batch.Settle(ctx, []string{"a", "bad", "c", "d"}, 2, func(_ context.Context, s string) error {
			ran.Add(1)
			if s == "bad" {
				return errors.New("boom")
			}
			return nil
		})

		assert.Equal(t, int32(4), ran.Load())
		require.Len(t, errs, 4)
		assert.NoError(t, errs[0])
		assert.EqualError(t, errs[1], "boom")
		assert.Equal(t, 1, batch.Failed(errs))
	})

	t.Run("Panics become recorded errors", func(t *testing.T) {
		errs := batch.Settle(ctx, []int{1, 2}, 0, func(_ context.Context, i int) error {
			if i == 2 {
				panic("kaboom")
			}
			return nil
		})

		assert.NoError(t, errs[0])
		assert.ErrorContains(t, errs[1], "panicked")
	})

	t.Run("Respects the concurrency limit", func(t *testing.T) {
		var inFlight, peak atomic.Int32
		block := make(chan struct{})
		go func() {
			close(block)
		}()
		batch.Settle(ctx, make([]int, 10), 3, func(_ context.Context, _ int) error {
			n := inFlight.Add(1)
			for {
				p := peak.Load()
				if n <= p || peak.CompareAndSwap(p, n) {
					break
				}
			}
			<-block
			inFlight.Add(-1)
			return nil
		})

		assert.LessOrEqual(t, peak.Load(), int32(3))
	})

	t.Run("Empty input", func(t *testing.T) {
		errs := batch.Settle(ctx, nil, 2, func(context.Context, int) error { return nil })
		assert.Empty(t, errs)
	})
}
