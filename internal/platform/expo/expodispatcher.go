package expo

import (
	"context"
	"log/slog"

	"github.com/tinywideclouds/go-push-dispatch/internal/batch"
	"github.com/tinywideclouds/go-push-dispatch/pkg/dispatch"
)

type Dispatcher struct {
	gateway     Gateway
	concurrency int
	logger      *slog.Logger
}

// NewDispatcher accepts any Gateway; *HTTPGateway is the production one.
// concurrency bounds how many chunks are in flight at once.
func NewDispatcher(gateway Gateway, concurrency int, logger *slog.Logger) *Dispatcher {
	return &Dispatcher{
		gateway:     gateway,
		concurrency: concurrency,
		logger:      logger.With("component", "ExpoDispatcher"),
	}
}

// Send filters out malformed tokens, splits the rest into chunks of at most
// MaxMessagesPerRequest and pushes every chunk. A failed chunk is counted
// and logged; it never stops the others.
func (d *Dispatcher) Send(ctx context.Context, recipients []dispatch.Recipient, payload dispatch.Payload) (dispatch.Result, error) {
	total := dispatch.Result{Provider: dispatch.ProviderExpo}

	wellFormed, skipped := dispatch.FilterWellFormed(dispatch.ProviderExpo, recipients)
	total.Skipped = skipped
	if skipped > 0 {
		d.logger.Debug("Excluded malformed expo tokens", "count", skipped)
	}
	if len(wellFormed) == 0 {
		return total, nil
	}

	chunks := batch.Chunk(wellFormed, MaxMessagesPerRequest)
	results := make([]dispatch.Result, len(chunks))
	indexes := make([]int, len(chunks))
	for i := range indexes {
		indexes[i] = i
	}

	errs := batch.Settle(ctx, indexes, d.concurrency, func(ctx context.Context, i int) error {
		results[i] = d.sendChunk(ctx, chunks[i], payload)
		return nil
	})
	for i, err := range errs {
		if err != nil {
			d.logger.Error("Expo chunk aborted", "size", len(chunks[i]), "err", err)
			results[i] = dispatch.Result{Provider: dispatch.ProviderExpo, Attempted: len(chunks[i]), Failed: len(chunks[i])}
		}
	}

	for _, r := range results {
		total.Merge(r)
	}

	d.logger.Info("Expo dispatch complete",
		"attempted", total.Attempted,
		"sent", total.Sent,
		"failed", total.Failed,
		"invalid", len(total.Invalid),
		"requests", total.Requests,
	)
	return total, nil
}

func (d *Dispatcher) sendChunk(ctx context.Context, chunk []dispatch.Recipient, payload dispatch.Payload) dispatch.Result {
	msgs := make([]Message, len(chunk))
	for i, r := range chunk {
		msgs[i] = Message{
			To:        r.Token,
			Title:     payload.Title,
			Body:      payload.Body,
			Data:      payload.Data,
			Sound:     "default",
			Priority:  "high",
			ChannelID: "default",
		}
	}

	tickets, err := d.gateway.Push(ctx, msgs)
	if err != nil {
		d.logger.Error("Expo chunk failed", "size", len(chunk), "err", err)
		return dispatch.Result{
			Provider:  dispatch.ProviderExpo,
			Attempted: len(chunk),
			Failed:    len(chunk),
			Requests:  1,
		}
	}

	res := Interpret(chunk, tickets, d.logger)
	res.Requests = 1
	return res
}
