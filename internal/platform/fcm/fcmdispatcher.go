package fcm

import (
	"context"
	"log/slog"

	"firebase.google.com/go/v4/messaging"

	"github.com/tinywideclouds/go-push-dispatch/internal/batch"
	"github.com/tinywideclouds/go-push-dispatch/pkg/dispatch"
)

// MaxTokensPerMulticast is FCM's per-call limit for SendEachForMulticast.
const MaxTokensPerMulticast = 500

// MessagingClient defines the subset of the Firebase Messaging API we use.
// This interface allows us to mock the client for unit testing.
type MessagingClient interface {
	SendEachForMulticast(ctx context.Context, msg *messaging.MulticastMessage) (*messaging.BatchResponse, error)
}

type Dispatcher struct {
	client      MessagingClient
	concurrency int
	logger      *slog.Logger
}

// NewDispatcher accepts the concrete client but stores it as the interface.
// Note: *messaging.Client automatically satisfies this interface.
func NewDispatcher(client MessagingClient, concurrency int, logger *slog.Logger) *Dispatcher {
	return &Dispatcher{
		client:      client,
		concurrency: concurrency,
		logger:      logger.With("component", "FCMDispatcher"),
	}
}

func (d *Dispatcher) Send(ctx context.Context, recipients []dispatch.Recipient, payload dispatch.Payload) (dispatch.Result, error) {
	total := dispatch.Result{Provider: dispatch.ProviderFCM}

	wellFormed, skipped := dispatch.FilterWellFormed(dispatch.ProviderFCM, recipients)
	total.Skipped = skipped
	if len(wellFormed) == 0 {
		return total, nil
	}

	chunks := batch.Chunk(wellFormed, MaxTokensPerMulticast)
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
			d.logger.Error("FCM chunk aborted", "size", len(chunks[i]), "err", err)
			results[i] = dispatch.Result{Provider: dispatch.ProviderFCM, Attempted: len(chunks[i]), Failed: len(chunks[i])}
		}
	}
	for _, r := range results {
		total.Merge(r)
	}

	d.logger.Info("FCM dispatch complete", "sent", total.Sent, "failed", total.Failed, "invalid", len(total.Invalid))
	return total, nil
}

func (d *Dispatcher) sendChunk(ctx context.Context, chunk []dispatch.Recipient, payload dispatch.Payload) dispatch.Result {
	res := dispatch.Result{Provider: dispatch.ProviderFCM, Attempted: len(chunk), Requests: 1}

	tokens := make([]string, len(chunk))
	for i, r := range chunk {
		tokens[i] = r.Token
	}

	msg := &messaging.MulticastMessage{
		Tokens: tokens,
		Data:   payload.Data,
		Notification: &messaging.Notification{
			Title: payload.Title,
			Body:  payload.Body,
		},
		Android: &messaging.AndroidConfig{
			Priority: "high",
		},
		Webpush: &messaging.WebpushConfig{
			Notification: &messaging.WebpushNotification{
				Title: payload.Title,
				Body:  payload.Body,
				Icon:  "/assets/icons/icon-192x192.png",
			},
		},
	}

	br, err := d.client.SendEachForMulticast(ctx, msg)
	if err != nil {
		d.logger.Error("FCM chunk failed", "size", len(chunk), "invalid_argument", messaging.IsInvalidArgument(err), "err", err)
		res.Failed = len(chunk)
		return res
	}

	for idx, r := range chunk {
		if idx >= len(br.Responses) || br.Responses[idx] == nil {
			res.Failed++
			continue
		}
		resp := br.Responses[idx]
		if resp.Success {
			res.Sent++
			continue
		}
		// The token is garbage: the app was uninstalled or the token rotated.
		if messaging.IsRegistrationTokenNotRegistered(resp.Error) {
			res.Invalid = append(res.Invalid, dispatch.Invalidation{DocID: r.DocID, Reason: "NotRegistered"})
			continue
		}
		res.Failed++
		d.logger.Warn("FCM rejected message", "doc_id", r.DocID, "err", resp.Error)
	}
	return res
}
