// Package web delivers notifications to browser PushSubscriptions over VAPID.
package web

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/SherClockHolmes/webpush-go"

	"github.com/tinywideclouds/go-push-dispatch/internal/batch"
	"github.com/tinywideclouds/go-push-dispatch/pkg/dispatch"
)

// ReasonGone is recorded when the push service reports the subscription expired.
const ReasonGone = "Gone"

// Config carries the VAPID identity of this server.
type Config struct {
	PublicKey       string
	PrivateKey      string
	SubscriberEmail string
	// TTL is how long the push service may hold an undelivered message.
	TTL time.Duration
	// HTTPClient overrides the client used to reach push services.
	HTTPClient *http.Client
}

type Dispatcher struct {
	subscriber  string
	privateKey  string
	publicKey   string
	ttl         int
	concurrency int
	logger      *slog.Logger
	httpClient  *http.Client
}

func NewDispatcher(cfg Config, concurrency int, logger *slog.Logger) *Dispatcher {
	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: 15 * time.Second}
	}
	ttl := int(cfg.TTL / time.Second)
	if ttl <= 0 {
		ttl = 60
	}
	return &Dispatcher{
		privateKey:  cfg.PrivateKey,
		publicKey:   cfg.PublicKey,
		subscriber:  cfg.SubscriberEmail,
		ttl:         ttl,
		concurrency: concurrency,
		logger:      logger.With("component", "WebPushDispatcher"),
		httpClient:  client,
	}
}

// Send encrypts the payload for each subscription and posts it to its endpoint.
// 404 and 410 answers retire the token; anything else that is not 201 is a failure.
func (d *Dispatcher) Send(ctx context.Context, recipients []dispatch.Recipient, content dispatch.Payload) (dispatch.Result, error) {
	total := dispatch.Result{Provider: dispatch.ProviderWebPush}

	wellFormed, skipped := dispatch.FilterWellFormed(dispatch.ProviderWebPush, recipients)
	total.Skipped = skipped
	if len(wellFormed) == 0 {
		return total, nil
	}

	payloadBytes, err := json.Marshal(map[string]interface{}{
		"notification": map[string]string{
			"title": content.Title,
			"body":  content.Body,
		},
		"data": content.Data,
	})
	if err != nil {
		return total, fmt.Errorf("failed to marshal payload: %w", err)
	}

	results := make([]dispatch.Result, len(wellFormed))
	indexes := make([]int, len(wellFormed))
	for i := range indexes {
		indexes[i] = i
	}
	errs := batch.Settle(ctx, indexes, d.concurrency, func(ctx context.Context, i int) error {
		results[i] = d.push(ctx, wellFormed[i], payloadBytes)
		return nil
	})
	for i, err := range errs {
		if err != nil {
			d.logger.Error("WebPush delivery aborted", "doc_id", wellFormed[i].DocID, "err", err)
			results[i] = dispatch.Result{Provider: dispatch.ProviderWebPush, Attempted: 1, Failed: 1}
		}
	}
	for _, r := range results {
		total.Merge(r)
	}

	d.logger.Info("WebPush dispatch complete", "sent", total.Sent, "failed", total.Failed, "invalid", len(total.Invalid))
	return total, nil
}

func (d *Dispatcher) push(ctx context.Context, r dispatch.Recipient, payloadBytes []byte) dispatch.Result {
	res := dispatch.Result{Provider: dispatch.ProviderWebPush, Attempted: 1, Requests: 1}

	sub, err := dispatch.ParseWebSubscription(r.Token)
	if err != nil {
		res.Failed = 1
		return res
	}

	s := &webpush.Subscription{
		Endpoint: sub.Endpoint,
		Keys: webpush.Keys{
			P256dh: sub.Keys.P256dh,
			Auth:   sub.Keys.Auth,
		},
	}

	resp, err := webpush.SendNotificationWithContext(ctx, payloadBytes, s, &webpush.Options{
		Subscriber:      d.subscriber,
		VAPIDPublicKey:  d.publicKey,
		VAPIDPrivateKey: d.privateKey,
		TTL:             d.ttl,
		Urgency:         webpush.UrgencyHigh,
		HTTPClient:      d.httpClient,
	})
	if err != nil {
		// Transport error (DNS, Timeout) - count it, keep the token
		d.logger.Error("WebPush transport error", "doc_id", r.DocID, "err", err)
		res.Failed = 1
		return res
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusCreated, http.StatusOK, http.StatusAccepted:
		res.Sent = 1
	case http.StatusGone, http.StatusNotFound:
		res.Invalid = []dispatch.Invalidation{{DocID: r.DocID, Reason: ReasonGone}}
	default:
		d.logger.Warn("WebPush rejected", "status", resp.StatusCode, "doc_id", r.DocID)
		res.Failed = 1
	}
	return res
}
