// Package apns provides the client for the Apple Push Notification Service.
package apns

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/sideshow/apns2"
	"github.com/sideshow/apns2/payload"
	"github.com/sideshow/apns2/token"

	"github.com/tinywideclouds/go-push-dispatch/internal/batch"
	"github.com/tinywideclouds/go-push-dispatch/pkg/dispatch"
)

// TokensPerGroup is how many device tokens one worker pushes in sequence.
const TokensPerGroup = 100

// APNSClient defines the subset of the apns2.Client methods we use.
// This allows mocking for unit tests.
type APNSClient interface {
	PushWithContext(ctx apns2.Context, n *apns2.Notification) (*apns2.Response, error)
}

type Dispatcher struct {
	client      APNSClient
	topic       string // The App Bundle ID (e.g. com.example.marketplace)
	concurrency int
	logger      *slog.Logger
}

// Config holds the credentials required to sign APNs tokens.
type Config struct {
	KeyID    string
	TeamID   string
	BundleID string
	// P8KeyContent is the raw string content of the .p8 file
	P8KeyContent string
	// Production selects api.push.apple.com; otherwise the sandbox is used.
	Production bool
}

// NewDispatcher creates a configured APNS dispatcher.
// It parses the P8 key immediately to fail fast on startup if credentials are bad.
func NewDispatcher(cfg Config, concurrency int, logger *slog.Logger) (*Dispatcher, error) {
	authKey, err := token.AuthKeyFromBytes([]byte(cfg.P8KeyContent))
	if err != nil {
		return nil, fmt.Errorf("failed to parse APNs P8 key: %w", err)
	}

	tokenSource := &token.Token{
		AuthKey: authKey,
		KeyID:   cfg.KeyID,
		TeamID:  cfg.TeamID,
	}

	client := apns2.NewTokenClient(tokenSource)
	if cfg.Production {
		client = client.Production()
	} else {
		client = client.Development()
	}

	return newDispatcher(client, cfg.BundleID, concurrency, logger), nil
}

func newDispatcher(client APNSClient, topic string, concurrency int, logger *slog.Logger) *Dispatcher {
	return &Dispatcher{
		client:      client,
		topic:       topic,
		concurrency: concurrency,
		logger:      logger.With("component", "APNSDispatcher"),
	}
}

// Send pushes to every well-formed token.
// Note: APNs HTTP/2 API is unary (one request per token). There is no "Multicast"
// endpoint, so tokens are grouped and the groups are pushed concurrently.
func (d *Dispatcher) Send(ctx context.Context, recipients []dispatch.Recipient, content dispatch.Payload) (dispatch.Result, error) {
	total := dispatch.Result{Provider: dispatch.ProviderAPNS}

	wellFormed, skipped := dispatch.FilterWellFormed(dispatch.ProviderAPNS, recipients)
	total.Skipped = skipped
	if len(wellFormed) == 0 {
		return total, nil
	}

	// We use the builder pattern to construct the correct JSON structure
	builder := payload.NewPayload().
		AlertTitle(content.Title).
		AlertBody(content.Body).
		Sound("default")
	for k, v := range content.Data {
		builder.Custom(k, v)
	}

	groups := batch.Chunk(wellFormed, TokensPerGroup)
	results := make([]dispatch.Result, len(groups))
	indexes := make([]int, len(groups))
	for i := range indexes {
		indexes[i] = i
	}
	errs := batch.Settle(ctx, indexes, d.concurrency, func(ctx context.Context, i int) error {
		results[i] = d.pushGroup(ctx, groups[i], builder)
		return nil
	})
	for i, err := range errs {
		if err != nil {
			d.logger.Error("APNs group aborted", "size", len(groups[i]), "err", err)
			results[i] = dispatch.Result{Provider: dispatch.ProviderAPNS, Attempted: len(groups[i]), Failed: len(groups[i])}
		}
	}
	for _, r := range results {
		total.Merge(r)
	}

	d.logger.Info("APNs dispatch complete", "sent", total.Sent, "failed", total.Failed, "invalid", len(total.Invalid))
	return total, nil
}

func (d *Dispatcher) pushGroup(ctx context.Context, group []dispatch.Recipient, builder *payload.Payload) dispatch.Result {
	res := dispatch.Result{Provider: dispatch.ProviderAPNS, Attempted: len(group)}

	for _, r := range group {
		if ctx.Err() != nil {
			res.Failed++
			continue
		}

		n := &apns2.Notification{
			DeviceToken: r.Token,
			Topic:       d.topic,
			Payload:     builder,
			Priority:    apns2.PriorityHigh,
		}

		res.Requests++
		resp, err := d.client.PushWithContext(ctx, n)
		if err != nil {
			// Network/Transport Failure
			d.logger.Error("APNs transport failed", "doc_id", r.DocID, "err", err)
			res.Failed++
			continue
		}

		if resp.Sent() {
			res.Sent++
			continue
		}

		// Map APNs error reasons to our "Invalid" concept
		switch resp.Reason {
		case apns2.ReasonBadDeviceToken, apns2.ReasonUnregistered, apns2.ReasonDeviceTokenNotForTopic:
			res.Invalid = append(res.Invalid, dispatch.Invalidation{DocID: r.DocID, Reason: resp.Reason})
		default:
			// TopicDisallowed, PayloadEmpty and friends mean our configuration
			// is wrong, not that the token is.
			res.Failed++
			d.logger.Warn("APNs rejected notification", "reason", resp.Reason, "status", resp.StatusCode)
		}
	}
	return res
}
