package pipeline

import (
	"context"
	"log/slog"
	"sort"

	"github.com/tinywideclouds/go-push-dispatch/pkg/dispatch"
)

// Totals is the outcome of routing one payload to every provider present.
type Totals struct {
	Attempted int
	Skipped   int
	Sent      int
	Failed    int
	Invalid   int
	// Unrouted counts recipients whose provider has no registered sender.
	Unrouted int
}

// Router is the provider registry: it hands each recipient group to the
// sender registered for its provider and retires the tokens they report dead.
type Router struct {
	senders map[dispatch.Provider]dispatch.Sender
	store   dispatch.TokenStore
	logger  *slog.Logger
}

func NewRouter(senders map[dispatch.Provider]dispatch.Sender, store dispatch.TokenStore, logger *slog.Logger) *Router {
	registry := make(map[dispatch.Provider]dispatch.Sender, len(senders))
	for p, s := range senders {
		if s != nil {
			registry[p] = s
		}
	}
	return &Router{senders: registry, store: store, logger: logger.With("component", "Router")}
}

// Providers lists the providers with a registered sender.
func (r *Router) Providers() []dispatch.Provider {
	out := make([]dispatch.Provider, 0, len(r.senders))
	for p := range r.senders {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Dispatch sends payload to every recipient and calls MarkInvalid once with
// all invalidations the senders reported.
func (r *Router) Dispatch(ctx context.Context, recipients []dispatch.Recipient, payload dispatch.Payload) Totals {
	var totals Totals
	groups := make(map[dispatch.Provider][]dispatch.Recipient)
	for _, rc := range recipients {
		p := rc.Provider
		if p == "" {
			p = dispatch.ProviderExpo
		}
		groups[p] = append(groups[p], rc)
	}

	providers := make([]dispatch.Provider, 0, len(groups))
	for p := range groups {
		providers = append(providers, p)
	}
	sort.Slice(providers, func(i, j int) bool { return providers[i] < providers[j] })

	var invalid []dispatch.Invalidation
	for _, p := range providers {
		group := groups[p]
		sender, ok := r.senders[p]
		if !ok {
			// Forward-compatible no-op. This silently drops every notification
			// for the provider, so make it loud.
			r.logger.Warn("No sender registered for provider, skipping", "provider", p, "recipients", len(group))
			totals.Unrouted += len(group)
			continue
		}

		res, err := sender.Send(ctx, group, payload)
		if err != nil {
			r.logger.Error("Provider dispatch failed", "provider", p, "recipients", len(group), "err", err)
			totals.Failed += len(group) - res.Skipped
			totals.Skipped += res.Skipped
			continue
		}
		totals.Attempted += res.Attempted
		totals.Skipped += res.Skipped
		totals.Sent += res.Sent
		totals.Failed += res.Failed
		totals.Invalid += len(res.Invalid)
		invalid = append(invalid, res.Invalid...)
	}

	if len(invalid) > 0 {
		r.logger.Info("Retiring dead tokens", "count", len(invalid))
		if err := r.store.MarkInvalid(ctx, invalid); err != nil {
			r.logger.Warn("Some invalidations failed", "err", err)
		}
	}
	return totals
}
