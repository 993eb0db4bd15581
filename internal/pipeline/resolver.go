package pipeline

import (
	"context"
	"log/slog"

	"github.com/tinywideclouds/go-push-dispatch/pkg/dispatch"
)

// Resolver turns user IDs into deliverable recipients.
type Resolver struct {
	store  dispatch.TokenStore
	logger *slog.Logger
}

func NewResolver(store dispatch.TokenStore, logger *slog.Logger) *Resolver {
	return &Resolver{store: store, logger: logger.With("component", "Resolver")}
}

// FetchValidTokens returns every valid token of the given users.
// A store failure for one user is logged and that user contributes nothing.
func (r *Resolver) FetchValidTokens(ctx context.Context, userIDs []string) []dispatch.Recipient {
	var out []dispatch.Recipient
	seen := make(map[string]struct{}, len(userIDs))

	for _, userID := range userIDs {
		if userID == "" {
			continue
		}
		if _, dup := seen[userID]; dup {
			continue
		}
		seen[userID] = struct{}{}

		records, err := r.store.ValidTokens(ctx, userID)
		if err != nil {
			r.logger.Warn("Token lookup failed, skipping user", "user_id", userID, "err", err)
			continue
		}
		for _, rec := range records {
			// The store filters on valid already; a stale cache entry must not leak through.
			if !rec.Valid {
				continue
			}
			out = append(out, dispatch.RecipientFromRecord(rec))
		}
	}
	return out
}

// Recipients derives who should hear about an event: participants minus the
// sender, blanks dropped, first occurrence kept.
func Recipients(event dispatch.MessageEvent) []string {
	seen := make(map[string]struct{}, len(event.Participants))
	var out []string
	for _, p := range event.Participants {
		if p == "" || p == event.SenderID {
			continue
		}
		if _, dup := seen[p]; dup {
			continue
		}
		seen[p] = struct{}{}
		out = append(out, p)
	}
	return out
}
