package dispatch

import (
	"context"
)

// Sender defines the contract for a component that delivers a notification
// to the recipients of one provider (e.g. Expo's push relay, Google's FCM).
type Sender interface {
	// Send fans the payload out to the recipients in gateway-sized chunks.
	// Chunk-level failures are absorbed into the Result; a non-nil error means
	// nothing could be attempted at all (e.g. the payload cannot be encoded).
	Send(ctx context.Context, recipients []Recipient, payload Payload) (Result, error)
}

// TokenStore defines the contract for managing user device tokens.
// It allows the service to remember "where" to send notifications for a user.
type TokenStore interface {
	// StoreToken upserts the record for (userID, token) and returns its ID.
	// Storing the same pair twice yields one record, re-validated.
	StoreToken(ctx context.Context, userID, token string, platform Platform, provider Provider) (string, error)

	// ValidTokens returns the records of a user that are still deliverable.
	ValidTokens(ctx context.Context, userID string) ([]TokenRecord, error)

	// Tokens returns every record of a user, valid or not.
	Tokens(ctx context.Context, userID string) ([]TokenRecord, error)

	// MarkInvalid soft-deletes the given records. Every write is attempted;
	// the individual failures are joined into the returned error.
	MarkInvalid(ctx context.Context, invalid []Invalidation) error
}
