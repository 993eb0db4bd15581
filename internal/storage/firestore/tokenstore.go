package firestore

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"cloud.google.com/go/firestore"
	"google.golang.org/api/iterator"

	"github.com/tinywideclouds/go-push-dispatch/internal/batch"
	"github.com/tinywideclouds/go-push-dispatch/pkg/dispatch"
)

// DefaultCollection is the flat root collection holding token records.
const DefaultCollection = "pushTokens"

// FirestoreStore implements TokenStore using Google Cloud Firestore.
type FirestoreStore struct {
	client     *firestore.Client
	collection string
	logger     *slog.Logger
	now        func() time.Time
}

func NewFirestoreStore(client *firestore.Client, collection string, logger *slog.Logger) *FirestoreStore {
	if collection == "" {
		collection = DefaultCollection
	}
	return &FirestoreStore{
		client:     client,
		collection: collection,
		logger:     logger.With("component", "FirestoreTokenStore"),
		now:        time.Now,
	}
}

// tokenRecord is the internal DB representation.
type tokenRecord struct {
	UserID     string    `firestore:"userId"`
	Token      string    `firestore:"token"`
	Platform   string    `firestore:"platform"`
	Provider   string    `firestore:"provider,omitempty"`
	Valid      bool      `firestore:"valid"`
	CreatedAt  time.Time `firestore:"createdAt"`
	LastSeenAt time.Time `firestore:"lastSeenAt"`
	UpdatedAt  time.Time `firestore:"updatedAt"`
	LastError  string    `firestore:"lastError,omitempty"`
}

func toDocument(rec dispatch.TokenRecord) tokenRecord {
	return tokenRecord{
		UserID:     rec.UserID,
		Token:      rec.Token,
		Platform:   string(rec.Platform),
		Provider:   string(rec.Provider),
		Valid:      rec.Valid,
		CreatedAt:  rec.CreatedAt,
		LastSeenAt: rec.LastSeenAt,
		UpdatedAt:  rec.UpdatedAt,
		LastError:  rec.LastError,
	}
}

func (r tokenRecord) toDomain(id string) dispatch.TokenRecord {
	return dispatch.TokenRecord{
		ID:         id,
		UserID:     r.UserID,
		Token:      r.Token,
		Platform:   dispatch.Platform(r.Platform),
		Provider:   dispatch.Provider(r.Provider),
		Valid:      r.Valid,
		CreatedAt:  r.CreatedAt,
		LastSeenAt: r.LastSeenAt,
		UpdatedAt:  r.UpdatedAt,
		LastError:  r.LastError,
	}
}

// StoreToken overwrites the whole document, so a re-registration also
// re-validates a previously retired token.
func (s *FirestoreStore) StoreToken(ctx context.Context, userID, token string, platform dispatch.Platform, provider dispatch.Provider) (string, error) {
	rec := dispatch.NewTokenRecord(userID, token, platform, provider, s.now().UTC())

	if _, err := s.tokens().Doc(rec.ID).Set(ctx, toDocument(rec)); err != nil {
		return "", fmt.Errorf("failed to store token %s: %w", rec.ID, err)
	}
	return rec.ID, nil
}

func (s *FirestoreStore) ValidTokens(ctx context.Context, userID string) ([]dispatch.TokenRecord, error) {
	q := s.tokens().Where("userId", "==", userID).Where("valid", "==", true)
	return s.collect(ctx, q)
}

func (s *FirestoreStore) Tokens(ctx context.Context, userID string) ([]dispatch.TokenRecord, error) {
	return s.collect(ctx, s.tokens().Where("userId", "==", userID))
}

// MarkInvalid performs one independent read-modify-write per document.
// Concurrent invalidations of the same document may overwrite each other;
// both converge on valid=false.
func (s *FirestoreStore) MarkInvalid(ctx context.Context, invalid []dispatch.Invalidation) error {
	errs := batch.Settle(ctx, invalid, batch.DefaultLimit, func(ctx context.Context, inv dispatch.Invalidation) error {
		ref := s.tokens().Doc(inv.DocID)
		snap, err := ref.Get(ctx)
		if err != nil {
			return fmt.Errorf("read %s: %w", inv.DocID, err)
		}
		var rec tokenRecord
		if err := snap.DataTo(&rec); err != nil {
			return fmt.Errorf("decode %s: %w", inv.DocID, err)
		}
		rec.Valid = false
		rec.LastError = inv.Reason
		rec.UpdatedAt = s.now().UTC()
		if _, err := ref.Set(ctx, rec); err != nil {
			return fmt.Errorf("write %s: %w", inv.DocID, err)
		}
		return nil
	})

	if failed := batch.Failed(errs); failed > 0 {
		s.logger.Warn("Some token invalidations failed", "failed", failed, "total", len(invalid))
	}
	return errors.Join(errs...)
}

// --- Helpers ---

func (s *FirestoreStore) collect(ctx context.Context, q firestore.Query) ([]dispatch.TokenRecord, error) {
	iter := q.Documents(ctx)
	defer iter.Stop()

	records := make([]dispatch.TokenRecord, 0)
	for {
		doc, err := iter.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("firestore iteration failed: %w", err)
		}

		var rec tokenRecord
		if err := doc.DataTo(&rec); err != nil {
			// Corrupt rows are skipped rather than failing the whole lookup.
			s.logger.Warn("Skipping undecodable token document", "doc_id", doc.Ref.ID, "err", err)
			continue
		}
		records = append(records, rec.toDomain(doc.Ref.ID))
	}
	return records, nil
}

func (s *FirestoreStore) tokens() *firestore.CollectionRef {
	return s.client.Collection(s.collection)
}
