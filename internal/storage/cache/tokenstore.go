package cache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/tinywideclouds/go-push-dispatch/pkg/dispatch"
)

// ErrCacheMiss is returned by CacheClient.Get when the key is absent.
var ErrCacheMiss = errors.New("cache miss")

// CacheClient defines the subset of cache commands we need.
type CacheClient interface {
	// Get returns the value or an error if not found.
	Get(ctx context.Context, key string, dest interface{}) error
	// Set stores the value with a TTL.
	Set(ctx context.Context, key string, value interface{}, ttl time.Duration) error
	// Del removes the key.
	Del(ctx context.Context, key string) error
}

// CachedTokenStore is a Decorator that adds Read-Aside caching to any TokenStore.
// Only the hot path (ValidTokens) is cached.
type CachedTokenStore struct {
	realStore dispatch.TokenStore
	cache     CacheClient
	ttl       time.Duration
}

// NewCachedTokenStore creates the decorator.
func NewCachedTokenStore(realStore dispatch.TokenStore, cache CacheClient, ttl time.Duration) *CachedTokenStore {
	return &CachedTokenStore{
		realStore: realStore,
		cache:     cache,
		ttl:       ttl,
	}
}

// --- READ PATH (Read-Aside) ---

func (s *CachedTokenStore) ValidTokens(ctx context.Context, userID string) ([]dispatch.TokenRecord, error) {
	key := s.cacheKey(userID)

	var cached []dispatch.TokenRecord
	if err := s.cache.Get(ctx, key, &cached); err == nil {
		return cached, nil
	}

	fresh, err := s.realStore.ValidTokens(ctx, userID)
	if err != nil {
		// Never cache a failed lookup.
		return nil, err
	}

	// Caching is an optimization; a failed Set just means the next read goes to the DB.
	_ = s.cache.Set(ctx, key, fresh, s.ttl)
	return fresh, nil
}

func (s *CachedTokenStore) Tokens(ctx context.Context, userID string) ([]dispatch.TokenRecord, error) {
	return s.realStore.Tokens(ctx, userID)
}

// --- WRITE PATHS (Invalidate-on-Write) ---

func (s *CachedTokenStore) StoreToken(ctx context.Context, userID, token string, platform dispatch.Platform, provider dispatch.Provider) (string, error) {
	id, err := s.realStore.StoreToken(ctx, userID, token, platform, provider)
	if err != nil {
		return "", err
	}
	if err := s.invalidate(ctx, userID); err != nil {
		return id, fmt.Errorf("token stored but cache eviction failed: %w", err)
	}
	return id, nil
}

// MarkInvalid evicts every affected user even when some writes failed, so
// retired tokens stop being served from the cache immediately.
func (s *CachedTokenStore) MarkInvalid(ctx context.Context, invalid []dispatch.Invalidation) error {
	storeErr := s.realStore.MarkInvalid(ctx, invalid)

	seen := make(map[string]struct{}, len(invalid))
	var evictErrs []error
	for _, inv := range invalid {
		userID, ok := dispatch.UserIDFromDocID(inv.DocID)
		if !ok {
			continue
		}
		if _, done := seen[userID]; done {
			continue
		}
		seen[userID] = struct{}{}
		if err := s.invalidate(ctx, userID); err != nil {
			evictErrs = append(evictErrs, err)
		}
	}
	return errors.Join(storeErr, errors.Join(evictErrs...))
}

// --- Helpers ---

func (s *CachedTokenStore) invalidate(ctx context.Context, userID string) error {
	return s.cache.Del(ctx, s.cacheKey(userID))
}

func (s *CachedTokenStore) cacheKey(userID string) string {
	return fmt.Sprintf("push:tokens:%s", userID)
}
