package cache_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"github.com/tinywideclouds/go-push-dispatch/internal/storage/cache"
	"github.com/tinywideclouds/go-push-dispatch/pkg/dispatch"
)

// --- Mocks ---
type MockCache struct {
	mock.Mock
}

func (m *MockCache) Get(ctx context.Context, key string, dest interface{}) error {
	args := m.Called(ctx, key, dest)
	return args.Error(0)
}
func (m *MockCache) Set(ctx context.Context, key string, value interface{}, ttl time.Duration) error {
	return m.Called(ctx, key, value, ttl).Error(0)
}
func (m *MockCache) Del(ctx context.Context, key string) error {
	return m.Called(ctx, key).Error(0)
}

type MockRealStore struct {
	mock.Mock
}

func (m *MockRealStore) StoreToken(ctx context.Context, userID, token string, platform dispatch.Platform, provider dispatch.Provider) (string, error) {
	args := m.Called(ctx, userID, token, platform, provider)
	return args.String(0), args.Error(1)
}
func (m *MockRealStore) ValidTokens(ctx context.Context, userID string) ([]dispatch.TokenRecord, error) {
	args := m.Called(ctx, userID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]dispatch.TokenRecord), args.Error(1)
}
func (m *MockRealStore) Tokens(ctx context.Context, userID string) ([]dispatch.TokenRecord, error) {
	args := m.Called(ctx, userID)
	return args.Get(0).([]dispatch.TokenRecord), args.Error(1)
}
func (m *MockRealStore) MarkInvalid(ctx context.Context, invalid []dispatch.Invalidation) error {
	return m.Called(ctx, invalid).Error(0)
}

func TestCachedStore_ImmediateInvalidation(t *testing.T) {
	ctx := context.Background()
	mockCache := new(MockCache)
	mockDB := new(MockRealStore)

	store := cache.NewCachedTokenStore(mockDB, mockCache, 1*time.Hour)
	cacheKey := "push:tokens:u1"

	t.Run("MarkInvalid evicts each affected user once", func(t *testing.T) {
		invalid := []dispatch.Invalidation{
			{DocID: dispatch.DocumentID("u1", "ExponentPushToken[a]"), Reason: dispatch.ReasonDeviceNotRegistered},
			{DocID: dispatch.DocumentID("u1", "ExponentPushToken[b]"), Reason: dispatch.ReasonDeviceNotRegistered},
		}
		mockDB.On("MarkInvalid", ctx, invalid).Return(nil).Once()
		mockCache.On("Del", ctx, cacheKey).Return(nil).Once()

		err := store.MarkInvalid(ctx, invalid)

		require.NoError(t, err)
		mockDB.AssertExpectations(t)
		mockCache.AssertExpectations(t)
	})

	t.Run("MarkInvalid evicts even when the store partly failed", func(t *testing.T) {
		invalid := []dispatch.Invalidation{{DocID: dispatch.DocumentID("u1", "ExponentPushToken[c]")}}
		mockDB.On("MarkInvalid", ctx, invalid).Return(errors.New("write failed")).Once()
		mockCache.On("Del", ctx, cacheKey).Return(nil).Once()

		err := store.MarkInvalid(ctx, invalid)

		assert.ErrorContains(t, err, "write failed")
		mockCache.AssertExpectations(t)
	})

	t.Run("Subsequent read hits DB (Cache Miss) and refills", func(t *testing.T) {
		mockCache.On("Get", ctx, cacheKey, mock.Anything).Return(cache.ErrCacheMiss).Once()

		fresh := []dispatch.TokenRecord{{ID: "u1:abc", UserID: "u1", Valid: true}}
		mockDB.On("ValidTokens", ctx, "u1").Return(fresh, nil).Once()
		mockCache.On("Set", ctx, cacheKey, fresh, time.Hour).Return(nil).Once()

		got, err := store.ValidTokens(ctx, "u1")

		require.NoError(t, err)
		assert.Equal(t, fresh, got)
		mockDB.AssertExpectations(t)
		mockCache.AssertExpectations(t)
	})

	t.Run("Failed lookups are not cached", func(t *testing.T) {
		mockCache.On("Get", ctx, "push:tokens:u9", mock.Anything).Return(cache.ErrCacheMiss).Once()
		mockDB.On("ValidTokens", ctx, "u9").Return(nil, errors.New("unavailable")).Once()

		_, err := store.ValidTokens(ctx, "u9")

		require.Error(t, err)
		mockCache.AssertNotCalled(t, "Set", ctx, "push:tokens:u9", mock.Anything, mock.Anything)
	})

	t.Run("StoreToken evicts the user", func(t *testing.T) {
		mockDB.On("StoreToken", ctx, "u1", "ExponentPushToken[d]", dispatch.PlatformIOS, dispatch.ProviderExpo).
			Return("u1:hash", nil).Once()
		mockCache.On("Del", ctx, cacheKey).Return(nil).Once()

		id, err := store.StoreToken(ctx, "u1", "ExponentPushToken[d]", dispatch.PlatformIOS, dispatch.ProviderExpo)

		require.NoError(t, err)
		assert.Equal(t, "u1:hash", id)
		mockCache.AssertExpectations(t)
	})
}

func TestCachedStore_WithMemoryClient(t *testing.T) {
	ctx := context.Background()
	mockDB := new(MockRealStore)
	store := cache.NewCachedTokenStore(mockDB, cache.NewMemoryClient(time.Minute, time.Minute), time.Minute)

	fresh := []dispatch.TokenRecord{{ID: "u1:abc", UserID: "u1", Token: "ExponentPushToken[a]", Valid: true}}
	mockDB.On("ValidTokens", ctx, "u1").Return(fresh, nil).Once()

	first, err := store.ValidTokens(ctx, "u1")
	require.NoError(t, err)
	second, err := store.ValidTokens(ctx, "u1")
	require.NoError(t, err)

	assert.Equal(t, first, second)
	mockDB.AssertNumberOfCalls(t, "ValidTokens", 1)
}

func TestMemoryClient(t *testing.T) {
	ctx := context.Background()
	c := cache.NewMemoryClient(time.Minute, time.Minute)

	var out []string
	assert.ErrorIs(t, c.Get(ctx, "k", &out), cache.ErrCacheMiss)

	require.NoError(t, c.Set(ctx, "k", []string{"a", "b"}, time.Minute))
	require.NoError(t, c.Get(ctx, "k", &out))
	assert.Equal(t, []string{"a", "b"}, out)

	require.NoError(t, c.Del(ctx, "k"))
	assert.ErrorIs(t, c.Get(ctx, "k", &out), cache.ErrCacheMiss)
}
