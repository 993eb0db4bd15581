package pipeline_test

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/stretchr/testify/mock"
	"github.com/tinywideclouds/go-push-dispatch/internal/platform/expo"
	"github.com/tinywideclouds/go-push-dispatch/pkg/dispatch"
)

func newTestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type mockTokenStore struct {
	mock.Mock
}

func (m *mockTokenStore) StoreToken(ctx context.Context, userID, token string, platform dispatch.Platform, provider dispatch.Provider) (string, error) {
	args := m.Called(ctx, userID, token, platform, provider)
	return args.String(0), args.Error(1)
}

func (m *mockTokenStore) ValidTokens(ctx context.Context, userID string) ([]dispatch.TokenRecord, error) {
	args := m.Called(ctx, userID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]dispatch.TokenRecord), args.Error(1)
}

func (m *mockTokenStore) Tokens(ctx context.Context, userID string) ([]dispatch.TokenRecord, error) {
	args := m.Called(ctx, userID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]dispatch.TokenRecord), args.Error(1)
}

func (m *mockTokenStore) MarkInvalid(ctx context.Context, invalid []dispatch.Invalidation) error {
	return m.Called(ctx, invalid).Error(0)
}

type mockSender struct {
	mock.Mock
}

func (m *mockSender) Send(ctx context.Context, recipients []dispatch.Recipient, payload dispatch.Payload) (dispatch.Result, error) {
	args := m.Called(ctx, recipients, payload)
	return args.Get(0).(dispatch.Result), args.Error(1)
}

// recordingGateway stands in for the Expo push API and keeps every chunk it receives.
type recordingGateway struct {
	mu      sync.Mutex
	chunks  [][]expo.Message
	respond func(msgs []expo.Message) ([]expo.Ticket, error)
}

func (g *recordingGateway) Push(_ context.Context, msgs []expo.Message) ([]expo.Ticket, error) {
	g.mu.Lock()
	g.chunks = append(g.chunks, msgs)
	g.mu.Unlock()
	if g.respond != nil {
		return g.respond(msgs)
	}
	tickets := make([]expo.Ticket, len(msgs))
	for i := range tickets {
		tickets[i] = expo.Ticket{Status: "ok"}
	}
	return tickets, nil
}

func (g *recordingGateway) Chunks() [][]expo.Message {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.chunks
}

func validRecord(userID, token string, provider dispatch.Provider) dispatch.TokenRecord {
	return dispatch.NewTokenRecord(userID, token, dispatch.PlatformIOS, provider, time.Now())
}
