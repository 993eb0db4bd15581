package apns

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"testing"

	"github.com/sideshow/apns2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"github.com/tinywideclouds/go-push-dispatch/pkg/dispatch"
)

// MockAPNSClient definition repeated here for internal test visibility
type MockAPNSClient struct {
	mock.Mock
}

func (m *MockAPNSClient) PushWithContext(ctx apns2.Context, n *apns2.Notification) (*apns2.Response, error) {
	args := m.Called(ctx, n)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*apns2.Response), args.Error(1)
}

func deviceToken(c string) string {
	return strings.Repeat(c, 64)
}

func recipient(c string) dispatch.Recipient {
	tok := deviceToken(c)
	return dispatch.Recipient{UserID: "u", Token: tok, DocID: dispatch.DocumentID("u", tok), Provider: dispatch.ProviderAPNS}
}

func TestDispatch_Internal(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	ctx := context.Background()
	content := dispatch.Payload{Title: "Hello iOS", Data: map[string]string{"msg_id": "123"}}

	t.Run("Happy Path - Success", func(t *testing.T) {
		mockClient := new(MockAPNSClient)
		dispatcher := newDispatcher(mockClient, "com.test.app", 2, logger)

		mockClient.On("PushWithContext", ctx, mock.MatchedBy(func(n *apns2.Notification) bool {
			return n.DeviceToken == deviceToken("a") && n.Topic == "com.test.app"
		})).Return(&apns2.Response{StatusCode: http.StatusOK}, nil)

		res, err := dispatcher.Send(ctx, []dispatch.Recipient{recipient("a")}, content)

		require.NoError(t, err)
		assert.Empty(t, res.Invalid)
		assert.Equal(t, 1, res.Sent)
		mockClient.AssertExpectations(t)
	})

	t.Run("Self-Healing - Unregistered", func(t *testing.T) {
		mockClient := new(MockAPNSClient)
		dispatcher := newDispatcher(mockClient, "com.test.app", 1, logger)

		mockClient.On("PushWithContext", mock.Anything, mock.Anything).Return(&apns2.Response{
			StatusCode: http.StatusGone,
			Reason:     apns2.ReasonUnregistered,
		}, nil)

		r := recipient("b")
		res, err := dispatcher.Send(ctx, []dispatch.Recipient{r}, content)

		require.NoError(t, err)
		require.Len(t, res.Invalid, 1)
		assert.Equal(t, r.DocID, res.Invalid[0].DocID)
		assert.Equal(t, apns2.ReasonUnregistered, res.Invalid[0].Reason)
	})

	t.Run("Configuration errors keep the token", func(t *testing.T) {
		mockClient := new(MockAPNSClient)
		dispatcher := newDispatcher(mockClient, "com.test.app", 1, logger)

		mockClient.On("PushWithContext", mock.Anything, mock.Anything).Return(&apns2.Response{
			StatusCode: http.StatusBadRequest,
			Reason:     apns2.ReasonTopicDisallowed,
		}, nil)

		res, err := dispatcher.Send(ctx, []dispatch.Recipient{recipient("c")}, content)

		require.NoError(t, err)
		assert.Empty(t, res.Invalid)
		assert.Equal(t, 1, res.Failed)
	})

	t.Run("Transport Failure - counted, not raised", func(t *testing.T) {
		mockClient := new(MockAPNSClient)
		dispatcher := newDispatcher(mockClient, "com.test.app", 1, logger)

		mockClient.On("PushWithContext", mock.Anything, mock.Anything).Return(nil, errors.New("connection refused"))

		res, err := dispatcher.Send(ctx, []dispatch.Recipient{recipient("d"), recipient("e")}, content)

		require.NoError(t, err)
		assert.Empty(t, res.Invalid)
		assert.Equal(t, 2, res.Failed)
		assert.Equal(t, 2, res.Requests)
	})

	t.Run("Malformed tokens are skipped", func(t *testing.T) {
		mockClient := new(MockAPNSClient)
		dispatcher := newDispatcher(mockClient, "com.test.app", 1, logger)

		res, err := dispatcher.Send(ctx, []dispatch.Recipient{{Token: "ExponentPushToken[x]"}}, content)

		require.NoError(t, err)
		assert.Equal(t, 1, res.Skipped)
		mockClient.AssertNotCalled(t, "PushWithContext", mock.Anything, mock.Anything)
	})

	t.Run("Cancelled context stops the group", func(t *testing.T) {
		mockClient := new(MockAPNSClient)
		dispatcher := newDispatcher(mockClient, "com.test.app", 1, logger)
		cancelled, cancel := context.WithCancel(ctx)
		cancel()

		res, err := dispatcher.Send(cancelled, []dispatch.Recipient{recipient("f"), recipient("g")}, content)

		require.NoError(t, err)
		assert.Equal(t, 2, res.Failed)
		assert.Zero(t, res.Requests)
		mockClient.AssertNotCalled(t, "PushWithContext", mock.Anything, mock.Anything)
	})

	t.Run("A panicking group is counted as failed", func(t *testing.T) {
		mockClient := new(MockAPNSClient)
		dispatcher := newDispatcher(mockClient, "com.test.app", 1, logger)
		mockClient.On("PushWithContext", mock.Anything, mock.Anything).Run(func(mock.Arguments) { panic("bad response") })

		res, err := dispatcher.Send(ctx, []dispatch.Recipient{recipient("h"), recipient("i")}, content)

		require.NoError(t, err)
		assert.Equal(t, 2, res.Attempted)
		assert.Equal(t, 2, res.Failed)
	})
}
