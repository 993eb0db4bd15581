package pipeline_test

import (
	"context"
	"testing"

	"github.com/illmade-knight/go-dataflow/pkg/messagepipeline"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"github.com/tinywideclouds/go-push-dispatch/internal/pipeline"
	"github.com/tinywideclouds/go-push-dispatch/internal/platform/expo"
	"github.com/tinywideclouds/go-push-dispatch/pkg/dispatch"
)

func TestProcessor(t *testing.T) {
	ctx := context.Background()

	t.Run("Runs the batch through the orchestrator", func(t *testing.T) {
		store := new(mockTokenStore)
		store.On("ValidTokens", mock.Anything, "u2").
			Return([]dispatch.TokenRecord{validRecord("u2", "ExponentPushToken[x]", dispatch.ProviderExpo)}, nil)
		gateway := &recordingGateway{}
		processor := pipeline.NewProcessor(newExpoOrchestrator(store, gateway), newTestLogger())

		err := processor(ctx, messagepipeline.Message{}, &pipeline.EventBatch{Events: []dispatch.MessageEvent{
			{ID: "m1", SenderID: "u1", Participants: []string{"u1", "u2"}},
		}})

		require.NoError(t, err)
		assert.Len(t, gateway.Chunks(), 1)
	})

	t.Run("Delivery failures still ack", func(t *testing.T) {
		store := new(mockTokenStore)
		store.On("ValidTokens", mock.Anything, "u2").
			Return([]dispatch.TokenRecord{validRecord("u2", "ExponentPushToken[x]", dispatch.ProviderExpo)}, nil)
		gateway := &recordingGateway{respond: func(msgs []expo.Message) ([]expo.Ticket, error) {
			return nil, &expo.StatusError{StatusCode: 503}
		}}
		processor := pipeline.NewProcessor(newExpoOrchestrator(store, gateway), newTestLogger())

		err := processor(ctx, messagepipeline.Message{}, &pipeline.EventBatch{Events: []dispatch.MessageEvent{
			{ID: "m1", SenderID: "u1", Participants: []string{"u2"}},
		}})

		require.NoError(t, err)
	})

	t.Run("Empty batch is a no-op", func(t *testing.T) {
		processor := pipeline.NewProcessor(newExpoOrchestrator(new(mockTokenStore), &recordingGateway{}), newTestLogger())
		assert.NoError(t, processor(ctx, messagepipeline.Message{}, &pipeline.EventBatch{}))
		assert.NoError(t, processor(ctx, messagepipeline.Message{}, nil))
	})
}
