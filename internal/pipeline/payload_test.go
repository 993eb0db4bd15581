package pipeline_test

import (
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/tinywideclouds/go-push-dispatch/internal/pipeline"
	"github.com/tinywideclouds/go-push-dispatch/pkg/dispatch"
)

func TestBuildPayload(t *testing.T) {
	t.Run("Full event", func(t *testing.T) {
		p := pipeline.BuildPayload(dispatch.MessageEvent{
			ID:                "m1",
			ConversationID:    "c1",
			SenderID:          "u1",
			ListingID:         "l1",
			ListingTitle:      "Blue bike",
			SenderDisplayName: "Ana",
			Text:              "Is it still available?",
		})

		assert.Equal(t, `New message about "Blue bike"`, p.Title)
		assert.Equal(t, "Ana: Is it still available?", p.Body)
		assert.Equal(t, map[string]string{
			"type":           "chat_message",
			"conversationId": "c1",
			"listingId":      "l1",
			"messageId":      "m1",
			"senderId":       "u1",
		}, p.Data)
	})

	t.Run("Missing listing and display name", func(t *testing.T) {
		p := pipeline.BuildPayload(dispatch.MessageEvent{SenderID: "u1", Text: "hi"})

		assert.Equal(t, "New message", p.Title)
		assert.Equal(t, "Someone: hi", p.Body)
		assert.Equal(t, map[string]string{"type": "chat_message", "senderId": "u1"}, p.Data)
	})
}

func TestTruncate(t *testing.T) {
	assert.Equal(t, "short", pipeline.Truncate("short", 80))

	exact := strings.Repeat("a", 80)
	assert.Equal(t, exact, pipeline.Truncate(exact, 80))

	long := strings.Repeat("é", 81)
	got := pipeline.Truncate(long, 80)
	assert.Equal(t, 81, utf8.RuneCountInString(got))
	assert.True(t, strings.HasSuffix(got, "…"))
	assert.True(t, utf8.ValidString(got))
}
