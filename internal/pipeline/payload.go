package pipeline

import (
	"fmt"
	"unicode/utf8"

	"github.com/tinywideclouds/go-push-dispatch/pkg/dispatch"
)

const (
	// MaxBodyText is the longest message excerpt shown in a notification body.
	MaxBodyText = 80
	// ChatMessageType is the data.type discriminator the app routes taps on.
	ChatMessageType = "chat_message"
)

// BuildPayload renders the chat notification for an event.
func BuildPayload(event dispatch.MessageEvent) dispatch.Payload {
	title := "New message"
	if event.ListingTitle != "" {
		title = fmt.Sprintf("New message about \"%s\"", event.ListingTitle)
	}

	sender := event.SenderDisplayName
	if sender == "" {
		sender = "Someone"
	}

	data := map[string]string{"type": ChatMessageType}
	for k, v := range map[string]string{
		"conversationId": event.ConversationID,
		"listingId":      event.ListingID,
		"messageId":      event.ID,
		"senderId":       event.SenderID,
	} {
		if v != "" {
			data[k] = v
		}
	}

	return dispatch.Payload{
		Title: title,
		Body:  sender + ": " + Truncate(event.Text, MaxBodyText),
		Data:  data,
	}
}

// Truncate shortens s to max runes, marking the cut with an ellipsis.
func Truncate(s string, max int) string {
	if utf8.RuneCountInString(s) <= max {
		return s
	}
	runes := []rune(s)
	return string(runes[:max]) + "…"
}
