// Package pipeline contains the core message processing components for the service.
package pipeline

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/illmade-knight/go-dataflow/pkg/messagepipeline"

	"github.com/tinywideclouds/go-push-dispatch/pkg/dispatch"
)

// EventBatch is the decoded body of one Pub/Sub message.
type EventBatch struct {
	Events []dispatch.MessageEvent
}

var errEmptyPayload = errors.New("empty payload")

// EventBatchTransformer is a dataflow Transformer that decodes a raw message
// payload into an EventBatch. The body may be a single event, a JSON array of
// events or an {"events": [...]} envelope.
func EventBatchTransformer(
	_ context.Context,
	msg *messagepipeline.Message,
) (*EventBatch, bool, error) {
	events, err := decodeEvents(msg.Payload)
	if err != nil {
		// Undecodable payloads will never succeed: set skip=true so the
		// StreamingService can handle the Nack/DLQ logic.
		return nil, true, fmt.Errorf("failed to unmarshal message events from message %s: %w", msg.ID, err)
	}

	return &EventBatch{Events: events}, false, nil
}

func decodeEvents(payload []byte) ([]dispatch.MessageEvent, error) {
	trimmed := bytes.TrimSpace(payload)
	if len(trimmed) == 0 {
		return nil, errEmptyPayload
	}

	switch trimmed[0] {
	case '[':
		var events []dispatch.MessageEvent
		if err := json.Unmarshal(trimmed, &events); err != nil {
			return nil, err
		}
		return events, nil
	case '{':
		var envelope struct {
			Events *[]dispatch.MessageEvent `json:"events"`
		}
		if err := json.Unmarshal(trimmed, &envelope); err != nil {
			return nil, err
		}
		if envelope.Events != nil {
			return *envelope.Events, nil
		}
		var event dispatch.MessageEvent
		if err := json.Unmarshal(trimmed, &event); err != nil {
			return nil, err
		}
		return []dispatch.MessageEvent{event}, nil
	default:
		return nil, fmt.Errorf("expected a JSON object or array, got %q", trimmed[0])
	}
}
