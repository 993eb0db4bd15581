package pipeline

import (
	"context"
	"log/slog"

	"github.com/illmade-knight/go-dataflow/pkg/messagepipeline"
)

// NewProcessor adapts the Orchestrator to the dataflow StreamProcessor.
// Delivery is fire-and-forget: the message is acked whatever the outcome,
// since a redelivery would re-notify the recipients that did get through.
func NewProcessor(orchestrator *Orchestrator, logger *slog.Logger) messagepipeline.StreamProcessor[EventBatch] {
	return func(ctx context.Context, original messagepipeline.Message, batch *EventBatch) error {
		if batch == nil || len(batch.Events) == 0 {
			logger.Debug("Empty event batch", "pubsub_msg_id", original.ID)
			return nil
		}

		summary := orchestrator.ProcessEvents(ctx, batch.Events)
		logger.Debug("Processed message", "pubsub_msg_id", original.ID, "run_id", summary.RunID)
		return nil
	}
}
