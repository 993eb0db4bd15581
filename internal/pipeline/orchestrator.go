package pipeline

import (
	"context"
	"log/slog"

	"github.com/google/uuid"

	"github.com/tinywideclouds/go-push-dispatch/pkg/dispatch"
)

// RunSummary aggregates the outcome of one batch of events.
type RunSummary struct {
	RunID      string
	Events     int
	Skipped    int
	Recipients int
	Sent       int
	Failed     int
	Invalid    int
	Malformed  int
	Unrouted   int
}

// Orchestrator turns chat message events into dispatched notifications.
type Orchestrator struct {
	resolver *Resolver
	router   *Router
	logger   *slog.Logger
}

func NewOrchestrator(resolver *Resolver, router *Router, logger *slog.Logger) *Orchestrator {
	return &Orchestrator{resolver: resolver, router: router, logger: logger.With("component", "Orchestrator")}
}

// ProcessEvents handles events one at a time so two events never race to
// invalidate the same token. A bad event is skipped; the rest still run.
func (o *Orchestrator) ProcessEvents(ctx context.Context, events []dispatch.MessageEvent) RunSummary {
	summary := RunSummary{RunID: uuid.NewString()}
	runLogger := o.logger.With("run_id", summary.RunID)

	for _, event := range events {
		summary.Events++
		if !o.processEvent(ctx, runLogger, event, &summary) {
			summary.Skipped++
		}
	}

	runLogger.Info("Notification run complete",
		"events", summary.Events,
		"skipped", summary.Skipped,
		"recipients", summary.Recipients,
		"sent", summary.Sent,
		"failed", summary.Failed,
		"invalid", summary.Invalid,
		"malformed", summary.Malformed,
		"unrouted", summary.Unrouted,
	)
	return summary
}

// processEvent reports whether the event reached the dispatch stage.
func (o *Orchestrator) processEvent(ctx context.Context, logger *slog.Logger, event dispatch.MessageEvent, summary *RunSummary) bool {
	eventLogger := logger.With("event_id", event.ID, "conversation_id", event.ConversationID)

	if event.SenderID == "" || len(event.Participants) == 0 {
		eventLogger.Warn("Skipping event without sender or participants")
		return false
	}

	userIDs := Recipients(event)
	if len(userIDs) == 0 {
		eventLogger.Debug("No recipients besides the sender")
		return false
	}

	recipients := o.resolver.FetchValidTokens(ctx, userIDs)
	if len(recipients) == 0 {
		eventLogger.Debug("No valid tokens for recipients", "users", len(userIDs))
		return false
	}

	totals := o.router.Dispatch(ctx, recipients, BuildPayload(event))

	summary.Recipients += len(recipients)
	summary.Sent += totals.Sent
	summary.Failed += totals.Failed
	summary.Invalid += totals.Invalid
	summary.Malformed += totals.Skipped
	summary.Unrouted += totals.Unrouted

	eventLogger.Debug("Event dispatched", "recipients", len(recipients), "sent", totals.Sent, "invalid", totals.Invalid)
	return true
}
