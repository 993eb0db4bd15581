// Package pushservice assembles the push dispatch service: the Pub/Sub event
// pipeline and the token registration API on one BaseServer.
package pushservice

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/illmade-knight/go-dataflow/pkg/messagepipeline"
	"github.com/tinywideclouds/go-microservice-base/pkg/microservice"
	"github.com/tinywideclouds/go-microservice-base/pkg/middleware"
	"golang.org/x/time/rate"

	"github.com/tinywideclouds/go-push-dispatch/internal/api"
	"github.com/tinywideclouds/go-push-dispatch/internal/pipeline"
	"github.com/tinywideclouds/go-push-dispatch/pkg/dispatch"
	"github.com/tinywideclouds/go-push-dispatch/pushservice/config"
)

// rateLimiterIdle is how long an idle client's bucket is kept.
const rateLimiterIdle = 10 * time.Minute

type Wrapper struct {
	*microservice.BaseServer
	pipelineService *messagepipeline.StreamingService[pipeline.EventBatch]
	orchestrator    *pipeline.Orchestrator
	logger          *slog.Logger
}

// New assembles the service. Senders is the provider registry; a provider
// missing from it is skipped at dispatch time.
func New(
	cfg *config.Config,
	consumer messagepipeline.MessageConsumer,
	senders map[dispatch.Provider]dispatch.Sender,
	tokenStore dispatch.TokenStore,
	authMiddleware func(http.Handler) http.Handler,
	logger *slog.Logger,
) (*Wrapper, error) {

	// 1. Base Server
	baseServer := microservice.NewBaseServer(logger, cfg.ListenAddr)

	// 2. Fan-out core
	router := pipeline.NewRouter(senders, tokenStore, logger)
	orchestrator := pipeline.NewOrchestrator(pipeline.NewResolver(tokenStore, logger), router, logger)
	processor := pipeline.NewProcessor(orchestrator, logger)
	logger.Info("Provider registry ready", "providers", router.Providers())

	// 3. Pipeline
	streamingService, err := messagepipeline.NewStreamingService[pipeline.EventBatch](
		messagepipeline.StreamingServiceConfig{NumWorkers: cfg.NumPipelineWorkers},
		consumer,
		pipeline.EventBatchTransformer,
		processor,
		logger,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create streaming service: %w", err)
	}

	// 4. API (Token Registration)
	tokenAPI := api.NewTokenAPI(tokenStore, logger)
	registerRoutes(baseServer.Mux(), cfg, tokenAPI, authMiddleware, logger)

	return &Wrapper{
		BaseServer:      baseServer,
		pipelineService: streamingService,
		orchestrator:    orchestrator,
		logger:          logger,
	}, nil
}

func registerRoutes(
	mux *http.ServeMux,
	cfg *config.Config,
	tokenAPI *api.TokenAPI,
	authMiddleware func(http.Handler) http.Handler,
	logger *slog.Logger,
) {
	if authMiddleware == nil {
		authMiddleware = func(h http.Handler) http.Handler { return h }
	}
	limit := func(h http.Handler) http.Handler { return h }
	if cfg.RateLimit.RequestsPerSecond > 0 {
		limiter := api.NewIPRateLimiter(rate.Limit(cfg.RateLimit.RequestsPerSecond), cfg.RateLimit.Burst, rateLimiterIdle, logger)
		limit = limiter.Middleware
	}

	corsMiddleware := middleware.NewCorsMiddleware(cfg.CorsConfig, logger)
	protect := func(h http.HandlerFunc) http.Handler {
		return corsMiddleware(limit(authMiddleware(h)))
	}

	// OPTIONS
	mux.Handle("OPTIONS /api/v1/", corsMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {})))

	mux.Handle("POST /api/v1/tokens", protect(tokenAPI.RegisterToken))
	mux.Handle("GET /api/v1/tokens", protect(tokenAPI.ListTokens))
	mux.Handle("POST /api/v1/tokens/unregister", protect(tokenAPI.UnregisterToken))
}

// ProcessEvents runs events through the fan-out directly, bypassing Pub/Sub.
func (w *Wrapper) ProcessEvents(ctx context.Context, events []dispatch.MessageEvent) pipeline.RunSummary {
	return w.orchestrator.ProcessEvents(ctx, events)
}

func (w *Wrapper) Start(ctx context.Context) error {
	w.logger.Info("Core processing pipeline starting...")
	if err := w.pipelineService.Start(ctx); err != nil {
		return fmt.Errorf("failed to start processing service: %w", err)
	}
	w.SetReady(true)
	w.logger.Info("Service is now ready.")
	return w.BaseServer.Start()
}

func (w *Wrapper) Shutdown(ctx context.Context) error {
	w.logger.Info("Shutting down service components...")
	var finalErr error
	if err := w.pipelineService.Stop(ctx); err != nil {
		w.logger.Error("Processing pipeline shutdown failed.", "err", err)
		finalErr = err
	}
	if err := w.BaseServer.Shutdown(ctx); err != nil {
		w.logger.Error("HTTP server shutdown failed.", "err", err)
		finalErr = err
	}
	w.logger.Info("Service shutdown complete.")
	return finalErr
}
