// Command gateway runs the Velivolant asynchronous computation dispatch
// fabric: the HTTP/WebSocket-facing gateway process tying together the
// Kafka producer/consumer, the result router, the request dispatcher, the
// Postgres result ledger, and the WebSocket hub.
package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	_ "go.uber.org/automaxprocs"

	"github.com/velivolant/gateway/internal/auth"
	"github.com/velivolant/gateway/internal/config"
	"github.com/velivolant/gateway/internal/consumer"
	"github.com/velivolant/gateway/internal/dispatcher"
	"github.com/velivolant/gateway/internal/hub"
	"github.com/velivolant/gateway/internal/httpapi"
	"github.com/velivolant/gateway/internal/ledger"
	"github.com/velivolant/gateway/internal/monitoring"
	"github.com/velivolant/gateway/internal/platform"
	"github.com/velivolant/gateway/internal/producer"
	"github.com/velivolant/gateway/internal/router"
	"github.com/velivolant/gateway/internal/schemaregistry"
	"github.com/velivolant/gateway/internal/supervisor"
)

func main() {
	os.Exit(run())
}

func run() int {
	bootLogger := monitoring.NewLogger("info", "json")

	cfg, err := config.Load(&bootLogger)
	if err != nil {
		bootLogger.Error().Err(err).Msg("failed to load configuration")
		return 1
	}

	logger := monitoring.NewLogger(cfg.LogLevel, cfg.LogFormat)
	audit := monitoring.NewAuditLogger(logger)

	cfg.LogConfig(logger)
	logger.Info().Int("gomaxprocs", runtime.GOMAXPROCS(0)).Msg("starting gateway")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	sup := supervisor.New(logger)

	// Ledger first: the router can't come up without somewhere to persist
	// results, and nothing downstream of it is useful without durability.
	led, err := ledger.New(ctx, cfg.PostgresDSN(), cfg.PostgresMaxConns, logger)
	if err != nil {
		logger.Error().Err(err).Msg("failed to construct ledger")
		return 1
	}
	sup.Add("ledger", led)

	// WebSocket hub next, so the router has somewhere to broadcast to as
	// soon as results start flowing.
	var jwtManager *auth.JWTManager
	if cfg.JWTSecret != "" {
		jwtManager = auth.NewJWTManager(cfg.JWTSecret)
	}

	// Populated once the dispatcher exists, below; the hub only needs the
	// interface, and Go lets us close over the pointer.
	var dispatch *dispatcher.Dispatcher
	lookup := hub.PendingLookup(lookupFunc(func(requestID string) (*string, *string, bool) {
		if dispatch == nil {
			return nil, nil, false
		}
		return dispatch.LookupPending(requestID)
	}))

	var authVerifier hub.AuthVerifier
	if jwtManager != nil {
		authVerifier = jwtManager
	}

	h := hub.New(authVerifier, lookup, logger, audit)
	sup.Add("hub", h)

	// Producer and consumer: the Kafka-facing edges of the fabric.
	registry := schemaregistry.New(cfg.SchemaRegistryURL, cfg.SchemaRegistryKey, cfg.SchemaRegistrySecret, cfg.SchemaRegistrySubject)
	prod := producer.New(cfg, logger, registry)
	sup.Add("producer", prod)

	disp := dispatcher.New(prod, logger, audit, cfg.WaiterTTL, cfg.PendingEntryTTL, cfg.SubmitAndWaitTimeout)
	dispatch = disp

	r := router.New(led, disp, h, logger, audit)

	cons := consumer.New(cfg, logger, r.Route)
	sup.Add("consumer", cons)

	sup.Add("dispatcher", supervisor.Wrap("dispatcher",
		func(ctx context.Context) error { return disp.Start(ctx, cfg.SweepInterval) },
		disp.Shutdown,
	))

	// Platform sampler runs independently of the supervisor's ordering; it
	// has no dependents and no dependencies.
	sampler := platform.NewSampler(5 * time.Second)
	go sampler.Run(ctx)

	api := httpapi.New(disp, led, http.HandlerFunc(h.ServeHTTP), sampler, logger)
	httpSrv := &http.Server{
		Addr:    cfg.HTTPAddr,
		Handler: api.Handler(),
	}
	sup.Add("httpserver", supervisor.WrapHTTPServer(httpSrv, logger))

	if err := sup.Start(ctx); err != nil {
		logger.Error().Err(err).Msg("startup failed")
		return 1
	}

	logger.Info().Str("addr", cfg.HTTPAddr).Msg("gateway ready")

	<-ctx.Done()
	logger.Info().Msg("shutdown signal received")

	sup.Shutdown(30 * time.Second)
	logger.Info().Msg("gateway stopped")
	return 0
}

// lookupFunc adapts a plain function to hub.PendingLookup.
type lookupFunc func(requestID string) (userID, eventID *string, ok bool)

func (f lookupFunc) LookupPending(requestID string) (userID, eventID *string, ok bool) {
	return f(requestID)
}
