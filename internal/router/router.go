// Package router implements C3, the result router: for each decoded result
// it upserts the ledger, resolves the matching waiter, and broadcasts to
// the WebSocket hub — the ledger write happens-before the other two, each
// independently isolated from the others' panics/errors.
package router

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/velivolant/gateway/internal/monitoring"
	"github.com/velivolant/gateway/internal/types"
)

// LedgerWriter is the subset of internal/ledger.Ledger the router depends on.
type LedgerWriter interface {
	UpsertResult(ctx context.Context, result types.ResultRecord) error
}

// WaiterResolver is the subset of internal/dispatcher.Dispatcher the router
// depends on.
type WaiterResolver interface {
	Resolve(result types.ResultRecord) (found bool)
}

// Broadcaster is the subset of internal/hub.Hub the router depends on.
type Broadcaster interface {
	BroadcastResult(result types.ResultRecord)
}

// Router is the internal event sink fanning a decoded ResultRecord out to
// its three subscribers, grounded on spec.md §9's "small internal event
// sink" redesign note.
type Router struct {
	ledger  LedgerWriter
	waiters WaiterResolver
	hub     Broadcaster
	logger  zerolog.Logger
	audit   *monitoring.AuditLogger
}

// New builds a Router. hub may be nil if no WebSocket surface is attached.
func New(ledger LedgerWriter, waiters WaiterResolver, hub Broadcaster, logger zerolog.Logger, audit *monitoring.AuditLogger) *Router {
	return &Router{
		ledger:  ledger,
		waiters: waiters,
		hub:     hub,
		logger:  logger.With().Str("component", "router").Logger(),
		audit:   audit,
	}
}

// Route is invoked by the consumer for every decoded result record. It is
// the consumer.ResultHandler.
func (r *Router) Route(ctx context.Context, result types.ResultRecord) {
	// Step 1: persist. Must complete (or report failure) before steps 2/3 —
	// the ledger is the recovery surface.
	r.persist(ctx, result)

	// Steps 2 and 3 are unordered relative to each other and independently
	// isolated: one panicking/erroring subscriber never blocks the other.
	r.resolveWaiter(result)
	r.broadcast(result)

	monitoring.ResultsRoutedTotal.WithLabelValues("router", "completed").Inc()
}

func (r *Router) persist(ctx context.Context, result types.ResultRecord) {
	defer monitoring.RecoverPanic(r.logger, "router.persist", map[string]any{"requestId": result.RequestID})

	start := time.Now()
	err := r.ledger.UpsertResult(ctx, result)
	monitoring.LedgerUpsertLatencySeconds.Observe(time.Since(start).Seconds())

	if err != nil {
		monitoring.LedgerUpsertsTotal.WithLabelValues("error").Inc()
		monitoring.ResultsRoutedTotal.WithLabelValues("ledger", "error").Inc()
		// PersistenceError: waiter is still resolved and broadcast still
		// attempted; the caller is not penalized for a ledger outage.
		r.audit.Error("PersistenceError", map[string]any{
			"requestId":     result.RequestID,
			"correlationId": result.CorrelationID,
			"error":         err.Error(),
		})
		return
	}

	monitoring.LedgerUpsertsTotal.WithLabelValues("success").Inc()
	monitoring.ResultsRoutedTotal.WithLabelValues("ledger", "success").Inc()
}

func (r *Router) resolveWaiter(result types.ResultRecord) {
	defer monitoring.RecoverPanic(r.logger, "router.resolveWaiter", map[string]any{"requestId": result.RequestID})

	if r.waiters == nil {
		return
	}

	found := r.waiters.Resolve(result)
	outcome := "no_waiter"
	if found {
		outcome = "resolved"
	}
	monitoring.ResultsRoutedTotal.WithLabelValues("waiter", outcome).Inc()

	if result.Status == types.ResultStatusTimeout {
		// TIMEOUT emitted by the backend itself is distinct from a
		// dispatcher-local SubmitAndWait timeout — tag the source so the
		// two are never conflated in the audit trail.
		r.audit.Warning("ResultTimeout", map[string]any{
			"requestId":     result.RequestID,
			"correlationId": result.CorrelationID,
			"source":        "backend",
		})
	}
}

func (r *Router) broadcast(result types.ResultRecord) {
	defer monitoring.RecoverPanic(r.logger, "router.broadcast", map[string]any{"requestId": result.RequestID})

	if r.hub == nil {
		monitoring.ResultsRoutedTotal.WithLabelValues("hub", "no_hub").Inc()
		return
	}

	r.hub.BroadcastResult(result)
	monitoring.ResultsRoutedTotal.WithLabelValues("hub", "broadcast").Inc()
}
