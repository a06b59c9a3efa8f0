// Package httpapi exposes the gateway's synchronous HTTP surface: request
// submission (fire-and-forget and request/reply), result lookup, the
// typed convenience endpoints, and operational stats — plus the /ws
// upgrade and /metrics/ /health endpoints alongside them.
package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"github.com/velivolant/gateway/internal/dispatcher"
	"github.com/velivolant/gateway/internal/ledger"
	"github.com/velivolant/gateway/internal/monitoring"
	"github.com/velivolant/gateway/internal/platform"
	"github.com/velivolant/gateway/internal/types"
)

// Dispatch is the subset of internal/dispatcher.Dispatcher the HTTP surface
// depends on.
type Dispatch interface {
	Submit(ctx context.Context, requestType types.RequestType, payload []byte, opts dispatcher.SubmitOptions) (requestID, correlationID string, err error)
	SubmitAndWait(ctx context.Context, requestType types.RequestType, payload []byte, opts dispatcher.SubmitOptions) (types.ResultRecord, error)
	CalculateBAC(ctx context.Context, userID, eventID string, libations []string, timeout time.Duration) (types.ResultRecord, error)
	GetEventAnalytics(ctx context.Context, eventID string, timeout time.Duration) (types.ResultRecord, error)
	GenerateLeaderboard(ctx context.Context, eventID string, limit int, metric string, timeout time.Duration) (types.ResultRecord, error)
	PendingCount() int
}

// Ledger is the subset of internal/ledger.Ledger the HTTP surface depends
// on.
type Ledger interface {
	GetByRequestID(ctx context.Context, requestID string) (types.LedgerRow, error)
	StatsSince(ctx context.Context, since time.Duration) ([]ledger.StatusCount, error)
}

// Sampler is the subset of internal/platform.Sampler the HTTP surface
// depends on: the latest process CPU/memory reading, surfaced on
// GET /api/compute/stats.
type Sampler interface {
	Latest() platform.Sample
}

// Server wires the compute dispatch fabric's HTTP handlers.
type Server struct {
	dispatch  Dispatch
	ledger    Ledger
	wsHandler http.Handler
	sampler   Sampler
	logger    zerolog.Logger
	startedAt time.Time
}

// New builds a Server. wsHandler may be nil to omit the /ws route (e.g. in
// tests that exercise only the REST surface); sampler may be nil to omit
// the resource-usage reading from /api/compute/stats.
func New(dispatch Dispatch, led Ledger, wsHandler http.Handler, sampler Sampler, logger zerolog.Logger) *Server {
	return &Server{
		dispatch:  dispatch,
		ledger:    led,
		wsHandler: wsHandler,
		sampler:   sampler,
		logger:    logger.With().Str("component", "httpapi").Logger(),
		startedAt: time.Now(),
	}
}

// Handler builds the routed http.Handler for the whole surface.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("POST /api/compute/submit", s.withCORS(s.handleSubmit))
	mux.HandleFunc("POST /api/compute/execute", s.withCORS(s.handleExecute))
	mux.HandleFunc("GET /api/compute/result/{requestId}", s.withCORS(s.handleResult))
	mux.HandleFunc("POST /api/compute/bac", s.withCORS(s.handleBAC))
	mux.HandleFunc("GET /api/compute/analytics/{eventId}", s.withCORS(s.handleAnalytics))
	mux.HandleFunc("GET /api/compute/leaderboard/{eventId}", s.withCORS(s.handleLeaderboard))
	mux.HandleFunc("GET /api/compute/stats", s.withCORS(s.handleStats))
	mux.HandleFunc("GET /health", s.withCORS(s.handleHealth))
	mux.Handle("GET /metrics", monitoring.Handler())

	if s.wsHandler != nil {
		mux.Handle("GET /ws", s.wsHandler)
	}

	return mux
}

func (s *Server) withCORS(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-Verified-User")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}
		next(w, r)
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]any{"success": false, "error": message})
}

// verifiedUserID reads the identity an upstream authenticating proxy has
// already established for the request. The gateway trusts this header at
// its network boundary and performs no credential verification of its own
// on the HTTP surface (WebSocket auth is separate and in-band, see
// internal/auth).
func verifiedUserID(r *http.Request) *string {
	v := r.Header.Get("X-Verified-User")
	if v == "" {
		return nil
	}
	return &v
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"status":  "healthy",
		"uptime":  time.Since(s.startedAt).Seconds(),
	})
}
