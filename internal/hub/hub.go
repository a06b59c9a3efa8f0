// Package hub implements C6, the WebSocket hub: it upgrades HTTP
// connections, authenticates them in-band, tracks per-user and per-event
// subscriptions, and fans completed results out to subscribed connections.
package hub

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gobwas/ws"
	"github.com/rs/zerolog"

	"github.com/velivolant/gateway/internal/monitoring"
	"github.com/velivolant/gateway/internal/types"
)

// sweepPeriod is the hub-wide liveness sweep interval: every tick, every
// connection still marked alive is flagged not-alive and pinged; a
// connection that was already not-alive (no pong since the last sweep) is
// terminated. This is the explicit-flag design, distinct from the teacher's
// deadline-reset-only liveness model.
const sweepPeriod = 30 * time.Second

// AuthVerifier validates a bearer token and returns the identity it names.
// Implemented by internal/auth.JWTManager.
type AuthVerifier interface {
	Verify(token string) (userID, email string, err error)
}

// PendingLookup resolves the userId/eventId a requestId was submitted
// under, letting the hub route a ResultRecord broadcast without widening
// the wire record itself. Implemented by internal/dispatcher.Dispatcher.
type PendingLookup interface {
	LookupPending(requestID string) (userID, eventID *string, ok bool)
}

type frame struct {
	Type             string          `json:"type"`
	Token            string          `json:"token,omitempty"`
	EventID          string          `json:"eventId,omitempty"`
	UserID           string          `json:"userId,omitempty"`
	Email            string          `json:"email,omitempty"`
	Message          string          `json:"message,omitempty"`
	RequestID        string          `json:"requestId,omitempty"`
	CorrelationID    string          `json:"correlationId,omitempty"`
	Status           string          `json:"status,omitempty"`
	Payload          json.RawMessage `json:"payload,omitempty"`
	ComputedAt       *time.Time      `json:"computedAt,omitempty"`
	ProcessingTimeMs int64           `json:"processingTimeMs,omitempty"`
	ErrorMessage     string          `json:"errorMessage,omitempty"`
}

func encodeFrame(f frame) []byte {
	b, _ := json.Marshal(f)
	return b
}

// Hub owns the connection registry and the two subscription indices.
type Hub struct {
	logger zerolog.Logger
	audit  *monitoring.AuditLogger
	auth   AuthVerifier
	lookup PendingLookup

	nextID atomic.Int64

	mu          sync.RWMutex
	connections map[int64]*Connection

	byUser  *SubscriptionIndex
	byEvent *SubscriptionIndex

	stopCh chan struct{}
	doneCh chan struct{}
}

// New builds a Hub. lookup may be nil, in which case results are broadcast
// to no one (useful when the dispatcher isn't wired, e.g. in tests).
func New(auth AuthVerifier, lookup PendingLookup, logger zerolog.Logger, audit *monitoring.AuditLogger) *Hub {
	return &Hub{
		logger:      logger.With().Str("component", "hub").Logger(),
		audit:       audit,
		auth:        auth,
		lookup:      lookup,
		connections: make(map[int64]*Connection),
		byUser:      NewSubscriptionIndex(),
		byEvent:     NewSubscriptionIndex(),
		stopCh:      make(chan struct{}),
		doneCh:      make(chan struct{}),
	}
}

// Start launches the liveness sweep goroutine.
func (h *Hub) Start(ctx context.Context) error {
	go h.sweepLoop(ctx)
	return nil
}

// Shutdown stops the sweep goroutine and closes every connection.
func (h *Hub) Shutdown(ctx context.Context) error {
	close(h.stopCh)
	select {
	case <-h.doneCh:
	case <-ctx.Done():
	}

	h.mu.Lock()
	conns := make([]*Connection, 0, len(h.connections))
	for _, c := range h.connections {
		conns = append(conns, c)
	}
	h.mu.Unlock()

	for _, c := range conns {
		h.disconnect(c, "shutdown")
	}
	return nil
}

func (h *Hub) sweepLoop(ctx context.Context) {
	defer close(h.doneCh)
	defer monitoring.RecoverPanic(h.logger, "hub.sweepLoop", nil)

	ticker := time.NewTicker(sweepPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-h.stopCh:
			return
		case <-ticker.C:
			h.sweep()
		}
	}
}

// sweep implements the spec's explicit alive-flag liveness check: a
// connection not seen alive since the prior sweep is terminated; every
// surviving connection is flagged not-alive and re-pinged, so the next
// sweep only spares connections that replied in between.
func (h *Hub) sweep() {
	h.mu.RLock()
	conns := make([]*Connection, 0, len(h.connections))
	for _, c := range h.connections {
		conns = append(conns, c)
	}
	h.mu.RUnlock()

	for _, c := range conns {
		if !c.alive.Swap(false) {
			h.disconnect(c, "liveness_timeout")
			continue
		}
		c.requestPing()
	}
}

// ServeHTTP upgrades an HTTP request to a WebSocket connection and launches
// its read/write pumps, adapted from the teacher's handlers_ws.go.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, _, _, err := ws.UpgradeHTTP(r, w)
	if err != nil {
		h.logger.Warn().Err(err).Msg("websocket upgrade failed")
		return
	}

	id := h.nextID.Add(1)
	c := newConnection(id, conn, h)

	h.mu.Lock()
	h.connections[id] = c
	h.mu.Unlock()

	monitoring.WSConnectionsActive.Inc()
	monitoring.WSConnectionsTotal.Inc()

	go h.writePump(c)
	go h.readPump(c)
}

func (h *Hub) disconnect(c *Connection, reason string) {
	h.mu.Lock()
	if _, ok := h.connections[c.id]; !ok {
		h.mu.Unlock()
		return
	}
	delete(h.connections, c.id)
	h.mu.Unlock()

	h.byUser.RemoveConnection(c)
	h.byEvent.RemoveConnection(c)
	c.close()

	monitoring.WSConnectionsActive.Dec()
	monitoring.WSDisconnectsTotal.WithLabelValues(reason).Inc()
}

// handleMessage dispatches one decoded inbound frame, adapted from the
// teacher's handlers_message.go dispatch switch.
func (h *Hub) handleMessage(c *Connection, raw []byte) {
	var f frame
	if err := json.Unmarshal(raw, &f); err != nil {
		c.trySend(encodeFrame(frame{Type: "error", Message: "malformed message"}))
		return
	}

	switch f.Type {
	case "authenticate":
		h.handleAuthenticate(c, f)
	case "subscribe_event":
		h.handleSubscribe(c, f)
	case "unsubscribe_event":
		h.handleUnsubscribe(c, f)
	case "ping":
		c.trySend(encodeFrame(frame{Type: "pong"}))
	default:
		c.trySend(encodeFrame(frame{Type: "error", Message: "unknown message type"}))
	}
}

func (h *Hub) handleAuthenticate(c *Connection, f frame) {
	if h.auth == nil || f.Token == "" {
		monitoring.WSAuthFailuresTotal.Inc()
		c.trySend(encodeFrame(frame{Type: "error", Message: "authentication failed"}))
		return
	}

	userID, email, err := h.auth.Verify(f.Token)
	if err != nil {
		monitoring.WSAuthFailuresTotal.Inc()
		h.audit.Warning("WSAuthFailed", map[string]any{"clientId": c.id, "error": err.Error()})
		c.trySend(encodeFrame(frame{Type: "error", Message: "authentication failed"}))
		return
	}

	c.mu.Lock()
	c.authenticated = true
	c.userID = userID
	c.email = email
	c.mu.Unlock()

	h.byUser.Add(userID, c)
	c.trySend(encodeFrame(frame{Type: "authenticated", UserID: userID, Email: email}))
}

func (h *Hub) handleSubscribe(c *Connection, f frame) {
	if f.EventID == "" {
		c.trySend(encodeFrame(frame{Type: "error", Message: "eventId is required"}))
		return
	}

	c.mu.Lock()
	c.subscribedEvents[f.EventID] = struct{}{}
	c.mu.Unlock()

	h.byEvent.Add(f.EventID, c)
	c.trySend(encodeFrame(frame{Type: "subscribed", EventID: f.EventID}))
}

func (h *Hub) handleUnsubscribe(c *Connection, f frame) {
	if f.EventID == "" {
		c.trySend(encodeFrame(frame{Type: "error", Message: "eventId is required"}))
		return
	}

	c.mu.Lock()
	delete(c.subscribedEvents, f.EventID)
	c.mu.Unlock()

	h.byEvent.Remove(f.EventID, c)
	c.trySend(encodeFrame(frame{Type: "unsubscribed", EventID: f.EventID}))
}

// BroadcastResult implements router.Broadcaster: it resolves the result's
// originating userId/eventId via the dispatcher's pending table and fans
// the frame out to both subscription sets, deduplicating connections
// subscribed to both.
func (h *Hub) BroadcastResult(result types.ResultRecord) {
	if h.lookup == nil {
		return
	}

	userID, eventID, ok := h.lookup.LookupPending(result.RequestID)
	if !ok {
		return
	}

	computedAt := result.ComputedAt
	f := frame{
		Type:             "computation_result",
		RequestID:        result.RequestID,
		CorrelationID:    result.CorrelationID,
		Status:           string(result.Status),
		Payload:          result.Payload,
		ComputedAt:       &computedAt,
		ProcessingTimeMs: result.ProcessingTimeMs,
		ErrorMessage:     result.ErrorMessage,
	}
	payload := encodeFrame(f)

	seen := make(map[int64]struct{})
	send := func(conns []*Connection) {
		for _, c := range conns {
			if _, dup := seen[c.id]; dup {
				continue
			}
			seen[c.id] = struct{}{}
			c.trySend(payload)
		}
	}

	if userID != nil {
		send(h.byUser.Get(*userID))
	}
	if eventID != nil {
		send(h.byEvent.Get(*eventID))
	}
}
