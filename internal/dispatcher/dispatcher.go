// Package dispatcher implements C4, the entry point callers use to submit
// compute requests: it assigns request/correlation ids, registers waiters,
// enforces timeouts, and exposes both fire-and-forget and request/reply
// submission.
package dispatcher

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/velivolant/gateway/internal/monitoring"
	"github.com/velivolant/gateway/internal/types"
)

const (
	defaultWaiterTTL       = 5 * time.Minute
	defaultPendingEntryTTL = 10 * time.Minute
	defaultSweepInterval   = 5 * time.Second
	defaultSubmitTimeout   = 30 * time.Second
)

// Publisher is the subset of internal/producer.Producer the dispatcher
// depends on.
type Publisher interface {
	Publish(ctx context.Context, req types.RequestRecord) (partition int32, offset int64, err error)
}

// SubmitOptions customizes a Submit/SubmitAndWait call.
type SubmitOptions struct {
	CorrelationID string // reused if non-empty, else a fresh one is generated
	UserID        *string
	EventID       *string
	Timeout       time.Duration // SubmitAndWait only; 0 = default (30s)
}

type waiterResult struct {
	result types.ResultRecord
	err    error
}

type waiter struct {
	correlationID string
	requestID     string
	resultCh      chan waiterResult
	deadline      time.Time
	done          bool
}

type pendingEntry struct {
	requestID     string
	correlationID string
	requestType   types.RequestType
	userID        *string
	eventID       *string
	submittedAt   time.Time
}

// Dispatcher owns the waiter table and the pending table. Each is guarded
// by its own mutex, per spec's "single mutex per table, tables independent"
// concurrency model.
type Dispatcher struct {
	publisher Publisher
	logger    zerolog.Logger
	audit     *monitoring.AuditLogger

	waiterTTL       time.Duration
	pendingEntryTTL time.Duration
	defaultTimeout  time.Duration

	waitersMu sync.Mutex
	waiters   map[string]*waiter // keyed by correlationID

	pendingMu sync.Mutex
	pending   map[string]*pendingEntry // keyed by requestID

	stopCh chan struct{}
	doneCh chan struct{}
}

// New builds a Dispatcher. Call Start to launch the sweep goroutine.
func New(publisher Publisher, logger zerolog.Logger, audit *monitoring.AuditLogger, waiterTTL, pendingEntryTTL, defaultTimeout time.Duration) *Dispatcher {
	if waiterTTL == 0 {
		waiterTTL = defaultWaiterTTL
	}
	if pendingEntryTTL == 0 {
		pendingEntryTTL = defaultPendingEntryTTL
	}
	if defaultTimeout == 0 {
		defaultTimeout = defaultSubmitTimeout
	}

	return &Dispatcher{
		publisher:       publisher,
		logger:          logger.With().Str("component", "dispatcher").Logger(),
		audit:           audit,
		waiterTTL:       waiterTTL,
		pendingEntryTTL: pendingEntryTTL,
		defaultTimeout:  defaultTimeout,
		waiters:         make(map[string]*waiter),
		pending:         make(map[string]*pendingEntry),
		stopCh:          make(chan struct{}),
		doneCh:          make(chan struct{}),
	}
}

// Start launches the single sweep ticker that expires stale waiters and
// prunes the pending table, replacing a per-waiter time.AfterFunc with one
// timer wheel, per the redesign note.
func (d *Dispatcher) Start(ctx context.Context, sweepInterval time.Duration) error {
	if sweepInterval == 0 {
		sweepInterval = defaultSweepInterval
	}
	go d.sweepLoop(ctx, sweepInterval)
	return nil
}

// Shutdown stops the sweep goroutine.
func (d *Dispatcher) Shutdown(ctx context.Context) error {
	close(d.stopCh)
	select {
	case <-d.doneCh:
	case <-ctx.Done():
	}
	return nil
}

func (d *Dispatcher) sweepLoop(ctx context.Context, interval time.Duration) {
	defer close(d.doneCh)
	defer monitoring.RecoverPanic(d.logger, "dispatcher.sweepLoop", nil)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-d.stopCh:
			return
		case <-ticker.C:
			d.sweepWaiters()
			d.sweepPending()
		}
	}
}

func (d *Dispatcher) sweepWaiters() {
	now := time.Now()
	var expired []*waiter

	d.waitersMu.Lock()
	for cid, w := range d.waiters {
		if now.After(w.deadline) {
			expired = append(expired, w)
			delete(d.waiters, cid)
		}
	}
	monitoring.WaitersActive.Set(float64(len(d.waiters)))
	d.waitersMu.Unlock()

	for _, w := range expired {
		monitoring.WaitersExpiredTotal.Inc()
		d.audit.Warning("WaiterExpired", map[string]any{
			"requestId":     w.requestID,
			"correlationId": w.correlationID,
		})
		select {
		case w.resultCh <- waiterResult{err: &TimeoutError{RequestID: w.requestID, CorrelationID: w.correlationID}}:
		default:
		}
	}
}

func (d *Dispatcher) sweepPending() {
	cutoff := time.Now().Add(-d.pendingEntryTTL)

	d.pendingMu.Lock()
	for rid, p := range d.pending {
		if p.submittedAt.Before(cutoff) {
			delete(d.pending, rid)
		}
	}
	monitoring.PendingEntriesActive.Set(float64(len(d.pending)))
	d.pendingMu.Unlock()
}

// registerWaiter adds a waiter to the table. Per spec, at most one waiter
// may exist for a correlationId at a time; a second registration is a
// programming error, so it replaces the prior entry (which can only have
// happened if the caller reused a correlationId across calls).
func (d *Dispatcher) registerWaiter(correlationID, requestID string, timeout time.Duration) *waiter {
	w := &waiter{
		correlationID: correlationID,
		requestID:     requestID,
		resultCh:      make(chan waiterResult, 1),
		deadline:      time.Now().Add(timeout),
	}

	d.waitersMu.Lock()
	d.waiters[correlationID] = w
	monitoring.WaitersActive.Set(float64(len(d.waiters)))
	d.waitersMu.Unlock()

	return w
}

func (d *Dispatcher) removeWaiter(correlationID string) {
	d.waitersMu.Lock()
	delete(d.waiters, correlationID)
	monitoring.WaitersActive.Set(float64(len(d.waiters)))
	d.waitersMu.Unlock()
}

// Resolve is invoked by the router when a result record arrives. It looks
// up the waiter by correlationId and completes it; a miss is a no-op (the
// caller may have timed out, disconnected, or never registered a waiter at
// all — the ledger is the recovery surface either way).
func (d *Dispatcher) Resolve(result types.ResultRecord) (found bool) {
	d.waitersMu.Lock()
	w, ok := d.waiters[result.CorrelationID]
	if ok {
		delete(d.waiters, result.CorrelationID)
	}
	monitoring.WaitersActive.Set(float64(len(d.waiters)))
	d.waitersMu.Unlock()

	if !ok {
		return false
	}

	monitoring.WaitersResolvedTotal.Inc()

	var wr waiterResult
	if result.Status == types.ResultStatusSuccess {
		wr = waiterResult{result: result}
	} else {
		msg := result.ErrorMessage
		if msg == "" {
			msg = "computation failed"
		}
		wr = waiterResult{err: fmt.Errorf("%s", msg)}
	}

	select {
	case w.resultCh <- wr:
	default:
	}
	return true
}

func (d *Dispatcher) addPending(requestID, correlationID string, requestType types.RequestType, userID, eventID *string) {
	d.pendingMu.Lock()
	d.pending[requestID] = &pendingEntry{
		requestID:     requestID,
		correlationID: correlationID,
		requestType:   requestType,
		userID:        userID,
		eventID:       eventID,
		submittedAt:   time.Now(),
	}
	monitoring.PendingEntriesActive.Set(float64(len(d.pending)))
	d.pendingMu.Unlock()
}

// PendingCount returns the size of the pending table, used by health/stats.
func (d *Dispatcher) PendingCount() int {
	d.pendingMu.Lock()
	defer d.pendingMu.Unlock()
	return len(d.pending)
}

// LookupPending returns the userId/eventId a requestId was submitted with,
// used by the WebSocket hub to route a result broadcast to the right
// subscribers without widening ResultRecord itself.
func (d *Dispatcher) LookupPending(requestID string) (userID, eventID *string, ok bool) {
	d.pendingMu.Lock()
	defer d.pendingMu.Unlock()
	p, ok := d.pending[requestID]
	if !ok {
		return nil, nil, false
	}
	return p.userID, p.eventID, true
}

// Submit is fire-and-forget: it publishes the request and returns
// immediately with the assigned ids. No waiter is registered unless the
// caller later calls SubmitAndWait with the same correlationId.
func (d *Dispatcher) Submit(ctx context.Context, requestType types.RequestType, payload []byte, opts SubmitOptions) (requestID, correlationID string, err error) {
	if requestType == "" {
		return "", "", &ValidationError{Reason: "type is required"}
	}
	if len(payload) == 0 {
		return "", "", &ValidationError{Reason: "payload is required"}
	}

	requestID = types.NewRequestID()
	correlationID = opts.CorrelationID
	if correlationID == "" {
		correlationID = types.NewCorrelationID()
	}

	req := types.RequestRecord{
		RequestID:     requestID,
		CorrelationID: correlationID,
		RequestType:   requestType,
		Payload:       payload,
		UserID:        opts.UserID,
		EventID:       opts.EventID,
		SubmittedAt:   time.Now(),
	}

	if _, _, err := d.publisher.Publish(ctx, req); err != nil {
		return "", "", &PublishError{Cause: err}
	}

	d.addPending(requestID, correlationID, requestType, opts.UserID, opts.EventID)
	return requestID, correlationID, nil
}

// SubmitAndWait publishes the request, registering the waiter strictly
// before publishing so that a result arriving before the publish ack still
// finds its waiter (closing the race spec.md's open question flags).
func (d *Dispatcher) SubmitAndWait(ctx context.Context, requestType types.RequestType, payload []byte, opts SubmitOptions) (types.ResultRecord, error) {
	if requestType == "" {
		return types.ResultRecord{}, &ValidationError{Reason: "type is required"}
	}
	if len(payload) == 0 {
		return types.ResultRecord{}, &ValidationError{Reason: "payload is required"}
	}

	requestID := types.NewRequestID()
	correlationID := opts.CorrelationID
	if correlationID == "" {
		correlationID = types.NewCorrelationID()
	}

	timeout := opts.Timeout
	if timeout == 0 {
		timeout = d.defaultTimeout
	}

	w := d.registerWaiter(correlationID, requestID, d.waiterTTL)

	req := types.RequestRecord{
		RequestID:     requestID,
		CorrelationID: correlationID,
		RequestType:   requestType,
		Payload:       payload,
		UserID:        opts.UserID,
		EventID:       opts.EventID,
		SubmittedAt:   time.Now(),
	}

	if _, _, err := d.publisher.Publish(ctx, req); err != nil {
		d.removeWaiter(correlationID)
		return types.ResultRecord{}, &PublishError{Cause: err}
	}

	d.addPending(requestID, correlationID, requestType, opts.UserID, opts.EventID)

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case wr := <-w.resultCh:
		if wr.err != nil {
			if _, ok := wr.err.(*TimeoutError); ok {
				return types.ResultRecord{}, wr.err
			}
			return types.ResultRecord{}, wr.err
		}
		return wr.result, nil
	case <-timer.C:
		d.removeWaiter(correlationID)
		monitoring.WaitersExpiredTotal.Inc()
		d.audit.Warning("WaiterExpired", map[string]any{
			"requestId":     requestID,
			"correlationId": correlationID,
			"source":        "dispatcher",
		})
		return types.ResultRecord{}, &TimeoutError{RequestID: requestID, CorrelationID: correlationID}
	case <-ctx.Done():
		d.removeWaiter(correlationID)
		return types.ResultRecord{}, ctx.Err()
	}
}

// --- Convenience wrappers, thin payload shaping over SubmitAndWait ---

type bacPayload struct {
	UserID    string   `json:"userId"`
	EventID   string   `json:"eventId"`
	Libations []string `json:"libations"`
}

// CalculateBAC fixes RequestTypeBACCalculation and shapes the payload from
// discrete fields.
func (d *Dispatcher) CalculateBAC(ctx context.Context, userID, eventID string, libations []string, timeout time.Duration) (types.ResultRecord, error) {
	body, err := json.Marshal(bacPayload{UserID: userID, EventID: eventID, Libations: libations})
	if err != nil {
		return types.ResultRecord{}, &ValidationError{Reason: err.Error()}
	}
	return d.SubmitAndWait(ctx, types.RequestTypeBACCalculation, body, SubmitOptions{
		UserID:  &userID,
		EventID: &eventID,
		Timeout: timeout,
	})
}

type analyticsPayload struct {
	EventID string `json:"eventId"`
}

// GetEventAnalytics fixes RequestTypeEventAnalytics.
func (d *Dispatcher) GetEventAnalytics(ctx context.Context, eventID string, timeout time.Duration) (types.ResultRecord, error) {
	body, err := json.Marshal(analyticsPayload{EventID: eventID})
	if err != nil {
		return types.ResultRecord{}, &ValidationError{Reason: err.Error()}
	}
	return d.SubmitAndWait(ctx, types.RequestTypeEventAnalytics, body, SubmitOptions{
		EventID: &eventID,
		Timeout: timeout,
	})
}

type leaderboardPayload struct {
	EventID string `json:"eventId"`
	Limit   int    `json:"limit"`
	Metric  string `json:"metric"`
}

// GenerateLeaderboard fixes RequestTypeLeaderboard.
func (d *Dispatcher) GenerateLeaderboard(ctx context.Context, eventID string, limit int, metric string, timeout time.Duration) (types.ResultRecord, error) {
	body, err := json.Marshal(leaderboardPayload{EventID: eventID, Limit: limit, Metric: metric})
	if err != nil {
		return types.ResultRecord{}, &ValidationError{Reason: err.Error()}
	}
	return d.SubmitAndWait(ctx, types.RequestTypeLeaderboard, body, SubmitOptions{
		EventID: &eventID,
		Timeout: timeout,
	})
}

type userScorePayload struct {
	UserID  string `json:"userId"`
	EventID string `json:"eventId"`
}

// CalculateUserScore fixes RequestTypeUserScore.
func (d *Dispatcher) CalculateUserScore(ctx context.Context, userID, eventID string, timeout time.Duration) (types.ResultRecord, error) {
	body, err := json.Marshal(userScorePayload{UserID: userID, EventID: eventID})
	if err != nil {
		return types.ResultRecord{}, &ValidationError{Reason: err.Error()}
	}
	return d.SubmitAndWait(ctx, types.RequestTypeUserScore, body, SubmitOptions{
		UserID:  &userID,
		EventID: &eventID,
		Timeout: timeout,
	})
}
