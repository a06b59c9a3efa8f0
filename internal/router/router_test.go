package router

import (
	"context"
	"errors"
	"testing"

	"github.com/rs/zerolog"

	"github.com/velivolant/gateway/internal/monitoring"
	"github.com/velivolant/gateway/internal/types"
)

type fakeLedger struct {
	upsertErr error
	upserted  []types.ResultRecord
}

func (f *fakeLedger) UpsertResult(ctx context.Context, result types.ResultRecord) error {
	f.upserted = append(f.upserted, result)
	return f.upsertErr
}

type fakeWaiters struct {
	resolved []types.ResultRecord
	found    bool
}

func (f *fakeWaiters) Resolve(result types.ResultRecord) bool {
	f.resolved = append(f.resolved, result)
	return f.found
}

type fakeHub struct {
	broadcast []types.ResultRecord
}

func (f *fakeHub) BroadcastResult(result types.ResultRecord) {
	f.broadcast = append(f.broadcast, result)
}

func newTestRouter(ledger LedgerWriter, waiters WaiterResolver, hub Broadcaster) *Router {
	return New(ledger, waiters, hub, zerolog.Nop(), monitoring.NewAuditLogger(zerolog.Nop()))
}

func TestRoute_PersistsResolvesAndBroadcasts(t *testing.T) {
	led := &fakeLedger{}
	waiters := &fakeWaiters{found: true}
	hub := &fakeHub{}

	r := newTestRouter(led, waiters, hub)
	result := types.ResultRecord{RequestID: "r1", CorrelationID: "c1", Status: types.ResultStatusSuccess}
	r.Route(context.Background(), result)

	if len(led.upserted) != 1 || led.upserted[0].RequestID != "r1" {
		t.Fatalf("expected ledger upsert, got %+v", led.upserted)
	}
	if len(waiters.resolved) != 1 {
		t.Fatalf("expected waiter resolution attempt, got %+v", waiters.resolved)
	}
	if len(hub.broadcast) != 1 {
		t.Fatalf("expected broadcast, got %+v", hub.broadcast)
	}
}

func TestRoute_LedgerFailureDoesNotBlockWaiterOrBroadcast(t *testing.T) {
	led := &fakeLedger{upsertErr: errors.New("db down")}
	waiters := &fakeWaiters{found: true}
	hub := &fakeHub{}

	r := newTestRouter(led, waiters, hub)
	r.Route(context.Background(), types.ResultRecord{RequestID: "r2", CorrelationID: "c2"})

	if len(waiters.resolved) != 1 {
		t.Fatal("expected waiter resolution to proceed despite ledger failure")
	}
	if len(hub.broadcast) != 1 {
		t.Fatal("expected broadcast to proceed despite ledger failure")
	}
}

func TestRoute_NilHubIsANoop(t *testing.T) {
	led := &fakeLedger{}
	waiters := &fakeWaiters{found: false}

	r := newTestRouter(led, waiters, nil)
	r.Route(context.Background(), types.ResultRecord{RequestID: "r3", CorrelationID: "c3"})
	// No panic means success; nothing further to assert.
}
