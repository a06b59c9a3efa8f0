package dispatcher

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/velivolant/gateway/internal/monitoring"
	"github.com/velivolant/gateway/internal/types"
)

type fakePublisher struct {
	publishFn func(ctx context.Context, req types.RequestRecord) (int32, int64, error)
}

func (f *fakePublisher) Publish(ctx context.Context, req types.RequestRecord) (int32, int64, error) {
	return f.publishFn(ctx, req)
}

func newTestDispatcher(t *testing.T, pub Publisher) *Dispatcher {
	t.Helper()
	audit := monitoring.NewAuditLogger(zerolog.Nop())
	return New(pub, zerolog.Nop(), audit, time.Minute, time.Minute, 200*time.Millisecond)
}

func TestSubmit_ValidatesTypeAndPayload(t *testing.T) {
	d := newTestDispatcher(t, &fakePublisher{publishFn: func(ctx context.Context, req types.RequestRecord) (int32, int64, error) {
		t.Fatal("publish should not be called for an invalid submission")
		return 0, 0, nil
	}})

	if _, _, err := d.Submit(context.Background(), "", []byte("x"), SubmitOptions{}); err == nil {
		t.Fatal("expected ValidationError for empty type")
	} else if !errors.As(err, new(*ValidationError)) {
		t.Fatalf("expected *ValidationError, got %T", err)
	}

	if _, _, err := d.Submit(context.Background(), types.RequestTypeBACCalculation, nil, SubmitOptions{}); err == nil {
		t.Fatal("expected ValidationError for empty payload")
	}
}

func TestSubmit_WrapsPublishFailure(t *testing.T) {
	want := errors.New("broker unavailable")
	d := newTestDispatcher(t, &fakePublisher{publishFn: func(ctx context.Context, req types.RequestRecord) (int32, int64, error) {
		return 0, 0, want
	}})

	_, _, err := d.Submit(context.Background(), types.RequestTypeBACCalculation, []byte(`{}`), SubmitOptions{})
	var perr *PublishError
	if !errors.As(err, &perr) {
		t.Fatalf("expected *PublishError, got %T (%v)", err, err)
	}
	if !errors.Is(perr, want) {
		t.Fatalf("expected unwrap to find %v, got %v", want, perr.Unwrap())
	}
}

func TestSubmitAndWait_ResolvesOnMatchingResult(t *testing.T) {
	var captured types.RequestRecord
	d := newTestDispatcher(t, &fakePublisher{publishFn: func(ctx context.Context, req types.RequestRecord) (int32, int64, error) {
		captured = req
		return 0, 0, nil
	}})

	done := make(chan struct{})
	var gotErr error
	var gotResult types.ResultRecord

	go func() {
		gotResult, gotErr = d.SubmitAndWait(context.Background(), types.RequestTypeBACCalculation, []byte(`{}`), SubmitOptions{Timeout: time.Second})
		close(done)
	}()

	// Poll until the waiter is registered (publish happens synchronously
	// before SubmitAndWait blocks, so a short wait is enough in practice).
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if captured.RequestID != "" {
			break
		}
		time.Sleep(time.Millisecond)
	}
	if captured.RequestID == "" {
		t.Fatal("publish was never observed")
	}

	found := d.Resolve(types.ResultRecord{
		RequestID:     captured.RequestID,
		CorrelationID: captured.CorrelationID,
		Status:        types.ResultStatusSuccess,
		Payload:       []byte(`{"ok":true}`),
		ComputedAt:    time.Now(),
	})
	if !found {
		t.Fatal("expected Resolve to find the registered waiter")
	}

	<-done
	if gotErr != nil {
		t.Fatalf("unexpected error: %v", gotErr)
	}
	if gotResult.RequestID != captured.RequestID {
		t.Fatalf("result requestId mismatch: got %s want %s", gotResult.RequestID, captured.RequestID)
	}
}

func TestSubmitAndWait_TimesOut(t *testing.T) {
	d := newTestDispatcher(t, &fakePublisher{publishFn: func(ctx context.Context, req types.RequestRecord) (int32, int64, error) {
		return 0, 0, nil
	}})

	_, err := d.SubmitAndWait(context.Background(), types.RequestTypeBACCalculation, []byte(`{}`), SubmitOptions{Timeout: 10 * time.Millisecond})
	var terr *TimeoutError
	if !errors.As(err, &terr) {
		t.Fatalf("expected *TimeoutError, got %T (%v)", err, err)
	}
}

func TestResolve_NoWaiterIsANoop(t *testing.T) {
	d := newTestDispatcher(t, &fakePublisher{publishFn: func(ctx context.Context, req types.RequestRecord) (int32, int64, error) {
		return 0, 0, nil
	}})

	found := d.Resolve(types.ResultRecord{RequestID: "unknown", CorrelationID: "unknown", Status: types.ResultStatusSuccess})
	if found {
		t.Fatal("expected Resolve to report no waiter found")
	}
}

func TestLookupPending_TracksUserAndEventID(t *testing.T) {
	d := newTestDispatcher(t, &fakePublisher{publishFn: func(ctx context.Context, req types.RequestRecord) (int32, int64, error) {
		return 0, 0, nil
	}})

	user := "u1"
	event := "e1"
	requestID, _, err := d.Submit(context.Background(), types.RequestTypeEventAnalytics, []byte(`{}`), SubmitOptions{UserID: &user, EventID: &event})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	gotUser, gotEvent, ok := d.LookupPending(requestID)
	if !ok {
		t.Fatal("expected pending entry to exist")
	}
	if gotUser == nil || *gotUser != user {
		t.Fatalf("userId mismatch: %v", gotUser)
	}
	if gotEvent == nil || *gotEvent != event {
		t.Fatalf("eventId mismatch: %v", gotEvent)
	}
}
