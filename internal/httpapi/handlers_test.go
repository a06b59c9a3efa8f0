package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/rs/zerolog"

	"github.com/velivolant/gateway/internal/dispatcher"
	"github.com/velivolant/gateway/internal/ledger"
	"github.com/velivolant/gateway/internal/platform"
	"github.com/velivolant/gateway/internal/types"
)

func decodeBody(t *testing.T, w *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var body map[string]any
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("failed to decode response body %q: %v", w.Body.String(), err)
	}
	return body
}

type fakeSampler struct {
	sample platform.Sample
}

func (f *fakeSampler) Latest() platform.Sample { return f.sample }

type fakeDispatch struct {
	submitFn        func(ctx context.Context, requestType types.RequestType, payload []byte, opts dispatcher.SubmitOptions) (string, string, error)
	submitAndWaitFn func(ctx context.Context, requestType types.RequestType, payload []byte, opts dispatcher.SubmitOptions) (types.ResultRecord, error)
}

func (f *fakeDispatch) Submit(ctx context.Context, requestType types.RequestType, payload []byte, opts dispatcher.SubmitOptions) (string, string, error) {
	return f.submitFn(ctx, requestType, payload, opts)
}
func (f *fakeDispatch) SubmitAndWait(ctx context.Context, requestType types.RequestType, payload []byte, opts dispatcher.SubmitOptions) (types.ResultRecord, error) {
	return f.submitAndWaitFn(ctx, requestType, payload, opts)
}
func (f *fakeDispatch) CalculateBAC(ctx context.Context, userID, eventID string, libations []string, timeout time.Duration) (types.ResultRecord, error) {
	return f.submitAndWaitFn(ctx, types.RequestTypeBACCalculation, nil, dispatcher.SubmitOptions{})
}
func (f *fakeDispatch) GetEventAnalytics(ctx context.Context, eventID string, timeout time.Duration) (types.ResultRecord, error) {
	return f.submitAndWaitFn(ctx, types.RequestTypeEventAnalytics, nil, dispatcher.SubmitOptions{})
}
func (f *fakeDispatch) GenerateLeaderboard(ctx context.Context, eventID string, limit int, metric string, timeout time.Duration) (types.ResultRecord, error) {
	return f.submitAndWaitFn(ctx, types.RequestTypeLeaderboard, nil, dispatcher.SubmitOptions{})
}
func (f *fakeDispatch) PendingCount() int { return 0 }

type fakeLedger struct {
	getFn   func(ctx context.Context, requestID string) (types.LedgerRow, error)
	statsFn func(ctx context.Context, since time.Duration) ([]ledger.StatusCount, error)
}

func (f *fakeLedger) GetByRequestID(ctx context.Context, requestID string) (types.LedgerRow, error) {
	return f.getFn(ctx, requestID)
}
func (f *fakeLedger) StatsSince(ctx context.Context, since time.Duration) ([]ledger.StatusCount, error) {
	if f.statsFn == nil {
		return nil, nil
	}
	return f.statsFn(ctx, since)
}

func TestHandleSubmit_ValidationError(t *testing.T) {
	srv := New(&fakeDispatch{}, &fakeLedger{}, nil, nil, zerolog.Nop())
	req := httptest.NewRequest(http.MethodPost, "/api/compute/submit", strings.NewReader(`{"type":"NOT_REAL","payload":{}}`))
	w := httptest.NewRecorder()

	srv.Handler().ServeHTTP(w, req)

	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", w.Code)
	}
	if body := decodeBody(t, w); body["success"] != false {
		t.Fatalf("expected success:false in error envelope, got %+v", body)
	}
}

func TestHandleSubmit_Accepted(t *testing.T) {
	d := &fakeDispatch{submitFn: func(ctx context.Context, requestType types.RequestType, payload []byte, opts dispatcher.SubmitOptions) (string, string, error) {
		return "req-1", "corr-1", nil
	}}
	srv := New(d, &fakeLedger{}, nil, nil, zerolog.Nop())

	body := `{"type":"BAC_CALCULATION","payload":{"userId":"u1"}}`
	req := httptest.NewRequest(http.MethodPost, "/api/compute/submit", strings.NewReader(body))
	w := httptest.NewRecorder()

	srv.Handler().ServeHTTP(w, req)

	if w.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d: %s", w.Code, w.Body.String())
	}
	if !strings.Contains(w.Body.String(), "req-1") {
		t.Fatalf("expected requestId in response, got %s", w.Body.String())
	}
	if body := decodeBody(t, w); body["success"] != true {
		t.Fatalf("expected success:true in accepted envelope, got %+v", body)
	}
}

func TestHandleSubmit_PublishErrorMapsTo500(t *testing.T) {
	d := &fakeDispatch{submitFn: func(ctx context.Context, requestType types.RequestType, payload []byte, opts dispatcher.SubmitOptions) (string, string, error) {
		return "", "", &dispatcher.PublishError{Cause: errors.New("kafka down")}
	}}
	srv := New(d, &fakeLedger{}, nil, nil, zerolog.Nop())

	req := httptest.NewRequest(http.MethodPost, "/api/compute/submit", strings.NewReader(`{"type":"BAC_CALCULATION","payload":{}}`))
	w := httptest.NewRecorder()

	srv.Handler().ServeHTTP(w, req)

	if w.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", w.Code)
	}
	if body := decodeBody(t, w); body["success"] != false {
		t.Fatalf("expected success:false in error envelope, got %+v", body)
	}
}

func TestHandleResult_NotFound(t *testing.T) {
	led := &fakeLedger{getFn: func(ctx context.Context, requestID string) (types.LedgerRow, error) {
		return types.LedgerRow{}, pgx.ErrNoRows
	}}
	srv := New(&fakeDispatch{}, led, nil, nil, zerolog.Nop())

	req := httptest.NewRequest(http.MethodGet, "/api/compute/result/missing-id", nil)
	w := httptest.NewRecorder()

	srv.Handler().ServeHTTP(w, req)

	if w.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", w.Code)
	}
}

func TestHandleResult_Found(t *testing.T) {
	led := &fakeLedger{getFn: func(ctx context.Context, requestID string) (types.LedgerRow, error) {
		return types.LedgerRow{RequestID: requestID, Status: types.ResultStatusSuccess}, nil
	}}
	srv := New(&fakeDispatch{}, led, nil, nil, zerolog.Nop())

	req := httptest.NewRequest(http.MethodGet, "/api/compute/result/abc", nil)
	w := httptest.NewRecorder()

	srv.Handler().ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	if body := decodeBody(t, w); body["success"] != true {
		t.Fatalf("expected success:true in result envelope, got %+v", body)
	}
}

func TestHandleExecute_Timeout(t *testing.T) {
	d := &fakeDispatch{submitAndWaitFn: func(ctx context.Context, requestType types.RequestType, payload []byte, opts dispatcher.SubmitOptions) (types.ResultRecord, error) {
		return types.ResultRecord{}, &dispatcher.TimeoutError{RequestID: "r1", CorrelationID: "c1"}
	}}
	srv := New(d, &fakeLedger{}, nil, nil, zerolog.Nop())

	req := httptest.NewRequest(http.MethodPost, "/api/compute/execute", strings.NewReader(`{"type":"BAC_CALCULATION","payload":{}}`))
	w := httptest.NewRecorder()

	srv.Handler().ServeHTTP(w, req)

	if w.Code != http.StatusGatewayTimeout {
		t.Fatalf("expected 504, got %d", w.Code)
	}
	if body := decodeBody(t, w); body["success"] != false {
		t.Fatalf("expected success:false in error envelope, got %+v", body)
	}
}

func TestHandleStats_ReturnsRecentResultsAndResourceUsage(t *testing.T) {
	led := &fakeLedger{}
	led.statsFn = func(ctx context.Context, since time.Duration) ([]ledger.StatusCount, error) {
		return []ledger.StatusCount{
			{Status: types.ResultStatusSuccess, Count: 3},
			{Status: types.ResultStatusError, Count: 1},
		}, nil
	}
	sampler := &fakeSampler{sample: platform.Sample{CPUPercent: 12.5, MemoryMB: 256}}
	srv := New(&fakeDispatch{}, led, nil, sampler, zerolog.Nop())

	req := httptest.NewRequest(http.MethodGet, "/api/compute/stats", nil)
	w := httptest.NewRecorder()

	srv.Handler().ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	body := decodeBody(t, w)
	if body["success"] != true {
		t.Fatalf("expected success:true, got %+v", body)
	}
	recent, ok := body["recentResults"].([]any)
	if !ok || len(recent) != 2 {
		t.Fatalf("expected recentResults array of 2 entries, got %+v", body["recentResults"])
	}
	first, ok := recent[0].(map[string]any)
	if !ok || first["status"] == nil || first["count"] == nil {
		t.Fatalf("expected recentResults entries shaped {status, count}, got %+v", recent[0])
	}
	usage, ok := body["resourceUsage"].(map[string]any)
	if !ok || usage["cpuPercent"] != 12.5 {
		t.Fatalf("expected resourceUsage.cpuPercent from the sampler, got %+v", body["resourceUsage"])
	}
}
