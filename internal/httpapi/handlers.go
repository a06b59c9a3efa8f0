package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/velivolant/gateway/internal/dispatcher"
	"github.com/velivolant/gateway/internal/types"
)

// writeDispatchError maps the dispatcher's typed error taxonomy onto HTTP
// status codes, per spec's error-handling contract.
func writeDispatchError(w http.ResponseWriter, err error) {
	var verr *dispatcher.ValidationError
	var perr *dispatcher.PublishError
	var terr *dispatcher.TimeoutError
	var nerr *dispatcher.NotFoundError

	switch {
	case errors.As(err, &verr):
		writeError(w, http.StatusBadRequest, verr.Error())
	case errors.As(err, &perr):
		writeError(w, http.StatusInternalServerError, perr.Error())
	case errors.As(err, &terr):
		writeError(w, http.StatusGatewayTimeout, terr.Error())
	case errors.As(err, &nerr):
		writeError(w, http.StatusNotFound, nerr.Error())
	default:
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}

type submitRequest struct {
	Type          string          `json:"type"`
	Payload       json.RawMessage `json:"payload"`
	UserID        string          `json:"userId,omitempty"`
	EventID       string          `json:"eventId,omitempty"`
	CorrelationID string          `json:"correlationId,omitempty"`
}

func optionalPtr(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

// handleSubmit is fire-and-forget: POST /api/compute/submit.
func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	var req submitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "malformed request body")
		return
	}

	requestType, err := types.ParseRequestType(req.Type)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	userID := optionalPtr(req.UserID)
	if userID == nil {
		userID = verifiedUserID(r)
	}

	requestID, correlationID, err := s.dispatch.Submit(r.Context(), requestType, req.Payload, dispatcher.SubmitOptions{
		CorrelationID: req.CorrelationID,
		UserID:        userID,
		EventID:       optionalPtr(req.EventID),
	})
	if err != nil {
		writeDispatchError(w, err)
		return
	}

	writeJSON(w, http.StatusAccepted, map[string]any{
		"success":       true,
		"requestId":     requestID,
		"correlationId": correlationID,
	})
}

// handleExecute is request/reply: POST /api/compute/execute. Blocks until
// a result arrives or the submit-and-wait timeout elapses.
func (s *Server) handleExecute(w http.ResponseWriter, r *http.Request) {
	var req submitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "malformed request body")
		return
	}

	requestType, err := types.ParseRequestType(req.Type)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	userID := optionalPtr(req.UserID)
	if userID == nil {
		userID = verifiedUserID(r)
	}

	result, err := s.dispatch.SubmitAndWait(r.Context(), requestType, req.Payload, dispatcher.SubmitOptions{
		CorrelationID: req.CorrelationID,
		UserID:        userID,
		EventID:       optionalPtr(req.EventID),
	})
	if err != nil {
		writeDispatchError(w, err)
		return
	}

	writeResult(w, result)
}

func writeResult(w http.ResponseWriter, result types.ResultRecord) {
	writeJSON(w, http.StatusOK, map[string]any{
		"success":          true,
		"requestId":        result.RequestID,
		"correlationId":    result.CorrelationID,
		"status":           result.Status,
		"payload":          json.RawMessage(result.Payload),
		"computedAt":       result.ComputedAt,
		"processingTimeMs": result.ProcessingTimeMs,
		"errorMessage":     result.ErrorMessage,
	})
}

// handleResult is GET /api/compute/result/{requestId}, the ledger lookup
// path for a result a caller didn't (or couldn't) wait for synchronously.
func (s *Server) handleResult(w http.ResponseWriter, r *http.Request) {
	requestID := r.PathValue("requestId")
	if requestID == "" {
		writeError(w, http.StatusBadRequest, "requestId is required")
		return
	}

	row, err := s.ledger.GetByRequestID(r.Context(), requestID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			writeDispatchError(w, &dispatcher.NotFoundError{RequestID: requestID})
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"success":          true,
		"requestId":        row.RequestID,
		"correlationId":    row.CorrelationID,
		"status":           row.Status,
		"resultData":       row.ResultData,
		"computedAt":       row.ComputedAt,
		"processingTimeMs": row.ProcessingTimeMs,
		"errorMessage":     row.ErrorMessage,
	})
}

type bacRequest struct {
	UserID    string   `json:"userId"`
	EventID   string   `json:"eventId"`
	Libations []string `json:"libations"`
}

// handleBAC is POST /api/compute/bac, a typed convenience wrapper over
// SubmitAndWait fixing RequestTypeBACCalculation.
func (s *Server) handleBAC(w http.ResponseWriter, r *http.Request) {
	var req bacRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "malformed request body")
		return
	}
	if req.UserID == "" || req.EventID == "" {
		writeError(w, http.StatusBadRequest, "userId and eventId are required")
		return
	}

	result, err := s.dispatch.CalculateBAC(r.Context(), req.UserID, req.EventID, req.Libations, 0)
	if err != nil {
		writeDispatchError(w, err)
		return
	}
	writeResult(w, result)
}

// handleAnalytics is GET /api/compute/analytics/{eventId}.
func (s *Server) handleAnalytics(w http.ResponseWriter, r *http.Request) {
	eventID := r.PathValue("eventId")
	if eventID == "" {
		writeError(w, http.StatusBadRequest, "eventId is required")
		return
	}

	result, err := s.dispatch.GetEventAnalytics(r.Context(), eventID, 0)
	if err != nil {
		writeDispatchError(w, err)
		return
	}
	writeResult(w, result)
}

// handleLeaderboard is GET /api/compute/leaderboard/{eventId}?limit=10&metric=score.
func (s *Server) handleLeaderboard(w http.ResponseWriter, r *http.Request) {
	eventID := r.PathValue("eventId")
	if eventID == "" {
		writeError(w, http.StatusBadRequest, "eventId is required")
		return
	}

	limit := 10
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = n
	}
	metric := r.URL.Query().Get("metric")
	if metric == "" {
		metric = "score"
	}

	result, err := s.dispatch.GenerateLeaderboard(r.Context(), eventID, limit, metric, 0)
	if err != nil {
		writeDispatchError(w, err)
		return
	}
	writeResult(w, result)
}

// handleStats is GET /api/compute/stats: ledger result counts over the
// last hour grouped by status, the dispatcher's current pending count, and
// the gateway process's latest sampled CPU/memory reading.
func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	counts, err := s.ledger.StatsSince(r.Context(), time.Hour)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	recentResults := make([]map[string]any, 0, len(counts))
	for _, c := range counts {
		recentResults = append(recentResults, map[string]any{
			"status": c.Status,
			"count":  c.Count,
		})
	}

	resp := map[string]any{
		"success":         true,
		"recentResults":   recentResults,
		"pendingRequests": s.dispatch.PendingCount(),
	}
	if s.sampler != nil {
		sample := s.sampler.Latest()
		resp["resourceUsage"] = map[string]any{
			"cpuPercent": sample.CPUPercent,
			"memoryMb":   sample.MemoryMB,
		}
	}

	writeJSON(w, http.StatusOK, resp)
}
