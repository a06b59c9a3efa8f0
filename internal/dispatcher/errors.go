package dispatcher

import "fmt"

// ValidationError is returned for missing/invalid type or payload at the
// HTTP boundary. Maps to 400.
type ValidationError struct {
	Reason string
}

func (e *ValidationError) Error() string { return fmt.Sprintf("validation error: %s", e.Reason) }

// PublishError is returned when the producer could not enqueue the request.
// Maps to 500. The caller may retry with the same requestId (idempotent).
type PublishError struct {
	Cause error
}

func (e *PublishError) Error() string { return fmt.Sprintf("publish error: %v", e.Cause) }
func (e *PublishError) Unwrap() error { return e.Cause }

// TimeoutError is returned when SubmitAndWait's deadline expires before a
// result arrives. Maps to 504. The backend's work is not cancelled; a
// result arriving later is still persisted and recoverable by requestId.
type TimeoutError struct {
	RequestID     string
	CorrelationID string
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("timeout waiting for result (requestId=%s correlationId=%s)", e.RequestID, e.CorrelationID)
}

// NotFoundError is returned when a requestId has no ledger row. Maps to 404.
type NotFoundError struct {
	RequestID string
}

func (e *NotFoundError) Error() string { return fmt.Sprintf("no result for requestId %s", e.RequestID) }
