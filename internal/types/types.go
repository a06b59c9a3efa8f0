// Package types holds the wire and ledger data model shared by every
// component of the dispatch fabric: request/result records, enumerated
// tags, and the ledger row shape.
package types

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// RequestType is the enumerated tag carried on every request record.
// Unknown values are rejected at the HTTP boundary: ParseRequestType returns
// an error and the handlers answer 400.
type RequestType string

const (
	RequestTypeBACCalculation RequestType = "BAC_CALCULATION"
	RequestTypeEventAnalytics RequestType = "EVENT_ANALYTICS"
	RequestTypeUserScore      RequestType = "USER_SCORE"
	RequestTypeLeaderboard    RequestType = "LEADERBOARD"
)

// ParseRequestType validates a caller-supplied type string.
func ParseRequestType(s string) (RequestType, error) {
	switch RequestType(s) {
	case RequestTypeBACCalculation, RequestTypeEventAnalytics, RequestTypeUserScore, RequestTypeLeaderboard:
		return RequestType(s), nil
	default:
		return "", fmt.Errorf("unknown request type %q", s)
	}
}

// RequestRecord is the value published to the request topic.
type RequestRecord struct {
	RequestID     string
	CorrelationID string
	RequestType   RequestType
	Payload       []byte
	UserID        *string
	EventID       *string
	SubmittedAt   time.Time
}

// ResultStatus is the status tag on a result record.
type ResultStatus string

const (
	ResultStatusSuccess ResultStatus = "SUCCESS"
	ResultStatusError   ResultStatus = "ERROR"
	ResultStatusTimeout ResultStatus = "TIMEOUT"
)

// ResultRecord is the value consumed from the result topic.
type ResultRecord struct {
	RequestID        string
	CorrelationID    string
	Status           ResultStatus
	Payload          []byte
	ComputedAt       time.Time
	ProcessingTimeMs int64
	ErrorMessage     string
}

// LedgerRow is the persisted, upserted-on-request-id shape of a result.
type LedgerRow struct {
	ID               int64
	RequestID        string
	CorrelationID    string
	Status           ResultStatus
	ResultData       *string
	ComputedAt       time.Time
	ProcessingTimeMs *int64
	ErrorMessage     *string
	CreatedAt        time.Time
}

// NewRequestID returns a fresh, globally-unique request id.
func NewRequestID() string {
	return uuid.NewString()
}

// NewCorrelationID returns a fresh, globally-unique correlation id.
func NewCorrelationID() string {
	return uuid.NewString()
}
