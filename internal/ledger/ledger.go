// Package ledger implements C5, the result ledger: an upsert-on-requestId
// store of every result the gateway has seen, backed by Postgres.
package ledger

import (
	"context"
	_ "embed"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"

	"github.com/velivolant/gateway/internal/types"
)

//go:embed schema.sql
var schemaSQL string

// Ledger is a pgxpool-backed store of computation_results rows.
//
// Grounded on the only Postgres-using gateway repo in the retrieved pack
// (other_examples bturcanu-OpenClause, cmd/gateway/main.go:
// pgxpool.New(ctx, dsn)) for the driver choice; the upsert/schema shape
// itself comes directly from spec.md §4.5 since no teacher file touches a
// relational store.
type Ledger struct {
	pool   *pgxpool.Pool
	logger zerolog.Logger
}

// New builds a Ledger bound to dsn with the given max pool size.
func New(ctx context.Context, dsn string, maxConns int32, logger zerolog.Logger) (*Ledger, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("ledger: parse dsn: %w", err)
	}
	cfg.MaxConns = maxConns

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("ledger: connect: %w", err)
	}

	return &Ledger{pool: pool, logger: logger.With().Str("component", "ledger").Logger()}, nil
}

// Start applies the embedded schema idempotently. Spec names no separate
// migration tool and the teacher carries no ORM, so this is the whole
// migration story.
func (l *Ledger) Start(ctx context.Context) error {
	if _, err := l.pool.Exec(ctx, schemaSQL); err != nil {
		return fmt.Errorf("ledger: apply schema: %w", err)
	}
	l.logger.Info().Msg("ledger schema applied")
	return nil
}

// Shutdown closes the connection pool.
func (l *Ledger) Shutdown(ctx context.Context) error {
	l.pool.Close()
	return nil
}

// UpsertResult inserts or, on a request_id conflict, overwrites the row's
// status/result_data/computed_at/processing_time_ms/error_message — a
// single statement, per spec.md §4.5/§5.
func (l *Ledger) UpsertResult(ctx context.Context, result types.ResultRecord) error {
	var resultData *string
	if len(result.Payload) > 0 {
		s := string(result.Payload)
		resultData = &s
	}
	var errMsg *string
	if result.ErrorMessage != "" {
		errMsg = &result.ErrorMessage
	}
	var processingTime *int64
	if result.ProcessingTimeMs > 0 {
		processingTime = &result.ProcessingTimeMs
	}

	const stmt = `
		INSERT INTO computation_results (request_id, correlation_id, status, result_data, computed_at, processing_time_ms, error_message)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (request_id) DO UPDATE SET
			status = EXCLUDED.status,
			result_data = EXCLUDED.result_data,
			computed_at = EXCLUDED.computed_at,
			processing_time_ms = EXCLUDED.processing_time_ms,
			error_message = EXCLUDED.error_message
	`

	_, err := l.pool.Exec(ctx, stmt,
		result.RequestID, result.CorrelationID, string(result.Status),
		resultData, result.ComputedAt, processingTime, errMsg,
	)
	if err != nil {
		return fmt.Errorf("ledger: upsert: %w", err)
	}
	return nil
}

// GetByRequestID returns the ledger row for requestID, or pgx.ErrNoRows if
// none exists.
func (l *Ledger) GetByRequestID(ctx context.Context, requestID string) (types.LedgerRow, error) {
	const q = `
		SELECT id, request_id, correlation_id, status, result_data, computed_at, processing_time_ms, error_message, created_at
		FROM computation_results WHERE request_id = $1
	`

	var row types.LedgerRow
	var status string
	err := l.pool.QueryRow(ctx, q, requestID).Scan(
		&row.ID, &row.RequestID, &row.CorrelationID, &status,
		&row.ResultData, &row.ComputedAt, &row.ProcessingTimeMs, &row.ErrorMessage, &row.CreatedAt,
	)
	if err != nil {
		if err == pgx.ErrNoRows {
			return types.LedgerRow{}, err
		}
		return types.LedgerRow{}, fmt.Errorf("ledger: get by request id: %w", err)
	}
	row.Status = types.ResultStatus(status)
	return row, nil
}

// StatusCount is one row of StatsSince's grouped output.
type StatusCount struct {
	Status types.ResultStatus
	Count  int64
}

// StatsSince returns a grouped count by status for results computed within
// the last `since` duration, backing GET /api/compute/stats.
func (l *Ledger) StatsSince(ctx context.Context, since time.Duration) ([]StatusCount, error) {
	const q = `
		SELECT status, COUNT(*) FROM computation_results
		WHERE computed_at >= $1
		GROUP BY status
	`

	rows, err := l.pool.Query(ctx, q, time.Now().Add(-since))
	if err != nil {
		return nil, fmt.Errorf("ledger: stats since: %w", err)
	}
	defer rows.Close()

	var out []StatusCount
	for rows.Next() {
		var sc StatusCount
		var status string
		if err := rows.Scan(&status, &sc.Count); err != nil {
			return nil, fmt.Errorf("ledger: scan stats row: %w", err)
		}
		sc.Status = types.ResultStatus(status)
		out = append(out, sc)
	}
	return out, rows.Err()
}
