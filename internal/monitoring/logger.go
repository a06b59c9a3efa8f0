// Package monitoring provides the gateway's structured logging and
// Prometheus metrics surface, shared by every component of the dispatch
// fabric.
package monitoring

import (
	"io"
	"os"
	"runtime/debug"
	"time"

	"github.com/rs/zerolog"
)

// NewLogger builds a zerolog.Logger from the gateway's LOG_LEVEL/LOG_FORMAT
// configuration. JSON output is the default; "pretty" switches to a
// console writer for local development.
func NewLogger(level, format string) zerolog.Logger {
	var output io.Writer = os.Stdout

	var zlevel zerolog.Level
	switch level {
	case "debug":
		zlevel = zerolog.DebugLevel
	case "warn":
		zlevel = zerolog.WarnLevel
	case "error":
		zlevel = zerolog.ErrorLevel
	default:
		zlevel = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(zlevel)

	if format == "pretty" {
		output = zerolog.ConsoleWriter{
			Out:        os.Stdout,
			TimeFormat: time.RFC3339,
		}
	}

	return zerolog.New(output).
		With().
		Timestamp().
		Caller().
		Str("service", "velivolant-gateway").
		Logger()
}

// LogError logs an error with contextual fields.
func LogError(logger zerolog.Logger, err error, msg string, fields map[string]any) {
	event := logger.Error().Err(err)
	for k, v := range fields {
		event = event.Interface(k, v)
	}
	event.Msg(msg)
}

// RecoverPanic is the standard defer-recover used at the top of every
// long-running goroutine (consumer loop, router dispatch, connection pumps,
// sweep tickers). It logs the panic and stack trace but does not re-panic,
// so one bad record or one bad connection never takes the process down.
//
//	go func() {
//	    defer monitoring.RecoverPanic(logger, "consumer.consumeLoop", nil)
//	    ...
//	}()
func RecoverPanic(logger zerolog.Logger, goroutineName string, fields map[string]any) {
	if r := recover(); r != nil {
		stack := string(debug.Stack())
		event := logger.Error().
			Str("goroutine", goroutineName).
			Interface("panic_value", r).
			Str("stack_trace", stack).
			Str("recovery_mode", "captured_panic_continuing_execution")
		for k, v := range fields {
			event = event.Interface(k, v)
		}
		event.Msg("goroutine panic recovered")
	}
}

// AuditLevel is the severity of an audit event logged via AuditLogger.
type AuditLevel string

const (
	AuditInfo     AuditLevel = "INFO"
	AuditWarning  AuditLevel = "WARNING"
	AuditError    AuditLevel = "ERROR"
	AuditCritical AuditLevel = "CRITICAL"
)

// AuditLogger wraps a zerolog.Logger with the gateway's operational-event
// vocabulary: named events ("WaiterExpired", "PersistenceError",
// "WSAuthFailed", "ResultTimeout") with structured detail, independent of the
// Prometheus counters in metrics.go which track the same events numerically.
type AuditLogger struct {
	logger zerolog.Logger
}

// NewAuditLogger wraps an existing zerolog.Logger for audit-event logging.
func NewAuditLogger(logger zerolog.Logger) *AuditLogger {
	return &AuditLogger{logger: logger}
}

// Event logs a named operational event at the given level with structured
// detail. detail may be nil.
func (a *AuditLogger) Event(level AuditLevel, name string, detail map[string]any) {
	var event *zerolog.Event
	switch level {
	case AuditWarning:
		event = a.logger.Warn()
	case AuditError, AuditCritical:
		event = a.logger.Error()
	default:
		event = a.logger.Info()
	}

	event = event.Str("event", name).Str("audit_level", string(level))
	for k, v := range detail {
		event = event.Interface(k, v)
	}
	event.Msg(name)
}

// Info is shorthand for Event(AuditInfo, ...).
func (a *AuditLogger) Info(name string, detail map[string]any) {
	a.Event(AuditInfo, name, detail)
}

// Warning is shorthand for Event(AuditWarning, ...).
func (a *AuditLogger) Warning(name string, detail map[string]any) {
	a.Event(AuditWarning, name, detail)
}

// Error is shorthand for Event(AuditError, ...).
func (a *AuditLogger) Error(name string, detail map[string]any) {
	a.Event(AuditError, name, detail)
}
