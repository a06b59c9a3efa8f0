// Package supervisor sequences startup and shutdown across every gateway
// component in dependency order, so a failure partway through startup
// leaves nothing half-initialized running.
package supervisor

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/rs/zerolog"
)

// Component is anything the supervisor starts and stops.
type Component interface {
	Start(ctx context.Context) error
	Shutdown(ctx context.Context) error
}

// lifecycle adapts things with non-uniform signatures (the dispatcher and
// the HTTP server) to Component.
type lifecycle struct {
	name     string
	start    func(ctx context.Context) error
	shutdown func(ctx context.Context) error
}

func (l lifecycle) Start(ctx context.Context) error    { return l.start(ctx) }
func (l lifecycle) Shutdown(ctx context.Context) error { return l.shutdown(ctx) }

// Wrap adapts a (name, start, shutdown) triple into a Component.
func Wrap(name string, start, shutdown func(ctx context.Context) error) Component {
	return lifecycle{name: name, start: start, shutdown: shutdown}
}

// WrapHTTPServer adapts an *http.Server (ListenAndServe has no ctx) into a
// Component: Start launches it on a goroutine, logging a fatal-looking
// error if it exits before Shutdown is called; Shutdown is graceful.
func WrapHTTPServer(srv *http.Server, logger zerolog.Logger) Component {
	return lifecycle{
		name: "httpserver",
		start: func(ctx context.Context) error {
			go func() {
				if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
					logger.Error().Err(err).Msg("http server exited unexpectedly")
				}
			}()
			return nil
		},
		shutdown: func(ctx context.Context) error {
			return srv.Shutdown(ctx)
		},
	}
}

// entry names a component for ordered start/shutdown and logging.
type entry struct {
	name string
	comp Component
}

// Supervisor starts components in the order they were added and shuts them
// down in reverse, per the gateway's component dependency graph: the
// ledger and hub must be ready before the router can use them, the
// producer/consumer/dispatcher before requests flow, and the HTTP server
// last since it's what makes the gateway reachable at all.
type Supervisor struct {
	logger  zerolog.Logger
	entries []entry
}

// New builds an empty Supervisor.
func New(logger zerolog.Logger) *Supervisor {
	return &Supervisor{logger: logger.With().Str("component", "supervisor").Logger()}
}

// Add registers a component under name, in startup order.
func (s *Supervisor) Add(name string, comp Component) {
	s.entries = append(s.entries, entry{name: name, comp: comp})
}

// Start starts every registered component in order. On failure it shuts
// down everything already started, in reverse, before returning the error.
func (s *Supervisor) Start(ctx context.Context) error {
	started := make([]entry, 0, len(s.entries))

	for _, e := range s.entries {
		s.logger.Info().Str("target", e.name).Msg("starting component")
		if err := e.comp.Start(ctx); err != nil {
			s.logger.Error().Err(err).Str("target", e.name).Msg("component failed to start")
			s.shutdownAll(context.Background(), started)
			return fmt.Errorf("supervisor: start %s: %w", e.name, err)
		}
		started = append(started, e)
	}

	return nil
}

// Shutdown stops every registered component in reverse order, each given
// up to timeout to finish. A component that errors or times out does not
// prevent the rest from being shut down.
func (s *Supervisor) Shutdown(timeout time.Duration) {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	s.shutdownAll(ctx, s.entries)
}

func (s *Supervisor) shutdownAll(ctx context.Context, entries []entry) {
	for i := len(entries) - 1; i >= 0; i-- {
		e := entries[i]
		s.logger.Info().Str("target", e.name).Msg("stopping component")
		if err := e.comp.Shutdown(ctx); err != nil {
			s.logger.Error().Err(err).Str("target", e.name).Msg("component failed to stop cleanly")
		}
	}
}
