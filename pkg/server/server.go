// Package server holds the process-wide handle shared by every service
// bundle: configuration, logging, metrics, the shutdown latch and a tracked
// goroutine runtime.
package server

import (
	"context"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/cmatc13/homeserver/pkg/config"
	"github.com/cmatc13/homeserver/pkg/errors"
	"github.com/cmatc13/homeserver/pkg/logging"
	"github.com/cmatc13/homeserver/pkg/metrics"
)

// Server is the handle passed to every bundle. It survives hot reloads; the
// bundles built on it do not.
type Server struct {
	Config  *config.Config
	Logger  *logging.Logger
	Metrics *metrics.Metrics

	mu       sync.Mutex
	stopping bool
	reload   bool
	done     chan struct{}
	started  time.Time

	wg sync.WaitGroup
}

// New creates a running server handle.
func New(cfg *config.Config, logger *logging.Logger, m *metrics.Metrics) *Server {
	return &Server{
		Config:  cfg,
		Logger:  logger,
		Metrics: m,
		done:    make(chan struct{}),
		started: time.Now(),
	}
}

// Name returns the configured server name.
func (s *Server) Name() string {
	return s.Config.Server.Name
}

// Started returns the time the handle was created.
func (s *Server) Started() time.Time {
	return s.started
}

// Running reports whether no shutdown or reload has been requested.
func (s *Server) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return !s.stopping
}

// Reloading reports whether the current cycle is ending for a reload.
func (s *Server) Reloading() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stopping && s.reload
}

// Shutdown requests the end of the current run cycle. A second request
// fails with ErrShutdown.
func (s *Server) Shutdown() error {
	return s.stop(false)
}

// Reload ends the current run cycle like Shutdown, but marks it so the host
// loop builds the services again instead of exiting.
func (s *Server) Reload() error {
	return s.stop(true)
}

func (s *Server) stop(reload bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.stopping {
		return errors.Wrap(errors.ErrShutdown, "shutdown already in progress")
	}
	s.stopping = true
	s.reload = reload
	close(s.done)

	s.Logger.Info("Shutdown requested", "reload", reload)
	return nil
}

// Rearm resets the shutdown latch for the next run cycle.
func (s *Server) Rearm() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.stopping {
		return
	}
	s.stopping = false
	s.reload = false
	s.done = make(chan struct{})
}

// UntilShutdown returns a channel closed once the current cycle ends.
func (s *Server) UntilShutdown() <-chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.done
}

// Go runs fn on a goroutine tracked by Wait.
func (s *Server) Go(fn func()) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		fn()
	}()
}

// Wait blocks until every goroutine started with Go has returned.
func (s *Server) Wait() {
	s.wg.Wait()
}

// NotifySignals translates SIGINT and SIGTERM into Shutdown and SIGHUP into
// Reload until ctx is done. The watcher is tracked by Wait.
func (s *Server) NotifySignals(ctx context.Context) {
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)

	s.Go(func() {
		defer signal.Stop(sigs)
		for {
			select {
			case <-ctx.Done():
				return
			case sig := <-sigs:
				var err error
				if sig == syscall.SIGHUP {
					err = s.Reload()
				} else {
					err = s.Shutdown()
				}
				if err != nil {
					s.Logger.Warn("Ignoring signal", "signal", sig.String(), "error", err)
				}
			}
		}
	})
}
