// Package watchdog keeps the bundle's database connection alive: it pings
// the backend on an interval and reconnects with backoff when the ping
// fails.
package watchdog

import (
	"context"
	"sync"
	"time"

	"github.com/cmatc13/homeserver/pkg/database"
	"github.com/cmatc13/homeserver/pkg/errors"
	"github.com/cmatc13/homeserver/pkg/logging"
	"github.com/cmatc13/homeserver/pkg/metrics"
	"github.com/cmatc13/homeserver/pkg/service"
)

// highErrorRate is the share of failed queries that is worth a warning.
const highErrorRate = 0.25

// Service watches one database.
type Service struct {
	service.Basic

	db       *database.Database
	interval time.Duration
	logger   *logging.Logger
	metrics  *metrics.Metrics

	mu      sync.Mutex
	lastErr error
	checks  int
}

// Build creates the watchdog for the bundle's database.
func Build(args service.Args) (*Service, error) {
	if interval := args.Server.Config.Database.HealthInterval; interval <= 0 {
		return nil, errors.ServiceErrorf(errors.ServiceErrBuild,
			"database.health_interval must be positive, got %s", interval)
	}
	s := &Service{
		db:       args.DB,
		interval: args.Server.Config.Database.HealthInterval,
		metrics:  args.Server.Metrics,
	}
	s.Basic = service.NewBasic(service.MakeName(s))
	s.logger = args.Logger.WithField("service", s.Name())
	return s, nil
}

// Worker checks the database every interval until interrupted.
func (s *Service) Worker(ctx context.Context) error {
	ctx, cancel := s.InterruptContext(ctx)
	defer cancel()

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.Interrupted():
			return nil
		case <-ticker.C:
			s.Check(ctx)
		}
	}
}

// Check pings the database once, reconnecting if the ping fails.
func (s *Service) Check(ctx context.Context) {
	err := s.db.HealthCheck(ctx)
	if err != nil {
		s.logger.Warn("Database health check failed", "backend", s.db.Backend(), "error", err)
		if rerr := s.db.Reconnect(ctx); rerr == nil {
			err = nil
		} else {
			s.logger.Error("Database reconnect failed", "backend", s.db.Backend(), "error", rerr)
		}
	}

	if stats := s.db.Stats(); stats.HasHighErrorRate(highErrorRate) {
		s.logger.Warn("High database error rate", "queries", stats.Queries, "errors", stats.Errors)
	}
	if s.metrics != nil {
		s.metrics.RecordDependencyStatus("homeserver", s.db.Backend(), err == nil)
	}

	s.mu.Lock()
	s.lastErr = err
	s.checks++
	s.mu.Unlock()
}

// Health reports the result of the latest check.
func (s *Service) Health(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastErr
}

// Checks returns the number of completed checks.
func (s *Service) Checks() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.checks
}
