// pkg/service/manager.go
package service

import (
	"context"
	"sync"

	"github.com/cmatc13/homeserver/pkg/errors"
	"github.com/cmatc13/homeserver/pkg/logging"
	"github.com/cmatc13/homeserver/pkg/metrics"
)

// Manager runs the background workers of one bundle.
type Manager struct {
	bundle  string
	logger  *logging.Logger
	metrics *metrics.Metrics

	mutex    sync.Mutex
	services []Service
	errs     []error
	started  bool
	workers  int

	wg     sync.WaitGroup
	once   sync.Once
	exited chan struct{}
	first  error
}

// NewManager creates a manager for services. It holds them until Stop.
func NewManager(bundle string, services []Service, logger *logging.Logger, m *metrics.Metrics) *Manager {
	return &Manager{
		bundle:   bundle,
		logger:   logger,
		metrics:  m,
		services: services,
		exited:   make(chan struct{}),
	}
}

// Start spawns one goroutine per service implementing Worker. Workers get a
// context that carries ctx's values but is never cancelled.
func (m *Manager) Start(ctx context.Context) {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	if m.started {
		return
	}
	m.started = true

	wctx := context.WithoutCancel(ctx)
	for _, svc := range m.services {
		w, ok := svc.(Worker)
		if !ok {
			continue
		}
		m.workers++
		m.wg.Add(1)
		if m.metrics != nil {
			m.metrics.WorkersRunning.WithLabelValues(m.bundle).Inc()
		}
		go m.run(wctx, svc.Name(), w)
	}

	m.logger.Debug("Workers started", "bundle", m.bundle, "workers", m.workers)
}

func (m *Manager) run(ctx context.Context, name string, w Worker) {
	defer m.wg.Done()

	result := metrics.ResultOK
	var err error
	defer func() {
		if p := recover(); p != nil {
			err = errors.WrapWithField(errors.FromPanic(p), "service", name)
			result = metrics.ResultPanic
		}
		m.exit(name, result, err)
	}()

	m.logger.Debug("Worker running", "bundle", m.bundle, "service", name)
	if err = w.Worker(ctx); err != nil {
		err = errors.WrapWithField(
			errors.ServiceWrap(err, errors.OpWorker, errors.ServiceErrWorker, "worker "+name), "service", name)
		result = metrics.ResultError
	}
}

func (m *Manager) exit(name, result string, err error) {
	if m.metrics != nil {
		m.metrics.RecordWorkerExit(m.bundle, name, result)
	}

	switch result {
	case metrics.ResultOK:
		m.logger.Debug("Worker finished", "bundle", m.bundle, "service", name)
	case metrics.ResultPanic:
		m.logger.Error("Worker panicked", "bundle", m.bundle, "service", name, "error", err)
	default:
		m.logger.Warn("Worker failed", "bundle", m.bundle, "service", name, "error", err)
	}

	if err != nil {
		m.mutex.Lock()
		m.errs = append(m.errs, err)
		m.mutex.Unlock()
	}

	m.once.Do(func() {
		m.first = err
		close(m.exited)
	})
}

// Poll blocks until the first worker exits and returns its result, or
// until ctx is done. It does not consume the result: later calls return it
// again. With no workers Poll waits for ctx.
func (m *Manager) Poll(ctx context.Context) error {
	select {
	case <-m.exited:
		return m.first
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Stop interrupts every service and waits for every worker to return. A
// worker that ignores its interrupt blocks Stop indefinitely. The returned
// error joins every worker failure, panics included.
func (m *Manager) Stop() error {
	m.mutex.Lock()
	services := m.services
	m.mutex.Unlock()

	for _, svc := range services {
		svc.Interrupt()
	}
	m.wg.Wait()

	m.mutex.Lock()
	defer m.mutex.Unlock()
	m.services = nil
	return errors.Join(m.errs...)
}

// Workers returns the number of workers spawned.
func (m *Manager) Workers() int {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	return m.workers
}
