// Package database provides the storage handle owned by every service
// bundle. Services address named maps (db.Map("global")) and never see the
// backend behind them.
package database

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/cmatc13/homeserver/pkg/errors"
	"github.com/cmatc13/homeserver/pkg/logging"
	"github.com/cmatc13/homeserver/pkg/metrics"
	"github.com/cmatc13/homeserver/pkg/server"
)

// Database is an open storage handle.
type Database struct {
	backend  backend
	readOnly bool
	timeout  time.Duration
	maxRetry time.Duration
	logger   *logging.Logger
	metrics  *metrics.Metrics

	mu   sync.Mutex
	maps map[string]*Map

	queries  atomic.Uint64
	failures atomic.Uint64
	closed   atomic.Bool
}

// Open opens the backend selected by the server configuration and checks
// that it answers.
func Open(ctx context.Context, srv *server.Server) (*Database, error) {
	cfg := srv.Config.Database

	var b backend
	switch cfg.Backend {
	case "memory":
		b = newMemoryBackend()
	case "redis":
		b = newRedisBackend(srv.Config.Redis, cfg.Namespace)
	default:
		return nil, errors.StorageErrorf(errors.StorageErrBackend, "unknown backend %q", cfg.Backend)
	}

	db := &Database{
		backend:  b,
		readOnly: cfg.ReadOnly,
		timeout:  cfg.QueryTimeout,
		maxRetry: cfg.MaxReconnect,
		logger:   srv.Logger.WithField("component", "database"),
		metrics:  srv.Metrics,
		maps:     make(map[string]*Map),
	}

	if err := db.HealthCheck(ctx); err != nil {
		_ = b.close()
		return nil, errors.StorageWrapWithCode(err, errors.OpOpen, errors.StorageErrConnection,
			"failed to connect to "+b.kind())
	}

	db.logger.Info("Database opened", "backend", b.kind(), "read_only", cfg.ReadOnly)
	return db, nil
}

// Map returns the named map. Repeated calls return the same value.
func (db *Database) Map(name string) *Map {
	db.mu.Lock()
	defer db.mu.Unlock()

	m, ok := db.maps[name]
	if !ok {
		m = &Map{db: db, name: name}
		db.maps[name] = m
	}
	return m
}

// IsReadOnly reports whether writes are rejected.
func (db *Database) IsReadOnly() bool {
	return db.readOnly
}

// Backend returns the backend kind ("memory" or "redis").
func (db *Database) Backend() string {
	return db.backend.kind()
}

// HealthCheck pings the backend within the query timeout.
func (db *Database) HealthCheck(ctx context.Context) error {
	ctx, cancel := db.withTimeout(ctx)
	defer cancel()

	if err := db.backend.ping(ctx); err != nil {
		return errors.StorageWrapWithCode(err, errors.OpHealthCheck, errors.StorageErrHealth,
			"backend did not answer")
	}
	return nil
}

// Reconnect re-establishes the backend connection with exponential backoff,
// giving up after the configured maximum or when ctx is done.
func (db *Database) Reconnect(ctx context.Context) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 100 * time.Millisecond
	b.MaxElapsedTime = db.maxRetry

	attempt := 0
	op := func() error {
		attempt++
		actx, cancel := db.withTimeout(ctx)
		defer cancel()
		err := db.backend.reconnect(actx)
		if err != nil {
			db.logger.Warn("Reconnect attempt failed", "attempt", attempt, "error", err)
		}
		return err
	}

	if err := backoff.Retry(op, backoff.WithContext(b, ctx)); err != nil {
		return errors.StorageWrapWithCode(err, errors.OpReconnect, errors.StorageErrConnection,
			"reconnect failed")
	}

	db.logger.Info("Database reconnected", "attempts", attempt)
	return nil
}

// Stats is a point-in-time view of operation counters.
type Stats struct {
	Queries uint64
	Errors  uint64
}

// ErrorRate returns the share of failed operations, zero when idle.
func (s Stats) ErrorRate() float64 {
	if s.Queries == 0 {
		return 0
	}
	return float64(s.Errors) / float64(s.Queries)
}

// HasHighErrorRate reports whether ErrorRate exceeds threshold.
func (s Stats) HasHighErrorRate(threshold float64) bool {
	return s.ErrorRate() > threshold
}

// Stats returns the operation counters.
func (db *Database) Stats() Stats {
	return Stats{Queries: db.queries.Load(), Errors: db.failures.Load()}
}

// Close releases the backend. It is safe to call more than once.
func (db *Database) Close() error {
	if !db.closed.CompareAndSwap(false, true) {
		return nil
	}
	if err := db.backend.close(); err != nil {
		return errors.StorageWrapWithCode(err, errors.OpClose, errors.StorageErrConnection, "close failed")
	}
	return nil
}

func (db *Database) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if db.timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, db.timeout)
}

// exec runs one backend operation with the query timeout and records it.
func (db *Database) exec(ctx context.Context, m, op, code string, fn func(context.Context) error) error {
	ctx, cancel := db.withTimeout(ctx)
	defer cancel()

	start := time.Now()
	err := fn(ctx)
	db.queries.Add(1)
	if db.metrics != nil {
		db.metrics.RecordQuery(m, op, time.Since(start), err)
	}
	if err == nil {
		return nil
	}

	db.failures.Add(1)
	if errors.Is(err, context.DeadlineExceeded) {
		code = errors.StorageErrTimeout
	}
	return errors.WrapWithField(
		errors.StorageWrapWithCode(err, op, code, "map "+m), "map", m)
}

// Map is a named key/value namespace inside a Database.
type Map struct {
	db   *Database
	name string
}

// Name returns the map name.
func (m *Map) Name() string {
	return m.name
}

// Get returns the value stored under key, or a STORAGE_NOT_FOUND error.
func (m *Map) Get(ctx context.Context, key string) ([]byte, error) {
	var (
		value []byte
		found bool
	)
	err := m.db.exec(ctx, m.name, errors.OpGet, errors.StorageErrRead, func(ctx context.Context) error {
		var err error
		value, found, err = m.db.backend.get(ctx, m.name, key)
		return err
	})
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, errors.WrapWithField(
			errors.StorageErrorf(errors.StorageErrNotFound, "%s: key %q not found", m.name, key), "map", m.name)
	}
	return value, nil
}

// Put stores value under key.
func (m *Map) Put(ctx context.Context, key string, value []byte) error {
	if err := m.writable(errors.OpPut); err != nil {
		return err
	}
	return m.db.exec(ctx, m.name, errors.OpPut, errors.StorageErrWrite, func(ctx context.Context) error {
		return m.db.backend.put(ctx, m.name, key, value)
	})
}

// Delete removes key. Deleting an absent key is not an error.
func (m *Map) Delete(ctx context.Context, key string) error {
	if err := m.writable(errors.OpDelete); err != nil {
		return err
	}
	return m.db.exec(ctx, m.name, errors.OpDelete, errors.StorageErrWrite, func(ctx context.Context) error {
		return m.db.backend.del(ctx, m.name, key)
	})
}

// Keys returns every key in the map in sorted order.
func (m *Map) Keys(ctx context.Context) ([]string, error) {
	var keys []string
	err := m.db.exec(ctx, m.name, errors.OpKeys, errors.StorageErrRead, func(ctx context.Context) error {
		var err error
		keys, err = m.db.backend.keys(ctx, m.name)
		return err
	})
	return keys, err
}

// Clear removes every key in the map.
func (m *Map) Clear(ctx context.Context) error {
	if err := m.writable(errors.OpClear); err != nil {
		return err
	}
	return m.db.exec(ctx, m.name, errors.OpClear, errors.StorageErrWrite, func(ctx context.Context) error {
		return m.db.backend.clear(ctx, m.name)
	})
}

// GetJSON decodes the value under key into v.
func (m *Map) GetJSON(ctx context.Context, key string, v any) error {
	raw, err := m.Get(ctx, key)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return errors.StorageWrapWithCode(err, errors.OpGet, errors.StorageErrRead, "decode "+m.name+"/"+key)
	}
	return nil
}

// PutJSON encodes v and stores it under key.
func (m *Map) PutJSON(ctx context.Context, key string, v any) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return errors.StorageWrapWithCode(err, errors.OpPut, errors.StorageErrWrite, "encode "+m.name+"/"+key)
	}
	return m.Put(ctx, key, raw)
}

func (m *Map) writable(op string) error {
	if m.db.readOnly {
		return errors.StorageWrapWithCode(errors.ErrReadOnly, op, errors.StorageErrReadOnly, "map "+m.name)
	}
	return nil
}

// IsNotFound reports whether err is a missing-key error.
func IsNotFound(err error) bool {
	return errors.IsStorageError(err, errors.StorageErrNotFound)
}
