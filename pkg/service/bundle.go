// pkg/service/bundle.go
package service

import (
	"context"
	"fmt"
	"runtime"
	"strings"
	"sync"
	"weak"

	"github.com/go-chi/chi/v5"

	"github.com/cmatc13/homeserver/pkg/database"
	"github.com/cmatc13/homeserver/pkg/errors"
	"github.com/cmatc13/homeserver/pkg/logging"
	"github.com/cmatc13/homeserver/pkg/metrics"
	"github.com/cmatc13/homeserver/pkg/server"
)

// Bundle is a started set of services: a single aggregate or a Group of
// bundles. It contributes both a lifecycle and HTTP routes.
type Bundle interface {
	Name() string
	Server() *server.Server
	DB() *database.Database
	Registry() *Registry

	// Stop interrupts every service and waits for every worker.
	Stop(ctx context.Context) error
	// Poll returns when the first worker exits, with its result.
	Poll(ctx context.Context) error

	Interrupt()
	ClearCache(ctx context.Context)
	MemoryUsage(ctx context.Context) (string, error)

	// Routes attaches the bundle's HTTP routes.
	Routes(r chi.Router)

	// Refs returns probes for the objects that must be unreachable once the
	// caller has dropped the bundle after Stop.
	Refs() []Ref
}

// StartFunc builds and starts a bundle on srv.
type StartFunc func(ctx context.Context, srv *server.Server) (Bundle, error)

// Ref reports whether a tracked object is still reachable.
type Ref struct {
	Name  string
	Alive func() bool
}

func probe[T any](name string, p *T) Ref {
	wp := weak.Make(p)
	return Ref{Name: name, Alive: func() bool { return wp.Value() != nil }}
}

// Aggregate carries the state every concrete bundle owns. Embed it in the
// struct that holds the bundle's services and call Init before building.
type Aggregate struct {
	name     string
	server   *server.Server
	db       *database.Database
	registry *Registry
	logger   *logging.Logger

	mutex   sync.Mutex
	manager *Manager
	refs    []Ref
}

// Init opens the database and creates the registry. The returned Args are
// passed to every constructor.
func (a *Aggregate) Init(ctx context.Context, name string, srv *server.Server) (Args, error) {
	db, err := database.Open(ctx, srv)
	if err != nil {
		return Args{}, errors.ServiceWrap(err, errors.OpBuild, errors.ServiceErrBuild, name+": opening database")
	}

	a.name = name
	a.server = srv
	a.db = db
	a.logger = srv.Logger.WithField("bundle", name)
	a.registry = NewRegistry(a.logger)
	a.refs = []Ref{probe(name+" database", db)}

	return Args{DB: db, Server: srv, Registry: a.registry, Logger: a.logger}, nil
}

func (a *Aggregate) base() *Aggregate { return a }

// Launch starts the workers of a fully built aggregate. It must be called
// exactly once, after every service has been built.
func Launch[T any, PT interface {
	*T
	Bundle
	base() *Aggregate
}](ctx context.Context, agg PT) {
	a := agg.base()

	a.mutex.Lock()
	defer a.mutex.Unlock()

	if a.manager != nil {
		panic("service: " + a.name + " launched twice")
	}
	a.refs = append(a.refs, probe(a.name, (*T)(agg)))

	services := a.registry.Snapshot()
	a.manager = NewManager(a.name, services, a.logger, a.server.Metrics)
	a.manager.Start(ctx)

	if m := a.server.Metrics; m != nil {
		m.BundleStarts.WithLabelValues(a.name).Inc()
		m.ServicesBuilt.WithLabelValues(a.name).Set(float64(len(services)))
	}
	a.logger.Info("Services started", "services", len(services), "workers", a.manager.Workers())
}

// Name returns the bundle name.
func (a *Aggregate) Name() string { return a.name }

// Server returns the server handle.
func (a *Aggregate) Server() *server.Server { return a.server }

// DB returns the database handle.
func (a *Aggregate) DB() *database.Database { return a.db }

// Registry returns the bundle's registry.
func (a *Aggregate) Registry() *Registry { return a.registry }

// Logger returns the bundle-scoped logger.
func (a *Aggregate) Logger() *logging.Logger { return a.logger }

// Refs returns probes for the aggregate and its database.
func (a *Aggregate) Refs() []Ref {
	a.mutex.Lock()
	defer a.mutex.Unlock()
	return append([]Ref(nil), a.refs...)
}

// Routes contributes no routes. Bundles with an HTTP surface override it.
func (a *Aggregate) Routes(chi.Router) {}

// Interrupt interrupts every live service.
func (a *Aggregate) Interrupt() {
	services := a.registry.Snapshot()
	a.logger.Debug("Interrupting services", "services", len(services))
	for _, svc := range services {
		svc.Interrupt()
	}
}

// Poll waits for the first worker to exit. It fails for a bundle that was
// never launched.
func (a *Aggregate) Poll(ctx context.Context) error {
	a.mutex.Lock()
	m := a.manager
	a.mutex.Unlock()

	if m == nil {
		return errors.ServiceErrorf(errors.ServiceErrNotStarted, "%s was not started", a.name)
	}
	return m.Poll(ctx)
}

// Stop interrupts every service, waits for the workers and closes the
// database. Worker failures are logged and returned joined. There is no
// timeout: a worker that ignores its interrupt blocks Stop.
func (a *Aggregate) Stop(ctx context.Context) error {
	a.logger.Info("Shutting down services")
	a.Interrupt()

	a.mutex.Lock()
	m := a.manager
	a.mutex.Unlock()

	var err error
	if m != nil {
		if err = m.Stop(); err != nil {
			a.logger.Warn("Workers reported errors", "error", err)
		}
	}

	if cerr := a.db.Close(); cerr != nil {
		a.logger.Warn("Closing database", "error", cerr)
	}
	a.logger.Debug("Services shutdown complete")
	return err
}

// ClearCache clears the cache of every live service.
func (a *Aggregate) ClearCache(ctx context.Context) {
	for _, svc := range a.registry.Snapshot() {
		svc.ClearCache(ctx)
	}
}

// MemoryUsage collects every service's memory report, one section per
// service that writes anything.
func (a *Aggregate) MemoryUsage(ctx context.Context) (string, error) {
	var out strings.Builder
	var section strings.Builder
	for _, svc := range a.registry.Snapshot() {
		if err := ctx.Err(); err != nil {
			return out.String(), err
		}
		section.Reset()
		if err := svc.MemoryUsage(&section); err != nil {
			return out.String(), errors.ServiceWrap(err, "MemoryUsage", errors.ServiceErrWorker, svc.Name())
		}
		if section.Len() > 0 {
			fmt.Fprintf(&out, "%s:\n%s", svc.Name(), section.String())
			if !strings.HasSuffix(section.String(), "\n") {
				out.WriteByte('\n')
			}
		}
	}
	return out.String(), nil
}

// CheckRefs consumes the caller's handle, forces collection and logs every
// tracked object that is still reachable. It returns the number of
// dangling references and never fails.
func CheckRefs(logger *logging.Logger, b *Bundle) int {
	if b == nil || *b == nil {
		return 0
	}

	name := (*b).Name()
	refs := (*b).Refs()
	var m *metrics.Metrics
	if srv := (*b).Server(); srv != nil {
		m = srv.Metrics
	}
	*b = nil

	var dangling []string
	for range 3 {
		runtime.GC()
		dangling = dangling[:0]
		for _, ref := range refs {
			if ref.Alive() {
				dangling = append(dangling, ref.Name)
			}
		}
		if len(dangling) == 0 {
			return 0
		}
	}

	logger.Error(fmt.Sprintf("%d dangling references to %s after shutdown", len(dangling), name),
		"bundle", name, "refs", dangling)
	if m != nil {
		m.DanglingRefs.WithLabelValues(name).Add(float64(len(dangling)))
	}
	return len(dangling)
}
