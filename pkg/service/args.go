// pkg/service/args.go
package service

import (
	"fmt"
	"weak"

	"github.com/cmatc13/homeserver/pkg/database"
	"github.com/cmatc13/homeserver/pkg/errors"
	"github.com/cmatc13/homeserver/pkg/logging"
	"github.com/cmatc13/homeserver/pkg/server"
)

// Args is passed to every service constructor.
type Args struct {
	DB       *database.Database
	Server   *server.Server
	Registry *Registry
	Logger   *logging.Logger
}

// Dep is a typed weak reference to another service in the same bundle,
// resolved while the bundle is being built.
type Dep[T any] struct {
	name string
	ptr  weak.Pointer[T]
}

// Depend resolves the service registered under name as a Dep[T]. The
// service must already have been built.
func Depend[T any](args Args, name string) (Dep[T], error) {
	e, ok := args.Registry.lookup(name)
	if !ok {
		return Dep[T]{}, errors.ServiceWrap(errors.ErrNotFound, errors.OpDepend,
			errors.ServiceErrMissingDependency, fmt.Sprintf("dependency %s is not built", name))
	}

	v := e.concrete()
	if v == nil {
		return Dep[T]{}, errors.ServiceErrorf(errors.ServiceErrMissingDependency,
			"dependency %s has already been released", name)
	}
	p, ok := v.(*T)
	if !ok {
		return Dep[T]{}, errors.ServiceErrorf(errors.ServiceErrDependencyType,
			"dependency %s is %T, not %T", name, v, (*T)(nil))
	}

	return Dep[T]{name: name, ptr: weak.Make(p)}, nil
}

// Name returns the dependency's service name.
func (d Dep[T]) Name() string {
	return d.name
}

// Get returns the dependency. The owning bundle outlives every service it
// built, so a released dependency is a programming error and panics.
func (d Dep[T]) Get() *T {
	p := d.ptr.Value()
	if p == nil {
		panic(fmt.Sprintf("service: dependency %s used after release", d.name))
	}
	return p
}

// Builder constructs services in order. The first failure is latched and
// every later Build call becomes a no-op.
type Builder struct {
	args  Args
	err   error
	built int
}

// NewBuilder returns a Builder that passes args to every constructor.
func NewBuilder(args Args) *Builder {
	return &Builder{args: args}
}

// Build runs ctor and inserts the result into the registry, so services
// built afterwards may depend on it.
func Build[T any, PT interface {
	*T
	Service
}](b *Builder, ctor func(Args) (PT, error)) PT {
	if b.err != nil {
		return nil
	}

	svc, err := ctor(b.args)
	if err == nil && svc == nil {
		err = errors.New("constructor returned nil")
	}
	if err != nil {
		b.fail(err, fmt.Sprintf("%T", (*T)(nil)))
		return nil
	}

	if err := Insert[T](b.args.Registry, svc); err != nil {
		b.fail(err, svc.Name())
		return nil
	}

	b.built++
	b.args.Logger.Debug(fmt.Sprintf("built service #%d", b.built), "service", svc.Name())
	return svc
}

func (b *Builder) fail(err error, subject string) {
	var domainErr *errors.Error
	if !errors.As(err, &domainErr) || domainErr.Domain != errors.ServiceDomain {
		err = errors.ServiceWrap(err, errors.OpBuild, errors.ServiceErrBuild, "building "+subject)
	}
	b.err = errors.WrapWithField(err, "service", subject)
}

// Err returns the first build failure.
func (b *Builder) Err() error {
	return b.err
}

// Built returns the number of services built so far.
func (b *Builder) Built() int {
	return b.built
}
