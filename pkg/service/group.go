// pkg/service/group.go
package service

import (
	"context"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/cmatc13/homeserver/pkg/database"
	"github.com/cmatc13/homeserver/pkg/errors"
	"github.com/cmatc13/homeserver/pkg/server"
)

// Group runs independently authored bundles as one. Every operation visits
// the members in order, first member first, except Poll, which races them.
type Group struct {
	members []Bundle
}

// Compose returns a StartFunc that starts each bundle in order. If one
// fails to start, the members already started are stopped again and the
// error is returned.
func Compose(starts ...StartFunc) StartFunc {
	return func(ctx context.Context, srv *server.Server) (Bundle, error) {
		if len(starts) == 0 {
			return nil, errors.ServiceErrorf(errors.ServiceErrBuild, "compose: no bundles")
		}

		g := &Group{}
		for _, start := range starts {
			b, err := start(ctx, srv)
			if err != nil {
				if len(g.members) > 0 {
					if serr := g.Stop(ctx); serr != nil {
						srv.Logger.Warn("Stopping partially started group", "error", serr)
					}
				}
				return nil, err
			}
			g.members = append(g.members, b)
		}
		return g, nil
	}
}

// Members returns the bundles in the group.
func (g *Group) Members() []Bundle {
	return append([]Bundle(nil), g.members...)
}

// Name returns the member names in parentheses, e.g. "(A, (B, C))".
func (g *Group) Name() string {
	names := make([]string, len(g.members))
	for i, b := range g.members {
		names[i] = b.Name()
	}
	return "(" + strings.Join(names, ", ") + ")"
}

// Server returns the first member's server handle.
func (g *Group) Server() *server.Server { return g.members[0].Server() }

// DB returns the first member's database.
func (g *Group) DB() *database.Database { return g.members[0].DB() }

// Registry returns a merged snapshot of every member's registry.
func (g *Group) Registry() *Registry {
	regs := make([]*Registry, len(g.members))
	for i, b := range g.members {
		regs[i] = b.Registry()
	}
	return Merge(g.Server().Logger, regs...)
}

// Stop stops every member in order and joins their errors.
func (g *Group) Stop(ctx context.Context) error {
	var errs []error
	for _, b := range g.members {
		if err := b.Stop(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

type pollResult struct {
	err error
}

// Poll returns the result of the first worker to exit in any member.
func (g *Group) Poll(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	results := make(chan pollResult, len(g.members))
	for _, b := range g.members {
		go func() {
			results <- pollResult{err: b.Poll(ctx)}
		}()
	}

	select {
	case r := <-results:
		return r.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Interrupt interrupts every member.
func (g *Group) Interrupt() {
	for _, b := range g.members {
		b.Interrupt()
	}
}

// ClearCache clears every member's caches.
func (g *Group) ClearCache(ctx context.Context) {
	for _, b := range g.members {
		b.ClearCache(ctx)
	}
}

// MemoryUsage concatenates the members' reports.
func (g *Group) MemoryUsage(ctx context.Context) (string, error) {
	var out strings.Builder
	for _, b := range g.members {
		s, err := b.MemoryUsage(ctx)
		out.WriteString(s)
		if err != nil {
			return out.String(), err
		}
	}
	return out.String(), nil
}

// Routes attaches every member's routes in order.
func (g *Group) Routes(r chi.Router) {
	for _, b := range g.members {
		b.Routes(r)
	}
}

// Refs returns every member's probes.
func (g *Group) Refs() []Ref {
	var refs []Ref
	for _, b := range g.members {
		refs = append(refs, b.Refs()...)
	}
	return refs
}

// Find returns the first bundle of type T in b, searching groups depth first.
func Find[T any](b Bundle) (T, bool) {
	if t, ok := b.(T); ok {
		return t, true
	}
	if g, ok := b.(*Group); ok {
		for _, m := range g.members {
			if t, ok := Find[T](m); ok {
				return t, true
			}
		}
	}
	var zero T
	return zero, false
}
