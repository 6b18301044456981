// Package service provides the framework every homeserver subsystem is built
// on: the Service contract, a per-bundle registry of weak handles, typed
// dependencies resolved at build time, a worker manager, and bundles that
// compose into larger bundles.
package service

import (
	"context"
	"io"
	"path"
	"reflect"
	"strings"
	"sync"
)

// Service defines the interface that all services must implement.
type Service interface {
	// Name returns the service name, unique within its bundle.
	Name() string

	// Interrupt asks the service's worker to return. It must be safe to call
	// more than once and from any goroutine, and must not block.
	Interrupt()

	// ClearCache drops any cached state the service holds.
	ClearCache(ctx context.Context)

	// MemoryUsage writes a human-readable summary of cached state to w.
	MemoryUsage(w io.Writer) error
}

// Worker is implemented by services that run a background loop. Worker
// runs until the service is interrupted or it fails; its context is never
// cancelled by the framework, so the loop must watch for interruption.
type Worker interface {
	Worker(ctx context.Context) error
}

// HealthChecker is implemented by services that can report their health.
type HealthChecker interface {
	Health(ctx context.Context) error
}

// Notify is a latched broadcast. Once fired, every current and future
// waiter observes it.
type Notify struct {
	once sync.Once
	ch   chan struct{}
}

// NewNotify creates an unfired notification.
func NewNotify() *Notify {
	return &Notify{ch: make(chan struct{})}
}

// Notify fires the notification. Extra calls are ignored.
func (n *Notify) Notify() {
	n.once.Do(func() { close(n.ch) })
}

// Notified returns a channel closed once Notify has been called.
func (n *Notify) Notified() <-chan struct{} {
	return n.ch
}

// Fired reports whether Notify has been called.
func (n *Notify) Fired() bool {
	select {
	case <-n.ch:
		return true
	default:
		return false
	}
}

// Basic provides the Service methods for services that only need a name and
// an interrupt signal. Embed it and override what the service needs.
type Basic struct {
	name      string
	interrupt *Notify
}

// NewBasic returns a Basic named name.
func NewBasic(name string) Basic {
	return Basic{name: name, interrupt: NewNotify()}
}

// Name returns the service name.
func (b *Basic) Name() string { return b.name }

// Interrupt fires the interrupt notification.
func (b *Basic) Interrupt() { b.interrupt.Notify() }

// Interrupted returns a channel closed once the service is interrupted.
func (b *Basic) Interrupted() <-chan struct{} { return b.interrupt.Notified() }

// InterruptContext returns a copy of ctx that is cancelled once the
// service is interrupted, so blocking calls inside a worker return
// promptly.
func (b *Basic) InterruptContext(ctx context.Context) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(ctx)
	go func() {
		select {
		case <-b.Interrupted():
			cancel()
		case <-ctx.Done():
		}
	}()
	return ctx, cancel
}

// ClearCache is a no-op.
func (b *Basic) ClearCache(context.Context) {}

// MemoryUsage writes nothing.
func (b *Basic) MemoryUsage(io.Writer) error { return nil }

// MakeName derives a service name from the package that declares v's type:
// the last element of the import path, e.g. "resolver" for
// github.com/cmatc13/homeserver/internal/social/resolver.Service.
func MakeName(v any) string {
	t := reflect.TypeOf(v)
	for t != nil && t.Kind() == reflect.Pointer {
		t = t.Elem()
	}
	if t == nil || t.PkgPath() == "" {
		return ""
	}
	return strings.ToLower(path.Base(t.PkgPath()))
}
