package service

import (
	"context"
	"fmt"
	"io"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cmatc13/homeserver/pkg/config"
	"github.com/cmatc13/homeserver/pkg/logging"
	"github.com/cmatc13/homeserver/pkg/metrics"
	"github.com/cmatc13/homeserver/pkg/server"
)

const (
	testTimeout = 2 * time.Second
	testTick    = 10 * time.Millisecond
)

func newTestServer(t *testing.T) *server.Server {
	t.Helper()
	return server.New(config.Default(), logging.Discard(), metrics.New(metrics.DefaultConfig()))
}

// mockService implements Service without a worker.
type mockService struct {
	Basic
	clears atomic.Int32
	usage  string
}

func newMock(name string) *mockService {
	return &mockService{Basic: NewBasic(name)}
}

func (m *mockService) ClearCache(context.Context) { m.clears.Add(1) }

func (m *mockService) MemoryUsage(w io.Writer) error {
	if m.usage == "" {
		return nil
	}
	_, err := fmt.Fprintln(w, m.usage)
	return err
}

func mock(name string) func(Args) (*mockService, error) {
	return func(Args) (*mockService, error) { return newMock(name), nil }
}

// mockWorker runs fn as its worker.
type mockWorker struct {
	Basic
	fn     func(ctx context.Context, interrupted <-chan struct{}) error
	exited chan struct{}
}

func newWorker(name string, fn func(ctx context.Context, interrupted <-chan struct{}) error) *mockWorker {
	return &mockWorker{Basic: NewBasic(name), fn: fn, exited: make(chan struct{})}
}

func (w *mockWorker) Worker(ctx context.Context) error {
	defer close(w.exited)
	return w.fn(ctx, w.Interrupted())
}

func worker(name string, fn func(ctx context.Context, interrupted <-chan struct{}) error) func(Args) (*mockWorker, error) {
	return func(Args) (*mockWorker, error) { return newWorker(name, fn), nil }
}

// untilInterrupted is a well-behaved worker body.
func untilInterrupted(_ context.Context, interrupted <-chan struct{}) error {
	<-interrupted
	return nil
}

func failWith(err error) func(context.Context, <-chan struct{}) error {
	return func(context.Context, <-chan struct{}) error { return err }
}

// testBundle is a minimal aggregate: the services slice holds the strong
// references a real aggregate keeps in its named fields.
type testBundle struct {
	Aggregate
	services []Service
}

func startTest(name string, build func(b *Builder) []Service) StartFunc {
	return func(ctx context.Context, srv *server.Server) (Bundle, error) {
		tb := &testBundle{}
		args, err := tb.Init(ctx, name, srv)
		if err != nil {
			return nil, err
		}

		b := NewBuilder(args)
		tb.services = build(b)
		if err := b.Err(); err != nil {
			_ = tb.DB().Close()
			return nil, err
		}

		Launch(ctx, tb)
		return tb, nil
	}
}

// single starts a bundle holding one service built by ctor.
func single[T any, PT interface {
	*T
	Service
}](name string, ctor func(Args) (PT, error)) StartFunc {
	return startTest(name, func(b *Builder) []Service {
		svc := Build(b, ctor)
		if svc == nil {
			return nil
		}
		return []Service{svc}
	})
}
