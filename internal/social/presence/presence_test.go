package presence

import (
	"context"
	"net/http"
	"net/http/httptest"
	"runtime"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cmatc13/homeserver/internal/config"
	"github.com/cmatc13/homeserver/internal/social/globals"
	serverconfig "github.com/cmatc13/homeserver/pkg/config"
	"github.com/cmatc13/homeserver/pkg/database"
	"github.com/cmatc13/homeserver/pkg/errors"
	"github.com/cmatc13/homeserver/pkg/logging"
	"github.com/cmatc13/homeserver/pkg/server"
	"github.com/cmatc13/homeserver/pkg/service"
)

func newPresence(t *testing.T, mutate func(*serverconfig.Config)) *Service {
	t.Helper()
	cfg := serverconfig.Default()
	if mutate != nil {
		mutate(cfg)
	}
	srv := server.New(cfg, logging.Discard(), nil)

	db, err := database.Open(context.Background(), srv)
	require.NoError(t, err)
	args := service.Args{DB: db, Server: srv, Registry: service.NewRegistry(srv.Logger), Logger: srv.Logger}

	c, err := config.Build(args)
	require.NoError(t, err)
	require.NoError(t, service.Insert(args.Registry, c))
	g, err := globals.Build(args)
	require.NoError(t, err)
	require.NoError(t, service.Insert(args.Registry, g))

	s, err := Build(args)
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = db.Close()
		runtime.KeepAlive(c)
		runtime.KeepAlive(g)
	})
	return s
}

type clock struct{ t time.Time }

func (c *clock) now() time.Time { return c.t }

func TestSweep(t *testing.T) {
	ctx := context.Background()
	s := newPresence(t, func(c *serverconfig.Config) { c.Presence.IdleTimeout = time.Minute })
	c := &clock{t: time.UnixMilli(1_000_000)}
	s.now = c.now

	require.NoError(t, s.PingPresence(ctx, "@idle:localhost", Online))
	require.NoError(t, s.PingPresence(ctx, "@away:localhost", Offline))
	c.t = c.t.Add(30 * time.Second)
	require.NoError(t, s.PingPresence(ctx, "@busy:localhost", Online))

	c.t = c.t.Add(45 * time.Second)
	n, err := s.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	p, err := s.Get(ctx, "@idle:localhost")
	require.NoError(t, err)
	assert.Equal(t, Unavailable, p.State)
	p, err = s.Get(ctx, "@busy:localhost")
	require.NoError(t, err)
	assert.Equal(t, Online, p.State)
	p, err = s.Get(ctx, "@away:localhost")
	require.NoError(t, err)
	assert.Equal(t, Offline, p.State)

	require.NoError(t, s.UnsetAllPresence(ctx))
	p, err = s.Get(ctx, "@busy:localhost")
	require.NoError(t, err)
	assert.Equal(t, Offline, p.State)
	assert.Equal(t, c.t.Add(-45*time.Second).UnixMilli(), p.LastActive)
}

func TestPingRejectsUnknownState(t *testing.T) {
	s := newPresence(t, nil)
	err := s.PingPresence(context.Background(), "@a:localhost", "dancing")
	assert.True(t, errors.IsAPIError(err, errors.APIErrInvalidParam))
}

func TestWorkerSweeps(t *testing.T) {
	s := newPresence(t, func(c *serverconfig.Config) {
		c.Presence.IdleTimeout = time.Millisecond
		c.Presence.SweepInterval = 5 * time.Millisecond
	})
	require.NoError(t, s.PingPresence(context.Background(), "@a:localhost", Online))

	done := make(chan error, 1)
	go func() { done <- s.Worker(context.Background()) }()

	require.Eventually(t, func() bool {
		p, err := s.Get(context.Background(), "@a:localhost")
		return err == nil && p.State == Unavailable
	}, 2*time.Second, 5*time.Millisecond)

	s.Interrupt()
	assert.NoError(t, <-done)
}

func TestWorkerDisabledWaitsForInterrupt(t *testing.T) {
	s := newPresence(t, func(c *serverconfig.Config) { c.Server.AllowLocalPresence = false })

	done := make(chan error, 1)
	go func() { done <- s.Worker(context.Background()) }()

	select {
	case <-done:
		t.Fatal("disabled worker returned before interrupt")
	case <-time.After(20 * time.Millisecond):
	}
	s.Interrupt()
	assert.NoError(t, <-done)
}

func TestStatusRoute(t *testing.T) {
	s := newPresence(t, nil)
	c := &clock{t: time.UnixMilli(5_000)}
	s.now = c.now
	require.NoError(t, s.PingPresence(context.Background(), "@a:localhost", Online))
	c.t = c.t.Add(2 * time.Second)

	r := chi.NewRouter()
	Routes(r, func(*http.Request) (*Service, error) { return s, nil })

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/_matrix/client/v3/presence/@a:localhost/status", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"presence":"online","last_active_ago":2000,"currently_active":true}`, rec.Body.String())

	rec = httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/_matrix/client/v3/presence/@nobody:localhost/status", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}
