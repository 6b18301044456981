package updates

import (
	"context"
	"net/http"
	"net/http/httptest"
	"runtime"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cmatc13/homeserver/internal/config"
	"github.com/cmatc13/homeserver/internal/social/admin"
	"github.com/cmatc13/homeserver/internal/social/client"
	"github.com/cmatc13/homeserver/internal/social/globals"
	serverconfig "github.com/cmatc13/homeserver/pkg/config"
	"github.com/cmatc13/homeserver/pkg/database"
	"github.com/cmatc13/homeserver/pkg/logging"
	"github.com/cmatc13/homeserver/pkg/server"
	"github.com/cmatc13/homeserver/pkg/service"
)

type fixture struct {
	updates *Service
	admin   *admin.Service
}

func newFixture(t *testing.T, url string, mutate func(*serverconfig.Config)) fixture {
	t.Helper()
	cfg := serverconfig.Default()
	cfg.Updates.URL = url
	if mutate != nil {
		mutate(cfg)
	}
	srv := server.New(cfg, logging.Discard(), nil)

	db, err := database.Open(context.Background(), srv)
	require.NoError(t, err)
	args := service.Args{DB: db, Server: srv, Registry: service.NewRegistry(srv.Logger), Logger: srv.Logger}

	b := service.NewBuilder(args)
	c := service.Build(b, config.Build)
	g := service.Build(b, globals.Build)
	cl := service.Build(b, client.Build)
	a := service.Build(b, admin.Build)
	u := service.Build(b, Build)
	require.NoError(t, b.Err())

	t.Cleanup(func() {
		_ = db.Close()
		runtime.KeepAlive(c)
		runtime.KeepAlive(g)
		runtime.KeepAlive(cl)
	})
	return fixture{updates: u, admin: a}
}

func announce(body *atomic.Value) *httptest.Server {
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(body.Load().(string)))
	}))
}

func TestCheckRelaysNewUpdates(t *testing.T) {
	ctx := context.Background()
	var body atomic.Value
	body.Store(`{"updates":[{"id":1,"date":"2024-01-01","message":"one"},{"id":2,"date":"2024-02-01","message":"two"}]}`)
	ts := announce(&body)
	defer ts.Close()

	f := newFixture(t, ts.URL, nil)

	last, err := f.updates.LastCheckID(ctx)
	require.NoError(t, err)
	assert.Zero(t, last)

	require.NoError(t, f.updates.Check(ctx))
	notices, err := f.admin.Notices(ctx)
	require.NoError(t, err)
	assert.Len(t, notices, 2)
	last, err = f.updates.LastCheckID(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 2, last)

	require.NoError(t, f.updates.Check(ctx))
	notices, err = f.admin.Notices(ctx)
	require.NoError(t, err)
	assert.Len(t, notices, 2, "already relayed updates are skipped")

	body.Store(`{"updates":[{"id":2,"date":"2024-02-01","message":"two"},{"id":3,"date":"2024-03-01","message":"three"}]}`)
	require.NoError(t, f.updates.Check(ctx))
	notices, err = f.admin.Notices(ctx)
	require.NoError(t, err)
	require.Len(t, notices, 3)
	assert.Contains(t, notices[2].Body, "three")
}

func TestCheckFailures(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/garbage" {
			_, _ = w.Write([]byte("not json"))
			return
		}
		http.Error(w, "down", http.StatusBadGateway)
	}))
	defer ts.Close()

	assert.ErrorContains(t, newFixture(t, ts.URL, nil).updates.Check(context.Background()), "502")
	assert.ErrorContains(t, newFixture(t, ts.URL+"/garbage", nil).updates.Check(context.Background()), "decoding updates")
}

func TestWorker(t *testing.T) {
	var body atomic.Value
	body.Store(`{"updates":[{"id":7,"date":"2024-01-01","message":"seven"}]}`)
	ts := announce(&body)
	defer ts.Close()

	f := newFixture(t, ts.URL, func(c *serverconfig.Config) {
		c.Server.AllowCheckForUpdates = true
		c.Updates.Interval = 10 * time.Millisecond
	})

	done := make(chan error, 1)
	go func() { done <- f.updates.Worker(context.Background()) }()

	require.Eventually(t, func() bool {
		id, err := f.updates.LastCheckID(context.Background())
		return err == nil && id == 7
	}, 2*time.Second, 10*time.Millisecond)

	f.updates.Interrupt()
	assert.NoError(t, <-done)
}

func TestWorkerDisabled(t *testing.T) {
	f := newFixture(t, "http://127.0.0.1:1/unused", nil)

	done := make(chan error, 1)
	go func() { done <- f.updates.Worker(context.Background()) }()
	select {
	case <-done:
		t.Fatal("disabled worker returned before interrupt")
	case <-time.After(20 * time.Millisecond):
	}

	f.updates.Interrupt()
	assert.NoError(t, <-done)
}
