package coreapi

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cmatc13/homeserver/pkg/config"
	"github.com/cmatc13/homeserver/pkg/errors"
	"github.com/cmatc13/homeserver/pkg/logging"
	"github.com/cmatc13/homeserver/pkg/metrics"
	"github.com/cmatc13/homeserver/pkg/router"
	"github.com/cmatc13/homeserver/pkg/server"
	"github.com/cmatc13/homeserver/pkg/service"
)

func newServer(mutate func(*config.Config)) *server.Server {
	cfg := config.Default()
	if mutate != nil {
		mutate(cfg)
	}
	return server.New(cfg, logging.Discard(), metrics.New(metrics.DefaultConfig()))
}

func TestStartStop(t *testing.T) {
	b, err := router.Start(context.Background(), newServer(nil), Start)
	require.NoError(t, err)

	assert.Equal(t, Name, b.Name())
	assert.Equal(t, []string{"watchdog"}, b.Registry().Names())

	assert.NoError(t, router.Stop(context.Background(), &b))
	assert.Nil(t, b)
}

func TestRoutes(t *testing.T) {
	b, err := Start(context.Background(), newServer(nil))
	require.NoError(t, err)
	defer b.Stop(context.Background())

	h, guard := router.Build(b)
	defer guard.Release()

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "it works", rec.Body.String())

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/_matrix/nothing", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Contains(t, rec.Body.String(), errors.APIErrUnrecognized)
}

func TestWatchdogChecks(t *testing.T) {
	srv := newServer(func(c *config.Config) { c.Database.HealthInterval = 10 * time.Millisecond })
	b, err := Start(context.Background(), srv)
	require.NoError(t, err)
	defer b.Stop(context.Background())

	core, ok := service.Find[*Services](b)
	require.True(t, ok)
	require.Eventually(t, func() bool { return core.Watchdog.Checks() >= 2 }, 2*time.Second, 10*time.Millisecond)
	assert.NoError(t, core.Watchdog.Health(context.Background()))
}

func TestStartRejectsNonPositiveHealthInterval(t *testing.T) {
	srv := newServer(func(c *config.Config) { c.Database.HealthInterval = 0 })
	b, err := router.Start(context.Background(), srv, Start)
	assert.Nil(t, b)
	assert.True(t, errors.IsServiceError(err, errors.ServiceErrBuild), "got %v", err)
}

func TestComposedLookup(t *testing.T) {
	start := service.Compose(Start)
	b, err := start(context.Background(), newServer(nil))
	require.NoError(t, err)
	defer b.Stop(context.Background())

	_, ok := service.Find[*Services](b)
	assert.True(t, ok)
}
