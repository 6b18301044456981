package admin

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"runtime"
	"strings"
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

func newAdmin(t *testing.T) *Service {
	t.Helper()
	cfg := serverconfig.Default()
	cfg.Server.Name = "example.org"
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

// fakeBundle records admin calls that reach the owning bundle.
type fakeBundle struct {
	service.Bundle
	cleared int
}

func (f *fakeBundle) Name() string { return "Fake" }

func (f *fakeBundle) ClearCache(context.Context) { f.cleared++ }

func (f *fakeBundle) MemoryUsage(context.Context) (string, error) {
	return "resolver:\ncache_hits: 0\n", nil
}

func TestNotices(t *testing.T) {
	ctx := context.Background()
	s := newAdmin(t)

	_, err := s.SendMessage(ctx, "   ")
	assert.True(t, errors.IsAPIError(err, errors.APIErrInvalidParam))

	first, err := s.SendMessage(ctx, "first")
	require.NoError(t, err)
	assert.Equal(t, "@homeserver:example.org", first.Sender)
	time.Sleep(time.Millisecond)
	_, err = s.SendMessage(ctx, "second")
	require.NoError(t, err)

	notices, err := s.Notices(ctx)
	require.NoError(t, err)
	require.Len(t, notices, 2)
	assert.Equal(t, "first", notices[0].Body)
	assert.Equal(t, "second", notices[1].Body)
	assert.Equal(t, first.ID, notices[0].ID)

	var usage strings.Builder
	require.NoError(t, s.MemoryUsage(&usage))
	assert.Equal(t, "notices: 2\n", usage.String())
}

func TestBackReference(t *testing.T) {
	ctx := context.Background()
	s := newAdmin(t)

	assert.True(t, errors.IsServiceError(s.ClearCaches(ctx), errors.ServiceErrNotStarted))

	b := &fakeBundle{}
	s.SetServices(b)
	require.NoError(t, s.ClearCaches(ctx))
	assert.Equal(t, 1, b.cleared)

	report, err := s.MemoryReport(ctx)
	require.NoError(t, err)
	assert.Contains(t, report, "resolver:")

	s.SetServices(nil)
	_, ok := s.Services()
	assert.False(t, ok)
}

func TestRoutesRequireAdminToken(t *testing.T) {
	s := newAdmin(t)
	s.SetServices(&fakeBundle{})
	auth := NewAuth("secret")

	r := chi.NewRouter()
	r.Group(func(r chi.Router) {
		r.Use(Authenticate(auth))
		Routes(r, func(*http.Request) (*Service, error) { return s, nil })
	})

	_, adminToken, err := auth.Encode(map[string]any{"admin": true})
	require.NoError(t, err)
	_, userToken, err := auth.Encode(map[string]any{"sub": "@alice:example.org"})
	require.NoError(t, err)

	do := func(method, path, token, body string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(method, path, strings.NewReader(body))
		if token != "" {
			req.Header.Set("Authorization", "Bearer "+token)
		}
		rec := httptest.NewRecorder()
		r.ServeHTTP(rec, req)
		return rec
	}

	rec := do(http.MethodGet, Prefix+"/notices", "", "")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Contains(t, rec.Body.String(), errors.APIErrMissingToken)

	rec = do(http.MethodGet, Prefix+"/notices", "not-a-jwt", "")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Contains(t, rec.Body.String(), errors.APIErrUnauthorized)

	rec = do(http.MethodGet, Prefix+"/notices", userToken, "")
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = do(http.MethodPost, Prefix+"/notices", adminToken, `{"body":"maintenance at noon"}`)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	rec = do(http.MethodGet, Prefix+"/notices", adminToken, "")
	require.Equal(t, http.StatusOK, rec.Code)
	var resp noticesResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Len(t, resp.Notices, 1)
	assert.Equal(t, "maintenance at noon", resp.Notices[0].Body)

	rec = do(http.MethodPost, Prefix+"/clear-cache", adminToken, "")
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = do(http.MethodGet, Prefix+"/memory-usage", adminToken, "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "cache_hits")
}

func TestDisabledAdmin(t *testing.T) {
	r := chi.NewRouter()
	r.With(Authenticate(NewAuth(""))).Get(Prefix+"/notices", func(http.ResponseWriter, *http.Request) {
		t.Fatal("handler reached")
	})

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, Prefix+"/notices", nil))
	assert.Equal(t, http.StatusForbidden, rec.Code)
}
