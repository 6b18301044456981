// Package coreapi is the core service bundle: a database watchdog and the
// service API routes.
package coreapi

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/cmatc13/homeserver/internal/coreapi/watchdog"
	"github.com/cmatc13/homeserver/pkg/server"
	"github.com/cmatc13/homeserver/pkg/service"
)

// Name is the bundle name.
const Name = "CoreServices"

// Services is the core bundle.
type Services struct {
	service.Aggregate

	Watchdog *watchdog.Service
}

// Start builds and launches the core bundle.
func Start(ctx context.Context, srv *server.Server) (service.Bundle, error) {
	s := &Services{}
	args, err := s.Init(ctx, Name, srv)
	if err != nil {
		return nil, err
	}

	b := service.NewBuilder(args)
	s.Watchdog = service.Build(b, watchdog.Build)
	if err := b.Err(); err != nil {
		_ = s.DB().Close()
		return nil, err
	}

	service.Launch(ctx, s)
	return s, nil
}

// Routes mounts the service API.
func (s *Services) Routes(r chi.Router) {
	r.Get("/", itWorks)
}

func itWorks(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	_, _ = w.Write([]byte("it works"))
}
