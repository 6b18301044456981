// Package social is the social service bundle: resolution and delivery of
// federation traffic, the room directory, presence, operator notices and
// the update checker.
package social

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/cmatc13/homeserver/internal/config"
	"github.com/cmatc13/homeserver/internal/social/admin"
	"github.com/cmatc13/homeserver/internal/social/client"
	"github.com/cmatc13/homeserver/internal/social/directory"
	"github.com/cmatc13/homeserver/internal/social/federation"
	"github.com/cmatc13/homeserver/internal/social/globals"
	"github.com/cmatc13/homeserver/internal/social/presence"
	"github.com/cmatc13/homeserver/internal/social/resolver"
	"github.com/cmatc13/homeserver/internal/social/sending"
	"github.com/cmatc13/homeserver/internal/social/updates"
	"github.com/cmatc13/homeserver/pkg/router"
	"github.com/cmatc13/homeserver/pkg/server"
	"github.com/cmatc13/homeserver/pkg/service"
)

// Name is the bundle name.
const Name = "SocialServices"

// Services is the social bundle. Fields are in build order.
type Services struct {
	service.Aggregate

	Config     *config.Service
	Globals    *globals.Service
	Client     *client.Service
	Resolver   *resolver.Service
	Federation *federation.Service
	Directory  *directory.Service
	Admin      *admin.Service
	Presence   *presence.Service
	Updates    *updates.Service
	Sending    *sending.Service
}

// Start builds and launches the social bundle.
func Start(ctx context.Context, srv *server.Server) (service.Bundle, error) {
	s := &Services{}
	args, err := s.Init(ctx, Name, srv)
	if err != nil {
		return nil, err
	}

	b := service.NewBuilder(args)
	s.Config = service.Build(b, config.Build)
	s.Globals = service.Build(b, globals.Build)
	s.Client = service.Build(b, client.Build)
	s.Resolver = service.Build(b, resolver.Build)
	s.Federation = service.Build(b, federation.Build)
	s.Directory = service.Build(b, directory.Build)
	s.Admin = service.Build(b, admin.Build)
	s.Presence = service.Build(b, presence.Build)
	s.Updates = service.Build(b, updates.Build)
	s.Sending = service.Build(b, sending.Build)
	if err := b.Err(); err != nil {
		_ = s.DB().Close()
		return nil, err
	}

	s.Logger().Debug("Starting services")
	s.Admin.SetServices(s)
	service.Launch(ctx, s)

	// Reset dormant statuses left by an unclean shutdown and mark the
	// server user online.
	if s.localPresence() {
		if err := s.Presence.UnsetAllPresence(ctx); err != nil {
			s.Logger().Warn("Resetting presence failed", "error", err)
		}
		if err := s.Presence.PingPresence(ctx, s.Globals.ServerUser(), presence.Online); err != nil {
			s.Logger().Warn("Marking server user online failed", "error", err)
		}
	}

	s.Logger().Debug("Services startup complete")
	return s, nil
}

// Stop marks the server user offline, stops the bundle and drops the
// admin back-reference.
func (s *Services) Stop(ctx context.Context) error {
	if s.localPresence() {
		if err := s.Presence.PingPresence(ctx, s.Globals.ServerUser(), presence.Offline); err != nil {
			s.Logger().Warn("Marking server user offline failed", "error", err)
		}
	}

	err := s.Aggregate.Stop(ctx)
	s.Admin.SetServices(nil)
	return err
}

func (s *Services) localPresence() bool {
	return s.Globals.AllowLocalPresence() && !s.DB().IsReadOnly()
}

// Routes mounts the public endpoints and the token-protected admin API.
func (s *Services) Routes(r chi.Router) {
	auth := admin.NewAuth(s.Server().Config.Server.AdminJWTSecret)

	directory.Routes(r, lookup(func(b *Services) *directory.Service { return b.Directory }))
	presence.Routes(r, lookup(func(b *Services) *presence.Service { return b.Presence }))

	r.Group(func(r chi.Router) {
		r.Use(admin.Authenticate(auth))
		admin.Routes(r, lookup(func(b *Services) *admin.Service { return b.Admin }))
		directory.AdminRoutes(r, lookup(func(b *Services) *directory.Service { return b.Directory }))
		sending.AdminRoutes(r, lookup(func(b *Services) *sending.Service { return b.Sending }))
	})
}

// lookup resolves a service of the running bundle at request time, so the
// router never pins a bundle that has been stopped.
func lookup[T any](get func(*Services) T) func(*http.Request) (T, error) {
	return func(r *http.Request) (T, error) {
		s, err := router.Services[*Services](r)
		if err != nil {
			var zero T
			return zero, err
		}
		return get(s), nil
	}
}
