// Package globals holds server-wide identity and feature switches derived
// from the configuration.
package globals

import (
	"github.com/cmatc13/homeserver/internal/config"
	"github.com/cmatc13/homeserver/pkg/service"
)

// Service exposes the server identity.
type Service struct {
	service.Basic

	config     service.Dep[config.Service]
	serverName string
	serverUser string
}

// Build creates the globals service. It depends on config.
func Build(args service.Args) (*Service, error) {
	cfg, err := service.Depend[config.Service](args, "config")
	if err != nil {
		return nil, err
	}

	name := cfg.Get().Config().Server.Name
	s := &Service{
		config:     cfg,
		serverName: name,
		serverUser: "@homeserver:" + name,
	}
	s.Basic = service.NewBasic(service.MakeName(s))
	return s, nil
}

// ServerName returns the configured server name.
func (s *Service) ServerName() string { return s.serverName }

// ServerUser returns the user ID the server acts as.
func (s *Service) ServerUser() string { return s.serverUser }

// AllowLocalPresence reports whether presence is tracked for local users.
func (s *Service) AllowLocalPresence() bool {
	return s.config.Get().Config().Server.AllowLocalPresence
}

// AllowCheckForUpdates reports whether the update check is enabled.
func (s *Service) AllowCheckForUpdates() bool {
	return s.config.Get().Config().Server.AllowCheckForUpdates
}

// IsMine reports whether serverName is this server.
func (s *Service) IsMine(serverName string) bool {
	return serverName == s.serverName
}
