// Package config exposes the loaded configuration as a service so that
// other services can depend on it by name.
package config

import (
	"fmt"
	"io"

	serverconfig "github.com/cmatc13/homeserver/pkg/config"
	"github.com/cmatc13/homeserver/pkg/errors"
	"github.com/cmatc13/homeserver/pkg/service"
)

// Service holds the configuration snapshot the bundle was started with.
type Service struct {
	service.Basic
	config *serverconfig.Config
}

// Build creates the config service.
func Build(args service.Args) (*Service, error) {
	if args.Server == nil || args.Server.Config == nil {
		return nil, errors.ServiceErrorf(errors.ServiceErrBuild, "server has no configuration")
	}
	s := &Service{config: args.Server.Config}
	s.Basic = service.NewBasic(service.MakeName(s))
	return s, nil
}

// Config returns the configuration snapshot.
func (s *Service) Config() *serverconfig.Config {
	return s.config
}

// MemoryUsage reports the identity of the loaded configuration.
func (s *Service) MemoryUsage(w io.Writer) error {
	_, err := fmt.Fprintf(w, "server_name: %s\nbackend: %s\n", s.config.Server.Name, s.config.Database.Backend)
	return err
}
