package config

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	serverconfig "github.com/cmatc13/homeserver/pkg/config"
	"github.com/cmatc13/homeserver/pkg/errors"
	"github.com/cmatc13/homeserver/pkg/logging"
	"github.com/cmatc13/homeserver/pkg/server"
	"github.com/cmatc13/homeserver/pkg/service"
)

func TestBuild(t *testing.T) {
	cfg := serverconfig.Default()
	cfg.Server.Name = "example.org"
	srv := server.New(cfg, logging.Discard(), nil)

	s, err := Build(service.Args{Server: srv})
	require.NoError(t, err)
	assert.Equal(t, "config", s.Name())
	assert.Same(t, cfg, s.Config())

	var out strings.Builder
	require.NoError(t, s.MemoryUsage(&out))
	assert.Equal(t, "server_name: example.org\nbackend: memory\n", out.String())
}

func TestBuildWithoutConfig(t *testing.T) {
	_, err := Build(service.Args{})
	assert.True(t, errors.IsServiceError(err, errors.ServiceErrBuild))
}
