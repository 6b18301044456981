package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cmatc13/homeserver/pkg/errors"
)

func TestDefault(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())

	assert.Equal(t, "localhost", cfg.Server.Name)
	assert.Equal(t, ":8008", cfg.Server.Address)
	assert.Equal(t, 10*time.Second, cfg.Server.ClientShutdownTimeout)
	assert.Equal(t, "memory", cfg.Database.Backend)
	assert.Equal(t, 2*time.Hour, cfg.Updates.Interval)
	assert.Equal(t, []string{"*"}, cfg.Server.CORSAllowedOrigins)
}

func TestLoadPrecedence(t *testing.T) {
	dir := t.TempDir()
	file := filepath.Join(dir, "homeserver.yaml")
	require.NoError(t, os.WriteFile(file, []byte(`
server:
  name: example.org
  address: ":9000"
database:
  query_timeout: 2s
`), 0o600))

	t.Setenv("HOMESERVER_SERVER_ADDRESS", ":9100")

	flags := pflag.NewFlagSet("test", pflag.ContinueOnError)
	flags.String("log-level", "", "")
	require.NoError(t, flags.Parse([]string{"--log-level=debug"}))

	cfg, err := LoadWithOptions(LoadOptions{ConfigFile: file, Flags: flags})
	require.NoError(t, err)

	assert.Equal(t, "example.org", cfg.Server.Name)
	assert.Equal(t, ":9100", cfg.Server.Address, "environment beats file")
	assert.Equal(t, 2*time.Second, cfg.Database.QueryTimeout)
	assert.Equal(t, "debug", cfg.Log.Level, "flag beats everything")
}

func TestLoadEnvFile(t *testing.T) {
	dir := t.TempDir()
	envFile := filepath.Join(dir, ".env")
	require.NoError(t, os.WriteFile(envFile, []byte("HOMESERVER_TEST_SERVER_NAME=dotenv.example\n"), 0o600))
	t.Cleanup(func() { os.Unsetenv("HOMESERVER_TEST_SERVER_NAME") })

	cfg, err := LoadWithOptions(LoadOptions{EnvFile: envFile, EnvPrefix: "HOMESERVER_TEST"})
	require.NoError(t, err)
	assert.Equal(t, "dotenv.example", cfg.Server.Name)
}

func TestLoadMissingEnvFileIsIgnored(t *testing.T) {
	_, err := LoadWithOptions(LoadOptions{EnvFile: filepath.Join(t.TempDir(), "absent.env")})
	assert.NoError(t, err)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"empty name", func(c *Config) { c.Server.Name = " " }},
		{"unknown backend", func(c *Config) { c.Database.Backend = "sqlite" }},
		{"zero shutdown timeout", func(c *Config) { c.Server.ClientShutdownTimeout = 0 }},
		{"negative query timeout", func(c *Config) { c.Database.QueryTimeout = -time.Second }},
		{"zero health interval", func(c *Config) { c.Database.HealthInterval = 0 }},
		{"zero sweep interval", func(c *Config) { c.Presence.SweepInterval = 0 }},
		{"negative rate limit", func(c *Config) { c.Server.RateLimit = -1 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.True(t, errors.IsConfigError(err, errors.ConfigErrInvalid))
		})
	}
}

func TestValidateReportsFirstInvalidKey(t *testing.T) {
	cfg := Default()
	cfg.Database.QueryTimeout = 0
	cfg.Database.HealthInterval = 0
	cfg.Updates.Interval = 0

	for range 10 {
		var domainErr *errors.Error
		require.True(t, errors.As(cfg.Validate(), &domainErr))
		assert.Equal(t, "database.query_timeout", domainErr.Fields["key"])
	}
}
