// cmd/homeserver/main.go
package main

import (
	"context"
	"log"
	"os"

	"github.com/spf13/pflag"

	"github.com/cmatc13/homeserver/internal/coreapi"
	"github.com/cmatc13/homeserver/internal/social"
	"github.com/cmatc13/homeserver/pkg/config"
	"github.com/cmatc13/homeserver/pkg/logging"
	"github.com/cmatc13/homeserver/pkg/metrics"
	"github.com/cmatc13/homeserver/pkg/router"
	"github.com/cmatc13/homeserver/pkg/server"
	"github.com/cmatc13/homeserver/pkg/service"
)

func main() {
	// Define command-line flags
	flags := pflag.NewFlagSet("homeserver", pflag.ExitOnError)
	configFile := flags.String("config", "", "Path to configuration file")
	envFile := flags.String("env-file", ".env", "Path to dotenv file")
	flags.String("log-level", "", "Log level (debug, info, warn, error)")
	flags.String("address", "", "Listen address, e.g. :8008")
	flags.String("backend", "", "Database backend (memory or redis)")
	flags.Bool("read-only", false, "Refuse database writes")
	_ = flags.Parse(os.Args[1:])

	opts := config.DefaultLoadOptions()
	opts.ConfigFile = *configFile
	opts.EnvFile = *envFile
	opts.Flags = flags

	cfg, err := config.LoadWithOptions(opts)
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	logger := logging.New(logging.FromConfig(cfg.Log))
	m := metrics.New(metrics.Config{
		Namespace:   cfg.Metrics.Namespace,
		ServiceName: cfg.Log.ServiceName,
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	srv := server.New(cfg, logger, m)
	srv.NotifySignals(ctx)

	logger.Info("Starting homeserver",
		"server_name", cfg.Server.Name,
		"address", cfg.Server.Address,
		"backend", cfg.Database.Backend,
	)

	if err := router.Serve(ctx, srv, service.Compose(coreapi.Start, social.Start)); err != nil {
		logger.Error("Homeserver exited with error", "error", err)
		cancel()
		os.Exit(1)
	}

	cancel()
	srv.Wait()
	logger.Info("Shutdown complete")
}
