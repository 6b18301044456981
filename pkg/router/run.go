// pkg/router/run.go
package router

import (
	"context"
	"net"
	"net/http"

	"github.com/cmatc13/homeserver/pkg/errors"
	"github.com/cmatc13/homeserver/pkg/server"
	"github.com/cmatc13/homeserver/pkg/service"
)

// catch runs fn and turns a panic into a SERVICE_PANIC error.
func catch(srv *server.Server, where string, fn func() error) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = errors.WrapWithOperation(errors.FromPanic(p), where)
			srv.Logger.Error("Panic recovered", "where", where, "error", err)
			if srv.Metrics != nil {
				srv.Metrics.Panics.WithLabelValues(where).Inc()
			}
		}
	}()
	return fn()
}

// Start builds and starts the bundle produced by start.
func Start(ctx context.Context, srv *server.Server, start service.StartFunc) (service.Bundle, error) {
	var b service.Bundle
	err := catch(srv, errors.OpStart, func() error {
		var err error
		b, err = start(ctx, srv)
		return err
	})
	if err != nil {
		return nil, err
	}
	srv.Logger.Info("Services started", "bundle", b.Name())
	return b, nil
}

// Stop stops the bundle, releases the caller's handle and reports any
// reference still reachable afterwards. Leaks are logged, never returned.
func Stop(ctx context.Context, b *service.Bundle) error {
	if b == nil || *b == nil {
		return nil
	}
	srv := (*b).Server()

	err := catch(srv, errors.OpStop, func() error {
		return (*b).Stop(ctx)
	})
	service.CheckRefs(srv.Logger, b)

	srv.Logger.Info("Services stopped")
	return err
}

// Run serves the bundle on the configured address until the server shuts
// down or a worker exits.
func Run(ctx context.Context, b service.Bundle) error {
	srv := b.Server()
	ln, err := net.Listen("tcp", srv.Config.Server.Address)
	if err != nil {
		return errors.NewAPIError(errors.APIErrInternalServer, "listen on "+srv.Config.Server.Address, err)
	}
	return RunListener(ctx, b, ln)
}

// RunListener is Run on an existing listener, which it closes.
//
// The listener races the bundle's Poll. When a worker exits first the
// server is shut down, the listener is drained, and the worker's result is
// returned. The guard is released only after the listener has returned.
func RunListener(ctx context.Context, b service.Bundle, ln net.Listener) error {
	srv := b.Server()
	var result error

	err := catch(srv, errors.OpRun, func() error {
		result = run(ctx, b, ln)
		return nil
	})
	if err != nil {
		return err
	}
	return result
}

func run(ctx context.Context, b service.Bundle, ln net.Listener) error {
	srv := b.Server()
	cfg := srv.Config.Server
	handler, guard := Build(b)
	defer guard.Release()

	hs := &http.Server{
		Handler:      handler,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}

	served := make(chan error, 1)
	go func() {
		served <- hs.Serve(ln)
	}()
	srv.Logger.Info("Listening", "address", ln.Addr().String())

	drained := make(chan struct{})
	srv.Go(func() {
		defer close(drained)
		select {
		case <-srv.UntilShutdown():
		case <-ctx.Done():
		}
		sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cfg.ClientShutdownTimeout)
		defer cancel()
		if err := hs.Shutdown(sctx); err != nil {
			srv.Logger.Warn("Graceful shutdown timed out, closing connections", "error", err)
			_ = hs.Close()
		}
	})

	pctx, cancelPoll := context.WithCancel(ctx)
	defer cancelPoll()
	polled := make(chan error, 1)
	go func() {
		polled <- b.Poll(pctx)
	}()

	var result error
	select {
	case err := <-served:
		if !errors.Is(err, http.ErrServerClosed) {
			result = errors.NewAPIError(errors.APIErrInternalServer, "listener failed", err)
			srv.Logger.Error("Listener failed", "error", err)
		}
		if srv.Running() {
			_ = srv.Shutdown()
		}
		<-drained
		cancelPoll()
		<-polled

	case err := <-polled:
		result = err
		switch {
		case ctx.Err() != nil && errors.Is(err, ctx.Err()):
			result = nil
			srv.Logger.Info("Run cancelled, shutting down")
		case err != nil:
			srv.Logger.Error("Service worker failed, shutting down", "error", err)
		default:
			srv.Logger.Warn("Service worker exited, shutting down")
		}
		if srv.Running() {
			_ = srv.Shutdown()
		}
		<-drained
		<-served
	}

	srv.Logger.Debug("Listener drained")
	return result
}

// Serve runs the host loop: start, run, stop, repeated while the server
// asks for a reload. It returns the first fatal error.
func Serve(ctx context.Context, srv *server.Server, start service.StartFunc) error {
	done := make(chan struct{})
	defer close(done)
	if srv.Metrics != nil {
		srv.Metrics.RecordUptime(done)
	}

	for {
		b, err := Start(ctx, srv, start)
		if err != nil {
			return err
		}

		runErr := Run(ctx, b)
		if stopErr := Stop(ctx, &b); stopErr != nil {
			srv.Logger.Warn("Errors during stop", "error", stopErr)
		}
		if runErr != nil {
			return runErr
		}

		if !srv.Reloading() {
			return nil
		}
		srv.Rearm()
		srv.Logger.Info("Reloading services")
	}
}
