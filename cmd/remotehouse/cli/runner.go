package cli

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/felixgeelhaar/remotehouse/internal/remotehouse"
	"github.com/felixgeelhaar/remotehouse/internal/runtime"
)

const shutdownTimeout = 10 * time.Second

// Runner owns the HTTP server and the cleanup loop of one serve session.
type Runner struct {
	env     *environment
	service *remotehouse.Service
	cleaner *runtime.Cleaner
}

func NewRunner(env *environment) (*Runner, error) {
	svc, err := env.service()
	if err != nil {
		return nil, err
	}
	cleaner := runtime.NewCleaner(env.store, env.bus, env.obs, runtime.CleanerOptions{
		Interval:     env.cfg.CleanupInterval(),
		InitialDelay: env.cfg.CleanupInitialDelay(),
		Retention:    env.cfg.Retention(),
	})
	return &Runner{env: env, service: svc, cleaner: cleaner}, nil
}

// Serve listens on the configured address until ctx is canceled.
func (r *Runner) Serve(ctx context.Context) error {
	ln, err := net.Listen("tcp", r.env.cfg.Listen)
	if err != nil {
		return err
	}
	return r.ServeListener(ctx, ln)
}

// ServeListener serves on ln until ctx is canceled or the server fails, then
// shuts the server down and stops the cleanup loop.
func (r *Runner) ServeListener(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           r.service.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	handle := r.cleaner.Start(ctx)
	defer handle.Stop()

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		r.env.obs.Log().Info().
			Str("addr", ln.Addr().String()).
			Str("repos_root", r.service.Root()).
			Msg("serving")
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	err := g.Wait()
	r.env.obs.Log().Info().Msg("server stopped")
	return err
}
