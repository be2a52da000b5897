package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/jidegrand/travelcart/internal/scheduler"
	"github.com/jidegrand/travelcart/internal/server"
)

// Serve exposes the cron trigger and watch endpoints until interrupted.
// With WithScheduler the aligned check loop runs alongside the listener.
func (a *App) Serve(ctx context.Context, opts ServeOptions) error {
	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	repo, closeRepo, err := a.openRepository(ctx)
	if err != nil {
		return err
	}
	defer closeRepo()

	var sched *scheduler.Scheduler
	if opts.WithScheduler {
		sched = a.newScheduler()
	}
	rt := a.newWiring(ctx, repo, sched)
	defer rt.Close()

	if a.Config.Server.CronSecret == "" {
		a.Logger.Warn().Msg("server.cron_secret not set; the check endpoint is unauthenticated")
	}

	handler := server.New(rt.svc, rt.svc, repo, server.Options{CronSecret: a.Config.Server.CronSecret}, a.Logger).Router()
	srv := &http.Server{
		Addr:              a.Config.Server.Address,
		Handler:           handler,
		ReadTimeout:       a.Config.Server.ReadTimeout,
		ReadHeaderTimeout: a.Config.Server.ReadTimeout,
	}

	errCh := make(chan error, 2)
	go func() {
		a.Logger.Info().Str("addr", srv.Addr).Msg("http server listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("http server: %w", err)
		}
	}()
	if sched != nil {
		go func() {
			if err := rt.svc.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				errCh <- fmt.Errorf("scheduler: %w", err)
			}
		}()
	}

	var runErr error
	select {
	case runErr = <-errCh:
		a.Logger.Error().Err(runErr).Msg("serve terminated with error")
		cancel()
	case <-ctx.Done():
	}

	timeout := a.Config.Server.ShutdownTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), timeout)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		a.Logger.Warn().Err(err).Msg("http shutdown")
	}

	a.Logger.Info().Msg("http server stopped")
	return runErr
}
