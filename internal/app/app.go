// Package app holds the process plumbing shared by the binaries: database
// setup, signal handling and supervised long-running tasks.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"golang.org/x/sync/errgroup"

	"wahub/internal/config"
	"wahub/internal/store/pg"
)

const shutdownTimeout = 10 * time.Second

// Task is a long-running component. Run must return once ctx is cancelled;
// returning early with an error stops the whole process.
type Task struct {
	Name string
	Run  func(ctx context.Context) error
}

// SignalContext is cancelled on SIGINT or SIGTERM.
func SignalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
}

// OpenDB opens the pool described by the shared DB settings. name becomes the
// Postgres application_name, e.g. "wahub-api".
func OpenDB(ctx context.Context, name string, c config.DB) (*pgxpool.Pool, error) {
	return pg.NewPool(ctx, c.DBDSN, pg.PoolOptions{
		AppName:           name,
		MaxConns:          c.DBPoolMaxConns,
		MinConns:          c.DBPoolMinConns,
		MaxConnLifetime:   c.DBPoolMaxConnLifetime,
		MaxConnIdleTime:   c.DBPoolMaxConnIdleTime,
		HealthCheckPeriod: c.DBPoolHealthCheckPeriod,
	})
}

// HTTP serves srv until ctx is done, then shuts it down gracefully.
func HTTP(name string, srv *http.Server) Task {
	return Task{Name: name, Run: func(ctx context.Context) error {
		errc := make(chan error, 1)
		go func() {
			slog.Info("http listening", "server", name, "addr", srv.Addr)
			errc <- srv.ListenAndServe()
		}()
		select {
		case err := <-errc:
			return err
		case <-ctx.Done():
		}
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return err
		}
		if err := <-errc; !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	}}
}

// Run supervises tasks until ctx is cancelled or one of them fails, then
// waits for all of them. Cancellation is not an error.
func Run(ctx context.Context, tasks ...Task) error {
	g, gctx := errgroup.WithContext(ctx)
	for _, t := range tasks {
		t := t
		g.Go(func() error {
			err := t.Run(gctx)
			if err == nil || errors.Is(err, context.Canceled) {
				return nil
			}
			return fmt.Errorf("%s: %w", t.Name, err)
		})
	}
	return g.Wait()
}

// Fatal logs msg with err and exits non-zero.
func Fatal(msg string, err error, attrs ...any) {
	slog.Error(msg, append([]any{"err", err}, attrs...)...)
	os.Exit(1)
}
