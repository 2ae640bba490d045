package main

import (
	"context"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/robfig/cron/v3"

	"wahub/internal/app"
	"wahub/internal/config"
	"wahub/internal/httpserver"
	"wahub/internal/logging"
	"wahub/internal/observability"
	"wahub/internal/service"
	"wahub/internal/store/pg"
)

func main() {
	cfg := config.LoadWorker()
	log := logging.Init("worker", cfg.LogFormat, cfg.LogLevel)

	ctx, stop := app.SignalContext()
	defer stop()

	db, err := app.OpenDB(ctx, "wahub-worker", cfg.DB)
	if err != nil {
		app.Fatal("worker db connect failed", err)
	}
	defer db.Close()
	st := pg.New(db)

	observability.Register(prometheus.DefaultRegisterer)

	clients := &service.CredentialClients{
		Store:      st,
		HTTP:       &http.Client{Timeout: cfg.ProviderHTTPTimeout},
		GetRetries: cfg.ProviderGetRetries,
	}
	sessions := service.NewSessionService(st, clients, cfg.Provider)
	reconciler := &service.Reconciler{Instances: st, Sessions: sessions, Concurrency: cfg.ReconcileConcurrency}

	sched := cron.New(cron.WithSeconds(), cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)))
	if _, err := reconciler.Schedule(ctx, sched, cfg.HealthcheckCron); err != nil {
		app.Fatal("worker invalid healthcheck schedule", err, "cron", cfg.HealthcheckCron)
	}

	health := httpserver.New()
	health.MountHealth(2*time.Second, httpserver.ReadyzCheck{Name: "postgres", Check: db.Ping})

	scheduler := app.Task{Name: "reconciler", Run: func(ctx context.Context) error {
		sched.Start()
		log.Info("worker reconciler scheduled", "cron", cfg.HealthcheckCron)
		<-ctx.Done()
		// bounded wait for a running reconcile pass
		select {
		case <-sched.Stop().Done():
		case <-time.After(10 * time.Second):
			log.Warn("worker shutdown timeout waiting for reconcile run")
		}
		return nil
	}}

	err = app.Run(ctx,
		scheduler,
		app.HTTP("health", &http.Server{Addr: ":" + cfg.Port, Handler: httpserver.Logging(health.Mux), ReadHeaderTimeout: 5 * time.Second}),
		app.HTTP("metrics", &http.Server{Addr: ":" + cfg.MetricsPort, Handler: promhttp.Handler()}),
	)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	sessions.Shutdown(shutdownCtx)
	if err != nil {
		app.Fatal("worker stopped", err)
	}
	log.Info("worker stopped")
}
