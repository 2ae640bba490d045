package main

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"wahub/internal/app"
	"wahub/internal/awsutil"
	"wahub/internal/config"
	"wahub/internal/httpserver"
	"wahub/internal/logging"
	"wahub/internal/observability"
	sqsqueue "wahub/internal/queue/sqs"
	"wahub/internal/store/pg"
)

// The public ingest only verifies and enqueues; webhook-processor applies the events.
func main() {
	cfg := config.LoadWebhook()
	log := logging.Init("webhook", cfg.LogFormat, cfg.LogLevel)

	ctx, stop := app.SignalContext()
	defer stop()

	db, err := app.OpenDB(ctx, "wahub-webhook", cfg.DB)
	if err != nil {
		app.Fatal("webhook db connect failed", err)
	}
	defer db.Close()

	sqsClient, err := awsutil.NewSQSClient(ctx, cfg.AWSRegion, cfg.LocalstackEndpoint)
	if err != nil {
		app.Fatal("webhook sqs client init failed", err)
	}

	observability.Register(prometheus.DefaultRegisterer)

	s := httpserver.New()
	hook := &httpserver.Webhook{
		Instances:    pg.New(db),
		Sink:         &sqsqueue.WebhookProducer{SQS: sqsClient, QueueURL: cfg.WebhookEventsQueueURL},
		MaxBodyBytes: cfg.WebhookMaxBodyBytes,
	}
	hook.Register(s.Mux)
	s.MountHealth(2*time.Second,
		httpserver.ReadyzCheck{Name: "postgres", Check: db.Ping},
		httpserver.ReadyzCheck{Name: "sqs:webhook-events", Check: sqsqueue.QueueCheck(sqsClient, cfg.WebhookEventsQueueURL)},
	)

	err = app.Run(ctx,
		app.HTTP("webhook", &http.Server{
			Addr:              ":" + cfg.Port,
			Handler:           s.Handler(observability.APIRequests),
			ReadHeaderTimeout: 10 * time.Second,
		}),
		app.HTTP("metrics", &http.Server{Addr: ":" + cfg.MetricsPort, Handler: promhttp.Handler()}),
	)
	if err != nil {
		app.Fatal("webhook stopped", err)
	}
	log.Info("webhook stopped")
}
