package main

import (
	"context"
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
	"wahub/internal/service"
	"wahub/internal/store/pg"
)

func main() {
	cfg := config.LoadWebhookProcessor()
	log := logging.Init("webhook-processor", cfg.LogFormat, cfg.LogLevel)

	ctx, stop := app.SignalContext()
	defer stop()

	db, err := app.OpenDB(ctx, "wahub-webhook-processor", cfg.DB)
	if err != nil {
		app.Fatal("webhook-processor db connect failed", err)
	}
	defer db.Close()

	sqsClient, err := awsutil.NewSQSClient(ctx, cfg.AWSRegion, cfg.LocalstackEndpoint)
	if err != nil {
		app.Fatal("webhook-processor sqs client init failed", err)
	}

	observability.Register(prometheus.DefaultRegisterer)

	// only ApplyProviderEvent is used here; no provider client is needed
	sessions := &service.SessionService{Registry: pg.New(db), ArtifactTTL: cfg.PairingArtifactTTL}

	consumer := &sqsqueue.WebhookConsumer{Consumer: sqsqueue.Consumer{
		SQS:               sqsClient,
		QueueURL:          cfg.WebhookEventsQueueURL,
		WaitTimeSeconds:   cfg.SQSWaitTime,
		MaxMessages:       cfg.SQSMaxMsgs,
		VisibilityTimeout: cfg.SQSVizTimeout,
		// a stuck query releases the message back to SQS
		HandlerTimeout: 5 * time.Second,
	}}

	health := httpserver.New()
	health.MountHealth(2*time.Second,
		httpserver.ReadyzCheck{Name: "postgres", Check: db.Ping},
		httpserver.ReadyzCheck{Name: "sqs:webhook-events", Check: sqsqueue.QueueCheck(sqsClient, cfg.WebhookEventsQueueURL)},
	)

	err = app.Run(ctx,
		app.Task{Name: "consumer", Run: func(ctx context.Context) error {
			log.Info("webhook-processor polling", "queue_url", cfg.WebhookEventsQueueURL, "workers", cfg.ProcessorConcurrency)
			return consumer.PollConcurrent(ctx, cfg.ProcessorConcurrency, sessions.ApplyProviderEvent)
		}},
		app.HTTP("health", &http.Server{Addr: ":" + cfg.Port, Handler: httpserver.Logging(health.Mux), ReadHeaderTimeout: 5 * time.Second}),
		app.HTTP("metrics", &http.Server{Addr: ":" + cfg.MetricsPort, Handler: promhttp.Handler()}),
	)
	if err != nil {
		app.Fatal("webhook-processor stopped", err)
	}
	log.Info("webhook-processor stopped")
}
