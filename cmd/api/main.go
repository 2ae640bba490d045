package main

import (
	"context"
	"net/http"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/time/rate"

	"wahub/internal/app"
	"wahub/internal/awsutil"
	"wahub/internal/config"
	"wahub/internal/httpserver"
	"wahub/internal/logging"
	"wahub/internal/observability"
	sqsqueue "wahub/internal/queue/sqs"
	"wahub/internal/service"
	s3store "wahub/internal/storage/s3"
	"wahub/internal/store/pg"
)

func main() {
	if len(os.Args) > 1 && os.Args[1] == "token" {
		os.Exit(issueToken(os.Args[2:]))
	}

	cfg := config.LoadAPI()
	log := logging.Init("api", cfg.LogFormat, cfg.LogLevel)

	ctx, stop := app.SignalContext()
	defer stop()

	db, err := app.OpenDB(ctx, "wahub-api", cfg.DB)
	if err != nil {
		app.Fatal("api db connect failed", err)
	}
	defer db.Close()
	st := pg.New(db)

	observability.Register(prometheus.DefaultRegisterer)

	httpClient := &http.Client{Timeout: cfg.ProviderHTTPTimeout}
	clients := &service.CredentialClients{Store: st, HTTP: httpClient, GetRetries: cfg.ProviderGetRetries}
	sessions := service.NewSessionService(st, clients, cfg.Provider)

	dispatcher := &service.Dispatcher{
		Instances:   st,
		Clients:     clients,
		Attempts:    st,
		Limiter:     rate.NewLimiter(rate.Limit(cfg.ProviderRPSPerPod), cfg.ProviderBurst),
		Breaker:     service.NewProviderBreaker("evolution-send", cfg.BreakerMaxRequests, cfg.BreakerTimeout, cfg.BreakerFailureTrip),
		CallTimeout: cfg.ProviderHTTPTimeout,
	}
	if cfg.AttachmentBucket != "" {
		s3Client, err := awsutil.NewS3Client(ctx, cfg.AWSRegion, cfg.LocalstackEndpoint)
		if err != nil {
			app.Fatal("api s3 client init failed", err)
		}
		dispatcher.Uploader = &s3store.Uploader{
			Client:        s3Client,
			Bucket:        cfg.AttachmentBucket,
			Prefix:        cfg.AttachmentPrefix,
			PublicBaseURL: cfg.AttachmentPublicURL,
		}
	} else {
		log.Warn("ATTACHMENT_BUCKET not set, multipart media sends will fail")
	}
	if cfg.DispatchEventsQueue != "" {
		sqsClient, err := awsutil.NewSQSClient(ctx, cfg.AWSRegion, cfg.LocalstackEndpoint)
		if err != nil {
			app.Fatal("api sqs client init failed", err)
		}
		dispatcher.Events = &sqsqueue.DispatchProducer{SQS: sqsClient, QueueURL: cfg.DispatchEventsQueue}
	}

	s := httpserver.New()
	s.MountHealth(2*time.Second, httpserver.ReadyzCheck{Name: "postgres", Check: db.Ping})

	if cfg.WebhookIngestInline {
		// applied in-process so pairing polls owned by this process stop on "open"
		hook := &httpserver.Webhook{
			Instances:    st,
			Sink:         httpserver.EventSinkFunc(sessions.ApplyProviderEvent),
			MaxBodyBytes: cfg.WebhookMaxBodyBytes,
		}
		hook.Register(s.Mux)
	}

	console := s.Mux.PathPrefix("/v1").Subrouter()
	console.Use(httpserver.Auth([]byte(cfg.JWTSecret)))
	api := &httpserver.API{
		Sessions:           sessions,
		Dispatcher:         dispatcher,
		Accounts:           &service.AccountService{Instances: st, Clients: clients},
		Credentials:        &service.CredentialService{Store: st, HTTP: httpClient},
		MaxAttachmentBytes: cfg.AttachmentMaxBytes,
	}
	api.Register(console)

	err = app.Run(ctx,
		app.HTTP("api", &http.Server{
			Addr:              ":" + cfg.Port,
			Handler:           s.Handler(observability.APIRequests),
			ReadHeaderTimeout: 10 * time.Second,
		}),
		app.HTTP("metrics", &http.Server{Addr: ":" + cfg.MetricsPort, Handler: promhttp.Handler()}),
	)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	sessions.Shutdown(shutdownCtx)
	if err != nil {
		app.Fatal("api stopped", err)
	}
	log.Info("api stopped")
}
