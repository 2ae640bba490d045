package config

import (
	"time"

	_ "github.com/joho/godotenv/autoload"
	"github.com/kelseyhightower/envconfig"
)

type Common struct {
	Port        string `envconfig:"PORT" default:"8080"`
	MetricsPort string `envconfig:"METRICS_PORT" default:"9090"`
	LogFormat   string `envconfig:"LOG_FORMAT" default:"json"`
	LogLevel    string `envconfig:"LOG_LEVEL" default:"info"`
}

type DB struct {
	DBDSN                   string        `envconfig:"DB_DSN" required:"true"`
	DBPoolMaxConns          int32         `envconfig:"DB_POOL_MAX_CONNS" default:"10"`
	DBPoolMinConns          int32         `envconfig:"DB_POOL_MIN_CONNS" default:"0"`
	DBPoolMaxConnLifetime   time.Duration `envconfig:"DB_POOL_MAX_CONN_LIFETIME" default:"30m"`
	DBPoolMaxConnIdleTime   time.Duration `envconfig:"DB_POOL_MAX_CONN_IDLE_TIME" default:"5m"`
	DBPoolHealthCheckPeriod time.Duration `envconfig:"DB_POOL_HEALTH_CHECK_PERIOD" default:"30s"`
}

type AWS struct {
	AWSRegion          string `envconfig:"AWS_REGION" default:"us-east-1"`
	LocalstackEndpoint string `envconfig:"LOCALSTACK_ENDPOINT"` // e.g. http://localhost:4566
}

// Provider holds transport and pairing tunables. The provider URL and API key
// are not here: they live in the provider_credentials table.
type Provider struct {
	ProviderHTTPTimeout time.Duration `envconfig:"PROVIDER_HTTP_TIMEOUT" default:"15s"`
	ProviderGetRetries  int           `envconfig:"PROVIDER_GET_RETRIES" default:"2"`

	PairingPollInterval time.Duration `envconfig:"PAIRING_POLL_INTERVAL" default:"5s"`
	PairingMaxAttempts  int           `envconfig:"PAIRING_MAX_ATTEMPTS" default:"24"`
	PairingTimeout      time.Duration `envconfig:"PAIRING_TIMEOUT" default:"2m"`
	PairingArtifactTTL  time.Duration `envconfig:"PAIRING_ARTIFACT_TTL" default:"40s"`

	PublicBaseURL           string `envconfig:"PUBLIC_BASE_URL"`
	WebhookCallbackTemplate string `envconfig:"WEBHOOK_CALLBACK_TEMPLATE" default:"{base}/v1/webhooks/evolution/{instance}?token={token}"`
}

type APIConfig struct {
	Common
	DB
	AWS
	Provider

	JWTSecret string `envconfig:"JWT_SECRET" required:"true"`

	// Outbound dispatch
	ProviderRPSPerPod   float64       `envconfig:"PROVIDER_RPS_PER_POD" default:"5"`
	ProviderBurst       int           `envconfig:"PROVIDER_BURST" default:"10"`
	BreakerMaxRequests  uint32        `envconfig:"BREAKER_MAX_REQUESTS" default:"3"`
	BreakerTimeout      time.Duration `envconfig:"BREAKER_TIMEOUT" default:"20s"`
	BreakerFailureTrip  uint32        `envconfig:"BREAKER_CONSECUTIVE_FAILURES" default:"10"`
	DispatchEventsQueue string        `envconfig:"DISPATCH_EVENTS_QUEUE_URL"`
	AttachmentBucket    string        `envconfig:"ATTACHMENT_BUCKET"`
	AttachmentPrefix    string        `envconfig:"ATTACHMENT_PREFIX" default:"whatsapp-attachments"`
	AttachmentPublicURL string        `envconfig:"ATTACHMENT_PUBLIC_BASE_URL"`
	AttachmentMaxBytes  int64         `envconfig:"ATTACHMENT_MAX_BYTES" default:"16777216"`
	WebhookIngestInline bool          `envconfig:"WEBHOOK_INGEST_INLINE" default:"true"`
	WebhookMaxBodyBytes int64         `envconfig:"WEBHOOK_MAX_BODY_BYTES" default:"1048576"`
}

type WebhookConfig struct {
	Common
	DB
	AWS

	WebhookEventsQueueURL string `envconfig:"WEBHOOK_EVENTS_QUEUE_URL" required:"true"`
	WebhookMaxBodyBytes   int64  `envconfig:"WEBHOOK_MAX_BODY_BYTES" default:"1048576"`
}

type WebhookProcessorConfig struct {
	Common
	DB
	AWS
	Provider

	WebhookEventsQueueURL string `envconfig:"WEBHOOK_EVENTS_QUEUE_URL" required:"true"`
	SQSWaitTime           int32  `envconfig:"SQS_WAIT_TIME" default:"20"`
	SQSMaxMsgs            int32  `envconfig:"SQS_MAX_MSGS" default:"10"`
	SQSVizTimeout         int32  `envconfig:"SQS_VISIBILITY_TIMEOUT" default:"60"`
	ProcessorConcurrency  int    `envconfig:"PROCESSOR_CONCURRENCY" default:"10"`
}

type WorkerConfig struct {
	Common
	DB
	Provider

	HealthcheckCron      string `envconfig:"HEALTHCHECK_CRON" default:"0 */5 * * * *"`
	ReconcileConcurrency int    `envconfig:"RECONCILE_CONCURRENCY" default:"4"`
}

func LoadAPI() APIConfig {
	var cfg APIConfig
	mustProcess(&cfg)
	return cfg
}

func LoadWebhook() WebhookConfig {
	var cfg WebhookConfig
	mustProcess(&cfg)
	return cfg
}

func LoadWebhookProcessor() WebhookProcessorConfig {
	var cfg WebhookProcessorConfig
	mustProcess(&cfg)
	return cfg
}

func LoadWorker() WorkerConfig {
	var cfg WorkerConfig
	mustProcess(&cfg)
	return cfg
}

func mustProcess(cfg any) {
	if err := envconfig.Process("", cfg); err != nil {
		panic(err)
	}
}
