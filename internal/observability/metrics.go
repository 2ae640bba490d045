package observability

import "github.com/prometheus/client_golang/prometheus"

var (
	APIRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "wahub_api_requests_total", Help: "API requests"},
		[]string{"endpoint", "status"},
	)
	ProviderCalls = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "wahub_provider_calls_total", Help: "Provider call outcomes"},
		[]string{"op", "result"},
	)
	ProviderLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{Name: "wahub_provider_call_latency_seconds", Help: "Provider call latency"},
		[]string{"op"},
	)
	InstanceTransitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "wahub_instance_transitions_total", Help: "Instance state transitions"},
		[]string{"from", "to"},
	)
	PairingOutcomes = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "wahub_pairing_outcomes_total", Help: "Pairing poll outcomes"},
		[]string{"result"},
	)
	ActivePairingPolls = prometheus.NewGauge(
		prometheus.GaugeOpts{Name: "wahub_pairing_polls_active", Help: "Pairing polls currently running"},
	)
	Dispatches = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "wahub_dispatch_total", Help: "Outbound dispatch outcomes"},
		[]string{"kind", "result"},
	)
	AttachmentUploads = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "wahub_attachment_uploads_total", Help: "Attachment uploads"},
		[]string{"result"},
	)
	WebhookEvents = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "wahub_webhook_events_total", Help: "Provider webhook events"},
		[]string{"event", "result"},
	)
	ReconcileRuns = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "wahub_reconcile_checks_total", Help: "Reconciler health checks"},
		[]string{"result"},
	)
)

func Register(reg prometheus.Registerer) {
	reg.MustRegister(APIRequests, ProviderCalls, ProviderLatency, InstanceTransitions, PairingOutcomes,
		ActivePairingPolls, Dispatches, AttachmentUploads, WebhookEvents, ReconcileRuns)
}
