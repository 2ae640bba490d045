package httpserver

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/gorilla/mux"

	"wahub/internal/domain"
	"wahub/internal/observability"
	"wahub/internal/providers/evolution"
	"wahub/internal/store"
	"wahub/internal/util"
)

type InstanceLookup interface {
	GetInstanceByName(ctx context.Context, name string) (store.Instance, bool, error)
}

// EventSink receives verified provider events: an SQS producer in the public
// ingest, the session service itself when the API applies events inline.
type EventSink interface {
	Enqueue(ctx context.Context, ev domain.ProviderEvent) error
}

// EventSinkFunc adapts a function, e.g. SessionService.ApplyProviderEvent, to EventSink.
type EventSinkFunc func(ctx context.Context, ev domain.ProviderEvent) error

func (f EventSinkFunc) Enqueue(ctx context.Context, ev domain.ProviderEvent) error { return f(ctx, ev) }

type Webhook struct {
	Instances    InstanceLookup
	Sink         EventSink
	MaxBodyBytes int64
}

func (w *Webhook) Register(r *mux.Router) {
	r.HandleFunc("/v1/webhooks/evolution/{instance}", w.handleEvolution).Methods(http.MethodPost)
}

func (w *Webhook) handleEvolution(rw http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["instance"]
	if name == "" {
		http.Error(rw, ErrMissingName, http.StatusBadRequest)
		return
	}

	limit := w.MaxBodyBytes
	if limit <= 0 {
		limit = 1 << 20
	}
	body, err := io.ReadAll(http.MaxBytesReader(rw, r.Body, limit))
	if err != nil {
		http.Error(rw, ErrBodyTooLarge, http.StatusRequestEntityTooLarge)
		return
	}

	inst, found, err := w.Instances.GetInstanceByName(r.Context(), name)
	if err != nil {
		slog.Error("webhook instance lookup failed", "err", err, "instance", name)
		http.Error(rw, ErrDependency, http.StatusInternalServerError)
		return
	}
	if !found {
		observability.WebhookEvents.WithLabelValues("unknown", "unknown_instance").Inc()
		http.Error(rw, ErrNotFound, http.StatusNotFound)
		return
	}
	if !evolution.VerifyToken(inst.ProviderToken, r.URL.Query().Get("token")) {
		observability.WebhookEvents.WithLabelValues("unknown", "bad_token").Inc()
		http.Error(rw, ErrInvalidToken, http.StatusUnauthorized)
		return
	}

	ev, err := evolution.ParseEvent(body, name, util.NowUTC())
	if err != nil {
		if errors.Is(err, evolution.ErrBadCallback) {
			http.Error(rw, ErrInvalidJSON, http.StatusBadRequest)
			return
		}
		http.Error(rw, err.Error(), http.StatusBadRequest)
		return
	}

	if err := w.Sink.Enqueue(r.Context(), ev); err != nil {
		slog.Error("webhook event hand-off failed", "err", err, "tenant_id", inst.TenantID, "instance", name, "event", ev.Event)
		observability.WebhookEvents.WithLabelValues(ev.Event, "sink_error").Inc()
		http.Error(rw, ErrDependency, http.StatusInternalServerError)
		return
	}
	observability.WebhookEvents.WithLabelValues(ev.Event, "accepted").Inc()
	rw.WriteHeader(http.StatusOK)
}
