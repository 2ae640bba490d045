package httpserver

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"wahub/internal/domain"
	"wahub/internal/providers/evolution"
)

const (
	ErrInvalidJSON    = "invalid json"
	ErrMissingName    = "missing instance name"
	ErrDependency     = "dependency error"
	ErrNotFound       = "not found"
	ErrBadForm        = "bad form"
	ErrInvalidToken   = "invalid token"
	ErrUnauthorized   = "unauthorized"
	ErrForbidden      = "forbidden"
	ErrBodyTooLarge   = "body too large"
	ErrUnknownMessage = "unknown message type"
)

type errorBody struct {
	Error   string `json:"error"`
	Message string `json:"message"`
	// provider's own message, shown to the operator as-is
	ProviderMessage string `json:"providerMessage,omitempty"`
	CorrelationID   string `json:"correlationId,omitempty"`
}

// statusFor maps the error taxonomy to HTTP status codes and a stable code string.
func statusFor(err error) (int, string) {
	switch {
	case errors.Is(err, domain.ErrConfigurationMissing):
		return http.StatusPreconditionFailed, "configuration_missing"
	case errors.Is(err, domain.ErrPairingTimedOut):
		return http.StatusGatewayTimeout, "pairing_timed_out"
	case errors.Is(err, domain.ErrAttachmentUpload):
		return http.StatusBadGateway, "attachment_upload_failed"
	case errors.Is(err, domain.ErrProviderRejected):
		return http.StatusUnprocessableEntity, "provider_rejected"
	case errors.Is(err, domain.ErrTransport):
		return http.StatusBadGateway, "transport_failure"
	case errors.Is(err, domain.ErrInstanceNotFound), errors.Is(err, domain.ErrWebhookNotFound):
		return http.StatusNotFound, "not_found"
	case errors.Is(err, domain.ErrInstanceExists), errors.Is(err, domain.ErrWebhookExists):
		return http.StatusConflict, "conflict"
	case errors.Is(err, domain.ErrMissingFields), errors.Is(err, domain.ErrInvalidName),
		errors.Is(err, domain.ErrInvalidURL), errors.Is(err, domain.ErrInvalidEvents),
		errors.Is(err, domain.ErrInvalidMessage):
		return http.StatusBadRequest, "invalid_request"
	default:
		return http.StatusInternalServerError, "internal"
	}
}

func writeError(w http.ResponseWriter, r *http.Request, op string, err error) {
	status, code := statusFor(err)
	body := errorBody{Error: code, Message: err.Error()}
	var rej *evolution.RejectionError
	if errors.As(err, &rej) {
		body.ProviderMessage = rej.Message
	}
	if status >= http.StatusInternalServerError {
		slog.Error(op+" failed", "err", err, "tenant_id", TenantID(r.Context()), "op", op, "request_id", RequestID(r.Context()))
		if status == http.StatusInternalServerError {
			body.Message = ErrDependency
		}
	}
	writeJSON(w, status, body)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if v != nil {
		_ = json.NewEncoder(w).Encode(v)
	}
}
