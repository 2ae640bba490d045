package httpserver

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	"wahub/internal/domain"
	"wahub/internal/providers/evolution"
)

func TestStatusFor(t *testing.T) {
	cases := []struct {
		err  error
		code int
		name string
	}{
		{fmt.Errorf("%w: none", domain.ErrConfigurationMissing), http.StatusPreconditionFailed, "configuration_missing"},
		{fmt.Errorf("%w after 24 checks", domain.ErrPairingTimedOut), http.StatusGatewayTimeout, "pairing_timed_out"},
		{fmt.Errorf("%w: denied", domain.ErrAttachmentUpload), http.StatusBadGateway, "attachment_upload_failed"},
		{&evolution.RejectionError{Op: "send", Status: 400}, http.StatusUnprocessableEntity, "provider_rejected"},
		{fmt.Errorf("%w: refused", domain.ErrTransport), http.StatusBadGateway, "transport_failure"},
		{domain.ErrInstanceNotFound, http.StatusNotFound, "not_found"},
		{domain.ErrWebhookExists, http.StatusConflict, "conflict"},
		{fmt.Errorf("%w: empty", domain.ErrInvalidMessage), http.StatusBadRequest, "invalid_request"},
		{errors.New("db down"), http.StatusInternalServerError, "internal"},
	}
	for _, c := range cases {
		code, name := statusFor(c.err)
		if code != c.code || name != c.name {
			t.Fatalf("%v: got %d %s, want %d %s", c.err, code, name, c.code, c.name)
		}
	}
}
