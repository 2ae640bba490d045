package httpserver

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func TestReadyzReportsEachCheck(t *testing.T) {
	ok := ReadyzCheck{Name: "postgres", Check: func(context.Context) error { return nil }}
	bad := ReadyzCheck{Name: "sqs:webhook-events", Check: func(context.Context) error { return errors.New("secret host unreachable") }}

	rr := httptest.NewRecorder()
	Readyz(time.Second, ok)(rr, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}

	rr = httptest.NewRecorder()
	Readyz(time.Second, ok, bad)(rr, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	if rr.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", rr.Code)
	}
	var report readyzReport
	if err := json.Unmarshal(rr.Body.Bytes(), &report); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if report.Checks["postgres"] != "ok" || report.Checks["sqs:webhook-events"] != "failing" {
		t.Fatalf("unexpected report %+v", report)
	}
	if strings.Contains(rr.Body.String(), "secret host") {
		t.Fatalf("check error leaked: %s", rr.Body.String())
	}
}

func TestReadyzTimeout(t *testing.T) {
	slow := ReadyzCheck{Name: "postgres", Check: func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	}}
	rr := httptest.NewRecorder()
	Readyz(20*time.Millisecond, slow)(rr, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	if rr.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503 after timeout, got %d", rr.Code)
	}
}
