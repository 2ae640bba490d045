package evolution

import (
	"errors"
	"strings"
	"testing"
	"time"

	"wahub/internal/domain"
)

func TestParseConnectionUpdate(t *testing.T) {
	now := time.Now().UTC()
	body := `{"event":"connection.update","instance":"from-body","data":{"instance":"from-body","state":"open","wuid":"5511912345678@s.whatsapp.net"}}`

	ev, err := ParseEvent([]byte(body), "acme-support", now)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if ev.Event != domain.EventConnectionUpdate || ev.State != domain.ConnStateOpen {
		t.Fatalf("unexpected event %+v", ev)
	}
	if ev.Instance != "acme-support" {
		t.Fatalf("path instance should win, got %q", ev.Instance)
	}
	if ev.OwnerPhone != "5511912345678" {
		t.Fatalf("unexpected owner %q", ev.OwnerPhone)
	}
}

func TestParseQRCodeUpdated(t *testing.T) {
	body := `{"event":"QRCODE_UPDATED","instance":"acme","data":{"qrcode":{"pairingCode":"ABCD1234","code":"2@xyz"}}}`
	ev, err := ParseEvent([]byte(body), "", time.Now())
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if ev.Instance != "acme" || ev.PairingCode != "ABCD1234" {
		t.Fatalf("unexpected event %+v", ev)
	}
	if !strings.HasPrefix(ev.QRCode, "data:image/png;base64,") {
		t.Fatalf("qr should be rendered, got %q", ev.QRCode)
	}
}

func TestParseEventMalformed(t *testing.T) {
	for _, body := range []string{`not json`, `{"instance":"acme"}`, `{"event":"connection.update","data":"oops"}`} {
		if _, err := ParseEvent([]byte(body), "acme", time.Now()); !errors.Is(err, ErrBadCallback) {
			t.Fatalf("body %s: expected ErrBadCallback, got %v", body, err)
		}
	}
}

func TestVerifyToken(t *testing.T) {
	if !VerifyToken("tok", "tok") {
		t.Fatalf("equal tokens must verify")
	}
	if VerifyToken("tok", "tok2") || VerifyToken("", "") {
		t.Fatalf("mismatched or empty tokens must fail")
	}
}
