package evolution

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/json"
	"errors"
	"time"

	"wahub/internal/domain"
	"wahub/internal/util"
)

// VerifyToken compares the callback token in constant time.
func VerifyToken(expected, provided string) bool {
	if expected == "" || provided == "" {
		return false
	}
	e := sha256.Sum256([]byte(expected))
	p := sha256.Sum256([]byte(provided))
	return hmac.Equal(e[:], p[:])
}

type callback struct {
	Event    string          `json:"event"`
	Instance string          `json:"instance"`
	Sender   string          `json:"sender"`
	Data     json.RawMessage `json:"data"`
}

type connectionData struct {
	Instance string `json:"instance"`
	State    string `json:"state"`
	WUID     string `json:"wuid"`
}

type qrcodeData struct {
	QRCode struct {
		PairingCode string `json:"pairingCode"`
		Code        string `json:"code"`
		Base64      string `json:"base64"`
	} `json:"qrcode"`
}

var ErrBadCallback = errors.New("malformed provider callback")

// ParseEvent reduces a provider callback to a ProviderEvent. pathInstance wins
// over the instance named in the body.
func ParseEvent(body []byte, pathInstance string, now time.Time) (domain.ProviderEvent, error) {
	var cb callback
	if err := json.Unmarshal(body, &cb); err != nil {
		return domain.ProviderEvent{}, ErrBadCallback
	}
	if cb.Event == "" {
		return domain.ProviderEvent{}, ErrBadCallback
	}

	ev := domain.ProviderEvent{
		Instance:   cb.Instance,
		Event:      domain.CanonicalEvent(cb.Event),
		ReceivedAt: now,
	}
	if pathInstance != "" {
		ev.Instance = pathInstance
	}

	switch ev.Event {
	case domain.EventConnectionUpdate:
		var d connectionData
		if err := json.Unmarshal(cb.Data, &d); err != nil {
			return domain.ProviderEvent{}, ErrBadCallback
		}
		ev.State = d.State
		jid := d.WUID
		if jid == "" {
			jid = cb.Sender
		}
		ev.OwnerPhone = util.JIDToPhone(jid)
	case domain.EventQRCodeUpdated:
		var d qrcodeData
		if err := json.Unmarshal(cb.Data, &d); err != nil {
			return domain.ProviderEvent{}, ErrBadCallback
		}
		ev.PairingCode = d.QRCode.PairingCode
		if d.QRCode.Base64 != "" {
			ev.QRCode = asDataURI(d.QRCode.Base64)
		} else if d.QRCode.Code != "" {
			a, err := PairingResponse{Code: d.QRCode.Code}.Artifact(now, 0)
			if err == nil {
				ev.QRCode = a.QRCode
			}
		}
	}
	return ev, nil
}
