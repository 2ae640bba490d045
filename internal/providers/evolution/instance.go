package evolution

import (
	"bytes"
	"context"
	"encoding/base64"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/skip2/go-qrcode"

	"wahub/internal/domain"
)

const IntegrationBaileys = "WHATSAPP-BAILEYS"

type WebhookSettings struct {
	Enabled  bool     `json:"enabled"`
	URL      string   `json:"url"`
	ByEvents bool     `json:"byEvents"`
	Base64   bool     `json:"base64"`
	Events   []string `json:"events"`
}

type CreateInstanceRequest struct {
	InstanceName string           `json:"instanceName"`
	Token        string           `json:"token,omitempty"`
	QRCode       bool             `json:"qrcode"`
	Integration  string           `json:"integration"`
	Number       string           `json:"number,omitempty"`
	Webhook      *WebhookSettings `json:"webhook,omitempty"`
}

type CreateInstanceResponse struct {
	Instance struct {
		InstanceName string `json:"instanceName"`
		InstanceID   string `json:"instanceId"`
		Status       string `json:"status"`
	} `json:"instance"`
	QRCode PairingResponse `json:"qrcode"`
}

// PairingResponse is returned by /instance/connect. When the instance is already
// connected the provider answers with the instance state instead of a code.
type PairingResponse struct {
	PairingCode string `json:"pairingCode"`
	Code        string `json:"code"`
	Base64      string `json:"base64"`
	Count       int    `json:"count"`
	Instance    struct {
		State string `json:"state"`
	} `json:"instance"`
}

func (p PairingResponse) AlreadyOpen() bool { return p.Instance.State == domain.ConnStateOpen }

// Artifact converts the provider answer into a pairing artifact. A bare "code" is
// rendered into a QR PNG locally.
func (p PairingResponse) Artifact(now time.Time, ttl time.Duration) (domain.PairingArtifact, error) {
	a := domain.PairingArtifact{PairingCode: p.PairingCode, RequestedAt: now, ExpiresAt: now.Add(ttl)}
	switch {
	case p.Base64 != "":
		a.QRCode = asDataURI(p.Base64)
	case p.Code != "":
		png, err := qrcode.Encode(p.Code, qrcode.Medium, 256)
		if err != nil {
			return domain.PairingArtifact{}, fmt.Errorf("render qr: %w", err)
		}
		a.QRCode = "data:image/png;base64," + base64.StdEncoding.EncodeToString(png)
	}
	if a.Empty() {
		return domain.PairingArtifact{}, &RejectionError{Op: "connect", Status: http.StatusOK, Message: "no pairing artifact in response"}
	}
	return a, nil
}

func asDataURI(b64 string) string {
	if strings.HasPrefix(b64, "data:") {
		return b64
	}
	return "data:image/png;base64," + b64
}

// DecodeQR returns the PNG bytes of a data-URI QR code.
func DecodeQR(dataURI string) ([]byte, error) {
	i := strings.Index(dataURI, ",")
	if !strings.HasPrefix(dataURI, "data:") || i < 0 {
		return nil, fmt.Errorf("not a data uri")
	}
	return base64.StdEncoding.DecodeString(dataURI[i+1:])
}

type ConnectionStateResponse struct {
	Instance struct {
		InstanceName string `json:"instanceName"`
		State        string `json:"state"`
	} `json:"instance"`
}

func (r ConnectionStateResponse) State() string { return r.Instance.State }

type InstanceInfo struct {
	ID               string `json:"id"`
	Name             string `json:"name"`
	ConnectionStatus string `json:"connectionStatus"`
	OwnerJID         string `json:"ownerJid"`
	ProfileName      string `json:"profileName"`
	Number           string `json:"number"`
}

type Settings struct {
	RejectCall      bool   `json:"rejectCall"`
	MsgCall         string `json:"msgCall,omitempty"`
	GroupsIgnore    bool   `json:"groupsIgnore"`
	AlwaysOnline    bool   `json:"alwaysOnline"`
	ReadMessages    bool   `json:"readMessages"`
	ReadStatus      bool   `json:"readStatus"`
	SyncFullHistory bool   `json:"syncFullHistory"`
}

func instancePath(prefix, name string) string {
	return prefix + "/" + url.PathEscape(name)
}

func (c *Client) CreateInstance(ctx context.Context, req CreateInstanceRequest) (CreateInstanceResponse, error) {
	if req.Integration == "" {
		req.Integration = IntegrationBaileys
	}
	var out CreateInstanceResponse
	_, _, err := c.do(ctx, http.MethodPost, "instance/create", req, &out)
	return out, err
}

func (c *Client) FetchInstances(ctx context.Context) ([]InstanceInfo, error) {
	var out []InstanceInfo
	_, _, err := c.do(ctx, http.MethodGet, "instance/fetchInstances", nil, &out)
	return out, err
}

// Connect asks the provider for a fresh pairing artifact. number requests a
// numeric pairing code for that phone in addition to the QR.
func (c *Client) Connect(ctx context.Context, name, number string) (PairingResponse, error) {
	path := instancePath("instance/connect", name)
	if number != "" {
		path += "?number=" + url.QueryEscape(number)
	}
	var out PairingResponse
	_, _, err := c.do(ctx, http.MethodGet, path, nil, &out)
	return out, err
}

func (c *Client) ConnectionState(ctx context.Context, name string) (ConnectionStateResponse, error) {
	var out ConnectionStateResponse
	_, _, err := c.do(ctx, http.MethodGet, instancePath("instance/connectionState", name), nil, &out)
	return out, err
}

func (c *Client) Restart(ctx context.Context, name string) error {
	_, _, err := c.do(ctx, http.MethodPost, instancePath("instance/restart", name), nil, nil)
	return err
}

func (c *Client) Logout(ctx context.Context, name string) error {
	_, _, err := c.do(ctx, http.MethodDelete, instancePath("instance/logout", name), nil, nil)
	return err
}

func (c *Client) DeleteInstance(ctx context.Context, name string) error {
	_, _, err := c.do(ctx, http.MethodDelete, instancePath("instance/delete", name), nil, nil)
	return err
}

func (c *Client) SetWebhook(ctx context.Context, name string, w WebhookSettings) error {
	body := struct {
		Webhook WebhookSettings `json:"webhook"`
	}{Webhook: w}
	_, _, err := c.do(ctx, http.MethodPost, instancePath("webhook/set", name), body, nil)
	return err
}

func (c *Client) FindWebhook(ctx context.Context, name string) (WebhookSettings, error) {
	var out WebhookSettings
	_, raw, err := c.do(ctx, http.MethodGet, instancePath("webhook/find", name), nil, &out)
	if err == nil && len(bytes.TrimSpace(raw)) == 0 {
		return WebhookSettings{}, nil
	}
	return out, err
}

func (c *Client) SetSettings(ctx context.Context, name string, s Settings) error {
	_, _, err := c.do(ctx, http.MethodPost, instancePath("settings/set", name), s, nil)
	return err
}

func (c *Client) FindSettings(ctx context.Context, name string) (Settings, error) {
	var out Settings
	_, _, err := c.do(ctx, http.MethodGet, instancePath("settings/find", name), nil, &out)
	return out, err
}
