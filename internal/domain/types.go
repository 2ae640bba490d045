package domain

import (
	"regexp"
	"strings"
	"time"
)

type InstanceStatus string

const (
	StatusAbsent          InstanceStatus = "absent"
	StatusCreating        InstanceStatus = "creating"
	StatusAwaitingPairing InstanceStatus = "awaiting_pairing"
	StatusPaired          InstanceStatus = "paired"
	StatusDisconnected    InstanceStatus = "disconnected"
	StatusDeleted         InstanceStatus = "deleted"
)

// predecessors lists, for every reachable status, the statuses it may be entered from.
// Deleted is reachable from everything and is handled separately.
var predecessors = map[InstanceStatus][]InstanceStatus{
	StatusCreating:        {StatusAbsent},
	StatusAwaitingPairing: {StatusCreating, StatusAwaitingPairing, StatusDisconnected},
	StatusPaired:          {StatusCreating, StatusAwaitingPairing, StatusDisconnected},
	StatusDisconnected:    {StatusCreating, StatusAwaitingPairing, StatusPaired},
}

// Predecessors returns the statuses from which to may be entered.
func Predecessors(to InstanceStatus) []InstanceStatus {
	return append([]InstanceStatus(nil), predecessors[to]...)
}

func CanTransition(from, to InstanceStatus) bool {
	if to == StatusDeleted {
		return from != StatusDeleted
	}
	for _, p := range predecessors[to] {
		if p == from {
			return true
		}
	}
	return false
}

// Provider connection states reported by /instance/connectionState.
const (
	ConnStateOpen       = "open"
	ConnStateClose      = "close"
	ConnStateConnecting = "connecting"
)

// PairingArtifact is the short-lived credential shown to the operator: a QR image,
// a numeric pairing code, or both.
type PairingArtifact struct {
	QRCode      string    `json:"qrcode,omitempty"` // data URI, image/png
	PairingCode string    `json:"pairingCode,omitempty"`
	RequestedAt time.Time `json:"requestedAt"`
	ExpiresAt   time.Time `json:"expiresAt"`
}

func (a PairingArtifact) Empty() bool { return a.QRCode == "" && a.PairingCode == "" }

type WebhookInput struct {
	URL      string   `json:"url"`
	Events   []string `json:"events"`
	Enabled  *bool    `json:"enabled,omitempty"`
	ByEvents bool     `json:"byEvents"`
	Base64   bool     `json:"base64"`
}

func (w WebhookInput) IsEnabled() bool { return w.Enabled == nil || *w.Enabled }

// Validate checks the subscription. An empty URL means "use our own callback endpoint".
func (w WebhookInput) Validate() error {
	if u := strings.TrimSpace(w.URL); u != "" && !strings.HasPrefix(u, "http://") && !strings.HasPrefix(u, "https://") {
		return ErrInvalidURL
	}
	return ValidateEvents(w.Events)
}

type CreateInstanceRequest struct {
	Name        string        `json:"name"`
	Number      string        `json:"number,omitempty"`
	Description string        `json:"description,omitempty"`
	Webhook     *WebhookInput `json:"webhook,omitempty"`
}

var instanceNameRe = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9_.-]{0,63}$`)

func (r CreateInstanceRequest) Validate() error {
	if r.Name == "" {
		return ErrMissingFields
	}
	if !instanceNameRe.MatchString(r.Name) {
		return ErrInvalidName
	}
	if r.Webhook != nil {
		return r.Webhook.Validate()
	}
	return nil
}

type UpdateInstanceRequest struct {
	Description *string `json:"description,omitempty"`
	Active      *bool   `json:"active,omitempty"`
}

type CredentialsInput struct {
	ServerURL      string `json:"serverUrl"`
	APIKey         string `json:"apiKey"`
	WebhookBaseURL string `json:"webhookBaseUrl,omitempty"`
	Global         bool   `json:"global,omitempty"`
}

func (c CredentialsInput) Validate() error {
	if strings.TrimSpace(c.ServerURL) == "" || strings.TrimSpace(c.APIKey) == "" {
		return ErrMissingFields
	}
	if !strings.HasPrefix(c.ServerURL, "http://") && !strings.HasPrefix(c.ServerURL, "https://") {
		return ErrInvalidURL
	}
	return nil
}

// ProviderEvent is a provider callback reduced to what the registry cares about.
type ProviderEvent struct {
	Instance    string    `json:"instance"`
	Event       string    `json:"event"`
	State       string    `json:"state,omitempty"`
	QRCode      string    `json:"qrcode,omitempty"`
	PairingCode string    `json:"pairingCode,omitempty"`
	OwnerPhone  string    `json:"ownerPhone,omitempty"`
	ReceivedAt  time.Time `json:"receivedAt"`
}
