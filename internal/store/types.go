package store

import (
	"time"

	"wahub/internal/domain"
)

type Instance struct {
	ID            string                 `json:"id"`
	TenantID      string                 `json:"tenantId"`
	Name          string                 `json:"name"`
	Status        domain.InstanceStatus  `json:"status"`
	OwnerPhone    string                 `json:"ownerPhone,omitempty"`
	Description   string                 `json:"description,omitempty"`
	Active        bool                   `json:"active"`
	ProviderToken string                 `json:"-"`
	Pairing       domain.PairingArtifact `json:"pairing"`
	LastError     string                 `json:"lastError,omitempty"`
	CreatedAt     time.Time              `json:"createdAt"`
	UpdatedAt     time.Time              `json:"updatedAt"`
}

type InstanceInsert struct {
	ID            string
	TenantID      string
	Name          string
	Status        domain.InstanceStatus
	OwnerPhone    string
	Description   string
	ProviderToken string
	Now           time.Time
}

// InstanceStateUpdate moves an instance to Status. When FromStatuses is not empty the
// update only applies if the current status is one of them.
type InstanceStateUpdate struct {
	ID           string
	Status       domain.InstanceStatus
	FromStatuses []domain.InstanceStatus
	Pairing      *domain.PairingArtifact
	ClearPairing bool
	OwnerPhone   string
	LastError    string
	Now          time.Time
}

type InstanceDetailsUpdate struct {
	ID          string
	Description *string
	Active      *bool
	Now         time.Time
}

type Transition struct {
	InstanceID string                `json:"instanceId"`
	TenantID   string                `json:"tenantId"`
	Name       string                `json:"name"`
	From       domain.InstanceStatus `json:"from"`
	To         domain.InstanceStatus `json:"to"`
	Reason     string                `json:"reason,omitempty"`
	At         time.Time             `json:"at"`
}

type Webhook struct {
	InstanceID     string     `json:"instanceId"`
	URL            string     `json:"url"`
	Events         []string   `json:"events"`
	Enabled        bool       `json:"enabled"`
	ByEvents       bool       `json:"byEvents"`
	Base64         bool       `json:"base64"`
	LastCheckedAt  *time.Time `json:"lastCheckedAt,omitempty"`
	LastCheckOK    *bool      `json:"lastCheckOk,omitempty"`
	LastCheckError string     `json:"lastCheckError,omitempty"`
	CreatedAt      time.Time  `json:"createdAt"`
	UpdatedAt      time.Time  `json:"updatedAt"`
}

type WebhookCheck struct {
	InstanceID string
	OK         bool
	Error      string
	Now        time.Time
}

// Credentials is the provider account record. An empty TenantID marks the global row.
type Credentials struct {
	TenantID       string
	ServerURL      string
	APIKey         string
	WebhookBaseURL string
	Active         bool
	UpdatedAt      time.Time
}

type DispatchAttempt struct {
	ID                string
	TenantID          string
	InstanceID        string
	Kind              domain.MessageKind
	To                string
	CorrelationID     string
	ProviderMessageID string
	Result            string
	HTTPStatus        int
	Error             string
	Now               time.Time
}
