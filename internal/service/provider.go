package service

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"wahub/internal/domain"
	"wahub/internal/observability"
	"wahub/internal/providers/evolution"
	"wahub/internal/store"
)

type InstanceAPI interface {
	CreateInstance(ctx context.Context, req evolution.CreateInstanceRequest) (evolution.CreateInstanceResponse, error)
	FetchInstances(ctx context.Context) ([]evolution.InstanceInfo, error)
	Connect(ctx context.Context, name, number string) (evolution.PairingResponse, error)
	ConnectionState(ctx context.Context, name string) (evolution.ConnectionStateResponse, error)
	Restart(ctx context.Context, name string) error
	Logout(ctx context.Context, name string) error
	DeleteInstance(ctx context.Context, name string) error
	SetWebhook(ctx context.Context, name string, w evolution.WebhookSettings) error
	FindWebhook(ctx context.Context, name string) (evolution.WebhookSettings, error)
	SetSettings(ctx context.Context, name string, s evolution.Settings) error
	FindSettings(ctx context.Context, name string) (evolution.Settings, error)
}

type Sender interface {
	SendText(ctx context.Context, instance string, req evolution.TextRequest) (evolution.SendResponse, error)
	SendMedia(ctx context.Context, instance string, req evolution.MediaRequest) (evolution.SendResponse, error)
	SendButtons(ctx context.Context, instance string, req evolution.ButtonsRequest) (evolution.SendResponse, error)
	SendList(ctx context.Context, instance string, req evolution.ListRequest) (evolution.SendResponse, error)
	SendLocation(ctx context.Context, instance string, req evolution.LocationRequest) (evolution.SendResponse, error)
	SendContact(ctx context.Context, instance string, req evolution.ContactRequest) (evolution.SendResponse, error)
	SendPoll(ctx context.Context, instance string, req evolution.PollRequest) (evolution.SendResponse, error)
}

type AccountAPI interface {
	CheckNumbers(ctx context.Context, instance string, numbers []string) ([]evolution.NumberCheck, error)
	FetchProfilePictureURL(ctx context.Context, instance, number string) (string, error)
	UpdateProfileName(ctx context.Context, instance, name string) error
	UpdateProfileStatus(ctx context.Context, instance, status string) error
	FetchAllGroups(ctx context.Context, instance string) ([]evolution.Group, error)
	CreateGroup(ctx context.Context, instance string, req evolution.CreateGroupRequest) (evolution.Group, error)
	UpdateGroupMembers(ctx context.Context, instance, groupJID, action string, participants []string) error
	LeaveGroup(ctx context.Context, instance, groupJID string) error
}

// Provider is everything the gateway offers; *evolution.Client implements it.
type Provider interface {
	InstanceAPI
	Sender
	AccountAPI
}

// TenantClient is a provider client bound to one tenant's account credentials.
type TenantClient struct {
	Provider
	WebhookBaseURL string
}

type ClientSource interface {
	ForTenant(ctx context.Context, tenantID string) (TenantClient, error)
}

type CredentialReader interface {
	GetActiveCredentials(ctx context.Context, tenantID string) (store.Credentials, bool, error)
}

// CredentialClients builds a provider client per call from the stored credentials,
// so credential changes apply without a restart.
type CredentialClients struct {
	Store      CredentialReader
	HTTP       *http.Client
	GetRetries int
}

func (c *CredentialClients) ForTenant(ctx context.Context, tenantID string) (TenantClient, error) {
	creds, found, err := c.Store.GetActiveCredentials(ctx, tenantID)
	if err != nil {
		return TenantClient{}, fmt.Errorf("load provider credentials: %w", err)
	}
	if !found || strings.TrimSpace(creds.ServerURL) == "" || strings.TrimSpace(creds.APIKey) == "" {
		return TenantClient{}, fmt.Errorf("%w: no active provider credentials for tenant %q", domain.ErrConfigurationMissing, tenantID)
	}
	return TenantClient{
		Provider: &evolution.Client{
			BaseURL:    creds.ServerURL,
			APIKey:     creds.APIKey,
			HTTP:       c.HTTP,
			GetRetries: c.GetRetries,
		},
		WebhookBaseURL: creds.WebhookBaseURL,
	}, nil
}

func observeCall(op string, start time.Time, err error) {
	result := "ok"
	switch {
	case err == nil:
	case errors.Is(err, domain.ErrProviderRejected):
		result = "rejected"
	case errors.Is(err, domain.ErrTransport):
		result = "transport_error"
	default:
		result = "error"
	}
	observability.ProviderCalls.WithLabelValues(op, result).Inc()
	observability.ProviderLatency.WithLabelValues(op).Observe(time.Since(start).Seconds())
}
