package service

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"wahub/internal/domain"
	"wahub/internal/providers/evolution"
	"wahub/internal/store"
	"wahub/internal/util"
)

type CredentialStore interface {
	CredentialReader
	UpsertCredentials(ctx context.Context, c store.Credentials) error
}

type CredentialsView struct {
	ServerURL      string    `json:"serverUrl"`
	APIKey         string    `json:"apiKey"`
	WebhookBaseURL string    `json:"webhookBaseUrl,omitempty"`
	Global         bool      `json:"global"`
	UpdatedAt      time.Time `json:"updatedAt"`
}

type CredentialService struct {
	Store CredentialStore
	HTTP  *http.Client
	Now   func() time.Time
}

// Save verifies the credentials against the provider before storing them.
// Global rows apply to every tenant without its own row.
func (s *CredentialService) Save(ctx context.Context, tenantID string, in domain.CredentialsInput) (CredentialsView, error) {
	if err := in.Validate(); err != nil {
		return CredentialsView{}, err
	}
	serverURL := strings.TrimRight(strings.TrimSpace(in.ServerURL), "/")

	probe := &evolution.Client{BaseURL: serverURL, APIKey: strings.TrimSpace(in.APIKey), HTTP: s.HTTP}
	start := time.Now()
	_, err := probe.FetchInstances(ctx)
	observeCall("fetch_instances", start, err)
	if err != nil {
		return CredentialsView{}, fmt.Errorf("provider connectivity check: %w", err)
	}

	now := util.NowUTC()
	if s.Now != nil {
		now = s.Now().UTC()
	}
	c := store.Credentials{
		ServerURL:      serverURL,
		APIKey:         strings.TrimSpace(in.APIKey),
		WebhookBaseURL: strings.TrimRight(strings.TrimSpace(in.WebhookBaseURL), "/"),
		Active:         true,
		UpdatedAt:      now,
	}
	if !in.Global {
		c.TenantID = tenantID
	}
	if err := s.Store.UpsertCredentials(ctx, c); err != nil {
		return CredentialsView{}, err
	}
	return view(c), nil
}

func (s *CredentialService) Get(ctx context.Context, tenantID string) (CredentialsView, error) {
	c, found, err := s.Store.GetActiveCredentials(ctx, tenantID)
	if err != nil {
		return CredentialsView{}, err
	}
	if !found {
		return CredentialsView{}, domain.ErrConfigurationMissing
	}
	return view(c), nil
}

func view(c store.Credentials) CredentialsView {
	return CredentialsView{
		ServerURL:      c.ServerURL,
		APIKey:         util.MaskSecret(c.APIKey),
		WebhookBaseURL: c.WebhookBaseURL,
		Global:         c.TenantID == "",
		UpdatedAt:      c.UpdatedAt,
	}
}
