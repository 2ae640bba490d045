package service

import (
	"context"
	"log/slog"
	"time"

	"wahub/internal/domain"
	"wahub/internal/providers/evolution"
	"wahub/internal/store"
)

type WebhookCheckResult struct {
	OK     bool                      `json:"ok"`
	Remote evolution.WebhookSettings `json:"remote"`
	Error  string                    `json:"error,omitempty"`
}

// CreateWebhook configures the instance's webhook. An instance has at most one.
func (s *SessionService) CreateWebhook(ctx context.Context, tenantID, name string, in domain.WebhookInput) (store.Webhook, error) {
	if err := in.Validate(); err != nil {
		return store.Webhook{}, err
	}
	unlock := s.locks.Lock(name)
	defer unlock()

	inst, err := s.getInstance(ctx, tenantID, name)
	if err != nil {
		return store.Webhook{}, err
	}
	if _, found, err := s.Registry.GetWebhook(ctx, inst.ID); err != nil {
		return store.Webhook{}, err
	} else if found {
		return store.Webhook{}, domain.ErrWebhookExists
	}

	tc, err := s.Clients.ForTenant(ctx, tenantID)
	if err != nil {
		return store.Webhook{}, err
	}
	settings, err := s.webhookSettings(tc, inst, in)
	if err != nil {
		return store.Webhook{}, err
	}
	if err := s.pushWebhook(ctx, tc, inst, settings); err != nil {
		return store.Webhook{}, err
	}

	now := s.now()
	w := store.Webhook{
		InstanceID: inst.ID, URL: settings.URL, Events: settings.Events, Enabled: settings.Enabled,
		ByEvents: settings.ByEvents, Base64: settings.Base64, CreatedAt: now, UpdatedAt: now,
	}
	if err := s.Registry.InsertWebhook(ctx, w); err != nil {
		return store.Webhook{}, err
	}
	return w, nil
}

func (s *SessionService) UpdateWebhook(ctx context.Context, tenantID, name string, in domain.WebhookInput) (store.Webhook, error) {
	if err := in.Validate(); err != nil {
		return store.Webhook{}, err
	}
	unlock := s.locks.Lock(name)
	defer unlock()

	inst, err := s.getInstance(ctx, tenantID, name)
	if err != nil {
		return store.Webhook{}, err
	}
	current, found, err := s.Registry.GetWebhook(ctx, inst.ID)
	if err != nil {
		return store.Webhook{}, err
	}
	if !found {
		return store.Webhook{}, domain.ErrWebhookNotFound
	}

	tc, err := s.Clients.ForTenant(ctx, tenantID)
	if err != nil {
		return store.Webhook{}, err
	}
	settings, err := s.webhookSettings(tc, inst, in)
	if err != nil {
		return store.Webhook{}, err
	}
	if err := s.pushWebhook(ctx, tc, inst, settings); err != nil {
		return store.Webhook{}, err
	}

	current.URL, current.Events, current.Enabled = settings.URL, settings.Events, settings.Enabled
	current.ByEvents, current.Base64, current.UpdatedAt = settings.ByEvents, settings.Base64, s.now()
	if _, err := s.Registry.UpdateWebhook(ctx, current); err != nil {
		return store.Webhook{}, err
	}
	return current, nil
}

func (s *SessionService) GetWebhook(ctx context.Context, tenantID, name string) (store.Webhook, error) {
	inst, err := s.getInstance(ctx, tenantID, name)
	if err != nil {
		return store.Webhook{}, err
	}
	w, found, err := s.Registry.GetWebhook(ctx, inst.ID)
	if err != nil {
		return store.Webhook{}, err
	}
	if !found {
		return store.Webhook{}, domain.ErrWebhookNotFound
	}
	return w, nil
}

// CheckWebhook compares the provider's webhook with the stored one and records the result.
func (s *SessionService) CheckWebhook(ctx context.Context, tenantID, name string) (WebhookCheckResult, error) {
	inst, err := s.getInstance(ctx, tenantID, name)
	if err != nil {
		return WebhookCheckResult{}, err
	}
	local, found, err := s.Registry.GetWebhook(ctx, inst.ID)
	if err != nil {
		return WebhookCheckResult{}, err
	}
	if !found {
		return WebhookCheckResult{}, domain.ErrWebhookNotFound
	}
	tc, err := s.Clients.ForTenant(ctx, tenantID)
	if err != nil {
		return WebhookCheckResult{}, err
	}

	start := time.Now()
	remote, err := tc.FindWebhook(ctx, name)
	observeCall("find_webhook", start, err)

	res := WebhookCheckResult{Remote: remote}
	switch {
	case err != nil:
		res.Error = err.Error()
	case remote.URL != local.URL:
		res.Error = "provider webhook url differs from configuration"
	case remote.Enabled != local.Enabled:
		res.Error = "provider webhook enabled flag differs from configuration"
	default:
		res.OK = true
	}

	if merr := s.Registry.MarkWebhookChecked(ctx, store.WebhookCheck{
		InstanceID: inst.ID, OK: res.OK, Error: res.Error, Now: s.now(),
	}); merr != nil {
		slog.Warn("record webhook check failed", "err", merr, "tenant_id", tenantID, "instance", name)
	}
	if err != nil {
		return res, err
	}
	return res, nil
}

// DeleteWebhook disables the webhook on the provider and drops the local configuration.
func (s *SessionService) DeleteWebhook(ctx context.Context, tenantID, name string) error {
	unlock := s.locks.Lock(name)
	defer unlock()

	inst, err := s.getInstance(ctx, tenantID, name)
	if err != nil {
		return err
	}
	current, found, err := s.Registry.GetWebhook(ctx, inst.ID)
	if err != nil {
		return err
	}
	if !found {
		return domain.ErrWebhookNotFound
	}
	tc, err := s.Clients.ForTenant(ctx, tenantID)
	if err != nil {
		return err
	}
	if err := s.pushWebhook(ctx, tc, inst, evolution.WebhookSettings{
		Enabled: false, URL: current.URL, ByEvents: current.ByEvents, Base64: current.Base64, Events: current.Events,
	}); err != nil {
		return err
	}
	_, err = s.Registry.DeleteWebhook(ctx, inst.ID)
	return err
}

func (s *SessionService) pushWebhook(ctx context.Context, tc TenantClient, inst store.Instance, settings evolution.WebhookSettings) error {
	start := time.Now()
	err := tc.SetWebhook(ctx, inst.Name, settings)
	observeCall("set_webhook", start, err)
	if err != nil {
		slog.Error("provider set webhook failed", "err", err, "tenant_id", inst.TenantID, "instance", inst.Name, "op", "set_webhook")
	}
	return err
}
