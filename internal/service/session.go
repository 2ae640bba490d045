package service

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"

	"wahub/internal/config"
	"wahub/internal/domain"
	"wahub/internal/observability"
	"wahub/internal/providers/evolution"
	"wahub/internal/store"
	"wahub/internal/util"
)

type InstanceReader interface {
	GetInstance(ctx context.Context, tenantID, name string) (store.Instance, bool, error)
}

type Registry interface {
	InstanceReader
	InsertInstance(ctx context.Context, in store.InstanceInsert) error
	GetInstanceByName(ctx context.Context, name string) (store.Instance, bool, error)
	ListInstances(ctx context.Context, tenantID string) ([]store.Instance, error)
	UpdateInstanceState(ctx context.Context, in store.InstanceStateUpdate) (bool, error)
	UpdateInstanceDetails(ctx context.Context, in store.InstanceDetailsUpdate) error
	DeleteInstance(ctx context.Context, id string) (bool, error)
	InsertTransition(ctx context.Context, t store.Transition) error
	ListTransitions(ctx context.Context, instanceID string) ([]store.Transition, error)

	InsertWebhook(ctx context.Context, w store.Webhook) error
	UpdateWebhook(ctx context.Context, w store.Webhook) (bool, error)
	GetWebhook(ctx context.Context, instanceID string) (store.Webhook, bool, error)
	DeleteWebhook(ctx context.Context, instanceID string) (bool, error)
	MarkWebhookChecked(ctx context.Context, c store.WebhookCheck) error
}

const (
	DefaultPollInterval = 5 * time.Second
	DefaultMaxAttempts  = 24
	DefaultArtifactTTL  = 40 * time.Second

	defaultCallbackTemplate = "{base}/v1/webhooks/evolution/{instance}?token={token}"
)

// SessionService owns the instance lifecycle:
// absent -> creating -> awaiting_pairing -> paired -> disconnected, and deleted from anywhere.
//
// Create, connect, disconnect and delete on one instance name are serialized.
// Pairing polls never take that lock; they write through status-guarded updates.
type SessionService struct {
	Registry Registry
	Clients  ClientSource

	PollInterval     time.Duration
	MaxAttempts      int
	PairingTimeout   time.Duration
	ArtifactTTL      time.Duration
	PublicBaseURL    string
	CallbackTemplate string
	Now              func() time.Time

	locks  keyedMutex
	flight singleflight.Group
	polls  pollers
}

// NewSessionService wires the pairing tunables from the shared provider settings.
func NewSessionService(reg Registry, clients ClientSource, p config.Provider) *SessionService {
	return &SessionService{
		Registry:         reg,
		Clients:          clients,
		PollInterval:     p.PairingPollInterval,
		MaxAttempts:      p.PairingMaxAttempts,
		PairingTimeout:   p.PairingTimeout,
		ArtifactTTL:      p.PairingArtifactTTL,
		PublicBaseURL:    p.PublicBaseURL,
		CallbackTemplate: p.WebhookCallbackTemplate,
	}
}

func (s *SessionService) now() time.Time {
	if s.Now != nil {
		return s.Now().UTC()
	}
	return util.NowUTC()
}

func (s *SessionService) pollInterval() time.Duration {
	if s.PollInterval > 0 {
		return s.PollInterval
	}
	return DefaultPollInterval
}

func (s *SessionService) maxAttempts() int {
	if s.MaxAttempts > 0 {
		return s.MaxAttempts
	}
	return DefaultMaxAttempts
}

func (s *SessionService) artifactTTL() time.Duration {
	if s.ArtifactTTL > 0 {
		return s.ArtifactTTL
	}
	return DefaultArtifactTTL
}

func (s *SessionService) CreateInstance(ctx context.Context, tenantID string, req domain.CreateInstanceRequest) (store.Instance, error) {
	if err := req.Validate(); err != nil {
		return store.Instance{}, err
	}
	unlock := s.locks.Lock(req.Name)
	defer unlock()

	tc, err := s.Clients.ForTenant(ctx, tenantID)
	if err != nil {
		return store.Instance{}, err
	}
	if _, found, err := s.Registry.GetInstanceByName(ctx, req.Name); err != nil {
		return store.Instance{}, err
	} else if found {
		return store.Instance{}, domain.ErrInstanceExists
	}

	now := s.now()
	ins := store.InstanceInsert{
		ID:            util.NewInstanceID(),
		TenantID:      tenantID,
		Name:          req.Name,
		Status:        domain.StatusCreating,
		OwnerPhone:    util.NormalizePhone(req.Number),
		Description:   req.Description,
		ProviderToken: uuid.NewString(),
		Now:           now,
	}
	if err := s.Registry.InsertInstance(ctx, ins); err != nil {
		return store.Instance{}, err
	}
	inst := store.Instance{
		ID: ins.ID, TenantID: tenantID, Name: ins.Name, Status: domain.StatusCreating, OwnerPhone: ins.OwnerPhone,
		Description: ins.Description, Active: true, ProviderToken: ins.ProviderToken, CreatedAt: now, UpdatedAt: now,
	}
	s.recordTransition(ctx, inst, domain.StatusAbsent, domain.StatusCreating, "created")

	createReq := evolution.CreateInstanceRequest{
		InstanceName: req.Name,
		Token:        ins.ProviderToken,
		QRCode:       true,
		Integration:  evolution.IntegrationBaileys,
		Number:       ins.OwnerPhone,
	}
	var hook *store.Webhook
	if req.Webhook != nil {
		settings, err := s.webhookSettings(tc, inst, *req.Webhook)
		if err != nil {
			s.rollbackCreate(ctx, inst, "webhook_config")
			return store.Instance{}, err
		}
		createReq.Webhook = &settings
		hook = &store.Webhook{
			InstanceID: inst.ID, URL: settings.URL, Events: settings.Events, Enabled: settings.Enabled,
			ByEvents: settings.ByEvents, Base64: settings.Base64, CreatedAt: now, UpdatedAt: now,
		}
	}

	start := time.Now()
	_, err = tc.CreateInstance(ctx, createReq)
	observeCall("create_instance", start, err)
	if err != nil {
		slog.Error("provider create instance failed", "err", err, "tenant_id", tenantID, "instance", req.Name, "op", "create_instance")
		s.rollbackCreate(ctx, inst, "provider_create_failed")
		return store.Instance{}, err
	}

	if hook != nil {
		if err := s.Registry.InsertWebhook(ctx, *hook); err != nil {
			return inst, fmt.Errorf("store webhook configuration: %w", err)
		}
	}

	return s.requestPairingLocked(ctx, tc, tenantID, req.Name, ins.OwnerPhone)
}

// rollbackCreate removes a half-created record so the name can be reused.
func (s *SessionService) rollbackCreate(ctx context.Context, inst store.Instance, reason string) {
	if _, err := s.Registry.DeleteInstance(ctx, inst.ID); err != nil {
		slog.Error("rollback of local instance failed", "err", err, "tenant_id", inst.TenantID, "instance", inst.Name)
		return
	}
	s.recordTransition(ctx, inst, domain.StatusCreating, domain.StatusDeleted, reason)
}

// RequestPairing fetches a fresh pairing artifact, stores it in place of the previous
// one and (re)starts the pairing poll.
func (s *SessionService) RequestPairing(ctx context.Context, tenantID, name, number string) (store.Instance, error) {
	unlock := s.locks.Lock(name)
	defer unlock()

	if _, err := s.getInstance(ctx, tenantID, name); err != nil {
		return store.Instance{}, err
	}
	tc, err := s.Clients.ForTenant(ctx, tenantID)
	if err != nil {
		return store.Instance{}, err
	}
	return s.requestPairingLocked(ctx, tc, tenantID, name, util.NormalizePhone(number))
}

func (s *SessionService) requestPairingLocked(ctx context.Context, tc TenantClient, tenantID, name, number string) (store.Instance, error) {
	res, err := s.refreshArtifact(ctx, tc, tenantID, name, number)
	if err != nil {
		return store.Instance{}, err
	}
	if !res.paired {
		s.startPoll(tc, tenantID, name)
	}
	return s.getInstance(ctx, tenantID, name)
}

type refreshResult struct {
	artifact domain.PairingArtifact
	paired   bool
}

// refreshArtifact is single-flighted per instance name so a manual refresh and a
// poll-driven refresh never both hit the provider.
func (s *SessionService) refreshArtifact(ctx context.Context, tc TenantClient, tenantID, name, number string) (refreshResult, error) {
	v, err, _ := s.flight.Do(name, func() (any, error) {
		inst, err := s.getInstance(ctx, tenantID, name)
		if err != nil {
			return refreshResult{}, err
		}

		start := time.Now()
		resp, err := tc.Connect(ctx, name, number)
		observeCall("connect", start, err)
		if err != nil {
			return refreshResult{}, err
		}
		if resp.AlreadyOpen() {
			s.markPaired(ctx, inst, "", "already_connected")
			return refreshResult{paired: true}, nil
		}

		artifact, err := resp.Artifact(s.now(), s.artifactTTL())
		if err != nil {
			return refreshResult{}, err
		}

		if inst.Status == domain.StatusPaired {
			// provider no longer considers it connected
			s.setState(ctx, inst, domain.StatusDisconnected, store.InstanceStateUpdate{ClearPairing: true}, "provider_not_connected")
			inst.Status = domain.StatusDisconnected
		}
		if _, err := s.setState(ctx, inst, domain.StatusAwaitingPairing, store.InstanceStateUpdate{Pairing: &artifact}, "pairing_requested"); err != nil {
			return refreshResult{}, err
		}
		return refreshResult{artifact: artifact}, nil
	})
	if err != nil {
		return refreshResult{}, err
	}
	return v.(refreshResult), nil
}

// Pairing returns the instance with its current artifact and whether a poll is running.
func (s *SessionService) Pairing(ctx context.Context, tenantID, name string) (store.Instance, bool, error) {
	inst, err := s.getInstance(ctx, tenantID, name)
	if err != nil {
		return store.Instance{}, false, err
	}
	return inst, s.polls.active(name), nil
}

// StopPairing releases the pairing poll, e.g. when the operator closes the pairing view.
func (s *SessionService) StopPairing(ctx context.Context, tenantID, name string) error {
	if _, err := s.getInstance(ctx, tenantID, name); err != nil {
		return err
	}
	if t := s.polls.stop(name); t != nil {
		_ = t.wait(ctx)
	}
	return nil
}

func (s *SessionService) Disconnect(ctx context.Context, tenantID, name string) (store.Instance, error) {
	unlock := s.locks.Lock(name)
	defer unlock()

	inst, err := s.getInstance(ctx, tenantID, name)
	if err != nil {
		return store.Instance{}, err
	}
	s.polls.stop(name)

	tc, err := s.Clients.ForTenant(ctx, tenantID)
	if err != nil {
		return store.Instance{}, err
	}
	start := time.Now()
	err = tc.Logout(ctx, name)
	observeCall("logout", start, err)
	if err != nil {
		slog.Error("provider logout failed", "err", err, "tenant_id", tenantID, "instance", name, "op", "logout")
		return store.Instance{}, err
	}

	if inst.Status != domain.StatusDisconnected {
		if _, err := s.setState(ctx, inst, domain.StatusDisconnected, store.InstanceStateUpdate{ClearPairing: true}, "logout"); err != nil {
			return store.Instance{}, err
		}
	}
	return s.getInstance(ctx, tenantID, name)
}

func (s *SessionService) Restart(ctx context.Context, tenantID, name string) (store.Instance, error) {
	unlock := s.locks.Lock(name)
	defer unlock()

	if _, err := s.getInstance(ctx, tenantID, name); err != nil {
		return store.Instance{}, err
	}
	tc, err := s.Clients.ForTenant(ctx, tenantID)
	if err != nil {
		return store.Instance{}, err
	}
	start := time.Now()
	err = tc.Restart(ctx, name)
	observeCall("restart", start, err)
	if err != nil {
		return store.Instance{}, err
	}
	return s.RefreshState(ctx, tenantID, name)
}

// RefreshState asks the provider for the connection state and reconciles the record.
func (s *SessionService) RefreshState(ctx context.Context, tenantID, name string) (store.Instance, error) {
	inst, err := s.getInstance(ctx, tenantID, name)
	if err != nil {
		return store.Instance{}, err
	}
	tc, err := s.Clients.ForTenant(ctx, tenantID)
	if err != nil {
		return store.Instance{}, err
	}
	start := time.Now()
	st, err := tc.ConnectionState(ctx, name)
	observeCall("connection_state", start, err)
	if err != nil {
		return store.Instance{}, err
	}
	s.applyState(ctx, inst, st.State(), "", "state_check")
	return s.getInstance(ctx, tenantID, name)
}

// DeleteInstance removes the instance on the provider and locally. Deleting an absent
// instance succeeds. A failed remote delete is logged and local removal proceeds.
func (s *SessionService) DeleteInstance(ctx context.Context, tenantID, name string) error {
	unlock := s.locks.Lock(name)
	defer unlock()

	inst, found, err := s.Registry.GetInstance(ctx, tenantID, name)
	if err != nil {
		return err
	}
	if !found {
		return nil
	}
	// polls never take the instance lock, so waiting here cannot deadlock
	if t := s.polls.stop(name); t != nil {
		_ = t.wait(ctx)
	}

	if tc, err := s.Clients.ForTenant(ctx, tenantID); err != nil {
		slog.Error("remote instance delete skipped", "err", err, "tenant_id", tenantID, "instance", name, "op", "delete_instance")
	} else {
		start := time.Now()
		err := tc.DeleteInstance(ctx, name)
		observeCall("delete_instance", start, err)
		if err != nil {
			slog.Error("remote instance delete failed", "err", err, "tenant_id", tenantID, "instance", name, "op", "delete_instance")
		}
	}

	if _, err := s.Registry.DeleteInstance(ctx, inst.ID); err != nil {
		return err
	}
	s.recordTransition(ctx, inst, inst.Status, domain.StatusDeleted, "deleted")
	return nil
}

// ApplyProviderEvent folds a provider callback into the registry. Events for
// unknown instances are ignored.
func (s *SessionService) ApplyProviderEvent(ctx context.Context, ev domain.ProviderEvent) error {
	inst, found, err := s.Registry.GetInstanceByName(ctx, ev.Instance)
	if err != nil {
		return err
	}
	if !found {
		observability.WebhookEvents.WithLabelValues(ev.Event, "unknown_instance").Inc()
		return nil
	}

	switch ev.Event {
	case domain.EventConnectionUpdate:
		s.applyState(ctx, inst, ev.State, ev.OwnerPhone, "webhook")
	case domain.EventQRCodeUpdated:
		if ev.QRCode == "" && ev.PairingCode == "" {
			break
		}
		if inst.Status != domain.StatusCreating && inst.Status != domain.StatusAwaitingPairing {
			break
		}
		artifact := domain.PairingArtifact{
			QRCode:      ev.QRCode,
			PairingCode: ev.PairingCode,
			RequestedAt: ev.ReceivedAt,
			ExpiresAt:   ev.ReceivedAt.Add(s.artifactTTL()),
		}
		if _, err := s.setState(ctx, inst, domain.StatusAwaitingPairing, store.InstanceStateUpdate{Pairing: &artifact}, "webhook_qrcode"); err != nil {
			return err
		}
	}
	observability.WebhookEvents.WithLabelValues(ev.Event, "applied").Inc()
	return nil
}

func (s *SessionService) applyState(ctx context.Context, inst store.Instance, state, ownerPhone, reason string) {
	switch state {
	case domain.ConnStateOpen:
		if inst.Status != domain.StatusPaired {
			s.markPaired(ctx, inst, ownerPhone, reason)
		}
	case domain.ConnStateClose:
		if inst.Status == domain.StatusPaired {
			s.setState(ctx, inst, domain.StatusDisconnected, store.InstanceStateUpdate{ClearPairing: true}, reason)
		}
	}
}

func (s *SessionService) markPaired(ctx context.Context, inst store.Instance, ownerPhone, reason string) bool {
	ok, _ := s.setState(ctx, inst, domain.StatusPaired, store.InstanceStateUpdate{ClearPairing: true, OwnerPhone: ownerPhone}, reason)
	if ok {
		s.polls.stop(inst.Name)
	}
	return ok
}

// setState applies a guarded transition and records it. It reports whether the
// record changed; a stale or disallowed transition is not an error.
func (s *SessionService) setState(ctx context.Context, inst store.Instance, to domain.InstanceStatus, upd store.InstanceStateUpdate, reason string) (bool, error) {
	upd.ID = inst.ID
	upd.Status = to
	upd.Now = s.now()
	if len(upd.FromStatuses) == 0 {
		upd.FromStatuses = domain.Predecessors(to)
	}
	ok, err := s.Registry.UpdateInstanceState(ctx, upd)
	if err != nil {
		slog.Error("instance state update failed", "err", err, "tenant_id", inst.TenantID, "instance", inst.Name, "to", to)
		return false, err
	}
	if ok && inst.Status != to {
		s.recordTransition(ctx, inst, inst.Status, to, reason)
	}
	return ok, nil
}

func (s *SessionService) recordTransition(ctx context.Context, inst store.Instance, from, to domain.InstanceStatus, reason string) {
	observability.InstanceTransitions.WithLabelValues(string(from), string(to)).Inc()
	if err := s.Registry.InsertTransition(ctx, store.Transition{
		InstanceID: inst.ID,
		TenantID:   inst.TenantID,
		Name:       inst.Name,
		From:       from,
		To:         to,
		Reason:     reason,
		At:         s.now(),
	}); err != nil {
		slog.Warn("record transition failed", "err", err, "instance", inst.Name, "from", from, "to", to)
	}
	slog.Info("instance transition", "tenant_id", inst.TenantID, "instance", inst.Name, "from", from, "to", to, "reason", reason)
}

func (s *SessionService) GetInstance(ctx context.Context, tenantID, name string) (store.Instance, error) {
	return s.getInstance(ctx, tenantID, name)
}

func (s *SessionService) getInstance(ctx context.Context, tenantID, name string) (store.Instance, error) {
	inst, found, err := s.Registry.GetInstance(ctx, tenantID, name)
	if err != nil {
		return store.Instance{}, err
	}
	if !found {
		return store.Instance{}, domain.ErrInstanceNotFound
	}
	return inst, nil
}

func (s *SessionService) ListInstances(ctx context.Context, tenantID string) ([]store.Instance, error) {
	return s.Registry.ListInstances(ctx, tenantID)
}

func (s *SessionService) UpdateInstance(ctx context.Context, tenantID, name string, req domain.UpdateInstanceRequest) (store.Instance, error) {
	inst, err := s.getInstance(ctx, tenantID, name)
	if err != nil {
		return store.Instance{}, err
	}
	if err := s.Registry.UpdateInstanceDetails(ctx, store.InstanceDetailsUpdate{
		ID:          inst.ID,
		Description: req.Description,
		Active:      req.Active,
		Now:         s.now(),
	}); err != nil {
		return store.Instance{}, err
	}
	return s.getInstance(ctx, tenantID, name)
}

func (s *SessionService) Transitions(ctx context.Context, tenantID, name string) ([]store.Transition, error) {
	inst, err := s.getInstance(ctx, tenantID, name)
	if err != nil {
		return nil, err
	}
	return s.Registry.ListTransitions(ctx, inst.ID)
}

// Shutdown cancels all pairing polls and waits for them to exit.
func (s *SessionService) Shutdown(ctx context.Context) {
	s.polls.stopAll(ctx)
}

// CallbackURL is where the provider should post events for inst.
func (s *SessionService) CallbackURL(tc TenantClient, inst store.Instance) (string, error) {
	base := strings.TrimRight(tc.WebhookBaseURL, "/")
	if base == "" {
		base = strings.TrimRight(s.PublicBaseURL, "/")
	}
	if base == "" {
		return "", fmt.Errorf("%w: webhook base url", domain.ErrConfigurationMissing)
	}
	tpl := s.CallbackTemplate
	if tpl == "" {
		tpl = defaultCallbackTemplate
	}
	return util.RenderTemplate(tpl, map[string]string{
		"base":     base,
		"instance": url.PathEscape(inst.Name),
		"token":    url.QueryEscape(inst.ProviderToken),
	}), nil
}

func (s *SessionService) webhookSettings(tc TenantClient, inst store.Instance, in domain.WebhookInput) (evolution.WebhookSettings, error) {
	target := strings.TrimSpace(in.URL)
	if target == "" {
		u, err := s.CallbackURL(tc, inst)
		if err != nil {
			return evolution.WebhookSettings{}, err
		}
		target = u
	}
	return evolution.WebhookSettings{
		Enabled:  in.IsEnabled(),
		URL:      target,
		ByEvents: in.ByEvents,
		Base64:   in.Base64,
		Events:   append([]string(nil), in.Events...),
	}, nil
}
