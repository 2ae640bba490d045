package service

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	"wahub/internal/domain"
	"wahub/internal/providers/evolution"
	"wahub/internal/store"
)

// memRegistry is an in-memory Registry with the same guard semantics as the pg store.
type memRegistry struct {
	mu          sync.Mutex
	instances   map[string]store.Instance // by id
	webhooks    map[string]store.Webhook
	transitions []store.Transition
	creds       map[string]store.Credentials
	attempts    []store.DispatchAttempt
}

func newMemRegistry() *memRegistry {
	return &memRegistry{
		instances: map[string]store.Instance{},
		webhooks:  map[string]store.Webhook{},
		creds:     map[string]store.Credentials{},
	}
}

func (m *memRegistry) InsertInstance(_ context.Context, in store.InstanceInsert) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, i := range m.instances {
		if i.Name == in.Name {
			return domain.ErrInstanceExists
		}
	}
	m.instances[in.ID] = store.Instance{
		ID: in.ID, TenantID: in.TenantID, Name: in.Name, Status: in.Status, OwnerPhone: in.OwnerPhone,
		Description: in.Description, Active: true, ProviderToken: in.ProviderToken, CreatedAt: in.Now, UpdatedAt: in.Now,
	}
	return nil
}

func (m *memRegistry) GetInstance(_ context.Context, tenantID, name string) (store.Instance, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, i := range m.instances {
		if i.Name == name && i.TenantID == tenantID {
			return i, true, nil
		}
	}
	return store.Instance{}, false, nil
}

func (m *memRegistry) GetInstanceByName(_ context.Context, name string) (store.Instance, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, i := range m.instances {
		if i.Name == name {
			return i, true, nil
		}
	}
	return store.Instance{}, false, nil
}

func (m *memRegistry) ListInstances(_ context.Context, tenantID string) ([]store.Instance, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []store.Instance
	for _, i := range m.instances {
		if i.TenantID == tenantID {
			out = append(out, i)
		}
	}
	return out, nil
}

func (m *memRegistry) ListInstancesByStatus(_ context.Context, status domain.InstanceStatus) ([]store.Instance, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []store.Instance
	for _, i := range m.instances {
		if i.Status == status {
			out = append(out, i)
		}
	}
	return out, nil
}

func (m *memRegistry) UpdateInstanceState(_ context.Context, in store.InstanceStateUpdate) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	i, ok := m.instances[in.ID]
	if !ok {
		return false, nil
	}
	if len(in.FromStatuses) > 0 && !slices.Contains(in.FromStatuses, i.Status) {
		return false, nil
	}
	i.Status = in.Status
	if in.Pairing != nil {
		i.Pairing = *in.Pairing
	} else if in.ClearPairing {
		i.Pairing = domain.PairingArtifact{}
	}
	if in.OwnerPhone != "" {
		i.OwnerPhone = in.OwnerPhone
	}
	i.LastError = in.LastError
	i.UpdatedAt = in.Now
	m.instances[in.ID] = i
	return true, nil
}

func (m *memRegistry) UpdateInstanceDetails(_ context.Context, in store.InstanceDetailsUpdate) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	i := m.instances[in.ID]
	if in.Description != nil {
		i.Description = *in.Description
	}
	if in.Active != nil {
		i.Active = *in.Active
	}
	m.instances[in.ID] = i
	return nil
}

func (m *memRegistry) DeleteInstance(_ context.Context, id string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.instances[id]
	delete(m.instances, id)
	delete(m.webhooks, id)
	return ok, nil
}

func (m *memRegistry) InsertTransition(_ context.Context, t store.Transition) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.transitions = append(m.transitions, t)
	return nil
}

func (m *memRegistry) ListTransitions(_ context.Context, instanceID string) ([]store.Transition, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []store.Transition
	for _, t := range m.transitions {
		if t.InstanceID == instanceID {
			out = append(out, t)
		}
	}
	return out, nil
}

// statusesOf returns the "to" sequence recorded for name.
func (m *memRegistry) statusesOf(name string) []domain.InstanceStatus {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.InstanceStatus
	for _, t := range m.transitions {
		if t.Name == name {
			out = append(out, t.To)
		}
	}
	return out
}

func (m *memRegistry) InsertWebhook(_ context.Context, w store.Webhook) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.webhooks[w.InstanceID]; ok {
		return domain.ErrWebhookExists
	}
	m.webhooks[w.InstanceID] = w
	return nil
}

func (m *memRegistry) UpdateWebhook(_ context.Context, w store.Webhook) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.webhooks[w.InstanceID]; !ok {
		return false, nil
	}
	m.webhooks[w.InstanceID] = w
	return true, nil
}

func (m *memRegistry) GetWebhook(_ context.Context, instanceID string) (store.Webhook, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	w, ok := m.webhooks[instanceID]
	return w, ok, nil
}

func (m *memRegistry) DeleteWebhook(_ context.Context, instanceID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.webhooks[instanceID]
	delete(m.webhooks, instanceID)
	return ok, nil
}

func (m *memRegistry) MarkWebhookChecked(_ context.Context, c store.WebhookCheck) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	w, ok := m.webhooks[c.InstanceID]
	if !ok {
		return nil
	}
	okv := c.OK
	at := c.Now
	w.LastCheckOK, w.LastCheckedAt, w.LastCheckError = &okv, &at, c.Error
	m.webhooks[c.InstanceID] = w
	return nil
}

func (m *memRegistry) GetActiveCredentials(_ context.Context, tenantID string) (store.Credentials, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if c, ok := m.creds[tenantID]; ok && c.Active {
		return c, true, nil
	}
	c, ok := m.creds[""]
	return c, ok && c.Active, nil
}

func (m *memRegistry) UpsertCredentials(_ context.Context, c store.Credentials) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.creds[c.TenantID] = c
	return nil
}

func (m *memRegistry) InsertDispatchAttempt(_ context.Context, a store.DispatchAttempt) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.attempts = append(m.attempts, a)
	return nil
}

// fakeProvider scripts the provider. Unset funcs succeed with zero values.
type fakeProvider struct {
	mu sync.Mutex

	state       string
	stateDelay  time.Duration
	connectErr  error
	deleteErr   error
	sendErr     error
	stateCalls  int
	connects    int
	deleted     []string
	webhookSets []evolution.WebhookSettings
	remoteHook  evolution.WebhookSettings
	sent        []any
	groupAction string
	checked     []string
}

func (f *fakeProvider) setState(s string) {
	f.mu.Lock()
	f.state = s
	f.mu.Unlock()
}

func (f *fakeProvider) calls() (connects, states int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connects, f.stateCalls
}

func (f *fakeProvider) CreateInstance(_ context.Context, req evolution.CreateInstanceRequest) (evolution.CreateInstanceResponse, error) {
	var out evolution.CreateInstanceResponse
	out.Instance.InstanceName = req.InstanceName
	out.Instance.Status = "created"
	return out, nil
}

func (f *fakeProvider) FetchInstances(context.Context) ([]evolution.InstanceInfo, error) {
	return nil, nil
}

func (f *fakeProvider) Connect(_ context.Context, name, number string) (evolution.PairingResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.connectErr != nil {
		return evolution.PairingResponse{}, f.connectErr
	}
	f.connects++
	var out evolution.PairingResponse
	if f.state == domain.ConnStateOpen {
		out.Instance.State = domain.ConnStateOpen
		return out, nil
	}
	out.PairingCode = fmt.Sprintf("CODE%d", f.connects)
	out.Base64 = "iVBORw0KGgo="
	out.Count = f.connects
	return out, nil
}

func (f *fakeProvider) ConnectionState(ctx context.Context, name string) (evolution.ConnectionStateResponse, error) {
	f.mu.Lock()
	f.stateCalls++
	delay := f.stateDelay
	f.mu.Unlock()
	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return evolution.ConnectionStateResponse{}, ctx.Err()
		}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	var out evolution.ConnectionStateResponse
	out.Instance.InstanceName = name
	out.Instance.State = f.state
	return out, nil
}

func (f *fakeProvider) Restart(context.Context, string) error { return nil }
func (f *fakeProvider) Logout(context.Context, string) error  { return nil }

func (f *fakeProvider) DeleteInstance(_ context.Context, name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deleted = append(f.deleted, name)
	return f.deleteErr
}

func (f *fakeProvider) SetWebhook(_ context.Context, _ string, w evolution.WebhookSettings) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.webhookSets = append(f.webhookSets, w)
	f.remoteHook = w
	return nil
}

func (f *fakeProvider) FindWebhook(context.Context, string) (evolution.WebhookSettings, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.remoteHook, nil
}

func (f *fakeProvider) SetSettings(context.Context, string, evolution.Settings) error { return nil }
func (f *fakeProvider) FindSettings(context.Context, string) (evolution.Settings, error) {
	return evolution.Settings{RejectCall: true}, nil
}

func (f *fakeProvider) record(req any) (evolution.SendResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sendErr != nil {
		return evolution.SendResponse{}, f.sendErr
	}
	f.sent = append(f.sent, req)
	return evolution.SendResponse{Key: evolution.MessageKey{ID: fmt.Sprintf("BAE5%03d", len(f.sent))}, Status: "PENDING"}, nil
}

func (f *fakeProvider) lastSent() any {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.sent) == 0 {
		return nil
	}
	return f.sent[len(f.sent)-1]
}

func (f *fakeProvider) SendText(_ context.Context, _ string, r evolution.TextRequest) (evolution.SendResponse, error) {
	return f.record(r)
}
func (f *fakeProvider) SendMedia(_ context.Context, _ string, r evolution.MediaRequest) (evolution.SendResponse, error) {
	return f.record(r)
}
func (f *fakeProvider) SendButtons(_ context.Context, _ string, r evolution.ButtonsRequest) (evolution.SendResponse, error) {
	return f.record(r)
}
func (f *fakeProvider) SendList(_ context.Context, _ string, r evolution.ListRequest) (evolution.SendResponse, error) {
	return f.record(r)
}
func (f *fakeProvider) SendLocation(_ context.Context, _ string, r evolution.LocationRequest) (evolution.SendResponse, error) {
	return f.record(r)
}
func (f *fakeProvider) SendContact(_ context.Context, _ string, r evolution.ContactRequest) (evolution.SendResponse, error) {
	return f.record(r)
}
func (f *fakeProvider) SendPoll(_ context.Context, _ string, r evolution.PollRequest) (evolution.SendResponse, error) {
	return f.record(r)
}

func (f *fakeProvider) CheckNumbers(_ context.Context, _ string, numbers []string) ([]evolution.NumberCheck, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.checked = append([]string(nil), numbers...)
	out := make([]evolution.NumberCheck, 0, len(numbers))
	for _, n := range numbers {
		out = append(out, evolution.NumberCheck{Exists: true, Number: n, JID: n + "@s.whatsapp.net"})
	}
	return out, nil
}

func (f *fakeProvider) FetchProfilePictureURL(context.Context, string, string) (string, error) {
	return "https://pps.whatsapp.net/p.jpg", nil
}
func (f *fakeProvider) UpdateProfileName(context.Context, string, string) error   { return nil }
func (f *fakeProvider) UpdateProfileStatus(context.Context, string, string) error { return nil }
func (f *fakeProvider) FetchAllGroups(context.Context, string) ([]evolution.Group, error) {
	return []evolution.Group{{ID: "1203@g.us", Subject: "Support"}}, nil
}
func (f *fakeProvider) CreateGroup(_ context.Context, _ string, req evolution.CreateGroupRequest) (evolution.Group, error) {
	return evolution.Group{ID: "1204@g.us", Subject: req.Subject, Size: len(req.Participants)}, nil
}
func (f *fakeProvider) UpdateGroupMembers(_ context.Context, _, _, action string, _ []string) error {
	f.mu.Lock()
	f.groupAction = action
	f.mu.Unlock()
	return nil
}
func (f *fakeProvider) LeaveGroup(context.Context, string, string) error { return nil }

// staticClients hands out the same provider to every tenant, or fails when err is set.
type staticClients struct {
	p   Provider
	err error
}

func (s staticClients) ForTenant(context.Context, string) (TenantClient, error) {
	if s.err != nil {
		return TenantClient{}, s.err
	}
	return TenantClient{Provider: s.p, WebhookBaseURL: "https://hooks.example.com"}, nil
}

func credentials(tenant, serverURL, key string) store.Credentials {
	return store.Credentials{TenantID: tenant, ServerURL: serverURL, APIKey: key, WebhookBaseURL: "https://hooks.example.com", Active: true}
}
