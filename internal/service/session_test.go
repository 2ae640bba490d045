package service

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"wahub/internal/domain"
	"wahub/internal/store"
)

func newTestSessions(p *fakeProvider) (*SessionService, *memRegistry) {
	reg := newMemRegistry()
	return &SessionService{
		Registry:     reg,
		Clients:      staticClients{p: p},
		PollInterval: 10 * time.Millisecond,
		MaxAttempts:  200,
	}, reg
}

func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func seedInstance(t *testing.T, reg *memRegistry, tenant, name string, status domain.InstanceStatus) store.Instance {
	t.Helper()
	in := store.InstanceInsert{ID: "ins_" + name, TenantID: tenant, Name: name, Status: status, ProviderToken: "tok-" + name, Now: time.Now().UTC()}
	if err := reg.InsertInstance(context.Background(), in); err != nil {
		t.Fatalf("seed: %v", err)
	}
	inst, _, _ := reg.GetInstance(context.Background(), tenant, name)
	return inst
}

func TestAcmeSupportScenario(t *testing.T) {
	ctx := context.Background()
	p := &fakeProvider{state: domain.ConnStateConnecting}
	s, reg := newTestSessions(p)
	defer s.Shutdown(ctx)

	inst, err := s.CreateInstance(ctx, "acme", domain.CreateInstanceRequest{Name: "acme-support"})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if inst.Status != domain.StatusAwaitingPairing || inst.Pairing.Empty() {
		t.Fatalf("expected awaiting_pairing with an artifact, got %s %+v", inst.Status, inst.Pairing)
	}
	if _, active, _ := s.Pairing(ctx, "acme", "acme-support"); !active {
		t.Fatalf("expected a running pairing poll")
	}

	p.setState(domain.ConnStateOpen)
	eventually(t, "paired", func() bool {
		got, err := s.GetInstance(ctx, "acme", "acme-support")
		return err == nil && got.Status == domain.StatusPaired
	})
	got, _ := s.GetInstance(ctx, "acme", "acme-support")
	if !got.Pairing.Empty() {
		t.Fatalf("artifact must be cleared once paired, got %+v", got.Pairing)
	}
	eventually(t, "poll stopped", func() bool { return !s.polls.active("acme-support") })

	want := []domain.InstanceStatus{domain.StatusCreating, domain.StatusAwaitingPairing, domain.StatusPaired}
	if seq := reg.statusesOf("acme-support"); fmt.Sprint(seq) != fmt.Sprint(want) {
		t.Fatalf("transitions = %v, want %v", seq, want)
	}

	if err := s.DeleteInstance(ctx, "acme", "acme-support"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := s.GetInstance(ctx, "acme", "acme-support"); !errors.Is(err, domain.ErrInstanceNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestDeleteIsIdempotent(t *testing.T) {
	ctx := context.Background()
	p := &fakeProvider{state: domain.ConnStateConnecting}
	s, _ := newTestSessions(p)
	defer s.Shutdown(ctx)

	if _, err := s.CreateInstance(ctx, "acme", domain.CreateInstanceRequest{Name: "gone"}); err != nil {
		t.Fatalf("create: %v", err)
	}
	for i := 0; i < 3; i++ {
		if err := s.DeleteInstance(ctx, "acme", "gone"); err != nil {
			t.Fatalf("delete #%d: %v", i+1, err)
		}
	}
	if err := s.DeleteInstance(ctx, "acme", "never-existed"); err != nil {
		t.Fatalf("deleting an absent instance must succeed, got %v", err)
	}
}

func TestDeleteProceedsWhenProviderFails(t *testing.T) {
	ctx := context.Background()
	p := &fakeProvider{state: domain.ConnStateConnecting, deleteErr: fmt.Errorf("%w: boom", domain.ErrTransport)}
	s, reg := newTestSessions(p)
	seedInstance(t, reg, "acme", "flaky", domain.StatusPaired)

	if err := s.DeleteInstance(ctx, "acme", "flaky"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, found, _ := reg.GetInstance(ctx, "acme", "flaky"); found {
		t.Fatalf("local record must be removed even when the provider delete fails")
	}
}

func TestDeleteCancelsPoll(t *testing.T) {
	ctx := context.Background()
	p := &fakeProvider{state: domain.ConnStateConnecting}
	s, _ := newTestSessions(p)

	if _, err := s.CreateInstance(ctx, "acme", domain.CreateInstanceRequest{Name: "short-lived"}); err != nil {
		t.Fatalf("create: %v", err)
	}
	eventually(t, "first poll tick", func() bool { _, n := p.calls(); return n > 0 })

	if err := s.DeleteInstance(ctx, "acme", "short-lived"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if s.polls.active("short-lived") {
		t.Fatalf("poll still registered after delete")
	}
	_, before := p.calls()
	time.Sleep(50 * time.Millisecond)
	if _, after := p.calls(); after != before {
		t.Fatalf("poll kept running after delete: %d -> %d state checks", before, after)
	}
}

func TestRepeatedPairingRequestsKeepOneArtifact(t *testing.T) {
	ctx := context.Background()
	p := &fakeProvider{state: domain.ConnStateConnecting}
	s, reg := newTestSessions(p)
	s.PollInterval = time.Hour
	defer s.Shutdown(ctx)

	if _, err := s.CreateInstance(ctx, "acme", domain.CreateInstanceRequest{Name: "refresh"}); err != nil {
		t.Fatalf("create: %v", err)
	}
	const n = 5
	for i := 0; i < n; i++ {
		if _, err := s.RequestPairing(ctx, "acme", "refresh", ""); err != nil {
			t.Fatalf("refresh %d: %v", i, err)
		}
	}

	inst, _ := s.GetInstance(ctx, "acme", "refresh")
	if inst.Pairing.PairingCode != fmt.Sprintf("CODE%d", n+1) {
		t.Fatalf("expected the latest artifact, got %q", inst.Pairing.PairingCode)
	}
	if list, _ := reg.ListInstances(ctx, "acme"); len(list) != 1 {
		t.Fatalf("expected one instance record, got %d", len(list))
	}
	s.polls.mu.Lock()
	polls := len(s.polls.tasks)
	s.polls.mu.Unlock()
	if polls != 1 {
		t.Fatalf("expected one pairing poll, got %d", polls)
	}
}

func TestPairingTimesOutWithinBudget(t *testing.T) {
	ctx := context.Background()
	p := &fakeProvider{state: domain.ConnStateConnecting}
	s, reg := newTestSessions(p)
	s.PollInterval = 25 * time.Millisecond
	s.MaxAttempts = 3
	seedInstance(t, reg, "acme", "slow", domain.StatusAwaitingPairing)

	start := time.Now()
	err := s.AwaitPairing(ctx, "acme", "slow")
	elapsed := time.Since(start)

	if !errors.Is(err, domain.ErrPairingTimedOut) {
		t.Fatalf("expected ErrPairingTimedOut, got %v", err)
	}
	if _, n := p.calls(); n != 3 {
		t.Fatalf("expected exactly 3 state checks, got %d", n)
	}
	if limit := 3*s.PollInterval + 500*time.Millisecond; elapsed > limit {
		t.Fatalf("timeout took %v, more than %v", elapsed, limit)
	}
	inst, _ := s.GetInstance(ctx, "acme", "slow")
	if inst.Status != domain.StatusDisconnected || !inst.Pairing.Empty() {
		t.Fatalf("expected disconnected without artifact, got %s %+v", inst.Status, inst.Pairing)
	}
}

func TestPairingTimeoutByDeadline(t *testing.T) {
	ctx := context.Background()
	p := &fakeProvider{state: domain.ConnStateConnecting}
	s, reg := newTestSessions(p)
	s.PairingTimeout = 35 * time.Millisecond
	seedInstance(t, reg, "acme", "deadline", domain.StatusAwaitingPairing)

	if err := s.AwaitPairing(ctx, "acme", "deadline"); !errors.Is(err, domain.ErrPairingTimedOut) {
		t.Fatalf("expected ErrPairingTimedOut, got %v", err)
	}
}

func TestPairingTimeoutCutsOffSlowStateChecks(t *testing.T) {
	ctx := context.Background()
	p := &fakeProvider{state: domain.ConnStateConnecting, stateDelay: 200 * time.Millisecond}
	s, reg := newTestSessions(p)
	s.PollInterval = 20 * time.Millisecond
	s.MaxAttempts = 3
	s.PairingTimeout = 2 * time.Minute
	seedInstance(t, reg, "acme", "sluggish", domain.StatusAwaitingPairing)

	start := time.Now()
	err := s.AwaitPairing(ctx, "acme", "sluggish")
	elapsed := time.Since(start)

	if !errors.Is(err, domain.ErrPairingTimedOut) {
		t.Fatalf("expected ErrPairingTimedOut, got %v", err)
	}
	// (3+1) intervals is 80ms; one uncut check alone would take 200ms
	if elapsed > 180*time.Millisecond {
		t.Fatalf("timeout took %v with slow state checks", elapsed)
	}
	inst, _ := s.GetInstance(ctx, "acme", "sluggish")
	if inst.Status != domain.StatusDisconnected {
		t.Fatalf("expected disconnected, got %s", inst.Status)
	}
}

func TestAwaitPairingAfterDelete(t *testing.T) {
	ctx := context.Background()
	p := &fakeProvider{state: domain.ConnStateConnecting}
	s, reg := newTestSessions(p)
	defer s.Shutdown(ctx)
	seedInstance(t, reg, "acme", "doomed", domain.StatusAwaitingPairing)

	done := make(chan error, 1)
	go func() { done <- s.AwaitPairing(ctx, "acme", "doomed") }()
	eventually(t, "poll running", func() bool { return s.polls.active("doomed") })

	if err := s.DeleteInstance(ctx, "acme", "doomed"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	select {
	case err := <-done:
		if !errors.Is(err, domain.ErrInstanceNotFound) {
			t.Fatalf("expected ErrInstanceNotFound, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("AwaitPairing did not return after delete")
	}

	if err := s.AwaitPairing(ctx, "acme", "doomed"); !errors.Is(err, domain.ErrInstanceNotFound) {
		t.Fatalf("expected ErrInstanceNotFound, got %v", err)
	}
	if s.polls.active("doomed") {
		t.Fatalf("poll started for a deleted instance")
	}
	if _, err := s.Restart(ctx, "acme", "doomed"); !errors.Is(err, domain.ErrInstanceNotFound) {
		t.Fatalf("restart: expected ErrInstanceNotFound, got %v", err)
	}
}

func TestClosedConnectionRefreshesArtifact(t *testing.T) {
	ctx := context.Background()
	p := &fakeProvider{state: domain.ConnStateClose}
	s, reg := newTestSessions(p)
	s.MaxAttempts = 2
	seedInstance(t, reg, "acme", "expired", domain.StatusAwaitingPairing)

	_ = s.AwaitPairing(ctx, "acme", "expired")
	if connects, _ := p.calls(); connects != 2 {
		t.Fatalf("expected a refresh per closed check, got %d", connects)
	}
}

func TestCreateWhenAlreadyConnected(t *testing.T) {
	ctx := context.Background()
	p := &fakeProvider{state: domain.ConnStateOpen}
	s, reg := newTestSessions(p)
	defer s.Shutdown(ctx)

	inst, err := s.CreateInstance(ctx, "acme", domain.CreateInstanceRequest{Name: "open-now", Number: "+55 (11) 91234-5678"})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if inst.Status != domain.StatusPaired {
		t.Fatalf("expected paired, got %s", inst.Status)
	}
	if inst.OwnerPhone != "5511912345678" {
		t.Fatalf("owner phone not normalized: %q", inst.OwnerPhone)
	}
	if s.polls.active("open-now") {
		t.Fatalf("no poll should run for a connected instance")
	}
	want := []domain.InstanceStatus{domain.StatusCreating, domain.StatusPaired}
	if seq := reg.statusesOf("open-now"); fmt.Sprint(seq) != fmt.Sprint(want) {
		t.Fatalf("transitions = %v, want %v", seq, want)
	}
}

func TestCreateWithoutCredentials(t *testing.T) {
	ctx := context.Background()
	reg := newMemRegistry()
	s := &SessionService{Registry: reg, Clients: staticClients{err: fmt.Errorf("%w: none", domain.ErrConfigurationMissing)}}

	_, err := s.CreateInstance(ctx, "acme", domain.CreateInstanceRequest{Name: "nocreds"})
	if !errors.Is(err, domain.ErrConfigurationMissing) {
		t.Fatalf("expected ErrConfigurationMissing, got %v", err)
	}
	if _, found, _ := reg.GetInstanceByName(ctx, "nocreds"); found {
		t.Fatalf("nothing may be stored without credentials")
	}
}

func TestCreateRollsBackOnConnectFailure(t *testing.T) {
	ctx := context.Background()
	p := &fakeProvider{connectErr: fmt.Errorf("%w: down", domain.ErrTransport)}
	s, reg := newTestSessions(p)

	_, err := s.CreateInstance(ctx, "acme", domain.CreateInstanceRequest{Name: "half"})
	if !errors.Is(err, domain.ErrTransport) {
		t.Fatalf("expected transport failure, got %v", err)
	}
	inst, found, _ := reg.GetInstanceByName(ctx, "half")
	if !found || inst.Status != domain.StatusCreating {
		t.Fatalf("instance should remain in creating for a later pairing request, got found=%v %+v", found, inst)
	}
}

func TestConcurrentCreateSameName(t *testing.T) {
	ctx := context.Background()
	p := &fakeProvider{state: domain.ConnStateConnecting}
	s, _ := newTestSessions(p)
	s.PollInterval = time.Hour
	defer s.Shutdown(ctx)

	var wg sync.WaitGroup
	errs := make([]error, 8)
	for i := range errs {
		i := i
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, errs[i] = s.CreateInstance(ctx, "acme", domain.CreateInstanceRequest{Name: "race"})
		}()
	}
	wg.Wait()

	var ok, exists int
	for _, err := range errs {
		switch {
		case err == nil:
			ok++
		case errors.Is(err, domain.ErrInstanceExists):
			exists++
		default:
			t.Fatalf("unexpected error %v", err)
		}
	}
	if ok != 1 || exists != len(errs)-1 {
		t.Fatalf("expected one winner, got ok=%d exists=%d", ok, exists)
	}
}

func TestTenantIsolation(t *testing.T) {
	ctx := context.Background()
	p := &fakeProvider{state: domain.ConnStateConnecting}
	s, reg := newTestSessions(p)
	seedInstance(t, reg, "acme", "private", domain.StatusPaired)

	if _, err := s.GetInstance(ctx, "globex", "private"); !errors.Is(err, domain.ErrInstanceNotFound) {
		t.Fatalf("other tenants must not see the instance, got %v", err)
	}
	if err := s.DeleteInstance(ctx, "globex", "private"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, found, _ := reg.GetInstance(ctx, "acme", "private"); !found {
		t.Fatalf("another tenant's delete removed the instance")
	}
}

func TestApplyProviderEvent(t *testing.T) {
	ctx := context.Background()
	p := &fakeProvider{state: domain.ConnStateConnecting}
	s, _ := newTestSessions(p)
	defer s.Shutdown(ctx)

	if _, err := s.CreateInstance(ctx, "acme", domain.CreateInstanceRequest{Name: "hooked"}); err != nil {
		t.Fatalf("create: %v", err)
	}

	now := time.Now().UTC()
	err := s.ApplyProviderEvent(ctx, domain.ProviderEvent{Instance: "hooked", Event: domain.EventQRCodeUpdated, PairingCode: "FROMHOOK", ReceivedAt: now})
	if err != nil {
		t.Fatalf("qrcode event: %v", err)
	}
	inst, _ := s.GetInstance(ctx, "acme", "hooked")
	if inst.Pairing.PairingCode != "FROMHOOK" {
		t.Fatalf("artifact not replaced: %+v", inst.Pairing)
	}

	err = s.ApplyProviderEvent(ctx, domain.ProviderEvent{Instance: "hooked", Event: domain.EventConnectionUpdate, State: domain.ConnStateOpen, OwnerPhone: "5511912345678", ReceivedAt: now})
	if err != nil {
		t.Fatalf("connection event: %v", err)
	}
	inst, _ = s.GetInstance(ctx, "acme", "hooked")
	if inst.Status != domain.StatusPaired || inst.OwnerPhone != "5511912345678" || !inst.Pairing.Empty() {
		t.Fatalf("unexpected instance after open: %+v", inst)
	}
	eventually(t, "poll stopped", func() bool { return !s.polls.active("hooked") })

	err = s.ApplyProviderEvent(ctx, domain.ProviderEvent{Instance: "hooked", Event: domain.EventConnectionUpdate, State: domain.ConnStateClose, ReceivedAt: now})
	if err != nil {
		t.Fatalf("close event: %v", err)
	}
	if inst, _ = s.GetInstance(ctx, "acme", "hooked"); inst.Status != domain.StatusDisconnected {
		t.Fatalf("expected disconnected, got %s", inst.Status)
	}

	if err := s.ApplyProviderEvent(ctx, domain.ProviderEvent{Instance: "unknown", Event: domain.EventConnectionUpdate, State: "open"}); err != nil {
		t.Fatalf("events for unknown instances are ignored, got %v", err)
	}
}

func TestDisconnectStopsPoll(t *testing.T) {
	ctx := context.Background()
	p := &fakeProvider{state: domain.ConnStateConnecting}
	s, _ := newTestSessions(p)

	if _, err := s.CreateInstance(ctx, "acme", domain.CreateInstanceRequest{Name: "bye"}); err != nil {
		t.Fatalf("create: %v", err)
	}
	inst, err := s.Disconnect(ctx, "acme", "bye")
	if err != nil {
		t.Fatalf("disconnect: %v", err)
	}
	if inst.Status != domain.StatusDisconnected || !inst.Pairing.Empty() {
		t.Fatalf("unexpected instance %+v", inst)
	}
	eventually(t, "poll stopped", func() bool { return !s.polls.active("bye") })
}

func TestRefreshStateDetectsDrop(t *testing.T) {
	ctx := context.Background()
	p := &fakeProvider{state: domain.ConnStateClose}
	s, reg := newTestSessions(p)
	seedInstance(t, reg, "acme", "dropped", domain.StatusPaired)

	inst, err := s.RefreshState(ctx, "acme", "dropped")
	if err != nil {
		t.Fatalf("refresh: %v", err)
	}
	if inst.Status != domain.StatusDisconnected {
		t.Fatalf("expected disconnected, got %s", inst.Status)
	}
}

func TestWebhookConfiguration(t *testing.T) {
	ctx := context.Background()
	p := &fakeProvider{state: domain.ConnStateConnecting}
	s, _ := newTestSessions(p)
	s.PollInterval = time.Hour
	defer s.Shutdown(ctx)

	in := domain.WebhookInput{Events: []string{domain.EventConnectionUpdate, domain.EventQRCodeUpdated}}
	if _, err := s.CreateInstance(ctx, "acme", domain.CreateInstanceRequest{Name: "with hook", Webhook: &in}); err == nil {
		t.Fatalf("names with spaces are invalid")
	}
	inst, err := s.CreateInstance(ctx, "acme", domain.CreateInstanceRequest{Name: "with-hook", Webhook: &in})
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	w, err := s.GetWebhook(ctx, "acme", "with-hook")
	if err != nil {
		t.Fatalf("get webhook: %v", err)
	}
	wantURL := "https://hooks.example.com/v1/webhooks/evolution/with-hook?token=" + url.QueryEscape(inst.ProviderToken)
	if w.URL != wantURL || !w.Enabled {
		t.Fatalf("unexpected webhook %+v, want url %s", w, wantURL)
	}

	if _, err := s.CreateWebhook(ctx, "acme", "with-hook", in); !errors.Is(err, domain.ErrWebhookExists) {
		t.Fatalf("expected ErrWebhookExists, got %v", err)
	}

	p.mu.Lock()
	p.remoteHook.URL = w.URL
	p.remoteHook.Enabled = true
	p.mu.Unlock()
	res, err := s.CheckWebhook(ctx, "acme", "with-hook")
	if err != nil || !res.OK {
		t.Fatalf("check: ok=%v err=%v res=%+v", res.OK, err, res)
	}

	in.URL = "https://crm.example.com/hook"
	updated, err := s.UpdateWebhook(ctx, "acme", "with-hook", in)
	if err != nil || updated.URL != in.URL {
		t.Fatalf("update: %+v %v", updated, err)
	}

	if err := s.DeleteWebhook(ctx, "acme", "with-hook"); err != nil {
		t.Fatalf("delete webhook: %v", err)
	}
	p.mu.Lock()
	last := p.webhookSets[len(p.webhookSets)-1]
	p.mu.Unlock()
	if last.Enabled {
		t.Fatalf("provider webhook should be disabled on delete")
	}
	if _, err := s.GetWebhook(ctx, "acme", "with-hook"); !errors.Is(err, domain.ErrWebhookNotFound) {
		t.Fatalf("expected ErrWebhookNotFound, got %v", err)
	}
}

func TestCallbackURLNeedsBase(t *testing.T) {
	s := &SessionService{}
	_, err := s.CallbackURL(TenantClient{}, store.Instance{Name: "x", ProviderToken: "t"})
	if !errors.Is(err, domain.ErrConfigurationMissing) {
		t.Fatalf("expected ErrConfigurationMissing, got %v", err)
	}
	s.PublicBaseURL = "https://public.example.com/"
	u, err := s.CallbackURL(TenantClient{}, store.Instance{Name: "x", ProviderToken: "a b"})
	if err != nil || !strings.HasPrefix(u, "https://public.example.com/v1/webhooks/evolution/x?token=a+b") {
		t.Fatalf("unexpected callback %q %v", u, err)
	}
}
