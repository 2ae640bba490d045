package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/robfig/cron/v3"

	"wahub/internal/domain"
	"wahub/internal/store"
)

type scriptedRefresher struct {
	reg   *memRegistry
	fails map[string]bool
	drops map[string]bool
}

func (r scriptedRefresher) RefreshState(ctx context.Context, tenantID, name string) (store.Instance, error) {
	if r.fails[name] {
		return store.Instance{}, errors.New("provider unreachable")
	}
	inst, _, _ := r.reg.GetInstance(ctx, tenantID, name)
	if r.drops[name] {
		inst.Status = domain.StatusDisconnected
	}
	return inst, nil
}

func TestReconcilerRunOnce(t *testing.T) {
	reg := newMemRegistry()
	seedInstance(t, reg, "acme", "ok", domain.StatusPaired)
	seedInstance(t, reg, "acme", "dropped", domain.StatusPaired)
	seedInstance(t, reg, "globex", "broken", domain.StatusPaired)
	seedInstance(t, reg, "globex", "pending", domain.StatusAwaitingPairing)

	r := &Reconciler{
		Instances: reg,
		Sessions: scriptedRefresher{
			reg:   reg,
			fails: map[string]bool{"broken": true},
			drops: map[string]bool{"dropped": true},
		},
		Concurrency: 2,
	}
	rep, err := r.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if rep.Checked != 3 || rep.Disconnected != 1 || rep.Failed != 1 {
		t.Fatalf("unexpected report %+v", rep)
	}
}

func TestReconcilerAgainstSessions(t *testing.T) {
	p := &fakeProvider{state: domain.ConnStateClose}
	s, reg := newTestSessions(p)
	seedInstance(t, reg, "acme", "a", domain.StatusPaired)
	seedInstance(t, reg, "acme", "b", domain.StatusPaired)

	rep, err := (&Reconciler{Instances: reg, Sessions: s}).RunOnce(context.Background())
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if rep.Disconnected != 2 {
		t.Fatalf("expected both instances disconnected, got %+v", rep)
	}
	if left, _ := reg.ListInstancesByStatus(context.Background(), domain.StatusPaired); len(left) != 0 {
		t.Fatalf("expected no paired instances, got %d", len(left))
	}
}

func TestReconcilerSchedule(t *testing.T) {
	reg := newMemRegistry()
	seedInstance(t, reg, "acme", "ok", domain.StatusPaired)
	ran := make(chan struct{}, 4)
	r := &Reconciler{Instances: reg, Sessions: notifyingRefresher{reg: reg, ran: ran}}

	c := cron.New(cron.WithSeconds())
	if _, err := r.Schedule(context.Background(), c, "* * * * * *"); err != nil {
		t.Fatalf("schedule: %v", err)
	}
	if _, err := r.Schedule(context.Background(), c, "not a cron expression"); err == nil {
		t.Fatalf("expected a parse error")
	}
	c.Start()
	defer c.Stop()

	select {
	case <-ran:
	case <-time.After(3 * time.Second):
		t.Fatalf("scheduled run never happened")
	}
}

type notifyingRefresher struct {
	reg *memRegistry
	ran chan struct{}
}

func (n notifyingRefresher) RefreshState(ctx context.Context, tenantID, name string) (store.Instance, error) {
	select {
	case n.ran <- struct{}{}:
	default:
	}
	inst, _, _ := n.reg.GetInstance(ctx, tenantID, name)
	return inst, nil
}
