package service

import (
	"context"
	"log/slog"
	"sync/atomic"

	"github.com/robfig/cron/v3"
	"golang.org/x/sync/errgroup"

	"wahub/internal/domain"
	"wahub/internal/observability"
	"wahub/internal/store"
)

type StatusLister interface {
	ListInstancesByStatus(ctx context.Context, status domain.InstanceStatus) ([]store.Instance, error)
}

type StateRefresher interface {
	RefreshState(ctx context.Context, tenantID, name string) (store.Instance, error)
}

// Reconciler re-checks paired instances against the provider so sessions that
// dropped without a webhook end up disconnected.
type Reconciler struct {
	Instances   StatusLister
	Sessions    StateRefresher
	Concurrency int
}

type ReconcileReport struct {
	Checked      int
	Disconnected int
	Failed       int
}

func (r *Reconciler) RunOnce(ctx context.Context) (ReconcileReport, error) {
	paired, err := r.Instances.ListInstancesByStatus(ctx, domain.StatusPaired)
	if err != nil {
		observability.ReconcileRuns.WithLabelValues("list_failed").Inc()
		return ReconcileReport{}, err
	}

	limit := r.Concurrency
	if limit <= 0 {
		limit = 4
	}
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(limit)

	var disconnected, failed atomic.Int64
	for _, inst := range paired {
		inst := inst
		g.Go(func() error {
			after, err := r.Sessions.RefreshState(gctx, inst.TenantID, inst.Name)
			if err != nil {
				// one unreachable instance must not stop the sweep
				failed.Add(1)
				observability.ReconcileRuns.WithLabelValues("error").Inc()
				slog.Warn("reconcile state check failed", "err", err, "tenant_id", inst.TenantID, "instance", inst.Name)
				return nil
			}
			if after.Status == domain.StatusDisconnected {
				disconnected.Add(1)
				observability.ReconcileRuns.WithLabelValues("disconnected").Inc()
				return nil
			}
			observability.ReconcileRuns.WithLabelValues("ok").Inc()
			return nil
		})
	}
	err = g.Wait()

	rep := ReconcileReport{Checked: len(paired), Disconnected: int(disconnected.Load()), Failed: int(failed.Load())}
	slog.Info("reconcile run finished", "checked", rep.Checked, "disconnected", rep.Disconnected, "failed", rep.Failed)
	return rep, err
}

// Schedule registers RunOnce on c. expr uses the six-field (seconds) cron format.
func (r *Reconciler) Schedule(ctx context.Context, c *cron.Cron, expr string) (cron.EntryID, error) {
	return c.AddFunc(expr, func() {
		if ctx.Err() != nil {
			return
		}
		if _, err := r.RunOnce(ctx); err != nil {
			slog.Error("reconcile run failed", "err", err)
		}
	})
}
