package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"wahub/internal/domain"
	"wahub/internal/observability"
	"wahub/internal/store"
)

func (s *SessionService) startPoll(tc TenantClient, tenantID, name string) *pollTask {
	return s.polls.start(name, func(ctx context.Context) error {
		return s.pollPairing(ctx, tc, tenantID, name)
	})
}

// AwaitPairing starts (or restarts) the pairing poll and blocks until it ends.
// It returns nil once paired and domain.ErrPairingTimedOut when the budget runs out.
func (s *SessionService) AwaitPairing(ctx context.Context, tenantID, name string) error {
	unlock := s.locks.Lock(name)
	inst, err := s.getInstance(ctx, tenantID, name)
	if err != nil {
		unlock()
		return err
	}
	if inst.Status == domain.StatusPaired {
		unlock()
		return nil
	}
	tc, err := s.Clients.ForTenant(ctx, tenantID)
	if err != nil {
		unlock()
		return err
	}
	task := s.startPoll(tc, tenantID, name)
	unlock()

	err = task.wait(ctx)
	if errors.Is(err, context.Canceled) && ctx.Err() == nil {
		// stopped by a delete or a newer poll
		if _, gerr := s.getInstance(ctx, tenantID, name); errors.Is(gerr, domain.ErrInstanceNotFound) {
			return gerr
		}
	}
	return err
}

// pollPairing checks the connection state every interval. "open" completes pairing,
// "close" replaces the expired artifact. The poll gives up after MaxAttempts checks,
// one interval past MaxAttempts intervals, or PairingTimeout, whichever comes first.
// A slow state check is cut off by the same deadline.
func (s *SessionService) pollPairing(parent context.Context, tc TenantClient, tenantID, name string) error {
	interval := s.pollInterval()
	maxAttempts := s.maxAttempts()

	budget := time.Duration(maxAttempts+1) * interval
	if s.PairingTimeout > 0 && s.PairingTimeout < budget {
		budget = s.PairingTimeout
	}
	ctx, cancel := context.WithTimeout(parent, budget)
	defer cancel()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	log := slog.With("tenant_id", tenantID, "instance", name)

	for attempt := 1; attempt <= maxAttempts; attempt++ {
		select {
		case <-ctx.Done():
			if parent.Err() != nil {
				observability.PairingOutcomes.WithLabelValues("cancelled").Inc()
				return parent.Err()
			}
			return s.pairingTimedOut(tenantID, name, attempt-1)
		case <-ticker.C:
		}

		start := time.Now()
		st, err := tc.ConnectionState(ctx, name)
		observeCall("connection_state", start, err)
		if err != nil {
			if ctx.Err() == nil {
				log.Warn("pairing poll state check failed", "err", err, "attempt", attempt)
			}
			continue
		}

		switch st.State() {
		case domain.ConnStateOpen:
			inst, err := s.getInstance(ctx, tenantID, name)
			if err != nil {
				return err
			}
			s.markPaired(ctx, inst, "", "pairing_poll")
			observability.PairingOutcomes.WithLabelValues("paired").Inc()
			return nil
		case domain.ConnStateClose:
			if _, err := s.refreshArtifact(ctx, tc, tenantID, name, ""); err != nil {
				if errors.Is(err, domain.ErrInstanceNotFound) {
					return err
				}
				if ctx.Err() == nil {
					log.Warn("pairing artifact refresh failed", "err", err, "attempt", attempt)
				}
			}
		}
	}

	if parent.Err() != nil {
		return parent.Err()
	}
	return s.pairingTimedOut(tenantID, name, maxAttempts)
}

func (s *SessionService) pairingTimedOut(tenantID, name string, attempts int) error {
	observability.PairingOutcomes.WithLabelValues("timed_out").Inc()

	// the poll context is already done; the bookkeeping gets its own budget
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if inst, err := s.getInstance(ctx, tenantID, name); err == nil {
		s.setState(ctx, inst, domain.StatusDisconnected, store.InstanceStateUpdate{
			FromStatuses: []domain.InstanceStatus{domain.StatusCreating, domain.StatusAwaitingPairing},
			ClearPairing: true,
			LastError:    "pairing_timed_out",
		}, "pairing_timed_out")
	}
	slog.Warn("pairing timed out", "tenant_id", tenantID, "instance", name, "attempts", attempts)
	return fmt.Errorf("%w after %d checks", domain.ErrPairingTimedOut, attempts)
}
