package pg

import (
	"context"

	"wahub/internal/store"
)

func (s *Store) InsertDispatchAttempt(ctx context.Context, a store.DispatchAttempt) error {
	var httpStatus any
	if a.HTTPStatus > 0 {
		httpStatus = a.HTTPStatus
	}
	_, err := s.DB.Exec(ctx, `
		INSERT INTO dispatch_attempts (id, tenant_id, instance_id, kind, to_phone, correlation_id, provider_message_id, result, http_status, error_msg, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)
	`, a.ID, a.TenantID, a.InstanceID, string(a.Kind), a.To, nullIfEmpty(a.CorrelationID), nullIfEmpty(a.ProviderMessageID),
		a.Result, httpStatus, nullIfEmpty(a.Error), a.Now)
	return err
}
