package pg

import (
	"context"

	"wahub/internal/domain"
	"wahub/internal/store"
)

// InsertWebhook creates the instance's only webhook configuration.
func (s *Store) InsertWebhook(ctx context.Context, w store.Webhook) error {
	_, err := s.DB.Exec(ctx, `
		INSERT INTO instance_webhooks (instance_id, url, events, enabled, by_events, base64, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$7)
	`, w.InstanceID, w.URL, w.Events, w.Enabled, w.ByEvents, w.Base64, w.CreatedAt)
	if isUniqueViolation(err) {
		return domain.ErrWebhookExists
	}
	return err
}

func (s *Store) UpdateWebhook(ctx context.Context, w store.Webhook) (bool, error) {
	ct, err := s.DB.Exec(ctx, `
		UPDATE instance_webhooks SET url=$2, events=$3, enabled=$4, by_events=$5, base64=$6, updated_at=$7
		WHERE instance_id=$1
	`, w.InstanceID, w.URL, w.Events, w.Enabled, w.ByEvents, w.Base64, w.UpdatedAt)
	if err != nil {
		return false, err
	}
	return ct.RowsAffected() > 0, nil
}

func (s *Store) GetWebhook(ctx context.Context, instanceID string) (store.Webhook, bool, error) {
	var w store.Webhook
	row := s.DB.QueryRow(ctx, `
		SELECT instance_id, url, events, enabled, by_events, base64,
		       last_checked_at, last_check_ok, COALESCE(last_check_error,''), created_at, updated_at
		FROM instance_webhooks WHERE instance_id=$1
	`, instanceID)
	err := row.Scan(&w.InstanceID, &w.URL, &w.Events, &w.Enabled, &w.ByEvents, &w.Base64,
		&w.LastCheckedAt, &w.LastCheckOK, &w.LastCheckError, &w.CreatedAt, &w.UpdatedAt)
	if err != nil {
		if isNoRows(err) {
			return store.Webhook{}, false, nil
		}
		return store.Webhook{}, false, err
	}
	return w, true, nil
}

func (s *Store) DeleteWebhook(ctx context.Context, instanceID string) (bool, error) {
	ct, err := s.DB.Exec(ctx, `DELETE FROM instance_webhooks WHERE instance_id=$1`, instanceID)
	if err != nil {
		return false, err
	}
	return ct.RowsAffected() > 0, nil
}

func (s *Store) MarkWebhookChecked(ctx context.Context, c store.WebhookCheck) error {
	_, err := s.DB.Exec(ctx, `
		UPDATE instance_webhooks SET last_checked_at=$2, last_check_ok=$3, last_check_error=$4
		WHERE instance_id=$1
	`, c.InstanceID, c.Now, c.OK, nullIfEmpty(c.Error))
	return err
}
