package pg

import (
	"context"

	"wahub/internal/store"
)

// GetActiveCredentials prefers the tenant's own row and falls back to the global row.
func (s *Store) GetActiveCredentials(ctx context.Context, tenantID string) (store.Credentials, bool, error) {
	var c store.Credentials
	row := s.DB.QueryRow(ctx, `
		SELECT COALESCE(tenant_id,''), server_url, api_key, COALESCE(webhook_base_url,''), active, updated_at
		FROM provider_credentials
		WHERE active AND (tenant_id = $1 OR tenant_id IS NULL)
		ORDER BY tenant_id NULLS LAST
		LIMIT 1
	`, tenantID)
	err := row.Scan(&c.TenantID, &c.ServerURL, &c.APIKey, &c.WebhookBaseURL, &c.Active, &c.UpdatedAt)
	if err != nil {
		if isNoRows(err) {
			return store.Credentials{}, false, nil
		}
		return store.Credentials{}, false, err
	}
	return c, true, nil
}

func (s *Store) UpsertCredentials(ctx context.Context, c store.Credentials) error {
	_, err := s.DB.Exec(ctx, `
		INSERT INTO provider_credentials (tenant_id, server_url, api_key, webhook_base_url, active, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$6)
		ON CONFLICT ((COALESCE(tenant_id, '')))
		DO UPDATE SET server_url=EXCLUDED.server_url, api_key=EXCLUDED.api_key,
		              webhook_base_url=EXCLUDED.webhook_base_url, active=EXCLUDED.active, updated_at=EXCLUDED.updated_at
	`, nullIfEmpty(c.TenantID), c.ServerURL, c.APIKey, nullIfEmpty(c.WebhookBaseURL), c.Active, c.UpdatedAt)
	return err
}
