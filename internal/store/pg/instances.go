package pg

import (
	"context"
	"time"

	"wahub/internal/domain"
	"wahub/internal/store"
)

const instanceColumns = `
	id, tenant_id, name, status, COALESCE(owner_phone,''), COALESCE(description,''), active, provider_token,
	COALESCE(pairing_qr,''), COALESCE(pairing_code,''), pairing_requested_at, pairing_expires_at,
	COALESCE(last_error,''), created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanInstance(row rowScanner) (store.Instance, error) {
	var (
		in          store.Instance
		status      string
		requestedAt *time.Time
		expiresAt   *time.Time
	)
	err := row.Scan(&in.ID, &in.TenantID, &in.Name, &status, &in.OwnerPhone, &in.Description, &in.Active,
		&in.ProviderToken, &in.Pairing.QRCode, &in.Pairing.PairingCode, &requestedAt, &expiresAt,
		&in.LastError, &in.CreatedAt, &in.UpdatedAt)
	if err != nil {
		return store.Instance{}, err
	}
	in.Status = domain.InstanceStatus(status)
	if requestedAt != nil {
		in.Pairing.RequestedAt = *requestedAt
	}
	if expiresAt != nil {
		in.Pairing.ExpiresAt = *expiresAt
	}
	return in, nil
}

func (s *Store) InsertInstance(ctx context.Context, in store.InstanceInsert) error {
	_, err := s.DB.Exec(ctx, `
		INSERT INTO instances (id, tenant_id, name, status, owner_phone, description, active, provider_token, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,TRUE,$7,$8,$8)
	`, in.ID, in.TenantID, in.Name, string(in.Status), nullIfEmpty(in.OwnerPhone), nullIfEmpty(in.Description), in.ProviderToken, in.Now)
	if isUniqueViolation(err) {
		return domain.ErrInstanceExists
	}
	return err
}

func (s *Store) GetInstance(ctx context.Context, tenantID, name string) (store.Instance, bool, error) {
	row := s.DB.QueryRow(ctx, `SELECT `+instanceColumns+` FROM instances WHERE tenant_id=$1 AND name=$2`, tenantID, name)
	in, err := scanInstance(row)
	if err != nil {
		if isNoRows(err) {
			return store.Instance{}, false, nil
		}
		return store.Instance{}, false, err
	}
	return in, true, nil
}

func (s *Store) GetInstanceByName(ctx context.Context, name string) (store.Instance, bool, error) {
	row := s.DB.QueryRow(ctx, `SELECT `+instanceColumns+` FROM instances WHERE name=$1`, name)
	in, err := scanInstance(row)
	if err != nil {
		if isNoRows(err) {
			return store.Instance{}, false, nil
		}
		return store.Instance{}, false, err
	}
	return in, true, nil
}

func (s *Store) ListInstances(ctx context.Context, tenantID string) ([]store.Instance, error) {
	return s.queryInstances(ctx, `SELECT `+instanceColumns+` FROM instances WHERE tenant_id=$1 ORDER BY created_at DESC`, tenantID)
}

func (s *Store) ListInstancesByStatus(ctx context.Context, status domain.InstanceStatus) ([]store.Instance, error) {
	return s.queryInstances(ctx, `SELECT `+instanceColumns+` FROM instances WHERE status=$1 AND active ORDER BY id`, string(status))
}

func (s *Store) queryInstances(ctx context.Context, sql string, args ...any) ([]store.Instance, error) {
	rows, err := s.DB.Query(ctx, sql, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []store.Instance
	for rows.Next() {
		in, err := scanInstance(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, in)
	}
	return out, rows.Err()
}

// UpdateInstanceState reports whether a row was changed. A guarded update on a row
// whose status is not in FromStatuses changes nothing.
func (s *Store) UpdateInstanceState(ctx context.Context, in store.InstanceStateUpdate) (bool, error) {
	from := make([]string, 0, len(in.FromStatuses))
	for _, st := range in.FromStatuses {
		from = append(from, string(st))
	}

	var qr, code, requestedAt, expiresAt any
	setPairing := in.Pairing != nil || in.ClearPairing
	if in.Pairing != nil {
		qr = nullIfEmpty(in.Pairing.QRCode)
		code = nullIfEmpty(in.Pairing.PairingCode)
		requestedAt = in.Pairing.RequestedAt
		expiresAt = in.Pairing.ExpiresAt
	}

	ct, err := s.DB.Exec(ctx, `
		UPDATE instances SET
			status = $2,
			pairing_qr = CASE WHEN $3 THEN $4 ELSE pairing_qr END,
			pairing_code = CASE WHEN $3 THEN $5 ELSE pairing_code END,
			pairing_requested_at = CASE WHEN $3 THEN $6::timestamptz ELSE pairing_requested_at END,
			pairing_expires_at = CASE WHEN $3 THEN $7::timestamptz ELSE pairing_expires_at END,
			owner_phone = COALESCE($8, owner_phone),
			last_error = $9,
			updated_at = $10
		WHERE id = $1 AND (cardinality($11::text[]) = 0 OR status = ANY($11::text[]))
	`, in.ID, string(in.Status), setPairing, qr, code, requestedAt, expiresAt,
		nullIfEmpty(in.OwnerPhone), nullIfEmpty(in.LastError), in.Now, from)
	if err != nil {
		return false, err
	}
	return ct.RowsAffected() > 0, nil
}

func (s *Store) UpdateInstanceDetails(ctx context.Context, in store.InstanceDetailsUpdate) error {
	_, err := s.DB.Exec(ctx, `
		UPDATE instances SET
			description = COALESCE($2, description),
			active = COALESCE($3, active),
			updated_at = $4
		WHERE id = $1
	`, in.ID, in.Description, in.Active, in.Now)
	return err
}

// DeleteInstance removes the instance and, by cascade, its webhook configuration.
func (s *Store) DeleteInstance(ctx context.Context, id string) (bool, error) {
	ct, err := s.DB.Exec(ctx, `DELETE FROM instances WHERE id=$1`, id)
	if err != nil {
		return false, err
	}
	return ct.RowsAffected() > 0, nil
}

func (s *Store) InsertTransition(ctx context.Context, t store.Transition) error {
	_, err := s.DB.Exec(ctx, `
		INSERT INTO instance_transitions (instance_id, tenant_id, name, from_status, to_status, reason, at)
		VALUES ($1,$2,$3,$4,$5,$6,$7)
	`, t.InstanceID, t.TenantID, t.Name, string(t.From), string(t.To), nullIfEmpty(t.Reason), t.At)
	return err
}

func (s *Store) ListTransitions(ctx context.Context, instanceID string) ([]store.Transition, error) {
	rows, err := s.DB.Query(ctx, `
		SELECT instance_id, tenant_id, name, from_status, to_status, COALESCE(reason,''), at
		FROM instance_transitions WHERE instance_id=$1 ORDER BY id
	`, instanceID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []store.Transition
	for rows.Next() {
		var t store.Transition
		var from, to string
		if err := rows.Scan(&t.InstanceID, &t.TenantID, &t.Name, &from, &to, &t.Reason, &t.At); err != nil {
			return nil, err
		}
		t.From, t.To = domain.InstanceStatus(from), domain.InstanceStatus(to)
		out = append(out, t)
	}
	return out, rows.Err()
}
