package registry

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/keygate-io/keygate/internal/licensing"
)

const licenseColumns = `
	id, key_hash, customer_id, tier, status, subscription_id,
	expires_at, revoked_at, revoked_reason, suspend_reason,
	last_validated_at, validation_count, last_instance_id, last_hostname,
	notes, created_at, updated_at`

// CreateLicense inserts a new license record. A uniqueness violation on
// key_hash is returned as-is so the issuer can retry with a fresh nonce.
func (r *Registry) CreateLicense(l *License) error {
	if l == nil {
		return fmt.Errorf("license is nil")
	}
	now := time.Now().UTC()
	if l.CreatedAt.IsZero() {
		l.CreatedAt = now
	}
	l.UpdatedAt = now

	_, err := r.db.Exec(`
		INSERT INTO licenses (
			id, key_hash, customer_id, tier, status, subscription_id,
			expires_at, revoked_at, revoked_reason, suspend_reason,
			last_validated_at, validation_count, last_instance_id, last_hostname,
			notes, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		l.ID, l.KeyHash, l.CustomerID, string(l.Tier), string(l.Status), l.SubscriptionID,
		nullableTimeUnix(l.ExpiresAt), nullableTimeUnix(l.RevokedAt), l.RevokedReason, l.SuspendReason,
		nullableTimeUnix(l.LastValidatedAt), l.ValidationCount, l.LastInstanceID, l.LastHostname,
		l.Notes, l.CreatedAt.Unix(), l.UpdatedAt.Unix(),
	)
	if err != nil {
		return fmt.Errorf("create license: %w", err)
	}
	return nil
}

// GetLicense retrieves a license by ID. Returns (nil, nil) when absent.
func (r *Registry) GetLicense(id string) (*License, error) {
	row := r.db.QueryRow(`SELECT `+licenseColumns+` FROM licenses WHERE id = ?`, id)
	return scanLicense(row)
}

// GetLicenseByHash retrieves a license by key hash. All validation lookups
// go through here; the plaintext key is never a query parameter.
func (r *Registry) GetLicenseByHash(keyHash string) (*License, error) {
	row := r.db.QueryRow(`SELECT `+licenseColumns+` FROM licenses WHERE key_hash = ?`, keyHash)
	return scanLicense(row)
}

// GetLicenseBySubscription retrieves the license linked to an external
// subscription ID.
func (r *Registry) GetLicenseBySubscription(externalID string) (*License, error) {
	row := r.db.QueryRow(`SELECT `+licenseColumns+` FROM licenses WHERE subscription_id = ?`, externalID)
	return scanLicense(row)
}

// ListLicenses returns all licenses, newest first.
func (r *Registry) ListLicenses() ([]*License, error) {
	rows, err := r.db.Query(`SELECT ` + licenseColumns + ` FROM licenses ORDER BY created_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("list licenses: %w", err)
	}
	defer rows.Close()
	return scanLicenses(rows)
}

// TransitionStatus atomically moves a license from one status to another.
// The update applies only when the stored status still equals from; the
// return value reports whether the transition won the race.
func (r *Registry) TransitionStatus(id string, from, to licensing.LicenseStatus, suspendReason string) (bool, error) {
	res, err := r.db.Exec(`
		UPDATE licenses SET status = ?, suspend_reason = ?, updated_at = ?
		WHERE id = ? AND status = ?`,
		string(to), suspendReason, time.Now().UTC().Unix(), id, string(from),
	)
	if err != nil {
		return false, fmt.Errorf("transition license %s %s->%s: %w", id, from, to, err)
	}
	affected, _ := res.RowsAffected()
	return affected > 0, nil
}

// RevokeLicense marks a license revoked with a reason. Revocation is
// terminal; it applies from any status except revoked itself.
func (r *Registry) RevokeLicense(id, reason string) (bool, error) {
	now := time.Now().UTC()
	res, err := r.db.Exec(`
		UPDATE licenses SET status = ?, revoked_at = ?, revoked_reason = ?, updated_at = ?
		WHERE id = ? AND status != ?`,
		string(licensing.LicenseRevoked), now.Unix(), reason, now.Unix(),
		id, string(licensing.LicenseRevoked),
	)
	if err != nil {
		return false, fmt.Errorf("revoke license %s: %w", id, err)
	}
	affected, _ := res.RowsAffected()
	return affected > 0, nil
}

// SetLicenseExpiry sets (or clears, with nil) a license's expiry without
// touching its status. Used for soft cancellation at period end.
func (r *Registry) SetLicenseExpiry(id string, expiresAt *time.Time) error {
	_, err := r.db.Exec(`UPDATE licenses SET expires_at = ?, updated_at = ? WHERE id = ?`,
		nullableTimeUnix(expiresAt), time.Now().UTC().Unix(), id)
	if err != nil {
		return fmt.Errorf("set license expiry %s: %w", id, err)
	}
	return nil
}

// ExtendLicense pushes the expiry forward and resurrects an expired license
// to active in the same statement. Revoked and suspended licenses keep their
// status.
func (r *Registry) ExtendLicense(id string, newExpiresAt *time.Time) (bool, error) {
	res, err := r.db.Exec(`
		UPDATE licenses SET
			expires_at = ?,
			status = CASE WHEN status = ? THEN ? ELSE status END,
			updated_at = ?
		WHERE id = ? AND status != ?`,
		nullableTimeUnix(newExpiresAt),
		string(licensing.LicenseExpired), string(licensing.LicenseActive),
		time.Now().UTC().Unix(), id, string(licensing.LicenseRevoked),
	)
	if err != nil {
		return false, fmt.Errorf("extend license %s: %w", id, err)
	}
	affected, _ := res.RowsAffected()
	return affected > 0, nil
}

// ExpireLicense marks a license expired with the given expiry time. It
// applies from any status except revoked (revocation is terminal) and
// expired (already there), so a duplicate event delivery is a no-op.
func (r *Registry) ExpireLicense(id string, expiresAt time.Time) (bool, error) {
	res, err := r.db.Exec(`
		UPDATE licenses SET status = ?, expires_at = ?, updated_at = ?
		WHERE id = ? AND status NOT IN (?, ?)`,
		string(licensing.LicenseExpired), expiresAt.Unix(), time.Now().UTC().Unix(),
		id, string(licensing.LicenseRevoked), string(licensing.LicenseExpired),
	)
	if err != nil {
		return false, fmt.Errorf("expire license %s: %w", id, err)
	}
	affected, _ := res.RowsAffected()
	return affected > 0, nil
}

// RecordValidation updates validation telemetry with a single atomic
// increment. The update applies only while the license is active, so a
// concurrent status transition cannot be clobbered.
func (r *Registry) RecordValidation(id, instanceID, hostname string, at time.Time) (bool, error) {
	res, err := r.db.Exec(`
		UPDATE licenses SET
			validation_count = validation_count + 1,
			last_validated_at = ?,
			last_instance_id = ?,
			last_hostname = ?,
			updated_at = ?
		WHERE id = ? AND status = ?`,
		at.Unix(), instanceID, hostname, at.Unix(),
		id, string(licensing.LicenseActive),
	)
	if err != nil {
		return false, fmt.Errorf("record validation %s: %w", id, err)
	}
	affected, _ := res.RowsAffected()
	return affected > 0, nil
}

// LicenseCountsByStatus returns a map of status -> count for metrics.
func (r *Registry) LicenseCountsByStatus() (map[licensing.LicenseStatus]int, error) {
	rows, err := r.db.Query(`SELECT status, COUNT(*) FROM licenses GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("count licenses by status: %w", err)
	}
	defer rows.Close()

	counts := make(map[licensing.LicenseStatus]int)
	for rows.Next() {
		var status string
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return nil, fmt.Errorf("scan count: %w", err)
		}
		counts[licensing.LicenseStatus(status)] = count
	}
	return counts, rows.Err()
}

func scanLicense(s scanner) (*License, error) {
	var l License
	var tier, status string
	var expiresAt, revokedAt, lastValidatedAt sql.NullInt64
	var createdAt, updatedAt int64

	err := s.Scan(
		&l.ID, &l.KeyHash, &l.CustomerID, &tier, &status, &l.SubscriptionID,
		&expiresAt, &revokedAt, &l.RevokedReason, &l.SuspendReason,
		&lastValidatedAt, &l.ValidationCount, &l.LastInstanceID, &l.LastHostname,
		&l.Notes, &createdAt, &updatedAt,
	)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("scan license: %w", err)
	}

	l.Tier = licensing.Tier(tier)
	l.Status = licensing.LicenseStatus(status)
	l.ExpiresAt = timeFromNullable(expiresAt)
	l.RevokedAt = timeFromNullable(revokedAt)
	l.LastValidatedAt = timeFromNullable(lastValidatedAt)
	l.CreatedAt = time.Unix(createdAt, 0).UTC()
	l.UpdatedAt = time.Unix(updatedAt, 0).UTC()
	return &l, nil
}

func scanLicenses(rows *sql.Rows) ([]*License, error) {
	var licenses []*License
	for rows.Next() {
		l, err := scanLicense(rows)
		if err != nil {
			return nil, err
		}
		licenses = append(licenses, l)
	}
	return licenses, rows.Err()
}
