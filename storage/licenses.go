package storage

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/janschill/licensed/models"
)

const licenseColumns = `id, key, key_hash, user_id, is_active, is_suspended,
	created_at, last_validated, expires_at, extension_version,
	device_fingerprint, last_ip, validation_count`

func (s *SQLiteStorage) GetLicense(ctx context.Context, id string) (*models.License, error) {
	return scanLicense(s.q.QueryRowContext(ctx,
		`SELECT `+licenseColumns+` FROM licenses WHERE id = ?`, id))
}

func (s *SQLiteStorage) FindLicenseByKeyHash(ctx context.Context, keyHash string) (*models.License, error) {
	return scanLicense(s.q.QueryRowContext(ctx,
		`SELECT `+licenseColumns+` FROM licenses WHERE key_hash = ?`, keyHash))
}

func (s *SQLiteStorage) FindLicensesByUser(ctx context.Context, userID string) ([]*models.License, error) {
	rows, err := s.q.QueryContext(ctx,
		`SELECT `+licenseColumns+` FROM licenses WHERE user_id = ? ORDER BY created_at`, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to query licenses: %w", err)
	}
	return collectLicenses(rows)
}

func (s *SQLiteStorage) ListLicenses(ctx context.Context, offset, limit int) ([]*models.License, error) {
	rows, err := s.q.QueryContext(ctx,
		`SELECT `+licenseColumns+` FROM licenses ORDER BY created_at DESC LIMIT ? OFFSET ?`, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to query licenses: %w", err)
	}
	return collectLicenses(rows)
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanLicenseRow(row rowScanner) (*models.License, error) {
	var license models.License
	var lastValidated, expiresAt sql.NullTime
	err := row.Scan(
		&license.ID,
		&license.Key,
		&license.KeyHash,
		&license.UserID,
		&license.IsActive,
		&license.IsSuspended,
		&license.CreatedAt,
		&lastValidated,
		&expiresAt,
		&license.ExtensionVersion,
		&license.DeviceFingerprint,
		&license.LastIP,
		&license.ValidationCount,
	)
	if err != nil {
		return nil, err
	}
	license.LastValidated = timePtr(lastValidated)
	license.ExpiresAt = timePtr(expiresAt)
	return &license, nil
}

func scanLicense(row *sql.Row) (*models.License, error) {
	license, err := scanLicenseRow(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return license, nil
}

func collectLicenses(rows *sql.Rows) ([]*models.License, error) {
	defer rows.Close()

	var licenses []*models.License
	for rows.Next() {
		license, err := scanLicenseRow(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan license: %w", err)
		}
		licenses = append(licenses, license)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating licenses: %w", err)
	}
	return licenses, nil
}

// SaveLicense upserts on id. A key-hash collision with a different
// license surfaces as a unique-constraint error; that constraint is the
// authoritative guard behind the generator's pre-check.
func (s *SQLiteStorage) SaveLicense(ctx context.Context, license *models.License) error {
	_, err := s.q.ExecContext(ctx, `
		INSERT INTO licenses (id, key, key_hash, user_id, is_active, is_suspended,
			created_at, last_validated, expires_at, extension_version,
			device_fingerprint, last_ip, validation_count)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			key = excluded.key,
			key_hash = excluded.key_hash,
			is_active = excluded.is_active,
			is_suspended = excluded.is_suspended,
			last_validated = excluded.last_validated,
			expires_at = excluded.expires_at,
			extension_version = excluded.extension_version,
			device_fingerprint = excluded.device_fingerprint,
			last_ip = excluded.last_ip,
			validation_count = excluded.validation_count`,
		license.ID, license.Key, license.KeyHash, license.UserID,
		license.IsActive, license.IsSuspended, license.CreatedAt,
		nullTime(license.LastValidated), nullTime(license.ExpiresAt),
		license.ExtensionVersion, license.DeviceFingerprint,
		license.LastIP, license.ValidationCount)
	if err != nil {
		return fmt.Errorf("failed to save license: %w", err)
	}
	return nil
}

func (s *SQLiteStorage) DeleteLicense(ctx context.Context, id string) error {
	return s.execLicenseUpdate(ctx, `DELETE FROM licenses WHERE id = ?`, id)
}

func (s *SQLiteStorage) SuspendLicense(ctx context.Context, id string) error {
	return s.execLicenseUpdate(ctx, `UPDATE licenses SET is_suspended = 1 WHERE id = ?`, id)
}

func (s *SQLiteStorage) ActivateLicense(ctx context.Context, id string) error {
	return s.execLicenseUpdate(ctx, `UPDATE licenses SET is_suspended = 0, is_active = 1 WHERE id = ?`, id)
}

func (s *SQLiteStorage) DeactivateLicense(ctx context.Context, id string) error {
	return s.execLicenseUpdate(ctx, `UPDATE licenses SET is_active = 0 WHERE id = ?`, id)
}

func (s *SQLiteStorage) execLicenseUpdate(ctx context.Context, query string, args ...interface{}) error {
	result, err := s.q.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("failed to update license: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read affected rows: %w", err)
	}
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

// RecordValidation bumps the counter in a single UPDATE so concurrent
// validations never lose the record to a read-modify-write race.
func (s *SQLiteStorage) RecordValidation(ctx context.Context, id, ip, extensionVersion, deviceFingerprint string) error {
	return s.execLicenseUpdate(ctx, `
		UPDATE licenses SET
			validation_count = validation_count + 1,
			last_validated = ?,
			last_ip = CASE WHEN ? != '' THEN ? ELSE last_ip END,
			extension_version = CASE WHEN ? != '' THEN ? ELSE extension_version END,
			device_fingerprint = CASE WHEN ? != '' THEN ? ELSE device_fingerprint END
		WHERE id = ?`,
		time.Now().UTC(), ip, ip,
		extensionVersion, extensionVersion,
		deviceFingerprint, deviceFingerprint,
		id)
}

func (s *SQLiteStorage) CascadeSuspendForUser(ctx context.Context, userID string) (int, error) {
	result, err := s.q.ExecContext(ctx,
		`UPDATE licenses SET is_suspended = 1 WHERE user_id = ? AND is_active = 1 AND is_suspended = 0`, userID)
	if err != nil {
		return 0, fmt.Errorf("failed to cascade-suspend licenses: %w", err)
	}
	affected, err := result.RowsAffected()
	return int(affected), err
}

func (s *SQLiteStorage) ReactivateSuspendedForUser(ctx context.Context, userID string) (int, error) {
	result, err := s.q.ExecContext(ctx,
		`UPDATE licenses SET is_suspended = 0 WHERE user_id = ? AND is_suspended = 1 AND is_active = 1`, userID)
	if err != nil {
		return 0, fmt.Errorf("failed to reactivate licenses: %w", err)
	}
	affected, err := result.RowsAffected()
	return int(affected), err
}
