package postgres

import (
	"context"
	"database/sql"
	"errors"
)

// Directory reads device display names and tenant timezones owned by the device registry.
type Directory struct {
	db *sql.DB
}

// NewDirectory constructs a directory reader.
func NewDirectory(db *sql.DB) *Directory {
	return &Directory{db: db}
}

// DeviceName returns the display name of a device, or "" when unknown.
func (d *Directory) DeviceName(ctx context.Context, tenantID, deviceID string) (string, error) {
	if d == nil || d.db == nil {
		return "", errors.New("directory: nil db")
	}
	var name string
	err := d.db.QueryRowContext(ctx, `
SELECT name FROM devices WHERE tenant_id = $1 AND id = $2`, tenantID, deviceID).Scan(&name)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	return name, err
}

// TenantTimezone returns the tenant's IANA timezone, or "" when unset.
func (d *Directory) TenantTimezone(ctx context.Context, tenantID string) (string, error) {
	if d == nil || d.db == nil {
		return "", errors.New("directory: nil db")
	}
	var tz sql.NullString
	err := d.db.QueryRowContext(ctx, `
SELECT timezone FROM tenants WHERE id = $1`, tenantID).Scan(&tz)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	return tz.String, err
}
