package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	telemetry "iot-alerting/internal/telemetry/domain"
)

const defaultSamplesTable = "telemetry_samples"

// SampleRepository stores raw telemetry readings.
type SampleRepository struct {
	db    *sql.DB
	table string
	now   func() time.Time
}

// RepositoryOption configures the repository.
type RepositoryOption func(*SampleRepository)

// WithTable overrides the default table name.
func WithTable(table string) RepositoryOption {
	return func(repo *SampleRepository) {
		if table != "" {
			repo.table = table
		}
	}
}

// NewSampleRepository constructs a repository with the default table name.
func NewSampleRepository(db *sql.DB, opts ...RepositoryOption) *SampleRepository {
	repo := &SampleRepository{db: db, table: defaultSamplesTable, now: time.Now}
	for _, opt := range opts {
		opt(repo)
	}
	return repo
}

// InsertReadings writes all readings in one transaction.
func (r *SampleRepository) InsertReadings(ctx context.Context, readings []telemetry.Reading) error {
	if r == nil || r.db == nil {
		return errors.New("telemetry repo: nil db")
	}
	if len(readings) == 0 {
		return nil
	}

	query := fmt.Sprintf(`
INSERT INTO %s (
	tenant_id,
	device_id,
	sample_at,
	values,
	source,
	received_at
) VALUES (
	$1, $2, $3, $4, $5, $6
)`, r.table)

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	stmt, err := tx.PrepareContext(ctx, query)
	if err != nil {
		_ = tx.Rollback()
		return err
	}
	defer stmt.Close()

	for _, reading := range readings {
		if reading.TenantID == "" || reading.DeviceID == "" || reading.At.IsZero() || len(reading.Values) == 0 {
			_ = tx.Rollback()
			return errors.New("telemetry repo: invalid reading")
		}
		values, err := json.Marshal(reading.Values)
		if err != nil {
			_ = tx.Rollback()
			return err
		}
		receivedAt := reading.ReceivedAt
		if receivedAt.IsZero() {
			receivedAt = r.now()
		}
		if _, err := stmt.ExecContext(ctx,
			reading.TenantID,
			reading.DeviceID,
			reading.At.UTC(),
			values,
			reading.Source,
			receivedAt.UTC(),
		); err != nil {
			_ = tx.Rollback()
			return err
		}
	}
	return tx.Commit()
}
