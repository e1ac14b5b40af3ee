package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"

	alarms "iot-alerting/internal/alarms/domain"
)

// PreferencesRepository stores per-user notification preferences.
type PreferencesRepository struct {
	db *sql.DB
}

// NewPreferencesRepository constructs a repository.
func NewPreferencesRepository(db *sql.DB) *PreferencesRepository {
	return &PreferencesRepository{db: db}
}

// Save upserts the preferences of one user.
func (r *PreferencesRepository) Save(ctx context.Context, prefs alarms.Preferences) error {
	if r == nil || r.db == nil {
		return errors.New("preferences repo: nil db")
	}
	muted, err := json.Marshal(prefs.MutedRuleIDs)
	if err != nil {
		return err
	}
	quiet, err := json.Marshal(prefs.QuietHours)
	if err != nil {
		return err
	}
	_, err = r.db.ExecContext(ctx, `
INSERT INTO notification_preferences (tenant_id, user_id, muted_rule_ids, quiet_hours, updated_at)
VALUES ($1, $2, $3, $4, $5)
ON CONFLICT (tenant_id, user_id) DO UPDATE SET
	muted_rule_ids = EXCLUDED.muted_rule_ids,
	quiet_hours = EXCLUDED.quiet_hours,
	updated_at = EXCLUDED.updated_at`,
		prefs.TenantID, prefs.UserID, muted, quiet, prefs.UpdatedAt.UTC())
	return err
}

// Get loads one user's preferences. ok is false when the user never saved any.
func (r *PreferencesRepository) Get(ctx context.Context, tenantID, userID string) (alarms.Preferences, bool, error) {
	if r == nil || r.db == nil {
		return alarms.Preferences{}, false, errors.New("preferences repo: nil db")
	}
	var (
		prefs = alarms.Preferences{TenantID: tenantID, UserID: userID}
		muted []byte
		quiet []byte
	)
	err := r.db.QueryRowContext(ctx, `
SELECT muted_rule_ids, quiet_hours, updated_at
FROM notification_preferences
WHERE tenant_id = $1 AND user_id = $2`, tenantID, userID).Scan(&muted, &quiet, &prefs.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return alarms.Preferences{}, false, nil
	}
	if err != nil {
		return alarms.Preferences{}, false, err
	}
	if len(muted) > 0 {
		if err := json.Unmarshal(muted, &prefs.MutedRuleIDs); err != nil {
			return alarms.Preferences{}, false, err
		}
	}
	if len(quiet) > 0 {
		if err := json.Unmarshal(quiet, &prefs.QuietHours); err != nil {
			return alarms.Preferences{}, false, err
		}
	}
	prefs.UpdatedAt = prefs.UpdatedAt.UTC()
	return prefs, true, nil
}
