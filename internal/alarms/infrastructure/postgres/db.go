package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"iot-alerting/internal/eventing"
	eventpg "iot-alerting/internal/eventing/infrastructure/postgres"
)

// OutboxWriter enlists outbox inserts in a repository transaction.
// *eventing/infrastructure/postgres.OutboxStore satisfies it.
type OutboxWriter interface {
	InsertWith(ctx context.Context, exec eventpg.Execer, env eventing.Envelope) (string, error)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func inTx(ctx context.Context, db *sql.DB, fn func(tx *sql.Tx) error) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

func nullableTime(t time.Time) sql.NullTime {
	if t.IsZero() {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: t.UTC(), Valid: true}
}

func nullableString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func timeOf(t sql.NullTime) time.Time {
	if !t.Valid {
		return time.Time{}
	}
	return t.Time.UTC()
}

func jsonOrNull(v any) ([]byte, error) {
	if v == nil {
		return nil, nil
	}
	return json.Marshal(v)
}
