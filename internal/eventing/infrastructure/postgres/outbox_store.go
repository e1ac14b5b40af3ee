package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"iot-alerting/internal/eventing"
)

const defaultOutboxTable = "event_outbox"

// Execer is satisfied by *sql.DB and *sql.Tx.
type Execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// OutboxStore is a Postgres implementation for outbox records.
type OutboxStore struct {
	db    *sql.DB
	table string
}

// NewOutboxStore constructs an outbox store.
func NewOutboxStore(db *sql.DB, opts ...OutboxOption) *OutboxStore {
	store := &OutboxStore{db: db, table: defaultOutboxTable}
	for _, opt := range opts {
		opt(store)
	}
	return store
}

// OutboxOption configures the outbox store.
type OutboxOption func(*OutboxStore)

// WithOutboxTable overrides the table name.
func WithOutboxTable(table string) OutboxOption {
	return func(store *OutboxStore) {
		if table != "" {
			store.table = table
		}
	}
}

// Insert writes an envelope to the outbox.
func (s *OutboxStore) Insert(ctx context.Context, env eventing.Envelope) (string, error) {
	if s == nil || s.db == nil {
		return "", errors.New("outbox store: nil db")
	}
	return s.InsertWith(ctx, s.db, env)
}

// InsertWith writes an envelope using exec, so callers can enlist the insert in their transaction.
func (s *OutboxStore) InsertWith(ctx context.Context, exec Execer, env eventing.Envelope) (string, error) {
	if s == nil || exec == nil {
		return "", errors.New("outbox store: nil executor")
	}
	payload, err := json.Marshal(env)
	if err != nil {
		return "", err
	}
	outboxID := eventing.NewEventID()
	query := fmt.Sprintf(`
INSERT INTO %s (
	id,
	event_id,
	event_type,
	payload,
	status,
	attempts,
	created_at
) VALUES (
	$1, $2, $3, $4, 'pending', 0, $5
)
ON CONFLICT (event_id)
DO NOTHING`, s.table)

	if _, err := exec.ExecContext(ctx, query, outboxID, env.EventID, env.EventType, payload, time.Now().UTC()); err != nil {
		return "", err
	}
	return outboxID, nil
}

// ListPending returns pending outbox records, oldest first.
func (s *OutboxStore) ListPending(ctx context.Context, limit int) ([]eventing.OutboxRecord, error) {
	if s == nil || s.db == nil {
		return nil, errors.New("outbox store: nil db")
	}
	if limit <= 0 {
		limit = 50
	}
	query := fmt.Sprintf(`
SELECT id, attempts, payload
FROM %s
WHERE status = 'pending'
ORDER BY created_at ASC
LIMIT $1`, s.table)

	rows, err := s.db.QueryContext(ctx, query, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []eventing.OutboxRecord
	for rows.Next() {
		var (
			id       string
			attempts int
			payload  []byte
		)
		if err := rows.Scan(&id, &attempts, &payload); err != nil {
			return nil, err
		}
		var env eventing.Envelope
		if err := json.Unmarshal(payload, &env); err != nil {
			return nil, err
		}
		result = append(result, eventing.OutboxRecord{ID: id, Attempts: attempts, Envelope: env})
	}
	return result, rows.Err()
}

// MarkSent marks outbox record as sent.
func (s *OutboxStore) MarkSent(ctx context.Context, id string) error {
	if s == nil || s.db == nil {
		return errors.New("outbox store: nil db")
	}
	query := fmt.Sprintf(`
UPDATE %s
SET status = 'sent', sent_at = $1
WHERE id = $2`, s.table)
	_, err := s.db.ExecContext(ctx, query, time.Now().UTC(), id)
	return err
}

// MarkFailed increments attempts and, unless retry is set, parks the record as failed.
func (s *OutboxStore) MarkFailed(ctx context.Context, id string, retry bool) error {
	if s == nil || s.db == nil {
		return errors.New("outbox store: nil db")
	}
	status := "failed"
	if retry {
		status = "pending"
	}
	query := fmt.Sprintf(`
UPDATE %s
SET status = $1, attempts = attempts + 1
WHERE id = $2`, s.table)
	_, err := s.db.ExecContext(ctx, query, status, id)
	return err
}
