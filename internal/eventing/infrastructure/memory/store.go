package memory

import (
	"context"
	"sync"

	"iot-alerting/internal/eventing"
)

type outboxRow struct {
	record eventing.OutboxRecord
	status string
}

// OutboxStore is an in-memory outbox for tests and single-process runs.
type OutboxStore struct {
	mu     sync.Mutex
	rows   []*outboxRow
	events map[string]struct{}
}

// NewOutboxStore constructs an empty outbox.
func NewOutboxStore() *OutboxStore {
	return &OutboxStore{events: make(map[string]struct{})}
}

// Insert appends the envelope unless its event id is already present.
func (s *OutboxStore) Insert(_ context.Context, env eventing.Envelope) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.events[env.EventID]; ok {
		return "", nil
	}
	id := eventing.NewEventID()
	s.events[env.EventID] = struct{}{}
	s.rows = append(s.rows, &outboxRow{record: eventing.OutboxRecord{ID: id, Envelope: env}, status: "pending"})
	return id, nil
}

// ListPending returns pending records in insertion order.
func (s *OutboxStore) ListPending(_ context.Context, limit int) ([]eventing.OutboxRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []eventing.OutboxRecord
	for _, row := range s.rows {
		if row.status != "pending" {
			continue
		}
		out = append(out, row.record)
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

// MarkSent marks the record as sent.
func (s *OutboxStore) MarkSent(_ context.Context, id string) error {
	s.update(id, func(row *outboxRow) { row.status = "sent" })
	return nil
}

// MarkFailed bumps attempts and parks the record unless retry is set.
func (s *OutboxStore) MarkFailed(_ context.Context, id string, retry bool) error {
	s.update(id, func(row *outboxRow) {
		row.record.Attempts++
		if !retry {
			row.status = "failed"
		}
	})
	return nil
}

// Status returns the status of the record holding eventID.
func (s *OutboxStore) Status(eventID string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, row := range s.rows {
		if row.record.Envelope.EventID == eventID {
			return row.status
		}
	}
	return ""
}

// Envelopes returns every envelope ever inserted.
func (s *OutboxStore) Envelopes() []eventing.Envelope {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]eventing.Envelope, 0, len(s.rows))
	for _, row := range s.rows {
		out = append(out, row.record.Envelope)
	}
	return out
}

func (s *OutboxStore) update(id string, fn func(*outboxRow)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, row := range s.rows {
		if row.record.ID == id {
			fn(row)
			return
		}
	}
}

// ProcessedStore is an in-memory idempotency store.
type ProcessedStore struct {
	mu   sync.Mutex
	seen map[string]struct{}
}

// NewProcessedStore constructs an empty processed store.
func NewProcessedStore() *ProcessedStore {
	return &ProcessedStore{seen: make(map[string]struct{})}
}

func (s *ProcessedStore) HasProcessed(_ context.Context, eventID, consumerName string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.seen[consumerName+"|"+eventID]
	return ok, nil
}

func (s *ProcessedStore) MarkProcessed(_ context.Context, eventID, consumerName string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.seen[consumerName+"|"+eventID] = struct{}{}
	return nil
}

// DLQStore collects dead-lettered envelopes.
type DLQStore struct {
	mu      sync.Mutex
	Entries []eventing.Envelope
}

func (s *DLQStore) RecordFailure(_ context.Context, env eventing.Envelope, _ error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Entries = append(s.Entries, env)
	return nil
}

// Len returns the number of dead-lettered envelopes.
func (s *DLQStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.Entries)
}
