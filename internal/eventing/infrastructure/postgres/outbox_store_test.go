package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"iot-alerting/internal/eventing"
)

func TestOutboxStoreInsertWithinTransaction(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	env := eventing.Envelope{EventID: "evt-1", EventType: "events.AlarmRaised", Payload: json.RawMessage(`{}`)}
	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO event_outbox").
		WithArgs(sqlmock.AnyArg(), "evt-1", "events.AlarmRaised", sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	store := NewOutboxStore(db)
	tx, err := db.Begin()
	require.NoError(t, err)
	id, err := store.InsertWith(context.Background(), tx, env)
	require.NoError(t, err)
	assert.NotEmpty(t, id)
	require.NoError(t, tx.Commit())
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestOutboxStoreListPendingDecodesEnvelopes(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	payload, err := json.Marshal(eventing.Envelope{EventID: "evt-7", EventType: "x.Y"})
	require.NoError(t, err)
	mock.ExpectQuery("SELECT id, attempts, payload FROM event_outbox").
		WithArgs(10).
		WillReturnRows(sqlmock.NewRows([]string{"id", "attempts", "payload"}).AddRow("ob-1", 2, payload))

	records, err := NewOutboxStore(db).ListPending(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, "ob-1", records[0].ID)
	assert.Equal(t, 2, records[0].Attempts)
	assert.Equal(t, "evt-7", records[0].Envelope.EventID)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestOutboxStoreMarkFailedKeepsRetryablePending(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectExec("UPDATE event_outbox").WithArgs("pending", "ob-1").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("UPDATE event_outbox").WithArgs("failed", "ob-2").WillReturnResult(sqlmock.NewResult(0, 1))

	store := NewOutboxStore(db)
	require.NoError(t, store.MarkFailed(context.Background(), "ob-1", true))
	require.NoError(t, store.MarkFailed(context.Background(), "ob-2", false))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestProcessedAndDLQStores(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectQuery("SELECT EXISTS").WithArgs("evt-1", "notify").
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(true))
	mock.ExpectExec("INSERT INTO processed_events").WithArgs("evt-2", "notify", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("INSERT INTO dead_letter_events").
		WithArgs("evt-3", "x.Y", sqlmock.AnyArg(), "boom", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))

	processed := NewProcessedStore(db, "")
	ok, err := processed.HasProcessed(context.Background(), "evt-1", "notify")
	require.NoError(t, err)
	assert.True(t, ok)
	require.NoError(t, processed.MarkProcessed(context.Background(), "evt-2", "notify"))

	_, err = processed.HasProcessed(context.Background(), "", "notify")
	assert.Error(t, err)

	dlq := NewDLQStore(db, "")
	require.NoError(t, dlq.RecordFailure(context.Background(), eventing.Envelope{EventID: "evt-3", EventType: "x.Y"}, errors.New("boom")))
	require.NoError(t, mock.ExpectationsWereMet())
}
