package metrics

import (
	"errors"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestQueryCount(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectQuery("SELECT COUNT").WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(7))
	mock.ExpectQuery("SELECT COUNT").WillReturnError(errors.New("relation does not exist"))

	assert.Equal(t, 7.0, queryCount(db, zap.NewNop(), "SELECT COUNT(*) FROM alarms"))
	assert.Equal(t, 0.0, queryCount(db, zap.NewNop(), "SELECT COUNT(*) FROM alarms"))
	assert.Equal(t, 0.0, queryCount(nil, nil, "SELECT 1"))
	require.NoError(t, mock.ExpectationsWereMet())
}
