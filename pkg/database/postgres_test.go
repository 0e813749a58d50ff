package database

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	pgxmock "github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRetryBackoff_WithinJitterBounds(t *testing.T) {
	for attempt := 0; attempt < 3; attempt++ {
		base := time.Second << attempt
		for i := 0; i < 50; i++ {
			d := RetryBackoff(time.Second, attempt)
			assert.GreaterOrEqual(t, d, time.Duration(float64(base)*0.75))
			assert.LessOrEqual(t, d, time.Duration(float64(base)*1.25))
		}
	}
	assert.Equal(t, RetryBackoff(0, -1), time.Duration(0))
}

func TestReadSnapshot_UsesReadOnlyRepeatableRead(t *testing.T) {
	mock, err := NewMockPool()
	require.NoError(t, err)
	defer mock.Close()

	mock.ExpectBeginTx(pgx.TxOptions{IsoLevel: pgx.RepeatableRead, AccessMode: pgx.ReadOnly})
	mock.ExpectQuery("SELECT 1").WillReturnRows(pgxmock.NewRows([]string{"n"}).AddRow(1))
	mock.ExpectRollback()

	err = ReadSnapshot(context.Background(), mock, func(db DBTX) error {
		var n int
		return db.QueryRow(context.Background(), "SELECT 1").Scan(&n)
	})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestReadSnapshot_PropagatesErrors(t *testing.T) {
	mock, err := NewMockPool()
	require.NoError(t, err)
	defer mock.Close()

	mock.ExpectBeginTx(pgx.TxOptions{IsoLevel: pgx.RepeatableRead, AccessMode: pgx.ReadOnly})
	mock.ExpectRollback()

	boom := errors.New("boom")
	err = ReadSnapshot(context.Background(), mock, func(DBTX) error { return boom })
	assert.ErrorIs(t, err, boom)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestReadSnapshot_BeginFails(t *testing.T) {
	mock, err := NewMockPool()
	require.NoError(t, err)
	defer mock.Close()

	mock.ExpectBeginTx(pgx.TxOptions{IsoLevel: pgx.RepeatableRead, AccessMode: pgx.ReadOnly}).
		WillReturnError(errors.New("too many connections"))

	err = ReadSnapshot(context.Background(), mock, func(DBTX) error { return nil })
	require.Error(t, err)
	assert.Contains(t, err.Error(), "begin snapshot")
}
