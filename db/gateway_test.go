package db

import (
	"database/sql"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestGateway(t *testing.T) (*Gateway, sqlmock.Sqlmock) {
	t.Helper()

	mockDB, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { mockDB.Close() })

	// Millisecond delay keeps retry tests fast
	return NewGatewayWithRetry(mockDB, nil, GatewayMaxAttempts, time.Millisecond), mock
}

func TestGatewayExec(t *testing.T) {
	t.Run("retries transient errors until success", func(t *testing.T) {
		gateway, mock := newTestGateway(t)

		mock.ExpectExec("UPDATE scheduled_jobs SET status").
			WillReturnError(errors.New("database is locked"))
		mock.ExpectExec("UPDATE scheduled_jobs SET status").
			WillReturnResult(sqlmock.NewResult(0, 1))

		result, err := gateway.Exec("UPDATE scheduled_jobs SET status = ? WHERE id = ?", "processing", "SJ123")
		require.NoError(t, err)

		affected, err := result.RowsAffected()
		require.NoError(t, err)
		assert.Equal(t, int64(1), affected)

		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("non-transient errors propagate unchanged on first attempt", func(t *testing.T) {
		gateway, mock := newTestGateway(t)

		driverErr := errors.New("no such table: missing_table")
		mock.ExpectExec("INSERT INTO missing_table").WillReturnError(driverErr)

		_, err := gateway.Exec("INSERT INTO missing_table (id) VALUES (?)", 1)
		require.Error(t, err)
		assert.Equal(t, driverErr, err, "error should not be wrapped or retried")

		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("gives up after max attempts", func(t *testing.T) {
		gateway, mock := newTestGateway(t)

		for i := 0; i < GatewayMaxAttempts; i++ {
			mock.ExpectExec("UPDATE scheduled_jobs").
				WillReturnError(errors.New("database is locked"))
		}

		_, err := gateway.Exec("UPDATE scheduled_jobs SET status = ?", "pending")
		require.Error(t, err)
		assert.Contains(t, err.Error(), "after 3 attempts")
		assert.Contains(t, err.Error(), "database is locked")

		assert.NoError(t, mock.ExpectationsWereMet())
	})
}

func TestGatewayQuery(t *testing.T) {
	t.Run("retries transient errors", func(t *testing.T) {
		gateway, mock := newTestGateway(t)

		mock.ExpectQuery("SELECT id FROM scheduled_jobs").
			WillReturnError(errors.New("disk I/O error"))
		mock.ExpectQuery("SELECT id FROM scheduled_jobs").
			WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow("SJ123").AddRow("SJ456"))

		rows, err := gateway.Query("SELECT id FROM scheduled_jobs WHERE status = ?", "pending")
		require.NoError(t, err)
		defer rows.Close()

		var ids []string
		for rows.Next() {
			var id string
			require.NoError(t, rows.Scan(&id))
			ids = append(ids, id)
		}
		require.NoError(t, rows.Err())
		assert.Equal(t, []string{"SJ123", "SJ456"}, ids)

		assert.NoError(t, mock.ExpectationsWereMet())
	})
}

func TestGatewayQueryRow(t *testing.T) {
	t.Run("retries at scan time", func(t *testing.T) {
		gateway, mock := newTestGateway(t)

		mock.ExpectQuery("SELECT status FROM scheduled_jobs").
			WillReturnError(errors.New("database table is locked"))
		mock.ExpectQuery("SELECT status FROM scheduled_jobs").
			WillReturnRows(sqlmock.NewRows([]string{"status"}).AddRow("pending"))

		var status string
		err := gateway.QueryRow("SELECT status FROM scheduled_jobs WHERE id = ?", "SJ123").Scan(&status)
		require.NoError(t, err)
		assert.Equal(t, "pending", status)

		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("sql.ErrNoRows passes through unwrapped", func(t *testing.T) {
		gateway, mock := newTestGateway(t)

		mock.ExpectQuery("SELECT status FROM scheduled_jobs").
			WillReturnRows(sqlmock.NewRows([]string{"status"}))

		var status string
		err := gateway.QueryRow("SELECT status FROM scheduled_jobs WHERE id = ?", "SJ999").Scan(&status)
		require.Error(t, err)
		assert.True(t, errors.Is(err, sql.ErrNoRows), "stores rely on matching sql.ErrNoRows")

		assert.NoError(t, mock.ExpectationsWereMet())
	})
}

func TestGatewayAgainstSQLite(t *testing.T) {
	// End-to-end through a real driver, no mocks
	sqlDB, err := Open(":memory:", nil)
	require.NoError(t, err)
	defer sqlDB.Close()

	_, err = sqlDB.Exec("CREATE TABLE notes (id INTEGER PRIMARY KEY, body TEXT)")
	require.NoError(t, err)

	gateway := NewGateway(sqlDB, nil)

	result, err := gateway.Exec("INSERT INTO notes (body) VALUES (?)", "first")
	require.NoError(t, err)
	id, err := result.LastInsertId()
	require.NoError(t, err)
	assert.Equal(t, int64(1), id)

	var body string
	err = gateway.QueryRow("SELECT body FROM notes WHERE id = ?", id).Scan(&body)
	require.NoError(t, err)
	assert.Equal(t, "first", body)

	rows, err := gateway.Query("SELECT body FROM notes")
	require.NoError(t, err)
	defer rows.Close()
	var count int
	for rows.Next() {
		count++
	}
	require.NoError(t, rows.Err())
	assert.Equal(t, 1, count)
}

func TestIsTransient(t *testing.T) {
	tests := []struct {
		name      string
		err       error
		transient bool
	}{
		{"nil", nil, false},
		{"busy", errors.New("database is locked"), true},
		{"table locked", errors.New("database table is locked"), true},
		{"disk io", errors.New("disk I/O error"), true},
		{"no rows", sql.ErrNoRows, false},
		{"constraint", errors.New("UNIQUE constraint failed: scheduled_jobs.id"), false},
		{"missing table", errors.New("no such table: scheduled_jobs"), false},
		{"closed", errors.New("sql: database is closed"), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.transient, IsTransient(tt.err))
		})
	}
}
