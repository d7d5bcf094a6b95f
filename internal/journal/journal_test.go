package journal

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sampleEntry(id, status string, finished time.Time) Entry {
	return Entry{
		LocalID:    id,
		Kind:       "purchase",
		TxHash:     "0xabc",
		Status:     status,
		StartedAt:  finished.Add(-time.Second),
		FinishedAt: finished,
	}
}

func TestMemoryJournalKeepsFirstRecord(t *testing.T) {
	j := NewMemoryJournal()
	ctx := context.Background()
	now := time.Now()

	require.NoError(t, j.Record(ctx, sampleEntry("a", "timed_out", now)))
	require.NoError(t, j.Record(ctx, sampleEntry("a", "confirmed", now)))
	require.NoError(t, j.Record(ctx, sampleEntry("b", "confirmed", now.Add(time.Second))))

	all, err := j.List(ctx, Filter{})
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, "b", all[0].LocalID)

	timedOut, err := j.List(ctx, Filter{Status: "timed_out"})
	require.NoError(t, err)
	require.Len(t, timedOut, 1)
	assert.Equal(t, "a", timedOut[0].LocalID)

	limited, err := j.List(ctx, Filter{Limit: 1})
	require.NoError(t, err)
	assert.Len(t, limited, 1)
}

func newMockJournal(t *testing.T) (*PostgresJournal, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return NewPostgresJournal(sqlx.NewDb(db, "postgres")), mock
}

func TestPostgresJournalRecord(t *testing.T) {
	j, mock := newMockJournal(t)
	e := sampleEntry("local-1", "failed", time.Now().UTC())
	e.ErrorKind = "CHAIN_ERROR"

	mock.ExpectExec("INSERT INTO reconcile_journal").
		WithArgs(e.LocalID, e.Kind, e.TxHash, e.AuthoritativeID, e.Status, e.ErrorKind, e.ErrorMessage, e.StartedAt, e.FinishedAt).
		WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, j.Record(context.Background(), e))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresJournalList(t *testing.T) {
	j, mock := newMockJournal(t)
	finished := time.Now().UTC()

	rows := sqlmock.NewRows([]string{"local_id", "kind", "tx_hash", "authoritative_id", "status", "error_kind", "error_message", "started_at", "finished_at"}).
		AddRow("local-1", "submission", "0xabc", "0xdef", "timed_out", "", "", finished.Add(-time.Minute), finished)
	mock.ExpectQuery("SELECT local_id, kind").
		WithArgs("timed_out", 100).
		WillReturnRows(rows)

	entries, err := j.List(context.Background(), Filter{Status: "timed_out"})
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "0xdef", entries[0].AuthoritativeID)
	assert.Equal(t, "submission", entries[0].Kind)
	require.NoError(t, mock.ExpectationsWereMet())
}
