package postgres

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/crawlsched/internal/store"
)

func TestInsertActivitiesCopiesRows(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	hs, err := NewHistoryStoreWithPool(mock, "", "")
	require.NoError(t, err)

	now := time.Unix(1700000000, 0).UTC()
	rows := []store.ActivityRow{
		{JobID: "job-1", Connection: "web", Activity: "fetch", Identifier: "https://example.com/", StartedAt: now, ResultCode: "200"},
		{Connection: "web", Activity: "document deletion", Identifier: "https://example.com/gone", StartedAt: now},
	}
	mock.ExpectCopyFrom(pgx.Identifier{"activity_history"}, activityColumns).WillReturnResult(2)

	require.NoError(t, hs.InsertActivities(context.Background(), rows))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestInsertActivitiesShortCopy(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	hs, err := NewHistoryStoreWithPool(mock, "activity_history", "job_events")
	require.NoError(t, err)

	mock.ExpectCopyFrom(pgx.Identifier{"activity_history"}, activityColumns).WillReturnResult(0)
	err = hs.InsertActivities(context.Background(), []store.ActivityRow{{Connection: "web", Activity: "fetch"}})
	require.ErrorContains(t, err, "wrote 0 of 1 rows")
}

func TestInsertJobEvent(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	hs, err := NewHistoryStoreWithPool(mock, "", "")
	require.NoError(t, err)

	at := time.Unix(1700000100, 0).UTC()
	mock.ExpectExec("INSERT INTO job_events").
		WithArgs("job-1", "inactive", "active", at).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	require.NoError(t, hs.InsertJobEvent(context.Background(), store.JobEventRow{
		JobID: "job-1", Status: "inactive", Prior: "active", At: at,
	}))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestInsertJobEventError(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	hs, err := NewHistoryStoreWithPool(mock, "", "")
	require.NoError(t, err)

	mock.ExpectExec("INSERT INTO job_events").WillReturnError(errors.New("boom"))
	err = hs.InsertJobEvent(context.Background(), store.JobEventRow{JobID: "j", Status: "active"})
	require.ErrorContains(t, err, "insert job event")
}

func TestListActivities(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	hs, err := NewHistoryStoreWithPool(mock, "", "")
	require.NoError(t, err)

	now := time.Unix(1700000000, 0).UTC()
	mock.ExpectQuery("SELECT .* FROM activity_history").
		WithArgs("web", 10, 0).
		WillReturnRows(pgxmock.NewRows(activityColumns).
			AddRow("job-1", "web", "fetch", "https://example.com/", now, int64(250), int64(1024), "200", ""))

	got, err := hs.ListActivities(context.Background(), "web", 10, 0)
	require.NoError(t, err)
	require.Len(t, got, 1)
	require.Equal(t, 250*time.Millisecond, got[0].Duration)
	require.Equal(t, int64(1024), got[0].Bytes)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestNewHistoryStoreRejectsBadTable(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	_, err = NewHistoryStoreWithPool(mock, "bad-table;", "")
	require.Error(t, err)
	_, err = NewHistoryStoreWithPool(nil, "", "")
	require.Error(t, err)
}
