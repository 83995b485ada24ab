package persistence

import (
	"context"
	"database/sql"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/require"

	"github.com/Rjrtgarcia/consultease/internal/errs"
)

func TestGetFacultyReturnsNotFoundOnNoRows(t *testing.T) {
	store, mock := newMockStore(t)
	mock.ExpectQuery("SELECT .* FROM faculty WHERE id = \\$1").
		WithArgs(int64(99)).
		WillReturnError(sql.ErrNoRows)

	_, err := store.GetFaculty(context.Background(), 99)
	var nf *errs.NotFound
	require.ErrorAs(t, err, &nf)
	require.Equal(t, "faculty", nf.Kind)
}

func TestGetFacultyReturnsRow(t *testing.T) {
	store, mock := newMockStore(t)
	now := time.Now()
	rows := sqlmock.NewRows([]string{
		"id", "name", "department", "email", "beacon_mac", "always_available",
		"present", "last_seen", "ntp_sync_status", "in_grace_period",
		"office_hours", "version", "created_at",
	}).AddRow(1, "Dr. Santos", "CS", "santos@example.edu", "aa:bb:cc", false,
		true, now, "SYNCED", false, "MWF 1-3pm", int64(3), now)

	mock.ExpectQuery("SELECT .* FROM faculty WHERE id = \\$1").
		WithArgs(int64(1)).
		WillReturnRows(rows)

	f, err := store.GetFaculty(context.Background(), 1)
	require.NoError(t, err)
	require.Equal(t, "Dr. Santos", f.Name)
	require.Equal(t, int64(3), f.Version)
	require.True(t, f.Present)
}
