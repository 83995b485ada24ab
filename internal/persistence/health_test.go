package persistence

import (
	"context"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newMockHealthMonitor(t *testing.T, rebuild RebuildFunc) (*HealthMonitor, sqlmock.Sqlmock) {
	t.Helper()
	store, mock := newMockStore(t)
	h := NewHealthMonitor(store, time.Hour, time.Hour, rebuild, nil)
	return h, mock
}

func TestShouldRestartRequiresAllThreeConditions(t *testing.T) {
	rebuildCalled := false
	h, _ := newMockHealthMonitor(t, func(ctx context.Context) (*sqlx.DB, error) {
		rebuildCalled = true
		return nil, nil
	})

	// Fresh monitor: no consecutive failures yet.
	assert.False(t, h.shouldRestart())
	assert.False(t, rebuildCalled)
}

func TestShouldRestartFalseDuringCooldown(t *testing.T) {
	h, _ := newMockHealthMonitor(t, func(ctx context.Context) (*sqlx.DB, error) { return nil, nil })
	h.lastRestart = time.Now()
	h.lastSuccess = time.Now().Add(-time.Hour)

	// Even with a tripped breaker, a restart within the cooldown window
	// must not fire again.
	for i := 0; i < 5; i++ {
		_, _ = h.breaker.Execute(func() (any, error) { return nil, assertErr })
	}
	assert.False(t, h.shouldRestart())
}

func TestShouldRestartFalseWithoutRebuildFunc(t *testing.T) {
	h, _ := newMockHealthMonitor(t, nil)
	h.lastSuccess = time.Now().Add(-time.Hour)
	for i := 0; i < 5; i++ {
		_, _ = h.breaker.Execute(func() (any, error) { return nil, assertErr })
	}
	assert.False(t, h.shouldRestart())
}

func TestRestartSwapsPoolAndResetsBookkeeping(t *testing.T) {
	newDB, newMock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	t.Cleanup(func() { _ = newDB.Close() })
	newMock.ExpectPing()

	h, oldMock := newMockHealthMonitor(t, func(ctx context.Context) (*sqlx.DB, error) {
		return sqlx.NewDb(newDB, "postgres"), nil
	})
	h.lastSuccess = time.Now().Add(-time.Hour)
	oldPool := h.store.conn()

	h.restart(context.Background())

	assert.NotSame(t, oldPool, h.store.conn())
	assert.WithinDuration(t, time.Now(), h.lastRestart, time.Second)
	_ = oldMock // the prior pool's mock expectations are irrelevant once disposed
}

var assertErr = errRestartTest{}

type errRestartTest struct{}

func (errRestartTest) Error() string { return "probe failed" }
