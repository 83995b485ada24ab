package syscoord

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Rjrtgarcia/consultease/internal/errs"
)

func TestRunStartsEveryRegisteredService(t *testing.T) {
	c := New(nil, 5, time.Hour)

	var mu sync.Mutex
	var started []string

	record := func(name string) func(ctx context.Context) error {
		return func(ctx context.Context) error {
			mu.Lock()
			started = append(started, name)
			mu.Unlock()
			<-ctx.Done()
			return nil
		}
	}

	c.Register(Service{Name: "c", DependsOn: []string{"b"}, Start: record("c")})
	c.Register(Service{Name: "a", Start: record("a")})
	c.Register(Service{Name: "b", DependsOn: []string{"a"}, Start: record("b")})

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()

	err := c.Run(ctx)
	require.NoError(t, err)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, started, 3)
	assert.Contains(t, started, "a")
	assert.Contains(t, started, "b")
	assert.Contains(t, started, "c")
}

func TestRunDetectsDependencyCycle(t *testing.T) {
	c := New(nil, 5, time.Hour)
	noop := func(ctx context.Context) error { <-ctx.Done(); return nil }

	c.Register(Service{Name: "a", DependsOn: []string{"b"}, Start: noop})
	c.Register(Service{Name: "b", DependsOn: []string{"a"}, Start: noop})

	err := c.Run(context.Background())
	require.Error(t, err)
}

func TestSuperviseLoopRestartsUpToBudgetThenReportsFatal(t *testing.T) {
	c := New(nil, 2, time.Hour)

	attempts := 0
	c.Register(Service{
		Name: "flaky",
		Start: func(ctx context.Context) error {
			attempts++
			return errors.New("boom")
		},
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	err := c.Run(ctx)
	require.Error(t, err)

	var fatal *errs.Fatal
	require.ErrorAs(t, err, &fatal)
	assert.Equal(t, "flaky", fatal.Service)
	assert.Equal(t, 3, attempts) // 1 initial + 2 retries before exceeding budget
}

func TestProbeLoopForcesRestartOfUnhealthyService(t *testing.T) {
	c := New(nil, 5, 20*time.Millisecond)

	var mu sync.Mutex
	starts := 0
	var healthy atomic.Bool
	healthy.Store(true)

	c.Register(Service{
		Name: "stuck",
		Start: func(ctx context.Context) error {
			mu.Lock()
			starts++
			n := starts
			mu.Unlock()
			if n == 1 {
				// First run goes "unhealthy" immediately and then just
				// blocks, as a service wedged on a stuck dependency
				// would, never returning an error on its own.
				healthy.Store(false)
			} else {
				healthy.Store(true)
			}
			<-ctx.Done()
			return nil
		},
		Healthy: healthy.Load,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 1800*time.Millisecond)
	defer cancel()

	_ = c.Run(ctx)

	mu.Lock()
	defer mu.Unlock()
	assert.GreaterOrEqual(t, starts, 2, "probeLoop should have forced a restart of the unhealthy service")
}

func TestSetPersistenceHealthyFiresRecoveryCallbackOnFalseToTrueEdge(t *testing.T) {
	c := New(nil, 5, time.Hour)
	c.SetPersistenceHealthy(false)

	fired := false
	c.OnPersistenceRecovery(func(ctx context.Context) { fired = true })

	c.SetPersistenceHealthy(false)
	assert.False(t, fired, "no edge, no callback")

	c.SetPersistenceHealthy(true)
	assert.True(t, fired, "false->true edge should fire the callback")
}
