package persistence

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/sony/gobreaker"

	"github.com/Rjrtgarcia/consultease/internal/telemetry"
)

// restartGracePeriod is how long must have elapsed since the last
// successful probe before a restart is attempted (§4.1 condition 3),
// distinct from cooldown (condition 2), which gates how long must have
// elapsed since the *previous restart*.
const restartGracePeriod = 5 * time.Minute

// drainTimeout bounds how long a restart waits for in-flight queries to
// finish against the pool being replaced.
const drainTimeout = 30 * time.Second

// RebuildFunc dials a fresh connection pool for the configured backend.
// Supplied by the caller (internal/app), which owns the backend choice
// and connection string the persistence package has no knowledge of.
type RebuildFunc func(ctx context.Context) (*sqlx.DB, error)

// HealthMonitor periodically probes the persistence layer, trips a
// circuit breaker after repeated failures, and — once all three of
// §4.1's restart conditions hold — drains, disposes, and rebuilds the
// underlying pool. It gives the System Coordinator a single atomic
// boolean to branch deferred-update handling on instead of re-deriving
// liveness from scattered error returns.
type HealthMonitor struct {
	store    *Store
	interval time.Duration
	cooldown time.Duration
	rebuild  RebuildFunc
	log      *slog.Logger

	breaker *gobreaker.CircuitBreaker
	healthy atomic.Bool

	mu          sync.Mutex
	lastRestart time.Time
	lastSuccess time.Time

	stopCh chan struct{}
	doneCh chan struct{}
}

// NewHealthMonitor wires a circuit breaker over store's ping, tripping
// after 5 consecutive failures. rebuild is called to dial a replacement
// pool once a restart is warranted; a nil rebuild disables the restart
// step entirely (the monitor then only reports liveness).
func NewHealthMonitor(store *Store, interval, cooldown time.Duration, rebuild RebuildFunc, log *slog.Logger) *HealthMonitor {
	h := &HealthMonitor{
		store:       store,
		interval:    interval,
		cooldown:    cooldown,
		rebuild:     rebuild,
		log:         log,
		lastSuccess: time.Now(),
		stopCh:      make(chan struct{}),
		doneCh:      make(chan struct{}),
	}
	h.healthy.Store(true)

	h.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    "persistence",
		Timeout: cooldown,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			h.healthy.Store(to != gobreaker.StateOpen)
		},
	})
	return h
}

// Healthy reports the persistence layer's current liveness without
// blocking — callers on the hot path (presence updates) check this
// before attempting a write.
func (h *HealthMonitor) Healthy() bool { return h.healthy.Load() }

// Run probes the store every interval until ctx is cancelled or Stop is
// called.
func (h *HealthMonitor) Run(ctx context.Context) {
	defer close(h.doneCh)
	ticker := time.NewTicker(h.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-h.stopCh:
			return
		case <-ticker.C:
			h.probe(ctx)
		}
	}
}

func (h *HealthMonitor) probe(ctx context.Context) {
	probeCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	_, err := h.breaker.Execute(func() (any, error) {
		return nil, h.store.conn().PingContext(probeCtx)
	})

	if err == nil {
		h.mu.Lock()
		h.lastSuccess = time.Now()
		h.mu.Unlock()
		return
	}

	if h.shouldRestart() {
		h.restart(ctx)
	}
}

// shouldRestart evaluates §4.1's three restart conditions together:
// consecutive failures at or above the breaker's trip threshold, the
// inter-restart cooldown elapsed, and the grace period since the last
// successful probe elapsed. gobreaker clears its counts when it trips,
// so an open breaker is what records the reached threshold.
func (h *HealthMonitor) shouldRestart() bool {
	if h.rebuild == nil {
		return false
	}
	if h.breaker.State() != gobreaker.StateOpen && h.breaker.Counts().ConsecutiveFailures < 5 {
		return false
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if !h.lastRestart.IsZero() && time.Since(h.lastRestart) < h.cooldown {
		return false
	}
	if !h.lastSuccess.IsZero() && time.Since(h.lastSuccess) < restartGracePeriod {
		return false
	}
	return true
}

// restart implements §4.1's restart sequence: wait up to drainTimeout
// for in-flight queries to finish against the current pool, dispose of
// it, rebuild a fresh one, and reset the failure/restart bookkeeping.
func (h *HealthMonitor) restart(ctx context.Context) {
	if h.log != nil {
		h.log.Warn("persistence restart starting", "consecutive_failures", h.breaker.Counts().ConsecutiveFailures)
	}

	drainCtx, cancel := context.WithTimeout(ctx, drainTimeout)
	defer cancel()
	h.waitForDrain(drainCtx)

	old := h.store.conn()
	newDB, err := h.rebuild(ctx)
	if err != nil {
		if h.log != nil {
			h.log.Error("persistence restart failed to rebuild pool", "error", err)
		}
		return
	}

	h.store.swapDB(newDB)
	if cerr := old.Close(); cerr != nil && h.log != nil {
		h.log.Warn("closing disposed persistence pool", "error", cerr)
	}

	h.mu.Lock()
	h.lastRestart = time.Now()
	h.mu.Unlock()

	telemetry.PersistenceRestartsTotal.Inc()
	if h.log != nil {
		h.log.Info("persistence restart complete")
	}

	// A successful probe against the rebuilt pool resets the breaker's
	// consecutive-failure count and lastSuccess together, completing
	// step (d) without reaching into the breaker's internals.
	h.probe(ctx)
}

func (h *HealthMonitor) waitForDrain(ctx context.Context) {
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()
	for {
		if h.store.conn().Stats().InUse == 0 {
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// Stop halts the probing loop and waits for Run to return.
func (h *HealthMonitor) Stop() {
	close(h.stopCh)
	<-h.doneCh
}
