// Package presence implements the Faculty Presence Engine (§4.5): the
// component that turns a desk unit's reported presence state into a
// durable row change, using per-faculty serialization, optimistic
// concurrency on the stored row, and a deferred-update path for when
// persistence is down. The Engine is a passive recorder of presence: it
// never derives present from a timer itself, only from what a desk unit
// explicitly reports, per §4.5/§8's core/desk boundary.
package presence

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/jmoiron/sqlx"

	"github.com/Rjrtgarcia/consultease/internal/cache"
	"github.com/Rjrtgarcia/consultease/internal/errs"
	"github.com/Rjrtgarcia/consultease/internal/fanout"
	"github.com/Rjrtgarcia/consultease/internal/macaddr"
	"github.com/Rjrtgarcia/consultease/internal/model"
	"github.com/Rjrtgarcia/consultease/internal/persistence"
	"github.com/Rjrtgarcia/consultease/internal/telemetry"
)

// Health reports whether persistence is currently reachable, letting the
// engine route updates to the deferred path instead of blocking on a
// doomed write.
type Health interface {
	Healthy() bool
}

// Engine is the Faculty Presence Engine.
type Engine struct {
	store  *persistence.Store
	cache  *cache.Coordinator
	fanout *fanout.Registry
	health Health
	log    *slog.Logger

	locksMu sync.Mutex
	locks   map[int64]*sync.Mutex

	pendingMu sync.Mutex
	pending   map[int64]model.PendingStatusUpdate
}

// New constructs an Engine over its collaborators.
func New(store *persistence.Store, c *cache.Coordinator, f *fanout.Registry, health Health, log *slog.Logger) *Engine {
	return &Engine{
		store:   store,
		cache:   c,
		fanout:  f,
		health:  health,
		log:     log,
		locks:   make(map[int64]*sync.Mutex),
		pending: make(map[int64]model.PendingStatusUpdate),
	}
}

// lockFor returns the per-faculty mutex, looking it up and creating it
// under locksMu so concurrent sightings for the same faculty
// member serialize without serializing unrelated faculty members against
// each other.
func (e *Engine) lockFor(id int64) *sync.Mutex {
	e.locksMu.Lock()
	defer e.locksMu.Unlock()
	l, ok := e.locks[id]
	if !ok {
		l = &sync.Mutex{}
		e.locks[id] = l
	}
	return l
}

// statusUpdate carries every column UpdateFacultyTx can independently
// set. A nil field means "leave this column unchanged", letting
// HandleStatusUpdate, HandleMacStatus, and HandleHeartbeat all share one
// optimistic-write path without one call clobbering a column the others
// don't touch.
type statusUpdate struct {
	present       *bool
	lastSeen      *time.Time
	inGracePeriod *bool
	beaconMAC     *string
	ntpSyncStatus *model.NTPSyncStatus
}

// HandleStatusUpdate applies an incoming presence update reported
// directly by a faculty member's own desk unit over
// consultease/faculty/{id}/status (§6). It extends the spec's named
// three-argument contract (facultyId, present, source) with the two
// other fields that wire payload also reports — inGracePeriod and
// ntpSyncStatus — so both persist faithfully instead of being silently
// dropped; see DESIGN.md. The Engine stores inGracePeriod exactly as
// reported and never derives or overrides it on a timer: per §4.5/§8,
// the desk unit owns grace-period debouncing, the core only records the
// flag.
func (e *Engine) HandleStatusUpdate(ctx context.Context, facultyID int64, present bool, inGracePeriod bool, ntpSyncStatus model.NTPSyncStatus, source string) (model.Faculty, error) {
	now := time.Now()
	if !e.health.Healthy() {
		e.deferUpdate(facultyID, present, now, source)
		telemetry.PresenceUpdatesDeferredTotal.Inc()
		return model.Faculty{}, nil
	}

	return e.applyWithRetry(ctx, facultyID, statusUpdate{
		present:       &present,
		lastSeen:      &now,
		inGracePeriod: &inGracePeriod,
		ntpSyncStatus: &ntpSyncStatus,
	}, source)
}

// HandleMacStatus applies a MAC-status report from
// consultease/faculty/{id}/mac_status (§6): it normalizes mac, applies
// the reported present value, and reconciles the stored beacon MAC for
// facultyID if it differs from what's on file. Unlike HandleStatusUpdate,
// a MAC reconciliation while persistence is unhealthy is dropped rather
// than deferred — the desk unit republishes mac_status on its own
// interval, so the reconciliation is retried for free on its next beat,
// and the deferred-update queue models presence changes only.
func (e *Engine) HandleMacStatus(ctx context.Context, facultyID int64, mac string, present bool) (model.Faculty, error) {
	normalized, err := macaddr.Normalize(mac)
	if err != nil {
		return model.Faculty{}, err
	}

	if !e.health.Healthy() {
		if e.log != nil {
			e.log.Warn("mac status dropped, persistence unhealthy", "faculty_id", facultyID)
		}
		return model.Faculty{}, nil
	}

	now := time.Now()
	return e.applyWithRetry(ctx, facultyID, statusUpdate{
		present:   &present,
		lastSeen:  &now,
		beaconMAC: &normalized,
	}, "mac_status")
}

// HandleHeartbeat records a desk unit's liveness/NTP telemetry from
// consultease/faculty/{id}/heartbeat (§6). A heartbeat is advisory only
// — losing one while persistence is unhealthy has no durability
// requirement the way a presence change does, so it is dropped rather
// than queued for replay.
func (e *Engine) HandleHeartbeat(ctx context.Context, facultyID int64, ntpSyncStatus model.NTPSyncStatus) error {
	if !e.health.Healthy() {
		if e.log != nil {
			e.log.Debug("heartbeat dropped, persistence unhealthy", "faculty_id", facultyID)
		}
		return nil
	}
	_, err := e.applyWithRetry(ctx, facultyID, statusUpdate{ntpSyncStatus: &ntpSyncStatus}, "heartbeat")
	return err
}

// RegisterCallback subscribes fn to post-commit presence change events
// (§4.5's registerCallback), returning a token Unsubscribe can later use.
func (e *Engine) RegisterCallback(fn fanout.StatusChangeFunc) int {
	return e.fanout.SubscribeStatusChange(fn)
}

// applyWithRetry performs the optimistic-concurrency write, retrying
// transient failures with backoff (100ms initial, 10s cap, 5 retries)
// and re-reading the row on a version conflict before retrying. An
// AlwaysAvailable faculty member's present column is always forced to
// true rather than skipped: the write (and version increment) still
// happens, matching §8 end-to-end scenario 5, where the override changes
// the value written but never skips the write itself.
func (e *Engine) applyWithRetry(ctx context.Context, facultyID int64, upd statusUpdate, source string) (model.Faculty, error) {
	lock := e.lockFor(facultyID)
	lock.Lock()
	defer lock.Unlock()

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 100 * time.Millisecond
	b.MaxInterval = 10 * time.Second
	bo := backoff.WithMaxRetries(b, 5)

	var result model.Faculty
	op := func() error {
		f, err := e.store.GetFaculty(ctx, facultyID)
		if err != nil {
			var transient *errs.Transient
			if errors.As(err, &transient) {
				telemetry.PresenceUpdateRetriesTotal.Inc()
				return err
			}
			return backoff.Permanent(err)
		}

		write := upd
		if f.AlwaysAvailable && write.present != nil {
			forced := true
			write.present = &forced
		}

		err = e.store.WithSession(ctx, func(ctx context.Context, tx *sqlx.Tx) error {
			ok, err := e.store.UpdateFacultyTx(ctx, tx, facultyID, write.present, write.lastSeen, write.inGracePeriod, write.beaconMAC, write.ntpSyncStatus, f.Version)
			if err != nil {
				return err
			}
			if !ok {
				return errs.NewConflict("faculty %d version changed concurrently", facultyID)
			}
			return nil
		})
		if err != nil {
			var conflict *errs.Conflict
			var transient *errs.Transient
			if errors.As(err, &conflict) || errors.As(err, &transient) {
				telemetry.PresenceUpdateRetriesTotal.Inc()
				return err // retryable: re-read and try again
			}
			return backoff.Permanent(err)
		}

		if write.present != nil {
			f.Present = *write.present
		}
		if write.lastSeen != nil {
			f.LastSeen = write.lastSeen
		}
		if write.inGracePeriod != nil {
			f.InGracePeriod = *write.inGracePeriod
		}
		if write.beaconMAC != nil {
			f.BeaconMAC = *write.beaconMAC
		}
		if write.ntpSyncStatus != nil {
			f.NTPSyncStatus = *write.ntpSyncStatus
		}
		f.Version++
		result = f
		return nil
	}

	if err := backoff.Retry(op, bo); err != nil {
		return model.Faculty{}, err
	}

	telemetry.PresenceUpdatesAppliedTotal.WithLabelValues(source).Inc()

	// Cache invalidation and fan-out happen strictly after commit, never
	// inside the session above.
	if e.cache != nil {
		if err := e.cache.InvalidateFaculty(ctx, facultyID); err != nil && e.log != nil {
			e.log.Warn("cache invalidation failed", "faculty_id", facultyID, "error", err)
		}
	}
	if upd.present != nil && e.fanout != nil {
		e.fanout.PublishStatusChange(model.StatusChangeEvent{
			FacultyID: result.ID,
			Name:      result.Name,
			Present:   result.Present,
			Timestamp: time.Now(),
		})
	}
	return result, nil
}

// deferUpdate records a presence update to replay once persistence
// recovers, keeping only the most recent update per faculty member —
// the System Coordinator's replay is a catch-up, not a full history
// replay.
func (e *Engine) deferUpdate(facultyID int64, present bool, seenAt time.Time, source string) {
	e.pendingMu.Lock()
	defer e.pendingMu.Unlock()
	e.pending[facultyID] = model.PendingStatusUpdate{
		FacultyID:  facultyID,
		Present:    present,
		ReceivedAt: seenAt,
		Source:     source,
	}
}

// ReplayPending applies every deferred update that is not older than the
// 5-minute staleness window, discarding the rest; called by the System
// Coordinator once it observes persistence has recovered.
func (e *Engine) ReplayPending(ctx context.Context) {
	e.pendingMu.Lock()
	batch := e.pending
	e.pending = make(map[int64]model.PendingStatusUpdate)
	e.pendingMu.Unlock()

	now := time.Now()
	for _, u := range batch {
		if u.Stale(now, 5*time.Minute) {
			continue
		}
		lastSeen := u.ReceivedAt
		present := u.Present
		if _, err := e.applyWithRetry(ctx, u.FacultyID, statusUpdate{present: &present, lastSeen: &lastSeen}, u.Source+"_replay"); err != nil && e.log != nil {
			e.log.Warn("pending update replay failed", "faculty_id", u.FacultyID, "error", err)
		}
	}
}
