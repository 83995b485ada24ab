// Package consultation implements the Consultation Coordinator (§4.6):
// the consultation request/response state machine, idempotent replay of
// desk-unit responses keyed by message id, and the background sweep that
// expires stale pending requests.
package consultation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/Rjrtgarcia/consultease/internal/errs"
	"github.com/Rjrtgarcia/consultease/internal/fanout"
	"github.com/Rjrtgarcia/consultease/internal/model"
	"github.com/Rjrtgarcia/consultease/internal/persistence"
	"github.com/Rjrtgarcia/consultease/internal/telemetry"
)

// ExpiryWindow is how long a PENDING request survives before the sweep
// marks it EXPIRED.
const ExpiryWindow = 5 * time.Minute

// allowedTransitions enumerates the state machine's edges. A transition
// not listed here is rejected with *errs.InvalidTransition.
var allowedTransitions = map[model.ConsultationStatus][]model.ConsultationStatus{
	model.StatusPending: {
		model.StatusAccepted,
		model.StatusBusy,
		model.StatusCancelled,
		model.StatusExpired,
	},
	model.StatusAccepted: {
		model.StatusCompleted,
	},
}

func transitionAllowed(from, to model.ConsultationStatus) bool {
	for _, allowed := range allowedTransitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}

// Coordinator is the Consultation Coordinator.
type Coordinator struct {
	store  *persistence.Store
	fanout *fanout.Registry
	log    *slog.Logger

	nextSeq atomic.Int64
}

// New constructs a Coordinator.
func New(store *persistence.Store, f *fanout.Registry, log *slog.Logger) *Coordinator {
	return &Coordinator{store: store, fanout: f, log: log}
}

// nextMessageID produces a monotonically increasing, process-unique
// idempotency key attached to every outbound consultation request so a
// desk unit's eventual response can be matched back to it exactly once.
func (c *Coordinator) nextMessageID() string {
	seq := c.nextSeq.Add(1)
	return fmt.Sprintf("consult-%d-%d", time.Now().UnixNano(), seq)
}

// Submit records a new consultation request in PENDING status.
func (c *Coordinator) Submit(ctx context.Context, studentID, facultyID int64, course, message string, desiredDurationMinutes int) (model.Consultation, error) {
	if desiredDurationMinutes <= 0 {
		desiredDurationMinutes = 15
	}

	consult := model.Consultation{
		MessageID:              c.nextMessageID(),
		StudentID:              studentID,
		FacultyID:              facultyID,
		Course:                 course,
		Message:                message,
		DesiredDurationMinutes: desiredDurationMinutes,
		Status:                 model.StatusPending,
		RequestedAt:            time.Now(),
	}

	err := c.store.WithSession(ctx, func(ctx context.Context, tx *sqlx.Tx) error {
		id, err := c.store.CreateConsultationTx(ctx, tx, consult)
		if err != nil {
			return err
		}
		consult.ID = id
		return nil
	})
	if err != nil {
		return model.Consultation{}, err
	}

	telemetry.ConsultationsByStatusTotal.WithLabelValues(string(model.StatusPending)).Inc()
	c.publish(consult, "created")
	return consult, nil
}

// OnResponse applies a desk-unit response (accept/busy/cancel) to the
// consultation identified by messageID. A response for an already
// terminal or already-applied message id is treated as an idempotent
// replay: the stored consultation is returned unchanged, not an error.
// A response that races the request's own commit gets one 100ms-delayed
// retry lookup before being reported as dropped.
func (c *Coordinator) OnResponse(ctx context.Context, messageID string, to model.ConsultationStatus) (model.Consultation, error) {
	consult, err := c.lookupWithRetry(ctx, messageID)
	if err != nil {
		telemetry.ConsultationResponsesDroppedTotal.Inc()
		return model.Consultation{}, err
	}

	if consult.Status == to {
		return consult, nil // idempotent replay of an already-applied response
	}
	if consult.Status.Terminal() {
		return consult, nil // response for a request that's already settled
	}

	return c.transition(ctx, consult.ID, consult.Status, to)
}

func (c *Coordinator) lookupWithRetry(ctx context.Context, messageID string) (model.Consultation, error) {
	consult, err := c.store.GetConsultationByMessageID(ctx, messageID)
	if err == nil {
		return consult, nil
	}
	var nf *errs.NotFound
	if !errors.As(err, &nf) {
		return model.Consultation{}, err
	}

	select {
	case <-time.After(100 * time.Millisecond):
	case <-ctx.Done():
		return model.Consultation{}, ctx.Err()
	}
	return c.store.GetConsultationByMessageID(ctx, messageID)
}

// Cancel transitions a PENDING consultation to CANCELLED, used when a
// student withdraws a request before the faculty member responds.
func (c *Coordinator) Cancel(ctx context.Context, consultationID int64) (model.Consultation, error) {
	consult, err := c.get(ctx, consultationID)
	if err != nil {
		return model.Consultation{}, err
	}
	return c.transition(ctx, consult.ID, consult.Status, model.StatusCancelled)
}

// Complete transitions an ACCEPTED consultation to COMPLETED, signaling
// the meeting concluded.
func (c *Coordinator) Complete(ctx context.Context, consultationID int64) (model.Consultation, error) {
	consult, err := c.get(ctx, consultationID)
	if err != nil {
		return model.Consultation{}, err
	}
	return c.transition(ctx, consult.ID, consult.Status, model.StatusCompleted)
}

func (c *Coordinator) get(ctx context.Context, id int64) (model.Consultation, error) {
	var out model.Consultation
	err := c.store.WithSession(ctx, func(ctx context.Context, tx *sqlx.Tx) error {
		v, err := c.store.GetConsultationTx(ctx, tx, id)
		out = v
		return err
	})
	return out, err
}

func (c *Coordinator) transition(ctx context.Context, id int64, from, to model.ConsultationStatus) (model.Consultation, error) {
	if !transitionAllowed(from, to) {
		return model.Consultation{}, errs.NewInvalidTransition(string(from), string(to))
	}

	var result model.Consultation
	err := c.store.WithSession(ctx, func(ctx context.Context, tx *sqlx.Tx) error {
		fresh, err := c.store.GetConsultationTx(ctx, tx, id)
		if err != nil {
			return err
		}
		if fresh.Status != from {
			if !transitionAllowed(fresh.Status, to) {
				return errs.NewInvalidTransition(string(fresh.Status), string(to))
			}
			from = fresh.Status
		}

		ok, err := c.store.UpdateConsultationStatusTx(ctx, tx, id, from, to, time.Now())
		if err != nil {
			return err
		}
		if !ok {
			return errs.NewConflict("consultation %d status changed concurrently", id)
		}

		result, err = c.store.GetConsultationTx(ctx, tx, id)
		return err
	})
	if err != nil {
		return model.Consultation{}, err
	}

	telemetry.ConsultationsByStatusTotal.WithLabelValues(string(to)).Inc()
	c.publish(result, kindFor(to))
	return result, nil
}

func kindFor(status model.ConsultationStatus) string {
	switch status {
	case model.StatusAccepted:
		return "accepted"
	case model.StatusBusy:
		return "busy"
	case model.StatusCompleted:
		return "completed"
	case model.StatusCancelled:
		return "cancelled"
	case model.StatusExpired:
		return "expired"
	default:
		return "created"
	}
}

func (c *Coordinator) publish(consult model.Consultation, kind string) {
	if c.fanout == nil {
		return
	}
	c.fanout.PublishConsultation(model.ConsultationEvent{
		Consultation: consult,
		Kind:         kind,
		Timestamp:    time.Now(),
	})
}

// SweepExpired transitions every PENDING consultation older than
// ExpiryWindow to EXPIRED. Called on a 60s ticker by the System
// Coordinator.
func (c *Coordinator) SweepExpired(ctx context.Context) error {
	stale, err := c.store.ListStalePending(ctx, time.Now().Add(-ExpiryWindow))
	if err != nil {
		return err
	}
	for _, s := range stale {
		if _, err := c.transition(ctx, s.ID, model.StatusPending, model.StatusExpired); err != nil && c.log != nil {
			c.log.Warn("expiry sweep failed", "consultation_id", s.ID, "error", err)
		}
	}
	return nil
}
