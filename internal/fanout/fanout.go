// Package fanout implements the Subscriber Fan-out (§4.8): a thread-safe
// callback registry that synchronously delivers immutable event
// snapshots to every registered subscriber, isolating each callback's
// panics and errors from the others and from the caller.
package fanout

import (
	"log/slog"
	"sync"

	"github.com/Rjrtgarcia/consultease/internal/model"
)

// StatusChangeFunc receives one faculty presence change.
type StatusChangeFunc func(model.StatusChangeEvent)

// ConsultationFunc receives one consultation lifecycle event.
type ConsultationFunc func(model.ConsultationEvent)

// Registry holds the current subscriber set for both event kinds.
type Registry struct {
	log *slog.Logger

	mu                sync.RWMutex
	statusSubs        map[int]StatusChangeFunc
	consultationSubs  map[int]ConsultationFunc
	nextStatusID      int
	nextConsultID     int
}

// New constructs an empty Registry.
func New(log *slog.Logger) *Registry {
	return &Registry{
		log:              log,
		statusSubs:       make(map[int]StatusChangeFunc),
		consultationSubs: make(map[int]ConsultationFunc),
	}
}

// SubscribeStatusChange registers fn and returns a token to unsubscribe.
func (r *Registry) SubscribeStatusChange(fn StatusChangeFunc) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	id := r.nextStatusID
	r.nextStatusID++
	r.statusSubs[id] = fn
	return id
}

// UnsubscribeStatusChange removes a prior subscription.
func (r *Registry) UnsubscribeStatusChange(id int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.statusSubs, id)
}

// SubscribeConsultation registers fn and returns a token to unsubscribe.
func (r *Registry) SubscribeConsultation(fn ConsultationFunc) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	id := r.nextConsultID
	r.nextConsultID++
	r.consultationSubs[id] = fn
	return id
}

// UnsubscribeConsultation removes a prior subscription.
func (r *Registry) UnsubscribeConsultation(id int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.consultationSubs, id)
}

// PublishStatusChange delivers evt to every status subscriber, in no
// particular order, synchronously, recovering any callback panic so
// one broken subscriber can't take down the presence engine that called
// this.
func (r *Registry) PublishStatusChange(evt model.StatusChangeEvent) {
	r.mu.RLock()
	subs := make([]StatusChangeFunc, 0, len(r.statusSubs))
	for _, fn := range r.statusSubs {
		subs = append(subs, fn)
	}
	r.mu.RUnlock()

	for _, fn := range subs {
		r.safeCallStatus(fn, evt)
	}
}

func (r *Registry) safeCallStatus(fn StatusChangeFunc, evt model.StatusChangeEvent) {
	defer func() {
		if rec := recover(); rec != nil && r.log != nil {
			r.log.Error("status change subscriber panicked", "panic", rec)
		}
	}()
	fn(evt)
}

// PublishConsultation delivers evt to every consultation subscriber.
func (r *Registry) PublishConsultation(evt model.ConsultationEvent) {
	r.mu.RLock()
	subs := make([]ConsultationFunc, 0, len(r.consultationSubs))
	for _, fn := range r.consultationSubs {
		subs = append(subs, fn)
	}
	r.mu.RUnlock()

	for _, fn := range subs {
		r.safeCallConsultation(fn, evt)
	}
}

func (r *Registry) safeCallConsultation(fn ConsultationFunc, evt model.ConsultationEvent) {
	defer func() {
		if rec := recover(); rec != nil && r.log != nil {
			r.log.Error("consultation subscriber panicked", "panic", rec)
		}
	}()
	fn(evt)
}
