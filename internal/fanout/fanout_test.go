package fanout

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Rjrtgarcia/consultease/internal/model"
)

func TestPublishStatusChangeDeliversToAllSubscribers(t *testing.T) {
	reg := New(nil)

	var mu sync.Mutex
	var received []model.StatusChangeEvent

	reg.SubscribeStatusChange(func(evt model.StatusChangeEvent) {
		mu.Lock()
		defer mu.Unlock()
		received = append(received, evt)
	})
	reg.SubscribeStatusChange(func(evt model.StatusChangeEvent) {
		mu.Lock()
		defer mu.Unlock()
		received = append(received, evt)
	})

	reg.PublishStatusChange(model.StatusChangeEvent{FacultyID: 7, Present: true, Timestamp: time.Now()})

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, received, 2)
	assert.Equal(t, int64(7), received[0].FacultyID)
}

func TestUnsubscribeStatusChangeStopsDelivery(t *testing.T) {
	reg := New(nil)
	calls := 0

	id := reg.SubscribeStatusChange(func(model.StatusChangeEvent) { calls++ })
	reg.UnsubscribeStatusChange(id)
	reg.PublishStatusChange(model.StatusChangeEvent{})

	assert.Equal(t, 0, calls)
}

func TestPublishStatusChangeSurvivesPanickingSubscriber(t *testing.T) {
	reg := New(nil)
	secondCalled := false

	reg.SubscribeStatusChange(func(model.StatusChangeEvent) { panic("boom") })
	reg.SubscribeStatusChange(func(model.StatusChangeEvent) { secondCalled = true })

	assert.NotPanics(t, func() {
		reg.PublishStatusChange(model.StatusChangeEvent{})
	})
	assert.True(t, secondCalled, "second subscriber should still run after first panics")
}

func TestPublishConsultationDeliversToSubscribers(t *testing.T) {
	reg := New(nil)
	var got model.ConsultationEvent

	reg.SubscribeConsultation(func(evt model.ConsultationEvent) { got = evt })
	reg.PublishConsultation(model.ConsultationEvent{Kind: "accepted"})

	assert.Equal(t, "accepted", got.Kind)
}
