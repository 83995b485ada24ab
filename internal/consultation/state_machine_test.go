package consultation

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/Rjrtgarcia/consultease/internal/model"
)

func TestTransitionAllowedFromPending(t *testing.T) {
	for _, to := range []model.ConsultationStatus{model.StatusAccepted, model.StatusBusy, model.StatusCancelled, model.StatusExpired} {
		assert.True(t, transitionAllowed(model.StatusPending, to), "PENDING -> %s should be allowed", to)
	}
}

func TestTransitionAllowedFromAccepted(t *testing.T) {
	assert.True(t, transitionAllowed(model.StatusAccepted, model.StatusCompleted))
	assert.False(t, transitionAllowed(model.StatusAccepted, model.StatusPending))
	assert.False(t, transitionAllowed(model.StatusAccepted, model.StatusCancelled))
}

func TestTransitionDisallowedFromTerminalStates(t *testing.T) {
	for _, from := range []model.ConsultationStatus{model.StatusCompleted, model.StatusCancelled, model.StatusExpired} {
		assert.False(t, transitionAllowed(from, model.StatusAccepted), "%s has no outgoing transitions", from)
	}
}

func TestKindForMapsEveryTerminalAndNonTerminalStatus(t *testing.T) {
	assert.Equal(t, "accepted", kindFor(model.StatusAccepted))
	assert.Equal(t, "busy", kindFor(model.StatusBusy))
	assert.Equal(t, "completed", kindFor(model.StatusCompleted))
	assert.Equal(t, "cancelled", kindFor(model.StatusCancelled))
	assert.Equal(t, "expired", kindFor(model.StatusExpired))
	assert.Equal(t, "created", kindFor(model.StatusPending))
}

func TestNextMessageIDIsUniquePerCall(t *testing.T) {
	c := &Coordinator{}
	first := c.nextMessageID()
	second := c.nextMessageID()
	assert.NotEqual(t, first, second)
}
