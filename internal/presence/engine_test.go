package presence

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/Rjrtgarcia/consultease/internal/model"
)

func TestLockForReturnsSameMutexForSameFaculty(t *testing.T) {
	e := &Engine{locks: make(map[int64]*sync.Mutex)}
	a := e.lockFor(7)
	b := e.lockFor(7)
	assert.Same(t, a, b)
}

func TestLockForReturnsDistinctMutexesForDifferentFaculty(t *testing.T) {
	e := &Engine{locks: make(map[int64]*sync.Mutex)}
	a := e.lockFor(1)
	b := e.lockFor(2)
	assert.NotSame(t, a, b)
}

func TestDeferUpdateKeepsOnlyMostRecentPerFaculty(t *testing.T) {
	e := &Engine{pending: make(map[int64]model.PendingStatusUpdate)}

	e.deferUpdate(1, true, time.Unix(100, 0), "beacon")
	e.deferUpdate(1, false, time.Unix(200, 0), "explicit")

	assert.Len(t, e.pending, 1)
	assert.False(t, e.pending[1].Present)
	assert.Equal(t, "explicit", e.pending[1].Source)
}

func TestDeferUpdateTracksMultipleFaculty(t *testing.T) {
	e := &Engine{pending: make(map[int64]model.PendingStatusUpdate)}

	e.deferUpdate(1, true, time.Unix(100, 0), "beacon")
	e.deferUpdate(2, true, time.Unix(100, 0), "beacon")

	assert.Len(t, e.pending, 2)
}
