package model

import (
	"testing"
	"time"
)

func TestConsultationStatusTerminal(t *testing.T) {
	cases := map[ConsultationStatus]bool{
		StatusPending:   false,
		StatusAccepted:  false,
		StatusBusy:      false,
		StatusCompleted: true,
		StatusCancelled: true,
		StatusExpired:   true,
	}
	for status, want := range cases {
		if got := status.Terminal(); got != want {
			t.Errorf("%s.Terminal() = %v, want %v", status, got, want)
		}
	}
}

func TestPendingStatusUpdateStale(t *testing.T) {
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	update := PendingStatusUpdate{ReceivedAt: now.Add(-10 * time.Minute)}

	if !update.Stale(now, 5*time.Minute) {
		t.Error("expected update older than window to be stale")
	}
	if update.Stale(now, 15*time.Minute) {
		t.Error("expected update within window to not be stale")
	}
}
