// Package model holds the plain value types the coordination core
// passes between layers. Every type here is safe to hold after the
// session that produced it has closed — readers receive snapshots, not
// live row handles.
package model

import "time"

// NTPSyncStatus is the desk unit's reported clock-sync state.
type NTPSyncStatus string

const (
	NTPSynced  NTPSyncStatus = "SYNCED"
	NTPPending NTPSyncStatus = "PENDING"
	NTPFailed  NTPSyncStatus = "FAILED"
)

// Faculty is an immutable snapshot of a faculty row.
type Faculty struct {
	ID              int64
	Name            string
	Department      string
	Email           string
	BeaconMAC       string
	AlwaysAvailable bool
	Present         bool
	LastSeen        *time.Time
	NTPSyncStatus   NTPSyncStatus
	InGracePeriod   bool
	OfficeHours     string
	Version         int64
	CreatedAt       time.Time
}

// Student is an immutable snapshot of a student row.
type Student struct {
	ID         int64
	Name       string
	RFIDUID    string
	Department string
}

// ConsultationStatus is one of the six states of the consultation state
// machine defined in §4.6.
type ConsultationStatus string

const (
	StatusPending   ConsultationStatus = "PENDING"
	StatusAccepted  ConsultationStatus = "ACCEPTED"
	StatusBusy      ConsultationStatus = "BUSY"
	StatusCompleted ConsultationStatus = "COMPLETED"
	StatusCancelled ConsultationStatus = "CANCELLED"
	StatusExpired   ConsultationStatus = "EXPIRED"
)

// Terminal reports whether status is COMPLETED, CANCELLED or EXPIRED.
// BUSY has no outgoing transitions either but is not reported terminal.
func (s ConsultationStatus) Terminal() bool {
	switch s {
	case StatusCompleted, StatusCancelled, StatusExpired:
		return true
	default:
		return false
	}
}

// Consultation is an immutable snapshot of a consultation row.
type Consultation struct {
	ID                     int64
	MessageID              string
	StudentID              int64
	FacultyID              int64
	Course                 string
	Message                string
	DesiredDurationMinutes int
	Status                 ConsultationStatus
	RequestedAt            time.Time
	AcceptedAt             *time.Time
	CompletedAt            *time.Time
}

// Admin is an immutable snapshot of an admin row. The core never
// interprets the credential hash; it exists only so administrator
// mutations (create/delete faculty and students) can be attributed.
type Admin struct {
	ID            int64
	Username      string
	CredentialHash string
}

// PendingStatusUpdate is the transient, in-memory record the Presence
// Engine holds while persistence is unavailable, replayed when the
// System Coordinator reports recovery. It is never written to the
// database.
type PendingStatusUpdate struct {
	FacultyID int64
	Present   bool
	ReceivedAt time.Time
	Source    string
}

// Stale reports whether the update has sat longer than the staleness
// window and should be discarded instead of replayed.
func (p PendingStatusUpdate) Stale(now time.Time, window time.Duration) bool {
	return now.Sub(p.ReceivedAt) > window
}

// StatusChangeEvent is delivered to Subscriber Fan-out callbacks
// registered for presence changes.
type StatusChangeEvent struct {
	FacultyID int64
	Name      string
	Present   bool
	Timestamp time.Time
}

// ConsultationEvent is delivered to Subscriber Fan-out callbacks
// registered for consultation lifecycle changes.
type ConsultationEvent struct {
	Consultation Consultation
	Kind         string // "created", "accepted", "busy", "completed", "cancelled", "expired"
	Timestamp    time.Time
}
