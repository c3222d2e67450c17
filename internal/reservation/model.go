package reservation

import (
	"time"

	"github.com/google/uuid"
)

type Status string

const (
	StatusRequested   Status = "requested"
	StatusNeedsChange Status = "needs_change"
	StatusRescheduled Status = "rescheduled"
	StatusCancelled   Status = "cancelled"
	StatusCompleted   Status = "completed"
)

func (s Status) Terminal() bool {
	return s == StatusCancelled || s == StatusCompleted
}

type ActorRole string

const (
	RolePatient  ActorRole = "patient"
	RoleProvider ActorRole = "provider"
)

// TimeSlot is a candidate start time for the consultation. StartsAt is stored
// normalized to UTC; SourceTimezone is retained so the slot can be rendered
// back in the wall-clock time the caller submitted.
type TimeSlot struct {
	Rank           int
	StartsAt       time.Time
	SourceTimezone string
}

type CancelInfo struct {
	Actor       ActorRole
	Reason      string
	Code        string
	CancelledAt time.Time
}

type Patient struct {
	ID        uuid.UUID
	Name      string
	Email     *string
	CreatedAt time.Time
	UpdatedAt time.Time
}

type Provider struct {
	ID        uuid.UUID
	Name      string
	Specialty *string
	CreatedAt time.Time
	UpdatedAt time.Time
}

type Reservation struct {
	ID             uuid.UUID
	PatientID      uuid.UUID
	ProviderID     uuid.UUID
	ConsultationID uuid.UUID

	Status Status

	// RequestedSlots is the patient's original ranked candidate list, fixed
	// at creation. ProposedSlots is the provider's counter-offer, present
	// only while Status is needs_change.
	RequestedSlots []TimeSlot
	ProposedSlots  []TimeSlot

	// AcceptedRank identifies which proposed slot the patient chose; set
	// only when Status is rescheduled.
	AcceptedRank *int

	// ConfirmedAt is set when the provider confirms one of the requested
	// slots as-is. ScheduledAt/ScheduledTimezone snapshot the agreed start
	// time once either side settles on a slot.
	ConfirmedAt       *time.Time
	ScheduledAt       *time.Time
	ScheduledTimezone *string

	Cancel *CancelInfo

	RoomID      *string
	RoomJoinURL *string

	// Display snapshot of the patient's submitted contact details, so list
	// and detail reads do not need a patients join.
	PatientName  string
	PatientEmail *string

	CreatedAt       time.Time
	StatusChangedAt time.Time
}

// Confirmed reports whether the provider has confirmed one of the patient's
// requested slots without a negotiation round.
func (r *Reservation) Confirmed() bool {
	return r.ConfirmedAt != nil
}

func findSlot(slots []TimeSlot, rank int) *TimeSlot {
	for i := range slots {
		if slots[i].Rank == rank {
			return &slots[i]
		}
	}
	return nil
}

// EarliestRequested returns the soonest requested instant, used for sorting
// provider work queues.
func (r *Reservation) EarliestRequested() time.Time {
	var earliest time.Time
	for _, s := range r.RequestedSlots {
		if earliest.IsZero() || s.StartsAt.Before(earliest) {
			earliest = s.StartsAt
		}
	}
	return earliest
}
