package reservation

import (
	"fmt"
	"time"
)

type Transition string

const (
	TransitionProposeAlternates Transition = "propose_alternates"
	TransitionAcceptProposal    Transition = "accept_proposal"
	TransitionRejectProposal    Transition = "reject_proposal"
	TransitionConfirm           Transition = "confirm"
	TransitionCancel            Transition = "cancel"
	TransitionComplete          Transition = "complete"
)

// legalFrom lists the statuses each transition may start from. Transitions
// attempted from any other status fail with ErrIllegalTransition and leave
// the record untouched.
var legalFrom = map[Transition][]Status{
	TransitionProposeAlternates: {StatusRequested, StatusNeedsChange},
	TransitionAcceptProposal:    {StatusNeedsChange},
	TransitionRejectProposal:    {StatusNeedsChange},
	TransitionConfirm:           {StatusRequested},
	TransitionCancel:            {StatusRequested, StatusNeedsChange, StatusRescheduled},
	TransitionComplete:          {StatusRescheduled, StatusRequested},
}

func (r *Reservation) guard(t Transition) error {
	for _, s := range legalFrom[t] {
		if r.Status == s {
			return nil
		}
	}
	return fmt.Errorf("%w: cannot %s a reservation in status %q", ErrIllegalTransition, t, r.Status)
}

// ProposeAlternates records a provider counter-offer. A repeat proposal from
// needs_change replaces the pending list and invalidates any prior patient
// decision in flight.
func (r *Reservation) ProposeAlternates(alternates []TimeSlot, now time.Time) error {
	if err := r.guard(TransitionProposeAlternates); err != nil {
		return err
	}
	if len(alternates) == 0 {
		return fmt.Errorf("%w: alternate slot list is empty", ErrValidation)
	}
	if err := validateRanks(alternates); err != nil {
		return err
	}

	r.Status = StatusNeedsChange
	r.ProposedSlots = alternates
	r.AcceptedRank = nil
	r.StatusChangedAt = now
	return nil
}

// AcceptProposal settles the negotiation on the proposed slot with the given
// rank. The proposed list is cleared; the chosen slot is snapshotted as the
// scheduled start time.
func (r *Reservation) AcceptProposal(rank int, now time.Time) error {
	if err := r.guard(TransitionAcceptProposal); err != nil {
		return err
	}
	slot := findSlot(r.ProposedSlots, rank)
	if slot == nil {
		return fmt.Errorf("%w: no proposed slot with rank %d", ErrValidation, rank)
	}

	r.Status = StatusRescheduled
	r.AcceptedRank = &rank
	r.ScheduledAt = &slot.StartsAt
	r.ScheduledTimezone = &slot.SourceTimezone
	r.ProposedSlots = nil
	r.StatusChangedAt = now
	return nil
}

// RejectProposal reverts the negotiation to the original request.
func (r *Reservation) RejectProposal(now time.Time) error {
	if err := r.guard(TransitionRejectProposal); err != nil {
		return err
	}

	r.Status = StatusRequested
	r.ProposedSlots = nil
	r.AcceptedRank = nil
	r.StatusChangedAt = now
	return nil
}

// Confirm accepts one of the patient's requested slots as-is. The status
// stays requested; the confirmation timestamp marks the reservation as
// settled and eligible for completion.
func (r *Reservation) Confirm(rank int, now time.Time) error {
	if err := r.guard(TransitionConfirm); err != nil {
		return err
	}
	slot := findSlot(r.RequestedSlots, rank)
	if slot == nil {
		return fmt.Errorf("%w: no requested slot with rank %d", ErrValidation, rank)
	}

	r.ConfirmedAt = &now
	r.ScheduledAt = &slot.StartsAt
	r.ScheduledTimezone = &slot.SourceTimezone
	r.StatusChangedAt = now
	return nil
}

// MarkCancelled records a terminal cancellation by either actor.
func (r *Reservation) MarkCancelled(actor ActorRole, reason, code string, now time.Time) error {
	if r.Status.Terminal() {
		return fmt.Errorf("%w: cannot cancel a reservation in status %q", ErrIllegalTransition, r.Status)
	}

	r.Status = StatusCancelled
	r.ProposedSlots = nil
	r.AcceptedRank = nil
	r.Cancel = &CancelInfo{
		Actor:       actor,
		Reason:      reason,
		Code:        code,
		CancelledAt: now,
	}
	r.StatusChangedAt = now
	return nil
}

// MarkCompleted closes out a settled reservation. Legal from rescheduled or
// from a requested reservation the provider has confirmed.
func (r *Reservation) MarkCompleted(now time.Time) error {
	if err := r.guard(TransitionComplete); err != nil {
		return err
	}
	if r.Status == StatusRequested && !r.Confirmed() {
		return fmt.Errorf("%w: cannot complete an unconfirmed request", ErrIllegalTransition)
	}

	r.Status = StatusCompleted
	r.StatusChangedAt = now
	return nil
}

func validateRanks(slots []TimeSlot) error {
	seen := make(map[int]struct{}, len(slots))
	for _, s := range slots {
		if s.Rank < 1 {
			return fmt.Errorf("%w: slot rank %d is not positive", ErrValidation, s.Rank)
		}
		if _, dup := seen[s.Rank]; dup {
			return fmt.Errorf("%w: duplicate slot rank %d", ErrValidation, s.Rank)
		}
		seen[s.Rank] = struct{}{}
	}
	return nil
}
