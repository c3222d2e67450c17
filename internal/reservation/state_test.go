package reservation

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testSlots(ranks ...int) []TimeSlot {
	base := time.Date(2025, 12, 1, 1, 0, 0, 0, time.UTC)
	slots := make([]TimeSlot, 0, len(ranks))
	for i, r := range ranks {
		slots = append(slots, TimeSlot{
			Rank:           r,
			StartsAt:       base.Add(time.Duration(i) * 24 * time.Hour),
			SourceTimezone: "Asia/Seoul",
		})
	}
	return slots
}

func newTestReservation(status Status) *Reservation {
	now := time.Date(2025, 11, 1, 12, 0, 0, 0, time.UTC)
	return &Reservation{
		ID:              uuid.New(),
		PatientID:       uuid.New(),
		ProviderID:      uuid.New(),
		ConsultationID:  uuid.New(),
		Status:          status,
		RequestedSlots:  testSlots(1, 2),
		CreatedAt:       now,
		StatusChangedAt: now,
	}
}

func TestProposeAlternates(t *testing.T) {
	now := time.Now().UTC()

	t.Run("from requested", func(t *testing.T) {
		r := newTestReservation(StatusRequested)
		require.NoError(t, r.ProposeAlternates(testSlots(1), now))

		assert.Equal(t, StatusNeedsChange, r.Status)
		assert.Len(t, r.ProposedSlots, 1)
		assert.Nil(t, r.AcceptedRank)
		assert.Equal(t, now, r.StatusChangedAt)
	})

	t.Run("repeat from needs_change replaces pending list", func(t *testing.T) {
		r := newTestReservation(StatusRequested)
		require.NoError(t, r.ProposeAlternates(testSlots(1, 2, 3), now))
		require.NoError(t, r.ProposeAlternates(testSlots(7), now))

		assert.Equal(t, StatusNeedsChange, r.Status)
		require.Len(t, r.ProposedSlots, 1)
		assert.Equal(t, 7, r.ProposedSlots[0].Rank)
	})

	t.Run("empty list rejected", func(t *testing.T) {
		r := newTestReservation(StatusRequested)
		err := r.ProposeAlternates(nil, now)
		require.ErrorIs(t, err, ErrValidation)
		assert.Equal(t, StatusRequested, r.Status)
	})

	t.Run("duplicate ranks rejected", func(t *testing.T) {
		r := newTestReservation(StatusRequested)
		err := r.ProposeAlternates(testSlots(1, 1), now)
		require.ErrorIs(t, err, ErrValidation)
	})

	t.Run("illegal from cancelled leaves record unchanged", func(t *testing.T) {
		r := newTestReservation(StatusRequested)
		require.NoError(t, r.MarkCancelled(RolePatient, "", "patient_cancelled", now))
		before := *r

		err := r.ProposeAlternates(testSlots(1), now.Add(time.Minute))
		require.ErrorIs(t, err, ErrIllegalTransition)
		assert.Equal(t, before, *r)
	})
}

func TestAcceptProposal(t *testing.T) {
	now := time.Now().UTC()

	t.Run("settles on the chosen slot", func(t *testing.T) {
		r := newTestReservation(StatusRequested)
		require.NoError(t, r.ProposeAlternates(testSlots(1, 2), now))
		chosen := r.ProposedSlots[1]

		require.NoError(t, r.AcceptProposal(2, now))

		assert.Equal(t, StatusRescheduled, r.Status)
		require.NotNil(t, r.AcceptedRank)
		assert.Equal(t, 2, *r.AcceptedRank)
		assert.Empty(t, r.ProposedSlots)
		require.NotNil(t, r.ScheduledAt)
		assert.True(t, r.ScheduledAt.Equal(chosen.StartsAt))
		require.NotNil(t, r.ScheduledTimezone)
		assert.Equal(t, chosen.SourceTimezone, *r.ScheduledTimezone)
	})

	t.Run("unknown rank rejected without mutation", func(t *testing.T) {
		r := newTestReservation(StatusRequested)
		require.NoError(t, r.ProposeAlternates(testSlots(1, 2), now))

		err := r.AcceptProposal(9, now)
		require.ErrorIs(t, err, ErrValidation)
		assert.Equal(t, StatusNeedsChange, r.Status)
		assert.Len(t, r.ProposedSlots, 2)
		assert.Nil(t, r.AcceptedRank)
	})

	t.Run("illegal outside needs_change", func(t *testing.T) {
		for _, status := range []Status{StatusRequested, StatusRescheduled, StatusCancelled, StatusCompleted} {
			r := newTestReservation(status)
			err := r.AcceptProposal(1, now)
			require.ErrorIs(t, err, ErrIllegalTransition, "status %s", status)
		}
	})
}

func TestRejectProposal(t *testing.T) {
	now := time.Now().UTC()

	t.Run("reverts to requested", func(t *testing.T) {
		r := newTestReservation(StatusRequested)
		require.NoError(t, r.ProposeAlternates(testSlots(1), now))

		require.NoError(t, r.RejectProposal(now))

		assert.Equal(t, StatusRequested, r.Status)
		assert.Empty(t, r.ProposedSlots)
		assert.Nil(t, r.AcceptedRank)
		assert.Len(t, r.RequestedSlots, 2, "requested slots never mutated")
	})

	t.Run("illegal outside needs_change", func(t *testing.T) {
		r := newTestReservation(StatusRequested)
		require.ErrorIs(t, r.RejectProposal(now), ErrIllegalTransition)
	})
}

func TestConfirm(t *testing.T) {
	now := time.Now().UTC()

	t.Run("settles a requested slot in place", func(t *testing.T) {
		r := newTestReservation(StatusRequested)
		require.NoError(t, r.Confirm(1, now))

		assert.Equal(t, StatusRequested, r.Status)
		assert.True(t, r.Confirmed())
		require.NotNil(t, r.ScheduledAt)
		assert.True(t, r.ScheduledAt.Equal(r.RequestedSlots[0].StartsAt))
		assert.Nil(t, r.AcceptedRank)
	})

	t.Run("unknown rank rejected", func(t *testing.T) {
		r := newTestReservation(StatusRequested)
		require.ErrorIs(t, r.Confirm(5, now), ErrValidation)
		assert.False(t, r.Confirmed())
	})

	t.Run("illegal during negotiation", func(t *testing.T) {
		r := newTestReservation(StatusNeedsChange)
		require.ErrorIs(t, r.Confirm(1, now), ErrIllegalTransition)
	})
}

func TestMarkCancelled(t *testing.T) {
	now := time.Now().UTC()

	t.Run("legal from every non-terminal status", func(t *testing.T) {
		for _, status := range []Status{StatusRequested, StatusNeedsChange, StatusRescheduled} {
			r := newTestReservation(status)
			require.NoError(t, r.MarkCancelled(RoleProvider, "clinic closed", "provider_cancelled", now), "status %s", status)

			assert.Equal(t, StatusCancelled, r.Status)
			require.NotNil(t, r.Cancel)
			assert.Equal(t, RoleProvider, r.Cancel.Actor)
			assert.Equal(t, "clinic closed", r.Cancel.Reason)
			assert.Equal(t, now, r.Cancel.CancelledAt)
			assert.Empty(t, r.ProposedSlots)
			assert.Nil(t, r.AcceptedRank)
		}
	})

	t.Run("illegal from terminal statuses", func(t *testing.T) {
		for _, status := range []Status{StatusCancelled, StatusCompleted} {
			r := newTestReservation(status)
			before := *r
			require.ErrorIs(t, r.MarkCancelled(RolePatient, "", "patient_cancelled", now), ErrIllegalTransition)
			assert.Equal(t, before, *r)
		}
	})
}

func TestMarkCompleted(t *testing.T) {
	now := time.Now().UTC()

	t.Run("legal from rescheduled", func(t *testing.T) {
		r := newTestReservation(StatusRequested)
		require.NoError(t, r.ProposeAlternates(testSlots(1), now))
		require.NoError(t, r.AcceptProposal(1, now))

		require.NoError(t, r.MarkCompleted(now))
		assert.Equal(t, StatusCompleted, r.Status)
	})

	t.Run("legal from confirmed requested", func(t *testing.T) {
		r := newTestReservation(StatusRequested)
		require.NoError(t, r.Confirm(1, now))

		require.NoError(t, r.MarkCompleted(now))
		assert.Equal(t, StatusCompleted, r.Status)
	})

	t.Run("illegal from unconfirmed requested", func(t *testing.T) {
		r := newTestReservation(StatusRequested)
		require.ErrorIs(t, r.MarkCompleted(now), ErrIllegalTransition)
		assert.Equal(t, StatusRequested, r.Status)
	})

	t.Run("illegal from terminal and negotiating statuses", func(t *testing.T) {
		for _, status := range []Status{StatusNeedsChange, StatusCancelled, StatusCompleted} {
			r := newTestReservation(status)
			if status != StatusCompleted {
				require.ErrorIs(t, r.MarkCompleted(now), ErrIllegalTransition, "status %s", status)
			} else {
				require.ErrorIs(t, r.MarkCompleted(now), ErrIllegalTransition)
			}
		}
	})
}

// Proposed slots exist iff the status is needs_change, and the accepted rank
// is set iff the status is rescheduled, at every step of a full negotiation.
func TestNegotiationInvariants(t *testing.T) {
	now := time.Now().UTC()
	r := newTestReservation(StatusRequested)

	checkInvariants := func() {
		t.Helper()
		assert.Equal(t, r.Status == StatusNeedsChange, len(r.ProposedSlots) > 0,
			"proposed slots present iff needs_change (status=%s)", r.Status)
		assert.Equal(t, r.Status == StatusRescheduled, r.AcceptedRank != nil,
			"accepted rank set iff rescheduled (status=%s)", r.Status)
	}

	checkInvariants()

	require.NoError(t, r.ProposeAlternates(testSlots(1, 2), now))
	checkInvariants()

	require.NoError(t, r.RejectProposal(now))
	checkInvariants()

	require.NoError(t, r.ProposeAlternates(testSlots(3), now))
	checkInvariants()

	require.NoError(t, r.AcceptProposal(3, now))
	checkInvariants()

	require.NoError(t, r.MarkCompleted(now))
	checkInvariants()
}
