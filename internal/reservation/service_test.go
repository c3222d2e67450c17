package reservation

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/CodingBot000/teleconsult/internal/notify"
	"github.com/CodingBot000/teleconsult/internal/session"
)

type recordingDispatcher struct {
	mu     sync.Mutex
	events []notify.StatusChangedEvent
}

func (d *recordingDispatcher) StatusChanged(_ context.Context, ev notify.StatusChangedEvent) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.events = append(d.events, ev)
	return nil
}

func (d *recordingDispatcher) last() notify.StatusChangedEvent {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.events[len(d.events)-1]
}

type stubIdempotencyGuard struct {
	mu   sync.Mutex
	seen map[string]struct{}
}

func (g *stubIdempotencyGuard) FirstAttempt(_ context.Context, reservationID uuid.UUID, transition string, actorID uuid.UUID) (bool, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.seen == nil {
		g.seen = make(map[string]struct{})
	}
	key := reservationID.String() + ":" + transition + ":" + actorID.String()
	if _, ok := g.seen[key]; ok {
		return false, nil
	}
	g.seen[key] = struct{}{}
	return true, nil
}

type testEnv struct {
	repo       *MemoryRepository
	dispatcher *recordingDispatcher
	patients   *PatientService
	providers  *ProviderService
	patientID  uuid.UUID
	providerID uuid.UUID
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	repo := NewMemoryRepository()
	dispatcher := &recordingDispatcher{}
	co := Collaborators{
		Notifier:    dispatcher,
		Rooms:       session.StaticProvisioner{BaseJoinURL: "https://rooms.test"},
		Idempotency: &stubIdempotencyGuard{},
	}
	logger := zerolog.Nop()

	env := &testEnv{
		repo:       repo,
		dispatcher: dispatcher,
		patients:   NewPatientService(repo, co, logger),
		providers:  NewProviderService(repo, co, logger),
		patientID:  uuid.New(),
		providerID: uuid.New(),
	}

	email := "jin.park@example.com"
	repo.AddPatient(Patient{ID: env.patientID, Name: "Jin Park", Email: &email})
	repo.AddProvider(Provider{ID: env.providerID, Name: "Hana Clinic"})

	return env
}

func (e *testEnv) requestReservation(t *testing.T) *Reservation {
	t.Helper()

	res, err := e.patients.RequestReservation(context.Background(), RequestReservationInput{
		PatientID:      e.patientID,
		ProviderID:     e.providerID,
		ConsultationID: uuid.New(),
		Timezone:       "Asia/Seoul",
		Slots: []SlotInput{
			{Rank: 1, Date: "2025-12-01", Time: "10:00"},
			{Rank: 2, Date: "2025-12-02", Time: "15:00"},
		},
	})
	require.NoError(t, err)
	return res
}

func TestRequestReservation(t *testing.T) {
	env := newTestEnv(t)
	res := env.requestReservation(t)

	assert.Equal(t, StatusRequested, res.Status)
	require.Len(t, res.RequestedSlots, 2)

	// 2025-12-01 10:00 Asia/Seoul is 01:00 UTC.
	assert.True(t, res.RequestedSlots[0].StartsAt.Equal(time.Date(2025, 12, 1, 1, 0, 0, 0, time.UTC)))
	assert.True(t, res.RequestedSlots[1].StartsAt.Equal(time.Date(2025, 12, 2, 6, 0, 0, 0, time.UTC)))
	assert.Equal(t, "Asia/Seoul", res.RequestedSlots[0].SourceTimezone)

	assert.Equal(t, "Jin Park", res.PatientName)
	require.NotNil(t, res.PatientEmail)

	ev := env.dispatcher.last()
	assert.Equal(t, string(StatusRequested), ev.NewStatus)
	assert.Equal(t, string(RolePatient), ev.ActorRole)
}

func TestRequestReservationValidation(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	t.Run("empty slot list", func(t *testing.T) {
		_, err := env.patients.RequestReservation(ctx, RequestReservationInput{
			PatientID:  env.patientID,
			ProviderID: env.providerID,
			Timezone:   "Asia/Seoul",
		})
		require.ErrorIs(t, err, ErrValidation)
	})

	t.Run("unknown timezone", func(t *testing.T) {
		_, err := env.patients.RequestReservation(ctx, RequestReservationInput{
			PatientID:  env.patientID,
			ProviderID: env.providerID,
			Timezone:   "Nowhere/Nope",
			Slots:      []SlotInput{{Rank: 1, Date: "2025-12-01", Time: "10:00"}},
		})
		require.ErrorIs(t, err, ErrValidation)
	})

	t.Run("unknown patient", func(t *testing.T) {
		_, err := env.patients.RequestReservation(ctx, RequestReservationInput{
			PatientID:  uuid.New(),
			ProviderID: env.providerID,
			Timezone:   "Asia/Seoul",
			Slots:      []SlotInput{{Rank: 1, Date: "2025-12-01", Time: "10:00"}},
		})
		require.ErrorIs(t, err, ErrPatientNotFound)
	})
}

func TestNegotiationRoundTrip(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	res := env.requestReservation(t)

	// Provider proposes one alternate.
	proposed, err := env.providers.ProposeAlternates(ctx, res.ID, env.providerID, "Asia/Seoul", []SlotInput{
		{Rank: 1, Date: "2025-12-03", Time: "11:00"},
	})
	require.NoError(t, err)
	assert.Equal(t, StatusNeedsChange, proposed.Status)
	require.Len(t, proposed.ProposedSlots, 1)

	ev := env.dispatcher.last()
	assert.Equal(t, string(StatusRequested), ev.OldStatus)
	assert.Equal(t, string(StatusNeedsChange), ev.NewStatus)
	assert.Equal(t, string(RoleProvider), ev.ActorRole)

	// Patient accepts that rank.
	rank := 1
	accepted, err := env.patients.RespondToProposal(ctx, res.ID, env.patientID, ProposalAccept, &rank)
	require.NoError(t, err)
	assert.Equal(t, StatusRescheduled, accepted.Status)
	require.NotNil(t, accepted.AcceptedRank)
	assert.Equal(t, 1, *accepted.AcceptedRank)
	assert.Empty(t, accepted.ProposedSlots)

	// Session was provisioned for the settled reservation.
	require.NotNil(t, accepted.RoomID)
	require.NotNil(t, accepted.RoomJoinURL)

	// Provider completes.
	completed, err := env.providers.CompleteReservation(ctx, res.ID, env.providerID)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, completed.Status)
}

func TestRejectProposalRevertsToRequested(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	res := env.requestReservation(t)

	_, err := env.providers.ProposeAlternates(ctx, res.ID, env.providerID, "Asia/Seoul", []SlotInput{
		{Rank: 1, Date: "2025-12-03", Time: "11:00"},
	})
	require.NoError(t, err)

	rejected, err := env.patients.RespondToProposal(ctx, res.ID, env.patientID, ProposalReject, nil)
	require.NoError(t, err)

	assert.Equal(t, StatusRequested, rejected.Status)
	assert.Empty(t, rejected.ProposedSlots)
	assert.Nil(t, rejected.AcceptedRank)
	assert.Len(t, rejected.RequestedSlots, 2)
}

func TestRespondToProposalErrors(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	res := env.requestReservation(t)

	rank := 1

	t.Run("not found", func(t *testing.T) {
		_, err := env.patients.RespondToProposal(ctx, uuid.New(), env.patientID, ProposalAccept, &rank)
		require.ErrorIs(t, err, ErrReservationNotFound)
	})

	t.Run("forbidden for non-owner", func(t *testing.T) {
		_, err := env.patients.RespondToProposal(ctx, res.ID, uuid.New(), ProposalAccept, &rank)
		require.ErrorIs(t, err, ErrForbidden)
	})

	t.Run("accept without rank", func(t *testing.T) {
		_, err := env.patients.RespondToProposal(ctx, res.ID, env.patientID, ProposalAccept, nil)
		require.ErrorIs(t, err, ErrValidation)
	})

	t.Run("accept outside negotiation", func(t *testing.T) {
		_, err := env.patients.RespondToProposal(ctx, res.ID, env.patientID, ProposalAccept, &rank)
		require.ErrorIs(t, err, ErrIllegalTransition)
	})

	t.Run("accept with unknown proposed rank", func(t *testing.T) {
		_, err := env.providers.ProposeAlternates(ctx, res.ID, env.providerID, "Asia/Seoul", []SlotInput{
			{Rank: 1, Date: "2025-12-03", Time: "11:00"},
		})
		require.NoError(t, err)

		badRank := 42
		_, err = env.patients.RespondToProposal(ctx, res.ID, env.patientID, ProposalAccept, &badRank)
		require.ErrorIs(t, err, ErrValidation)
	})
}

func TestDuplicateAcceptIsIdempotentNoOp(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	res := env.requestReservation(t)

	_, err := env.providers.ProposeAlternates(ctx, res.ID, env.providerID, "Asia/Seoul", []SlotInput{
		{Rank: 1, Date: "2025-12-03", Time: "11:00"},
	})
	require.NoError(t, err)

	rank := 1
	first, err := env.patients.RespondToProposal(ctx, res.ID, env.patientID, ProposalAccept, &rank)
	require.NoError(t, err)
	require.Equal(t, StatusRescheduled, first.Status)

	// The retried call lands after the first committed; same rank, same
	// actor: served as a no-op instead of a conflict.
	second, err := env.patients.RespondToProposal(ctx, res.ID, env.patientID, ProposalAccept, &rank)
	require.NoError(t, err)
	assert.Equal(t, StatusRescheduled, second.Status)
	require.NotNil(t, second.AcceptedRank)
	assert.Equal(t, 1, *second.AcceptedRank)
}

func TestDuplicateAcceptWithoutGuardIsStillNoOp(t *testing.T) {
	repo := NewMemoryRepository()
	logger := zerolog.Nop()
	co := Collaborators{Notifier: &recordingDispatcher{}}
	patients := NewPatientService(repo, co, logger)
	providers := NewProviderService(repo, co, logger)

	patientID, providerID := uuid.New(), uuid.New()
	repo.AddPatient(Patient{ID: patientID, Name: "Jin Park"})
	repo.AddProvider(Provider{ID: providerID, Name: "Hana Clinic"})

	ctx := context.Background()
	res, err := patients.RequestReservation(ctx, RequestReservationInput{
		PatientID:      patientID,
		ProviderID:     providerID,
		ConsultationID: uuid.New(),
		Timezone:       "Asia/Seoul",
		Slots:          []SlotInput{{Rank: 1, Date: "2025-12-01", Time: "10:00"}},
	})
	require.NoError(t, err)

	_, err = providers.ProposeAlternates(ctx, res.ID, providerID, "Asia/Seoul", []SlotInput{
		{Rank: 1, Date: "2025-12-03", Time: "11:00"},
	})
	require.NoError(t, err)

	rank := 1
	_, err = patients.RespondToProposal(ctx, res.ID, patientID, ProposalAccept, &rank)
	require.NoError(t, err)

	// No idempotency guard wired; the state check alone absorbs the retry.
	second, err := patients.RespondToProposal(ctx, res.ID, patientID, ProposalAccept, &rank)
	require.NoError(t, err)
	assert.Equal(t, StatusRescheduled, second.Status)

	// A second accept at a different rank is not a retry.
	other := 2
	_, err = patients.RespondToProposal(ctx, res.ID, patientID, ProposalAccept, &other)
	require.ErrorIs(t, err, ErrIllegalTransition)
}

func TestCancelFromTerminalStateFails(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	res := env.requestReservation(t)

	_, err := env.patients.CancelReservation(ctx, res.ID, env.patientID, "changed my mind")
	require.NoError(t, err)

	_, err = env.patients.CancelReservation(ctx, res.ID, env.patientID, "again")
	require.ErrorIs(t, err, ErrIllegalTransition)

	_, err = env.providers.ProposeAlternates(ctx, res.ID, env.providerID, "Asia/Seoul", []SlotInput{
		{Rank: 1, Date: "2025-12-03", Time: "11:00"},
	})
	require.ErrorIs(t, err, ErrIllegalTransition)

	// Nothing changed on the cancelled record.
	got, err := env.repo.GetByID(ctx, res.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusCancelled, got.Status)
	require.NotNil(t, got.Cancel)
	assert.Equal(t, RolePatient, got.Cancel.Actor)
	assert.Equal(t, "changed my mind", got.Cancel.Reason)
}

// Exactly one of a concurrent accept and cancel commits; the loser observes
// a conflict and the final status matches the winner.
func TestConflictErrorCarriesCurrentStatus(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	res := env.requestReservation(t)

	stale, err := env.repo.GetByID(ctx, res.ID)
	require.NoError(t, err)

	_, err = env.patients.CancelReservation(ctx, res.ID, env.patientID, "feeling better")
	require.NoError(t, err)

	// A confirm built on the stale snapshot loses the optimistic check;
	// the conflict must name the status the reservation moved to.
	require.NoError(t, stale.Confirm(1, time.Now().UTC()))
	_, err = env.repo.Update(ctx, stale, StatusRequested)
	require.ErrorIs(t, err, ErrConflict)
	assert.Contains(t, err.Error(), string(StatusCancelled))
}

func TestConcurrentAcceptAndCancel(t *testing.T) {
	for i := 0; i < 20; i++ {
		env := newTestEnv(t)
		ctx := context.Background()
		res := env.requestReservation(t)

		_, err := env.providers.ProposeAlternates(ctx, res.ID, env.providerID, "Asia/Seoul", []SlotInput{
			{Rank: 1, Date: "2025-12-03", Time: "11:00"},
		})
		require.NoError(t, err)

		var (
			wg                   sync.WaitGroup
			acceptErr, cancelErr error
		)
		wg.Add(2)
		go func() {
			defer wg.Done()
			rank := 1
			_, acceptErr = env.patients.RespondToProposal(ctx, res.ID, env.patientID, ProposalAccept, &rank)
		}()
		go func() {
			defer wg.Done()
			_, cancelErr = env.providers.CancelReservation(ctx, res.ID, env.providerID, "clinic closed")
		}()
		wg.Wait()

		final, err := env.repo.GetByID(ctx, res.ID)
		require.NoError(t, err)

		switch {
		case acceptErr == nil && cancelErr == nil:
			// Cancel is legal from rescheduled, so accept-then-cancel can
			// both commit in sequence.
			assert.Equal(t, StatusCancelled, final.Status)
		case acceptErr == nil:
			require.True(t, errors.Is(cancelErr, ErrConflict) || errors.Is(cancelErr, ErrIllegalTransition), "cancel error: %v", cancelErr)
			assert.Equal(t, StatusRescheduled, final.Status)
		case cancelErr == nil:
			require.True(t, errors.Is(acceptErr, ErrConflict) || errors.Is(acceptErr, ErrIllegalTransition), "accept error: %v", acceptErr)
			assert.Equal(t, StatusCancelled, final.Status)
		default:
			t.Fatalf("both transitions failed: accept=%v cancel=%v", acceptErr, cancelErr)
		}
	}
}

func TestProviderConfirmAndCompleteElapsed(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	res := env.requestReservation(t)

	confirmed, err := env.providers.ConfirmReservation(ctx, res.ID, env.providerID, 1)
	require.NoError(t, err)
	assert.Equal(t, StatusRequested, confirmed.Status)
	assert.True(t, confirmed.Confirmed())
	require.NotNil(t, confirmed.ScheduledAt)
	require.NotNil(t, confirmed.RoomID)

	// The sweeper completes it once the scheduled time has elapsed.
	require.NoError(t, env.providers.CompleteElapsed(ctx, confirmed.ScheduledAt.Add(time.Hour)))

	final, err := env.repo.GetByID(ctx, res.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, final.Status)

	ev := env.dispatcher.last()
	assert.Equal(t, string(RoleSystem), ev.ActorRole)
	assert.Equal(t, string(StatusCompleted), ev.NewStatus)
}

func TestProviderOwnershipChecks(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	res := env.requestReservation(t)
	stranger := uuid.New()

	_, err := env.providers.ProposeAlternates(ctx, res.ID, stranger, "Asia/Seoul", []SlotInput{
		{Rank: 1, Date: "2025-12-03", Time: "11:00"},
	})
	require.ErrorIs(t, err, ErrForbidden)

	_, err = env.providers.ConfirmReservation(ctx, res.ID, stranger, 1)
	require.ErrorIs(t, err, ErrForbidden)

	_, err = env.providers.CancelReservation(ctx, res.ID, stranger, "")
	require.ErrorIs(t, err, ErrForbidden)

	_, err = env.providers.CompleteReservation(ctx, res.ID, stranger)
	require.ErrorIs(t, err, ErrForbidden)
}

func TestListReservationsPriorityOrder(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	first := env.requestReservation(t)
	second := env.requestReservation(t)
	third := env.requestReservation(t)

	// second goes into negotiation, third gets cancelled.
	_, err := env.providers.ProposeAlternates(ctx, second.ID, env.providerID, "Asia/Seoul", []SlotInput{
		{Rank: 1, Date: "2025-12-03", Time: "11:00"},
	})
	require.NoError(t, err)
	_, err = env.providers.CancelReservation(ctx, third.ID, env.providerID, "")
	require.NoError(t, err)

	list, err := env.providers.ListReservations(ctx, env.providerID, ListFilter{})
	require.NoError(t, err)
	require.Len(t, list, 3)

	assert.Equal(t, first.ID, list[0].ID)
	assert.Equal(t, StatusNeedsChange, list[1].Status)
	assert.Equal(t, StatusCancelled, list[2].Status)

	t.Run("status filter", func(t *testing.T) {
		status := StatusNeedsChange
		list, err := env.providers.ListReservations(ctx, env.providerID, ListFilter{Status: &status})
		require.NoError(t, err)
		require.Len(t, list, 1)
		assert.Equal(t, second.ID, list[0].ID)
	})

	t.Run("pagination", func(t *testing.T) {
		list, err := env.providers.ListReservations(ctx, env.providerID, ListFilter{Limit: 2, Offset: 2})
		require.NoError(t, err)
		require.Len(t, list, 1)
	})
}
