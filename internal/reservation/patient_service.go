package reservation

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

type ProposalAction string

const (
	ProposalAccept ProposalAction = "accept"
	ProposalReject ProposalAction = "reject"
)

// PatientService executes patient-initiated operations. Every call takes the
// acting patient id explicitly; ownership is re-checked against the loaded
// record before any transition runs.
type PatientService struct {
	repo   Repository
	co     Collaborators
	logger zerolog.Logger
	now    func() time.Time
}

func NewPatientService(repo Repository, co Collaborators, logger zerolog.Logger) *PatientService {
	return &PatientService{
		repo:   repo,
		co:     co,
		logger: logger.With().Str("component", "patient_service").Logger(),
		now:    defaultClock,
	}
}

type RequestReservationInput struct {
	PatientID      uuid.UUID
	ProviderID     uuid.UUID
	ConsultationID uuid.UUID
	Timezone       string
	Slots          []SlotInput
}

// RequestReservation normalizes the patient's ranked candidate slots and
// creates a reservation in status requested.
func (s *PatientService) RequestReservation(ctx context.Context, in RequestReservationInput) (*Reservation, error) {
	slots, err := normalizeSlots(in.Slots, in.Timezone)
	if err != nil {
		return nil, err
	}

	patient, err := s.repo.GetPatientByID(ctx, in.PatientID)
	if err != nil {
		return nil, err
	}
	if _, err := s.repo.GetProviderByID(ctx, in.ProviderID); err != nil {
		return nil, err
	}

	now := s.now()
	res := &Reservation{
		PatientID:       in.PatientID,
		ProviderID:      in.ProviderID,
		ConsultationID:  in.ConsultationID,
		Status:          StatusRequested,
		RequestedSlots:  slots,
		PatientName:     patient.Name,
		PatientEmail:    patient.Email,
		CreatedAt:       now,
		StatusChangedAt: now,
	}

	created, err := s.repo.Create(ctx, res)
	if err != nil {
		return nil, err
	}

	notifyStatusChanged(ctx, s.logger, s.co.Notifier, created, "", RolePatient)
	return created, nil
}

// GetReservation returns a reservation the patient owns.
func (s *PatientService) GetReservation(ctx context.Context, reservationID, patientID uuid.UUID) (*Reservation, error) {
	res, err := s.repo.GetByID(ctx, reservationID)
	if err != nil {
		return nil, err
	}
	if res.PatientID != patientID {
		return nil, ErrForbidden
	}
	return res, nil
}

// RespondToProposal resolves a pending provider counter-offer by accepting
// one proposed slot or rejecting the whole list.
func (s *PatientService) RespondToProposal(ctx context.Context, reservationID, patientID uuid.UUID, action ProposalAction, selectedRank *int) (*Reservation, error) {
	res, err := s.repo.GetByID(ctx, reservationID)
	if err != nil {
		return nil, err
	}
	if res.PatientID != patientID {
		return nil, ErrForbidden
	}

	switch action {
	case ProposalAccept:
		if selectedRank == nil {
			return nil, fmt.Errorf("%w: accept requires a selected rank", ErrValidation)
		}
		return s.acceptProposal(ctx, res, patientID, *selectedRank)
	case ProposalReject:
		return s.rejectProposal(ctx, res, patientID)
	default:
		return nil, fmt.Errorf("%w: unknown proposal action %q", ErrValidation, action)
	}
}

func (s *PatientService) acceptProposal(ctx context.Context, res *Reservation, patientID uuid.UUID, rank int) (*Reservation, error) {
	first := true
	if s.co.Idempotency != nil {
		var err error
		first, err = s.co.Idempotency.FirstAttempt(ctx, res.ID, string(TransitionAcceptProposal), patientID)
		if err != nil {
			// The guard is advisory; fall through and let the status check
			// decide.
			s.logger.Warn().Err(err).Str("reservation_id", res.ID.String()).Msg("idempotency guard unavailable")
			first = true
		}
	}

	// A retried accept from a flaky client is a no-op when the earlier
	// attempt already settled the reservation on the same rank. The state
	// check alone decides; the guard only flags the retry for the log.
	if res.Status == StatusRescheduled && res.AcceptedRank != nil && *res.AcceptedRank == rank {
		if !first {
			s.logger.Debug().Str("reservation_id", res.ID.String()).Msg("duplicate accept absorbed")
		}
		return res, nil
	}

	old := res.Status
	if err := res.AcceptProposal(rank, s.now()); err != nil {
		return nil, err
	}

	updated, err := s.repo.Update(ctx, res, old)
	if err != nil {
		return nil, err
	}

	notifyStatusChanged(ctx, s.logger, s.co.Notifier, updated, old, RolePatient)
	return provisionRoom(ctx, s.logger, s.repo, s.co.Rooms, updated), nil
}

func (s *PatientService) rejectProposal(ctx context.Context, res *Reservation, patientID uuid.UUID) (*Reservation, error) {
	old := res.Status
	if err := res.RejectProposal(s.now()); err != nil {
		return nil, err
	}

	updated, err := s.repo.Update(ctx, res, old)
	if err != nil {
		return nil, err
	}

	notifyStatusChanged(ctx, s.logger, s.co.Notifier, updated, old, RolePatient)
	return updated, nil
}

// CancelReservation records a patient cancellation from any non-terminal
// status.
func (s *PatientService) CancelReservation(ctx context.Context, reservationID, patientID uuid.UUID, reason string) (*Reservation, error) {
	res, err := s.repo.GetByID(ctx, reservationID)
	if err != nil {
		return nil, err
	}
	if res.PatientID != patientID {
		return nil, ErrForbidden
	}

	old := res.Status
	if err := res.MarkCancelled(RolePatient, reason, "patient_cancelled", s.now()); err != nil {
		return nil, err
	}

	updated, err := s.repo.Update(ctx, res, old)
	if err != nil {
		return nil, err
	}

	notifyStatusChanged(ctx, s.logger, s.co.Notifier, updated, old, RolePatient)
	return updated, nil
}
