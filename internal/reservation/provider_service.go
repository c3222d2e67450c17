package reservation

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// ProviderService executes provider-initiated operations and the provider's
// work-queue listing.
type ProviderService struct {
	repo   Repository
	co     Collaborators
	logger zerolog.Logger
	now    func() time.Time
}

func NewProviderService(repo Repository, co Collaborators, logger zerolog.Logger) *ProviderService {
	return &ProviderService{
		repo:   repo,
		co:     co,
		logger: logger.With().Str("component", "provider_service").Logger(),
		now:    defaultClock,
	}
}

// ListReservations returns the provider's reservations, filtered and sorted.
func (s *ProviderService) ListReservations(ctx context.Context, providerID uuid.UUID, filter ListFilter) ([]Reservation, error) {
	if filter.Limit <= 0 {
		filter.Limit = 20
	}
	if filter.Limit > 100 {
		filter.Limit = 100
	}
	if filter.Offset < 0 {
		filter.Offset = 0
	}
	if filter.Sort == "" {
		filter.Sort = SortPriority
	}

	return s.repo.ListByProvider(ctx, providerID, filter)
}

// GetReservation returns a reservation the provider owns.
func (s *ProviderService) GetReservation(ctx context.Context, reservationID, providerID uuid.UUID) (*Reservation, error) {
	res, err := s.repo.GetByID(ctx, reservationID)
	if err != nil {
		return nil, err
	}
	if res.ProviderID != providerID {
		return nil, ErrForbidden
	}
	return res, nil
}

// ProposeAlternates records a provider counter-offer, replacing any pending
// proposal. The status change event fires even on a needs_change to
// needs_change overwrite so the patient learns their pending decision was
// invalidated.
func (s *ProviderService) ProposeAlternates(ctx context.Context, reservationID, providerID uuid.UUID, timezone string, alternates []SlotInput) (*Reservation, error) {
	slots, err := normalizeSlots(alternates, timezone)
	if err != nil {
		return nil, err
	}

	res, err := s.repo.GetByID(ctx, reservationID)
	if err != nil {
		return nil, err
	}
	if res.ProviderID != providerID {
		return nil, ErrForbidden
	}

	old := res.Status
	if err := res.ProposeAlternates(slots, s.now()); err != nil {
		return nil, err
	}

	updated, err := s.repo.Update(ctx, res, old)
	if err != nil {
		return nil, err
	}

	notifyStatusChanged(ctx, s.logger, s.co.Notifier, updated, old, RoleProvider)
	return updated, nil
}

// ConfirmReservation accepts one of the patient's requested slots as-is and
// provisions the session room.
func (s *ProviderService) ConfirmReservation(ctx context.Context, reservationID, providerID uuid.UUID, rank int) (*Reservation, error) {
	res, err := s.repo.GetByID(ctx, reservationID)
	if err != nil {
		return nil, err
	}
	if res.ProviderID != providerID {
		return nil, ErrForbidden
	}

	old := res.Status
	if err := res.Confirm(rank, s.now()); err != nil {
		return nil, err
	}

	updated, err := s.repo.Update(ctx, res, old)
	if err != nil {
		return nil, err
	}

	notifyStatusChanged(ctx, s.logger, s.co.Notifier, updated, old, RoleProvider)
	return provisionRoom(ctx, s.logger, s.repo, s.co.Rooms, updated), nil
}

// CancelReservation records a provider cancellation from any non-terminal
// status.
func (s *ProviderService) CancelReservation(ctx context.Context, reservationID, providerID uuid.UUID, reason string) (*Reservation, error) {
	res, err := s.repo.GetByID(ctx, reservationID)
	if err != nil {
		return nil, err
	}
	if res.ProviderID != providerID {
		return nil, ErrForbidden
	}

	old := res.Status
	if err := res.MarkCancelled(RoleProvider, reason, "provider_cancelled", s.now()); err != nil {
		return nil, err
	}

	updated, err := s.repo.Update(ctx, res, old)
	if err != nil {
		return nil, err
	}

	notifyStatusChanged(ctx, s.logger, s.co.Notifier, updated, old, RoleProvider)
	return updated, nil
}

// CompleteReservation closes out a settled reservation.
func (s *ProviderService) CompleteReservation(ctx context.Context, reservationID, providerID uuid.UUID) (*Reservation, error) {
	res, err := s.repo.GetByID(ctx, reservationID)
	if err != nil {
		return nil, err
	}
	if res.ProviderID != providerID {
		return nil, ErrForbidden
	}

	old := res.Status
	if err := res.MarkCompleted(s.now()); err != nil {
		return nil, err
	}

	updated, err := s.repo.Update(ctx, res, old)
	if err != nil {
		return nil, err
	}

	notifyStatusChanged(ctx, s.logger, s.co.Notifier, updated, old, RoleProvider)
	return updated, nil
}

// CompleteElapsed is run periodically by the completion worker. It closes
// settled reservations whose scheduled time passed before the cutoff.
// Conflicts with concurrent actors are skipped, not retried.
func (s *ProviderService) CompleteElapsed(ctx context.Context, before time.Time) error {
	elapsed, err := s.repo.FindElapsedSettled(ctx, before)
	if err != nil {
		return err
	}

	for i := range elapsed {
		res := elapsed[i]
		old := res.Status
		if err := res.MarkCompleted(s.now()); err != nil {
			continue
		}

		updated, err := s.repo.Update(ctx, &res, old)
		if err != nil {
			if errors.Is(err, ErrConflict) || errors.Is(err, ErrReservationNotFound) {
				continue
			}
			s.logger.Error().Err(err).Str("reservation_id", res.ID.String()).Msg("failed to complete elapsed reservation")
			continue
		}

		notifyStatusChanged(ctx, s.logger, s.co.Notifier, updated, old, RoleSystem)
	}

	return nil
}
