package reservation

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/CodingBot000/teleconsult/internal/localtime"
	"github.com/CodingBot000/teleconsult/internal/notify"
	redisclient "github.com/CodingBot000/teleconsult/internal/redis"
	"github.com/CodingBot000/teleconsult/internal/session"
)

// RoleSystem marks transitions applied by background tooling rather than a
// human actor, e.g. the completion sweeper.
const RoleSystem ActorRole = "system"

// Collaborators are the side-effect sinks around a state transition. All of
// them are best-effort: their failure never rolls back a committed
// transition.
type Collaborators struct {
	Notifier    notify.Dispatcher
	Rooms       session.Provisioner
	Idempotency redisclient.IdempotencyGuard
}

// SlotInput is a caller-supplied ranked candidate time in local wall-clock
// form. Timezone may be empty, in which case the request-level default
// applies.
type SlotInput struct {
	Rank     int
	Date     string
	Time     string
	Timezone string
}

func normalizeSlots(inputs []SlotInput, defaultTZ string) ([]TimeSlot, error) {
	if len(inputs) == 0 {
		return nil, fmt.Errorf("%w: slot list is empty", ErrValidation)
	}

	slots := make([]TimeSlot, 0, len(inputs))
	for _, in := range inputs {
		tz := in.Timezone
		if tz == "" {
			tz = defaultTZ
		}
		instant, err := localtime.Normalize(in.Date, in.Time, tz)
		if err != nil {
			return nil, fmt.Errorf("%w: slot rank %d: %w", ErrValidation, in.Rank, err)
		}
		slots = append(slots, TimeSlot{
			Rank:           in.Rank,
			StartsAt:       instant,
			SourceTimezone: tz,
		})
	}

	if err := validateRanks(slots); err != nil {
		return nil, err
	}
	return slots, nil
}

// notifyStatusChanged publishes the transition event. Best-effort: failures
// are logged with the reservation id and dropped.
func notifyStatusChanged(ctx context.Context, logger zerolog.Logger, dispatcher notify.Dispatcher, res *Reservation, old Status, actor ActorRole) {
	if dispatcher == nil {
		return
	}

	ev := notify.StatusChangedEvent{
		ReservationID: res.ID.String(),
		OldStatus:     string(old),
		NewStatus:     string(res.Status),
		ActorRole:     string(actor),
	}
	if err := dispatcher.StatusChanged(ctx, ev); err != nil {
		logger.Warn().
			Err(err).
			Str("reservation_id", res.ID.String()).
			Str("old_status", string(old)).
			Str("new_status", string(res.Status)).
			Msg("status change notification dropped")
	}
}

// provisionRoom asks the external room service for a session once the
// reservation is settled and stores the credentials back onto the record.
// Best-effort: the transition stands even if provisioning fails.
func provisionRoom(ctx context.Context, logger zerolog.Logger, repo Repository, rooms session.Provisioner, res *Reservation) *Reservation {
	if rooms == nil || res.RoomID != nil {
		return res
	}

	room, err := rooms.Provision(ctx, res.ID)
	if err != nil {
		logger.Warn().
			Err(err).
			Str("reservation_id", res.ID.String()).
			Msg("room provisioning failed")
		return res
	}

	attached, err := repo.AttachRoom(ctx, res.ID, room.ID, room.JoinURL)
	if err != nil {
		logger.Warn().
			Err(err).
			Str("reservation_id", res.ID.String()).
			Str("room_id", room.ID).
			Msg("storing provisioned room failed")
		return res
	}

	return attached
}

func defaultClock() time.Time {
	return time.Now().UTC()
}
