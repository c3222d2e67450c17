package reservation

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

var (
	ErrPatientNotFound     = errors.New("patient not found")
	ErrProviderNotFound    = errors.New("provider not found")
	ErrReservationNotFound = errors.New("reservation not found")

	// ErrValidation covers malformed input: empty slot lists, duplicate or
	// unknown ranks, unparsable times.
	ErrValidation = errors.New("validation failed")

	// ErrForbidden means the authenticated caller does not own the
	// reservation it is acting on.
	ErrForbidden = errors.New("caller does not own this reservation")

	// ErrIllegalTransition means a guard rejected the transition outright;
	// ErrConflict means the optimistic status check lost to a concurrent
	// actor and the caller should refresh and retry with intent.
	ErrIllegalTransition = errors.New("illegal status transition")
	ErrConflict          = errors.New("reservation was modified concurrently")
)

type SortOrder string

const (
	// SortPriority orders statuses needing action before terminal ones,
	// then by soonest requested instant.
	SortPriority SortOrder = "priority"
	SortSoonest  SortOrder = "soonest"
	SortNewest   SortOrder = "newest"
)

type ListFilter struct {
	Status *Status
	Sort   SortOrder
	Limit  int
	Offset int
}

// Repository contains all store interactions needed by the coordinators.
// Update applies the already-guarded transition as a single atomic unit: the
// write is conditioned on the reservation still being in fromStatus, and a
// lost race surfaces as ErrConflict with no mutation.
type Repository interface {
	GetPatientByID(ctx context.Context, id uuid.UUID) (*Patient, error)
	GetProviderByID(ctx context.Context, id uuid.UUID) (*Provider, error)

	Create(ctx context.Context, r *Reservation) (*Reservation, error)
	GetByID(ctx context.Context, id uuid.UUID) (*Reservation, error)
	Update(ctx context.Context, r *Reservation, fromStatus Status) (*Reservation, error)

	ListByProvider(ctx context.Context, providerID uuid.UUID, filter ListFilter) ([]Reservation, error)

	// AttachRoom stores provisioned session credentials; repeated calls for
	// the same reservation keep the first room.
	AttachRoom(ctx context.Context, id uuid.UUID, roomID, joinURL string) (*Reservation, error)

	// FindElapsedSettled returns settled reservations (rescheduled, or
	// confirmed requested) whose scheduled time passed before the cutoff.
	FindElapsedSettled(ctx context.Context, before time.Time) ([]Reservation, error)
}
