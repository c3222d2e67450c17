package reservation

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryRepository is an in-memory Repository with the same optimistic
// concurrency semantics as the Postgres implementation. Used by tests and
// local tooling.
type MemoryRepository struct {
	mu           sync.Mutex
	patients     map[uuid.UUID]Patient
	providers    map[uuid.UUID]Provider
	reservations map[uuid.UUID]Reservation
}

func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		patients:     make(map[uuid.UUID]Patient),
		providers:    make(map[uuid.UUID]Provider),
		reservations: make(map[uuid.UUID]Reservation),
	}
}

func (m *MemoryRepository) AddPatient(p Patient) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.patients[p.ID] = p
}

func (m *MemoryRepository) AddProvider(p Provider) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.providers[p.ID] = p
}

func (m *MemoryRepository) GetPatientByID(_ context.Context, id uuid.UUID) (*Patient, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.patients[id]
	if !ok {
		return nil, ErrPatientNotFound
	}
	return &p, nil
}

func (m *MemoryRepository) GetProviderByID(_ context.Context, id uuid.UUID) (*Provider, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.providers[id]
	if !ok {
		return nil, ErrProviderNotFound
	}
	return &p, nil
}

func (m *MemoryRepository) Create(_ context.Context, r *Reservation) (*Reservation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	created := cloneReservation(*r)
	if created.ID == uuid.Nil {
		created.ID = uuid.New()
	}
	m.reservations[created.ID] = created

	out := cloneReservation(created)
	return &out, nil
}

func (m *MemoryRepository) GetByID(_ context.Context, id uuid.UUID) (*Reservation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	r, ok := m.reservations[id]
	if !ok {
		return nil, ErrReservationNotFound
	}
	out := cloneReservation(r)
	return &out, nil
}

func (m *MemoryRepository) Update(_ context.Context, r *Reservation, fromStatus Status) (*Reservation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	current, ok := m.reservations[r.ID]
	if !ok {
		return nil, ErrReservationNotFound
	}
	if current.Status != fromStatus {
		return nil, fmt.Errorf("%w: reservation is now %q", ErrConflict, current.Status)
	}

	updated := cloneReservation(*r)
	m.reservations[updated.ID] = updated

	out := cloneReservation(updated)
	return &out, nil
}

func (m *MemoryRepository) ListByProvider(_ context.Context, providerID uuid.UUID, filter ListFilter) ([]Reservation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var result []Reservation
	for _, r := range m.reservations {
		if r.ProviderID != providerID {
			continue
		}
		if filter.Status != nil && r.Status != *filter.Status {
			continue
		}
		result = append(result, cloneReservation(r))
	}

	switch filter.Sort {
	case SortSoonest:
		sort.Slice(result, func(i, j int) bool {
			return result[i].EarliestRequested().Before(result[j].EarliestRequested())
		})
	case SortNewest:
		sort.Slice(result, func(i, j int) bool {
			return result[i].CreatedAt.After(result[j].CreatedAt)
		})
	default:
		sort.Slice(result, func(i, j int) bool {
			pi, pj := statusPriority(result[i].Status), statusPriority(result[j].Status)
			if pi != pj {
				return pi < pj
			}
			return result[i].EarliestRequested().Before(result[j].EarliestRequested())
		})
	}

	if filter.Offset >= len(result) {
		return nil, nil
	}
	result = result[filter.Offset:]
	if filter.Limit > 0 && filter.Limit < len(result) {
		result = result[:filter.Limit]
	}

	return result, nil
}

func statusPriority(s Status) int {
	switch s {
	case StatusRequested:
		return 0
	case StatusNeedsChange:
		return 1
	case StatusRescheduled:
		return 2
	case StatusCompleted:
		return 3
	default:
		return 4
	}
}

func (m *MemoryRepository) AttachRoom(_ context.Context, id uuid.UUID, roomID, joinURL string) (*Reservation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	r, ok := m.reservations[id]
	if !ok {
		return nil, ErrReservationNotFound
	}
	if r.RoomID == nil {
		r.RoomID = &roomID
		r.RoomJoinURL = &joinURL
		m.reservations[id] = r
	}

	out := cloneReservation(r)
	return &out, nil
}

func (m *MemoryRepository) FindElapsedSettled(_ context.Context, before time.Time) ([]Reservation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var result []Reservation
	for _, r := range m.reservations {
		if r.ScheduledAt == nil || !r.ScheduledAt.Before(before) {
			continue
		}
		if r.Status == StatusRescheduled || (r.Status == StatusRequested && r.Confirmed()) {
			result = append(result, cloneReservation(r))
		}
	}
	return result, nil
}

func cloneReservation(r Reservation) Reservation {
	out := r
	out.RequestedSlots = append([]TimeSlot(nil), r.RequestedSlots...)
	out.ProposedSlots = append([]TimeSlot(nil), r.ProposedSlots...)
	if r.AcceptedRank != nil {
		v := *r.AcceptedRank
		out.AcceptedRank = &v
	}
	if r.ConfirmedAt != nil {
		v := *r.ConfirmedAt
		out.ConfirmedAt = &v
	}
	if r.ScheduledAt != nil {
		v := *r.ScheduledAt
		out.ScheduledAt = &v
	}
	if r.ScheduledTimezone != nil {
		v := *r.ScheduledTimezone
		out.ScheduledTimezone = &v
	}
	if r.Cancel != nil {
		v := *r.Cancel
		out.Cancel = &v
	}
	if r.RoomID != nil {
		v := *r.RoomID
		out.RoomID = &v
	}
	if r.RoomJoinURL != nil {
		v := *r.RoomJoinURL
		out.RoomJoinURL = &v
	}
	if r.PatientEmail != nil {
		v := *r.PatientEmail
		out.PatientEmail = &v
	}
	return out
}
