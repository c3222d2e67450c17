package reservation

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/CodingBot000/teleconsult/internal/retry"
)

const (
	slotKindRequested = "requested"
	slotKindProposed  = "proposed"
)

type PgRepository struct {
	pool     *pgxpool.Pool
	retryCfg retry.Config
}

func NewPgRepository(pool *pgxpool.Pool) *PgRepository {
	return &PgRepository{
		pool:     pool,
		retryCfg: retry.DefaultConfig(),
	}
}

// isTransient reports whether a store error is worth retrying: connection
// failures, serialization failures, deadlocks. Guard and not-found outcomes
// are never retried.
func isTransient(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch {
		case pgErr.Code == "40001" || pgErr.Code == "40P01":
			return true
		case len(pgErr.Code) >= 2 && pgErr.Code[:2] == "08":
			return true
		}
		return false
	}
	return pgconn.SafeToRetry(err)
}

func (r *PgRepository) withRetry(ctx context.Context, fn func() error) error {
	return retry.Do(ctx, r.retryCfg, isTransient, fn)
}

// Helpers

func scanPatient(row pgx.Row) (*Patient, error) {
	var p Patient
	err := row.Scan(&p.ID, &p.Name, &p.Email, &p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrPatientNotFound
		}
		return nil, err
	}
	return &p, nil
}

func scanProvider(row pgx.Row) (*Provider, error) {
	var p Provider
	err := row.Scan(&p.ID, &p.Name, &p.Specialty, &p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrProviderNotFound
		}
		return nil, err
	}
	return &p, nil
}

const reservationColumns = `
	id, patient_id, provider_id, consultation_id, status,
	accepted_rank, confirmed_at, scheduled_at, scheduled_timezone,
	cancel_actor, cancel_reason, cancel_code, cancelled_at,
	room_id, room_join_url, patient_name, patient_email,
	created_at, status_changed_at`

func scanReservation(row pgx.Row) (*Reservation, error) {
	var (
		res          Reservation
		cancelActor  *string
		cancelReason *string
		cancelCode   *string
		cancelledAt  *time.Time
	)

	err := row.Scan(
		&res.ID,
		&res.PatientID,
		&res.ProviderID,
		&res.ConsultationID,
		&res.Status,
		&res.AcceptedRank,
		&res.ConfirmedAt,
		&res.ScheduledAt,
		&res.ScheduledTimezone,
		&cancelActor,
		&cancelReason,
		&cancelCode,
		&cancelledAt,
		&res.RoomID,
		&res.RoomJoinURL,
		&res.PatientName,
		&res.PatientEmail,
		&res.CreatedAt,
		&res.StatusChangedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrReservationNotFound
		}
		return nil, err
	}

	if cancelActor != nil && cancelledAt != nil {
		res.Cancel = &CancelInfo{
			Actor:       ActorRole(*cancelActor),
			CancelledAt: *cancelledAt,
		}
		if cancelReason != nil {
			res.Cancel.Reason = *cancelReason
		}
		if cancelCode != nil {
			res.Cancel.Code = *cancelCode
		}
	}

	return &res, nil
}

type querier interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

func loadSlots(ctx context.Context, q querier, ids []uuid.UUID, byID map[uuid.UUID]*Reservation) error {
	rows, err := q.Query(ctx, `
		SELECT reservation_id, kind, rank, starts_at, source_timezone
		FROM reservation_slots
		WHERE reservation_id = ANY($1)
		ORDER BY reservation_id, kind, rank
	`, ids)
	if err != nil {
		return err
	}
	defer rows.Close()

	for rows.Next() {
		var (
			resID uuid.UUID
			kind  string
			slot  TimeSlot
		)
		if err := rows.Scan(&resID, &kind, &slot.Rank, &slot.StartsAt, &slot.SourceTimezone); err != nil {
			return err
		}
		res, ok := byID[resID]
		if !ok {
			continue
		}
		switch kind {
		case slotKindRequested:
			res.RequestedSlots = append(res.RequestedSlots, slot)
		case slotKindProposed:
			res.ProposedSlots = append(res.ProposedSlots, slot)
		}
	}

	return rows.Err()
}

func insertSlots(ctx context.Context, tx pgx.Tx, resID uuid.UUID, kind string, slots []TimeSlot) error {
	for _, s := range slots {
		_, err := tx.Exec(ctx, `
			INSERT INTO reservation_slots (reservation_id, kind, rank, starts_at, source_timezone)
			VALUES ($1, $2, $3, $4, $5)
		`, resID, kind, s.Rank, s.StartsAt, s.SourceTimezone)
		if err != nil {
			return err
		}
	}
	return nil
}

// Interface methods

func (r *PgRepository) GetPatientByID(ctx context.Context, id uuid.UUID) (*Patient, error) {
	var p *Patient
	err := r.withRetry(ctx, func() error {
		row := r.pool.QueryRow(ctx, `
			SELECT id, name, email, created_at, updated_at
			FROM patients
			WHERE id = $1
		`, id)
		var scanErr error
		p, scanErr = scanPatient(row)
		return scanErr
	})
	return p, err
}

func (r *PgRepository) GetProviderByID(ctx context.Context, id uuid.UUID) (*Provider, error) {
	var p *Provider
	err := r.withRetry(ctx, func() error {
		row := r.pool.QueryRow(ctx, `
			SELECT id, name, specialty, created_at, updated_at
			FROM providers
			WHERE id = $1
		`, id)
		var scanErr error
		p, scanErr = scanProvider(row)
		return scanErr
	})
	return p, err
}

func (r *PgRepository) Create(ctx context.Context, res *Reservation) (*Reservation, error) {
	created := *res
	if created.ID == uuid.Nil {
		created.ID = uuid.New()
	}

	err := r.withRetry(ctx, func() error {
		tx, err := r.pool.Begin(ctx)
		if err != nil {
			return err
		}
		defer tx.Rollback(ctx)

		_, err = tx.Exec(ctx, `
			INSERT INTO reservations (
				id, patient_id, provider_id, consultation_id, status,
				patient_name, patient_email, created_at, status_changed_at
			)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $8)
		`, created.ID, created.PatientID, created.ProviderID, created.ConsultationID,
			created.Status, created.PatientName, created.PatientEmail, created.CreatedAt)
		if err != nil {
			return err
		}

		if err := insertSlots(ctx, tx, created.ID, slotKindRequested, created.RequestedSlots); err != nil {
			return err
		}

		return tx.Commit(ctx)
	})
	if err != nil {
		return nil, fmt.Errorf("create reservation: %w", err)
	}

	return &created, nil
}

func (r *PgRepository) GetByID(ctx context.Context, id uuid.UUID) (*Reservation, error) {
	var res *Reservation
	err := r.withRetry(ctx, func() error {
		row := r.pool.QueryRow(ctx, `SELECT `+reservationColumns+` FROM reservations WHERE id = $1`, id)

		scanned, err := scanReservation(row)
		if err != nil {
			return err
		}

		byID := map[uuid.UUID]*Reservation{scanned.ID: scanned}
		if err := loadSlots(ctx, r.pool, []uuid.UUID{scanned.ID}, byID); err != nil {
			return err
		}

		res = scanned
		return nil
	})
	return res, err
}

// Update persists an already-guarded transition. The status write is
// conditioned on fromStatus so a concurrent transition on the same
// reservation loses cleanly: zero rows updated means the record moved under
// us, and the whole transaction rolls back with ErrConflict.
func (r *PgRepository) Update(ctx context.Context, res *Reservation, fromStatus Status) (*Reservation, error) {
	updated := *res

	err := r.withRetry(ctx, func() error {
		tx, err := r.pool.Begin(ctx)
		if err != nil {
			return err
		}
		defer tx.Rollback(ctx)

		var cancelActor, cancelReason, cancelCode *string
		var cancelledAt *time.Time
		if updated.Cancel != nil {
			actor := string(updated.Cancel.Actor)
			cancelActor = &actor
			cancelReason = &updated.Cancel.Reason
			cancelCode = &updated.Cancel.Code
			cancelledAt = &updated.Cancel.CancelledAt
		}

		tag, err := tx.Exec(ctx, `
			UPDATE reservations
			SET status = $2,
			    accepted_rank = $3,
			    confirmed_at = $4,
			    scheduled_at = $5,
			    scheduled_timezone = $6,
			    cancel_actor = $7,
			    cancel_reason = $8,
			    cancel_code = $9,
			    cancelled_at = $10,
			    status_changed_at = $11
			WHERE id = $1
			  AND status = $12
		`, updated.ID, updated.Status, updated.AcceptedRank, updated.ConfirmedAt,
			updated.ScheduledAt, updated.ScheduledTimezone,
			cancelActor, cancelReason, cancelCode, cancelledAt,
			updated.StatusChangedAt, fromStatus)
		if err != nil {
			return err
		}

		if tag.RowsAffected() == 0 {
			var current Status
			err := tx.QueryRow(ctx, `SELECT status FROM reservations WHERE id = $1`, updated.ID).Scan(&current)
			if errors.Is(err, pgx.ErrNoRows) {
				return ErrReservationNotFound
			}
			if err != nil {
				return err
			}
			return fmt.Errorf("%w: reservation is now %q", ErrConflict, current)
		}

		_, err = tx.Exec(ctx, `
			DELETE FROM reservation_slots
			WHERE reservation_id = $1 AND kind = $2
		`, updated.ID, slotKindProposed)
		if err != nil {
			return err
		}

		if err := insertSlots(ctx, tx, updated.ID, slotKindProposed, updated.ProposedSlots); err != nil {
			return err
		}

		return tx.Commit(ctx)
	})
	if err != nil {
		if errors.Is(err, ErrConflict) || errors.Is(err, ErrReservationNotFound) {
			return nil, err
		}
		return nil, fmt.Errorf("update reservation: %w", err)
	}

	return &updated, nil
}

func (r *PgRepository) ListByProvider(ctx context.Context, providerID uuid.UUID, filter ListFilter) ([]Reservation, error) {
	orderBy := ""
	switch filter.Sort {
	case SortSoonest:
		orderBy = `earliest_requested ASC NULLS LAST`
	case SortNewest:
		orderBy = `created_at DESC`
	default:
		// Action-needed statuses first, then the soonest request.
		orderBy = `
			CASE status
				WHEN 'requested' THEN 0
				WHEN 'needs_change' THEN 1
				WHEN 'rescheduled' THEN 2
				WHEN 'completed' THEN 3
				ELSE 4
			END,
			earliest_requested ASC NULLS LAST`
	}

	query := `
		SELECT ` + reservationColumns + `,
			(SELECT MIN(starts_at)
			 FROM reservation_slots s
			 WHERE s.reservation_id = reservations.id AND s.kind = 'requested') AS earliest_requested
		FROM reservations
		WHERE provider_id = $1`
	args := []any{providerID}

	if filter.Status != nil {
		query += ` AND status = $2`
		args = append(args, *filter.Status)
	}

	query += ` ORDER BY ` + orderBy
	query += fmt.Sprintf(` LIMIT %d OFFSET %d`, filter.Limit, filter.Offset)

	var result []Reservation
	err := r.withRetry(ctx, func() error {
		rows, err := r.pool.Query(ctx, query, args...)
		if err != nil {
			return err
		}
		defer rows.Close()

		var (
			page []Reservation
			ids  []uuid.UUID
			byID = make(map[uuid.UUID]*Reservation)
		)
		for rows.Next() {
			res, err := scanReservationWithEarliest(rows)
			if err != nil {
				return err
			}
			page = append(page, *res)
		}
		if err := rows.Err(); err != nil {
			return err
		}

		for i := range page {
			ids = append(ids, page[i].ID)
			byID[page[i].ID] = &page[i]
		}
		if len(ids) > 0 {
			if err := loadSlots(ctx, r.pool, ids, byID); err != nil {
				return err
			}
		}

		result = page
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("list reservations: %w", err)
	}

	return result, nil
}

// scanReservationWithEarliest scans a reservation row carrying the trailing
// earliest_requested sort column, which is discarded.
func scanReservationWithEarliest(rows pgx.Rows) (*Reservation, error) {
	var (
		res          Reservation
		cancelActor  *string
		cancelReason *string
		cancelCode   *string
		cancelledAt  *time.Time
		earliest     *time.Time
	)

	err := rows.Scan(
		&res.ID,
		&res.PatientID,
		&res.ProviderID,
		&res.ConsultationID,
		&res.Status,
		&res.AcceptedRank,
		&res.ConfirmedAt,
		&res.ScheduledAt,
		&res.ScheduledTimezone,
		&cancelActor,
		&cancelReason,
		&cancelCode,
		&cancelledAt,
		&res.RoomID,
		&res.RoomJoinURL,
		&res.PatientName,
		&res.PatientEmail,
		&res.CreatedAt,
		&res.StatusChangedAt,
		&earliest,
	)
	if err != nil {
		return nil, err
	}

	if cancelActor != nil && cancelledAt != nil {
		res.Cancel = &CancelInfo{
			Actor:       ActorRole(*cancelActor),
			CancelledAt: *cancelledAt,
		}
		if cancelReason != nil {
			res.Cancel.Reason = *cancelReason
		}
		if cancelCode != nil {
			res.Cancel.Code = *cancelCode
		}
	}

	return &res, nil
}

func (r *PgRepository) AttachRoom(ctx context.Context, id uuid.UUID, roomID, joinURL string) (*Reservation, error) {
	err := r.withRetry(ctx, func() error {
		// First writer wins; repeated provisioning keeps the original room.
		_, err := r.pool.Exec(ctx, `
			UPDATE reservations
			SET room_id = $2,
			    room_join_url = $3
			WHERE id = $1
			  AND room_id IS NULL
		`, id, roomID, joinURL)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("attach room: %w", err)
	}

	return r.GetByID(ctx, id)
}

func (r *PgRepository) FindElapsedSettled(ctx context.Context, before time.Time) ([]Reservation, error) {
	var result []Reservation
	err := r.withRetry(ctx, func() error {
		rows, err := r.pool.Query(ctx, `
			SELECT `+reservationColumns+`
			FROM reservations
			WHERE scheduled_at IS NOT NULL
			  AND scheduled_at < $1
			  AND (status = 'rescheduled' OR (status = 'requested' AND confirmed_at IS NOT NULL))
		`, before)
		if err != nil {
			return err
		}
		defer rows.Close()

		var page []Reservation
		for rows.Next() {
			res, err := scanReservation(rows)
			if err != nil {
				return err
			}
			page = append(page, *res)
		}
		if err := rows.Err(); err != nil {
			return err
		}

		result = page
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("find elapsed settled reservations: %w", err)
	}

	return result, nil
}
