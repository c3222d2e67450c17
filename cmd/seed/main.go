package main

import (
	"context"
	"os"
	"time"

	"github.com/brianvoe/gofakeit/v6"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"

	"github.com/CodingBot000/teleconsult/internal/db"
	"github.com/CodingBot000/teleconsult/internal/localtime"
	"github.com/CodingBot000/teleconsult/internal/notify"
	"github.com/CodingBot000/teleconsult/internal/reservation"
)

var timezones = []string{
	"Asia/Seoul",
	"Asia/Tokyo",
	"America/New_York",
	"Europe/Berlin",
	"Australia/Sydney",
}

func main() {
	logger := zerolog.New(os.Stdout).With().Timestamp().Str("service", "seed").Logger()
	logger.Info().Msg("seed starting")

	dsn := os.Getenv("POSTGRES_DSN")
	if dsn == "" {
		logger.Fatal().Msg("POSTGRES_DSN is required")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	pool, err := db.ConnectPostgres(ctx, dsn)
	if err != nil {
		logger.Fatal().Err(err).Msg("connect postgres")
	}
	defer pool.Close()

	if err := db.Migrate(context.Background(), pool); err != nil {
		logger.Fatal().Err(err).Msg("apply schema")
	}

	gofakeit.Seed(time.Now().UnixNano())

	providers, err := seedProviders(context.Background(), pool, logger, 20)
	if err != nil {
		logger.Fatal().Err(err).Msg("seed providers")
	}
	patients, err := seedPatients(context.Background(), pool, logger, 500)
	if err != nil {
		logger.Fatal().Err(err).Msg("seed patients")
	}
	if err := seedReservations(context.Background(), pool, logger, patients, providers, 200); err != nil {
		logger.Fatal().Err(err).Msg("seed reservations")
	}

	logger.Info().Msg("seed complete")
}

func seedProviders(ctx context.Context, pool *pgxpool.Pool, logger zerolog.Logger, count int) ([]uuid.UUID, error) {
	logger.Info().Int("count", count).Msg("seeding providers")

	specialties := []string{
		"Dermatology",
		"Cardiology",
		"General Practice",
		"Endocrinology",
		"Neurology",
		"Pediatrics",
		"Psychiatry",
	}

	tx, err := pool.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	ids := make([]uuid.UUID, 0, count)
	for i := 0; i < count; i++ {
		id := uuid.New()
		spec := specialties[gofakeit.Number(0, len(specialties)-1)]

		_, err := tx.Exec(ctx, `
			INSERT INTO providers (id, name, specialty, created_at, updated_at)
			VALUES ($1, $2, $3, now(), now())
		`, id, gofakeit.Company()+" Clinic", spec)
		if err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}

	logger.Info().Msg("providers seeded")
	return ids, nil
}

func seedPatients(ctx context.Context, pool *pgxpool.Pool, logger zerolog.Logger, count int) ([]uuid.UUID, error) {
	logger.Info().Int("count", count).Msg("seeding patients")

	const batchSize = 100

	ids := make([]uuid.UUID, 0, count)
	for offset := 0; offset < count; offset += batchSize {
		end := offset + batchSize
		if end > count {
			end = count
		}

		tx, err := pool.Begin(ctx)
		if err != nil {
			return nil, err
		}

		for i := offset; i < end; i++ {
			id := uuid.New()

			_, err := tx.Exec(ctx, `
				INSERT INTO patients (id, name, email, created_at, updated_at)
				VALUES ($1, $2, $3, now(), now())
			`, id, gofakeit.Name(), gofakeit.Email())
			if err != nil {
				_ = tx.Rollback(ctx)
				return nil, err
			}
			ids = append(ids, id)
		}

		if err := tx.Commit(ctx); err != nil {
			return nil, err
		}

		logger.Info().Int("seeded", end).Int("total", count).Msg("patients progress")
	}

	logger.Info().Msg("patients seeded")
	return ids, nil
}

// seedReservations drives reservations through the real coordinators so the
// seeded data respects every lifecycle invariant.
func seedReservations(ctx context.Context, pool *pgxpool.Pool, logger zerolog.Logger, patients, providers []uuid.UUID, count int) error {
	logger.Info().Int("count", count).Msg("seeding reservations")

	repo := reservation.NewPgRepository(pool)
	co := reservation.Collaborators{Notifier: notify.NopDispatcher{}}
	patientSvc := reservation.NewPatientService(repo, co, logger)
	providerSvc := reservation.NewProviderService(repo, co, logger)

	for i := 0; i < count; i++ {
		patientID := patients[gofakeit.Number(0, len(patients)-1)]
		providerID := providers[gofakeit.Number(0, len(providers)-1)]
		tz := timezones[gofakeit.Number(0, len(timezones)-1)]

		res, err := patientSvc.RequestReservation(ctx, reservation.RequestReservationInput{
			PatientID:      patientID,
			ProviderID:     providerID,
			ConsultationID: uuid.New(),
			Timezone:       tz,
			Slots:          randomSlots(tz),
		})
		if err != nil {
			return err
		}

		// Leave a mix of lifecycle stages behind.
		switch gofakeit.Number(0, 4) {
		case 1:
			_, err = providerSvc.ProposeAlternates(ctx, res.ID, providerID, tz, randomSlots(tz))
		case 2:
			_, err = providerSvc.ConfirmReservation(ctx, res.ID, providerID, 1)
		case 3:
			if _, err = providerSvc.ProposeAlternates(ctx, res.ID, providerID, tz, randomSlots(tz)); err == nil {
				rank := 1
				_, err = patientSvc.RespondToProposal(ctx, res.ID, patientID, reservation.ProposalAccept, &rank)
			}
		case 4:
			_, err = patientSvc.CancelReservation(ctx, res.ID, patientID, gofakeit.Sentence(4))
		}
		if err != nil {
			return err
		}
	}

	logger.Info().Msg("reservations seeded")
	return nil
}

func randomSlots(tz string) []reservation.SlotInput {
	n := gofakeit.Number(1, 3)
	slots := make([]reservation.SlotInput, 0, n)
	for rank := 1; rank <= n; rank++ {
		day := time.Now().AddDate(0, 0, gofakeit.Number(1, 30))
		date, _, err := localtime.Render(day, tz)
		if err != nil {
			date = day.Format("2006-01-02")
		}
		slots = append(slots, reservation.SlotInput{
			Rank: rank,
			Date: date,
			Time: gofakeit.RandomString([]string{"09:00", "10:30", "14:00", "16:30"}),
		})
	}
	return slots
}
