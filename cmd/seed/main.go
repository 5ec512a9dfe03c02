package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/brianvoe/gofakeit/v7"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/hackgods/clinic-booking/internal/config"
	"github.com/hackgods/clinic-booking/internal/db"
	"github.com/hackgods/clinic-booking/internal/logging"
	"github.com/hackgods/clinic-booking/internal/patient"
	"github.com/hackgods/clinic-booking/internal/schedule"
)

var specialties = []string{
	"Dermatology",
	"Cardiology",
	"Family Medicine",
	"Orthopedics",
	"Endocrinology",
	"Neurology",
	"Pediatrics",
	"Psychiatry",
	"Ophthalmology",
	"ENT",
}

var weekdays = []time.Weekday{time.Monday, time.Tuesday, time.Wednesday, time.Thursday, time.Friday}

func main() {
	cmd := &cobra.Command{
		Use:          "seed",
		Short:        "Fill the database with fake specialties, doctors, patients and sessions",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			doctors, _ := cmd.Flags().GetInt("doctors")
			patients, _ := cmd.Flags().GetInt("patients")
			sessions, _ := cmd.Flags().GetInt("sessions-per-doctor")
			return run(cmd.Context(), doctors, patients, sessions)
		},
	}
	cmd.Flags().Int("doctors", 40, "Number of doctors")
	cmd.Flags().Int("patients", 5000, "Number of patients")
	cmd.Flags().Int("sessions-per-doctor", 3, "Recurring weekly sessions per doctor")

	if err := cmd.ExecuteContext(context.Background()); err != nil {
		os.Exit(1)
	}
}

func run(ctx context.Context, doctorCount, patientCount, sessionsPerDoctor int) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	logger := logging.New(cfg.Env, cfg.LogLevel)
	logger.Info().Msg("seed starting")

	connCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	pool, err := db.ConnectPostgres(connCtx, cfg.PostgresDSN)
	cancel()
	if err != nil {
		return fmt.Errorf("connect postgres: %w", err)
	}
	defer pool.Close()

	if _, err := db.Migrate(ctx, pool); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}

	specialtyIDs, err := seedSpecialties(ctx, pool, logger)
	if err != nil {
		return fmt.Errorf("seed specialties: %w", err)
	}
	if err := seedDoctors(ctx, pool, specialtyIDs, doctorCount, logger); err != nil {
		return fmt.Errorf("seed doctors: %w", err)
	}
	if err := seedPatients(ctx, pool, patientCount, logger); err != nil {
		return fmt.Errorf("seed patients: %w", err)
	}

	repo := schedule.NewPgRepository(pool)
	if err := seedSessions(ctx, repo, sessionsPerDoctor, cfg.DefaultMaxAppointments, logger); err != nil {
		return fmt.Errorf("seed sessions: %w", err)
	}

	gen := schedule.NewGenerator(repo, cfg.ScheduleWeeksAhead, cfg.DefaultMaxAppointments, logger)
	created, err := gen.EnsureAll(ctx, time.Now())
	if err != nil {
		return fmt.Errorf("generate sessions: %w", err)
	}

	logger.Info().Int("sessions_generated", created).Msg("seed complete")
	return nil
}

func seedSpecialties(ctx context.Context, pool *pgxpool.Pool, logger zerolog.Logger) ([]uuid.UUID, error) {
	ids := make([]uuid.UUID, 0, len(specialties))
	for _, name := range specialties {
		var id uuid.UUID
		err := pool.QueryRow(ctx, `
			INSERT INTO specialties (id, name)
			VALUES ($1, $2)
			ON CONFLICT (name) DO UPDATE SET name = EXCLUDED.name
			RETURNING id
		`, uuid.New(), name).Scan(&id)
		if err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	logger.Info().Int("count", len(ids)).Msg("specialties seeded")
	return ids, nil
}

func seedDoctors(ctx context.Context, pool *pgxpool.Pool, specialtyIDs []uuid.UUID, count int, logger zerolog.Logger) error {
	return pgx.BeginFunc(ctx, pool, func(tx pgx.Tx) error {
		for i := 0; i < count; i++ {
			spec := specialtyIDs[gofakeit.Number(0, len(specialtyIDs)-1)]
			_, err := tx.Exec(ctx, `
				INSERT INTO doctors (id, name, specialty_id, description, created_at, updated_at)
				VALUES ($1, $2, $3, $4, now(), now())
			`, uuid.New(), "Dr. "+gofakeit.Name(), spec, fmt.Sprintf("Attending physician, %d years in practice", gofakeit.Number(3, 35)))
			if err != nil {
				return err
			}
		}
		logger.Info().Int("count", count).Msg("doctors seeded")
		return nil
	})
}

func seedPatients(ctx context.Context, pool *pgxpool.Pool, count int, logger zerolog.Logger) error {
	const batchSize = 500

	for offset := 0; offset < count; offset += batchSize {
		end := offset + batchSize
		if end > count {
			end = count
		}

		batch := &pgx.Batch{}
		for i := offset; i < end; i++ {
			email := gofakeit.Email()
			phone := gofakeit.Phone()
			batch.Queue(`
				INSERT INTO patients (id, id_number, birth_date, name, email, phone, created_at, updated_at)
				VALUES ($1, $2, $3, $4, $5, $6, now(), now())
				ON CONFLICT ON CONSTRAINT patients_id_number_key DO NOTHING
			`, uuid.New(), fakeIDNumber(), fakeBirthDate(), gofakeit.Name(), email, phone)
		}

		if err := pool.SendBatch(ctx, batch).Close(); err != nil {
			return err
		}
		logger.Info().Int("seeded", end).Int("total", count).Msg("patients progress")
	}

	logger.Info().Msg("patients seeded")
	return nil
}

// seedSessions gives every doctor a few recurring weekly labels, each with
// its first upcoming session. The generator extends them from there.
func seedSessions(ctx context.Context, repo *schedule.PgRepository, perDoctor, capacity int, logger zerolog.Logger) error {
	doctors, err := repo.ListDoctorIDs(ctx)
	if err != nil {
		return err
	}

	today := time.Now().UTC()
	created := 0
	for _, doctorID := range doctors {
		for _, label := range pickLabels(perDoctor) {
			ok, err := repo.InsertSession(ctx, doctorID, label.name, nextOn(today, label.day), capacity)
			if err != nil {
				return err
			}
			if ok {
				created++
			}
		}
	}

	logger.Info().Int("doctors", len(doctors)).Int("sessions", created).Msg("sessions seeded")
	return nil
}

type label struct {
	name string
	day  time.Weekday
}

func pickLabels(n int) []label {
	all := make([]label, 0, len(weekdays)*len(schedule.Periods))
	for _, d := range weekdays {
		for _, p := range schedule.Periods {
			all = append(all, label{name: schedule.Label(d, p), day: d})
		}
	}
	for i := len(all) - 1; i > 0; i-- {
		j := gofakeit.Number(0, i)
		all[i], all[j] = all[j], all[i]
	}
	if n > len(all) {
		n = len(all)
	}
	return all[:n]
}

// nextOn returns the first date on or after from that falls on day.
func nextOn(from time.Time, day time.Weekday) time.Time {
	d := time.Date(from.Year(), from.Month(), from.Day(), 0, 0, 0, 0, time.UTC)
	for d.Weekday() != day {
		d = d.AddDate(0, 0, 1)
	}
	return d
}

func fakeIDNumber() string {
	for {
		prefix := fmt.Sprintf("%c%d%07d", 'A'+rune(gofakeit.Number(0, 25)), gofakeit.Number(1, 2), gofakeit.Number(0, 9_999_999))
		if id, ok := patient.CompleteIDNumber(prefix); ok {
			return id
		}
	}
}

func fakeBirthDate() time.Time {
	t := gofakeit.DateRange(time.Date(1940, 1, 1, 0, 0, 0, 0, time.UTC), time.Date(2015, 12, 31, 0, 0, 0, 0, time.UTC))
	return patient.DateOnly(t)
}
