package booking

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"

	"github.com/hackgods/clinic-booking/internal/config"
	"github.com/hackgods/clinic-booking/internal/db"
	"github.com/hackgods/clinic-booking/internal/patient"
)

// These tests need a disposable database: TEST_POSTGRES_DSN=postgres://...
func setupPg(t *testing.T) *pgxpool.Pool {
	t.Helper()

	dsn := os.Getenv("TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("TEST_POSTGRES_DSN not set")
	}

	ctx := context.Background()
	pool, err := db.ConnectPostgres(ctx, dsn)
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	t.Cleanup(pool.Close)

	if _, err := db.Migrate(ctx, pool); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return pool
}

func insertPgSlot(t *testing.T, pool *pgxpool.Pool, max int) uuid.UUID {
	t.Helper()
	ctx := context.Background()

	specialtyID, doctorID, slotID := uuid.New(), uuid.New(), uuid.New()
	err := pgx.BeginFunc(ctx, pool, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `INSERT INTO specialties (id, name) VALUES ($1, $2)`, specialtyID, "Specialty "+specialtyID.String()); err != nil {
			return err
		}
		if _, err := tx.Exec(ctx, `INSERT INTO doctors (id, name, specialty_id) VALUES ($1, 'Dr. Test', $2)`, doctorID, specialtyID); err != nil {
			return err
		}
		_, err := tx.Exec(ctx, `
			INSERT INTO doctor_schedules (id, doctor_id, schedule_slot, date, max_appointments, status)
			VALUES ($1, $2, 'Monday_Morning', $3, $4, 'AVAILABLE')
		`, slotID, doctorID, testDate, max)
		return err
	})
	if err != nil {
		t.Fatalf("insert slot: %v", err)
	}
	return slotID
}

func registerPgPatient(t *testing.T, repo *patient.PgRepository) string {
	t.Helper()

	// Random serials keep reruns against the same database apart.
	for {
		id := validID(int(uuid.New().ID() % 10_000_000))
		_, err := repo.Register(context.Background(), patient.Registration{IDNumber: id, BirthDate: testBirth, Name: "Test Patient"})
		if errors.Is(err, patient.ErrDuplicateIDNumber) {
			continue
		}
		if err != nil {
			t.Fatalf("register: %v", err)
		}
		return id
	}
}

func TestPgLedger_ConcurrentLastSeat(t *testing.T) {
	pool := setupPg(t)
	patients := patient.NewPgRepository(pool)
	ledger := NewPgLedger(pool, 3*time.Second)
	svc := NewService(ledger, patients, &stubCaptcha{ok: true}, config.Config{SafetyMargin: 3}, zerolog.Nop())

	slotID := insertPgSlot(t, pool, 1)

	const bookers = 10
	ids := make([]string, bookers)
	for i := range ids {
		ids[i] = registerPgPatient(t, patients)
	}

	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		successes int
	)
	for _, id := range ids {
		wg.Add(1)
		go func(idNumber string) {
			defer wg.Done()
			_, err := svc.CreateAppointment(context.Background(), anonRequest(idNumber, slotID))
			if err != nil && !errors.Is(err, ErrConflict) {
				t.Errorf("unexpected error: %v", err)
			}
			if err == nil {
				mu.Lock()
				successes++
				mu.Unlock()
			}
		}(id)
	}
	wg.Wait()

	if successes != 1 {
		t.Fatalf("successes = %d, want 1", successes)
	}

	st, err := svc.CheckScheduleStatus(context.Background(), slotID)
	if err != nil {
		t.Fatalf("CheckScheduleStatus: %v", err)
	}
	if st.BookedCount != 1 || st.Status != SlotFull {
		t.Errorf("status = %+v", st)
	}
}

func TestPgLedger_LockTimeout(t *testing.T) {
	pool := setupPg(t)
	ctx := context.Background()
	slotID := insertPgSlot(t, pool, 1)

	holder, err := pool.Begin(ctx)
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	defer holder.Rollback(ctx)
	if _, err := holder.Exec(ctx, `SELECT id FROM doctor_schedules WHERE id = $1 FOR UPDATE`, slotID); err != nil {
		t.Fatalf("hold lock: %v", err)
	}

	ledger := NewPgLedger(pool, 100*time.Millisecond)
	err = ledger.WithTx(ctx, func(tx SlotLedger) error {
		_, err := tx.LockSlotForUpdate(ctx, slotID)
		return err
	})
	if !errors.Is(err, ErrLockTimeout) {
		t.Fatalf("error = %v, want ErrLockTimeout", err)
	}
}

func TestPgLedger_UniqueConstraints(t *testing.T) {
	pool := setupPg(t)
	ctx := context.Background()
	patients := patient.NewPgRepository(pool)
	ledger := NewPgLedger(pool, time.Second)

	slotID := insertPgSlot(t, pool, 5)
	p1, err := patients.FindPatient(ctx, registerPgPatient(t, patients), testBirth)
	if err != nil {
		t.Fatalf("find patient: %v", err)
	}
	p2, err := patients.FindPatient(ctx, registerPgPatient(t, patients), testBirth)
	if err != nil {
		t.Fatalf("find patient: %v", err)
	}

	if _, err := ledger.InsertAppointment(ctx, p1.ID, slotID, 1); err != nil {
		t.Fatalf("insert: %v", err)
	}
	if _, err := ledger.InsertAppointment(ctx, p2.ID, slotID, 1); !errors.Is(err, errNumberTaken) {
		t.Errorf("same number error = %v, want errNumberTaken", err)
	}
	if _, err := ledger.InsertAppointment(ctx, p1.ID, slotID, 2); !errors.Is(err, ErrAlreadyBooked) {
		t.Errorf("second confirmed error = %v, want ErrAlreadyBooked", err)
	}
}

func TestMapWriteError(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want error
	}{
		{
			name: "lock timeout on the row lock",
			err:  &pgconn.PgError{Code: pgLockNotAvailable},
			want: ErrLockTimeout,
		},
		{
			name: "lock timeout while waiting on a unique index",
			err:  fmt.Errorf("insert: %w", &pgconn.PgError{Code: pgLockNotAvailable, TableName: "appointments"}),
			want: ErrLockTimeout,
		},
		{
			name: "consultation number taken",
			err:  &pgconn.PgError{Code: pgUniqueViolation, ConstraintName: numberConstraint},
			want: errNumberTaken,
		},
		{
			name: "second confirmed appointment",
			err:  &pgconn.PgError{Code: pgUniqueViolation, ConstraintName: oneConfirmedIndex},
			want: ErrAlreadyBooked,
		},
		{
			name: "other unique violation",
			err:  &pgconn.PgError{Code: pgUniqueViolation, ConstraintName: "patients_id_number_key"},
		},
		{
			name: "not a postgres error",
			err:  errors.New("connection reset"),
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := mapWriteError(tt.err)
			if tt.want == nil {
				if got != nil {
					t.Errorf("mapWriteError() = %v, want nil", got)
				}
				return
			}
			if !errors.Is(got, tt.want) {
				t.Errorf("mapWriteError() = %v, want %v", got, tt.want)
			}
		})
	}
}
