package booking

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/hackgods/clinic-booking/internal/patient"
)

const (
	pgUniqueViolation    = "23505"
	pgLockNotAvailable   = "55P03"
	numberConstraint     = "appointments_schedule_number_key"
	oneConfirmedIndex    = "appointments_one_confirmed_per_patient"
	slotCols             = `s.id, s.doctor_id, s.schedule_slot, s.date, s.max_appointments, s.status, s.created_at, s.updated_at`
	appointmentCols      = `id, patient_id, schedule_id, status, consultation_number, created_at, updated_at`
	appointmentColsAlias = `a.id, a.patient_id, a.schedule_id, a.status, a.consultation_number, a.created_at, a.updated_at`
)

type queryable interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// PgLedger is the Postgres SlotLedger. Slot exclusivity uses
// SELECT ... FOR UPDATE with a transaction-local lock_timeout.
type PgLedger struct {
	pool        *pgxpool.Pool
	tx          pgx.Tx
	lockTimeout time.Duration
}

func NewPgLedger(pool *pgxpool.Pool, lockTimeout time.Duration) *PgLedger {
	return &PgLedger{pool: pool, lockTimeout: lockTimeout}
}

func (l *PgLedger) conn() queryable {
	if l.tx != nil {
		return l.tx
	}
	return l.pool
}

func (l *PgLedger) WithTx(ctx context.Context, fn func(tx SlotLedger) error) error {
	if l.tx != nil {
		return fn(l)
	}
	return pgx.BeginFunc(ctx, l.pool, func(tx pgx.Tx) error {
		return fn(&PgLedger{pool: l.pool, tx: tx, lockTimeout: l.lockTimeout})
	})
}

// Helpers

// mapWriteError translates the Postgres failures the booking paths react to.
// The transaction-local lock_timeout covers every statement after
// LockSlotForUpdate, so unique-index waits and status updates can time out
// too. Other errors map to nil.
func mapWriteError(err error) error {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return nil
	}

	switch pgErr.Code {
	case pgLockNotAvailable:
		return ErrLockTimeout
	case pgUniqueViolation:
		switch pgErr.ConstraintName {
		case numberConstraint:
			return errNumberTaken
		case oneConfirmedIndex:
			return ErrAlreadyBooked
		}
	}
	return nil
}

func scanSlot(row pgx.Row) (*ScheduleSlot, error) {
	var s ScheduleSlot

	err := row.Scan(
		&s.ID,
		&s.DoctorID,
		&s.Slot,
		&s.Date,
		&s.MaxAppointments,
		&s.Status,
		&s.CreatedAt,
		&s.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrScheduleNotFound
		}
		return nil, err
	}

	return &s, nil
}

func scanAppointment(row pgx.Row) (*Appointment, error) {
	var a Appointment

	err := row.Scan(
		&a.ID,
		&a.PatientID,
		&a.ScheduleID,
		&a.Status,
		&a.ConsultationNumber,
		&a.CreatedAt,
		&a.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrAppointmentNotFound
		}
		return nil, err
	}

	return &a, nil
}

func scanDetail(row pgx.Row) (*AppointmentDetail, error) {
	var d AppointmentDetail
	s := &d.Slot

	err := row.Scan(
		&d.ID,
		&d.PatientID,
		&d.ScheduleID,
		&d.Status,
		&d.ConsultationNumber,
		&d.CreatedAt,
		&d.UpdatedAt,
		&s.ID,
		&s.DoctorID,
		&s.Slot,
		&s.Date,
		&s.MaxAppointments,
		&s.Status,
		&s.CreatedAt,
		&s.UpdatedAt,
		&d.DoctorName,
		&d.DoctorSpecialty,
		&d.PatientIDNumber,
		&d.PatientBirthDate,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrAppointmentNotFound
		}
		return nil, err
	}

	return &d, nil
}

// Interface methods

func (l *PgLedger) GetSlotWithCount(ctx context.Context, id uuid.UUID) (*SlotCount, error) {
	var sc SlotCount
	s := &sc.Slot

	err := l.conn().QueryRow(ctx, `
		SELECT `+slotCols+`, d.name, sp.name,
		       (SELECT count(*) FROM appointments a
		         WHERE a.schedule_id = s.id AND a.status = 'CONFIRMED')
		FROM doctor_schedules s
		JOIN doctors d ON d.id = s.doctor_id
		JOIN specialties sp ON sp.id = d.specialty_id
		WHERE s.id = $1
	`, id).Scan(
		&s.ID,
		&s.DoctorID,
		&s.Slot,
		&s.Date,
		&s.MaxAppointments,
		&s.Status,
		&s.CreatedAt,
		&s.UpdatedAt,
		&sc.DoctorName,
		&sc.DoctorSpecialty,
		&sc.Confirmed,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrScheduleNotFound
		}
		return nil, fmt.Errorf("get slot with count: %w", err)
	}

	return &sc, nil
}

func (l *PgLedger) LockSlotForUpdate(ctx context.Context, id uuid.UUID) (*ScheduleSlot, error) {
	if l.tx == nil {
		return nil, errors.New("lock slot: called outside a transaction")
	}

	timeout := fmt.Sprintf("%dms", l.lockTimeout.Milliseconds())
	if _, err := l.tx.Exec(ctx, `SELECT set_config('lock_timeout', $1, true)`, timeout); err != nil {
		return nil, fmt.Errorf("set lock_timeout: %w", err)
	}

	slot, err := scanSlot(l.tx.QueryRow(ctx, `
		SELECT `+slotCols+`
		FROM doctor_schedules s
		WHERE s.id = $1
		FOR UPDATE
	`, id))
	if err != nil {
		if mapped := mapWriteError(err); mapped != nil {
			return nil, mapped
		}
		if errors.Is(err, ErrScheduleNotFound) {
			return nil, err
		}
		return nil, fmt.Errorf("lock slot: %w", err)
	}

	return slot, nil
}

func (l *PgLedger) CountConfirmed(ctx context.Context, scheduleID uuid.UUID) (int, error) {
	var n int
	err := l.conn().QueryRow(ctx, `
		SELECT count(*) FROM appointments
		WHERE schedule_id = $1 AND status = 'CONFIRMED'
	`, scheduleID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count confirmed: %w", err)
	}
	return n, nil
}

func (l *PgLedger) HasConfirmedAppointment(ctx context.Context, patientID, scheduleID uuid.UUID) (bool, error) {
	var exists bool
	err := l.conn().QueryRow(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM appointments
			WHERE patient_id = $1 AND schedule_id = $2 AND status = 'CONFIRMED'
		)
	`, patientID, scheduleID).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("check existing booking: %w", err)
	}
	return exists, nil
}

func (l *PgLedger) MaxConsultationNumber(ctx context.Context, scheduleID uuid.UUID) (int, error) {
	var n int
	err := l.conn().QueryRow(ctx, `
		SELECT COALESCE(max(consultation_number), 0) FROM appointments
		WHERE schedule_id = $1
	`, scheduleID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("max consultation number: %w", err)
	}
	return n, nil
}

func (l *PgLedger) InsertAppointment(ctx context.Context, patientID, scheduleID uuid.UUID, number int) (*Appointment, error) {
	appt, err := scanAppointment(l.conn().QueryRow(ctx, `
		INSERT INTO appointments (id, patient_id, schedule_id, status, consultation_number, created_at, updated_at)
		VALUES ($1, $2, $3, 'CONFIRMED', $4, now(), now())
		RETURNING `+appointmentCols,
		uuid.New(), patientID, scheduleID, number))
	if err != nil {
		if mapped := mapWriteError(err); mapped != nil {
			return nil, mapped
		}
		return nil, fmt.Errorf("insert appointment: %w", err)
	}
	return appt, nil
}

func (l *PgLedger) SetSlotStatus(ctx context.Context, id uuid.UUID, status SlotStatus) error {
	tag, err := l.conn().Exec(ctx, `
		UPDATE doctor_schedules
		SET status = $2,
		    updated_at = now()
		WHERE id = $1
	`, id, status)
	if err != nil {
		if mapped := mapWriteError(err); mapped != nil {
			return mapped
		}
		return fmt.Errorf("set slot status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrScheduleNotFound
	}
	return nil
}

func (l *PgLedger) GetAppointment(ctx context.Context, id uuid.UUID) (*Appointment, error) {
	row := l.conn().QueryRow(ctx, `
		SELECT `+appointmentCols+`
		FROM appointments
		WHERE id = $1
	`, id)
	return scanAppointment(row)
}

func (l *PgLedger) CancelAppointment(ctx context.Context, id uuid.UUID) (*Appointment, error) {
	appt, err := scanAppointment(l.conn().QueryRow(ctx, `
		UPDATE appointments
		SET status = 'CANCELED',
		    updated_at = now()
		WHERE id = $1
		  AND status = 'CONFIRMED'
		RETURNING `+appointmentCols, id))
	if errors.Is(err, ErrAppointmentNotFound) {
		if _, getErr := l.GetAppointment(ctx, id); getErr != nil {
			return nil, getErr
		}
		return nil, ErrAlreadyCanceled
	}
	if err != nil {
		if mapped := mapWriteError(err); mapped != nil {
			return nil, mapped
		}
		return nil, fmt.Errorf("cancel appointment: %w", err)
	}
	return appt, nil
}

const detailSelect = `
	SELECT ` + appointmentColsAlias + `, ` + slotCols + `,
	       d.name, sp.name, p.id_number, p.birth_date
	FROM appointments a
	JOIN doctor_schedules s ON s.id = a.schedule_id
	JOIN doctors d ON d.id = s.doctor_id
	JOIN specialties sp ON sp.id = d.specialty_id
	JOIN patients p ON p.id = a.patient_id
`

func (l *PgLedger) GetAppointmentDetail(ctx context.Context, id uuid.UUID) (*AppointmentDetail, error) {
	return scanDetail(l.conn().QueryRow(ctx, detailSelect+` WHERE a.id = $1`, id))
}

func (l *PgLedger) ListAppointmentDetailsByPatient(ctx context.Context, patientID uuid.UUID, q PatientAppointmentsQuery) ([]AppointmentDetail, error) {
	where, order := `s.date >= $2`, `s.date ASC, s.schedule_slot ASC, a.created_at ASC`
	if q.Past {
		where, order = `s.date < $2`, `s.date DESC, s.schedule_slot DESC, a.created_at DESC`
	}

	rows, err := l.conn().Query(ctx, detailSelect+`
		WHERE a.patient_id = $1 AND `+where+`
		ORDER BY `+order+`
		LIMIT $3 OFFSET $4
	`, patientID, patient.DateOnly(q.Today), q.Limit, q.Offset)
	if err != nil {
		return nil, fmt.Errorf("list appointments by patient: %w", err)
	}
	defer rows.Close()

	var result []AppointmentDetail
	for rows.Next() {
		d, err := scanDetail(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, *d)
	}

	if err := rows.Err(); err != nil {
		return nil, err
	}

	return result, nil
}

func (l *PgLedger) ListScheduleIDsFrom(ctx context.Context, from time.Time) ([]uuid.UUID, error) {
	rows, err := l.conn().Query(ctx, `
		SELECT id FROM doctor_schedules
		WHERE date >= $1
		ORDER BY date, id
	`, from)
	if err != nil {
		return nil, fmt.Errorf("list schedule ids: %w", err)
	}
	defer rows.Close()

	ids, err := pgx.CollectRows(rows, pgx.RowTo[uuid.UUID])
	if err != nil {
		return nil, fmt.Errorf("collect schedule ids: %w", err)
	}
	return ids, nil
}

func (l *PgLedger) InsertEvent(ctx context.Context, ev EventLog) error {
	_, err := l.conn().Exec(ctx, `
		INSERT INTO event_logs (event_type, appointment_id, schedule_id, payload, created_at)
		VALUES ($1, $2, $3, $4, COALESCE($5, now()))
	`, ev.EventType, ev.AppointmentID, ev.ScheduleID, ev.Payload, nullableTime(ev.CreatedAt))
	if err != nil {
		return fmt.Errorf("insert event log: %w", err)
	}

	return nil
}

func nullableTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}
