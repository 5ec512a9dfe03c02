package schedule

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

type PgRepository struct {
	pool *pgxpool.Pool
}

func NewPgRepository(pool *pgxpool.Pool) *PgRepository {
	return &PgRepository{pool: pool}
}

func scanDoctor(row pgx.Row) (*Doctor, error) {
	var d Doctor

	err := row.Scan(&d.ID, &d.Name, &d.SpecialtyID, &d.Specialty, &d.Description)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrDoctorNotFound
		}
		return nil, err
	}

	return &d, nil
}

func (r *PgRepository) ListSpecialties(ctx context.Context) ([]Specialty, error) {
	rows, err := r.pool.Query(ctx, `SELECT id, name FROM specialties ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("list specialties: %w", err)
	}
	defer rows.Close()

	var result []Specialty
	for rows.Next() {
		var s Specialty
		if err := rows.Scan(&s.ID, &s.Name); err != nil {
			return nil, err
		}
		result = append(result, s)
	}
	return result, rows.Err()
}

const doctorSelect = `
	SELECT d.id, d.name, d.specialty_id, sp.name, d.description
	FROM doctors d
	JOIN specialties sp ON sp.id = d.specialty_id
`

// ListDoctors lists doctors, optionally restricted to one specialty.
func (r *PgRepository) ListDoctors(ctx context.Context, specialtyID *uuid.UUID) ([]Doctor, error) {
	rows, err := r.pool.Query(ctx, doctorSelect+`
		WHERE $1::uuid IS NULL OR d.specialty_id = $1
		ORDER BY d.name
	`, specialtyID)
	if err != nil {
		return nil, fmt.Errorf("list doctors: %w", err)
	}
	defer rows.Close()

	var result []Doctor
	for rows.Next() {
		d, err := scanDoctor(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, *d)
	}
	return result, rows.Err()
}

func (r *PgRepository) GetDoctor(ctx context.Context, id uuid.UUID) (*Doctor, error) {
	return scanDoctor(r.pool.QueryRow(ctx, doctorSelect+` WHERE d.id = $1`, id))
}

// SearchDoctors matches query against doctor and specialty names,
// case-insensitively.
func (r *PgRepository) SearchDoctors(ctx context.Context, query string) ([]Doctor, error) {
	rows, err := r.pool.Query(ctx, doctorSelect+`
		WHERE d.name ILIKE '%' || $1 || '%'
		   OR sp.name ILIKE '%' || $1 || '%'
		ORDER BY d.name
	`, escapeLike(query))
	if err != nil {
		return nil, fmt.Errorf("search doctors: %w", err)
	}
	defer rows.Close()

	var result []Doctor
	for rows.Next() {
		d, err := scanDoctor(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, *d)
	}
	return result, rows.Err()
}

func (r *PgRepository) GetSpecialty(ctx context.Context, id uuid.UUID) (*Specialty, error) {
	var s Specialty
	err := r.pool.QueryRow(ctx, `SELECT id, name FROM specialties WHERE id = $1`, id).Scan(&s.ID, &s.Name)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrSpecialtyNotFound
		}
		return nil, fmt.Errorf("get specialty: %w", err)
	}
	return &s, nil
}

const sessionSelect = `
	SELECT s.id, s.doctor_id, d.name, sp.name, s.schedule_slot, s.date, s.max_appointments, s.status,
	       (SELECT count(*) FROM appointments a
	         WHERE a.schedule_id = s.id AND a.status = 'CONFIRMED')
	FROM doctor_schedules s
	JOIN doctors d ON d.id = s.doctor_id
	JOIN specialties sp ON sp.id = d.specialty_id
`

// ListDoctorSessions returns the doctor's sessions dated on or after from,
// with their live confirmed counts.
func (r *PgRepository) ListDoctorSessions(ctx context.Context, doctorID uuid.UUID, from time.Time) ([]Session, error) {
	rows, err := r.pool.Query(ctx, sessionSelect+`
		WHERE s.doctor_id = $1 AND s.date >= $2
		ORDER BY s.date, s.schedule_slot
	`, doctorID, dateOf(from))
	if err != nil {
		return nil, fmt.Errorf("list doctor sessions: %w", err)
	}
	return collectSessions(rows)
}

// ListSpecialtySessions returns upcoming sessions of every doctor in the
// specialty.
func (r *PgRepository) ListSpecialtySessions(ctx context.Context, specialtyID uuid.UUID, from time.Time) ([]Session, error) {
	rows, err := r.pool.Query(ctx, sessionSelect+`
		WHERE d.specialty_id = $1 AND s.date >= $2
		ORDER BY s.date, s.schedule_slot, d.name
	`, specialtyID, dateOf(from))
	if err != nil {
		return nil, fmt.Errorf("list specialty sessions: %w", err)
	}
	return collectSessions(rows)
}

func collectSessions(rows pgx.Rows) ([]Session, error) {
	defer rows.Close()

	var result []Session
	for rows.Next() {
		var s Session
		err := rows.Scan(&s.ID, &s.DoctorID, &s.DoctorName, &s.Specialty, &s.Slot, &s.Date,
			&s.MaxAppointments, &s.Status, &s.Booked)
		if err != nil {
			return nil, err
		}
		result = append(result, s)
	}
	return result, rows.Err()
}

// escapeLike makes % and _ in user input match literally.
func escapeLike(s string) string {
	return strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`).Replace(s)
}

// Store implementation

func (r *PgRepository) ListDoctorIDs(ctx context.Context) ([]uuid.UUID, error) {
	rows, err := r.pool.Query(ctx, `SELECT id FROM doctors ORDER BY id`)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, pgx.RowTo[uuid.UUID])
}

func (r *PgRepository) LatestSessions(ctx context.Context, doctorID uuid.UUID) (map[string]time.Time, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT schedule_slot, max(date)
		FROM doctor_schedules
		WHERE doctor_id = $1
		GROUP BY schedule_slot
	`, doctorID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	latest := make(map[string]time.Time)
	for rows.Next() {
		var (
			label string
			date  time.Time
		)
		if err := rows.Scan(&label, &date); err != nil {
			return nil, err
		}
		latest[label] = date
	}
	return latest, rows.Err()
}

func (r *PgRepository) SessionDatesFrom(ctx context.Context, doctorID uuid.UUID, label string, from time.Time) ([]time.Time, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT date FROM doctor_schedules
		WHERE doctor_id = $1 AND schedule_slot = $2 AND date >= $3
		ORDER BY date
	`, doctorID, label, from)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, pgx.RowTo[time.Time])
}

func (r *PgRepository) InsertSession(ctx context.Context, doctorID uuid.UUID, label string, date time.Time, max int) (bool, error) {
	tag, err := r.pool.Exec(ctx, `
		INSERT INTO doctor_schedules (id, doctor_id, schedule_slot, date, max_appointments, status, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, 'AVAILABLE', now(), now())
		ON CONFLICT (doctor_id, schedule_slot, date) DO NOTHING
	`, uuid.New(), doctorID, label, date, max)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}
