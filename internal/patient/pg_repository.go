package patient

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

const patientCols = `id, id_number, birth_date, name, email, phone, password_hash, created_at, updated_at`

type PgRepository struct {
	pool *pgxpool.Pool
}

func NewPgRepository(pool *pgxpool.Pool) *PgRepository {
	return &PgRepository{pool: pool}
}

func scanPatient(row pgx.Row) (*Patient, error) {
	var p Patient

	err := row.Scan(
		&p.ID,
		&p.IDNumber,
		&p.BirthDate,
		&p.Name,
		&p.Email,
		&p.Phone,
		&p.PasswordHash,
		&p.CreatedAt,
		&p.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrPatientNotFound
		}
		return nil, err
	}

	return &p, nil
}

// FindPatient resolves a patient by the exact (idNumber, birthDate) pair.
func (r *PgRepository) FindPatient(ctx context.Context, idNumber string, birthDate time.Time) (*Patient, error) {
	row := r.pool.QueryRow(ctx, `
		SELECT `+patientCols+`
		FROM patients
		WHERE id_number = $1 AND birth_date = $2
	`, idNumber, DateOnly(birthDate))
	return scanPatient(row)
}

// Register validates and stores a first-visit patient.
func (r *PgRepository) Register(ctx context.Context, reg Registration) (*Patient, error) {
	if err := reg.Validate(); err != nil {
		return nil, err
	}

	var passwordHash *string
	if reg.Password != "" {
		hash, err := HashPassword(reg.Password)
		if err != nil {
			return nil, fmt.Errorf("hash password: %w", err)
		}
		passwordHash = &hash
	}

	row := r.pool.QueryRow(ctx, `
		INSERT INTO patients (id, id_number, birth_date, name, email, phone, password_hash, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, now(), now())
		RETURNING `+patientCols,
		uuid.New(), reg.IDNumber, DateOnly(reg.BirthDate), reg.Name, reg.Email, reg.Phone, passwordHash)

	p, err := scanPatient(row)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return nil, ErrDuplicateIDNumber
		}
		return nil, fmt.Errorf("insert patient: %w", err)
	}

	return p, nil
}
