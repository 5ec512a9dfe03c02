package patient

import (
	"errors"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"
)

var (
	ErrPatientNotFound   = errors.New("patient not found, complete first-visit registration")
	ErrDuplicateIDNumber = errors.New("a patient with this id number is already registered")
	ErrInvalidIDNumber   = errors.New("invalid id number")
	ErrMissingFields     = errors.New("missing required fields")
	ErrWeakPassword      = errors.New("password must be at least 8 characters")
)

type Patient struct {
	ID           uuid.UUID
	IDNumber     string
	BirthDate    time.Time
	Name         string
	Email        *string
	Phone        *string
	PasswordHash *string
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// Registration is the first-visit form.
type Registration struct {
	IDNumber  string
	BirthDate time.Time
	Name      string
	Email     *string
	Phone     *string
	Password  string // optional, stored as a bcrypt hash
}

// Validate checks required fields and the ID checksum. It normalizes the
// ID number in place.
func (r *Registration) Validate() error {
	r.IDNumber = NormalizeIDNumber(r.IDNumber)
	if r.IDNumber == "" || r.BirthDate.IsZero() || r.Name == "" {
		return ErrMissingFields
	}
	if !ValidIDNumber(r.IDNumber) {
		return ErrInvalidIDNumber
	}
	if r.Password != "" && len(r.Password) < minPasswordLen {
		return ErrWeakPassword
	}
	return nil
}

const minPasswordLen = 8

// HashPassword returns the bcrypt hash stored in patients.password_hash.
func HashPassword(password string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(hash), nil
}

// DateOnly truncates t to midnight UTC of its calendar day, which is how
// birth dates are stored and compared.
func DateOnly(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}
