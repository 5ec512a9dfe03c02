package schedule

import (
	"errors"
	"time"

	"github.com/google/uuid"
)

var (
	ErrDoctorNotFound    = errors.New("doctor not found")
	ErrSpecialtyNotFound = errors.New("specialty not found")
)

type Specialty struct {
	ID   uuid.UUID
	Name string
}

type Doctor struct {
	ID          uuid.UUID
	Name        string
	SpecialtyID uuid.UUID
	Specialty   string
	Description string
}

// Session is a bookable slot as shown to browsing patients.
type Session struct {
	ID              uuid.UUID
	DoctorID        uuid.UUID
	DoctorName      string
	Specialty       string
	Slot            string
	Date            time.Time
	MaxAppointments int
	Status          string
	Booked          int
}

// Labels used for recurring sessions: "<Weekday>_<Period>".
var Periods = []string{"Morning", "Afternoon"}

func Label(day time.Weekday, period string) string {
	return day.String() + "_" + period
}
