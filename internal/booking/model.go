package booking

import (
	"time"

	"github.com/google/uuid"

	"github.com/hackgods/clinic-booking/internal/patient"
)

type AppointmentStatus string

const (
	StatusConfirmed AppointmentStatus = "CONFIRMED"
	StatusCanceled  AppointmentStatus = "CANCELED"
)

type SlotStatus string

const (
	SlotAvailable SlotStatus = "AVAILABLE"
	SlotFull      SlotStatus = "FULL"
)

// ScheduleSlot is one bookable clinic session. Status caches whether the
// confirmed count has reached MaxAppointments; the count is authoritative.
type ScheduleSlot struct {
	ID              uuid.UUID
	DoctorID        uuid.UUID
	Slot            string // weekday and period label, e.g. "Monday_Morning"
	Date            time.Time
	MaxAppointments int
	Status          SlotStatus
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// SlotCount is a slot read together with its live confirmed count and the
// doctor fields needed to format a booking.
type SlotCount struct {
	Slot            ScheduleSlot
	DoctorName      string
	DoctorSpecialty string
	Confirmed       int
}

type Appointment struct {
	ID                 uuid.UUID
	PatientID          uuid.UUID
	ScheduleID         uuid.UUID
	Status             AppointmentStatus
	ConsultationNumber int
	CreatedAt          time.Time
	UpdatedAt          time.Time
}

type AppointmentDetail struct {
	Appointment
	Slot             ScheduleSlot
	DoctorName       string
	DoctorSpecialty  string
	PatientIDNumber  string
	PatientBirthDate time.Time
}

// FormattedAppointment is what callers of the booking operations receive.
type FormattedAppointment struct {
	AppointmentID      uuid.UUID
	Date               time.Time
	ScheduleSlot       string
	DoctorName         string
	DoctorSpecialty    string
	ConsultationNumber int
	Status             AppointmentStatus
}

type ScheduleStatus struct {
	ScheduleID      uuid.UUID
	Status          SlotStatus
	BookedCount     int
	MaxAppointments int
}

type EventLog struct {
	ID            int64
	EventType     string
	AppointmentID *uuid.UUID
	ScheduleID    *uuid.UUID
	Payload       []byte
	CreatedAt     time.Time
}

// Caller is the identity fact supplied by the transport layer.
type Caller struct {
	Authenticated   bool
	Admin           bool
	CaptchaVerified bool // a prior captcha pass is still valid
	IDNumber        string
	BirthDate       time.Time
}

type CreateRequest struct {
	IDNumber     string
	BirthDate    time.Time
	ScheduleID   uuid.UUID
	CaptchaToken string
	Caller       Caller
}

// ListRequest selects upcoming appointments, or past ones when Past is set.
type ListRequest struct {
	IDNumber     string
	BirthDate    time.Time
	CaptchaToken string
	Caller       Caller
	Past         bool
	Limit        int
	Offset       int
}

// PatientAppointmentsQuery pages one side of a patient's history. Sessions
// dated Today or later are upcoming and listed soonest first; earlier ones
// are past and listed most recent first.
type PatientAppointmentsQuery struct {
	Today  time.Time
	Past   bool
	Limit  int
	Offset int
}

// FirstVisitRequest registers a patient and books their first session.
type FirstVisitRequest struct {
	Registration patient.Registration
	ScheduleID   uuid.UUID
	CaptchaToken string
	Caller       Caller
}

type FirstVisitResult struct {
	Patient     *patient.Patient
	Appointment *FormattedAppointment
}
