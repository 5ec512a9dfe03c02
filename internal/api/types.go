package api

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/hackgods/clinic-booking/internal/booking"
	"github.com/hackgods/clinic-booking/internal/patient"
	"github.com/hackgods/clinic-booking/internal/schedule"
)

const dateLayout = time.DateOnly

type CreateAppointmentRequest struct {
	IDNumber     string `json:"id_number"`
	BirthDate    string `json:"birth_date"`
	ScheduleID   string `json:"schedule_id"`
	CaptchaToken string `json:"captcha_token"`
}

// IdentityRequest carries the patient identity for anonymous cancel and
// list calls. Fields may be omitted when a patient bearer token is sent.
type IdentityRequest struct {
	IDNumber     string `json:"id_number"`
	BirthDate    string `json:"birth_date"`
	CaptchaToken string `json:"captcha_token,omitempty"`
	Limit        int    `json:"limit,omitempty"`
	Offset       int    `json:"offset,omitempty"`
}

// FirstVisitRequest is the registration form plus the session to book.
type FirstVisitRequest struct {
	RegisterPatientRequest
	ScheduleID   string `json:"schedule_id"`
	CaptchaToken string `json:"captcha_token"`
}

type FirstVisitResponse struct {
	Patient     PatientResponse     `json:"patient"`
	Appointment AppointmentResponse `json:"appointment"`
}

type RegisterPatientRequest struct {
	IDNumber  string  `json:"id_number"`
	BirthDate string  `json:"birth_date"`
	Name      string  `json:"name"`
	Email     *string `json:"email,omitempty"`
	Phone     *string `json:"phone,omitempty"`
	Password  string  `json:"password,omitempty"`
}

type AppointmentResponse struct {
	AppointmentID      uuid.UUID `json:"appointment_id"`
	Date               string    `json:"date"`
	ScheduleSlot       string    `json:"schedule_slot"`
	DoctorName         string    `json:"doctor_name"`
	DoctorSpecialty    string    `json:"doctor_specialty"`
	ConsultationNumber int       `json:"consultation_number"`
	Status             string    `json:"status"`
}

type ScheduleStatusResponse struct {
	ScheduleID      uuid.UUID `json:"schedule_id"`
	Status          string    `json:"status"`
	BookedCount     int       `json:"booked_count"`
	MaxAppointments int       `json:"max_appointments"`
}

type PatientResponse struct {
	ID        uuid.UUID `json:"id"`
	IDNumber  string    `json:"id_number"`
	BirthDate string    `json:"birth_date"`
	Name      string    `json:"name"`
	Email     *string   `json:"email,omitempty"`
	Phone     *string   `json:"phone,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

type SpecialtyResponse struct {
	ID   uuid.UUID `json:"id"`
	Name string    `json:"name"`
}

type DoctorResponse struct {
	ID          uuid.UUID `json:"id"`
	Name        string    `json:"name"`
	SpecialtyID uuid.UUID `json:"specialty_id"`
	Specialty   string    `json:"specialty"`
	Description string    `json:"description,omitempty"`
}

type SessionResponse struct {
	ID              uuid.UUID `json:"id"`
	DoctorID        uuid.UUID `json:"doctor_id"`
	DoctorName      string    `json:"doctor_name,omitempty"`
	Specialty       string    `json:"specialty,omitempty"`
	Date            string    `json:"date"`
	ScheduleSlot    string    `json:"schedule_slot"`
	MaxAppointments int       `json:"max_appointments"`
	BookedCount     int       `json:"booked_count"`
	Status          string    `json:"status"`
}

type ErrorResponse struct {
	Error   string `json:"error"`
	Details string `json:"details,omitempty"`
}

// parseDate accepts an empty string as the zero time so the service can
// decide whether the field was required.
func parseDate(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	t, err := time.Parse(dateLayout, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("date %q must be YYYY-MM-DD", s)
	}
	return t, nil
}

func toAppointmentResponse(a *booking.FormattedAppointment) AppointmentResponse {
	return AppointmentResponse{
		AppointmentID:      a.AppointmentID,
		Date:               a.Date.Format(dateLayout),
		ScheduleSlot:       a.ScheduleSlot,
		DoctorName:         a.DoctorName,
		DoctorSpecialty:    a.DoctorSpecialty,
		ConsultationNumber: a.ConsultationNumber,
		Status:             string(a.Status),
	}
}

func toPatientResponse(p *patient.Patient) PatientResponse {
	return PatientResponse{
		ID:        p.ID,
		IDNumber:  p.IDNumber,
		BirthDate: p.BirthDate.Format(dateLayout),
		Name:      p.Name,
		Email:     p.Email,
		Phone:     p.Phone,
		CreatedAt: p.CreatedAt,
	}
}

func (r RegisterPatientRequest) registration(birthDate time.Time) patient.Registration {
	return patient.Registration{
		IDNumber:  r.IDNumber,
		BirthDate: birthDate,
		Name:      r.Name,
		Email:     r.Email,
		Phone:     r.Phone,
		Password:  r.Password,
	}
}

func toDoctorResponse(d schedule.Doctor) DoctorResponse {
	return DoctorResponse{
		ID:          d.ID,
		Name:        d.Name,
		SpecialtyID: d.SpecialtyID,
		Specialty:   d.Specialty,
		Description: d.Description,
	}
}

// toSessionResponse reports the status derived from the live count rather
// than the cached flag.
func toSessionResponse(s schedule.Session) SessionResponse {
	return SessionResponse{
		ID:              s.ID,
		DoctorID:        s.DoctorID,
		DoctorName:      s.DoctorName,
		Specialty:       s.Specialty,
		Date:            s.Date.Format(dateLayout),
		ScheduleSlot:    s.Slot,
		MaxAppointments: s.MaxAppointments,
		BookedCount:     s.Booked,
		Status:          string(booking.DeriveStatus(s.Booked, s.MaxAppointments)),
	}
}

func toSessionResponses(sessions []schedule.Session) []SessionResponse {
	resp := make([]SessionResponse, 0, len(sessions))
	for _, s := range sessions {
		resp = append(resp, toSessionResponse(s))
	}
	return resp
}
