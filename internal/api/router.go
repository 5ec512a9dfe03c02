package api

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/hackgods/clinic-booking/internal/booking"
	"github.com/hackgods/clinic-booking/internal/metrics"
	"github.com/hackgods/clinic-booking/internal/patient"
	"github.com/hackgods/clinic-booking/internal/schedule"
)

type BookingService interface {
	CreateAppointment(ctx context.Context, req booking.CreateRequest) (*booking.FormattedAppointment, error)
	CreateFirstVisit(ctx context.Context, req booking.FirstVisitRequest) (*booking.FirstVisitResult, error)
	CancelAppointment(ctx context.Context, id uuid.UUID, caller booking.Caller) (*booking.FormattedAppointment, error)
	GetAppointment(ctx context.Context, id uuid.UUID, caller booking.Caller) (*booking.FormattedAppointment, error)
	ListPatientAppointments(ctx context.Context, req booking.ListRequest) ([]booking.FormattedAppointment, error)
	CheckScheduleStatus(ctx context.Context, scheduleID uuid.UUID) (*booking.ScheduleStatus, error)
}

type PatientRegistrar interface {
	Register(ctx context.Context, reg patient.Registration) (*patient.Patient, error)
}

// Directory serves the browsing endpoints.
type Directory interface {
	ListSpecialties(ctx context.Context) ([]schedule.Specialty, error)
	GetSpecialty(ctx context.Context, id uuid.UUID) (*schedule.Specialty, error)
	ListSpecialtySessions(ctx context.Context, specialtyID uuid.UUID, from time.Time) ([]schedule.Session, error)
	ListDoctors(ctx context.Context, specialtyID *uuid.UUID) ([]schedule.Doctor, error)
	SearchDoctors(ctx context.Context, query string) ([]schedule.Doctor, error)
	GetDoctor(ctx context.Context, id uuid.UUID) (*schedule.Doctor, error)
	ListDoctorSessions(ctx context.Context, doctorID uuid.UUID, from time.Time) ([]schedule.Session, error)
}

type RouterConfig struct {
	Bookings  BookingService
	Patients  PatientRegistrar
	Directory Directory
	Passes    CaptchaPasses // optional
	Metrics   *metrics.Metrics
	Health    *HealthHandler
	JWTSecret []byte
	Logger    zerolog.Logger
	Now       func() time.Time
}

func NewRouter(cfg RouterConfig) http.Handler {
	if cfg.Now == nil {
		cfg.Now = time.Now
	}

	r := chi.NewRouter()

	r.Use(RequestIDMiddleware)
	r.Use(LoggingMiddleware(cfg.Logger))
	r.Use(RecoveryMiddleware(cfg.Logger))
	if cfg.Metrics != nil {
		r.Use(cfg.Metrics.Middleware)
		r.Method(http.MethodGet, "/metrics", cfg.Metrics.Handler())
	}

	if cfg.Health != nil {
		r.Get("/health/live", cfg.Health.Liveness)
		r.Get("/health/ready", cfg.Health.Readiness)
	}

	appts := &appointmentHandlers{svc: cfg.Bookings, passes: cfg.Passes, logger: cfg.Logger}

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(CallerMiddleware(cfg.JWTSecret, cfg.Passes, cfg.Logger))

		r.Post("/appointments", appts.create)
		r.Post("/appointments/first-visit", appts.firstVisit)
		r.Post("/appointments/by-patient", appts.listByPatient(false))
		r.Post("/appointments/by-patient/past", appts.listByPatient(true))
		r.Get("/appointments/{id}", appts.get)
		r.Post("/appointments/{id}/cancel", appts.cancel)

		r.Get("/schedules/{id}/status", scheduleStatusHandler(cfg.Bookings, cfg.Logger))

		r.Post("/patients", registerPatientHandler(cfg.Patients, cfg.Logger))

		r.Get("/specialties", listSpecialtiesHandler(cfg.Directory, cfg.Logger))
		r.Get("/specialties/{id}/schedules", listSpecialtySessionsHandler(cfg.Directory, cfg.Now, cfg.Logger))
		r.Get("/doctors", listDoctorsHandler(cfg.Directory, cfg.Logger))
		r.Get("/doctors/search", searchDoctorsHandler(cfg.Directory, cfg.Logger))
		r.Get("/doctors/{id}/schedules", listDoctorSessionsHandler(cfg.Directory, cfg.Now, cfg.Logger))
	})

	return r
}
