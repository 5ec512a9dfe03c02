package booking

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/hackgods/clinic-booking/internal/config"
	"github.com/hackgods/clinic-booking/internal/patient"
)

// Booking paths, as reported to the Observer.
const (
	PathRejected   = "rejected"
	PathOptimistic = "optimistic"
	PathLocked     = "locked"
)

// lockedAttempts bounds retries when a locked booking loses a consultation
// number to a concurrent optimistic writer.
const lockedAttempts = 3

// IdentityVerifier resolves a patient by national ID and birth date. It
// returns patient.ErrPatientNotFound when no record matches.
type IdentityVerifier interface {
	FindPatient(ctx context.Context, idNumber string, birthDate time.Time) (*patient.Patient, error)
}

// Registrar stores a first-visit patient. It validates the registration and
// returns patient.ErrDuplicateIDNumber for a known ID number.
type Registrar interface {
	Register(ctx context.Context, reg patient.Registration) (*patient.Patient, error)
}

type CaptchaVerifier interface {
	Verify(ctx context.Context, token string) (bool, error)
}

// Observer receives one call per finished CreateAppointment.
type Observer interface {
	ObserveBooking(path, outcome string, elapsed time.Duration)
}

type nopObserver struct{}

func (nopObserver) ObserveBooking(string, string, time.Duration) {}

type Option func(*Service)

func WithObserver(o Observer) Option {
	return func(s *Service) { s.observer = o }
}

func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// WithRegistrar enables CreateFirstVisit.
func WithRegistrar(r Registrar) Option {
	return func(s *Service) { s.registrar = r }
}

type Service struct {
	ledger    SlotLedger
	patients  IdentityVerifier
	captcha   CaptchaVerifier
	registrar Registrar
	margin    int
	logger    zerolog.Logger
	observer  Observer
	now       func() time.Time
}

func NewService(ledger SlotLedger, patients IdentityVerifier, captcha CaptchaVerifier, cfg config.Config, logger zerolog.Logger, opts ...Option) *Service {
	s := &Service{
		ledger:   ledger,
		patients: patients,
		captcha:  captcha,
		margin:   cfg.SafetyMargin,
		logger:   logger.With().Str("component", "booking").Logger(),
		observer: nopObserver{},
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// CreateAppointment books a confirmed appointment for the patient identified
// in req. Cheap checks run first, then a fast-path fullness check on the live
// count. With more than the safety margin of seats left the write is
// optimistic; otherwise it re-reads the slot under a row lock and re-checks
// everything before inserting.
func (s *Service) CreateAppointment(ctx context.Context, req CreateRequest) (*FormattedAppointment, error) {
	start := time.Now()
	path := PathRejected

	result, err := s.createAppointment(ctx, req, &path)

	outcome := "created"
	if err != nil {
		outcome = Kind(err)
	}
	s.observer.ObserveBooking(path, outcome, time.Since(start))

	return result, err
}

func (s *Service) createAppointment(ctx context.Context, req CreateRequest, path *string) (*FormattedAppointment, error) {
	idNumber, birthDate, err := resolveIdentity(req.Caller, req.IDNumber, req.BirthDate)
	if err != nil {
		return nil, err
	}

	captchaRequired := !req.Caller.Authenticated && !req.Caller.CaptchaVerified
	if idNumber == "" || birthDate.IsZero() || req.ScheduleID == uuid.Nil ||
		(captchaRequired && req.CaptchaToken == "") {
		return nil, ErrMissingFields
	}

	if !patient.ValidIDNumber(idNumber) {
		return nil, ErrInvalidIDNumber
	}

	if captchaRequired {
		if err := s.verifyCaptcha(ctx, req.CaptchaToken); err != nil {
			return nil, err
		}
	}

	p, err := s.findPatient(ctx, idNumber, birthDate)
	if err != nil {
		return nil, err
	}

	sc, err := s.ledger.GetSlotWithCount(ctx, req.ScheduleID)
	if err != nil {
		if errors.Is(err, ErrScheduleNotFound) {
			return nil, err
		}
		return nil, fmt.Errorf("load slot: %w", err)
	}

	if DeriveStatus(sc.Confirmed, sc.Slot.MaxAppointments) == SlotFull {
		return nil, ErrSlotFull
	}

	dup, err := s.ledger.HasConfirmedAppointment(ctx, p.ID, sc.Slot.ID)
	if err != nil {
		return nil, fmt.Errorf("check existing booking: %w", err)
	}
	if dup {
		return nil, ErrAlreadyBooked
	}

	log := s.logger.With().
		Str("schedule_id", sc.Slot.ID.String()).
		Str("patient_id", p.ID.String()).
		Logger()

	var (
		appt       *Appointment
		becameFull bool
	)

	remaining := sc.Slot.MaxAppointments - sc.Confirmed
	if remaining > s.margin {
		*path = PathOptimistic
		appt, becameFull, err = s.bookOptimistic(ctx, p.ID, sc.Slot)
		if errors.Is(err, errNumberTaken) {
			log.Debug().Msg("consultation number raced, retrying under lock")
			*path = PathLocked
			appt, becameFull, err = s.bookLocked(ctx, p.ID, sc.Slot.ID)
		}
	} else {
		*path = PathLocked
		appt, becameFull, err = s.bookLocked(ctx, p.ID, sc.Slot.ID)
	}
	if err != nil {
		if Kind(err) == "internal" {
			log.Error().Err(err).Str("path", *path).Msg("booking failed")
			return nil, fmt.Errorf("book appointment: %w", err)
		}
		return nil, err
	}

	log.Info().
		Str("appointment_id", appt.ID.String()).
		Str("path", *path).
		Int("consultation_number", appt.ConsultationNumber).
		Msg("appointment created")

	s.logEvent(ctx, EventAppointmentCreated, ptr(appt.ID), ptr(sc.Slot.ID), map[string]any{
		"patient_id":          p.ID.String(),
		"consultation_number": appt.ConsultationNumber,
		"path":                *path,
	})
	if becameFull {
		s.logEvent(ctx, EventScheduleFull, nil, ptr(sc.Slot.ID), map[string]any{
			"max_appointments": sc.Slot.MaxAppointments,
		})
	}

	return &FormattedAppointment{
		AppointmentID:      appt.ID,
		Date:               sc.Slot.Date,
		ScheduleSlot:       sc.Slot.Slot,
		DoctorName:         sc.DoctorName,
		DoctorSpecialty:    sc.DoctorSpecialty,
		ConsultationNumber: appt.ConsultationNumber,
		Status:             appt.Status,
	}, nil
}

// bookOptimistic writes without the slot lock. The recount inside the
// transaction rolls back the rare case where concurrent bookers overshoot.
func (s *Service) bookOptimistic(ctx context.Context, patientID uuid.UUID, slot ScheduleSlot) (*Appointment, bool, error) {
	var (
		appt       *Appointment
		becameFull bool
	)

	err := s.ledger.WithTx(ctx, func(tx SlotLedger) error {
		n, err := tx.MaxConsultationNumber(ctx, slot.ID)
		if err != nil {
			return err
		}

		appt, err = tx.InsertAppointment(ctx, patientID, slot.ID, n+1)
		if err != nil {
			return err
		}

		count, err := tx.CountConfirmed(ctx, slot.ID)
		if err != nil {
			return err
		}
		if count > slot.MaxAppointments {
			return ErrSlotFilledDuringBooking
		}
		if count == slot.MaxAppointments {
			becameFull = true
			return tx.SetSlotStatus(ctx, slot.ID, SlotFull)
		}
		return nil
	})
	if err != nil {
		return nil, false, err
	}

	return appt, becameFull, nil
}

// bookLocked serializes bookers on the slot row. Capacity, duplicate and
// numbering checks all happen under the lock, so commit order equals
// consultation number order.
func (s *Service) bookLocked(ctx context.Context, patientID, scheduleID uuid.UUID) (*Appointment, bool, error) {
	var (
		appt       *Appointment
		becameFull bool
		err        error
	)

	for attempt := 0; attempt < lockedAttempts; attempt++ {
		becameFull = false
		err = s.ledger.WithTx(ctx, func(tx SlotLedger) error {
			slot, err := tx.LockSlotForUpdate(ctx, scheduleID)
			if err != nil {
				return err
			}

			count, err := tx.CountConfirmed(ctx, scheduleID)
			if err != nil {
				return err
			}
			if DeriveStatus(count, slot.MaxAppointments) == SlotFull {
				return ErrSlotFilledDuringBooking
			}

			dup, err := tx.HasConfirmedAppointment(ctx, patientID, scheduleID)
			if err != nil {
				return err
			}
			if dup {
				return ErrAlreadyBooked
			}

			n, err := tx.MaxConsultationNumber(ctx, scheduleID)
			if err != nil {
				return err
			}

			appt, err = tx.InsertAppointment(ctx, patientID, scheduleID, n+1)
			if err != nil {
				return err
			}

			if count+1 >= slot.MaxAppointments {
				becameFull = true
				return tx.SetSlotStatus(ctx, scheduleID, SlotFull)
			}
			return nil
		})
		if !errors.Is(err, errNumberTaken) {
			break
		}
	}

	switch {
	case err == nil:
		return appt, becameFull, nil
	case errors.Is(err, errNumberTaken),
		errors.Is(err, ErrLockTimeout),
		errors.Is(err, context.DeadlineExceeded):
		return nil, false, ErrSlotFilledDuringBooking
	default:
		return nil, false, err
	}
}

// CancelAppointment cancels a confirmed appointment. Non-admin callers must
// present the patient's own identity. The consultation number is not reused;
// the slot flag is recomputed from the live count in the same transaction.
func (s *Service) CancelAppointment(ctx context.Context, id uuid.UUID, caller Caller) (*FormattedAppointment, error) {
	detail, err := s.ledger.GetAppointmentDetail(ctx, id)
	if err != nil {
		if errors.Is(err, ErrAppointmentNotFound) {
			return nil, err
		}
		return nil, fmt.Errorf("load appointment: %w", err)
	}

	if err := authorize(detail, caller); err != nil {
		return nil, err
	}

	if detail.Status == StatusCanceled {
		return nil, ErrAlreadyCanceled
	}

	var (
		canceled *Appointment
		status   SlotStatus
		count    int
	)
	err = s.ledger.WithTx(ctx, func(tx SlotLedger) error {
		slot, err := tx.LockSlotForUpdate(ctx, detail.ScheduleID)
		if err != nil {
			return err
		}

		canceled, err = tx.CancelAppointment(ctx, id)
		if err != nil {
			return err
		}

		count, err = tx.CountConfirmed(ctx, detail.ScheduleID)
		if err != nil {
			return err
		}

		status = DeriveStatus(count, slot.MaxAppointments)
		if status != slot.Status {
			return tx.SetSlotStatus(ctx, detail.ScheduleID, status)
		}
		return nil
	})
	if err != nil {
		if Kind(err) != "internal" {
			return nil, err
		}
		return nil, fmt.Errorf("cancel appointment: %w", err)
	}

	s.logger.Info().
		Str("appointment_id", id.String()).
		Str("schedule_id", detail.ScheduleID.String()).
		Bool("admin", caller.Admin).
		Msg("appointment canceled")

	s.logEvent(ctx, EventAppointmentCanceled, ptr(id), ptr(detail.ScheduleID), map[string]any{
		"consultation_number": canceled.ConsultationNumber,
		"confirmed":           count,
		"slot_status":         string(status),
		"by_admin":            caller.Admin,
	})

	detail.Appointment = *canceled
	return formatDetail(detail), nil
}

// CheckScheduleStatus recomputes the slot flag from the live count and
// repairs a stale flag. Repeated calls with no intervening writes return the
// same result.
func (s *Service) CheckScheduleStatus(ctx context.Context, scheduleID uuid.UUID) (*ScheduleStatus, error) {
	st, _, err := s.reconcile(ctx, scheduleID)
	return st, err
}

// ReconcileSchedules repairs the flag of every slot dated on or after from
// and returns how many were changed.
func (s *Service) ReconcileSchedules(ctx context.Context, from time.Time) (int, error) {
	ids, err := s.ledger.ListScheduleIDsFrom(ctx, from)
	if err != nil {
		return 0, fmt.Errorf("list schedules: %w", err)
	}

	changed := 0
	for _, id := range ids {
		if err := ctx.Err(); err != nil {
			return changed, err
		}
		_, repaired, err := s.reconcile(ctx, id)
		if err != nil {
			if errors.Is(err, ErrLockTimeout) || errors.Is(err, ErrScheduleNotFound) {
				s.logger.Warn().Err(err).Str("schedule_id", id.String()).Msg("skipping schedule during reconcile")
				continue
			}
			return changed, err
		}
		if repaired {
			changed++
		}
	}

	return changed, nil
}

func (s *Service) reconcile(ctx context.Context, scheduleID uuid.UUID) (*ScheduleStatus, bool, error) {
	sc, err := s.ledger.GetSlotWithCount(ctx, scheduleID)
	if err != nil {
		if errors.Is(err, ErrScheduleNotFound) {
			return nil, false, err
		}
		return nil, false, fmt.Errorf("load slot: %w", err)
	}

	derived := DeriveStatus(sc.Confirmed, sc.Slot.MaxAppointments)
	result := &ScheduleStatus{
		ScheduleID:      scheduleID,
		Status:          derived,
		BookedCount:     sc.Confirmed,
		MaxAppointments: sc.Slot.MaxAppointments,
	}
	if derived == sc.Slot.Status {
		return result, false, nil
	}

	// The flag is stale. Recount under the lock so a concurrent booking
	// cannot be overwritten with an older answer.
	var previous SlotStatus
	repaired := false
	err = s.ledger.WithTx(ctx, func(tx SlotLedger) error {
		slot, err := tx.LockSlotForUpdate(ctx, scheduleID)
		if err != nil {
			return err
		}
		count, err := tx.CountConfirmed(ctx, scheduleID)
		if err != nil {
			return err
		}

		previous = slot.Status
		result.BookedCount = count
		result.MaxAppointments = slot.MaxAppointments
		result.Status = DeriveStatus(count, slot.MaxAppointments)
		if result.Status == slot.Status {
			return nil
		}
		repaired = true
		return tx.SetSlotStatus(ctx, scheduleID, result.Status)
	})
	if err != nil {
		if Kind(err) != "internal" {
			return nil, false, err
		}
		return nil, false, fmt.Errorf("reconcile slot: %w", err)
	}

	if repaired {
		s.logger.Info().
			Str("schedule_id", scheduleID.String()).
			Str("from", string(previous)).
			Str("to", string(result.Status)).
			Int("confirmed", result.BookedCount).
			Msg("schedule status reconciled")

		s.logEvent(ctx, EventScheduleReconciled, nil, ptr(scheduleID), map[string]any{
			"from":      string(previous),
			"to":        string(result.Status),
			"confirmed": result.BookedCount,
			"date":      formatDate(sc.Slot.Date),
		})
	}

	return result, repaired, nil
}

// GetAppointment returns one appointment to its patient or an admin.
func (s *Service) GetAppointment(ctx context.Context, id uuid.UUID, caller Caller) (*FormattedAppointment, error) {
	detail, err := s.ledger.GetAppointmentDetail(ctx, id)
	if err != nil {
		if errors.Is(err, ErrAppointmentNotFound) {
			return nil, err
		}
		return nil, fmt.Errorf("get appointment: %w", err)
	}
	if err := authorize(detail, caller); err != nil {
		return nil, err
	}
	return formatDetail(detail), nil
}

// ListPatientAppointments lists a patient's upcoming appointments, soonest
// first, or with req.Past their past ones, most recent first. "Today" comes
// from the service clock. Anonymous callers identify with ID number, birth
// date and captcha.
func (s *Service) ListPatientAppointments(ctx context.Context, req ListRequest) ([]FormattedAppointment, error) {
	idNumber, birthDate, err := resolveIdentity(req.Caller, req.IDNumber, req.BirthDate)
	if err != nil {
		return nil, err
	}

	captchaRequired := !req.Caller.Authenticated && !req.Caller.CaptchaVerified
	if idNumber == "" || birthDate.IsZero() || (captchaRequired && req.CaptchaToken == "") {
		return nil, ErrMissingFields
	}
	if !patient.ValidIDNumber(idNumber) {
		return nil, ErrInvalidIDNumber
	}
	if captchaRequired {
		if err := s.verifyCaptcha(ctx, req.CaptchaToken); err != nil {
			return nil, err
		}
	}

	p, err := s.findPatient(ctx, idNumber, birthDate)
	if err != nil {
		return nil, err
	}

	limit, offset := req.Limit, req.Offset
	if limit <= 0 {
		limit = 20 // default
	}
	if limit > 100 {
		limit = 100 // max
	}
	if offset < 0 {
		offset = 0
	}

	details, err := s.ledger.ListAppointmentDetailsByPatient(ctx, p.ID, PatientAppointmentsQuery{
		Today:  s.now(),
		Past:   req.Past,
		Limit:  limit,
		Offset: offset,
	})
	if err != nil {
		return nil, fmt.Errorf("list appointments by patient: %w", err)
	}

	result := make([]FormattedAppointment, 0, len(details))
	for i := range details {
		result = append(result, *formatDetail(&details[i]))
	}
	return result, nil
}

// CreateFirstVisit registers a new patient and books their first session
// behind one captcha check. The slot is checked before the patient row is
// written. If the booking then loses the race the registration stays, and
// the patient can retry through CreateAppointment.
func (s *Service) CreateFirstVisit(ctx context.Context, req FirstVisitRequest) (*FirstVisitResult, error) {
	if s.registrar == nil {
		return nil, errors.New("first-visit registration is not configured")
	}

	reg := req.Registration
	idNumber, birthDate, err := resolveIdentity(req.Caller, reg.IDNumber, reg.BirthDate)
	if err != nil {
		return nil, err
	}
	reg.IDNumber, reg.BirthDate = idNumber, birthDate

	captchaRequired := !req.Caller.Authenticated && !req.Caller.CaptchaVerified
	if req.ScheduleID == uuid.Nil || (captchaRequired && req.CaptchaToken == "") {
		return nil, ErrMissingFields
	}
	if err := reg.Validate(); err != nil {
		return nil, err
	}

	if captchaRequired {
		if err := s.verifyCaptcha(ctx, req.CaptchaToken); err != nil {
			return nil, err
		}
	}

	sc, err := s.ledger.GetSlotWithCount(ctx, req.ScheduleID)
	if err != nil {
		if errors.Is(err, ErrScheduleNotFound) {
			return nil, err
		}
		return nil, fmt.Errorf("load slot: %w", err)
	}
	if DeriveStatus(sc.Confirmed, sc.Slot.MaxAppointments) == SlotFull {
		return nil, ErrSlotFull
	}

	p, err := s.registrar.Register(ctx, reg)
	if err != nil {
		return nil, err
	}
	s.logger.Info().Str("patient_id", p.ID.String()).Msg("first-visit patient registered")

	caller := req.Caller
	caller.CaptchaVerified = true
	appt, err := s.CreateAppointment(ctx, CreateRequest{
		IDNumber:   p.IDNumber,
		BirthDate:  p.BirthDate,
		ScheduleID: req.ScheduleID,
		Caller:     caller,
	})
	if err != nil {
		return nil, err
	}

	return &FirstVisitResult{Patient: p, Appointment: appt}, nil
}

func (s *Service) verifyCaptcha(ctx context.Context, token string) error {
	ok, err := s.captcha.Verify(ctx, token)
	if err != nil {
		return fmt.Errorf("verify captcha: %w", err)
	}
	if !ok {
		return ErrCaptchaFailed
	}
	return nil
}

func (s *Service) findPatient(ctx context.Context, idNumber string, birthDate time.Time) (*patient.Patient, error) {
	p, err := s.patients.FindPatient(ctx, idNumber, birthDate)
	if err != nil {
		if errors.Is(err, patient.ErrPatientNotFound) {
			return nil, ErrPatientNotFound
		}
		return nil, fmt.Errorf("load patient: %w", err)
	}
	return p, nil
}

// resolveIdentity fills empty identity fields from a patient session and
// rejects fields that differ from it. Admins and anonymous callers pass
// through unchanged.
func resolveIdentity(caller Caller, idNumber string, birthDate time.Time) (string, time.Time, error) {
	idNumber = patient.NormalizeIDNumber(idNumber)
	if !caller.Authenticated || caller.Admin {
		return idNumber, birthDate, nil
	}

	sessionID := patient.NormalizeIDNumber(caller.IDNumber)
	if idNumber == "" {
		idNumber = sessionID
	} else if idNumber != sessionID {
		return "", time.Time{}, ErrIdentityMismatch
	}

	if birthDate.IsZero() {
		birthDate = caller.BirthDate
	} else if !sameDay(birthDate, caller.BirthDate) {
		return "", time.Time{}, ErrIdentityMismatch
	}

	return idNumber, birthDate, nil
}

// authorize lets admins through and otherwise requires the caller to be the
// appointment's patient. A mismatch reads as not found so ids cannot be
// enumerated.
func authorize(detail *AppointmentDetail, caller Caller) error {
	if caller.Admin {
		return nil
	}
	if caller.IDNumber == "" || caller.BirthDate.IsZero() {
		return ErrMissingFields
	}
	if patient.NormalizeIDNumber(caller.IDNumber) != detail.PatientIDNumber ||
		!sameDay(caller.BirthDate, detail.PatientBirthDate) {
		return ErrAppointmentNotFound
	}
	return nil
}

func sameDay(a, b time.Time) bool {
	return patient.DateOnly(a).Equal(patient.DateOnly(b))
}

func formatDetail(d *AppointmentDetail) *FormattedAppointment {
	return &FormattedAppointment{
		AppointmentID:      d.ID,
		Date:               d.Slot.Date,
		ScheduleSlot:       d.Slot.Slot,
		DoctorName:         d.DoctorName,
		DoctorSpecialty:    d.DoctorSpecialty,
		ConsultationNumber: d.ConsultationNumber,
		Status:             d.Status,
	}
}
