package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/hackgods/clinic-booking/internal/booking"
	"github.com/hackgods/clinic-booking/internal/patient"
)

type appointmentHandlers struct {
	svc    BookingService
	passes CaptchaPasses
	logger zerolog.Logger
}

func (h *appointmentHandlers) create(w http.ResponseWriter, r *http.Request) {
	var req CreateAppointmentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request_body", "could not parse JSON")
		return
	}

	var scheduleID uuid.UUID
	if req.ScheduleID != "" {
		id, err := uuid.Parse(req.ScheduleID)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_schedule_id", "schedule_id must be a valid UUID")
			return
		}
		scheduleID = id
	}

	birthDate, err := parseDate(req.BirthDate)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_birth_date", err.Error())
		return
	}

	caller := CallerFromContext(r.Context())
	appt, err := h.svc.CreateAppointment(r.Context(), booking.CreateRequest{
		IDNumber:     req.IDNumber,
		BirthDate:    birthDate,
		ScheduleID:   scheduleID,
		CaptchaToken: req.CaptchaToken,
		Caller:       caller,
	})
	if err != nil {
		writeServiceError(w, r, h.logger, err)
		return
	}

	if solvedCaptcha(caller) {
		issuePass(w, r, h.passes, h.logger)
	}
	writeJSON(w, http.StatusCreated, toAppointmentResponse(appt))
}

func (h *appointmentHandlers) cancel(w http.ResponseWriter, r *http.Request) {
	id, ok := appointmentID(w, r)
	if !ok {
		return
	}

	var req IdentityRequest
	if err := decodeOptional(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request_body", "could not parse JSON")
		return
	}

	caller, err := callerWithIdentity(r, req.IDNumber, req.BirthDate)
	if err != nil {
		h.writeIdentityError(w, r, err)
		return
	}

	appt, err := h.svc.CancelAppointment(r.Context(), id, caller)
	if err != nil {
		writeServiceError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, toAppointmentResponse(appt))
}

func (h *appointmentHandlers) get(w http.ResponseWriter, r *http.Request) {
	id, ok := appointmentID(w, r)
	if !ok {
		return
	}

	q := r.URL.Query()
	caller, err := callerWithIdentity(r, q.Get("id_number"), q.Get("birth_date"))
	if err != nil {
		h.writeIdentityError(w, r, err)
		return
	}

	appt, err := h.svc.GetAppointment(r.Context(), id, caller)
	if err != nil {
		writeServiceError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, toAppointmentResponse(appt))
}

// listByPatient serves upcoming appointments, or past ones when past is set.
func (h *appointmentHandlers) listByPatient(past bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req IdentityRequest
		if err := decodeOptional(r, &req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid_request_body", "could not parse JSON")
			return
		}

		birthDate, err := parseDate(req.BirthDate)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_birth_date", err.Error())
			return
		}

		caller := CallerFromContext(r.Context())
		appts, err := h.svc.ListPatientAppointments(r.Context(), booking.ListRequest{
			IDNumber:     req.IDNumber,
			BirthDate:    birthDate,
			CaptchaToken: req.CaptchaToken,
			Caller:       caller,
			Past:         past,
			Limit:        req.Limit,
			Offset:       req.Offset,
		})
		if err != nil {
			writeServiceError(w, r, h.logger, err)
			return
		}

		resp := make([]AppointmentResponse, 0, len(appts))
		for i := range appts {
			resp = append(resp, toAppointmentResponse(&appts[i]))
		}

		if solvedCaptcha(caller) {
			issuePass(w, r, h.passes, h.logger)
		}
		writeJSON(w, http.StatusOK, resp)
	}
}

func (h *appointmentHandlers) firstVisit(w http.ResponseWriter, r *http.Request) {
	var req FirstVisitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request_body", "could not parse JSON")
		return
	}

	var scheduleID uuid.UUID
	if req.ScheduleID != "" {
		id, err := uuid.Parse(req.ScheduleID)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_schedule_id", "schedule_id must be a valid UUID")
			return
		}
		scheduleID = id
	}

	birthDate, err := parseDate(req.BirthDate)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_birth_date", err.Error())
		return
	}

	caller := CallerFromContext(r.Context())
	res, err := h.svc.CreateFirstVisit(r.Context(), booking.FirstVisitRequest{
		Registration: req.registration(birthDate),
		ScheduleID:   scheduleID,
		CaptchaToken: req.CaptchaToken,
		Caller:       caller,
	})
	if err != nil {
		writeServiceError(w, r, h.logger, err)
		return
	}

	if solvedCaptcha(caller) {
		issuePass(w, r, h.passes, h.logger)
	}
	writeJSON(w, http.StatusCreated, FirstVisitResponse{
		Patient:     toPatientResponse(res.Patient),
		Appointment: toAppointmentResponse(res.Appointment),
	})
}

func (h *appointmentHandlers) writeIdentityError(w http.ResponseWriter, r *http.Request, err error) {
	if errors.Is(err, booking.ErrValidation) {
		writeServiceError(w, r, h.logger, err)
		return
	}
	writeError(w, http.StatusBadRequest, "invalid_birth_date", err.Error())
}

func scheduleStatusHandler(svc BookingService, logger zerolog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, err := uuid.Parse(chi.URLParam(r, "id"))
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_schedule_id", "id must be a valid UUID")
			return
		}

		st, err := svc.CheckScheduleStatus(r.Context(), id)
		if err != nil {
			writeServiceError(w, r, logger, err)
			return
		}

		writeJSON(w, http.StatusOK, ScheduleStatusResponse{
			ScheduleID:      st.ScheduleID,
			Status:          string(st.Status),
			BookedCount:     st.BookedCount,
			MaxAppointments: st.MaxAppointments,
		})
	}
}

func registerPatientHandler(patients PatientRegistrar, logger zerolog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req RegisterPatientRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid_request_body", "could not parse JSON")
			return
		}

		birthDate, err := parseDate(req.BirthDate)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_birth_date", err.Error())
			return
		}

		p, err := patients.Register(r.Context(), req.registration(birthDate))
		if err != nil {
			writeServiceError(w, r, logger, err)
			return
		}

		writeJSON(w, http.StatusCreated, toPatientResponse(p))
	}
}

func listSpecialtiesHandler(dir Directory, logger zerolog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		specialties, err := dir.ListSpecialties(r.Context())
		if err != nil {
			writeServiceError(w, r, logger, err)
			return
		}

		resp := make([]SpecialtyResponse, 0, len(specialties))
		for _, s := range specialties {
			resp = append(resp, SpecialtyResponse{ID: s.ID, Name: s.Name})
		}
		writeJSON(w, http.StatusOK, resp)
	}
}

func listDoctorsHandler(dir Directory, logger zerolog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var specialtyID *uuid.UUID
		if raw := r.URL.Query().Get("specialty_id"); raw != "" {
			id, err := uuid.Parse(raw)
			if err != nil {
				writeError(w, http.StatusBadRequest, "invalid_specialty_id", "specialty_id must be a valid UUID")
				return
			}
			specialtyID = &id
		}

		doctors, err := dir.ListDoctors(r.Context(), specialtyID)
		if err != nil {
			writeServiceError(w, r, logger, err)
			return
		}

		resp := make([]DoctorResponse, 0, len(doctors))
		for _, d := range doctors {
			resp = append(resp, toDoctorResponse(d))
		}
		writeJSON(w, http.StatusOK, resp)
	}
}

func searchDoctorsHandler(dir Directory, logger zerolog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		query := strings.TrimSpace(r.URL.Query().Get("q"))
		if query == "" {
			writeError(w, http.StatusBadRequest, "missing_query", "q is required")
			return
		}

		doctors, err := dir.SearchDoctors(r.Context(), query)
		if err != nil {
			writeServiceError(w, r, logger, err)
			return
		}

		resp := make([]DoctorResponse, 0, len(doctors))
		for _, d := range doctors {
			resp = append(resp, toDoctorResponse(d))
		}
		writeJSON(w, http.StatusOK, resp)
	}
}

func listSpecialtySessionsHandler(dir Directory, now func() time.Time, logger zerolog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		specialtyID, err := uuid.Parse(chi.URLParam(r, "id"))
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_specialty_id", "id must be a valid UUID")
			return
		}

		if _, err := dir.GetSpecialty(r.Context(), specialtyID); err != nil {
			writeServiceError(w, r, logger, err)
			return
		}

		sessions, err := dir.ListSpecialtySessions(r.Context(), specialtyID, now())
		if err != nil {
			writeServiceError(w, r, logger, err)
			return
		}
		writeJSON(w, http.StatusOK, toSessionResponses(sessions))
	}
}

func listDoctorSessionsHandler(dir Directory, now func() time.Time, logger zerolog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		doctorID, err := uuid.Parse(chi.URLParam(r, "id"))
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_doctor_id", "id must be a valid UUID")
			return
		}

		if _, err := dir.GetDoctor(r.Context(), doctorID); err != nil {
			writeServiceError(w, r, logger, err)
			return
		}

		sessions, err := dir.ListDoctorSessions(r.Context(), doctorID, now())
		if err != nil {
			writeServiceError(w, r, logger, err)
			return
		}

		writeJSON(w, http.StatusOK, toSessionResponses(sessions))
	}
}

func appointmentID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_appointment_id", "id must be a valid UUID")
		return uuid.Nil, false
	}
	return id, true
}

// callerWithIdentity completes the request caller with identity fields sent
// alongside it. Anonymous callers are identified by them; a patient session
// must agree with them; admins ignore them.
func callerWithIdentity(r *http.Request, idNumber, birthDate string) (booking.Caller, error) {
	caller := CallerFromContext(r.Context())

	bd, err := parseDate(birthDate)
	if err != nil {
		return caller, err
	}

	switch {
	case caller.Admin:
	case !caller.Authenticated:
		caller.IDNumber = patient.NormalizeIDNumber(idNumber)
		caller.BirthDate = bd
	default:
		if idNumber != "" && patient.NormalizeIDNumber(idNumber) != patient.NormalizeIDNumber(caller.IDNumber) {
			return caller, booking.ErrIdentityMismatch
		}
		if !bd.IsZero() && !patient.DateOnly(bd).Equal(patient.DateOnly(caller.BirthDate)) {
			return caller, booking.ErrIdentityMismatch
		}
	}
	return caller, nil
}

// solvedCaptcha reports whether a successful request from caller must have
// gone through a captcha challenge.
func solvedCaptcha(caller booking.Caller) bool {
	return !caller.Authenticated && !caller.CaptchaVerified
}

// decodeOptional decodes a JSON body that may be absent.
func decodeOptional(r *http.Request, v any) error {
	err := json.NewDecoder(r.Body).Decode(v)
	if errors.Is(err, io.EOF) {
		return nil
	}
	return err
}
