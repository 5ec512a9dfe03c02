package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/rs/zerolog"

	"github.com/hackgods/clinic-booking/internal/booking"
	"github.com/hackgods/clinic-booking/internal/patient"
	"github.com/hackgods/clinic-booking/internal/schedule"
)

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code, details string) {
	writeJSON(w, status, ErrorResponse{Error: code, Details: details})
}

// errorCodes pins specific failures to stable codes. Order matters only in
// that every entry is checked before falling back to the error kind.
var errorCodes = []struct {
	err    error
	status int
	code   string
}{
	{booking.ErrMissingFields, http.StatusBadRequest, "missing_fields"},
	{booking.ErrInvalidIDNumber, http.StatusBadRequest, "invalid_id_number"},
	{booking.ErrCaptchaFailed, http.StatusBadRequest, "captcha_failed"},
	{booking.ErrIdentityMismatch, http.StatusBadRequest, "identity_mismatch"},
	{booking.ErrPatientNotFound, http.StatusNotFound, "patient_not_found"},
	{booking.ErrScheduleNotFound, http.StatusNotFound, "schedule_not_found"},
	{booking.ErrAppointmentNotFound, http.StatusNotFound, "appointment_not_found"},
	{booking.ErrSlotFull, http.StatusConflict, "slot_full"},
	{booking.ErrAlreadyBooked, http.StatusConflict, "already_booked"},
	{booking.ErrSlotFilledDuringBooking, http.StatusConflict, "slot_filled_during_booking"},
	{booking.ErrAlreadyCanceled, http.StatusConflict, "already_canceled"},
	{booking.ErrLockTimeout, http.StatusConflict, "lock_timeout"},

	{patient.ErrMissingFields, http.StatusBadRequest, "missing_fields"},
	{patient.ErrInvalidIDNumber, http.StatusBadRequest, "invalid_id_number"},
	{patient.ErrWeakPassword, http.StatusBadRequest, "weak_password"},
	{patient.ErrDuplicateIDNumber, http.StatusConflict, "duplicate_id_number"},
	{schedule.ErrDoctorNotFound, http.StatusNotFound, "doctor_not_found"},
	{schedule.ErrSpecialtyNotFound, http.StatusNotFound, "specialty_not_found"},
}

// writeServiceError maps a service error to a response. Internal errors are
// logged in full and reach the client as an opaque message.
func writeServiceError(w http.ResponseWriter, r *http.Request, logger zerolog.Logger, err error) {
	for _, e := range errorCodes {
		if errors.Is(err, e.err) {
			writeError(w, e.status, e.code, e.err.Error())
			return
		}
	}

	switch booking.Kind(err) {
	case "validation":
		writeError(w, http.StatusBadRequest, "validation_error", err.Error())
	case "not_found":
		writeError(w, http.StatusNotFound, "not_found", err.Error())
	case "conflict":
		writeError(w, http.StatusConflict, "conflict", err.Error())
	default:
		logger.Error().
			Err(err).
			Str("request_id", GetRequestID(r.Context())).
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Msg("internal error")
		writeError(w, http.StatusInternalServerError, "internal_error", "internal server error")
	}
}
