package booking

import (
	"errors"
	"fmt"
)

// Error kinds. Every failure the service returns on purpose wraps exactly
// one of these; anything else is an internal error.
var (
	ErrValidation = errors.New("validation error")
	ErrNotFound   = errors.New("not found")
	ErrConflict   = errors.New("conflict")
)

var (
	ErrMissingFields    = fmt.Errorf("%w: missing required fields", ErrValidation)
	ErrInvalidIDNumber  = fmt.Errorf("%w: invalid id number", ErrValidation)
	ErrCaptchaFailed    = fmt.Errorf("%w: captcha failed", ErrValidation)
	ErrIdentityMismatch = fmt.Errorf("%w: identity does not match the signed-in patient", ErrValidation)

	ErrPatientNotFound     = fmt.Errorf("%w: patient not found, complete first-visit registration", ErrNotFound)
	ErrScheduleNotFound    = fmt.Errorf("%w: schedule not found", ErrNotFound)
	ErrAppointmentNotFound = fmt.Errorf("%w: appointment not found", ErrNotFound)

	ErrSlotFull                = fmt.Errorf("%w: slot fully booked", ErrConflict)
	ErrAlreadyBooked           = fmt.Errorf("%w: already booked", ErrConflict)
	ErrSlotFilledDuringBooking = fmt.Errorf("%w: slot filled during booking", ErrConflict)
	ErrAlreadyCanceled         = fmt.Errorf("%w: appointment already canceled", ErrConflict)
	ErrLockTimeout             = fmt.Errorf("%w: timed out waiting for schedule lock", ErrConflict)
)

// errNumberTaken reports a lost race for a consultation number. It never
// leaves the service.
var errNumberTaken = errors.New("consultation number already taken")

// Kind returns "validation", "not_found", "conflict" or "internal".
func Kind(err error) string {
	switch {
	case errors.Is(err, ErrValidation):
		return "validation"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrConflict):
		return "conflict"
	default:
		return "internal"
	}
}
