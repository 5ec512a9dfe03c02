package booking

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// SlotLedger owns the persisted capacity state: schedules and appointments.
//
// Methods called on the ledger passed to WithTx's fn run in that
// transaction. LockSlotForUpdate is only valid there; it blocks until other
// holders of the slot row finish, bounded by the ledger's lock timeout, and
// returns ErrLockTimeout when the bound is hit.
//
// InsertAppointment returns ErrAlreadyBooked when the patient already holds
// a confirmed appointment for the slot and errNumberTaken when the
// consultation number is in use.
type SlotLedger interface {
	GetSlotWithCount(ctx context.Context, id uuid.UUID) (*SlotCount, error)
	LockSlotForUpdate(ctx context.Context, id uuid.UUID) (*ScheduleSlot, error)
	CountConfirmed(ctx context.Context, scheduleID uuid.UUID) (int, error)
	HasConfirmedAppointment(ctx context.Context, patientID, scheduleID uuid.UUID) (bool, error)
	MaxConsultationNumber(ctx context.Context, scheduleID uuid.UUID) (int, error)
	InsertAppointment(ctx context.Context, patientID, scheduleID uuid.UUID, number int) (*Appointment, error)
	SetSlotStatus(ctx context.Context, id uuid.UUID, status SlotStatus) error

	GetAppointment(ctx context.Context, id uuid.UUID) (*Appointment, error)
	// CancelAppointment flips a confirmed appointment to canceled and
	// returns ErrAlreadyCanceled if it is not confirmed.
	CancelAppointment(ctx context.Context, id uuid.UUID) (*Appointment, error)
	GetAppointmentDetail(ctx context.Context, id uuid.UUID) (*AppointmentDetail, error)
	ListAppointmentDetailsByPatient(ctx context.Context, patientID uuid.UUID, q PatientAppointmentsQuery) ([]AppointmentDetail, error)

	// ListScheduleIDsFrom returns ids of slots dated on or after from.
	ListScheduleIDsFrom(ctx context.Context, from time.Time) ([]uuid.UUID, error)

	InsertEvent(ctx context.Context, ev EventLog) error

	// WithTx runs fn in one transaction, committing if fn returns nil.
	WithTx(ctx context.Context, fn func(tx SlotLedger) error) error
}
