package booking

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

const (
	EventAppointmentCreated  = "APPOINTMENT_CREATED"
	EventAppointmentCanceled = "APPOINTMENT_CANCELED"
	EventScheduleFull        = "SCHEDULE_FULL"
	EventScheduleReconciled  = "SCHEDULE_RECONCILED"
)

// logEvent writes an audit row after the fact. Failures are logged, never
// returned: the booking it describes has already committed.
func (s *Service) logEvent(ctx context.Context, eventType string, appointmentID, scheduleID *uuid.UUID, payload map[string]any) {
	data, err := json.Marshal(payload)
	if err != nil {
		s.logger.Warn().Err(err).Str("event", eventType).Msg("failed to marshal event payload")
		data = nil
	}

	ev := EventLog{
		EventType:     eventType,
		AppointmentID: appointmentID,
		ScheduleID:    scheduleID,
		Payload:       data,
		CreatedAt:     s.now(),
	}

	if err := s.ledger.InsertEvent(ctx, ev); err != nil {
		s.logger.Warn().Err(err).Str("event", eventType).Msg("failed to insert event log")
	}
}

func ptr(id uuid.UUID) *uuid.UUID {
	return &id
}

func formatDate(t time.Time) string {
	return t.Format(time.DateOnly)
}
