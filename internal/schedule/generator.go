package schedule

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Store is what the Generator needs from persistence.
type Store interface {
	ListDoctorIDs(ctx context.Context) ([]uuid.UUID, error)
	// LatestSessions returns, per distinct session label of the doctor,
	// the date of its most recent session.
	LatestSessions(ctx context.Context, doctorID uuid.UUID) (map[string]time.Time, error)
	// SessionDatesFrom returns the dates of the doctor's sessions with
	// label on or after from, ascending.
	SessionDatesFrom(ctx context.Context, doctorID uuid.UUID, label string, from time.Time) ([]time.Time, error)
	// InsertSession creates an AVAILABLE session; an existing session for
	// the same doctor, label and date is left untouched.
	InsertSession(ctx context.Context, doctorID uuid.UUID, label string, date time.Time, max int) (bool, error)
}

// Generator keeps every doctor's recurring weekly sessions populated a fixed
// number of weeks ahead.
type Generator struct {
	store      Store
	weeksAhead int
	maxPerSlot int
	logger     zerolog.Logger
}

func NewGenerator(store Store, weeksAhead, maxPerSlot int, logger zerolog.Logger) *Generator {
	return &Generator{
		store:      store,
		weeksAhead: weeksAhead,
		maxPerSlot: maxPerSlot,
		logger:     logger.With().Str("component", "schedule-generator").Logger(),
	}
}

// EnsureAll runs EnsureDoctor for every doctor and returns the number of
// sessions created.
func (g *Generator) EnsureAll(ctx context.Context, now time.Time) (int, error) {
	doctors, err := g.store.ListDoctorIDs(ctx)
	if err != nil {
		return 0, fmt.Errorf("list doctors: %w", err)
	}

	total := 0
	for _, id := range doctors {
		if err := ctx.Err(); err != nil {
			return total, err
		}
		n, err := g.EnsureDoctor(ctx, id, now)
		total += n
		if err != nil {
			return total, fmt.Errorf("doctor %s: %w", id, err)
		}
	}
	return total, nil
}

// EnsureDoctor makes sure each of the doctor's session labels has at least
// weeksAhead sessions dated today or later. New sessions continue weekly
// after the latest future one, or after the last past occurrence when none
// is left.
func (g *Generator) EnsureDoctor(ctx context.Context, doctorID uuid.UUID, now time.Time) (int, error) {
	today := dateOf(now)

	latest, err := g.store.LatestSessions(ctx, doctorID)
	if err != nil {
		return 0, fmt.Errorf("latest sessions: %w", err)
	}

	created := 0
	for label, ref := range latest {
		dates, err := g.store.SessionDatesFrom(ctx, doctorID, label, today)
		if err != nil {
			return created, fmt.Errorf("sessions for %s: %w", label, err)
		}

		remaining := len(dates)
		if remaining >= g.weeksAhead {
			continue
		}

		var last time.Time
		if remaining == 0 {
			last = lastOccurrenceBefore(dateOf(ref), today)
		} else {
			last = dateOf(dates[len(dates)-1])
		}

		for ; remaining < g.weeksAhead; remaining++ {
			last = last.AddDate(0, 0, 7)
			ok, err := g.store.InsertSession(ctx, doctorID, label, last, g.maxPerSlot)
			if err != nil {
				return created, fmt.Errorf("insert %s on %s: %w", label, last.Format(time.DateOnly), err)
			}
			if ok {
				created++
			}
		}
	}

	if created > 0 {
		g.logger.Info().
			Str("doctor_id", doctorID.String()).
			Int("created", created).
			Msg("generated weekly sessions")
	}
	return created, nil
}

// lastOccurrenceBefore steps ref forward a week at a time and returns the
// last date strictly before today.
func lastOccurrenceBefore(ref, today time.Time) time.Time {
	d := ref
	for d.Before(today) {
		d = d.AddDate(0, 0, 7)
	}
	return d.AddDate(0, 0, -7)
}

func dateOf(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}
