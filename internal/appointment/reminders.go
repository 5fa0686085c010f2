package appointment

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/hackgods/clinical-scheduling/internal/slots"
)

// PendingReminders returns scheduled appointments without a reminder whose
// start lies in [now, now+lookahead], earliest first.
func (s *Service) PendingReminders(ctx context.Context, lookahead time.Duration) ([]Appointment, error) {
	now := s.clock.Now().In(s.location())
	until := now.Add(lookahead)

	candidates, err := retry(ctx, s, "list pending reminders", func(ctx context.Context) ([]Appointment, error) {
		return s.repo.ListPendingReminders(ctx, slots.DateOf(now), slots.DateOf(until))
	})
	if err != nil {
		return nil, fmt.Errorf("list pending reminders: %w", err)
	}

	due := make([]Appointment, 0, len(candidates))
	for _, a := range candidates {
		start := a.StartsAt(s.location())
		if start.Before(now) || start.After(until) {
			continue
		}
		due = append(due, a)
	}
	return due, nil
}

// MarkReminderSent flags the appointment once the notification went out.
// It is a no-op when the flag is already set.
func (s *Service) MarkReminderSent(ctx context.Context, id uuid.UUID) error {
	_, err := retry(ctx, s, "mark reminder sent", func(ctx context.Context) (*Appointment, error) {
		return s.repo.MarkReminderSent(ctx, id)
	})
	if err != nil {
		if !errors.Is(err, ErrAppointmentNotFound) {
			return fmt.Errorf("mark reminder sent: %w", err)
		}
		current, getErr := s.GetAppointment(ctx, id)
		if getErr != nil {
			return getErr
		}
		if current.ReminderSent {
			return nil
		}
		return fmt.Errorf("%w: appointment is %s", ErrInvalidTransition, current.Status)
	}

	s.logEvent(ctx, id, EventReminderSent, map[string]any{})
	return nil
}
