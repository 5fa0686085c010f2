package appointment

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
)

type TransitionRequest struct {
	AppointmentID uuid.UUID
	TargetStatus  string
	Visit         *VisitPayload // required iff TargetStatus is completed
}

// Transition moves a scheduled appointment to one of its terminal states.
func (s *Service) Transition(ctx context.Context, req TransitionRequest) (*Appointment, error) {
	target, err := ParseStatus(req.TargetStatus)
	if err != nil {
		return nil, err
	}

	switch target {
	case StatusCompleted:
		appt, _, err := s.Complete(ctx, req.AppointmentID, req.Visit)
		return appt, err
	case StatusCancelled:
		return s.Cancel(ctx, req.AppointmentID)
	case StatusNoShow:
		return s.MarkNoShow(ctx, req.AppointmentID)
	}

	// nothing transitions into scheduled
	if _, err := s.GetAppointment(ctx, req.AppointmentID); err != nil {
		return nil, err
	}
	return nil, ErrInvalidTransition
}

// Cancel releases the appointment's slot immediately.
func (s *Service) Cancel(ctx context.Context, id uuid.UUID) (*Appointment, error) {
	appt, err := s.loadForTransition(ctx, id, StatusCancelled)
	if err != nil {
		return nil, err
	}

	updated, err := s.compareAndSet(ctx, appt.ID, StatusCancelled)
	if err != nil {
		return nil, err
	}

	s.logEvent(ctx, updated.ID, EventAppointmentCancelled, map[string]any{
		"slot": updated.Key().String(),
	})
	return updated, nil
}

// MarkNoShow is only allowed once the appointment's start has passed.
func (s *Service) MarkNoShow(ctx context.Context, id uuid.UUID) (*Appointment, error) {
	appt, err := s.loadForTransition(ctx, id, StatusNoShow)
	if err != nil {
		return nil, err
	}

	if !s.clock.Now().After(appt.StartsAt(s.location())) {
		return nil, ErrNotYetDue
	}

	updated, err := s.compareAndSet(ctx, appt.ID, StatusNoShow)
	if err != nil {
		return nil, err
	}

	s.logEvent(ctx, updated.ID, EventAppointmentNoShow, map[string]any{})
	return updated, nil
}

// Complete records the visit and completes the appointment as one unit. The
// visit inherits patient and doctor from the appointment.
func (s *Service) Complete(ctx context.Context, id uuid.UUID, payload *VisitPayload) (*Appointment, *Visit, error) {
	appt, err := s.loadForTransition(ctx, id, StatusCompleted)
	if err != nil {
		return nil, nil, err
	}
	if payload == nil {
		return nil, nil, ErrMissingVisit
	}
	if err := payload.validate(); err != nil {
		return nil, nil, err
	}

	apptID := appt.ID
	v := newVisit(appt.PatientID, appt.DoctorID, &apptID, *payload, s.clock.Now())

	type result struct {
		appt  *Appointment
		visit *Visit
	}
	res, err := retry(ctx, s, "complete appointment", func(ctx context.Context) (result, error) {
		a, created, err := s.repo.CompleteWithVisit(ctx, apptID, v)
		return result{a, created}, err
	})
	if err != nil {
		// an attempt whose reply was lost may already have linked v
		if appt, visit, ok := s.completedWith(ctx, apptID, v.ID); ok {
			s.logger.Warn().Err(err).Str("appointment_id", apptID.String()).Msg("completion committed by an earlier attempt")
			res = result{appt, visit}
		} else if errors.Is(err, ErrAppointmentNotFound) {
			return nil, nil, s.explainMiss(ctx, apptID)
		} else {
			return nil, nil, fmt.Errorf("complete appointment: %w", err)
		}
	}

	s.logEvent(ctx, apptID, EventAppointmentCompleted, map[string]any{
		"visit_id": res.visit.ID.String(),
	})
	s.logger.Info().
		Str("appointment_id", apptID.String()).
		Str("visit_id", res.visit.ID.String()).
		Msg("appointment completed")

	return res.appt, res.visit, nil
}

func (s *Service) loadForTransition(ctx context.Context, id uuid.UUID, to Status) (*Appointment, error) {
	appt, err := s.GetAppointment(ctx, id)
	if err != nil {
		return nil, err
	}
	if !appt.Status.CanTransitionTo(to) {
		return nil, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, appt.Status, to)
	}
	return appt, nil
}

// compareAndSet moves the appointment out of scheduled. A lost race is
// reported the same way as a transition attempted from a terminal state.
func (s *Service) compareAndSet(ctx context.Context, id uuid.UUID, to Status) (*Appointment, error) {
	updated, err := retry(ctx, s, "update appointment status", func(ctx context.Context) (*Appointment, error) {
		return s.repo.UpdateAppointmentStatus(ctx, id, StatusScheduled, to)
	})
	if err != nil {
		if errors.Is(err, ErrAppointmentNotFound) {
			return nil, s.explainMiss(ctx, id)
		}
		return nil, fmt.Errorf("update appointment status: %w", err)
	}
	return updated, nil
}

func (s *Service) completedWith(ctx context.Context, apptID, visitID uuid.UUID) (*Appointment, *Visit, bool) {
	appt, err := s.repo.GetAppointmentByID(ctx, apptID)
	if err != nil || appt.VisitID == nil || *appt.VisitID != visitID {
		return nil, nil, false
	}
	visit, err := s.repo.GetVisitByID(ctx, visitID)
	if err != nil {
		return nil, nil, false
	}
	return appt, visit, true
}

func (s *Service) explainMiss(ctx context.Context, id uuid.UUID) error {
	current, err := s.GetAppointment(ctx, id)
	if err != nil {
		return err
	}
	return fmt.Errorf("%w: appointment is %s", ErrInvalidTransition, current.Status)
}
