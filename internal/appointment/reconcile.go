package appointment

import (
	"context"
	"errors"
	"fmt"
	"time"
)

type ReconcileResult struct {
	Finalized int
	Detached  int
	Failed    int
}

// ReconcileVisits resolves visits that name an appointment which never
// pointed back at them, e.g. charting records written outside Complete.
// Visits older than grace are either finalized (the appointment is still
// scheduled for the same patient and doctor, so it is completed with this
// visit) or detached into walk-in visits.
func (s *Service) ReconcileVisits(ctx context.Context, grace time.Duration) (ReconcileResult, error) {
	var res ReconcileResult
	cutoff := s.clock.Now().Add(-grace)

	visits, err := retry(ctx, s, "list unlinked visits", func(ctx context.Context) ([]Visit, error) {
		return s.repo.ListUnlinkedVisits(ctx, cutoff)
	})
	if err != nil {
		return res, fmt.Errorf("list unlinked visits: %w", err)
	}

	for _, v := range visits {
		if ctx.Err() != nil {
			return res, ctx.Err()
		}
		finalized, err := s.reconcileVisit(ctx, v)
		switch {
		case err != nil:
			res.Failed++
			s.logger.Error().Err(err).Str("visit_id", v.ID.String()).Msg("failed to reconcile visit")
		case finalized:
			res.Finalized++
		default:
			res.Detached++
		}
	}

	if len(visits) > 0 {
		s.logger.Info().
			Int("finalized", res.Finalized).
			Int("detached", res.Detached).
			Int("failed", res.Failed).
			Msg("visit reconciliation complete")
	}
	return res, nil
}

func (s *Service) reconcileVisit(ctx context.Context, v Visit) (bool, error) {
	apptID := *v.AppointmentID

	appt, err := s.GetAppointment(ctx, apptID)
	if err != nil && !errors.Is(err, ErrAppointmentNotFound) {
		return false, err
	}

	if appt != nil && appt.Status == StatusScheduled && appt.VisitID == nil &&
		appt.PatientID == v.PatientID && appt.DoctorID == v.DoctorID {
		_, err := retry(ctx, s, "link visit", func(ctx context.Context) (*Appointment, error) {
			return s.repo.LinkVisit(ctx, apptID, v.ID)
		})
		if err == nil {
			s.logEvent(ctx, apptID, EventVisitReconciled, map[string]any{
				"visit_id": v.ID.String(),
			})
			return true, nil
		}
		if !errors.Is(err, ErrAppointmentNotFound) {
			return false, fmt.Errorf("link visit: %w", err)
		}
		// the appointment moved on meanwhile, fall through to detaching
	}

	if err := retryErr(ctx, s, "detach visit", func(ctx context.Context) error {
		return s.repo.DetachVisit(ctx, v.ID)
	}); err != nil {
		return false, fmt.Errorf("detach visit: %w", err)
	}
	s.logEvent(ctx, apptID, EventVisitDetached, map[string]any{
		"visit_id": v.ID.String(),
	})
	s.logger.Warn().
		Str("visit_id", v.ID.String()).
		Str("appointment_id", apptID.String()).
		Msg("detached visit from appointment it could not complete")
	return false, nil
}
