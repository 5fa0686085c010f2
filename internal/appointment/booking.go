package appointment

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"

	redisclient "github.com/hackgods/clinical-scheduling/internal/redis"
	"github.com/hackgods/clinical-scheduling/internal/slots"
)

type BookingRequest struct {
	PatientID uuid.UUID
	DoctorID  uuid.UUID
	Date      slots.Date
	Time      slots.ClockTime
	Reason    string
	CreatedBy *uuid.UUID
}

func (r BookingRequest) validate() error {
	if r.PatientID == uuid.Nil {
		return fmt.Errorf("%w: patient_id is required", ErrInvalidRequest)
	}
	if r.DoctorID == uuid.Nil {
		return fmt.Errorf("%w: doctor_id is required", ErrInvalidRequest)
	}
	if r.Date.IsZero() {
		return fmt.Errorf("%w: date is required", ErrInvalidRequest)
	}
	if r.CreatedBy != nil && *r.CreatedBy == uuid.Nil {
		return fmt.Errorf("%w: created_by must be a valid id", ErrInvalidRequest)
	}
	return nil
}

// Book validates a booking request against the doctor's availability and
// existing appointments, then commits a scheduled appointment.
//
// Checks run in order: the time is offered (ErrSlotNotOffered), nobody holds
// it (ErrSlotTaken), it is not in the past (ErrInvalidTiming). When two
// requests race for the same key the storage uniqueness constraint picks the
// first committer and the other gets ErrSlotTaken.
func (s *Service) Book(ctx context.Context, req BookingRequest) (*Appointment, error) {
	if err := req.validate(); err != nil {
		return nil, err
	}

	if err := s.ensurePatient(ctx, req.PatientID); err != nil {
		return nil, err
	}
	if err := s.ensureDoctor(ctx, req.DoctorID); err != nil {
		return nil, err
	}
	if req.CreatedBy != nil {
		if err := s.ensureStaff(ctx, *req.CreatedBy); err != nil {
			return nil, err
		}
	}

	key := SlotKey{DoctorID: req.DoctorID, Date: req.Date, Time: req.Time}

	offered, err := retry(ctx, s, "check offered", func(ctx context.Context) (bool, error) {
		return s.index.IsOffered(ctx, key.DoctorID, key.Date, key.Time)
	})
	if err != nil {
		return nil, fmt.Errorf("check availability: %w", err)
	}
	if !offered {
		return nil, ErrSlotNotOffered
	}

	free, err := retry(ctx, s, "check free", func(ctx context.Context) (bool, error) {
		return s.index.IsFree(ctx, key.DoctorID, key.Date, key.Time)
	})
	if err != nil {
		return nil, fmt.Errorf("check availability: %w", err)
	}
	if !free {
		return nil, ErrSlotTaken
	}

	if key.StartsAt(s.location()).Before(s.clock.Now()) {
		return nil, ErrInvalidTiming
	}

	// the id is fixed before the first attempt so a retry can recognise a
	// row committed by an attempt whose reply was lost
	id := uuid.New()
	var (
		created   *Appointment
		uncertain bool
	)
	commit := func(ctx context.Context) error {
		appt, err := retry(ctx, s, "create appointment", func(ctx context.Context) (*Appointment, error) {
			a, err := s.repo.CreateAppointment(ctx, Appointment{
				ID:        id,
				PatientID: req.PatientID,
				DoctorID:  req.DoctorID,
				CreatedBy: req.CreatedBy,
				Date:      req.Date,
				Time:      req.Time,
				Reason:    req.Reason,
				Status:    StatusScheduled,
			})
			if errors.Is(err, ErrStorageTransient) {
				uncertain = true
			}
			return a, err
		})
		if err != nil && uncertain {
			if own, readErr := s.repo.GetAppointmentByID(ctx, id); readErr == nil {
				s.logger.Warn().Err(err).Str("appointment_id", id.String()).Msg("booking committed by an earlier attempt")
				appt, err = own, nil
			}
		}
		if err != nil {
			return err
		}
		created = appt
		return nil
	}

	if s.locker != nil {
		err = s.locker.WithSlotLock(ctx, key.String(), commit)
	} else {
		err = commit(ctx)
	}
	if err != nil {
		if errors.Is(err, redisclient.ErrLockNotAcquired) || errors.Is(err, ErrSlotTaken) {
			s.logger.Info().
				Str("slot", key.String()).
				Str("patient_id", req.PatientID.String()).
				Msg("lost booking race")
			return nil, ErrSlotTaken
		}
		return nil, fmt.Errorf("create appointment: %w", err)
	}

	payload := map[string]any{
		"patient_id": req.PatientID.String(),
		"doctor_id":  req.DoctorID.String(),
		"date":       req.Date.String(),
		"time":       req.Time.String(),
	}
	if req.CreatedBy != nil {
		payload["created_by"] = req.CreatedBy.String()
	}
	s.logEvent(ctx, created.ID, EventAppointmentBooked, payload)

	s.logger.Info().
		Str("appointment_id", created.ID.String()).
		Str("slot", key.String()).
		Msg("appointment booked")

	return created, nil
}
