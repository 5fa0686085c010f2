package appointment

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/hackgods/clinical-scheduling/internal/availability"
	"github.com/hackgods/clinical-scheduling/internal/clock"
	"github.com/hackgods/clinical-scheduling/internal/config"
	redisclient "github.com/hackgods/clinical-scheduling/internal/redis"
	"github.com/hackgods/clinical-scheduling/internal/slots"
)

const (
	EventAppointmentBooked    = "APPOINTMENT_BOOKED"
	EventAppointmentCancelled = "APPOINTMENT_CANCELLED"
	EventAppointmentCompleted = "APPOINTMENT_COMPLETED"
	EventAppointmentNoShow    = "APPOINTMENT_NO_SHOW"
	EventReminderSent         = "REMINDER_SENT"
	EventVisitReconciled      = "VISIT_RECONCILED"
	EventVisitDetached        = "VISIT_DETACHED"
)

type Service struct {
	repo   Repository
	index  *availability.Index
	locker redisclient.Locker
	clock  clock.Clock
	cfg    config.Config
	logger zerolog.Logger
}

// NewService wires the booking engine and lifecycle. locker may be nil, in
// which case the storage uniqueness constraint alone arbitrates races.
func NewService(repo Repository, index *availability.Index, locker redisclient.Locker, clk clock.Clock, cfg config.Config, logger zerolog.Logger) *Service {
	return &Service{
		repo:   repo,
		index:  index,
		locker: locker,
		clock:  clk,
		cfg:    cfg,
		logger: logger.With().Str("component", "appointment").Logger(),
	}
}

func (s *Service) location() *time.Location {
	return s.index.Location()
}

// retry runs fn until it succeeds, fails with a non-transient error, or the
// retry budget is spent. An exhausted budget surfaces as ErrUnavailable.
func retry[T any](ctx context.Context, s *Service, op string, fn func(ctx context.Context) (T, error)) (T, error) {
	attempts := s.cfg.StorageRetries + 1
	var (
		res T
		err error
	)
	for attempt := 1; ; attempt++ {
		res, err = fn(ctx)
		if err == nil || !errors.Is(err, ErrStorageTransient) {
			return res, err
		}
		if attempt >= attempts {
			break
		}

		s.logger.Warn().Err(err).Str("op", op).Int("attempt", attempt).Msg("transient storage failure, retrying")

		select {
		case <-ctx.Done():
			var zero T
			return zero, ctx.Err()
		case <-time.After(s.cfg.StorageRetryBackoff * time.Duration(attempt)):
		}
	}

	var zero T
	return zero, fmt.Errorf("%w: %s: %v", ErrUnavailable, op, err)
}

func retryErr(ctx context.Context, s *Service, op string, fn func(ctx context.Context) error) error {
	_, err := retry(ctx, s, op, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, fn(ctx)
	})
	return err
}

func (s *Service) logEvent(ctx context.Context, appointmentID uuid.UUID, eventType string, payload map[string]any) {
	data, err := json.Marshal(payload)
	if err != nil {
		s.logger.Error().Err(err).Str("event", eventType).Msg("failed to marshal event payload")
		data = nil
	}

	apptID := appointmentID

	ev := EventLog{
		EventType:     eventType,
		AppointmentID: &apptID,
		Payload:       data,
		CreatedAt:     s.clock.Now(),
	}

	if err := s.repo.InsertEvent(ctx, ev); err != nil {
		s.logger.Error().Err(err).
			Str("event", eventType).
			Str("appointment_id", appointmentID.String()).
			Msg("failed to insert event log")
	}
}

// FreeSlots lists the doctor's bookable slots on date.
func (s *Service) FreeSlots(ctx context.Context, doctorID uuid.UUID, date slots.Date) ([]slots.Slot, error) {
	return retry(ctx, s, "free slots", func(ctx context.Context) ([]slots.Slot, error) {
		return s.index.FreeSlots(ctx, doctorID, date)
	})
}

// GetAppointment retrieves an appointment by ID
func (s *Service) GetAppointment(ctx context.Context, id uuid.UUID) (*Appointment, error) {
	appt, err := retry(ctx, s, "get appointment", func(ctx context.Context) (*Appointment, error) {
		return s.repo.GetAppointmentByID(ctx, id)
	})
	if err != nil {
		return nil, fmt.Errorf("get appointment: %w", err)
	}
	return appt, nil
}

const (
	defaultPageSize = 20
	maxPageSize     = 100
)

// PageLimit normalises a requested page size.
func PageLimit(limit int) int {
	if limit <= 0 {
		return defaultPageSize
	}
	return min(limit, maxPageSize)
}

// ListAppointments applies the filter with a default page of 20 and a cap of 100.
func (s *Service) ListAppointments(ctx context.Context, f ListFilter) ([]Appointment, error) {
	f.Limit = PageLimit(f.Limit)
	if f.Offset < 0 {
		f.Offset = 0
	}

	appointments, err := retry(ctx, s, "list appointments", func(ctx context.Context) ([]Appointment, error) {
		return s.repo.ListAppointments(ctx, f)
	})
	if err != nil {
		return nil, fmt.Errorf("list appointments: %w", err)
	}
	return appointments, nil
}

func (s *Service) GetVisit(ctx context.Context, id uuid.UUID) (*Visit, error) {
	v, err := retry(ctx, s, "get visit", func(ctx context.Context) (*Visit, error) {
		return s.repo.GetVisitByID(ctx, id)
	})
	if err != nil {
		return nil, fmt.Errorf("get visit: %w", err)
	}
	return v, nil
}

type WalkInRequest struct {
	PatientID uuid.UUID
	DoctorID  uuid.UUID
	Visit     VisitPayload
}

// RecordWalkInVisit stores a visit that is not tied to any appointment.
func (s *Service) RecordWalkInVisit(ctx context.Context, req WalkInRequest) (*Visit, error) {
	if req.PatientID == uuid.Nil || req.DoctorID == uuid.Nil {
		return nil, fmt.Errorf("%w: patient_id and doctor_id are required", ErrInvalidRequest)
	}
	if err := req.Visit.validate(); err != nil {
		return nil, err
	}
	if err := s.ensurePatient(ctx, req.PatientID); err != nil {
		return nil, err
	}
	if err := s.ensureDoctor(ctx, req.DoctorID); err != nil {
		return nil, err
	}

	v := newVisit(req.PatientID, req.DoctorID, nil, req.Visit, s.clock.Now())
	created, err := retry(ctx, s, "create visit", func(ctx context.Context) (*Visit, error) {
		return s.repo.CreateVisit(ctx, v)
	})
	if err != nil {
		return nil, fmt.Errorf("create visit: %w", err)
	}
	return created, nil
}

func (s *Service) ensurePatient(ctx context.Context, id uuid.UUID) error {
	_, err := retry(ctx, s, "load patient", func(ctx context.Context) (*Patient, error) {
		return s.repo.GetPatientByID(ctx, id)
	})
	if err != nil && !errors.Is(err, ErrNotFound) {
		return fmt.Errorf("load patient: %w", err)
	}
	return err
}

func (s *Service) ensureDoctor(ctx context.Context, id uuid.UUID) error {
	_, err := retry(ctx, s, "load doctor", func(ctx context.Context) (*Doctor, error) {
		return s.repo.GetDoctorByID(ctx, id)
	})
	if err != nil && !errors.Is(err, ErrNotFound) {
		return fmt.Errorf("load doctor: %w", err)
	}
	return err
}

func (s *Service) ensureStaff(ctx context.Context, id uuid.UUID) error {
	_, err := retry(ctx, s, "load staff", func(ctx context.Context) (*Staff, error) {
		return s.repo.GetStaffByID(ctx, id)
	})
	if err != nil && !errors.Is(err, ErrNotFound) {
		return fmt.Errorf("load staff: %w", err)
	}
	return err
}
