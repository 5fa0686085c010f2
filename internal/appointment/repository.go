package appointment

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/hackgods/clinical-scheduling/internal/slots"
)

var (
	ErrNotFound            = errors.New("not found")
	ErrPatientNotFound     = fmt.Errorf("patient %w", ErrNotFound)
	ErrDoctorNotFound      = fmt.Errorf("doctor %w", ErrNotFound)
	ErrStaffNotFound       = fmt.Errorf("staff member %w", ErrNotFound)
	ErrAppointmentNotFound = fmt.Errorf("appointment %w", ErrNotFound)
	ErrVisitNotFound       = fmt.Errorf("visit %w", ErrNotFound)

	// ErrStorageTransient marks failures worth retrying (serialization
	// conflicts, dropped connections, timeouts).
	ErrStorageTransient = errors.New("transient storage failure")
)

type ListFilter struct {
	PatientID *uuid.UUID
	DoctorID  *uuid.UUID
	Date      *slots.Date
	Status    *Status
	Limit     int
	Offset    int
}

// Repository contains all storage interactions needed by the service.
//
// Status updates are compare-and-set: when the row is missing or not in the
// expected state they return ErrAppointmentNotFound and the caller re-reads.
type Repository interface {
	GetPatientByID(ctx context.Context, id uuid.UUID) (*Patient, error)
	GetDoctorByID(ctx context.Context, id uuid.UUID) (*Doctor, error)
	GetStaffByID(ctx context.Context, id uuid.UUID) (*Staff, error)

	// Availability index source
	DoctorAvailability(ctx context.Context, doctorID uuid.UUID) ([]slots.Window, error)
	BookedTimes(ctx context.Context, doctorID uuid.UUID, date slots.Date) ([]slots.ClockTime, error)

	GetAppointmentByID(ctx context.Context, id uuid.UUID) (*Appointment, error)
	ListAppointments(ctx context.Context, f ListFilter) ([]Appointment, error)

	// CreateAppointment returns ErrSlotTaken when another scheduled or
	// completed appointment already holds the same key.
	CreateAppointment(ctx context.Context, a Appointment) (*Appointment, error)
	UpdateAppointmentStatus(ctx context.Context, id uuid.UUID, from, to Status) (*Appointment, error)
	// CompleteWithVisit stores v and moves the appointment from scheduled
	// to completed with visit_id = v.ID as one atomic unit.
	CompleteWithVisit(ctx context.Context, id uuid.UUID, v Visit) (*Appointment, *Visit, error)

	// Reminders
	ListPendingReminders(ctx context.Context, from, to slots.Date) ([]Appointment, error)
	MarkReminderSent(ctx context.Context, id uuid.UUID) (*Appointment, error)

	// Visits
	CreateVisit(ctx context.Context, v Visit) (*Visit, error)
	GetVisitByID(ctx context.Context, id uuid.UUID) (*Visit, error)
	// ListUnlinkedVisits returns visits created before cutoff that name an
	// appointment which does not point back at them.
	ListUnlinkedVisits(ctx context.Context, cutoff time.Time) ([]Visit, error)
	// LinkVisit moves a scheduled appointment without a visit to completed
	// with the given visit id.
	LinkVisit(ctx context.Context, appointmentID, visitID uuid.UUID) (*Appointment, error)
	DetachVisit(ctx context.Context, visitID uuid.UUID) error

	// Event logging
	InsertEvent(ctx context.Context, ev EventLog) error
}
