package appointment

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/hackgods/clinical-scheduling/internal/slots"
)

type Status string

const (
	StatusScheduled Status = "scheduled"
	StatusCompleted Status = "completed"
	StatusCancelled Status = "cancelled"
	StatusNoShow    Status = "no-show"
)

func ParseStatus(s string) (Status, error) {
	switch st := Status(s); st {
	case StatusScheduled, StatusCompleted, StatusCancelled, StatusNoShow:
		return st, nil
	}
	return "", fmt.Errorf("%w: %q", ErrInvalidStatus, s)
}

// IsTerminal reports whether no further transition is allowed from s.
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusCancelled || s == StatusNoShow
}

// CanTransitionTo encodes the lifecycle: scheduled moves to exactly one
// terminal state and nothing else moves at all.
func (s Status) CanTransitionTo(to Status) bool {
	return s == StatusScheduled && to.IsTerminal()
}

// HoldsSlot reports whether an appointment in status s keeps its
// (doctor, date, time) key unavailable to other bookings.
func (s Status) HoldsSlot() bool {
	return s == StatusScheduled || s == StatusCompleted
}

type Patient struct {
	ID        uuid.UUID
	Name      string
	Email     *string
	Phone     *string
	CreatedAt time.Time
	UpdatedAt time.Time
}

type Doctor struct {
	ID             uuid.UUID
	Name           string
	Email          string
	Specialization *string
	Availability   []slots.Window
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

type Staff struct {
	ID        uuid.UUID
	Name      string
	Role      string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// SlotKey identifies the instant a doctor can be booked for. At most one
// scheduled or completed appointment may hold a key.
type SlotKey struct {
	DoctorID uuid.UUID
	Date     slots.Date
	Time     slots.ClockTime
}

func (k SlotKey) String() string {
	return fmt.Sprintf("%s:%s:%s", k.DoctorID, k.Date, k.Time)
}

func (k SlotKey) StartsAt(loc *time.Location) time.Time {
	return k.Time.On(k.Date, loc)
}

type Appointment struct {
	ID           uuid.UUID
	PatientID    uuid.UUID
	DoctorID     uuid.UUID
	CreatedBy    *uuid.UUID
	Date         slots.Date
	Time         slots.ClockTime
	Reason       string
	Status       Status
	VisitID      *uuid.UUID
	ReminderSent bool
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

func (a Appointment) Key() SlotKey {
	return SlotKey{DoctorID: a.DoctorID, Date: a.Date, Time: a.Time}
}

func (a Appointment) StartsAt(loc *time.Location) time.Time {
	return a.Key().StartsAt(loc)
}

type Vitals struct {
	BloodPressure   string   `json:"blood_pressure,omitempty"`
	HeartRate       *float64 `json:"heart_rate,omitempty"`
	Glucose         *float64 `json:"glucose,omitempty"`
	Temperature     *float64 `json:"temperature,omitempty"`
	RespiratoryRate *float64 `json:"respiratory_rate,omitempty"`
	SpO2            *float64 `json:"spo2,omitempty"`
	Weight          *float64 `json:"weight,omitempty"`
	Height          *float64 `json:"height,omitempty"`
}

type Medication struct {
	Name         string `json:"name"`
	Dosage       string `json:"dosage,omitempty"`
	Frequency    string `json:"frequency,omitempty"`
	Duration     string `json:"duration,omitempty"`
	Instructions string `json:"instructions,omitempty"`
}

type Attachment struct {
	URL        string    `json:"url"`
	Filename   string    `json:"filename,omitempty"`
	UploadedAt time.Time `json:"uploaded_at"`
}

// VisitPayload is the clinical content produced by the charting workflow.
type VisitPayload struct {
	Vitals       *Vitals      `json:"vitals,omitempty"`
	Symptoms     string       `json:"symptoms,omitempty"`
	Diagnosis    string       `json:"diagnosis,omitempty"`
	Medications  []Medication `json:"medications,omitempty"`
	Notes        string       `json:"notes,omitempty"`
	Attachments  []Attachment `json:"attachments,omitempty"`
	FollowUpDate *slots.Date  `json:"follow_up_date,omitempty"`
	BillID       *uuid.UUID   `json:"bill_id,omitempty"`
}

func (p VisitPayload) validate() error {
	for i, m := range p.Medications {
		if m.Name == "" {
			return fmt.Errorf("%w: medications[%d].name is required", ErrInvalidRequest, i)
		}
	}
	for i, a := range p.Attachments {
		if a.URL == "" {
			return fmt.Errorf("%w: attachments[%d].url is required", ErrInvalidRequest, i)
		}
	}
	return nil
}

type Visit struct {
	ID            uuid.UUID
	PatientID     uuid.UUID
	DoctorID      uuid.UUID
	AppointmentID *uuid.UUID
	VisitPayload
	CreatedAt time.Time
	UpdatedAt time.Time
}

func newVisit(patientID, doctorID uuid.UUID, appointmentID *uuid.UUID, p VisitPayload, now time.Time) Visit {
	for i := range p.Attachments {
		if p.Attachments[i].UploadedAt.IsZero() {
			p.Attachments[i].UploadedAt = now
		}
	}
	return Visit{
		ID:            uuid.New(),
		PatientID:     patientID,
		DoctorID:      doctorID,
		AppointmentID: appointmentID,
		VisitPayload:  p,
	}
}

type EventLog struct {
	ID            int64
	EventType     string
	AppointmentID *uuid.UUID
	Payload       []byte
	CreatedAt     time.Time
}
