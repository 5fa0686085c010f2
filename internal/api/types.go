package api

import (
	"time"

	"github.com/google/uuid"

	"github.com/hackgods/clinical-scheduling/internal/appointment"
	"github.com/hackgods/clinical-scheduling/internal/slots"
)

type CreateAppointmentRequest struct {
	PatientID string  `json:"patient_id"`
	DoctorID  string  `json:"doctor_id"`
	Date      string  `json:"date"`
	Time      string  `json:"time"`
	Reason    string  `json:"reason"`
	CreatedBy *string `json:"created_by,omitempty"`
}

type TransitionRequest struct {
	TargetStatus string                    `json:"target_status"`
	Visit        *appointment.VisitPayload `json:"visit,omitempty"`
}

type CreateVisitRequest struct {
	PatientID string `json:"patient_id"`
	DoctorID  string `json:"doctor_id"`
	appointment.VisitPayload
}

type AppointmentResponse struct {
	ID           uuid.UUID       `json:"id"`
	PatientID    uuid.UUID       `json:"patient_id"`
	DoctorID     uuid.UUID       `json:"doctor_id"`
	CreatedBy    *uuid.UUID      `json:"created_by,omitempty"`
	Date         slots.Date      `json:"date"`
	Time         slots.ClockTime `json:"time"`
	Reason       string          `json:"reason,omitempty"`
	Status       string          `json:"status"`
	VisitID      *uuid.UUID      `json:"visit_id,omitempty"`
	ReminderSent bool            `json:"reminder_sent"`
	CreatedAt    time.Time       `json:"created_at"`
	UpdatedAt    time.Time       `json:"updated_at"`
}

type ListAppointmentsResponse struct {
	Items  []AppointmentResponse `json:"items"`
	Limit  int                   `json:"limit"`
	Offset int                   `json:"offset"`
}

type VisitResponse struct {
	ID            uuid.UUID  `json:"id"`
	PatientID     uuid.UUID  `json:"patient_id"`
	DoctorID      uuid.UUID  `json:"doctor_id"`
	AppointmentID *uuid.UUID `json:"appointment_id"`
	appointment.VisitPayload
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

type SlotResponse struct {
	Start slots.ClockTime `json:"start"`
	End   slots.ClockTime `json:"end"`
}

type FreeSlotsResponse struct {
	DoctorID uuid.UUID      `json:"doctor_id"`
	Date     slots.Date     `json:"date"`
	Slots    []SlotResponse `json:"slots"`
}

type ErrorResponse struct {
	Error   string `json:"error"`
	Details string `json:"details,omitempty"`
}

func toAppointmentResponse(a *appointment.Appointment) AppointmentResponse {
	return AppointmentResponse{
		ID:           a.ID,
		PatientID:    a.PatientID,
		DoctorID:     a.DoctorID,
		CreatedBy:    a.CreatedBy,
		Date:         a.Date,
		Time:         a.Time,
		Reason:       a.Reason,
		Status:       string(a.Status),
		VisitID:      a.VisitID,
		ReminderSent: a.ReminderSent,
		CreatedAt:    a.CreatedAt,
		UpdatedAt:    a.UpdatedAt,
	}
}

func toVisitResponse(v *appointment.Visit) VisitResponse {
	return VisitResponse{
		ID:            v.ID,
		PatientID:     v.PatientID,
		DoctorID:      v.DoctorID,
		AppointmentID: v.AppointmentID,
		VisitPayload:  v.VisitPayload,
		CreatedAt:     v.CreatedAt,
		UpdatedAt:     v.UpdatedAt,
	}
}
