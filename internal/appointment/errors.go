package appointment

import "errors"

// Business rule violations. They are returned to the caller as is and never
// retried.
var (
	ErrSlotNotOffered    = errors.New("requested time is outside the doctor's availability")
	ErrSlotTaken         = errors.New("slot is already booked")
	ErrInvalidTiming     = errors.New("requested time is in the past")
	ErrMissingVisit      = errors.New("completing an appointment requires visit data")
	ErrNotYetDue         = errors.New("appointment time has not passed yet")
	ErrInvalidTransition = errors.New("invalid status transition")
	ErrInvalidStatus     = errors.New("unknown appointment status")
	ErrInvalidRequest    = errors.New("invalid request")

	// ErrUnavailable is returned once transient storage failures exhaust
	// the retry budget.
	ErrUnavailable = errors.New("storage unavailable")
)
