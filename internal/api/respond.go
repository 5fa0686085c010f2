package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/rs/zerolog"

	"github.com/hackgods/clinical-scheduling/internal/appointment"
	"github.com/hackgods/clinical-scheduling/internal/slots"
)

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code, details string) {
	writeJSON(w, status, ErrorResponse{Error: code, Details: details})
}

// writeServiceError maps scheduling errors to HTTP. Anything unrecognised is
// logged and reported as internal_error without details.
func writeServiceError(w http.ResponseWriter, r *http.Request, logger zerolog.Logger, err error) {
	switch {
	case errors.Is(err, appointment.ErrSlotNotOffered):
		writeError(w, http.StatusConflict, "slot_not_offered", err.Error())
	case errors.Is(err, appointment.ErrSlotTaken):
		writeError(w, http.StatusConflict, "slot_taken", err.Error())
	case errors.Is(err, appointment.ErrInvalidTiming):
		writeError(w, http.StatusUnprocessableEntity, "invalid_timing", err.Error())
	case errors.Is(err, appointment.ErrMissingVisit):
		writeError(w, http.StatusUnprocessableEntity, "missing_visit", err.Error())
	case errors.Is(err, appointment.ErrNotYetDue):
		writeError(w, http.StatusConflict, "not_yet_due", err.Error())
	case errors.Is(err, appointment.ErrInvalidTransition):
		writeError(w, http.StatusConflict, "invalid_transition", err.Error())
	case errors.Is(err, appointment.ErrNotFound):
		writeError(w, http.StatusNotFound, "not_found", err.Error())
	case errors.Is(err, appointment.ErrInvalidRequest),
		errors.Is(err, appointment.ErrInvalidStatus),
		errors.Is(err, slots.ErrInvalidDate),
		errors.Is(err, slots.ErrInvalidClockTime):
		writeError(w, http.StatusBadRequest, "invalid_request", err.Error())
	case errors.Is(err, appointment.ErrUnavailable):
		logger.Warn().Err(err).Str("request_id", GetRequestID(r.Context())).Msg("storage unavailable")
		writeError(w, http.StatusServiceUnavailable, "unavailable", "storage is temporarily unavailable, retry later")
	default:
		logger.Error().Err(err).Str("request_id", GetRequestID(r.Context())).Msg("unhandled error")
		writeError(w, http.StatusInternalServerError, "internal_error", "")
	}
}
