package api

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/hackgods/clinical-scheduling/internal/appointment"
	"github.com/hackgods/clinical-scheduling/internal/slots"
)

const maxBodyBytes = 1 << 20

func decodeBody(w http.ResponseWriter, r *http.Request, dst any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "could not parse JSON: "+err.Error())
		return false
	}
	return true
}

func parseIDParam(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "id must be a valid UUID")
		return uuid.Nil, false
	}
	return id, true
}

func parseUUIDField(w http.ResponseWriter, name, value string) (uuid.UUID, bool) {
	id, err := uuid.Parse(value)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", name+" must be a valid UUID")
		return uuid.Nil, false
	}
	return id, true
}

func freeSlotsHandler(svc *appointment.Service, logger zerolog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		doctorID, ok := parseIDParam(w, r)
		if !ok {
			return
		}
		date, err := slots.ParseDate(r.URL.Query().Get("date"))
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_request", err.Error())
			return
		}

		free, err := svc.FreeSlots(r.Context(), doctorID, date)
		if err != nil {
			writeServiceError(w, r, logger, err)
			return
		}

		resp := FreeSlotsResponse{
			DoctorID: doctorID,
			Date:     date,
			Slots:    make([]SlotResponse, 0, len(free)),
		}
		for _, s := range free {
			resp.Slots = append(resp.Slots, SlotResponse{Start: s.Start, End: s.End})
		}
		writeJSON(w, http.StatusOK, resp)
	}
}

func createAppointmentHandler(svc *appointment.Service, logger zerolog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req CreateAppointmentRequest
		if !decodeBody(w, r, &req) {
			return
		}

		patientID, ok := parseUUIDField(w, "patient_id", req.PatientID)
		if !ok {
			return
		}
		doctorID, ok := parseUUIDField(w, "doctor_id", req.DoctorID)
		if !ok {
			return
		}
		date, err := slots.ParseDate(req.Date)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_request", err.Error())
			return
		}
		at, err := slots.ParseClockTime(req.Time)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_request", err.Error())
			return
		}

		booking := appointment.BookingRequest{
			PatientID: patientID,
			DoctorID:  doctorID,
			Date:      date,
			Time:      at,
			Reason:    req.Reason,
		}
		if req.CreatedBy != nil {
			staffID, ok := parseUUIDField(w, "created_by", *req.CreatedBy)
			if !ok {
				return
			}
			booking.CreatedBy = &staffID
		}

		appt, err := svc.Book(r.Context(), booking)
		if err != nil {
			writeServiceError(w, r, logger, err)
			return
		}

		writeJSON(w, http.StatusCreated, toAppointmentResponse(appt))
	}
}

func listAppointmentsHandler(svc *appointment.Service, logger zerolog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		var f appointment.ListFilter

		if v := q.Get("patient_id"); v != "" {
			id, ok := parseUUIDField(w, "patient_id", v)
			if !ok {
				return
			}
			f.PatientID = &id
		}
		if v := q.Get("doctor_id"); v != "" {
			id, ok := parseUUIDField(w, "doctor_id", v)
			if !ok {
				return
			}
			f.DoctorID = &id
		}
		if v := q.Get("date"); v != "" {
			d, err := slots.ParseDate(v)
			if err != nil {
				writeError(w, http.StatusBadRequest, "invalid_request", err.Error())
				return
			}
			f.Date = &d
		}
		if v := q.Get("status"); v != "" {
			st, err := appointment.ParseStatus(v)
			if err != nil {
				writeError(w, http.StatusBadRequest, "invalid_request", err.Error())
				return
			}
			f.Status = &st
		}
		for name, dst := range map[string]*int{"limit": &f.Limit, "offset": &f.Offset} {
			v := q.Get(name)
			if v == "" {
				continue
			}
			n, err := strconv.Atoi(v)
			if err != nil || n < 0 {
				writeError(w, http.StatusBadRequest, "invalid_request", name+" must be a non-negative integer")
				return
			}
			*dst = n
		}

		list, err := svc.ListAppointments(r.Context(), f)
		if err != nil {
			writeServiceError(w, r, logger, err)
			return
		}

		resp := ListAppointmentsResponse{
			Items:  make([]AppointmentResponse, 0, len(list)),
			Limit:  appointment.PageLimit(f.Limit),
			Offset: f.Offset,
		}
		for i := range list {
			resp.Items = append(resp.Items, toAppointmentResponse(&list[i]))
		}
		writeJSON(w, http.StatusOK, resp)
	}
}

func getAppointmentHandler(svc *appointment.Service, logger zerolog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := parseIDParam(w, r)
		if !ok {
			return
		}

		appt, err := svc.GetAppointment(r.Context(), id)
		if err != nil {
			writeServiceError(w, r, logger, err)
			return
		}
		writeJSON(w, http.StatusOK, toAppointmentResponse(appt))
	}
}

func transitionAppointmentHandler(svc *appointment.Service, logger zerolog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := parseIDParam(w, r)
		if !ok {
			return
		}
		var req TransitionRequest
		if !decodeBody(w, r, &req) {
			return
		}

		appt, err := svc.Transition(r.Context(), appointment.TransitionRequest{
			AppointmentID: id,
			TargetStatus:  req.TargetStatus,
			Visit:         req.Visit,
		})
		if err != nil {
			writeServiceError(w, r, logger, err)
			return
		}
		writeJSON(w, http.StatusOK, toAppointmentResponse(appt))
	}
}

func createVisitHandler(svc *appointment.Service, logger zerolog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req CreateVisitRequest
		if !decodeBody(w, r, &req) {
			return
		}
		patientID, ok := parseUUIDField(w, "patient_id", req.PatientID)
		if !ok {
			return
		}
		doctorID, ok := parseUUIDField(w, "doctor_id", req.DoctorID)
		if !ok {
			return
		}

		v, err := svc.RecordWalkInVisit(r.Context(), appointment.WalkInRequest{
			PatientID: patientID,
			DoctorID:  doctorID,
			Visit:     req.VisitPayload,
		})
		if err != nil {
			writeServiceError(w, r, logger, err)
			return
		}
		writeJSON(w, http.StatusCreated, toVisitResponse(v))
	}
}

func getVisitHandler(svc *appointment.Service, logger zerolog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := parseIDParam(w, r)
		if !ok {
			return
		}

		v, err := svc.GetVisit(r.Context(), id)
		if err != nil {
			writeServiceError(w, r, logger, err)
			return
		}
		writeJSON(w, http.StatusOK, toVisitResponse(v))
	}
}
