package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/hackgods/clinical-scheduling/internal/appointment"
	"github.com/hackgods/clinical-scheduling/internal/availability"
	"github.com/hackgods/clinical-scheduling/internal/clock"
	"github.com/hackgods/clinical-scheduling/internal/config"
	"github.com/hackgods/clinical-scheduling/internal/slots"
)

type testServer struct {
	handler http.Handler
	clock   *clock.Fixed
	repo    *appointment.MemoryRepository
	doctor  uuid.UUID
	patient uuid.UUID
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()

	clk := clock.NewFixed(time.Date(2025, time.November, 23, 9, 0, 0, 0, time.UTC))
	repo := appointment.NewMemoryRepository(clk)

	ts := &testServer{clock: clk, repo: repo, doctor: uuid.New(), patient: uuid.New()}
	repo.AddDoctor(appointment.Doctor{
		ID:    ts.doctor,
		Name:  "Dr. Ada Byron",
		Email: "ada@clinic.test",
		Availability: []slots.Window{
			{Day: time.Monday, Start: slots.MustClockTime("10:00"), End: slots.MustClockTime("13:00")},
		},
	})
	repo.AddPatient(appointment.Patient{ID: ts.patient, Name: "Grace Hopper"})

	gen, err := slots.NewGenerator(30 * time.Minute)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	idx := availability.NewIndex(repo, gen, clk, availability.Options{Location: time.UTC, CacheSize: 16, CacheTTL: time.Minute}, zerolog.Nop())
	cfg := config.Config{StorageRetries: 1, StorageRetryBackoff: time.Millisecond}
	svc := appointment.NewService(repo, idx, nil, clk, cfg, zerolog.Nop())

	ts.handler = NewRouter(RouterConfig{Service: svc, Logger: zerolog.Nop(), Env: "test", Version: "dev"})
	return ts
}

func (ts *testServer) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()

	var buf bytes.Buffer
	if body != nil {
		if s, ok := body.(string); ok {
			buf.WriteString(s)
		} else if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	ts.handler.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.Unmarshal(rec.Body.Bytes(), &v); err != nil {
		t.Fatalf("decode %q: %v", rec.Body.String(), err)
	}
	return v
}

func expectError(t *testing.T, rec *httptest.ResponseRecorder, status int, code string) {
	t.Helper()
	if rec.Code != status {
		t.Fatalf("expected status %d, got %d: %s", status, rec.Code, rec.Body.String())
	}
	if got := decode[ErrorResponse](t, rec); got.Error != code {
		t.Fatalf("expected error %q, got %q", code, got.Error)
	}
}

func (ts *testServer) bookBody(at string) CreateAppointmentRequest {
	return CreateAppointmentRequest{
		PatientID: ts.patient.String(),
		DoctorID:  ts.doctor.String(),
		Date:      "2025-11-24",
		Time:      at,
		Reason:    "checkup",
	}
}

func TestRouter_BookingFlow(t *testing.T) {
	ts := newTestServer(t)
	slotsPath := "/doctors/" + ts.doctor.String() + "/slots?date=2025-11-24"

	rec := ts.do(t, http.MethodGet, slotsPath, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	free := decode[FreeSlotsResponse](t, rec)
	if len(free.Slots) != 6 || free.Slots[0].Start.String() != "10:00" || free.Slots[0].End.String() != "10:30" {
		t.Fatalf("unexpected slots: %+v", free.Slots)
	}

	// legacy clients send 12h clock times
	rec = ts.do(t, http.MethodPost, "/appointments", ts.bookBody("10:30 AM"))
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rec.Code, rec.Body.String())
	}
	appt := decode[AppointmentResponse](t, rec)
	if appt.Status != "scheduled" || appt.Time.String() != "10:30" || appt.VisitID != nil {
		t.Fatalf("unexpected appointment: %+v", appt)
	}

	rec = ts.do(t, http.MethodGet, slotsPath, nil)
	if free := decode[FreeSlotsResponse](t, rec); len(free.Slots) != 5 {
		t.Fatalf("expected 5 free slots, got %d", len(free.Slots))
	}

	rec = ts.do(t, http.MethodPost, "/appointments", ts.bookBody("10:30"))
	expectError(t, rec, http.StatusConflict, "slot_taken")

	transition := "/appointments/" + appt.ID.String() + "/transition"
	rec = ts.do(t, http.MethodPost, transition, TransitionRequest{TargetStatus: "completed"})
	expectError(t, rec, http.StatusUnprocessableEntity, "missing_visit")

	rec = ts.do(t, http.MethodPost, transition, TransitionRequest{
		TargetStatus: "completed",
		Visit: &appointment.VisitPayload{
			Diagnosis:   "migraine",
			Medications: []appointment.Medication{{Name: "ibuprofen"}},
		},
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	completed := decode[AppointmentResponse](t, rec)
	if completed.Status != "completed" || completed.VisitID == nil {
		t.Fatalf("unexpected appointment: %+v", completed)
	}

	rec = ts.do(t, http.MethodGet, "/visits/"+completed.VisitID.String(), nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	visit := decode[VisitResponse](t, rec)
	if visit.AppointmentID == nil || *visit.AppointmentID != appt.ID || visit.Diagnosis != "migraine" {
		t.Fatalf("unexpected visit: %+v", visit)
	}

	rec = ts.do(t, http.MethodPost, transition, TransitionRequest{TargetStatus: "cancelled"})
	expectError(t, rec, http.StatusConflict, "invalid_transition")
}

func TestRouter_BookingErrors(t *testing.T) {
	ts := newTestServer(t)

	tests := []struct {
		name   string
		body   any
		status int
		code   string
	}{
		{name: "not offered", body: ts.bookBody("10:15"), status: http.StatusConflict, code: "slot_not_offered"},
		{name: "past", body: func() CreateAppointmentRequest {
			b := ts.bookBody("10:00")
			b.Date = "2025-11-17"
			return b
		}(), status: http.StatusUnprocessableEntity, code: "invalid_timing"},
		{name: "bad time", body: ts.bookBody("25:00"), status: http.StatusBadRequest, code: "invalid_request"},
		{name: "bad json", body: "{", status: http.StatusBadRequest, code: "invalid_request"},
		{name: "unknown field", body: `{"slot_id":"x"}`, status: http.StatusBadRequest, code: "invalid_request"},
		{name: "unknown doctor", body: func() CreateAppointmentRequest {
			b := ts.bookBody("10:00")
			b.DoctorID = uuid.NewString()
			return b
		}(), status: http.StatusNotFound, code: "not_found"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := ts.do(t, http.MethodPost, "/appointments", tt.body)
			expectError(t, rec, tt.status, tt.code)
		})
	}
}

func TestRouter_TransitionErrors(t *testing.T) {
	ts := newTestServer(t)

	rec := ts.do(t, http.MethodPost, "/appointments", ts.bookBody("11:00"))
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rec.Code, rec.Body.String())
	}
	appt := decode[AppointmentResponse](t, rec)
	transition := "/appointments/" + appt.ID.String() + "/transition"

	rec = ts.do(t, http.MethodPost, transition, TransitionRequest{TargetStatus: "no-show"})
	expectError(t, rec, http.StatusConflict, "not_yet_due")

	rec = ts.do(t, http.MethodPost, transition, TransitionRequest{TargetStatus: "archived"})
	expectError(t, rec, http.StatusBadRequest, "invalid_request")

	rec = ts.do(t, http.MethodPost, "/appointments/"+uuid.NewString()+"/transition", TransitionRequest{TargetStatus: "cancelled"})
	expectError(t, rec, http.StatusNotFound, "not_found")

	rec = ts.do(t, http.MethodPost, "/appointments/not-a-uuid/transition", TransitionRequest{TargetStatus: "cancelled"})
	expectError(t, rec, http.StatusBadRequest, "invalid_request")

	ts.clock.Set(time.Date(2025, time.November, 24, 11, 5, 0, 0, time.UTC))
	rec = ts.do(t, http.MethodPost, transition, TransitionRequest{TargetStatus: "no-show"})
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	if got := decode[AppointmentResponse](t, rec); got.Status != "no-show" {
		t.Errorf("expected no-show, got %s", got.Status)
	}
}

func TestRouter_ListAppointments(t *testing.T) {
	ts := newTestServer(t)
	for _, at := range []string{"12:00", "10:00"} {
		if rec := ts.do(t, http.MethodPost, "/appointments", ts.bookBody(at)); rec.Code != http.StatusCreated {
			t.Fatalf("expected 201, got %d: %s", rec.Code, rec.Body.String())
		}
	}

	rec := ts.do(t, http.MethodGet, "/appointments?patient_id="+ts.patient.String()+"&status=scheduled", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	list := decode[ListAppointmentsResponse](t, rec)
	if len(list.Items) != 2 || list.Limit != 20 {
		t.Fatalf("unexpected list: %+v", list)
	}
	if list.Items[0].Time.String() != "10:00" {
		t.Errorf("expected chronological order, got %s first", list.Items[0].Time)
	}

	rec = ts.do(t, http.MethodGet, "/appointments?status=pending", nil)
	expectError(t, rec, http.StatusBadRequest, "invalid_request")

	rec = ts.do(t, http.MethodGet, "/appointments?limit=-1", nil)
	expectError(t, rec, http.StatusBadRequest, "invalid_request")

	rec = ts.do(t, http.MethodGet, "/appointments/"+uuid.NewString(), nil)
	expectError(t, rec, http.StatusNotFound, "not_found")
}

func TestRouter_WalkInVisit(t *testing.T) {
	ts := newTestServer(t)

	rec := ts.do(t, http.MethodPost, "/visits", CreateVisitRequest{
		PatientID: ts.patient.String(),
		DoctorID:  ts.doctor.String(),
		VisitPayload: appointment.VisitPayload{
			Symptoms: "fever",
			Vitals:   &appointment.Vitals{BloodPressure: "120/80"},
		},
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rec.Code, rec.Body.String())
	}
	v := decode[VisitResponse](t, rec)
	if v.AppointmentID != nil || v.Vitals == nil || v.Vitals.BloodPressure != "120/80" {
		t.Fatalf("unexpected visit: %+v", v)
	}
	if !strings.Contains(rec.Body.String(), `"appointment_id":null`) {
		t.Errorf("expected explicit null appointment_id, got %s", rec.Body.String())
	}

	rec = ts.do(t, http.MethodPost, "/visits", CreateVisitRequest{
		PatientID: ts.patient.String(),
		DoctorID:  ts.doctor.String(),
		VisitPayload: appointment.VisitPayload{
			Medications: []appointment.Medication{{Dosage: "10mg"}},
		},
	})
	expectError(t, rec, http.StatusBadRequest, "invalid_request")
}

func TestRouter_Health(t *testing.T) {
	ts := newTestServer(t)

	rec := ts.do(t, http.MethodGet, "/health/live", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}

	rec = ts.do(t, http.MethodGet, "/health/ready", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	ready := decode[ReadinessResponse](t, rec)
	if ready.Status != "ok" || ready.Dependencies["storage"] != "memory" || ready.Dependencies["redis"] != "disabled" {
		t.Errorf("unexpected readiness: %+v", ready)
	}
	if rec.Header().Get("X-Request-ID") == "" {
		t.Error("expected a request id header")
	}
}

func TestRecoveryMiddleware(t *testing.T) {
	h := RecoveryMiddleware(zerolog.Nop())(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		panic("boom")
	}))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	expectError(t, rec, http.StatusInternalServerError, "internal_error")
}

func TestHealthHandler_Readiness(t *testing.T) {
	errDown := errors.New("connection refused")
	ok := func(context.Context) error { return nil }
	down := func(context.Context) error { return errDown }

	tests := []struct {
		name   string
		checks []DependencyCheck
		code   int
		status string
	}{
		{"all up", []DependencyCheck{{Name: "postgres", Critical: true, Ping: ok}, {Name: "redis", Ping: ok}}, http.StatusOK, "ok"},
		{"redis down", []DependencyCheck{{Name: "postgres", Critical: true, Ping: ok}, {Name: "redis", Ping: down}}, http.StatusOK, "degraded"},
		{"postgres down", []DependencyCheck{{Name: "postgres", Critical: true, Ping: down}, {Name: "redis", Ping: down}}, http.StatusServiceUnavailable, "error"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := NewHealthHandler("test", "dev", nil, tt.checks...)
			rec := httptest.NewRecorder()
			h.Readiness(rec, httptest.NewRequest(http.MethodGet, "/health/ready", nil))

			if rec.Code != tt.code {
				t.Fatalf("expected %d, got %d", tt.code, rec.Code)
			}
			ready := decode[ReadinessResponse](t, rec)
			if ready.Status != tt.status {
				t.Errorf("expected status %q, got %q", tt.status, ready.Status)
			}
			for _, c := range tt.checks {
				if ready.Dependencies[c.Name] == "" {
					t.Errorf("missing dependency %q in %v", c.Name, ready.Dependencies)
				}
			}
		})
	}
}
