package appointment

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/hackgods/clinical-scheduling/internal/availability"
	"github.com/hackgods/clinical-scheduling/internal/clock"
	"github.com/hackgods/clinical-scheduling/internal/config"
	redisclient "github.com/hackgods/clinical-scheduling/internal/redis"
	"github.com/hackgods/clinical-scheduling/internal/slots"
)

// 2025-11-24 is a Monday.
var monday = slots.Date{Year: 2025, Month: time.November, Day: 24}

type fixture struct {
	svc     *Service
	repo    *MemoryRepository
	clock   *clock.Fixed
	doctor  uuid.UUID
	patient uuid.UUID
	staff   uuid.UUID
}

type fixtureOption func(*fixtureOptions)

type fixtureOptions struct {
	wrap   func(*MemoryRepository) Repository
	locker redisclient.Locker
}

func withRepo(wrap func(*MemoryRepository) Repository) fixtureOption {
	return func(o *fixtureOptions) { o.wrap = wrap }
}

func withLocker(l redisclient.Locker) fixtureOption {
	return func(o *fixtureOptions) { o.locker = l }
}

func newFixture(t *testing.T, opts ...fixtureOption) *fixture {
	t.Helper()

	var o fixtureOptions
	for _, opt := range opts {
		opt(&o)
	}

	clk := clock.NewFixed(time.Date(2025, time.November, 23, 9, 0, 0, 0, time.UTC))
	mem := NewMemoryRepository(clk)

	f := &fixture{
		repo:    mem,
		clock:   clk,
		doctor:  uuid.New(),
		patient: uuid.New(),
		staff:   uuid.New(),
	}
	mem.AddDoctor(Doctor{
		ID:    f.doctor,
		Name:  "Dr. Ada Byron",
		Email: "ada@clinic.test",
		Availability: []slots.Window{
			{Day: time.Monday, Start: slots.MustClockTime("10:00"), End: slots.MustClockTime("13:00")},
		},
	})
	mem.AddPatient(Patient{ID: f.patient, Name: "Grace Hopper"})
	mem.AddStaff(Staff{ID: f.staff, Name: "Front Desk", Role: "receptionist"})

	var repo Repository = mem
	if o.wrap != nil {
		repo = o.wrap(mem)
	}

	gen, err := slots.NewGenerator(30 * time.Minute)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	idx := availability.NewIndex(repo, gen, clk, availability.Options{Location: time.UTC}, zerolog.Nop())

	cfg := config.Config{
		StorageRetries:      2,
		StorageRetryBackoff: time.Millisecond,
	}
	f.svc = NewService(repo, idx, o.locker, clk, cfg, zerolog.Nop())
	return f
}

func (f *fixture) book(t *testing.T, at string) *Appointment {
	t.Helper()
	appt, err := f.svc.Book(context.Background(), BookingRequest{
		PatientID: f.patient,
		DoctorID:  f.doctor,
		Date:      monday,
		Time:      slots.MustClockTime(at),
		Reason:    "checkup",
	})
	if err != nil {
		t.Fatalf("book %s: unexpected error: %v", at, err)
	}
	return appt
}

func startTimes(ss []slots.Slot) []string {
	out := make([]string, len(ss))
	for i, s := range ss {
		out[i] = s.Start.String()
	}
	return out
}

func TestScenario_BookAndComplete(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	free, err := f.svc.FreeSlots(ctx, f.doctor, monday)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	want := []string{"10:00", "10:30", "11:00", "11:30", "12:00", "12:30"}
	if got := startTimes(free); fmt.Sprint(got) != fmt.Sprint(want) {
		t.Fatalf("expected %v, got %v", want, got)
	}

	appt := f.book(t, "10:30")
	if appt.Status != StatusScheduled {
		t.Errorf("expected scheduled, got %s", appt.Status)
	}

	free, err = f.svc.FreeSlots(ctx, f.doctor, monday)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	want = []string{"10:00", "11:00", "11:30", "12:00", "12:30"}
	if got := startTimes(free); fmt.Sprint(got) != fmt.Sprint(want) {
		t.Fatalf("expected %v, got %v", want, got)
	}

	other := uuid.New()
	f.repo.AddPatient(Patient{ID: other, Name: "Alan Turing"})
	_, err = f.svc.Book(ctx, BookingRequest{
		PatientID: other,
		DoctorID:  f.doctor,
		Date:      monday,
		Time:      slots.MustClockTime("10:30"),
	})
	if !errors.Is(err, ErrSlotTaken) {
		t.Fatalf("expected ErrSlotTaken, got %v", err)
	}

	_, _, err = f.svc.Complete(ctx, appt.ID, nil)
	if !errors.Is(err, ErrMissingVisit) {
		t.Fatalf("expected ErrMissingVisit, got %v", err)
	}

	completed, visit, err := f.svc.Complete(ctx, appt.ID, &VisitPayload{
		Symptoms:    "cough",
		Diagnosis:   "common cold",
		Medications: []Medication{{Name: "paracetamol", Dosage: "500mg"}},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if completed.Status != StatusCompleted {
		t.Errorf("expected completed, got %s", completed.Status)
	}
	if visit.AppointmentID == nil || *visit.AppointmentID != appt.ID {
		t.Errorf("expected visit to reference appointment %s, got %v", appt.ID, visit.AppointmentID)
	}
	if completed.VisitID == nil || *completed.VisitID != visit.ID {
		t.Errorf("expected appointment to reference visit %s, got %v", visit.ID, completed.VisitID)
	}
	if visit.PatientID != f.patient || visit.DoctorID != f.doctor {
		t.Errorf("visit did not inherit patient and doctor")
	}

	stored, err := f.svc.GetVisit(ctx, visit.ID)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if stored.Diagnosis != "common cold" {
		t.Errorf("expected diagnosis to be stored, got %q", stored.Diagnosis)
	}

	// completed keeps holding the slot
	free, err = f.svc.FreeSlots(ctx, f.doctor, monday)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(free) != 5 {
		t.Errorf("expected 5 free slots after completion, got %d", len(free))
	}

	var types []string
	for _, ev := range f.repo.Events() {
		types = append(types, ev.EventType)
	}
	wantEvents := []string{EventAppointmentBooked, EventAppointmentCompleted}
	if fmt.Sprint(types) != fmt.Sprint(wantEvents) {
		t.Errorf("expected events %v, got %v", wantEvents, types)
	}
}

func TestBook_ConcurrentRequestsForSameSlot(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	const n = 25
	patients := make([]uuid.UUID, n)
	for i := range patients {
		patients[i] = uuid.New()
		f.repo.AddPatient(Patient{ID: patients[i], Name: fmt.Sprintf("patient-%d", i)})
	}

	var (
		wg     sync.WaitGroup
		wins   atomic.Int32
		taken  atomic.Int32
		others = make(chan error, n)
	)
	start := make(chan struct{})
	for _, p := range patients {
		wg.Add(1)
		go func(p uuid.UUID) {
			defer wg.Done()
			<-start
			_, err := f.svc.Book(ctx, BookingRequest{
				PatientID: p,
				DoctorID:  f.doctor,
				Date:      monday,
				Time:      slots.MustClockTime("11:00"),
			})
			switch {
			case err == nil:
				wins.Add(1)
			case errors.Is(err, ErrSlotTaken):
				taken.Add(1)
			default:
				others <- err
			}
		}(p)
	}
	close(start)
	wg.Wait()
	close(others)

	for err := range others {
		t.Errorf("unexpected error: %v", err)
	}
	if wins.Load() != 1 {
		t.Fatalf("expected exactly one booking to win, got %d", wins.Load())
	}
	if taken.Load() != n-1 {
		t.Errorf("expected %d ErrSlotTaken, got %d", n-1, taken.Load())
	}

	list, err := f.svc.ListAppointments(ctx, ListFilter{DoctorID: &f.doctor})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(list) != 1 {
		t.Errorf("expected 1 stored appointment, got %d", len(list))
	}
}

func TestBook_Validation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	tuesday := monday.AddDays(1)

	tests := []struct {
		name    string
		req     BookingRequest
		wantErr error
	}{
		{
			name:    "off granule",
			req:     BookingRequest{PatientID: f.patient, DoctorID: f.doctor, Date: monday, Time: slots.MustClockTime("10:15")},
			wantErr: ErrSlotNotOffered,
		},
		{
			name:    "window end",
			req:     BookingRequest{PatientID: f.patient, DoctorID: f.doctor, Date: monday, Time: slots.MustClockTime("13:00")},
			wantErr: ErrSlotNotOffered,
		},
		{
			name:    "day without availability",
			req:     BookingRequest{PatientID: f.patient, DoctorID: f.doctor, Date: tuesday, Time: slots.MustClockTime("10:00")},
			wantErr: ErrSlotNotOffered,
		},
		{
			name:    "past monday",
			req:     BookingRequest{PatientID: f.patient, DoctorID: f.doctor, Date: monday.AddDays(-7), Time: slots.MustClockTime("10:00")},
			wantErr: ErrInvalidTiming,
		},
		{
			name:    "unknown patient",
			req:     BookingRequest{PatientID: uuid.New(), DoctorID: f.doctor, Date: monday, Time: slots.MustClockTime("10:00")},
			wantErr: ErrPatientNotFound,
		},
		{
			name:    "unknown doctor",
			req:     BookingRequest{PatientID: f.patient, DoctorID: uuid.New(), Date: monday, Time: slots.MustClockTime("10:00")},
			wantErr: ErrDoctorNotFound,
		},
		{
			name:    "unknown staff",
			req:     BookingRequest{PatientID: f.patient, DoctorID: f.doctor, Date: monday, Time: slots.MustClockTime("10:00"), CreatedBy: ptr(uuid.New())},
			wantErr: ErrStaffNotFound,
		},
		{
			name:    "missing date",
			req:     BookingRequest{PatientID: f.patient, DoctorID: f.doctor, Time: slots.MustClockTime("10:00")},
			wantErr: ErrInvalidRequest,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.svc.Book(ctx, tt.req)
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("expected %v, got %v", tt.wantErr, err)
			}
		})
	}

	if len(f.repo.Events()) != 0 {
		t.Errorf("rejected bookings must not log events")
	}
}

func TestBook_ExactlyNowIsAllowed(t *testing.T) {
	f := newFixture(t)
	f.clock.Set(monday.In(time.UTC).Add(10 * time.Hour))

	appt, err := f.svc.Book(context.Background(), BookingRequest{
		PatientID: f.patient,
		DoctorID:  f.doctor,
		Date:      monday,
		Time:      slots.MustClockTime("10:00"),
		CreatedBy: &f.staff,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if appt.CreatedBy == nil || *appt.CreatedBy != f.staff {
		t.Errorf("expected created_by to be recorded")
	}

	f.clock.Advance(time.Minute)
	_, err = f.svc.Book(context.Background(), BookingRequest{
		PatientID: f.patient,
		DoctorID:  f.doctor,
		Date:      monday,
		Time:      slots.MustClockTime("10:00"),
	})
	if !errors.Is(err, ErrSlotTaken) {
		t.Fatalf("a held slot reports taken before timing, got %v", err)
	}
}

func TestCancel_ReleasesSlot(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	appt := f.book(t, "12:00")
	cancelled, err := f.svc.Cancel(ctx, appt.ID)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cancelled.Status != StatusCancelled {
		t.Errorf("expected cancelled, got %s", cancelled.Status)
	}

	ok, err := f.svc.index.IsFree(ctx, f.doctor, monday, slots.MustClockTime("12:00"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !ok {
		t.Fatal("expected 12:00 to be free after cancellation")
	}

	rebooked := f.book(t, "12:00")
	if rebooked.ID == appt.ID {
		t.Error("expected a new appointment")
	}
}

func TestTransition_TerminalStatesAreFinal(t *testing.T) {
	ctx := context.Background()
	payload := &VisitPayload{Diagnosis: "ok"}

	setups := map[Status]func(f *fixture, id uuid.UUID) error{
		StatusCancelled: func(f *fixture, id uuid.UUID) error {
			_, err := f.svc.Cancel(ctx, id)
			return err
		},
		StatusNoShow: func(f *fixture, id uuid.UUID) error {
			f.clock.Set(monday.In(time.UTC).Add(11 * time.Hour))
			_, err := f.svc.MarkNoShow(ctx, id)
			return err
		},
		StatusCompleted: func(f *fixture, id uuid.UUID) error {
			_, _, err := f.svc.Complete(ctx, id, payload)
			return err
		},
	}

	for from, setup := range setups {
		for _, target := range []string{"scheduled", "completed", "cancelled", "no-show"} {
			t.Run(fmt.Sprintf("%s to %s", from, target), func(t *testing.T) {
				f := newFixture(t)
				appt := f.book(t, "10:00")
				if err := setup(f, appt.ID); err != nil {
					t.Fatalf("setup: unexpected error: %v", err)
				}

				_, err := f.svc.Transition(ctx, TransitionRequest{
					AppointmentID: appt.ID,
					TargetStatus:  target,
					Visit:         payload,
				})
				if !errors.Is(err, ErrInvalidTransition) {
					t.Fatalf("expected ErrInvalidTransition, got %v", err)
				}

				current, err := f.svc.GetAppointment(ctx, appt.ID)
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				if current.Status != from {
					t.Errorf("status changed from %s to %s", from, current.Status)
				}
			})
		}
	}
}

func TestTransition_ScheduledToScheduled(t *testing.T) {
	f := newFixture(t)
	appt := f.book(t, "10:00")

	_, err := f.svc.Transition(context.Background(), TransitionRequest{AppointmentID: appt.ID, TargetStatus: "scheduled"})
	if !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("expected ErrInvalidTransition, got %v", err)
	}
}

func TestTransition_Errors(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	appt := f.book(t, "10:00")

	_, err := f.svc.Transition(ctx, TransitionRequest{AppointmentID: appt.ID, TargetStatus: "rescheduled"})
	if !errors.Is(err, ErrInvalidStatus) {
		t.Errorf("expected ErrInvalidStatus, got %v", err)
	}

	_, err = f.svc.Transition(ctx, TransitionRequest{AppointmentID: uuid.New(), TargetStatus: "cancelled"})
	if !errors.Is(err, ErrAppointmentNotFound) {
		t.Errorf("expected ErrAppointmentNotFound, got %v", err)
	}

	_, err = f.svc.Transition(ctx, TransitionRequest{AppointmentID: appt.ID, TargetStatus: "completed"})
	if !errors.Is(err, ErrMissingVisit) {
		t.Errorf("expected ErrMissingVisit, got %v", err)
	}

	_, err = f.svc.Transition(ctx, TransitionRequest{
		AppointmentID: appt.ID,
		TargetStatus:  "completed",
		Visit:         &VisitPayload{Medications: []Medication{{Dosage: "5mg"}}},
	})
	if !errors.Is(err, ErrInvalidRequest) {
		t.Errorf("expected ErrInvalidRequest for a nameless medication, got %v", err)
	}

	current, err := f.svc.GetAppointment(ctx, appt.ID)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if current.Status != StatusScheduled || current.VisitID != nil {
		t.Errorf("failed completions must leave the appointment untouched, got %+v", current)
	}
}

func TestTransition_CancelAndCompleteRace(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	for _, at := range []string{"10:00", "10:30", "11:00", "11:30", "12:00", "12:30"} {
		appt := f.book(t, at)

		var (
			wg          sync.WaitGroup
			start       = make(chan struct{})
			cancelErr   error
			completeErr error
		)
		wg.Add(2)
		go func() {
			defer wg.Done()
			<-start
			_, cancelErr = f.svc.Cancel(ctx, appt.ID)
		}()
		go func() {
			defer wg.Done()
			<-start
			_, _, completeErr = f.svc.Complete(ctx, appt.ID, &VisitPayload{Diagnosis: "flu"})
		}()
		close(start)
		wg.Wait()

		if (cancelErr == nil) == (completeErr == nil) {
			t.Fatalf("%s: expected exactly one winner, cancel=%v complete=%v", at, cancelErr, completeErr)
		}

		final, err := f.svc.GetAppointment(ctx, appt.ID)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}

		f.repo.mu.RLock()
		visits := 0
		for _, v := range f.repo.visits {
			if v.AppointmentID != nil && *v.AppointmentID == appt.ID {
				visits++
			}
		}
		f.repo.mu.RUnlock()

		if cancelErr == nil {
			if !errors.Is(completeErr, ErrInvalidTransition) {
				t.Errorf("%s: expected ErrInvalidTransition for the completion, got %v", at, completeErr)
			}
			if final.Status != StatusCancelled || final.VisitID != nil {
				t.Errorf("%s: expected cancelled without visit, got %+v", at, final)
			}
			if visits != 0 {
				t.Errorf("%s: the losing completion left %d visits behind", at, visits)
			}
		} else {
			if !errors.Is(cancelErr, ErrInvalidTransition) {
				t.Errorf("%s: expected ErrInvalidTransition for the cancellation, got %v", at, cancelErr)
			}
			if final.Status != StatusCompleted || final.VisitID == nil {
				t.Errorf("%s: expected completed with visit, got %+v", at, final)
			}
			if visits != 1 {
				t.Errorf("%s: expected one visit, got %d", at, visits)
			}
		}
	}
}

func TestMarkNoShow_Timing(t *testing.T) {
	ctx := context.Background()
	start := monday.In(time.UTC).Add(10*time.Hour + 30*time.Minute)

	tests := []struct {
		name    string
		now     time.Time
		wantErr error
	}{
		{name: "before start", now: start.Add(-time.Minute), wantErr: ErrNotYetDue},
		{name: "at start", now: start, wantErr: ErrNotYetDue},
		{name: "after start", now: start.Add(time.Second)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			appt := f.book(t, "10:30")
			f.clock.Set(tt.now)

			updated, err := f.svc.MarkNoShow(ctx, appt.ID)
			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Fatalf("expected %v, got %v", tt.wantErr, err)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if updated.Status != StatusNoShow {
				t.Errorf("expected no-show, got %s", updated.Status)
			}
		})
	}
}

func TestMarkNoShow_ReleasesSlot(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	appt := f.book(t, "10:00")

	f.clock.Set(monday.In(time.UTC).Add(10*time.Hour + time.Minute))
	if _, err := f.svc.MarkNoShow(ctx, appt.ID); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	booked, err := f.repo.BookedTimes(ctx, f.doctor, monday)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(booked) != 0 {
		t.Errorf("expected no held times, got %v", booked)
	}
}

func TestRecordWalkInVisit(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	v, err := f.svc.RecordWalkInVisit(ctx, WalkInRequest{
		PatientID: f.patient,
		DoctorID:  f.doctor,
		Visit: VisitPayload{
			Notes:       "walk-in",
			Attachments: []Attachment{{URL: "https://files.test/xray.png", Filename: "xray.png"}},
		},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if v.AppointmentID != nil {
		t.Errorf("walk-in visits have no appointment")
	}
	if v.Attachments[0].UploadedAt.IsZero() {
		t.Errorf("expected attachment upload time to be filled in")
	}

	_, err = f.svc.RecordWalkInVisit(ctx, WalkInRequest{PatientID: uuid.New(), DoctorID: f.doctor})
	if !errors.Is(err, ErrPatientNotFound) {
		t.Errorf("expected ErrPatientNotFound, got %v", err)
	}
}

func ptr[T any](v T) *T {
	return &v
}
