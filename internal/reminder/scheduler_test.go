package reminder

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/hackgods/clinical-scheduling/internal/appointment"
	"github.com/hackgods/clinical-scheduling/internal/clock"
	"github.com/hackgods/clinical-scheduling/internal/notify"
	"github.com/hackgods/clinical-scheduling/internal/slots"
)

type fakeStore struct {
	mu        sync.Mutex
	pending   []appointment.Appointment
	marked    map[uuid.UUID]int
	markErr   map[uuid.UUID]error
	lookahead time.Duration
}

func newFakeStore(appts ...appointment.Appointment) *fakeStore {
	return &fakeStore{
		pending: appts,
		marked:  make(map[uuid.UUID]int),
		markErr: make(map[uuid.UUID]error),
	}
}

func (s *fakeStore) PendingReminders(_ context.Context, lookahead time.Duration) ([]appointment.Appointment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lookahead = lookahead

	var out []appointment.Appointment
	for _, a := range s.pending {
		if s.marked[a.ID] == 0 {
			out = append(out, a)
		}
	}
	return out, nil
}

func (s *fakeStore) MarkReminderSent(_ context.Context, id uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.markErr[id]; err != nil {
		return err
	}
	s.marked[id]++
	return nil
}

type fakeDispatcher struct {
	mu   sync.Mutex
	sent []notify.Reminder
	fail map[uuid.UUID]bool
}

func (d *fakeDispatcher) Send(_ context.Context, r notify.Reminder) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.fail[r.AppointmentID] {
		return errors.New("broker unavailable")
	}
	d.sent = append(d.sent, r)
	return nil
}

type fakeReconciler struct {
	calls int
	grace time.Duration
}

func (r *fakeReconciler) ReconcileVisits(_ context.Context, grace time.Duration) (appointment.ReconcileResult, error) {
	r.calls++
	r.grace = grace
	return appointment.ReconcileResult{Finalized: 1}, nil
}

var monday = slots.Date{Year: 2025, Month: time.November, Day: 24}

func scheduled(at string) appointment.Appointment {
	return appointment.Appointment{
		ID:        uuid.New(),
		PatientID: uuid.New(),
		DoctorID:  uuid.New(),
		Date:      monday,
		Time:      slots.MustClockTime(at),
		Status:    appointment.StatusScheduled,
	}
}

func newScheduler(store Store, d Dispatcher, opts Options) *Scheduler {
	clk := clock.NewFixed(time.Date(2025, time.November, 23, 12, 0, 0, 0, time.UTC))
	return NewScheduler(store, d, clk, opts, zerolog.Nop())
}

func TestScheduler_RunOnce_SendsAndFlags(t *testing.T) {
	a, b := scheduled("10:00"), scheduled("10:30")
	store := newFakeStore(a, b)
	d := &fakeDispatcher{}
	s := newScheduler(store, d, Options{Lookahead: 24 * time.Hour})

	res, err := s.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Due != 2 || res.Sent != 2 || res.Failed != 0 {
		t.Fatalf("unexpected result: %+v", res)
	}
	if store.lookahead != 24*time.Hour {
		t.Errorf("expected lookahead to be passed through, got %s", store.lookahead)
	}

	first := d.sent[0]
	if first.AppointmentID != a.ID || first.Kind != notify.KindAppointmentReminder {
		t.Errorf("unexpected reminder: %+v", first)
	}
	wantStart := time.Date(2025, time.November, 24, 10, 0, 0, 0, time.UTC)
	if !first.StartsAt.Equal(wantStart) {
		t.Errorf("expected starts_at %s, got %s", wantStart, first.StartsAt)
	}

	// nothing is sent twice
	res, err = s.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Due != 0 || len(d.sent) != 2 {
		t.Errorf("expected no resends, got %+v with %d sent", res, len(d.sent))
	}
}

func TestScheduler_RunOnce_FailedSendIsRetried(t *testing.T) {
	a := scheduled("11:00")
	store := newFakeStore(a)
	d := &fakeDispatcher{fail: map[uuid.UUID]bool{a.ID: true}}
	s := newScheduler(store, d, Options{Lookahead: time.Hour})

	res, err := s.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Failed != 1 || res.Sent != 0 {
		t.Fatalf("unexpected result: %+v", res)
	}
	if store.marked[a.ID] != 0 {
		t.Fatal("a failed send must not be flagged")
	}

	d.fail = nil
	res, err = s.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Sent != 1 || store.marked[a.ID] != 1 {
		t.Errorf("expected the reminder on the second run, got %+v", res)
	}
}

func TestScheduler_RunOnce_CancelledMeanwhile(t *testing.T) {
	a := scheduled("11:00")
	store := newFakeStore(a)
	store.markErr[a.ID] = appointment.ErrInvalidTransition
	s := newScheduler(store, &fakeDispatcher{}, Options{Lookahead: time.Hour})

	res, err := s.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Sent != 1 || res.Failed != 0 {
		t.Errorf("unexpected result: %+v", res)
	}
}

func TestScheduler_RunOnce_Reconciles(t *testing.T) {
	rec := &fakeReconciler{}
	s := newScheduler(newFakeStore(), &fakeDispatcher{}, Options{
		Lookahead:      time.Hour,
		Reconciler:     rec,
		ReconcileGrace: 10 * time.Minute,
	})

	res, err := s.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec.calls != 1 || rec.grace != 10*time.Minute {
		t.Errorf("expected one reconcile call with grace 10m, got %d calls with %s", rec.calls, rec.grace)
	}
	if res.Reconciled.Finalized != 1 {
		t.Errorf("expected reconcile result to be reported, got %+v", res.Reconciled)
	}
}

func TestScheduler_Run_StopsOnCancel(t *testing.T) {
	s := newScheduler(newFakeStore(scheduled("10:00")), &fakeDispatcher{}, Options{Lookahead: time.Hour})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		s.Run(ctx, time.Hour)
		close(done)
	}()
	cancel()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("scheduler did not stop after cancellation")
	}
}
