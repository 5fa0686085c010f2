package appointment

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/hackgods/clinical-scheduling/internal/clock"
	"github.com/hackgods/clinical-scheduling/internal/slots"
)

// MemoryRepository is an in-process Repository. A single mutex makes every
// method atomic, and the active map enforces the one-holder-per-key rule.
type MemoryRepository struct {
	mu           sync.RWMutex
	clock        clock.Clock
	patients     map[uuid.UUID]Patient
	doctors      map[uuid.UUID]Doctor
	staff        map[uuid.UUID]Staff
	appointments map[uuid.UUID]*Appointment
	active       map[SlotKey]uuid.UUID // key -> scheduled/completed appointment
	visits       map[uuid.UUID]*Visit
	events       []EventLog
	nextEventID  int64
}

func NewMemoryRepository(clk clock.Clock) *MemoryRepository {
	return &MemoryRepository{
		clock:        clk,
		patients:     make(map[uuid.UUID]Patient),
		doctors:      make(map[uuid.UUID]Doctor),
		staff:        make(map[uuid.UUID]Staff),
		appointments: make(map[uuid.UUID]*Appointment),
		active:       make(map[SlotKey]uuid.UUID),
		visits:       make(map[uuid.UUID]*Visit),
	}
}

// AddPatient, AddDoctor and AddStaff stand in for the external identity
// records.

func (m *MemoryRepository) AddPatient(p Patient) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.patients[p.ID] = p
}

func (m *MemoryRepository) AddDoctor(d Doctor) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d.Availability = append([]slots.Window(nil), d.Availability...)
	m.doctors[d.ID] = d
}

func (m *MemoryRepository) AddStaff(s Staff) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.staff[s.ID] = s
}

// Events returns a copy of the audit log.
func (m *MemoryRepository) Events() []EventLog {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]EventLog(nil), m.events...)
}

func (m *MemoryRepository) GetPatientByID(_ context.Context, id uuid.UUID) (*Patient, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.patients[id]
	if !ok {
		return nil, ErrPatientNotFound
	}
	return &p, nil
}

func (m *MemoryRepository) GetDoctorByID(_ context.Context, id uuid.UUID) (*Doctor, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	d, ok := m.doctors[id]
	if !ok {
		return nil, ErrDoctorNotFound
	}
	d.Availability = append([]slots.Window(nil), d.Availability...)
	return &d, nil
}

func (m *MemoryRepository) GetStaffByID(_ context.Context, id uuid.UUID) (*Staff, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.staff[id]
	if !ok {
		return nil, ErrStaffNotFound
	}
	return &s, nil
}

func (m *MemoryRepository) DoctorAvailability(ctx context.Context, doctorID uuid.UUID) ([]slots.Window, error) {
	d, err := m.GetDoctorByID(ctx, doctorID)
	if err != nil {
		return nil, err
	}
	return d.Availability, nil
}

func (m *MemoryRepository) BookedTimes(_ context.Context, doctorID uuid.UUID, date slots.Date) ([]slots.ClockTime, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []slots.ClockTime
	for key := range m.active {
		if key.DoctorID == doctorID && key.Date == date {
			out = append(out, key.Time)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out, nil
}

func (m *MemoryRepository) GetAppointmentByID(_ context.Context, id uuid.UUID) (*Appointment, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	a, ok := m.appointments[id]
	if !ok {
		return nil, ErrAppointmentNotFound
	}
	cp := *a
	return &cp, nil
}

func (m *MemoryRepository) ListAppointments(_ context.Context, f ListFilter) ([]Appointment, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []Appointment
	for _, a := range m.appointments {
		if f.PatientID != nil && a.PatientID != *f.PatientID {
			continue
		}
		if f.DoctorID != nil && a.DoctorID != *f.DoctorID {
			continue
		}
		if f.Date != nil && a.Date != *f.Date {
			continue
		}
		if f.Status != nil && a.Status != *f.Status {
			continue
		}
		result = append(result, *a)
	}
	sortChronologically(result)

	if f.Offset >= len(result) {
		return []Appointment{}, nil
	}
	result = result[f.Offset:]
	if f.Limit > 0 && len(result) > f.Limit {
		result = result[:f.Limit]
	}
	return result, nil
}

func (m *MemoryRepository) CreateAppointment(_ context.Context, a Appointment) (*Appointment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := a.Key()
	if a.Status.HoldsSlot() {
		if _, taken := m.active[key]; taken {
			return nil, ErrSlotTaken
		}
	}

	if a.ID == uuid.Nil {
		a.ID = uuid.New()
	}
	if _, exists := m.appointments[a.ID]; exists {
		return nil, fmt.Errorf("appointment %s already exists", a.ID)
	}

	now := m.clock.Now()
	a.CreatedAt = now
	a.UpdatedAt = now
	m.appointments[a.ID] = &a
	if a.Status.HoldsSlot() {
		m.active[key] = a.ID
	}

	cp := a
	return &cp, nil
}

func (m *MemoryRepository) UpdateAppointmentStatus(_ context.Context, id uuid.UUID, from, to Status) (*Appointment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	a, ok := m.appointments[id]
	if !ok || a.Status != from {
		return nil, ErrAppointmentNotFound
	}
	m.setStatus(a, to)
	cp := *a
	return &cp, nil
}

// setStatus keeps the active key map in step with the status. Callers hold mu.
func (m *MemoryRepository) setStatus(a *Appointment, to Status) {
	if a.Status.HoldsSlot() && !to.HoldsSlot() {
		delete(m.active, a.Key())
	}
	a.Status = to
	a.UpdatedAt = m.clock.Now()
}

func (m *MemoryRepository) CompleteWithVisit(_ context.Context, id uuid.UUID, v Visit) (*Appointment, *Visit, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	a, ok := m.appointments[id]
	if !ok || a.Status != StatusScheduled {
		return nil, nil, ErrAppointmentNotFound
	}

	now := m.clock.Now()
	v.CreatedAt = now
	v.UpdatedAt = now
	m.visits[v.ID] = &v

	visitID := v.ID
	a.VisitID = &visitID
	m.setStatus(a, StatusCompleted)

	ac, vc := *a, v
	return &ac, &vc, nil
}

func (m *MemoryRepository) ListPendingReminders(_ context.Context, from, to slots.Date) ([]Appointment, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []Appointment
	for _, a := range m.appointments {
		if a.Status != StatusScheduled || a.ReminderSent {
			continue
		}
		if a.Date.Before(from) || a.Date.After(to) {
			continue
		}
		result = append(result, *a)
	}
	sortChronologically(result)
	return result, nil
}

func (m *MemoryRepository) MarkReminderSent(_ context.Context, id uuid.UUID) (*Appointment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	a, ok := m.appointments[id]
	if !ok || a.Status != StatusScheduled || a.ReminderSent {
		return nil, ErrAppointmentNotFound
	}
	a.ReminderSent = true
	a.UpdatedAt = m.clock.Now()
	cp := *a
	return &cp, nil
}

func (m *MemoryRepository) CreateVisit(_ context.Context, v Visit) (*Visit, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if v.AppointmentID != nil {
		if _, ok := m.appointments[*v.AppointmentID]; !ok {
			return nil, ErrAppointmentNotFound
		}
	}
	now := m.clock.Now()
	if v.ID == uuid.Nil {
		v.ID = uuid.New()
	}
	if v.CreatedAt.IsZero() {
		v.CreatedAt = now
	}
	v.UpdatedAt = now
	m.visits[v.ID] = &v
	cp := v
	return &cp, nil
}

func (m *MemoryRepository) GetVisitByID(_ context.Context, id uuid.UUID) (*Visit, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.visits[id]
	if !ok {
		return nil, ErrVisitNotFound
	}
	cp := *v
	return &cp, nil
}

func (m *MemoryRepository) ListUnlinkedVisits(_ context.Context, cutoff time.Time) ([]Visit, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []Visit
	for _, v := range m.visits {
		if v.AppointmentID == nil || !v.CreatedAt.Before(cutoff) {
			continue
		}
		a, ok := m.appointments[*v.AppointmentID]
		if ok && a.VisitID != nil && *a.VisitID == v.ID {
			continue
		}
		result = append(result, *v)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].CreatedAt.Before(result[j].CreatedAt) })
	return result, nil
}

func (m *MemoryRepository) LinkVisit(_ context.Context, appointmentID, visitID uuid.UUID) (*Appointment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	a, ok := m.appointments[appointmentID]
	if !ok || a.Status != StatusScheduled || a.VisitID != nil {
		return nil, ErrAppointmentNotFound
	}
	if _, ok := m.visits[visitID]; !ok {
		return nil, ErrVisitNotFound
	}
	id := visitID
	a.VisitID = &id
	m.setStatus(a, StatusCompleted)
	cp := *a
	return &cp, nil
}

func (m *MemoryRepository) DetachVisit(_ context.Context, visitID uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	v, ok := m.visits[visitID]
	if !ok {
		return ErrVisitNotFound
	}
	v.AppointmentID = nil
	v.UpdatedAt = m.clock.Now()
	return nil
}

func (m *MemoryRepository) InsertEvent(_ context.Context, ev EventLog) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextEventID++
	ev.ID = m.nextEventID
	if ev.CreatedAt.IsZero() {
		ev.CreatedAt = m.clock.Now()
	}
	m.events = append(m.events, ev)
	return nil
}

func sortChronologically(as []Appointment) {
	sort.Slice(as, func(i, j int) bool {
		if as[i].Date != as[j].Date {
			return as[i].Date.Before(as[j].Date)
		}
		if as[i].Time != as[j].Time {
			return as[i].Time < as[j].Time
		}
		return as[i].CreatedAt.Before(as[j].CreatedAt)
	})
}
