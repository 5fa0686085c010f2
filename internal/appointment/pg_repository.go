package appointment

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/hackgods/clinical-scheduling/internal/slots"
)

const (
	activeSlotConstraint = "appointments_active_slot_key"

	pgUniqueViolation     = "23505"
	pgForeignKeyViolation = "23503"
)

// Codes worth another attempt: serialization failure, deadlock, lock not
// available, admin shutdown, too many connections.
var transientCodes = map[string]bool{
	"40001": true,
	"40P01": true,
	"55P03": true,
	"57P01": true,
	"53300": true,
}

const appointmentColumns = `id, patient_id, doctor_id, created_by, date, time, reason, status, visit_id, reminder_sent, created_at, updated_at`

const visitColumns = `id, patient_id, doctor_id, appointment_id, vitals, symptoms, diagnosis, medications, notes, attachments, follow_up_date, bill_id, created_at, updated_at`

type PgRepository struct {
	pool *pgxpool.Pool
}

func NewPgRepository(pool *pgxpool.Pool) *PgRepository {
	return &PgRepository{pool: pool}
}

// classify tags errors that a retry may cure with ErrStorageTransient.
func classify(err error) error {
	if err == nil {
		return nil
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		if transientCodes[pgErr.Code] {
			return fmt.Errorf("%w: %w", ErrStorageTransient, err)
		}
		return err
	}

	var connErr *pgconn.ConnectError
	if errors.As(err, &connErr) || pgconn.Timeout(err) || pgconn.SafeToRetry(err) {
		return fmt.Errorf("%w: %w", ErrStorageTransient, err)
	}
	return err
}

func pgCode(err error) (code, constraint string) {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code, pgErr.ConstraintName
	}
	return "", ""
}

func dateParam(d slots.Date) time.Time {
	return d.In(time.UTC)
}

// Helpers

func scanPatient(row pgx.Row) (*Patient, error) {
	var p Patient

	err := row.Scan(
		&p.ID,
		&p.Name,
		&p.Email,
		&p.Phone,
		&p.CreatedAt,
		&p.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrPatientNotFound
		}
		return nil, classify(err)
	}
	return &p, nil
}

func scanStaff(row pgx.Row) (*Staff, error) {
	var s Staff

	err := row.Scan(
		&s.ID,
		&s.Name,
		&s.Role,
		&s.CreatedAt,
		&s.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrStaffNotFound
		}
		return nil, classify(err)
	}
	return &s, nil
}

func scanAppointment(row pgx.Row) (*Appointment, error) {
	var (
		a     Appointment
		date  time.Time
		clock string
	)

	err := row.Scan(
		&a.ID,
		&a.PatientID,
		&a.DoctorID,
		&a.CreatedBy,
		&date,
		&clock,
		&a.Reason,
		&a.Status,
		&a.VisitID,
		&a.ReminderSent,
		&a.CreatedAt,
		&a.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrAppointmentNotFound
		}
		return nil, classify(err)
	}

	a.Date = slots.DateOf(date)
	a.Time, err = slots.ParseClockTime(clock)
	if err != nil {
		return nil, fmt.Errorf("appointment %s: %w", a.ID, err)
	}
	return &a, nil
}

func scanVisit(row pgx.Row) (*Visit, error) {
	var (
		v                                Visit
		vitals, medications, attachments []byte
		followUp                         *time.Time
	)

	err := row.Scan(
		&v.ID,
		&v.PatientID,
		&v.DoctorID,
		&v.AppointmentID,
		&vitals,
		&v.Symptoms,
		&v.Diagnosis,
		&medications,
		&v.Notes,
		&attachments,
		&followUp,
		&v.BillID,
		&v.CreatedAt,
		&v.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrVisitNotFound
		}
		return nil, classify(err)
	}

	if len(vitals) > 0 && string(vitals) != "null" {
		v.Vitals = &Vitals{}
		if err := json.Unmarshal(vitals, v.Vitals); err != nil {
			return nil, fmt.Errorf("decode vitals: %w", err)
		}
	}
	if len(medications) > 0 {
		if err := json.Unmarshal(medications, &v.Medications); err != nil {
			return nil, fmt.Errorf("decode medications: %w", err)
		}
	}
	if len(attachments) > 0 {
		if err := json.Unmarshal(attachments, &v.Attachments); err != nil {
			return nil, fmt.Errorf("decode attachments: %w", err)
		}
	}
	if followUp != nil {
		d := slots.DateOf(*followUp)
		v.FollowUpDate = &d
	}
	return &v, nil
}

func collectAppointments(rows pgx.Rows) ([]Appointment, error) {
	defer rows.Close()

	var result []Appointment
	for rows.Next() {
		a, err := scanAppointment(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, *a)
	}
	if err := rows.Err(); err != nil {
		return nil, classify(err)
	}
	return result, nil
}

// Interface methods

func (r *PgRepository) GetPatientByID(ctx context.Context, id uuid.UUID) (*Patient, error) {
	row := r.pool.QueryRow(ctx, `
		SELECT id, name, email, phone, created_at, updated_at
		FROM patients
		WHERE id = $1
	`, id)
	return scanPatient(row)
}

func (r *PgRepository) GetStaffByID(ctx context.Context, id uuid.UUID) (*Staff, error) {
	row := r.pool.QueryRow(ctx, `
		SELECT id, name, role, created_at, updated_at
		FROM staff
		WHERE id = $1
	`, id)
	return scanStaff(row)
}

func (r *PgRepository) GetDoctorByID(ctx context.Context, id uuid.UUID) (*Doctor, error) {
	var d Doctor
	err := r.pool.QueryRow(ctx, `
		SELECT id, name, email, specialization, created_at, updated_at
		FROM doctors
		WHERE id = $1
	`, id).Scan(&d.ID, &d.Name, &d.Email, &d.Specialization, &d.CreatedAt, &d.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrDoctorNotFound
		}
		return nil, classify(err)
	}

	d.Availability, err = r.DoctorAvailability(ctx, id)
	if err != nil {
		return nil, err
	}
	return &d, nil
}

func (r *PgRepository) DoctorAvailability(ctx context.Context, doctorID uuid.UUID) ([]slots.Window, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT d.id, w.day, w.start_time, w.end_time
		FROM doctors d
		LEFT JOIN doctor_availability w ON w.doctor_id = d.id
		WHERE d.id = $1
		ORDER BY w.day, w.start_time
	`, doctorID)
	if err != nil {
		return nil, classify(err)
	}
	defer rows.Close()

	found := false
	windows := []slots.Window{}
	for rows.Next() {
		var (
			id         uuid.UUID
			day        *int16
			start, end *string
		)
		if err := rows.Scan(&id, &day, &start, &end); err != nil {
			return nil, classify(err)
		}
		found = true
		if day == nil {
			continue
		}

		w := slots.Window{Day: time.Weekday(*day)}
		if w.Start, err = slots.ParseClockTime(*start); err != nil {
			return nil, fmt.Errorf("doctor %s availability: %w", doctorID, err)
		}
		if w.End, err = slots.ParseClockTime(*end); err != nil {
			return nil, fmt.Errorf("doctor %s availability: %w", doctorID, err)
		}
		windows = append(windows, w)
	}
	if err := rows.Err(); err != nil {
		return nil, classify(err)
	}
	if !found {
		return nil, ErrDoctorNotFound
	}
	return windows, nil
}

func (r *PgRepository) BookedTimes(ctx context.Context, doctorID uuid.UUID, date slots.Date) ([]slots.ClockTime, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT time
		FROM appointments
		WHERE doctor_id = $1
		  AND date = $2
		  AND status IN ('scheduled', 'completed')
		ORDER BY time
	`, doctorID, dateParam(date))
	if err != nil {
		return nil, classify(err)
	}
	defer rows.Close()

	var result []slots.ClockTime
	for rows.Next() {
		var s string
		if err := rows.Scan(&s); err != nil {
			return nil, classify(err)
		}
		t, err := slots.ParseClockTime(s)
		if err != nil {
			return nil, fmt.Errorf("booked time %q: %w", s, err)
		}
		result = append(result, t)
	}
	if err := rows.Err(); err != nil {
		return nil, classify(err)
	}
	return result, nil
}

func (r *PgRepository) GetAppointmentByID(ctx context.Context, id uuid.UUID) (*Appointment, error) {
	row := r.pool.QueryRow(ctx, `
		SELECT `+appointmentColumns+`
		FROM appointments
		WHERE id = $1
	`, id)
	return scanAppointment(row)
}

func (r *PgRepository) ListAppointments(ctx context.Context, f ListFilter) ([]Appointment, error) {
	var (
		conds []string
		args  []any
	)
	add := func(cond string, v any) {
		args = append(args, v)
		conds = append(conds, fmt.Sprintf(cond, len(args)))
	}

	if f.PatientID != nil {
		add("patient_id = $%d", *f.PatientID)
	}
	if f.DoctorID != nil {
		add("doctor_id = $%d", *f.DoctorID)
	}
	if f.Date != nil {
		add("date = $%d", dateParam(*f.Date))
	}
	if f.Status != nil {
		add("status = $%d", string(*f.Status))
	}

	query := `SELECT ` + appointmentColumns + ` FROM appointments`
	if len(conds) > 0 {
		query += ` WHERE ` + strings.Join(conds, " AND ")
	}
	args = append(args, f.Limit, f.Offset)
	query += fmt.Sprintf(` ORDER BY date, time, created_at LIMIT $%d OFFSET $%d`, len(args)-1, len(args))

	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, classify(err)
	}
	result, err := collectAppointments(rows)
	if err != nil {
		return nil, err
	}
	if result == nil {
		result = []Appointment{}
	}
	return result, nil
}

func (r *PgRepository) CreateAppointment(ctx context.Context, a Appointment) (*Appointment, error) {
	id := a.ID
	if id == uuid.Nil {
		id = uuid.New()
	}

	row := r.pool.QueryRow(ctx, `
		INSERT INTO appointments (id, patient_id, doctor_id, created_by, date, time, reason, status, reminder_sent, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, false, now(), now())
		RETURNING `+appointmentColumns,
		id, a.PatientID, a.DoctorID, a.CreatedBy, dateParam(a.Date), a.Time.String(), a.Reason, string(a.Status))

	created, err := scanAppointment(row)
	if err != nil {
		if code, constraint := pgCode(err); code == pgUniqueViolation && constraint == activeSlotConstraint {
			return nil, ErrSlotTaken
		}
		return nil, err
	}
	return created, nil
}

func (r *PgRepository) UpdateAppointmentStatus(ctx context.Context, id uuid.UUID, from, to Status) (*Appointment, error) {
	row := r.pool.QueryRow(ctx, `
		UPDATE appointments
		SET status = $2,
		    updated_at = now()
		WHERE id = $1
		  AND status = $3
		RETURNING `+appointmentColumns,
		id, string(to), string(from))

	return scanAppointment(row)
}

func (r *PgRepository) CompleteWithVisit(ctx context.Context, id uuid.UUID, v Visit) (*Appointment, *Visit, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return nil, nil, classify(err)
	}
	defer tx.Rollback(ctx)

	created, err := insertVisit(ctx, tx, v)
	if err != nil {
		return nil, nil, err
	}

	row := tx.QueryRow(ctx, `
		UPDATE appointments
		SET status = 'completed',
		    visit_id = $2,
		    updated_at = now()
		WHERE id = $1
		  AND status = 'scheduled'
		RETURNING `+appointmentColumns,
		id, created.ID)

	appt, err := scanAppointment(row)
	if err != nil {
		return nil, nil, err
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, nil, classify(err)
	}
	return appt, created, nil
}

func (r *PgRepository) ListPendingReminders(ctx context.Context, from, to slots.Date) ([]Appointment, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT `+appointmentColumns+`
		FROM appointments
		WHERE status = 'scheduled'
		  AND NOT reminder_sent
		  AND date BETWEEN $1 AND $2
		ORDER BY date, time
	`, dateParam(from), dateParam(to))
	if err != nil {
		return nil, classify(err)
	}
	return collectAppointments(rows)
}

func (r *PgRepository) MarkReminderSent(ctx context.Context, id uuid.UUID) (*Appointment, error) {
	row := r.pool.QueryRow(ctx, `
		UPDATE appointments
		SET reminder_sent = true,
		    updated_at = now()
		WHERE id = $1
		  AND status = 'scheduled'
		  AND NOT reminder_sent
		RETURNING `+appointmentColumns,
		id)

	return scanAppointment(row)
}

func insertVisit(ctx context.Context, q interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}, v Visit) (*Visit, error) {
	if v.ID == uuid.Nil {
		v.ID = uuid.New()
	}

	var vitals []byte
	if v.Vitals != nil {
		b, err := json.Marshal(v.Vitals)
		if err != nil {
			return nil, fmt.Errorf("encode vitals: %w", err)
		}
		vitals = b
	}
	medications, err := json.Marshal(nonNil(v.Medications))
	if err != nil {
		return nil, fmt.Errorf("encode medications: %w", err)
	}
	attachments, err := json.Marshal(nonNil(v.Attachments))
	if err != nil {
		return nil, fmt.Errorf("encode attachments: %w", err)
	}

	var followUp *time.Time
	if v.FollowUpDate != nil {
		t := dateParam(*v.FollowUpDate)
		followUp = &t
	}

	row := q.QueryRow(ctx, `
		INSERT INTO visits (`+visitColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, now(), now())
		RETURNING `+visitColumns,
		v.ID, v.PatientID, v.DoctorID, v.AppointmentID, vitals, v.Symptoms, v.Diagnosis,
		medications, v.Notes, attachments, followUp, v.BillID)

	created, err := scanVisit(row)
	if err != nil {
		if code, _ := pgCode(err); code == pgForeignKeyViolation {
			return nil, ErrAppointmentNotFound
		}
		return nil, err
	}
	return created, nil
}

func nonNil[T any](s []T) []T {
	if s == nil {
		return []T{}
	}
	return s
}

func (r *PgRepository) CreateVisit(ctx context.Context, v Visit) (*Visit, error) {
	return insertVisit(ctx, r.pool, v)
}

func (r *PgRepository) GetVisitByID(ctx context.Context, id uuid.UUID) (*Visit, error) {
	row := r.pool.QueryRow(ctx, `
		SELECT `+visitColumns+`
		FROM visits
		WHERE id = $1
	`, id)
	return scanVisit(row)
}

func (r *PgRepository) ListUnlinkedVisits(ctx context.Context, cutoff time.Time) ([]Visit, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT v.id, v.patient_id, v.doctor_id, v.appointment_id, v.vitals, v.symptoms, v.diagnosis,
		       v.medications, v.notes, v.attachments, v.follow_up_date, v.bill_id, v.created_at, v.updated_at
		FROM visits v
		LEFT JOIN appointments a ON a.id = v.appointment_id
		WHERE v.appointment_id IS NOT NULL
		  AND v.created_at < $1
		  AND a.visit_id IS DISTINCT FROM v.id
		ORDER BY v.created_at
	`, cutoff)
	if err != nil {
		return nil, classify(err)
	}
	defer rows.Close()

	var result []Visit
	for rows.Next() {
		v, err := scanVisit(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, *v)
	}
	if err := rows.Err(); err != nil {
		return nil, classify(err)
	}
	return result, nil
}

func (r *PgRepository) LinkVisit(ctx context.Context, appointmentID, visitID uuid.UUID) (*Appointment, error) {
	row := r.pool.QueryRow(ctx, `
		UPDATE appointments
		SET status = 'completed',
		    visit_id = $2,
		    updated_at = now()
		WHERE id = $1
		  AND status = 'scheduled'
		  AND visit_id IS NULL
		RETURNING `+appointmentColumns,
		appointmentID, visitID)

	appt, err := scanAppointment(row)
	if err != nil {
		if code, _ := pgCode(err); code == pgForeignKeyViolation {
			return nil, ErrVisitNotFound
		}
		return nil, err
	}
	return appt, nil
}

func (r *PgRepository) DetachVisit(ctx context.Context, visitID uuid.UUID) error {
	tag, err := r.pool.Exec(ctx, `
		UPDATE visits
		SET appointment_id = NULL,
		    updated_at = now()
		WHERE id = $1
	`, visitID)
	if err != nil {
		return classify(err)
	}
	if tag.RowsAffected() == 0 {
		return ErrVisitNotFound
	}
	return nil
}

func (r *PgRepository) InsertEvent(ctx context.Context, ev EventLog) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO event_logs (event_type, appointment_id, payload, created_at)
		VALUES ($1, $2, $3, COALESCE($4, now()))
	`, ev.EventType, ev.AppointmentID, ev.Payload, nullableTime(ev.CreatedAt))
	if err != nil {
		return fmt.Errorf("insert event log: %w", classify(err))
	}

	return nil
}

func nullableTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}
