// Package seeddata generates fake clinic records for local runs and load
// tests.
package seeddata

import (
	"fmt"
	"time"

	"github.com/brianvoe/gofakeit/v7"
	"github.com/google/uuid"

	"github.com/hackgods/clinical-scheduling/internal/appointment"
	"github.com/hackgods/clinical-scheduling/internal/slots"
)

var specializations = []string{
	"Dermatology",
	"Cardiology",
	"General Practice",
	"Orthopedics",
	"Endocrinology",
	"Neurology",
	"Pediatrics",
	"Psychiatry",
	"Ophthalmology",
	"ENT",
}

var staffRoles = []string{"receptionist", "nurse", "admin"}

// Shifts a doctor may work on a given weekday. They never overlap.
var shifts = []struct{ from, to string }{
	{"09:00", "12:00"},
	{"13:00", "17:00"},
	{"18:00", "20:00"},
}

type Counts struct {
	Doctors  int
	Patients int
	Staff    int
}

type Dataset struct {
	Doctors  []appointment.Doctor
	Patients []appointment.Patient
	Staff    []appointment.Staff
}

// Generate builds a dataset. The same seed yields the same names and
// schedules; seed 0 picks a random one.
func Generate(seed uint64, c Counts) (Dataset, error) {
	f := gofakeit.New(seed)
	now := time.Now().UTC()

	var ds Dataset
	for i := 0; i < c.Doctors; i++ {
		specialty := f.RandomString(specializations)
		d := appointment.Doctor{
			ID:             uuid.New(),
			Name:           "Dr. " + f.Name(),
			Email:          fmt.Sprintf("doctor%d.%s", i, f.Email()),
			Specialization: &specialty,
			Availability:   weeklyAvailability(f),
			CreatedAt:      now,
			UpdatedAt:      now,
		}
		if err := slots.ValidateWindows(d.Availability); err != nil {
			return Dataset{}, fmt.Errorf("doctor %d availability: %w", i, err)
		}
		ds.Doctors = append(ds.Doctors, d)
	}

	for i := 0; i < c.Patients; i++ {
		email, phone := f.Email(), f.Phone()
		ds.Patients = append(ds.Patients, appointment.Patient{
			ID:        uuid.New(),
			Name:      f.Name(),
			Email:     &email,
			Phone:     &phone,
			CreatedAt: now,
			UpdatedAt: now,
		})
	}

	for i := 0; i < c.Staff; i++ {
		ds.Staff = append(ds.Staff, appointment.Staff{
			ID:        uuid.New(),
			Name:      f.Name(),
			Role:      f.RandomString(staffRoles),
			CreatedAt: now,
			UpdatedAt: now,
		})
	}
	return ds, nil
}

// weeklyAvailability gives every weekday a random subset of shifts, with at
// least one shift on Monday so each doctor is bookable.
func weeklyAvailability(f *gofakeit.Faker) []slots.Window {
	var windows []slots.Window
	for day := time.Sunday; day <= time.Saturday; day++ {
		for i, s := range shifts {
			mustWork := day == time.Monday && i == 0
			if !mustWork && (day == time.Sunday || f.Number(0, 2) != 0) {
				continue
			}
			windows = append(windows, slots.Window{
				Day:   day,
				Start: slots.MustClockTime(s.from),
				End:   slots.MustClockTime(s.to),
			})
		}
	}
	return windows
}

// LoadMemory copies the dataset into an in-memory repository.
func LoadMemory(repo *appointment.MemoryRepository, ds Dataset) {
	for _, d := range ds.Doctors {
		repo.AddDoctor(d)
	}
	for _, p := range ds.Patients {
		repo.AddPatient(p)
	}
	for _, s := range ds.Staff {
		repo.AddStaff(s)
	}
}
