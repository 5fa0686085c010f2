package slots

import (
	"errors"
	"fmt"
	"iter"
	"time"

	"github.com/google/uuid"
)

const DefaultGranularity = 30 * time.Minute

var ErrInvalidGranularity = errors.New("slot granularity must be a whole number of minutes that divides 24h")

// Slot is a derived, bookable interval. It is never stored.
type Slot struct {
	DoctorID uuid.UUID `json:"doctor_id"`
	Date     Date      `json:"date"`
	Start    ClockTime `json:"start"`
	End      ClockTime `json:"end"`
}

// Generator expands weekly availability windows into fixed-size slots.
// It does not know about bookings.
type Generator struct {
	Granularity time.Duration
}

func NewGenerator(granularity time.Duration) (Generator, error) {
	if granularity <= 0 || granularity%time.Minute != 0 || (24*time.Hour)%granularity != 0 {
		return Generator{}, fmt.Errorf("%w: %s", ErrInvalidGranularity, granularity)
	}
	return Generator{Granularity: granularity}, nil
}

func (g Generator) step() ClockTime {
	return ClockTime(g.Granularity / time.Minute)
}

// SlotsOn yields the slots of date in chronological order. Only whole
// granules fit: a window shorter than one granule yields nothing.
func (g Generator) SlotsOn(doctorID uuid.UUID, windows []Window, date Date) iter.Seq[Slot] {
	return func(yield func(Slot) bool) {
		step := g.step()
		if step <= 0 {
			return
		}
		for _, w := range windowsOn(windows, date.Weekday()) {
			for start := w.Start; start+step <= w.End; start += step {
				s := Slot{DoctorID: doctorID, Date: date, Start: start, End: start + step}
				if !yield(s) {
					return
				}
			}
		}
	}
}

// Slots yields the slots of every day in [from, to].
func (g Generator) Slots(doctorID uuid.UUID, windows []Window, from, to Date) iter.Seq[Slot] {
	return func(yield func(Slot) bool) {
		for d := from; !d.After(to); d = d.AddDays(1) {
			for s := range g.SlotsOn(doctorID, windows, d) {
				if !yield(s) {
					return
				}
			}
		}
	}
}

// Offers reports whether t is the start of a slot on date.
func (g Generator) Offers(windows []Window, date Date, t ClockTime) bool {
	step := g.step()
	if step <= 0 {
		return false
	}
	for _, w := range windowsOn(windows, date.Weekday()) {
		if t < w.Start || t+step > w.End {
			continue
		}
		if (t-w.Start)%step == 0 {
			return true
		}
	}
	return false
}
