// Package availability answers "is this doctor free at this time" by
// subtracting committed bookings from the slots a doctor's weekly windows
// generate.
package availability

import (
	"context"
	"fmt"
	"slices"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/rs/zerolog"

	"github.com/hackgods/clinical-scheduling/internal/clock"
	"github.com/hackgods/clinical-scheduling/internal/slots"
)

// Source is the read side the index depends on. BookedTimes must report the
// start times of every scheduled or completed appointment for the doctor on
// that date, as of the latest commit.
type Source interface {
	DoctorAvailability(ctx context.Context, doctorID uuid.UUID) ([]slots.Window, error)
	BookedTimes(ctx context.Context, doctorID uuid.UUID, date slots.Date) ([]slots.ClockTime, error)
}

type Options struct {
	Location  *time.Location
	CacheSize int
	CacheTTL  time.Duration
}

type dayKey struct {
	doctorID uuid.UUID
	date     slots.Date
}

type Index struct {
	source    Source
	generator slots.Generator
	clock     clock.Clock
	loc       *time.Location
	// generated slots per doctor/day; bookings are never cached
	cache  *expirable.LRU[dayKey, []slots.Slot]
	logger zerolog.Logger
}

func NewIndex(source Source, generator slots.Generator, clk clock.Clock, opts Options, logger zerolog.Logger) *Index {
	loc := opts.Location
	if loc == nil {
		loc = time.UTC
	}
	idx := &Index{
		source:    source,
		generator: generator,
		clock:     clk,
		loc:       loc,
		logger:    logger.With().Str("component", "availability").Logger(),
	}
	if opts.CacheSize > 0 {
		idx.cache = expirable.NewLRU[dayKey, []slots.Slot](opts.CacheSize, nil, opts.CacheTTL)
	}
	return idx
}

func (i *Index) Generator() slots.Generator {
	return i.generator
}

func (i *Index) Location() *time.Location {
	return i.loc
}

// offered returns the generated slots for the doctor on date.
func (i *Index) offered(ctx context.Context, doctorID uuid.UUID, date slots.Date) ([]slots.Slot, error) {
	key := dayKey{doctorID: doctorID, date: date}
	if i.cache != nil {
		if cached, ok := i.cache.Get(key); ok {
			return cached, nil
		}
	}

	windows, err := i.source.DoctorAvailability(ctx, doctorID)
	if err != nil {
		return nil, fmt.Errorf("load availability: %w", err)
	}
	// overlapping windows would emit the same start twice
	if err := slots.ValidateWindows(windows); err != nil {
		i.logger.Error().Err(err).Str("doctor_id", doctorID.String()).Msg("stored availability is invalid")
		return nil, fmt.Errorf("doctor %s availability: %w", doctorID, err)
	}
	generated := slices.Collect(i.generator.SlotsOn(doctorID, windows, date))

	if i.cache != nil {
		i.cache.Add(key, generated)
		i.logger.Debug().
			Str("doctor_id", doctorID.String()).
			Str("date", date.String()).
			Int("slots", len(generated)).
			Msg("cached generated slots")
	}
	return generated, nil
}

// IsOffered reports whether t starts a slot in the doctor's availability on date.
func (i *Index) IsOffered(ctx context.Context, doctorID uuid.UUID, date slots.Date, t slots.ClockTime) (bool, error) {
	offered, err := i.offered(ctx, doctorID, date)
	if err != nil {
		return false, err
	}
	return containsStart(offered, t), nil
}

// IsFree reports whether t is offered and not held by a scheduled or
// completed appointment.
func (i *Index) IsFree(ctx context.Context, doctorID uuid.UUID, date slots.Date, t slots.ClockTime) (bool, error) {
	ok, err := i.IsOffered(ctx, doctorID, date, t)
	if err != nil || !ok {
		return false, err
	}
	booked, err := i.source.BookedTimes(ctx, doctorID, date)
	if err != nil {
		return false, fmt.Errorf("load booked times: %w", err)
	}
	return !slices.Contains(booked, t), nil
}

// FreeSlots returns the doctor's unbooked slots on date in chronological
// order. Slots that already started are left out.
func (i *Index) FreeSlots(ctx context.Context, doctorID uuid.UUID, date slots.Date) ([]slots.Slot, error) {
	offered, err := i.offered(ctx, doctorID, date)
	if err != nil {
		return nil, err
	}
	if len(offered) == 0 {
		return []slots.Slot{}, nil
	}

	booked, err := i.source.BookedTimes(ctx, doctorID, date)
	if err != nil {
		return nil, fmt.Errorf("load booked times: %w", err)
	}
	taken := make(map[slots.ClockTime]struct{}, len(booked))
	for _, t := range booked {
		taken[t] = struct{}{}
	}

	now := i.clock.Now()
	free := make([]slots.Slot, 0, len(offered))
	for _, s := range offered {
		if _, ok := taken[s.Start]; ok {
			continue
		}
		if s.Start.On(date, i.loc).Before(now) {
			continue
		}
		free = append(free, s)
	}
	return free, nil
}

func containsStart(ss []slots.Slot, t slots.ClockTime) bool {
	for _, s := range ss {
		if s.Start == t {
			return true
		}
	}
	return false
}
