// Package reminder finds scheduled appointments that start soon, hands them
// to a notification channel and flags them so each patient is reminded once.
package reminder

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/hackgods/clinical-scheduling/internal/appointment"
	"github.com/hackgods/clinical-scheduling/internal/clock"
	"github.com/hackgods/clinical-scheduling/internal/notify"
)

type Store interface {
	PendingReminders(ctx context.Context, lookahead time.Duration) ([]appointment.Appointment, error)
	MarkReminderSent(ctx context.Context, id uuid.UUID) error
}

type Dispatcher interface {
	Send(ctx context.Context, r notify.Reminder) error
}

// Reconciler settles visits left behind by interrupted completions. The
// scheduler runs it before each reminder scan when set.
type Reconciler interface {
	ReconcileVisits(ctx context.Context, grace time.Duration) (appointment.ReconcileResult, error)
}

type Options struct {
	Lookahead      time.Duration
	Location       *time.Location
	Reconciler     Reconciler
	ReconcileGrace time.Duration
	RunTimeout     time.Duration
}

type Result struct {
	Due        int
	Sent       int
	Failed     int
	Reconciled appointment.ReconcileResult
}

type Scheduler struct {
	store      Store
	dispatcher Dispatcher
	clock      clock.Clock
	opts       Options
	logger     zerolog.Logger
}

func NewScheduler(store Store, dispatcher Dispatcher, clk clock.Clock, opts Options, logger zerolog.Logger) *Scheduler {
	if opts.Location == nil {
		opts.Location = time.UTC
	}
	if opts.RunTimeout <= 0 {
		opts.RunTimeout = 20 * time.Second
	}
	return &Scheduler{
		store:      store,
		dispatcher: dispatcher,
		clock:      clk,
		opts:       opts,
		logger:     logger.With().Str("component", "reminder").Logger(),
	}
}

// RunOnce sends a reminder for every due appointment. A reminder is flagged
// only after the dispatcher accepted it, so failed sends are picked up again
// on the next run.
func (s *Scheduler) RunOnce(ctx context.Context) (Result, error) {
	var res Result

	if s.opts.Reconciler != nil {
		rec, err := s.opts.Reconciler.ReconcileVisits(ctx, s.opts.ReconcileGrace)
		if err != nil {
			s.logger.Error().Err(err).Msg("visit reconciliation failed")
		}
		res.Reconciled = rec
	}

	due, err := s.store.PendingReminders(ctx, s.opts.Lookahead)
	if err != nil {
		return res, err
	}
	res.Due = len(due)

	for _, a := range due {
		if ctx.Err() != nil {
			return res, ctx.Err()
		}

		r := notify.Reminder{
			Kind:          notify.KindAppointmentReminder,
			AppointmentID: a.ID,
			PatientID:     a.PatientID,
			DoctorID:      a.DoctorID,
			Date:          a.Date.String(),
			Time:          a.Time.String(),
			StartsAt:      a.StartsAt(s.opts.Location),
			SentAt:        s.clock.Now(),
		}
		if err := s.dispatcher.Send(ctx, r); err != nil {
			res.Failed++
			s.logger.Error().Err(err).Str("appointment_id", a.ID.String()).Msg("failed to send reminder")
			continue
		}

		if err := s.store.MarkReminderSent(ctx, a.ID); err != nil {
			// cancelled between the scan and the send
			if errors.Is(err, appointment.ErrInvalidTransition) {
				s.logger.Info().Str("appointment_id", a.ID.String()).Msg("appointment left scheduled before reminder was flagged")
				res.Sent++
				continue
			}
			res.Failed++
			s.logger.Error().Err(err).Str("appointment_id", a.ID.String()).Msg("failed to flag reminder as sent")
			continue
		}
		res.Sent++
	}

	return res, nil
}

// Run calls RunOnce at startup and then on every tick until ctx is done.
func (s *Scheduler) Run(ctx context.Context, interval time.Duration) {
	s.runOnce(ctx)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.logger.Info().Msg("shutdown signal received, stopping reminder scheduler")
			return
		case <-ticker.C:
			s.runOnce(ctx)
		}
	}
}

func (s *Scheduler) runOnce(ctx context.Context) {
	runCtx, cancel := context.WithTimeout(ctx, s.opts.RunTimeout)
	defer cancel()

	start := time.Now()
	res, err := s.RunOnce(runCtx)
	if err != nil {
		s.logger.Error().Err(err).Msg("reminder run error")
		return
	}
	s.logger.Info().
		Int("due", res.Due).
		Int("sent", res.Sent).
		Int("failed", res.Failed).
		Int("visits_finalized", res.Reconciled.Finalized).
		Int("visits_detached", res.Reconciled.Detached).
		Dur("took", time.Since(start)).
		Msg("reminder run complete")
}
