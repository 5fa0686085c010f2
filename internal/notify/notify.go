// Package notify delivers appointment reminders to patients' notification
// channels.
package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/segmentio/kafka-go"
)

const KindAppointmentReminder = "appointment_reminder"

// Reminder is the message published for one upcoming appointment.
type Reminder struct {
	Kind          string    `json:"kind"`
	AppointmentID uuid.UUID `json:"appointment_id"`
	PatientID     uuid.UUID `json:"patient_id"`
	DoctorID      uuid.UUID `json:"doctor_id"`
	Date          string    `json:"date"`
	Time          string    `json:"time"`
	StartsAt      time.Time `json:"starts_at"`
	SentAt        time.Time `json:"sent_at"`
}

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaDispatcher publishes reminders keyed by appointment id, so every
// reminder for one appointment lands on the same partition.
type KafkaDispatcher struct {
	writer messageWriter
	logger zerolog.Logger
}

func NewKafkaDispatcher(brokers []string, topic string, logger zerolog.Logger) *KafkaDispatcher {
	w := kafka.NewWriter(kafka.WriterConfig{
		Brokers:      brokers,
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: int(kafka.RequireAll),
		BatchTimeout: 50 * time.Millisecond,
	})
	return &KafkaDispatcher{
		writer: w,
		logger: logger.With().Str("component", "notify").Str("topic", topic).Logger(),
	}
}

func (d *KafkaDispatcher) Send(ctx context.Context, r Reminder) error {
	if r.Kind == "" {
		r.Kind = KindAppointmentReminder
	}
	value, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("encode reminder: %w", err)
	}

	msg := kafka.Message{
		Key:   []byte(r.AppointmentID.String()),
		Value: value,
		Headers: []kafka.Header{
			{Key: "kind", Value: []byte(r.Kind)},
		},
	}
	if err := d.writer.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("publish reminder: %w", err)
	}

	d.logger.Debug().Str("appointment_id", r.AppointmentID.String()).Msg("reminder published")
	return nil
}

func (d *KafkaDispatcher) Close() error {
	return d.writer.Close()
}

// LogDispatcher only writes reminders to the log. It is used when no broker
// is configured.
type LogDispatcher struct {
	logger zerolog.Logger
}

func NewLogDispatcher(logger zerolog.Logger) *LogDispatcher {
	return &LogDispatcher{logger: logger.With().Str("component", "notify").Logger()}
}

func (d *LogDispatcher) Send(_ context.Context, r Reminder) error {
	d.logger.Info().
		Str("appointment_id", r.AppointmentID.String()).
		Str("patient_id", r.PatientID.String()).
		Str("doctor_id", r.DoctorID.String()).
		Time("starts_at", r.StartsAt).
		Msg("appointment reminder")
	return nil
}

func (d *LogDispatcher) Close() error { return nil }
