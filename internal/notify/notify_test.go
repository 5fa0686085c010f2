package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/segmentio/kafka-go"
)

type fakeWriter struct {
	msgs []kafka.Message
	err  error
}

func (w *fakeWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	if w.err != nil {
		return w.err
	}
	w.msgs = append(w.msgs, msgs...)
	return nil
}

func (w *fakeWriter) Close() error { return nil }

func sampleReminder() Reminder {
	return Reminder{
		AppointmentID: uuid.New(),
		PatientID:     uuid.New(),
		DoctorID:      uuid.New(),
		Date:          "2025-11-24",
		Time:          "10:30",
		StartsAt:      time.Date(2025, time.November, 24, 10, 30, 0, 0, time.UTC),
		SentAt:        time.Date(2025, time.November, 23, 10, 30, 0, 0, time.UTC),
	}
}

func TestKafkaDispatcher_Send(t *testing.T) {
	w := &fakeWriter{}
	d := &KafkaDispatcher{writer: w, logger: zerolog.Nop()}
	r := sampleReminder()

	if err := d.Send(context.Background(), r); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(w.msgs) != 1 {
		t.Fatalf("expected 1 message, got %d", len(w.msgs))
	}

	msg := w.msgs[0]
	if string(msg.Key) != r.AppointmentID.String() {
		t.Errorf("expected key %s, got %s", r.AppointmentID, msg.Key)
	}

	var got Reminder
	if err := json.Unmarshal(msg.Value, &got); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got.Kind != KindAppointmentReminder {
		t.Errorf("expected kind %q, got %q", KindAppointmentReminder, got.Kind)
	}
	if got.AppointmentID != r.AppointmentID || !got.StartsAt.Equal(r.StartsAt) {
		t.Errorf("unexpected payload: %+v", got)
	}
}

func TestKafkaDispatcher_SendError(t *testing.T) {
	broker := errors.New("leader not available")
	d := &KafkaDispatcher{writer: &fakeWriter{err: broker}, logger: zerolog.Nop()}

	err := d.Send(context.Background(), sampleReminder())
	if !errors.Is(err, broker) {
		t.Fatalf("expected broker error, got %v", err)
	}
}

func TestLogDispatcher_Send(t *testing.T) {
	var buf bytes.Buffer
	d := NewLogDispatcher(zerolog.New(&buf))
	r := sampleReminder()

	if err := d.Send(context.Background(), r); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	out := buf.String()
	if !strings.Contains(out, r.AppointmentID.String()) || !strings.Contains(out, "appointment reminder") {
		t.Errorf("unexpected log output: %s", out)
	}
}
