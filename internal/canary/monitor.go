package canary

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/shineum/ses-mail-router/internal/batch"
	"github.com/shineum/ses-mail-router/internal/dispatch"
	"github.com/shineum/ses-mail-router/internal/email"
	"github.com/shineum/ses-mail-router/internal/metrics"
)

// WorkerName labels logs and metrics emitted by the monitor.
const WorkerName = "canary-monitor"

// CompletionStore records that a canary made it through the pipeline.
type CompletionStore interface {
	RecordCompletion(ctx context.Context, messageID string, at time.Time) error
}

// ObjectDeleter removes raw messages.
type ObjectDeleter interface {
	Delete(ctx context.Context, ref email.ObjectRef) error
}

// Monitor handles canary-monitor dispatch messages: it records completion
// and removes the stored canary.
type Monitor struct {
	completions CompletionStore
	objects     ObjectDeleter
	now         func() time.Time
}

// NewMonitor creates a Monitor.
func NewMonitor(completions CompletionStore, objects ObjectDeleter) *Monitor {
	return &Monitor{completions: completions, objects: objects, now: time.Now}
}

// Handle processes every record and reports the ones that failed.
func (m *Monitor) Handle(ctx context.Context, records []batch.Record) batch.Response {
	return batch.Process(ctx, WorkerName, records, m.complete)
}

func (m *Monitor) complete(ctx context.Context, rec batch.Record) error {
	var msg dispatch.Message
	if err := json.Unmarshal([]byte(rec.Body), &msg); err != nil {
		metrics.DeliveryOutcomes.WithLabelValues(WorkerName, "failed").Inc()
		return fmt.Errorf("failed to decode dispatch message: %w", err)
	}
	if msg.OriginalMessageID == "" {
		metrics.DeliveryOutcomes.WithLabelValues(WorkerName, "failed").Inc()
		return errors.New("dispatch message has no originalMessageId")
	}

	at := m.now()
	if err := m.completions.RecordCompletion(ctx, msg.OriginalMessageID, at); err != nil {
		metrics.DeliveryOutcomes.WithLabelValues(WorkerName, "failed").Inc()
		return err
	}
	metrics.DeliveryOutcomes.WithLabelValues(WorkerName, "completed").Inc()

	slog.Info("canary completed",
		"message_id", msg.OriginalMessageID,
		"source", msg.Source,
		"completed_at", at.UTC().Format(time.RFC3339Nano),
	)

	if msg.RetainObject || msg.Object.IsZero() {
		return nil
	}
	if err := m.objects.Delete(ctx, msg.Object); err != nil {
		slog.Warn("failed to delete canary object",
			"message_id", msg.OriginalMessageID,
			"object", msg.Object.String(),
			"error", err,
		)
	}
	return nil
}
