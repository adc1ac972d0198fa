// Package forwarder imports routed messages into Gmail. Every import runs
// through a credential guard so an expired refresh token parks the message on
// the retry channel instead of failing the batch.
package forwarder

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/shineum/ses-mail-router/internal/batch"
	"github.com/shineum/ses-mail-router/internal/credential"
	"github.com/shineum/ses-mail-router/internal/dispatch"
	"github.com/shineum/ses-mail-router/internal/email"
	"github.com/shineum/ses-mail-router/internal/metrics"
)

// WorkerName labels logs and metrics emitted by the forwarder.
const WorkerName = "gmail-forwarder"

// ObjectStore reads and removes raw messages.
type ObjectStore interface {
	Fetch(ctx context.Context, ref email.ObjectRef) ([]byte, error)
	Delete(ctx context.Context, ref email.ObjectRef) error
}

// Importer inserts a raw message into a mailbox.
type Importer interface {
	Import(ctx context.Context, accessToken string, raw []byte) (string, error)
}

// Guard runs a delivery with a fresh access token.
type Guard interface {
	AttemptDelivery(ctx context.Context, unit credential.Unit, deliver credential.DeliverFunc) (credential.Outcome, error)
}

// Forwarder handles batches of forward-to-gmail dispatch messages.
type Forwarder struct {
	store    ObjectStore
	importer Importer
	guard    Guard
}

// New creates a Forwarder.
func New(store ObjectStore, importer Importer, guard Guard) *Forwarder {
	return &Forwarder{store: store, importer: importer, guard: guard}
}

// Handle forwards every record and reports the ones that failed. Records
// deferred to the retry channel count as handled.
func (f *Forwarder) Handle(ctx context.Context, records []batch.Record) batch.Response {
	return batch.Process(ctx, WorkerName, records, f.forward)
}

func (f *Forwarder) forward(ctx context.Context, rec batch.Record) error {
	var m dispatch.Message
	if err := json.Unmarshal([]byte(rec.Body), &m); err != nil {
		return fmt.Errorf("failed to decode dispatch message: %w", err)
	}
	if m.OriginalMessageID == "" {
		return errors.New("dispatch message has no originalMessageId")
	}
	if m.Object.IsZero() {
		return fmt.Errorf("dispatch message %s has no object reference", m.OriginalMessageID)
	}
	targets := m.Targets()
	if len(targets) == 0 {
		return fmt.Errorf("dispatch message %s has no forward targets", m.OriginalMessageID)
	}

	// Storage errors are ordinary failures; only the import runs under the
	// credential guard.
	raw, err := f.store.Fetch(ctx, m.Object)
	if err != nil {
		metrics.DeliveryOutcomes.WithLabelValues(WorkerName, credential.Failed.String()).Inc()
		return fmt.Errorf("failed to fetch %s: %w", m.Object, err)
	}

	unit := credential.Unit{
		Payload:      []byte(rec.Body),
		AttemptCount: rec.IntAttribute(credential.AttrAttemptCount),
	}

	outcome, err := f.guard.AttemptDelivery(ctx, unit, func(ctx context.Context, token string) error {
		return f.importAll(ctx, token, &m, targets, raw)
	})
	metrics.DeliveryOutcomes.WithLabelValues(WorkerName, outcome.String()).Inc()

	if !outcome.Succeeded() {
		return err
	}
	if outcome == credential.QueuedForRetry {
		slog.Info("forward deferred to retry channel",
			"message_id", m.OriginalMessageID,
			"attempt_count", unit.AttemptCount,
		)
		return nil
	}

	if !m.RetainObject {
		// Imports are done; a failed delete must not redeliver the record.
		if err := f.store.Delete(ctx, m.Object); err != nil {
			slog.Warn("failed to delete forwarded object",
				"message_id", m.OriginalMessageID,
				"object", m.Object.String(),
				"error", err,
			)
		}
	}
	return nil
}

// importAll imports raw once for every target.
func (f *Forwarder) importAll(ctx context.Context, token string, m *dispatch.Message, targets []string, raw []byte) error {
	for _, target := range targets {
		id, err := f.importer.Import(ctx, token, raw)
		if err != nil {
			return fmt.Errorf("failed to import for %s: %w", target, err)
		}
		slog.Info("message imported",
			"message_id", m.OriginalMessageID,
			"source", m.Source,
			"target", target,
			"gmail_id", id,
			"bytes", len(raw),
		)
	}
	return nil
}
