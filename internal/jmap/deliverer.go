package jmap

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/shineum/ses-mail-router/internal/batch"
	"github.com/shineum/ses-mail-router/internal/dispatch"
	"github.com/shineum/ses-mail-router/internal/email"
	"github.com/shineum/ses-mail-router/internal/metrics"
)

// WorkerName labels logs and metrics emitted by the deliverer.
const WorkerName = "jmap-deliverer"

// ObjectStore streams and removes raw messages.
type ObjectStore interface {
	Open(ctx context.Context, ref email.ObjectRef) (io.ReadCloser, int64, error)
	Delete(ctx context.Context, ref email.ObjectRef) error
}

// Importer stores a raw message in a JMAP account.
type Importer interface {
	Deliver(ctx context.Context, accountID string, mailboxIDs []string, body io.Reader, size int64) (Delivery, error)
}

// Deliverer handles batches of deliver-to-jmap dispatch messages.
type Deliverer struct {
	store    ObjectStore
	importer Importer
}

// NewDeliverer creates a Deliverer.
func NewDeliverer(store ObjectStore, importer Importer) *Deliverer {
	return &Deliverer{store: store, importer: importer}
}

// Handle delivers every record and reports the ones that failed.
func (d *Deliverer) Handle(ctx context.Context, records []batch.Record) batch.Response {
	return batch.Process(ctx, WorkerName, records, d.deliver)
}

func (d *Deliverer) deliver(ctx context.Context, rec batch.Record) error {
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
		return fmt.Errorf("dispatch message %s has no deliver-to-jmap targets", m.OriginalMessageID)
	}

	for _, target := range targets {
		if err := d.deliverTarget(ctx, &m, target); err != nil {
			metrics.DeliveryOutcomes.WithLabelValues(WorkerName, "failed").Inc()
			return err
		}
	}
	metrics.DeliveryOutcomes.WithLabelValues(WorkerName, "delivered").Inc()

	if !m.RetainObject {
		if err := d.store.Delete(ctx, m.Object); err != nil {
			slog.Warn("failed to delete delivered object",
				"message_id", m.OriginalMessageID,
				"object", m.Object.String(),
				"error", err,
			)
		}
	}
	return nil
}

// deliverTarget streams the raw object into one account. The object is
// opened per target because a stream can be read only once.
func (d *Deliverer) deliverTarget(ctx context.Context, m *dispatch.Message, target string) error {
	account, mailboxes := ParseTarget(target)
	if account == "" {
		return fmt.Errorf("invalid deliver-to-jmap target %q", target)
	}

	body, size, err := d.store.Open(ctx, m.Object)
	if err != nil {
		return err
	}
	defer body.Close()

	res, err := d.importer.Deliver(ctx, account, mailboxes, body, size)
	if err != nil {
		return fmt.Errorf("failed to deliver to account %s: %w", account, err)
	}

	slog.Info("message delivered to jmap",
		"message_id", m.OriginalMessageID,
		"source", m.Source,
		"account_id", account,
		"mailbox_ids", mailboxes,
		"email_id", res.EmailID,
		"blob_id", res.BlobID,
		"bytes", size,
	)
	return nil
}

// ParseTarget splits a rule target of the form "account" or
// "account/mailbox,mailbox" into the account id and its mailbox ids.
// Without mailboxes the message goes to DefaultMailbox.
func ParseTarget(target string) (string, []string) {
	account, list, _ := strings.Cut(strings.TrimSpace(target), "/")
	account = strings.TrimSpace(account)

	var mailboxes []string
	for _, mb := range strings.Split(list, ",") {
		if mb = strings.TrimSpace(mb); mb != "" {
			mailboxes = append(mailboxes, mb)
		}
	}
	if len(mailboxes) == 0 {
		mailboxes = []string{DefaultMailbox}
	}
	return account, mailboxes
}
