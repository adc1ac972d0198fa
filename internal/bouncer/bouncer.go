// Package bouncer sends delivery-status notifications back to the original
// sender for every recipient routed to the bounce action.
package bouncer

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/shineum/ses-mail-router/internal/batch"
	"github.com/shineum/ses-mail-router/internal/dispatch"
	"github.com/shineum/ses-mail-router/internal/email"
	"github.com/shineum/ses-mail-router/internal/metrics"
	"github.com/shineum/ses-mail-router/internal/parser"
	"github.com/shineum/ses-mail-router/internal/provider"
)

// WorkerName labels logs and metrics emitted by the bouncer.
const WorkerName = "bouncer"

const noSubject = "(no subject)"

// ObjectFetcher reads raw messages.
type ObjectFetcher interface {
	Fetch(ctx context.Context, ref email.ObjectRef) ([]byte, error)
}

// Bouncer handles batches of bounce dispatch messages.
type Bouncer struct {
	sender  provider.Sender
	fetcher ObjectFetcher
}

// New creates a Bouncer. fetcher may be nil; it is only used to recover the
// subject of messages whose notification carried none.
func New(sender provider.Sender, fetcher ObjectFetcher) *Bouncer {
	return &Bouncer{sender: sender, fetcher: fetcher}
}

// Handle bounces every record and reports the ones that failed.
func (b *Bouncer) Handle(ctx context.Context, records []batch.Record) batch.Response {
	return batch.Process(ctx, WorkerName, records, b.bounce)
}

func (b *Bouncer) bounce(ctx context.Context, rec batch.Record) error {
	var m dispatch.Message
	if err := json.Unmarshal([]byte(rec.Body), &m); err != nil {
		return fmt.Errorf("failed to decode dispatch message: %w", err)
	}

	if isNullSender(m.Source) {
		slog.Info("not bouncing message from null sender",
			"message_id", m.OriginalMessageID,
			"recipients", m.Count,
		)
		metrics.DeliveryOutcomes.WithLabelValues(WorkerName, "skipped").Inc()
		return nil
	}

	subject, inReplyTo := b.originalSubject(ctx, &m)

	timestamp := ""
	if !m.Timestamp.IsZero() {
		timestamp = m.Timestamp.UTC().Format(time.RFC3339)
	}

	for _, it := range m.Items {
		n := notice{
			Recipient:   it.Recipient,
			Sender:      m.Source,
			Subject:     subject,
			Timestamp:   timestamp,
			MatchedRule: it.MatchedRule,
			Reason:      reasonText(it.Reason, it.Recipient),
		}
		if n.MatchedRule == "" {
			n.MatchedRule = "UNKNOWN"
		}

		text, html, err := render(n)
		if err != nil {
			return fmt.Errorf("failed to render bounce for %s: %w", it.Recipient, err)
		}

		err = b.sender.Send(ctx, &email.Email{
			To:        []string{m.Source},
			Subject:   "Mail Delivery Failed: " + subject,
			TextBody:  text,
			HtmlBody:  html,
			MessageID: inReplyTo,
		})
		if err != nil {
			metrics.DeliveryOutcomes.WithLabelValues(WorkerName, "failed").Inc()
			return fmt.Errorf("failed to send bounce for %s via %s: %w", it.Recipient, b.sender.Name(), err)
		}

		metrics.DeliveryOutcomes.WithLabelValues(WorkerName, "delivered").Inc()
		slog.Info("bounce sent",
			"message_id", m.OriginalMessageID,
			"recipient", it.Recipient,
			"sender", m.Source,
			"matched_rule", it.MatchedRule,
			"reason", it.Reason,
		)
	}
	return nil
}

// originalSubject returns the subject to quote and the original Message-ID
// header when known. A message without a subject in its notification is
// summarized from the stored raw object.
func (b *Bouncer) originalSubject(ctx context.Context, m *dispatch.Message) (string, string) {
	if m.Subject != "" || b.fetcher == nil || m.Object.IsZero() {
		return orNoSubject(m.Subject), ""
	}

	raw, err := b.fetcher.Fetch(ctx, m.Object)
	if err != nil {
		slog.Warn("failed to fetch object for bounce subject",
			"message_id", m.OriginalMessageID,
			"object", m.Object.String(),
			"error", err,
		)
		return noSubject, ""
	}

	s, err := parser.Summarize(raw)
	if err != nil {
		slog.Warn("failed to summarize object for bounce subject",
			"message_id", m.OriginalMessageID,
			"error", err,
		)
		return noSubject, ""
	}
	return orNoSubject(s.Subject), s.MessageID
}

func orNoSubject(s string) string {
	if s == "" {
		return noSubject
	}
	return s
}

func isNullSender(source string) bool {
	s := strings.TrimSpace(source)
	return s == "" || s == "<>"
}
