// Package router handles batches of SES receipt notifications: it resolves
// each message, publishes per-action dispatch messages and tags the stored
// raw message with an audit summary.
package router

import (
	"context"
	"errors"
	"strconv"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/shineum/ses-mail-router/internal/batch"
	"github.com/shineum/ses-mail-router/internal/dispatch"
	"github.com/shineum/ses-mail-router/internal/email"
	"github.com/shineum/ses-mail-router/internal/metrics"
	"github.com/shineum/ses-mail-router/internal/parser"
	"github.com/shineum/ses-mail-router/internal/routing"
	"github.com/shineum/ses-mail-router/internal/tagging"
)

const tracerName = "github.com/shineum/ses-mail-router/internal/router"

// Resolver resolves a message and never fails.
type Resolver interface {
	ResolveWithFallback(ctx context.Context, msg *email.InboundMessage) *routing.Resolution
}

// Tagger annotates stored objects in the background, marking wg done when
// each call finishes.
type Tagger interface {
	TagAsync(ctx context.Context, wg *sync.WaitGroup, ref email.ObjectRef, kv map[string]string)
}

// Config holds handler settings.
type Config struct {
	Environment string
	// Bucket and Prefix locate the raw object when the notification does
	// not name one: Bucket/Prefix+messageId.
	Bucket string
	Prefix string
}

// Handler routes notification batches.
type Handler struct {
	resolver  Resolver
	publisher dispatch.Publisher
	tagger    Tagger
	cfg       Config
	tracer    trace.Tracer
}

// New creates a Handler. tagger may be nil to disable tagging.
func New(resolver Resolver, publisher dispatch.Publisher, tagger Tagger, cfg Config) *Handler {
	return &Handler{
		resolver:  resolver,
		publisher: publisher,
		tagger:    tagger,
		cfg:       cfg,
		tracer:    otel.Tracer(tracerName),
	}
}

// Handle routes every record and reports the ones that failed. Tagging
// started by this call finishes before it returns; Handle is safe for
// concurrent use.
func (h *Handler) Handle(ctx context.Context, records []batch.Record) batch.Response {
	var pending sync.WaitGroup
	defer pending.Wait()
	return batch.Process(ctx, "router", records, func(ctx context.Context, rec batch.Record) error {
		return h.route(ctx, &pending, rec)
	})
}

func (h *Handler) route(ctx context.Context, pending *sync.WaitGroup, rec batch.Record) error {
	msg, err := parser.ParseSESNotification([]byte(rec.Body))
	if err != nil {
		return err
	}
	if msg.Object.IsZero() && h.cfg.Bucket != "" {
		msg.Object = email.ObjectRef{Bucket: h.cfg.Bucket, Key: h.cfg.Prefix + msg.ID}
	}

	ctx, span := h.tracer.Start(ctx, "route_message",
		trace.WithAttributes(attribute.String("message_id", msg.ID)),
	)
	defer span.End()

	res := h.resolver.ResolveWithFallback(ctx, msg)
	batches := routing.Aggregate(res)

	span.SetAttributes(attribute.Int("recipient_count", len(msg.Recipients)))
	for action, b := range batches {
		span.SetAttributes(attribute.Int("action."+string(action), b.Count))
	}

	var errs []error
	for _, m := range dispatch.Build(msg, batches) {
		if err := h.publisher.Publish(ctx, m); err != nil {
			metrics.DispatchFailures.WithLabelValues(m.Action).Inc()
			errs = append(errs, err)
		}
	}

	if h.tagger != nil && !msg.Object.IsZero() {
		h.tagger.TagAsync(ctx, pending, msg.Object, h.auditTags(msg, res))
	}

	if err := errors.Join(errs...); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "dispatch failed")
		return err
	}
	return nil
}

// auditTags builds the object tag set describing res.
func (h *Handler) auditTags(msg *email.InboundMessage, res *routing.Resolution) map[string]string {
	audit := routing.Audit(res)

	security := "pass"
	if res.Blocked {
		security = "blocked"
	}

	tags := map[string]string{
		"action":          audit.Actions,
		"matched-rule":    audit.MatchedRules,
		"source":          msg.Source,
		"subject":         tagging.Sanitize(msg.Subject, tagging.MaxSubjectLength, true),
		"security":        security,
		"fallback":        strconv.FormatBool(res.FellBack),
		"recipient-count": strconv.Itoa(len(msg.Recipients)),
		"environment":     h.cfg.Environment,
	}
	if audit.Targets != "" {
		tags["target"] = audit.Targets
	}
	return tags
}
