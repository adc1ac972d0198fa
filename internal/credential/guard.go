// Package credential runs delivery attempts that depend on a refreshable
// OAuth credential. Failures caused by an expired or revoked credential are
// parked on a retry channel instead of being retried by the transport.
package credential

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/shineum/ses-mail-router/internal/metrics"
)

// Outcome is the terminal state of a delivery unit.
type Outcome int

const (
	Delivered Outcome = iota + 1
	QueuedForRetry
	Failed
)

func (o Outcome) String() string {
	switch o {
	case Delivered:
		return "delivered"
	case QueuedForRetry:
		return "queued_for_retry"
	case Failed:
		return "failed"
	default:
		return "received"
	}
}

// Succeeded reports whether the caller should treat the unit as done.
// A unit parked on the retry channel counts as done.
func (o Outcome) Succeeded() bool {
	return o == Delivered || o == QueuedForRetry
}

// Unit is one delivery attempt. Payload is the original transport message,
// preserved byte for byte if the unit is deferred.
type Unit struct {
	Payload      []byte
	AttemptCount int
}

// RetryEnvelope is what the retry channel receives for a deferred unit.
type RetryEnvelope struct {
	Payload      []byte
	CreatedAt    time.Time
	ErrorClass   ErrorClass
	AttemptCount int
}

// RetryChannel accepts deferred units for a later replay.
type RetryChannel interface {
	Enqueue(ctx context.Context, env RetryEnvelope) error
}

// SecretsLoader returns the long-lived credential material.
type SecretsLoader interface {
	Load(ctx context.Context) (Secrets, error)
}

// TokenExchanger trades the refresh secret for a short-lived access token.
type TokenExchanger interface {
	Exchange(ctx context.Context, s Secrets) (AccessToken, error)
}

// DeliverFunc performs the outbound call with a fresh access token.
type DeliverFunc func(ctx context.Context, accessToken string) error

// Guard wraps delivery attempts with credential handling.
type Guard struct {
	secrets   SecretsLoader
	exchanger TokenExchanger
	retry     RetryChannel
	now       func() time.Time
}

// NewGuard creates a Guard.
func NewGuard(secrets SecretsLoader, exchanger TokenExchanger, retry RetryChannel) *Guard {
	return &Guard{
		secrets:   secrets,
		exchanger: exchanger,
		retry:     retry,
		now:       time.Now,
	}
}

// AttemptDelivery exchanges a fresh access token and calls deliver with it.
// A credential-expiration failure from either step is enqueued on the retry
// channel and reported as QueuedForRetry with a nil error. Other failures are
// returned unchanged with Failed. Secrets that cannot be loaded are an
// infrastructure failure and are never deferred.
func (g *Guard) AttemptDelivery(ctx context.Context, unit Unit, deliver DeliverFunc) (Outcome, error) {
	secrets, err := g.secrets.Load(ctx)
	if err != nil {
		return Failed, fmt.Errorf("failed to load credentials: %w", err)
	}

	err = g.tryDeliver(ctx, secrets, deliver)
	if err == nil {
		return Delivered, nil
	}

	class := Classify(err)
	if class != ClassCredentialExpired {
		return Failed, err
	}

	slog.Warn("credential expired, deferring delivery",
		"attempt_count", unit.AttemptCount,
		"error", err,
	)

	env := RetryEnvelope{
		Payload:      unit.Payload,
		CreatedAt:    g.now().UTC(),
		ErrorClass:   class,
		AttemptCount: unit.AttemptCount + 1,
	}
	if enqErr := g.retry.Enqueue(ctx, env); enqErr != nil {
		metrics.RetryEnqueues.WithLabelValues("error").Inc()
		slog.Error("failed to enqueue retry", "error", enqErr)
		return Failed, errors.Join(err, fmt.Errorf("failed to enqueue retry: %w", enqErr))
	}

	metrics.RetryEnqueues.WithLabelValues("ok").Inc()
	return QueuedForRetry, nil
}

func (g *Guard) tryDeliver(ctx context.Context, secrets Secrets, deliver DeliverFunc) error {
	token, err := g.exchanger.Exchange(ctx, secrets)
	if err != nil {
		return err
	}
	return deliver(ctx, token.Token)
}
