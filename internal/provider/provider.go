// Package provider defines the interface for notification delivery backends.
package provider

import (
	"context"

	"github.com/shineum/ses-mail-router/internal/email"
)

// Sender is the interface that notification backends must implement.
// Workers compose an email.Email (for example a bounce notice) and hand it
// to the configured Sender.
type Sender interface {
	// Send delivers a notification through this backend.
	// It returns an error if the delivery fails.
	Send(ctx context.Context, msg *email.Email) error

	// Name returns the human-readable name of this backend.
	Name() string
}
