// Package validator answers synchronous SES receipt-rule invocations with a
// disposition that tells SES whether to keep processing a message.
package validator

import (
	"context"
	"log/slog"

	"github.com/shineum/ses-mail-router/internal/metrics"
	"github.com/shineum/ses-mail-router/internal/parser"
	"github.com/shineum/ses-mail-router/internal/routing"
)

// Disposition controls how SES continues with the receipt rule set.
type Disposition string

const (
	Continue    Disposition = "CONTINUE"
	StopRule    Disposition = "STOP_RULE"
	StopRuleSet Disposition = "STOP_RULE_SET"
)

// Response is the reply SES expects from a RequestResponse invocation.
type Response struct {
	Disposition Disposition `json:"disposition"`
}

// Validator rejects messages the security gate blocks before they are
// stored or routed.
type Validator struct {
	gate routing.SecurityGate
}

// New creates a Validator.
func New(gate routing.SecurityGate) *Validator {
	return &Validator{gate: gate}
}

// Validate decides the disposition for one receipt event. An event that
// cannot be read stops the rule set.
func (v *Validator) Validate(_ context.Context, event []byte) Response {
	msg, err := parser.ParseSESNotification(event)
	if err != nil {
		slog.Error("failed to parse receipt event, stopping rule set", "error", err)
		return Response{Disposition: StopRuleSet}
	}

	if v.gate.Blocked(msg) {
		metrics.SecurityBlocks.Inc()
		slog.Warn("message rejected by security gate",
			"message_id", msg.ID,
			"source", msg.Source,
			"recipients", msg.Recipients,
			"spam", msg.Verdicts.Spam,
			"virus", msg.Verdicts.Virus,
			"dmarc", msg.Verdicts.DMARC,
		)
		return Response{Disposition: StopRuleSet}
	}

	slog.Debug("message accepted", "message_id", msg.ID, "source", msg.Source)
	return Response{Disposition: Continue}
}
