package routing

import (
	"strings"

	"github.com/shineum/ses-mail-router/internal/email"
)

// DefaultBypassHeader carries the bypass token on messages sent by
// controlled tests.
const DefaultBypassHeader = "X-Mail-Router-Bypass"

// IsBlocked reports whether the verdicts force the message to bounce. Any
// hard-fail on spam, virus, DKIM or SPF blocks; a DMARC failure blocks only
// under a reject policy. A configured bypassToken matched exactly by
// providedToken disables the gate.
func IsBlocked(v email.Verdicts, bypassToken, providedToken string) bool {
	if bypassToken != "" && providedToken == bypassToken {
		return false
	}

	switch {
	case failed(v.Spam), failed(v.Virus), failed(v.DKIM), failed(v.SPF):
		return true
	case failed(v.DMARC) && strings.EqualFold(v.DMARCPolicy, "reject"):
		return true
	}
	return false
}

func failed(status string) bool {
	return strings.EqualFold(status, email.StatusFail)
}

// SecurityGate evaluates IsBlocked for a whole message using the token found
// in its bypass header.
type SecurityGate struct {
	BypassToken  string
	BypassHeader string
}

// Blocked evaluates the gate once for msg.
func (g SecurityGate) Blocked(msg *email.InboundMessage) bool {
	header := g.BypassHeader
	if header == "" {
		header = DefaultBypassHeader
	}
	return IsBlocked(msg.Verdicts, g.BypassToken, msg.Headers.Get(header))
}
