// Package routing resolves inbound messages to per-recipient delivery actions.
package routing

import (
	"context"
	"errors"
	"time"
)

// KeyPrefix prefixes every rule store key.
const KeyPrefix = "ROUTE#"

// ErrRuleLookup reports that the rule store could not be consulted. A missing
// rule is not an error.
var ErrRuleLookup = errors.New("rule lookup failed")

// ActionType names a delivery action. The set is closed for the engine's own
// decisions but rules may carry additional types for new workers.
type ActionType string

const (
	ActionStore   ActionType = "store"
	ActionForward ActionType = "forward-to-gmail"
	ActionJMAP    ActionType = "deliver-to-jmap"
	ActionCanary  ActionType = "canary-monitor"
	ActionBounce  ActionType = "bounce"
)

// ConsumesObject reports whether the action's worker reads the stored raw
// object and deletes it when done.
func (t ActionType) ConsumesObject() bool {
	return t == ActionForward || t == ActionJMAP || t == ActionCanary
}

// Reason explains why an action was chosen.
type Reason int

const (
	ReasonNone Reason = iota
	ReasonSecurity
	ReasonPolicy
)

func (r Reason) String() string {
	switch r {
	case ReasonSecurity:
		return "security"
	case ReasonPolicy:
		return "policy"
	default:
		return ""
	}
}

// ActionSpec is one action to perform for a recipient.
type ActionSpec struct {
	Type   ActionType
	Target string
	Reason Reason
}

// Rule is a routing rule in its canonical in-memory shape.
type Rule struct {
	Key         string
	Actions     []ActionSpec
	Enabled     bool
	Description string
	Metadata    string
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// RuleStore looks up rules by key. An absent rule yields (nil, nil).
type RuleStore interface {
	Get(ctx context.Context, key string) (*Rule, error)
}

// Match identifies where a decision came from when no rule key applies.
type Match string

const (
	MatchSecurityOverride Match = "security-override"
	MatchDefault          Match = "default"
	MatchFallback         Match = "fallback"
)

// Decision is the resolved action list for one recipient.
type Decision struct {
	Recipient string
	Actions   []ActionSpec
	// MatchedKey is the rule key that produced the actions, or one of the
	// Match sentinels.
	MatchedKey string
}

// Resolution holds one decision per recipient entry, in message order.
type Resolution struct {
	Decisions []Decision
	Blocked   bool
	FellBack  bool
}

// Lookup returns the decision for recipient.
func (r *Resolution) Lookup(recipient string) (Decision, bool) {
	for _, d := range r.Decisions {
		if d.Recipient == recipient {
			return d, true
		}
	}
	return Decision{}, false
}

// ByRecipient returns the decisions keyed by recipient. Duplicate recipients
// collapse to the first occurrence.
func (r *Resolution) ByRecipient() map[string]Decision {
	out := make(map[string]Decision, len(r.Decisions))
	for _, d := range r.Decisions {
		if _, ok := out[d.Recipient]; !ok {
			out[d.Recipient] = d
		}
	}
	return out
}

func defaultActions() []ActionSpec {
	return []ActionSpec{{Type: ActionStore}}
}

func securityBounce() []ActionSpec {
	return []ActionSpec{{Type: ActionBounce, Reason: ReasonSecurity}}
}
