// Package rules provides RuleStore backends and decodes stored routing rules
// into their canonical in-memory shape.
package rules

import (
	"time"

	"github.com/shineum/ses-mail-router/internal/routing"
)

// RuleSortKey is the sort key of the current rule item version.
const RuleSortKey = "RULE#v1"

// actionRecord is one entry of the current `actions` encoding.
type actionRecord struct {
	Type   string `dynamodbav:"type" json:"type"`
	Target string `dynamodbav:"target,omitempty" json:"target,omitempty"`
}

// record is the stored form of a rule. It carries both the current `actions`
// list and the legacy single `action`/`target` pair; toRule is the only
// place that looks at which one is present.
type record struct {
	PK          string         `dynamodbav:"PK" json:"-"`
	SK          string         `dynamodbav:"SK" json:"-"`
	Recipient   string         `dynamodbav:"recipient,omitempty" json:"recipient,omitempty"`
	Actions     []actionRecord `dynamodbav:"actions,omitempty" json:"actions,omitempty"`
	Action      string         `dynamodbav:"action,omitempty" json:"action,omitempty"`
	Target      string         `dynamodbav:"target,omitempty" json:"target,omitempty"`
	Enabled     *bool          `dynamodbav:"enabled,omitempty" json:"enabled,omitempty"`
	Description string         `dynamodbav:"description,omitempty" json:"description,omitempty"`
	Metadata    string         `dynamodbav:"metadata,omitempty" json:"metadata,omitempty"`
	CreatedAt   string         `dynamodbav:"created_at,omitempty" json:"created_at,omitempty"`
	UpdatedAt   string         `dynamodbav:"updated_at,omitempty" json:"updated_at,omitempty"`
}

// legacy reports whether the record still uses the single action encoding.
func (r *record) legacy() bool {
	return len(r.Actions) == 0 && (r.Action != "" || r.Target != "")
}

// legacyAction returns the single encoded action. A legacy item without an
// action bounces.
func (r *record) legacyAction() actionRecord {
	typ := r.Action
	if typ == "" {
		typ = string(routing.ActionBounce)
	}
	return actionRecord{Type: typ, Target: r.Target}
}

// toRule normalizes either encoding into a routing.Rule. A missing enabled
// flag means enabled. Rule-driven bounces carry the policy reason.
func (r *record) toRule(key string) *routing.Rule {
	actions := r.Actions
	if r.legacy() {
		actions = []actionRecord{r.legacyAction()}
	}

	rule := &routing.Rule{
		Key:         key,
		Enabled:     r.Enabled == nil || *r.Enabled,
		Description: r.Description,
		Metadata:    r.Metadata,
		CreatedAt:   parseTime(r.CreatedAt),
		UpdatedAt:   parseTime(r.UpdatedAt),
		Actions:     make([]routing.ActionSpec, 0, len(actions)),
	}

	for _, a := range actions {
		if a.Type == "" {
			continue
		}
		spec := routing.ActionSpec{Type: routing.ActionType(a.Type), Target: a.Target}
		if spec.Type == routing.ActionBounce {
			spec.Reason = routing.ReasonPolicy
		}
		rule.Actions = append(rule.Actions, spec)
	}

	return rule
}

// migrate rewrites a legacy record into the current encoding in place.
func (r *record) migrate(now time.Time) {
	if !r.legacy() {
		return
	}
	r.Actions = []actionRecord{r.legacyAction()}
	r.Action = ""
	r.Target = ""
	r.UpdatedAt = now.UTC().Format(time.RFC3339)
}

func parseTime(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	for _, layout := range []string{time.RFC3339Nano, "2006-01-02T15:04:05.999999"} {
		if t, err := time.Parse(layout, s); err == nil {
			return t
		}
	}
	return time.Time{}
}
