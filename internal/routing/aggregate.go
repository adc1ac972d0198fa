package routing

import "strings"

// Item is one recipient/target pair within a dispatch batch.
type Item struct {
	Recipient   string
	Target      string
	Reason      Reason
	MatchedRule string
}

// Batch collects every item of one action type for a message.
type Batch struct {
	Count int
	Items []Item
}

// Aggregate groups the resolution's actions by type. Within a batch items
// keep the recipient order of the message.
func Aggregate(res *Resolution) map[ActionType]*Batch {
	batches := make(map[ActionType]*Batch)
	for _, d := range res.Decisions {
		for _, a := range d.Actions {
			b, ok := batches[a.Type]
			if !ok {
				b = &Batch{}
				batches[a.Type] = b
			}
			b.Count++
			b.Items = append(b.Items, Item{
				Recipient:   d.Recipient,
				Target:      a.Target,
				Reason:      a.Reason,
				MatchedRule: d.MatchedKey,
			})
		}
	}
	return batches
}

// AuditSummary is a human-readable digest of a resolution for object tags and
// logs. Actions and Targets are flattened independently, so once a recipient
// carries several actions they no longer line up with the recipient list.
type AuditSummary struct {
	Actions      string
	Targets      string
	MatchedRules string
}

// Audit flattens the resolution into space-joined action, target and
// matched-rule strings. Empty targets and repeated rule keys are omitted.
func Audit(res *Resolution) AuditSummary {
	var actions, targets, rules []string
	seenRule := make(map[string]bool)

	for _, d := range res.Decisions {
		for _, a := range d.Actions {
			actions = append(actions, string(a.Type))
			if a.Target != "" {
				targets = append(targets, a.Target)
			}
		}
		if !seenRule[d.MatchedKey] {
			seenRule[d.MatchedKey] = true
			rules = append(rules, d.MatchedKey)
		}
	}

	return AuditSummary{
		Actions:      strings.Join(actions, " "),
		Targets:      strings.Join(targets, " "),
		MatchedRules: strings.Join(rules, " "),
	}
}
