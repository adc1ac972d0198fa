// Package dispatch turns a routing resolution into one message per action
// type and publishes each to the channel serving that action.
package dispatch

import (
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/shineum/ses-mail-router/internal/email"
	"github.com/shineum/ses-mail-router/internal/routing"
)

// Item is one recipient of a dispatch message.
type Item struct {
	Recipient   string `json:"recipient"`
	Target      string `json:"target,omitempty"`
	Reason      string `json:"reason,omitempty"`
	MatchedRule string `json:"matchedRule,omitempty"`
}

// Message is the payload handed to an action worker.
type Message struct {
	ID                string          `json:"id"`
	OriginalMessageID string          `json:"originalMessageId"`
	Source            string          `json:"source"`
	Subject           string          `json:"subject,omitempty"`
	Timestamp         time.Time       `json:"timestamp,omitzero"`
	Object            email.ObjectRef `json:"object"`
	Action            string          `json:"action"`
	Count             int             `json:"count"`
	Items             []Item          `json:"items"`
	RetainObject      bool            `json:"retainObject,omitempty"`
}

// Targets returns the distinct non-empty targets in item order.
func (m *Message) Targets() []string {
	seen := make(map[string]bool)
	var out []string
	for _, it := range m.Items {
		if it.Target == "" || seen[it.Target] {
			continue
		}
		seen[it.Target] = true
		out = append(out, it.Target)
	}
	return out
}

// Build creates one Message per batch, ordered by action type. The raw
// object is marked retained on every message when any recipient keeps a
// stored copy or more than one consuming worker reads it.
func Build(msg *email.InboundMessage, batches map[routing.ActionType]*routing.Batch) []*Message {
	actions := make([]routing.ActionType, 0, len(batches))
	readers := 0
	for t := range batches {
		actions = append(actions, t)
		if t.ConsumesObject() {
			readers++
		}
	}
	sort.Slice(actions, func(i, j int) bool { return actions[i] < actions[j] })

	_, retain := batches[routing.ActionStore]
	retain = retain || readers > 1

	out := make([]*Message, 0, len(actions))
	for _, t := range actions {
		b := batches[t]
		m := &Message{
			ID:                uuid.NewString(),
			OriginalMessageID: msg.ID,
			Source:            msg.Source,
			Subject:           msg.Subject,
			Timestamp:         msg.Timestamp,
			Object:            msg.Object,
			Action:            string(t),
			Count:             b.Count,
			Items:             make([]Item, 0, len(b.Items)),
			RetainObject:      retain,
		}
		for _, it := range b.Items {
			m.Items = append(m.Items, Item{
				Recipient:   it.Recipient,
				Target:      it.Target,
				Reason:      it.Reason.String(),
				MatchedRule: it.MatchedRule,
			})
		}
		out = append(out, m)
	}
	return out
}
