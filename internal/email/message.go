// Package email defines the message data model shared by the router and its
// delivery workers.
package email

import "strings"

// Email is an outbound notification composed by a worker, such as a bounce
// delivery-status notification.
type Email struct {
	From      string
	To        []string
	Subject   string
	TextBody  string
	HtmlBody  string
	// MessageID is the Message-ID, without angle brackets, of the message
	// this notification replies to.
	MessageID string
	// Headers are extra headers added to the outgoing message.
	Headers Headers
}

// InReplyTo returns the In-Reply-To header value, or "" when MessageID is
// unset.
func (e *Email) InReplyTo() string {
	id := strings.Trim(strings.TrimSpace(e.MessageID), "<>")
	if id == "" {
		return ""
	}
	return "<" + id + ">"
}
