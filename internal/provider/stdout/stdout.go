// Package stdout implements a provider.Sender that prints notifications to
// standard output. It stands in for SES in local runs.
package stdout

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	"github.com/shineum/ses-mail-router/internal/email"
)

const rule = "----------------------------------------\n"

// Provider prints notifications as a plain-text block. Concurrent sends do
// not interleave.
type Provider struct {
	mu sync.Mutex
	w  io.Writer
}

// New creates a Provider writing to os.Stdout.
func New() *Provider {
	return NewWithWriter(os.Stdout)
}

// NewWithWriter creates a Provider writing to w.
func NewWithWriter(w io.Writer) *Provider {
	return &Provider{w: w}
}

// Send prints msg. The text body is preferred; the HTML body is printed only
// when there is no text body.
func (p *Provider) Send(_ context.Context, msg *email.Email) error {
	var buf bytes.Buffer

	buf.WriteString(rule)
	header := func(name, value string) {
		if value != "" {
			fmt.Fprintf(&buf, "%s: %s\n", name, value)
		}
	}
	header("From", msg.From)
	header("To", strings.Join(msg.To, ", "))
	header("Subject", msg.Subject)
	header("In-Reply-To", msg.InReplyTo())
	for _, h := range msg.Headers {
		header(h.Name, h.Value)
	}
	buf.WriteString("\n")

	body := msg.TextBody
	if body == "" {
		body = msg.HtmlBody
	}
	buf.WriteString(strings.TrimRight(body, "\n"))
	buf.WriteString("\n")
	buf.WriteString(rule)

	p.mu.Lock()
	defer p.mu.Unlock()
	if _, err := p.w.Write(buf.Bytes()); err != nil {
		return fmt.Errorf("failed to write notification: %w", err)
	}
	return nil
}

// Name returns the provider name.
func (p *Provider) Name() string {
	return "stdout"
}
