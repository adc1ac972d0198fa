package parser

import (
	"bytes"
	"fmt"
	"log/slog"
	"time"

	"github.com/emersion/go-message"
	"github.com/emersion/go-message/mail"
)

// Summary is the header digest of a raw message.
type Summary struct {
	From      []string
	Subject   string
	MessageID string
	Date      time.Time
}

// Summarize reads the header block of a raw RFC 5322 message. Encoded
// words are decoded; malformed individual fields are left empty.
func Summarize(raw []byte) (*Summary, error) {
	mr, err := mail.CreateReader(bytes.NewReader(raw))
	if err != nil && !message.IsUnknownCharset(err) {
		return nil, fmt.Errorf("failed to parse message: %w", err)
	}
	defer mr.Close()

	h := mr.Header
	s := &Summary{}

	if s.Subject, err = h.Subject(); err != nil {
		slog.Debug("undecodable subject", "error", err)
		s.Subject = h.Get("Subject")
	}

	if id, err := h.MessageID(); err == nil {
		s.MessageID = id
	}

	if date, err := h.Date(); err == nil {
		s.Date = date
	}

	if from, err := h.AddressList("From"); err == nil {
		for _, addr := range from {
			s.From = append(s.From, addr.Address)
		}
	}

	return s, nil
}
