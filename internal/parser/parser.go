// Package parser decodes SES receipt notifications into inbound messages and
// summarizes raw RFC 5322 headers.
package parser

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/shineum/ses-mail-router/internal/email"
)

// ErrNotReceipt is returned for JSON that carries no SES receipt.
var ErrNotReceipt = errors.New("not an SES receipt notification")

// sesNotification is the SES "Received" notification.
type sesNotification struct {
	NotificationType string      `json:"notificationType"`
	Mail             sesMail     `json:"mail"`
	Receipt          *sesReceipt `json:"receipt"`
}

type sesMail struct {
	Timestamp     string         `json:"timestamp"`
	Source        string         `json:"source"`
	MessageID     string         `json:"messageId"`
	Destination   []string       `json:"destination"`
	Headers       []email.Header `json:"headers"`
	CommonHeaders struct {
		Subject   string `json:"subject"`
		MessageID string `json:"messageId"`
	} `json:"commonHeaders"`
}

type verdict struct {
	Status string `json:"status"`
}

type sesReceipt struct {
	Recipients   []string `json:"recipients"`
	SpamVerdict  verdict  `json:"spamVerdict"`
	VirusVerdict verdict  `json:"virusVerdict"`
	SPFVerdict   verdict  `json:"spfVerdict"`
	DKIMVerdict  verdict  `json:"dkimVerdict"`
	DMARCVerdict verdict  `json:"dmarcVerdict"`
	DMARCPolicy  string   `json:"dmarcPolicy"`
	Action       struct {
		Type       string `json:"type"`
		BucketName string `json:"bucketName"`
		ObjectKey  string `json:"objectKey"`
	} `json:"action"`
}

// envelope covers the wrappers a notification may arrive in: an SNS
// notification with the payload as a string, or a Lambda-style Records list.
type envelope struct {
	Type    string `json:"Type"`
	Message string `json:"Message"`
	Records []struct {
		SES json.RawMessage `json:"ses"`
	} `json:"Records"`
}

// ParseSESNotification decodes an SES receipt notification. The payload may
// be the bare notification, an SNS envelope, or a Records list (the first
// record is used).
func ParseSESNotification(data []byte) (*email.InboundMessage, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("failed to parse notification: %w", err)
	}

	switch {
	case env.Message != "":
		return ParseSESNotification([]byte(env.Message))
	case len(env.Records) > 0 && len(env.Records[0].SES) > 0:
		data = env.Records[0].SES
	}

	var n sesNotification
	if err := json.Unmarshal(data, &n); err != nil {
		return nil, fmt.Errorf("failed to parse notification: %w", err)
	}
	if n.Receipt == nil {
		return nil, ErrNotReceipt
	}

	r := n.Receipt
	recipients := r.Recipients
	if len(recipients) == 0 {
		recipients = n.Mail.Destination
	}

	msg := &email.InboundMessage{
		ID:         n.Mail.MessageID,
		Source:     n.Mail.Source,
		Subject:    n.Mail.CommonHeaders.Subject,
		Recipients: recipients,
		Headers:    n.Mail.Headers,
		Verdicts: email.Verdicts{
			Spam:        r.SpamVerdict.Status,
			Virus:       r.VirusVerdict.Status,
			DKIM:        r.DKIMVerdict.Status,
			SPF:         r.SPFVerdict.Status,
			DMARC:       r.DMARCVerdict.Status,
			DMARCPolicy: strings.ToLower(r.DMARCPolicy),
		},
	}

	if strings.EqualFold(r.Action.Type, "S3") || r.Action.BucketName != "" {
		msg.Object = email.ObjectRef{Bucket: r.Action.BucketName, Key: r.Action.ObjectKey}
	}

	if n.Mail.Timestamp != "" {
		ts, err := time.Parse(time.RFC3339Nano, n.Mail.Timestamp)
		if err != nil {
			slog.Warn("unparseable notification timestamp",
				"message_id", msg.ID,
				"timestamp", n.Mail.Timestamp,
			)
		} else {
			msg.Timestamp = ts
		}
	}

	if msg.ID == "" {
		return nil, fmt.Errorf("%w: missing mail.messageId", ErrNotReceipt)
	}
	return msg, nil
}
