package bouncer

import (
	htmltemplate "html/template"
	"strings"
	texttemplate "text/template"

	"github.com/shineum/ses-mail-router/internal/routing"
)

// notice is the data rendered into both bounce bodies.
type notice struct {
	Recipient   string
	Sender      string
	Subject     string
	Timestamp   string
	MatchedRule string
	Reason      string
}

const textBody = `This is an automatically generated Delivery Status Notification.

YOUR MESSAGE COULD NOT BE DELIVERED

Your message to {{.Recipient}} could not be delivered.

Original Message Details:
- From: {{.Sender}}
- To: {{.Recipient}}
- Subject: {{.Subject}}
- Timestamp: {{.Timestamp}}

Reason:
{{.Reason}}
Routing Rule: {{.MatchedRule}}

If you believe this is an error, please contact the system administrator.

---
This is an automated message. Please do not reply to this email.
`

const htmlBody = `<html>
<head></head>
<body>
    <h2>Mail Delivery Failed</h2>
    <p>This is an automatically generated Delivery Status Notification.</p>
    <h3>YOUR MESSAGE COULD NOT BE DELIVERED</h3>
    <p>Your message to <strong>{{.Recipient}}</strong> could not be delivered.</p>
    <h3>Original Message Details:</h3>
    <ul>
        <li><strong>From:</strong> {{.Sender}}</li>
        <li><strong>To:</strong> {{.Recipient}}</li>
        <li><strong>Subject:</strong> {{.Subject}}</li>
        <li><strong>Timestamp:</strong> {{.Timestamp}}</li>
    </ul>
    <h3>Reason:</h3>
    <p>{{.Reason}}</p>
    <p><strong>Routing Rule:</strong> {{.MatchedRule}}</p>
    <p>If you believe this is an error, please contact the system administrator.</p>
    <hr>
    <p><em>This is an automated message. Please do not reply to this email.</em></p>
</body>
</html>
`

var (
	textTmpl = texttemplate.Must(texttemplate.New("text").Parse(textBody))
	htmlTmpl = htmltemplate.Must(htmltemplate.New("html").Parse(htmlBody))
)

// render returns the text and HTML bodies for n. The HTML body escapes every
// field.
func render(n notice) (string, string, error) {
	var text, html strings.Builder
	if err := textTmpl.Execute(&text, n); err != nil {
		return "", "", err
	}
	if err := htmlTmpl.Execute(&html, n); err != nil {
		return "", "", err
	}
	return text.String(), html.String(), nil
}

// reasonText explains a bounce reason to the original sender.
func reasonText(reason, recipient string) string {
	switch reason {
	case routing.ReasonSecurity.String():
		return "The message failed the security checks applied by the receiving system."
	default:
		return "The recipient address (" + recipient + ") is not configured to receive mail."
	}
}
