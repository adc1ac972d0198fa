package parser

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shineum/ses-mail-router/internal/email"
)

const receivedNotification = `{
  "notificationType": "Received",
  "mail": {
    "timestamp": "2025-01-15T10:30:00.123Z",
    "source": "sender@example.org",
    "messageId": "o3vrnil0e2ic28trm7dfhrc2v0clambda4nbp0g1",
    "destination": ["ignored@example.com"],
    "headers": [
      {"name": "From", "value": "Sender <sender@example.org>"},
      {"name": "X-Mail-Router-Bypass", "value": "secret"}
    ],
    "commonHeaders": {"subject": "Quarterly numbers", "messageId": "<abc@example.org>"}
  },
  "receipt": {
    "recipients": ["alice+news@example.com", "bob@example.com"],
    "spamVerdict": {"status": "PASS"},
    "virusVerdict": {"status": "PASS"},
    "spfVerdict": {"status": "PASS"},
    "dkimVerdict": {"status": "GRAY"},
    "dmarcVerdict": {"status": "FAIL"},
    "dmarcPolicy": "REJECT",
    "action": {"type": "S3", "bucketName": "mail-bucket", "objectKey": "emails/o3vrnil0e2ic28trm7dfhrc2v0clambda4nbp0g1"}
  }
}`

func TestParseSESNotification_Bare(t *testing.T) {
	t.Parallel()

	msg, err := ParseSESNotification([]byte(receivedNotification))
	require.NoError(t, err)

	assert.Equal(t, "o3vrnil0e2ic28trm7dfhrc2v0clambda4nbp0g1", msg.ID)
	assert.Equal(t, "sender@example.org", msg.Source)
	assert.Equal(t, "Quarterly numbers", msg.Subject)
	assert.Equal(t, []string{"alice+news@example.com", "bob@example.com"}, msg.Recipients)
	assert.Equal(t, time.Date(2025, 1, 15, 10, 30, 0, 123000000, time.UTC), msg.Timestamp)
	assert.Equal(t, "secret", msg.Headers.Get("x-mail-router-bypass"))
	assert.Equal(t, email.Verdicts{
		Spam: "PASS", Virus: "PASS", SPF: "PASS", DKIM: "GRAY", DMARC: "FAIL", DMARCPolicy: "reject",
	}, msg.Verdicts)
	assert.Equal(t, email.ObjectRef{Bucket: "mail-bucket", Key: "emails/o3vrnil0e2ic28trm7dfhrc2v0clambda4nbp0g1"}, msg.Object)
}

func TestParseSESNotification_SNSEnvelope(t *testing.T) {
	t.Parallel()

	wrapped, err := json.Marshal(map[string]string{
		"Type":    "Notification",
		"Message": receivedNotification,
	})
	require.NoError(t, err)

	msg, err := ParseSESNotification(wrapped)
	require.NoError(t, err)
	assert.Equal(t, "sender@example.org", msg.Source)
	assert.Len(t, msg.Recipients, 2)
}

func TestParseSESNotification_Records(t *testing.T) {
	t.Parallel()

	data := []byte(`{"Records":[{"eventSource":"aws:ses","ses":` + receivedNotification + `}]}`)

	msg, err := ParseSESNotification(data)
	require.NoError(t, err)
	assert.Equal(t, "Quarterly numbers", msg.Subject)
}

func TestParseSESNotification_DestinationFallback(t *testing.T) {
	t.Parallel()

	data := []byte(`{"mail":{"messageId":"m1","destination":["a@x.com"]},"receipt":{}}`)

	msg, err := ParseSESNotification(data)
	require.NoError(t, err)
	assert.Equal(t, []string{"a@x.com"}, msg.Recipients)
	assert.True(t, msg.Object.IsZero())
}

func TestParseSESNotification_Errors(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		data string
	}{
		{name: "invalid json", data: `{`},
		{name: "no receipt", data: `{"notificationType":"Bounce","mail":{"messageId":"m"}}`},
		{name: "no message id", data: `{"mail":{},"receipt":{"recipients":["a@x.com"]}}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			_, err := ParseSESNotification([]byte(tt.data))
			assert.Error(t, err)
		})
	}
}
