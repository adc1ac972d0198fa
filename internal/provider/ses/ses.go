// Package ses implements a provider.Sender that sends notifications via AWS
// SES v2.
package ses

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	sesv2 "github.com/aws/aws-sdk-go-v2/service/sesv2"
	"github.com/aws/aws-sdk-go-v2/service/sesv2/types"
	"github.com/aws/smithy-go"

	"github.com/shineum/ses-mail-router/internal/email"
)

// maxRetries is the maximum number of retry attempts for transient failures.
const maxRetries = 3

// defaultRetryDelay is the initial delay for exponential backoff.
const defaultRetryDelay = 1 * time.Second

// permanentCodes are SES error codes that retrying cannot fix.
var permanentCodes = map[string]bool{
	"MessageRejected":                    true,
	"MailFromDomainNotVerifiedException": true,
	"AccountSuspendedException":          true,
	"SendingPausedException":             true,
	"BadRequestException":                true,
	"NotFoundException":                  true,
}

// Provider sends notifications via the AWS SES v2 API.
type Provider struct {
	sender     string
	configSet  string
	client     SendEmailAPI
	retryDelay time.Duration
}

// SendEmailAPI is the interface for the SES v2 SendEmail operation.
// Used for testing with mock implementations.
type SendEmailAPI interface {
	SendEmail(ctx context.Context, params *sesv2.SendEmailInput, optFns ...func(*sesv2.Options)) (*sesv2.SendEmailOutput, error)
}

// New creates a Provider from a loaded AWS config.
func New(cfg aws.Config, sender, configSet string) *Provider {
	return NewWithClient(sender, configSet, sesv2.NewFromConfig(cfg))
}

// NewWithClient creates a Provider with a custom client, used for testing.
func NewWithClient(sender, configSet string, client SendEmailAPI) *Provider {
	return &Provider{
		sender:     sender,
		configSet:  configSet,
		client:     client,
		retryDelay: defaultRetryDelay,
	}
}

// Send delivers a notification via AWS SES v2 using the simple content
// format. msg.From overrides the configured sender.
func (p *Provider) Send(ctx context.Context, msg *email.Email) error {
	from := msg.From
	if from == "" {
		from = p.sender
	}
	input := buildSimpleInput(from, p.configSet, msg)

	var lastErr error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		if attempt > 0 {
			slog.Debug("retrying SES API request",
				"attempt", attempt,
				"max_retries", maxRetries,
			)
			delay := p.backoffDelay(attempt)
			if err := sleepWithContext(ctx, delay); err != nil {
				return fmt.Errorf("context cancelled during retry wait: %w", err)
			}
		}

		_, err := p.client.SendEmail(ctx, input)
		if err == nil {
			return nil
		}

		lastErr = err
		if isPermanent(err) {
			return fmt.Errorf("SES rejected message: %w", err)
		}
		slog.Warn("SES API error",
			"attempt", attempt,
			"error", err,
		)
	}

	return fmt.Errorf("SES API request failed after %d retries: %w", maxRetries, lastErr)
}

// Name returns the provider name.
func (p *Provider) Name() string {
	return "ses"
}

func isPermanent(err error) bool {
	var apiErr smithy.APIError
	return errors.As(err, &apiErr) && permanentCodes[apiErr.ErrorCode()]
}

// buildSimpleInput creates a SES SendEmailInput with text and HTML parts.
func buildSimpleInput(sender, configSet string, msg *email.Email) *sesv2.SendEmailInput {
	body := &types.Body{}

	if msg.HtmlBody != "" {
		body.Html = &types.Content{
			Data:    aws.String(msg.HtmlBody),
			Charset: aws.String("UTF-8"),
		}
	}
	if msg.TextBody != "" {
		body.Text = &types.Content{
			Data:    aws.String(msg.TextBody),
			Charset: aws.String("UTF-8"),
		}
	}

	input := &sesv2.SendEmailInput{
		FromEmailAddress: aws.String(sender),
		Destination:      &types.Destination{ToAddresses: msg.To},
		Content: &types.EmailContent{
			Simple: &types.Message{
				Subject: &types.Content{
					Data:    aws.String(msg.Subject),
					Charset: aws.String("UTF-8"),
				},
				Body: body,
			},
		},
	}
	var headers []types.MessageHeader
	if id := msg.InReplyTo(); id != "" {
		headers = append(headers,
			types.MessageHeader{Name: aws.String("In-Reply-To"), Value: aws.String(id)},
			types.MessageHeader{Name: aws.String("References"), Value: aws.String(id)},
		)
	}
	for _, h := range msg.Headers {
		headers = append(headers, types.MessageHeader{Name: aws.String(h.Name), Value: aws.String(h.Value)})
	}
	input.Content.Simple.Headers = headers
	if configSet != "" {
		input.ConfigurationSetName = aws.String(configSet)
	}
	return input
}

// backoffDelay returns the exponential backoff delay for the given attempt number.
func (p *Provider) backoffDelay(attempt int) time.Duration {
	delay := p.retryDelay
	for i := 0; i < attempt; i++ {
		delay *= 2
	}
	return delay
}

// sleepWithContext waits for the specified duration or until the context is cancelled.
func sleepWithContext(ctx context.Context, d time.Duration) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(d):
		return nil
	}
}
