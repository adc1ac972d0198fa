package credential

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/sqs/types"
)

// Retry envelope message attribute names.
const (
	AttrCreatedAt    = "createdAt"
	AttrErrorClass   = "errorClass"
	AttrAttemptCount = "attemptCount"
)

// SendMessageAPI is the SQS SendMessage operation.
type SendMessageAPI interface {
	SendMessage(ctx context.Context, params *sqs.SendMessageInput, optFns ...func(*sqs.Options)) (*sqs.SendMessageOutput, error)
}

// SQSRetryChannel parks deferred units on an SQS queue. The message body is
// the original payload; envelope metadata travels as message attributes.
type SQSRetryChannel struct {
	client   SendMessageAPI
	queueURL string
}

// NewSQSRetryChannel creates a retry channel for queueURL.
func NewSQSRetryChannel(client SendMessageAPI, queueURL string) *SQSRetryChannel {
	return &SQSRetryChannel{client: client, queueURL: queueURL}
}

// Enqueue implements RetryChannel.
func (c *SQSRetryChannel) Enqueue(ctx context.Context, env RetryEnvelope) error {
	if c.queueURL == "" {
		return errors.New("retry queue is not configured")
	}

	_, err := c.client.SendMessage(ctx, &sqs.SendMessageInput{
		QueueUrl:    aws.String(c.queueURL),
		MessageBody: aws.String(string(env.Payload)),
		MessageAttributes: map[string]types.MessageAttributeValue{
			AttrCreatedAt: {
				DataType:    aws.String("String"),
				StringValue: aws.String(env.CreatedAt.Format(time.RFC3339)),
			},
			AttrErrorClass: {
				DataType:    aws.String("String"),
				StringValue: aws.String(env.ErrorClass.String()),
			},
			AttrAttemptCount: {
				DataType:    aws.String("Number"),
				StringValue: aws.String(strconv.Itoa(env.AttemptCount)),
			},
		},
	})
	if err != nil {
		return fmt.Errorf("failed to send to retry queue: %w", err)
	}
	return nil
}
