package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/sqs/types"
)

// ErrNoChannel is returned when no channel serves an action type.
var ErrNoChannel = errors.New("no dispatch channel for action")

// Publisher delivers a dispatch message to its worker.
type Publisher interface {
	Publish(ctx context.Context, m *Message) error
}

// SendMessageAPI is the SQS SendMessage operation.
type SendMessageAPI interface {
	SendMessage(ctx context.Context, params *sqs.SendMessageInput, optFns ...func(*sqs.Options)) (*sqs.SendMessageOutput, error)
}

// SQSPublisher sends dispatch messages as JSON to one SQS queue.
type SQSPublisher struct {
	client   SendMessageAPI
	queueURL string
}

// NewSQSPublisher creates a publisher for queueURL.
func NewSQSPublisher(client SendMessageAPI, queueURL string) *SQSPublisher {
	return &SQSPublisher{client: client, queueURL: queueURL}
}

// Publish implements Publisher.
func (p *SQSPublisher) Publish(ctx context.Context, m *Message) error {
	body, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("failed to encode dispatch message: %w", err)
	}

	_, err = p.client.SendMessage(ctx, &sqs.SendMessageInput{
		QueueUrl:    aws.String(p.queueURL),
		MessageBody: aws.String(string(body)),
		MessageAttributes: map[string]types.MessageAttributeValue{
			"action": {
				DataType:    aws.String("String"),
				StringValue: aws.String(m.Action),
			},
			"dispatchId": {
				DataType:    aws.String("String"),
				StringValue: aws.String(m.ID),
			},
		},
	})
	if err != nil {
		return fmt.Errorf("failed to publish %s message: %w", m.Action, err)
	}
	return nil
}

// LogPublisher logs and drops messages. It serves action types whose
// outcome is already complete at routing time, such as store.
type LogPublisher struct{}

// Publish implements Publisher.
func (LogPublisher) Publish(_ context.Context, m *Message) error {
	slog.Info("dispatch message accepted without worker",
		"action", m.Action,
		"message_id", m.OriginalMessageID,
		"count", m.Count,
	)
	return nil
}

// Channels routes each message to the publisher registered for its action.
type Channels struct {
	byAction map[string]Publisher
	fallback Publisher
}

// NewChannels creates a router. fallback serves unregistered actions and may
// be nil, in which case they fail with ErrNoChannel.
func NewChannels(fallback Publisher) *Channels {
	return &Channels{byAction: make(map[string]Publisher), fallback: fallback}
}

// Register sets the publisher for action.
func (c *Channels) Register(action string, p Publisher) {
	c.byAction[action] = p
}

// Publish implements Publisher.
func (c *Channels) Publish(ctx context.Context, m *Message) error {
	p, ok := c.byAction[m.Action]
	if !ok {
		p = c.fallback
	}
	if p == nil {
		return fmt.Errorf("%w: %s", ErrNoChannel, m.Action)
	}
	return p.Publish(ctx, m)
}
