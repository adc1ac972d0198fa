package canary

import (
	"context"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
)

// Sort keys and entity types of canary items in the shared table.
const (
	KeyPrefix         = "CANARY#"
	TrackingSortKey   = "TRACKING#v1"
	CompletionSortKey = "COMPLETION#v1"

	entityTracking   = "CANARY_TRACKING"
	entityCompletion = "CANARY_COMPLETION"
)

// Default item lifetimes.
const (
	DefaultCompletionTTL = 610 * time.Second
	DefaultTrackingTTL   = 7 * 24 * time.Hour
)

// PutItemAPI is the DynamoDB PutItem operation.
type PutItemAPI interface {
	PutItem(ctx context.Context, params *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
}

type trackingItem struct {
	PK          string `dynamodbav:"PK"`
	SK          string `dynamodbav:"SK"`
	EntityType  string `dynamodbav:"entity_type"`
	CanaryID    string `dynamodbav:"canary_id"`
	Status      string `dynamodbav:"status"`
	SentAt      string `dynamodbav:"sent_at"`
	Environment string `dynamodbav:"environment"`
	TTL         int64  `dynamodbav:"ttl"`
}

type completionItem struct {
	PK          string `dynamodbav:"PK"`
	SK          string `dynamodbav:"SK"`
	EntityType  string `dynamodbav:"entity_type"`
	MessageID   string `dynamodbav:"message_id"`
	Timestamp   int64  `dynamodbav:"timestamp"`
	Environment string `dynamodbav:"environment"`
	TTL         int64  `dynamodbav:"ttl"`
}

// DynamoStore writes canary tracking and completion items. Both expire
// through the table's ttl attribute.
type DynamoStore struct {
	client      PutItemAPI
	table       string
	environment string

	CompletionTTL time.Duration
	TrackingTTL   time.Duration
}

// NewDynamoStore creates a DynamoStore for table.
func NewDynamoStore(client PutItemAPI, table, environment string) *DynamoStore {
	return &DynamoStore{
		client:        client,
		table:         table,
		environment:   environment,
		CompletionTTL: DefaultCompletionTTL,
		TrackingTTL:   DefaultTrackingTTL,
	}
}

// RecordSent stores a pending tracking item for a sent canary.
func (s *DynamoStore) RecordSent(ctx context.Context, r Result) error {
	return s.put(ctx, trackingItem{
		PK:          KeyPrefix + r.CanaryID,
		SK:          TrackingSortKey,
		EntityType:  entityTracking,
		CanaryID:    r.CanaryID,
		Status:      "pending",
		SentAt:      r.SentAt.UTC().Format(time.RFC3339),
		Environment: s.environment,
		TTL:         r.SentAt.Add(s.TrackingTTL).Unix(),
	})
}

// RecordCompletion stores the completion item for a received canary. The
// item is keyed by the SES message id of the inbound copy.
func (s *DynamoStore) RecordCompletion(ctx context.Context, messageID string, at time.Time) error {
	return s.put(ctx, completionItem{
		PK:          KeyPrefix + messageID,
		SK:          CompletionSortKey,
		EntityType:  entityCompletion,
		MessageID:   messageID,
		Timestamp:   at.UnixMilli(),
		Environment: s.environment,
		TTL:         at.Add(s.CompletionTTL).Unix(),
	})
}

func (s *DynamoStore) put(ctx context.Context, v any) error {
	item, err := attributevalue.MarshalMap(v)
	if err != nil {
		return fmt.Errorf("failed to encode canary item: %w", err)
	}
	if _, err := s.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(s.table),
		Item:      item,
	}); err != nil {
		return fmt.Errorf("failed to write canary item to %s: %w", s.table, err)
	}
	return nil
}
