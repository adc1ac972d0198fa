package rules

import (
	"context"
	"errors"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"github.com/shineum/ses-mail-router/internal/routing"
)

// GetItemAPI is the DynamoDB GetItem operation used by DynamoStore.
type GetItemAPI interface {
	GetItem(ctx context.Context, params *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
}

// DynamoStore reads routing rules from a DynamoDB table keyed by
// PK=ROUTE#<pattern>, SK=RULE#v1.
type DynamoStore struct {
	client GetItemAPI
	table  string
}

// NewDynamoStore creates a DynamoStore for table.
func NewDynamoStore(client GetItemAPI, table string) *DynamoStore {
	return &DynamoStore{client: client, table: table}
}

// Get implements routing.RuleStore. Reads are eventually consistent.
func (s *DynamoStore) Get(ctx context.Context, key string) (*routing.Rule, error) {
	out, err := s.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName: aws.String(s.table),
		Key: map[string]types.AttributeValue{
			"PK": &types.AttributeValueMemberS{Value: key},
			"SK": &types.AttributeValueMemberS{Value: RuleSortKey},
		},
		ConsistentRead: aws.Bool(false),
	})
	if err != nil {
		var notFound *types.ResourceNotFoundException
		if errors.As(err, &notFound) {
			return nil, fmt.Errorf("rules table %s not found: %w", s.table, err)
		}
		return nil, fmt.Errorf("failed to get rule %s: %w", key, err)
	}

	if len(out.Item) == 0 {
		return nil, nil
	}

	var rec record
	if err := attributevalue.UnmarshalMap(out.Item, &rec); err != nil {
		return nil, fmt.Errorf("failed to decode rule %s: %w", key, err)
	}

	return rec.toRule(key), nil
}
