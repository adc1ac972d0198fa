package rules

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shineum/ses-mail-router/internal/routing"
)

// mockDynamoClient implements GetItemAPI and MigrateAPI for testing.
type mockDynamoClient struct {
	getFn     func(ctx context.Context, params *dynamodb.GetItemInput) (*dynamodb.GetItemOutput, error)
	scanPages [][]map[string]types.AttributeValue
	scanErr   error
	putErr    error

	lastGet *dynamodb.GetItemInput
	puts    []*dynamodb.PutItemInput
	scans   int
}

func (m *mockDynamoClient) GetItem(ctx context.Context, params *dynamodb.GetItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error) {
	m.lastGet = params
	if m.getFn != nil {
		return m.getFn(ctx, params)
	}
	return &dynamodb.GetItemOutput{}, nil
}

func (m *mockDynamoClient) Scan(_ context.Context, params *dynamodb.ScanInput, _ ...func(*dynamodb.Options)) (*dynamodb.ScanOutput, error) {
	if m.scanErr != nil {
		return nil, m.scanErr
	}
	page := m.scans
	m.scans++
	out := &dynamodb.ScanOutput{Items: m.scanPages[page]}
	if page+1 < len(m.scanPages) {
		out.LastEvaluatedKey = map[string]types.AttributeValue{
			"PK": &types.AttributeValueMemberS{Value: "cursor"},
		}
	}
	return out, nil
}

func (m *mockDynamoClient) PutItem(_ context.Context, params *dynamodb.PutItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error) {
	m.puts = append(m.puts, params)
	if m.putErr != nil {
		return nil, m.putErr
	}
	return &dynamodb.PutItemOutput{}, nil
}

func s(v string) types.AttributeValue { return &types.AttributeValueMemberS{Value: v} }

func actionItem(typ, target string) types.AttributeValue {
	m := map[string]types.AttributeValue{"type": s(typ)}
	if target != "" {
		m["target"] = s(target)
	}
	return &types.AttributeValueMemberM{Value: m}
}

func returning(item map[string]types.AttributeValue) func(context.Context, *dynamodb.GetItemInput) (*dynamodb.GetItemOutput, error) {
	return func(context.Context, *dynamodb.GetItemInput) (*dynamodb.GetItemOutput, error) {
		return &dynamodb.GetItemOutput{Item: item}, nil
	}
}

func TestDynamoStore_SingleActionList(t *testing.T) {
	t.Parallel()

	mock := &mockDynamoClient{getFn: returning(map[string]types.AttributeValue{
		"PK":          s("ROUTE#test@example.com"),
		"SK":          s(RuleSortKey),
		"actions":     &types.AttributeValueMemberL{Value: []types.AttributeValue{actionItem("forward-to-gmail", "me@gmail.com")}},
		"enabled":     &types.AttributeValueMemberBOOL{Value: true},
		"description": s("Test rule"),
		"created_at":  s("2024-01-01T00:00:00Z"),
		"updated_at":  s("2024-01-02T00:00:00Z"),
		"metadata":    s("{}"),
	})}

	rule, err := NewDynamoStore(mock, "rules").Get(context.Background(), "ROUTE#test@example.com")
	require.NoError(t, err)
	require.NotNil(t, rule)

	assert.Equal(t, []routing.ActionSpec{{Type: routing.ActionForward, Target: "me@gmail.com"}}, rule.Actions)
	assert.True(t, rule.Enabled)
	assert.Equal(t, "Test rule", rule.Description)
	assert.Equal(t, time.Date(2024, 1, 2, 0, 0, 0, 0, time.UTC), rule.UpdatedAt)

	assert.Equal(t, "rules", *mock.lastGet.TableName)
	assert.Equal(t, s("ROUTE#test@example.com"), mock.lastGet.Key["PK"])
	assert.Equal(t, s(RuleSortKey), mock.lastGet.Key["SK"])
	assert.False(t, *mock.lastGet.ConsistentRead)
}

func TestDynamoStore_MultiActionList(t *testing.T) {
	t.Parallel()

	mock := &mockDynamoClient{getFn: returning(map[string]types.AttributeValue{
		"PK": s("ROUTE#*@example.com"),
		"actions": &types.AttributeValueMemberL{Value: []types.AttributeValue{
			actionItem("forward-to-gmail", "me@gmail.com"),
			actionItem("store", ""),
		}},
		"enabled": &types.AttributeValueMemberBOOL{Value: true},
	})}

	rule, err := NewDynamoStore(mock, "rules").Get(context.Background(), "ROUTE#*@example.com")
	require.NoError(t, err)
	assert.Equal(t, []routing.ActionSpec{
		{Type: routing.ActionForward, Target: "me@gmail.com"},
		{Type: routing.ActionStore},
	}, rule.Actions)
}

func TestDynamoStore_LegacyEncodingNormalized(t *testing.T) {
	t.Parallel()

	mock := &mockDynamoClient{getFn: returning(map[string]types.AttributeValue{
		"PK":      s("ROUTE#test@example.com"),
		"action":  s("forward-to-gmail"),
		"target":  s("me@gmail.com"),
		"enabled": &types.AttributeValueMemberBOOL{Value: true},
	})}

	rule, err := NewDynamoStore(mock, "rules").Get(context.Background(), "ROUTE#test@example.com")
	require.NoError(t, err)
	assert.Equal(t, []routing.ActionSpec{{Type: routing.ActionForward, Target: "me@gmail.com"}}, rule.Actions)
}

func TestDynamoStore_BounceRuleCarriesPolicyReason(t *testing.T) {
	t.Parallel()

	mock := &mockDynamoClient{getFn: returning(map[string]types.AttributeValue{
		"PK":     s("ROUTE#*"),
		"action": s("bounce"),
	})}

	rule, err := NewDynamoStore(mock, "rules").Get(context.Background(), "ROUTE#*")
	require.NoError(t, err)
	assert.True(t, rule.Enabled, "missing enabled flag means enabled")
	assert.Equal(t, []routing.ActionSpec{{Type: routing.ActionBounce, Reason: routing.ReasonPolicy}}, rule.Actions)
}

func TestDynamoStore_LegacyTargetWithoutActionBounces(t *testing.T) {
	t.Parallel()

	mock := &mockDynamoClient{getFn: returning(map[string]types.AttributeValue{
		"PK":     s("ROUTE#old@example.com"),
		"target": s("me@gmail.com"),
	})}

	rule, err := NewDynamoStore(mock, "rules").Get(context.Background(), "ROUTE#old@example.com")
	require.NoError(t, err)
	assert.Equal(t, []routing.ActionSpec{
		{Type: routing.ActionBounce, Target: "me@gmail.com", Reason: routing.ReasonPolicy},
	}, rule.Actions)
}

func TestDynamoStore_DisabledRule(t *testing.T) {
	t.Parallel()

	mock := &mockDynamoClient{getFn: returning(map[string]types.AttributeValue{
		"PK":      s("ROUTE#a@x.com"),
		"actions": &types.AttributeValueMemberL{Value: []types.AttributeValue{actionItem("store", "")}},
		"enabled": &types.AttributeValueMemberBOOL{Value: false},
	})}

	rule, err := NewDynamoStore(mock, "rules").Get(context.Background(), "ROUTE#a@x.com")
	require.NoError(t, err)
	assert.False(t, rule.Enabled)
}

func TestDynamoStore_NotFound(t *testing.T) {
	t.Parallel()

	rule, err := NewDynamoStore(&mockDynamoClient{}, "rules").Get(context.Background(), "ROUTE#nobody@x.com")
	require.NoError(t, err)
	assert.Nil(t, rule)
}

func TestDynamoStore_Errors(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		err     error
		contain string
	}{
		{name: "missing table", err: &types.ResourceNotFoundException{Message: new(string)}, contain: "not found"},
		{name: "throttled", err: errors.New("ProvisionedThroughputExceeded"), contain: "failed to get rule"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			mock := &mockDynamoClient{getFn: func(context.Context, *dynamodb.GetItemInput) (*dynamodb.GetItemOutput, error) {
				return nil, tt.err
			}}
			_, err := NewDynamoStore(mock, "rules").Get(context.Background(), "ROUTE#a@x.com")
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.contain)
			assert.ErrorIs(t, err, tt.err)
		})
	}
}
