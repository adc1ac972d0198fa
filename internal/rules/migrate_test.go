package rules

import (
	"context"
	"errors"
	"testing"

	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func legacyItem(pk, action, target string) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		"PK":          s(pk),
		"SK":          s(RuleSortKey),
		"action":      s(action),
		"target":      s(target),
		"description": s("legacy"),
		"enabled":     &types.AttributeValueMemberBOOL{Value: true},
	}
}

func currentItem(pk string) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		"PK":      s(pk),
		"SK":      s(RuleSortKey),
		"actions": &types.AttributeValueMemberL{Value: []types.AttributeValue{actionItem("store", "")}},
	}
}

func TestMigrate_ConvertsLegacyRules(t *testing.T) {
	t.Parallel()

	mock := &mockDynamoClient{scanPages: [][]map[string]types.AttributeValue{
		{legacyItem("ROUTE#a@x.com", "forward-to-gmail", "me@gmail.com"), currentItem("ROUTE#b@x.com")},
		{{"PK": s("CONFIG#global")}, legacyItem("ROUTE#*", "bounce", "")},
	}}

	stats, err := Migrate(context.Background(), mock, "rules", false)
	require.NoError(t, err)

	assert.Equal(t, MigrationStats{Scanned: 4, Migrated: 2, AlreadyMigrated: 1, SkippedNonRoute: 1}, stats)
	require.Len(t, mock.puts, 2)

	first := mock.puts[0].Item
	assert.NotContains(t, first, "action")
	assert.NotContains(t, first, "target")
	assert.Equal(t, s("legacy"), first["description"], "other attributes are preserved")

	list, ok := first["actions"].(*types.AttributeValueMemberL)
	require.True(t, ok)
	require.Len(t, list.Value, 1)
	entry := list.Value[0].(*types.AttributeValueMemberM).Value
	assert.Equal(t, s("forward-to-gmail"), entry["type"])
	assert.Equal(t, s("me@gmail.com"), entry["target"])

	bounce := mock.puts[1].Item["actions"].(*types.AttributeValueMemberL).Value[0].(*types.AttributeValueMemberM).Value
	assert.NotContains(t, bounce, "target", "empty legacy target is dropped")
}

func TestMigrate_MissingActionBecomesBounce(t *testing.T) {
	t.Parallel()

	item := legacyItem("ROUTE#old@x.com", "", "me@gmail.com")
	delete(item, "action")
	mock := &mockDynamoClient{scanPages: [][]map[string]types.AttributeValue{{item}}}

	stats, err := Migrate(context.Background(), mock, "rules", false)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Migrated)
	require.Len(t, mock.puts, 1)

	entry := mock.puts[0].Item["actions"].(*types.AttributeValueMemberL).Value[0].(*types.AttributeValueMemberM).Value
	assert.Equal(t, s("bounce"), entry["type"])
	assert.Equal(t, s("me@gmail.com"), entry["target"])
}

func TestMigrate_DryRunWritesNothing(t *testing.T) {
	t.Parallel()

	mock := &mockDynamoClient{scanPages: [][]map[string]types.AttributeValue{
		{legacyItem("ROUTE#a@x.com", "store", "")},
	}}

	stats, err := Migrate(context.Background(), mock, "rules", true)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.WouldMigrate)
	assert.Zero(t, stats.Migrated)
	assert.Empty(t, mock.puts)
}

func TestMigrate_PutErrorsCounted(t *testing.T) {
	t.Parallel()

	mock := &mockDynamoClient{
		scanPages: [][]map[string]types.AttributeValue{{legacyItem("ROUTE#a@x.com", "store", "")}},
		putErr:    errors.New("conditional check failed"),
	}

	stats, err := Migrate(context.Background(), mock, "rules", false)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Errors)
	assert.Zero(t, stats.Migrated)
}

func TestMigrate_ScanError(t *testing.T) {
	t.Parallel()

	mock := &mockDynamoClient{scanErr: errors.New("access denied")}
	_, err := Migrate(context.Background(), mock, "rules", false)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to scan rules")
}
