package rules

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"github.com/shineum/ses-mail-router/internal/routing"
)

// MigrateAPI is the subset of the DynamoDB client used by Migrate.
type MigrateAPI interface {
	Scan(ctx context.Context, params *dynamodb.ScanInput, optFns ...func(*dynamodb.Options)) (*dynamodb.ScanOutput, error)
	PutItem(ctx context.Context, params *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
}

// MigrationStats summarizes a Migrate run.
type MigrationStats struct {
	Scanned         int
	Migrated        int
	WouldMigrate    int
	AlreadyMigrated int
	SkippedNonRoute int
	Errors          int
}

// Migrate rewrites every legacy `action`/`target` rule in table to the
// `actions` list encoding. Attributes other than action and target are kept.
// With dryRun set nothing is written.
func Migrate(ctx context.Context, client MigrateAPI, table string, dryRun bool) (MigrationStats, error) {
	var stats MigrationStats

	paginator := dynamodb.NewScanPaginator(client, &dynamodb.ScanInput{
		TableName: aws.String(table),
	})

	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return stats, fmt.Errorf("failed to scan %s: %w", table, err)
		}

		for _, item := range page.Items {
			stats.Scanned++
			pk := stringAttr(item, "PK")

			if !strings.HasPrefix(pk, routing.KeyPrefix) {
				stats.SkippedNonRoute++
				continue
			}

			var rec record
			if err := attributevalue.UnmarshalMap(item, &rec); err != nil {
				stats.Errors++
				slog.Error("failed to decode rule", "pk", pk, "error", err)
				continue
			}

			if !rec.legacy() {
				stats.AlreadyMigrated++
				continue
			}

			updated, err := convertItem(item, &rec, time.Now())
			if err != nil {
				stats.Errors++
				slog.Error("failed to convert rule", "pk", pk, "error", err)
				continue
			}

			if dryRun {
				stats.WouldMigrate++
				slog.Info("would migrate rule",
					"pk", pk,
					"action", rec.Action,
					"target", rec.Target,
				)
				continue
			}

			if _, err := client.PutItem(ctx, &dynamodb.PutItemInput{
				TableName: aws.String(table),
				Item:      updated,
			}); err != nil {
				stats.Errors++
				slog.Error("failed to write migrated rule", "pk", pk, "error", err)
				continue
			}
			stats.Migrated++
			slog.Info("migrated rule", "pk", pk)
		}
	}

	return stats, nil
}

// convertItem copies item, replacing action/target with an actions list.
func convertItem(item map[string]types.AttributeValue, rec *record, now time.Time) (map[string]types.AttributeValue, error) {
	migrated := *rec
	migrated.migrate(now)

	actions, err := attributevalue.Marshal(migrated.Actions)
	if err != nil {
		return nil, fmt.Errorf("failed to encode actions: %w", err)
	}

	out := make(map[string]types.AttributeValue, len(item)+1)
	for k, v := range item {
		if k == "action" || k == "target" {
			continue
		}
		out[k] = v
	}
	out["actions"] = actions
	out["updated_at"] = &types.AttributeValueMemberS{Value: migrated.UpdatedAt}
	return out, nil
}

func stringAttr(item map[string]types.AttributeValue, name string) string {
	if v, ok := item[name].(*types.AttributeValueMemberS); ok {
		return v.Value
	}
	return ""
}
