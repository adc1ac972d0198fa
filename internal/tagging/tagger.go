// Package tagging annotates stored raw messages with S3 object tags
// describing how they were routed. Tagging is best effort: a missing object
// is skipped and failures are logged and counted, never propagated.
package tagging

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"

	"github.com/shineum/ses-mail-router/internal/email"
	"github.com/shineum/ses-mail-router/internal/metrics"
)

// MaxTags is the S3 limit on tags per object.
const MaxTags = 10

// ErrTooManyTags is returned when more than MaxTags tags are requested.
var ErrTooManyTags = errors.New("too many tags")

// Result is the outcome of a tagging attempt.
type Result int

const (
	ResultTagged Result = iota
	ResultSkipped
	ResultFailed
)

func (r Result) String() string {
	switch r {
	case ResultTagged:
		return "tagged"
	case ResultSkipped:
		return "skipped"
	default:
		return "error"
	}
}

// PutObjectTaggingAPI is the S3 PutObjectTagging operation.
type PutObjectTaggingAPI interface {
	PutObjectTagging(ctx context.Context, params *s3.PutObjectTaggingInput, optFns ...func(*s3.Options)) (*s3.PutObjectTaggingOutput, error)
}

// Tagger writes object tags. The zero value is not usable; use New.
type Tagger struct {
	client PutObjectTaggingAPI
}

// New creates a Tagger over client.
func New(client PutObjectTaggingAPI) *Tagger {
	return &Tagger{client: client}
}

// Tag replaces the tag set of ref with kv. Values are sanitized to
// MaxValueLength. Keys are written in sorted order.
func (t *Tagger) Tag(ctx context.Context, ref email.ObjectRef, kv map[string]string) (Result, error) {
	if len(kv) > MaxTags {
		return ResultFailed, fmt.Errorf("%w: %d > %d", ErrTooManyTags, len(kv), MaxTags)
	}

	keys := make([]string, 0, len(kv))
	for k := range kv {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	tags := make([]types.Tag, 0, len(keys))
	for _, k := range keys {
		tags = append(tags, types.Tag{
			Key:   aws.String(k),
			Value: aws.String(Sanitize(kv[k], MaxValueLength, false)),
		})
	}

	_, err := t.client.PutObjectTagging(ctx, &s3.PutObjectTaggingInput{
		Bucket:  aws.String(ref.Bucket),
		Key:     aws.String(ref.Key),
		Tagging: &types.Tagging{TagSet: tags},
	})
	if err != nil {
		if isNoSuchKey(err) {
			return ResultSkipped, nil
		}
		return ResultFailed, fmt.Errorf("failed to tag %s: %w", ref, err)
	}
	return ResultTagged, nil
}

// TagAsync tags ref in the background and marks wg done when finished. The
// outcome is logged and counted. Each invocation owns its wg, so concurrent
// invocations sharing one Tagger never wait on each other.
func (t *Tagger) TagAsync(ctx context.Context, wg *sync.WaitGroup, ref email.ObjectRef, kv map[string]string) {
	wg.Add(1)
	go func() {
		defer wg.Done()

		result, err := t.Tag(ctx, ref, kv)
		metrics.TaggingOperations.WithLabelValues(result.String()).Inc()

		switch result {
		case ResultFailed:
			slog.Warn("failed to tag object", "object", ref.String(), "error", err)
		case ResultSkipped:
			slog.Info("object not found, skipping tags", "object", ref.String())
		default:
			slog.Debug("tagged object", "object", ref.String(), "tags", len(kv))
		}
	}()
}

func isNoSuchKey(err error) bool {
	var nsk *types.NoSuchKey
	if errors.As(err, &nsk) {
		return true
	}
	var apiErr smithy.APIError
	return errors.As(err, &apiErr) && apiErr.ErrorCode() == "NoSuchKey"
}
