// Package storage reads and removes raw messages kept in S3.
package storage

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"

	"github.com/shineum/ses-mail-router/internal/email"
)

// ErrNotFound is returned when the raw object does not exist.
var ErrNotFound = errors.New("object not found")

// ObjectAPI is the subset of the S3 client used by S3.
type ObjectAPI interface {
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	DeleteObject(ctx context.Context, params *s3.DeleteObjectInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectOutput, error)
}

// S3 fetches and deletes raw message objects.
type S3 struct {
	client ObjectAPI
}

// NewS3 creates an S3 store.
func NewS3(client ObjectAPI) *S3 {
	return &S3{client: client}
}

// Fetch returns the full raw message at ref.
func (s *S3) Fetch(ctx context.Context, ref email.ObjectRef) ([]byte, error) {
	body, _, err := s.Open(ctx, ref)
	if err != nil {
		return nil, err
	}
	defer body.Close()

	data, err := io.ReadAll(body)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", ref, err)
	}
	return data, nil
}

// Open streams the raw message at ref and reports its size, or -1 when S3
// did not send one. The caller closes the body.
func (s *S3) Open(ctx context.Context, ref email.ObjectRef) (io.ReadCloser, int64, error) {
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(ref.Bucket),
		Key:    aws.String(ref.Key),
	})
	if err != nil {
		var nsk *types.NoSuchKey
		if errors.As(err, &nsk) {
			return nil, 0, fmt.Errorf("%w: %s", ErrNotFound, ref)
		}
		return nil, 0, fmt.Errorf("failed to fetch %s: %w", ref, err)
	}

	size := int64(-1)
	if out.ContentLength != nil {
		size = *out.ContentLength
	}
	return out.Body, size, nil
}

// Delete removes the object at ref. Deleting a missing object succeeds.
func (s *S3) Delete(ctx context.Context, ref email.ObjectRef) error {
	_, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(ref.Bucket),
		Key:    aws.String(ref.Key),
	})
	if err != nil {
		return fmt.Errorf("failed to delete %s: %w", ref, err)
	}
	return nil
}
