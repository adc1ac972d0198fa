package jmap

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ssm"
)

// URLSource yields the base URL of the JMAP API gateway.
type URLSource interface {
	URL(ctx context.Context) (string, error)
}

// StaticURL is a fixed API base URL.
type StaticURL string

// URL implements URLSource.
func (u StaticURL) URL(context.Context) (string, error) {
	if u == "" {
		return "", errors.New("JMAP API URL is not configured")
	}
	return string(u), nil
}

// GetParameterAPI is the SSM GetParameter operation.
type GetParameterAPI interface {
	GetParameter(ctx context.Context, params *ssm.GetParameterInput, optFns ...func(*ssm.Options)) (*ssm.GetParameterOutput, error)
}

// SSMURL reads the API base URL from an SSM parameter once and caches it
// for the life of the process. Failed reads are not cached.
type SSMURL struct {
	client GetParameterAPI
	name   string

	mu  sync.Mutex
	url string
}

// NewSSMURL creates an SSMURL for the parameter name.
func NewSSMURL(client GetParameterAPI, name string) *SSMURL {
	return &SSMURL{client: client, name: name}
}

// URL implements URLSource.
func (s *SSMURL) URL(ctx context.Context) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.url != "" {
		return s.url, nil
	}
	if s.name == "" {
		return "", errors.New("JMAP API URL parameter is not configured")
	}

	out, err := s.client.GetParameter(ctx, &ssm.GetParameterInput{Name: aws.String(s.name)})
	if err != nil {
		return "", fmt.Errorf("failed to load JMAP API URL from %s: %w", s.name, err)
	}
	if out.Parameter == nil || strings.TrimSpace(aws.ToString(out.Parameter.Value)) == "" {
		return "", fmt.Errorf("parameter %s has no value", s.name)
	}

	s.url = strings.TrimSpace(*out.Parameter.Value)
	slog.Info("loaded JMAP API URL", "parameter", s.name, "url", s.url)
	return s.url, nil
}
