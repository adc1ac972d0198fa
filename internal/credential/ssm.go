package credential

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ssm"
)

// GetParameterAPI is the SSM GetParameter operation.
type GetParameterAPI interface {
	GetParameter(ctx context.Context, params *ssm.GetParameterInput, optFns ...func(*ssm.Options)) (*ssm.GetParameterOutput, error)
}

// SSMSecrets loads Secrets from two SecureString parameters: the refresh
// token and the OAuth client JSON downloaded from the Google console.
type SSMSecrets struct {
	client                 GetParameterAPI
	refreshTokenParam      string
	clientCredentialsParam string
}

// NewSSMSecrets creates an SSMSecrets loader.
func NewSSMSecrets(client GetParameterAPI, refreshTokenParam, clientCredentialsParam string) *SSMSecrets {
	return &SSMSecrets{
		client:                 client,
		refreshTokenParam:      refreshTokenParam,
		clientCredentialsParam: clientCredentialsParam,
	}
}

type clientCredentials struct {
	ClientID     string `json:"client_id"`
	ClientSecret string `json:"client_secret"`
	TokenURI     string `json:"token_uri"`
}

// Load implements SecretsLoader. Parameters are read on every call.
func (s *SSMSecrets) Load(ctx context.Context) (Secrets, error) {
	if s.refreshTokenParam == "" || s.clientCredentialsParam == "" {
		return Secrets{}, errors.New("credential parameters are not configured")
	}

	rawToken, err := s.get(ctx, s.refreshTokenParam)
	if err != nil {
		return Secrets{}, err
	}
	refreshToken, err := parseRefreshToken(rawToken)
	if err != nil {
		return Secrets{}, fmt.Errorf("invalid refresh token in %s: %w", s.refreshTokenParam, err)
	}

	rawCreds, err := s.get(ctx, s.clientCredentialsParam)
	if err != nil {
		return Secrets{}, err
	}
	creds, err := parseClientCredentials(rawCreds)
	if err != nil {
		return Secrets{}, fmt.Errorf("invalid client credentials in %s: %w", s.clientCredentialsParam, err)
	}

	return Secrets{
		RefreshToken: refreshToken,
		ClientID:     creds.ClientID,
		ClientSecret: creds.ClientSecret,
		TokenURL:     creds.TokenURI,
	}, nil
}

func (s *SSMSecrets) get(ctx context.Context, name string) (string, error) {
	out, err := s.client.GetParameter(ctx, &ssm.GetParameterInput{
		Name:           aws.String(name),
		WithDecryption: aws.Bool(true),
	})
	if err != nil {
		return "", fmt.Errorf("failed to read parameter %s: %w", name, err)
	}
	if out.Parameter == nil || out.Parameter.Value == nil {
		return "", fmt.Errorf("parameter %s has no value", name)
	}
	return *out.Parameter.Value, nil
}

// parseRefreshToken accepts either {"token": "..."} or the bare token.
func parseRefreshToken(raw string) (string, error) {
	raw = strings.TrimSpace(raw)
	if strings.HasPrefix(raw, "{") {
		var doc struct {
			Token string `json:"token"`
		}
		if err := json.Unmarshal([]byte(raw), &doc); err != nil {
			return "", err
		}
		raw = doc.Token
	}
	if raw == "" {
		return "", errors.New("empty refresh token")
	}
	return raw, nil
}

// parseClientCredentials accepts Google's "installed" or "web" wrapper, or a
// flat object.
func parseClientCredentials(raw string) (clientCredentials, error) {
	var doc struct {
		Installed *clientCredentials `json:"installed"`
		Web       *clientCredentials `json:"web"`
		clientCredentials
	}
	if err := json.Unmarshal([]byte(raw), &doc); err != nil {
		return clientCredentials{}, err
	}

	creds := doc.clientCredentials
	switch {
	case doc.Installed != nil:
		creds = *doc.Installed
	case doc.Web != nil:
		creds = *doc.Web
	}

	if creds.ClientID == "" || creds.ClientSecret == "" {
		return clientCredentials{}, errors.New("client_id and client_secret are required")
	}
	return creds, nil
}
