package credential

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"golang.org/x/oauth2"
)

// DefaultTokenURL is Google's OAuth2 token endpoint.
const DefaultTokenURL = "https://oauth2.googleapis.com/token"

// Secrets is the long-lived credential material. It is read-only here.
type Secrets struct {
	RefreshToken string
	ClientID     string
	ClientSecret string
	TokenURL     string
}

// AccessToken is a short-lived bearer token. It is never cached.
type AccessToken struct {
	Token  string
	Expiry time.Time
}

// OAuthExchanger performs the OAuth2 refresh-token grant.
type OAuthExchanger struct {
	httpClient *http.Client
}

// NewOAuthExchanger creates an exchanger. A nil client uses
// http.DefaultClient.
func NewOAuthExchanger(client *http.Client) *OAuthExchanger {
	return &OAuthExchanger{httpClient: client}
}

// Exchange implements TokenExchanger. A rejection by the token endpoint is
// returned as *RefreshError; transport failures are returned as-is.
func (e *OAuthExchanger) Exchange(ctx context.Context, s Secrets) (AccessToken, error) {
	tokenURL := s.TokenURL
	if tokenURL == "" {
		tokenURL = DefaultTokenURL
	}

	conf := &oauth2.Config{
		ClientID:     s.ClientID,
		ClientSecret: s.ClientSecret,
		Endpoint: oauth2.Endpoint{
			TokenURL:  tokenURL,
			AuthStyle: oauth2.AuthStyleInParams,
		},
	}

	if e.httpClient != nil {
		ctx = context.WithValue(ctx, oauth2.HTTPClient, e.httpClient)
	}

	tok, err := conf.TokenSource(ctx, &oauth2.Token{RefreshToken: s.RefreshToken}).Token()
	if err != nil {
		var retrieveErr *oauth2.RetrieveError
		if errors.As(err, &retrieveErr) {
			return AccessToken{}, &RefreshError{Err: err}
		}
		return AccessToken{}, fmt.Errorf("token exchange failed: %w", err)
	}

	return AccessToken{Token: tok.AccessToken, Expiry: tok.Expiry}, nil
}
