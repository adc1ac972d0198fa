package credential

import (
	"errors"
	"fmt"
	"net/http"
	"strings"

	"golang.org/x/oauth2"
)

// ErrorClass is the classification of a failed delivery attempt.
type ErrorClass int

const (
	ClassOther ErrorClass = iota
	ClassCredentialExpired
)

// String returns the label written to retry envelopes and metrics.
func (c ErrorClass) String() string {
	if c == ClassCredentialExpired {
		return "token_expired"
	}
	return "other"
}

// expiredKeywords are matched case-insensitively against error messages from
// libraries that do not expose a typed error or status code.
var expiredKeywords = []string{
	"invalid_grant",
	"token has been expired",
	"token expired",
	"invalid credentials",
	"credentials have expired",
	"unauthorized",
	"authentication failed",
}

// RefreshError reports that the token endpoint rejected the refresh secret.
type RefreshError struct {
	Err error
}

func (e *RefreshError) Error() string {
	return fmt.Sprintf("credential refresh rejected: %v", e.Err)
}

func (e *RefreshError) Unwrap() error {
	return e.Err
}

// statusCoder is implemented by errors carrying an HTTP status, such as
// gmail.APIError and smithy-go response errors.
type statusCoder interface {
	HTTPStatusCode() int
}

// Classify decides whether err means the outbound credential has expired or
// been revoked. Everything else is ClassOther.
func Classify(err error) ErrorClass {
	if err == nil {
		return ClassOther
	}

	var refreshErr *RefreshError
	if errors.As(err, &refreshErr) {
		return ClassCredentialExpired
	}

	var retrieveErr *oauth2.RetrieveError
	if errors.As(err, &retrieveErr) {
		return ClassCredentialExpired
	}

	var sc statusCoder
	if errors.As(err, &sc) {
		switch sc.HTTPStatusCode() {
		case http.StatusUnauthorized, http.StatusForbidden:
			return ClassCredentialExpired
		}
	}

	msg := strings.ToLower(err.Error())
	for _, kw := range expiredKeywords {
		if strings.Contains(msg, kw) {
			return ClassCredentialExpired
		}
	}

	return ClassOther
}
