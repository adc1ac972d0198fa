package credential

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"golang.org/x/oauth2"
)

type statusErr struct {
	code int
}

func (e *statusErr) Error() string       { return fmt.Sprintf("HTTP %d", e.code) }
func (e *statusErr) HTTPStatusCode() int { return e.code }

func TestClassify(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		err  error
		want ErrorClass
	}{
		{name: "nil", err: nil, want: ClassOther},
		{name: "refresh error", err: &RefreshError{Err: errors.New("x")}, want: ClassCredentialExpired},
		{name: "wrapped refresh error", err: fmt.Errorf("deliver: %w", &RefreshError{Err: errors.New("x")}), want: ClassCredentialExpired},
		{name: "oauth2 retrieve error", err: &oauth2.RetrieveError{ErrorCode: "invalid_client"}, want: ClassCredentialExpired},
		{name: "status 401", err: &statusErr{code: 401}, want: ClassCredentialExpired},
		{name: "status 403", err: &statusErr{code: 403}, want: ClassCredentialExpired},
		{name: "wrapped status 401", err: fmt.Errorf("import: %w", &statusErr{code: 401}), want: ClassCredentialExpired},
		{name: "status 500", err: &statusErr{code: 500}, want: ClassOther},
		{name: "status 429", err: &statusErr{code: 429}, want: ClassOther},
		{name: "unrelated", err: errors.New("connection reset by peer"), want: ClassOther},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.want, Classify(tt.err))
		})
	}
}

func TestClassify_Keywords(t *testing.T) {
	t.Parallel()

	for _, kw := range expiredKeywords {
		t.Run(kw, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, ClassCredentialExpired, Classify(fmt.Errorf("upstream said: %s", kw)))
		})
	}

	assert.Equal(t, ClassCredentialExpired, Classify(errors.New("Token has been EXPIRED or revoked")))
	assert.Equal(t, ClassCredentialExpired, Classify(errors.New("HTTP 401 Unauthorized")))
}

func TestErrorClassString(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "token_expired", ClassCredentialExpired.String())
	assert.Equal(t, "other", ClassOther.String())
}
