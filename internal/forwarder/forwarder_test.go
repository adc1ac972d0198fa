package forwarder

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"testing"
	"time"

	awshttp "github.com/aws/aws-sdk-go-v2/aws/transport/http"
	smithyhttp "github.com/aws/smithy-go/transport/http"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shineum/ses-mail-router/internal/batch"
	"github.com/shineum/ses-mail-router/internal/credential"
	"github.com/shineum/ses-mail-router/internal/dispatch"
	"github.com/shineum/ses-mail-router/internal/email"
)

type memStore struct {
	objects  map[string][]byte
	fetchErr error
	fetches  int
	deleted  []string
}

func (s *memStore) Fetch(_ context.Context, ref email.ObjectRef) ([]byte, error) {
	s.fetches++
	if s.fetchErr != nil {
		return nil, s.fetchErr
	}
	data, ok := s.objects[ref.String()]
	if !ok {
		return nil, errors.New("object not found")
	}
	return data, nil
}

func (s *memStore) Delete(_ context.Context, ref email.ObjectRef) error {
	s.deleted = append(s.deleted, ref.String())
	return nil
}

type recordingImporter struct {
	tokens []string
	err    error
}

func (r *recordingImporter) Import(_ context.Context, token string, _ []byte) (string, error) {
	if r.err != nil {
		return "", r.err
	}
	r.tokens = append(r.tokens, token)
	return "gmail-id", nil
}

type staticSecrets struct{}

func (staticSecrets) Load(context.Context) (credential.Secrets, error) {
	return credential.Secrets{RefreshToken: "rt", ClientID: "id", ClientSecret: "secret"}, nil
}

type fakeExchanger struct{ err error }

func (f fakeExchanger) Exchange(context.Context, credential.Secrets) (credential.AccessToken, error) {
	if f.err != nil {
		return credential.AccessToken{}, f.err
	}
	return credential.AccessToken{Token: "access", Expiry: time.Now().Add(time.Hour)}, nil
}

type recordingChannel struct{ envs []credential.RetryEnvelope }

func (r *recordingChannel) Enqueue(_ context.Context, env credential.RetryEnvelope) error {
	r.envs = append(r.envs, env)
	return nil
}

var object = email.ObjectRef{Bucket: "mail", Key: "emails/ses-1"}

func record(t *testing.T, id string, m dispatch.Message, attempts string) batch.Record {
	t.Helper()
	body, err := json.Marshal(m)
	require.NoError(t, err)
	rec := batch.Record{MessageID: id, Body: string(body)}
	if attempts != "" {
		rec.MessageAttributes = map[string]batch.Attribute{
			credential.AttrAttemptCount: {DataType: "Number", StringValue: attempts},
		}
	}
	return rec
}

func forwardMessage(retain bool, targets ...string) dispatch.Message {
	m := dispatch.Message{
		ID:                "d-1",
		OriginalMessageID: "ses-1",
		Source:            "sender@example.org",
		Object:            object,
		Action:            "forward-to-gmail",
		Count:             len(targets),
		RetainObject:      retain,
	}
	for _, tgt := range targets {
		m.Items = append(m.Items, dispatch.Item{Recipient: "r@example.com", Target: tgt})
	}
	return m
}

func newForwarder(store *memStore, imp *recordingImporter, ex fakeExchanger, ch *recordingChannel) *Forwarder {
	return New(store, imp, credential.NewGuard(staticSecrets{}, ex, ch))
}

func newStore() *memStore {
	return &memStore{objects: map[string][]byte{object.String(): []byte("Subject: hi\r\n\r\nbody")}}
}

func TestHandle_ImportsEveryTargetAndDeletes(t *testing.T) {
	store := newStore()
	imp := &recordingImporter{}
	f := newForwarder(store, imp, fakeExchanger{}, &recordingChannel{})

	resp := f.Handle(context.Background(), []batch.Record{
		record(t, "r1", forwardMessage(false, "a@gmail.com", "b@gmail.com", "a@gmail.com"), ""),
	})

	assert.Empty(t, resp.Failed())
	assert.Equal(t, []string{"access", "access"}, imp.tokens)
	assert.Equal(t, 1, store.fetches)
	assert.Equal(t, []string{"s3://mail/emails/ses-1"}, store.deleted)
}

func TestHandle_RetainedObjectIsKept(t *testing.T) {
	store := newStore()
	f := newForwarder(store, &recordingImporter{}, fakeExchanger{}, &recordingChannel{})

	resp := f.Handle(context.Background(), []batch.Record{
		record(t, "r1", forwardMessage(true, "a@gmail.com"), ""),
	})

	assert.Empty(t, resp.Failed())
	assert.Empty(t, store.deleted)
}

func TestHandle_ExpiredCredentialDefers(t *testing.T) {
	store := newStore()
	imp := &recordingImporter{}
	ch := &recordingChannel{}
	f := newForwarder(store, imp, fakeExchanger{err: &credential.RefreshError{Err: errors.New("invalid_grant")}}, ch)

	rec := record(t, "r1", forwardMessage(false, "a@gmail.com"), "2")
	resp := f.Handle(context.Background(), []batch.Record{rec})

	assert.Empty(t, resp.Failed())
	assert.Empty(t, imp.tokens)
	assert.Empty(t, store.deleted)

	require.Len(t, ch.envs, 1)
	assert.Equal(t, []byte(rec.Body), ch.envs[0].Payload)
	assert.Equal(t, 3, ch.envs[0].AttemptCount)
	assert.Equal(t, credential.ClassCredentialExpired, ch.envs[0].ErrorClass)
}

func TestHandle_ImportFailureReportsRecord(t *testing.T) {
	store := newStore()
	ch := &recordingChannel{}
	f := newForwarder(store, &recordingImporter{err: errors.New("gmail: status 400")}, fakeExchanger{}, ch)

	resp := f.Handle(context.Background(), []batch.Record{
		record(t, "r1", forwardMessage(false, "a@gmail.com"), ""),
	})

	assert.Equal(t, []string{"r1"}, resp.Failed())
	assert.Empty(t, store.deleted)
	assert.Empty(t, ch.envs)
}

func TestHandle_StorageAccessDeniedIsNotRetried(t *testing.T) {
	store := newStore()
	store.fetchErr = &awshttp.ResponseError{
		ResponseError: &smithyhttp.ResponseError{
			Response: &smithyhttp.Response{Response: &http.Response{StatusCode: http.StatusForbidden}},
			Err:      errors.New("api error AccessDenied: Access Denied"),
		},
	}
	imp := &recordingImporter{}
	ch := &recordingChannel{}
	f := newForwarder(store, imp, fakeExchanger{}, ch)

	resp := f.Handle(context.Background(), []batch.Record{
		record(t, "r1", forwardMessage(false, "a@gmail.com"), ""),
	})

	assert.Equal(t, []string{"r1"}, resp.Failed())
	assert.Empty(t, ch.envs)
	assert.Empty(t, imp.tokens)
	assert.Empty(t, store.deleted)
}

func TestHandle_InvalidRecords(t *testing.T) {
	f := newForwarder(newStore(), &recordingImporter{}, fakeExchanger{}, &recordingChannel{})

	noTargets := forwardMessage(false)
	noObject := forwardMessage(false, "a@gmail.com")
	noObject.Object = email.ObjectRef{}

	resp := f.Handle(context.Background(), []batch.Record{
		{MessageID: "malformed", Body: "{"},
		record(t, "no-targets", noTargets, ""),
		record(t, "no-object", noObject, ""),
	})

	assert.Equal(t, []string{"malformed", "no-targets", "no-object"}, resp.Failed())
}
