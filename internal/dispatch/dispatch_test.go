package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shineum/ses-mail-router/internal/email"
	"github.com/shineum/ses-mail-router/internal/routing"
)

// mockSQSClient implements SendMessageAPI for testing.
type mockSQSClient struct {
	err    error
	inputs []*sqs.SendMessageInput
}

func (m *mockSQSClient) SendMessage(_ context.Context, params *sqs.SendMessageInput, _ ...func(*sqs.Options)) (*sqs.SendMessageOutput, error) {
	m.inputs = append(m.inputs, params)
	if m.err != nil {
		return nil, m.err
	}
	return &sqs.SendMessageOutput{}, nil
}

type recordingPublisher struct {
	got []*Message
}

func (r *recordingPublisher) Publish(_ context.Context, m *Message) error {
	r.got = append(r.got, m)
	return nil
}

var inbound = &email.InboundMessage{
	ID:      "ses-1",
	Source:  "sender@example.org",
	Subject: "hi",
	Object:  email.ObjectRef{Bucket: "b", Key: "emails/ses-1"},
}

func TestBuild(t *testing.T) {
	t.Parallel()

	batches := map[routing.ActionType]*routing.Batch{
		routing.ActionStore: {Count: 1, Items: []routing.Item{{Recipient: "a@x.com", MatchedRule: "ROUTE#a@x.com"}}},
		routing.ActionForward: {Count: 2, Items: []routing.Item{
			{Recipient: "a@x.com", Target: "g1@gmail.com", MatchedRule: "ROUTE#a@x.com"},
			{Recipient: "b@x.com", Target: "g1@gmail.com", MatchedRule: "ROUTE#*@x.com"},
		}},
		routing.ActionBounce: {Count: 1, Items: []routing.Item{{Recipient: "c@x.com", Reason: routing.ReasonPolicy, MatchedRule: "ROUTE#*"}}},
	}

	msgs := Build(inbound, batches)
	require.Len(t, msgs, 3)

	assert.Equal(t, "bounce", msgs[0].Action)
	assert.Equal(t, "forward-to-gmail", msgs[1].Action)
	assert.Equal(t, "store", msgs[2].Action)

	for _, m := range msgs {
		assert.Equal(t, "ses-1", m.OriginalMessageID)
		assert.Equal(t, inbound.Object, m.Object)
		assert.True(t, m.RetainObject)
		_, err := uuid.Parse(m.ID)
		assert.NoError(t, err)
	}

	assert.Equal(t, "policy", msgs[0].Items[0].Reason)
	assert.Equal(t, 2, msgs[1].Count)
	assert.Equal(t, []string{"g1@gmail.com"}, msgs[1].Targets())
}

func TestBuild_NoStoreMeansNoRetain(t *testing.T) {
	t.Parallel()

	msgs := Build(inbound, map[routing.ActionType]*routing.Batch{
		routing.ActionForward: {Count: 1, Items: []routing.Item{{Recipient: "a@x.com", Target: "g"}}},
	})
	require.Len(t, msgs, 1)
	assert.False(t, msgs[0].RetainObject)
}

func TestBuild_SharedObjectRetained(t *testing.T) {
	t.Parallel()

	msgs := Build(inbound, map[routing.ActionType]*routing.Batch{
		routing.ActionForward: {Count: 1, Items: []routing.Item{{Recipient: "a@x.com", Target: "g"}}},
		routing.ActionJMAP:    {Count: 1, Items: []routing.Item{{Recipient: "b@x.com", Target: "acct-1"}}},
	})
	require.Len(t, msgs, 2)
	assert.Equal(t, "deliver-to-jmap", msgs[0].Action)
	for _, m := range msgs {
		assert.True(t, m.RetainObject, m.Action)
	}
}

func TestBuild_RetentionByConsumers(t *testing.T) {
	t.Parallel()

	item := &routing.Batch{Count: 1, Items: []routing.Item{{Recipient: "a@x.com", Target: "t"}}}
	tests := []struct {
		name    string
		actions []routing.ActionType
		retain  bool
	}{
		{"single consumer", []routing.ActionType{routing.ActionJMAP}, false},
		{"consumer and bounce", []routing.ActionType{routing.ActionForward, routing.ActionBounce}, false},
		{"canary and forward", []routing.ActionType{routing.ActionCanary, routing.ActionForward}, true},
		{"store only", []routing.ActionType{routing.ActionStore}, true},
	}
	for _, tt := range tests {
		batches := make(map[routing.ActionType]*routing.Batch)
		for _, a := range tt.actions {
			batches[a] = item
		}
		for _, m := range Build(inbound, batches) {
			assert.Equal(t, tt.retain, m.RetainObject, "%s: %s", tt.name, m.Action)
		}
	}
}

func TestSQSPublisher(t *testing.T) {
	t.Parallel()

	mock := &mockSQSClient{}
	m := Build(inbound, map[routing.ActionType]*routing.Batch{
		routing.ActionForward: {Count: 1, Items: []routing.Item{{Recipient: "a@x.com", Target: "g"}}},
	})[0]

	require.NoError(t, NewSQSPublisher(mock, "https://sqs/forward").Publish(context.Background(), m))
	require.Len(t, mock.inputs, 1)

	in := mock.inputs[0]
	assert.Equal(t, "https://sqs/forward", *in.QueueUrl)
	assert.Equal(t, "forward-to-gmail", *in.MessageAttributes["action"].StringValue)
	assert.Equal(t, m.ID, *in.MessageAttributes["dispatchId"].StringValue)

	var decoded map[string]any
	require.NoError(t, json.Unmarshal([]byte(*in.MessageBody), &decoded))
	assert.Equal(t, "ses-1", decoded["originalMessageId"])
	assert.Equal(t, map[string]any{"bucket": "b", "key": "emails/ses-1"}, decoded["object"])
	items := decoded["items"].([]any)
	assert.Equal(t, "g", items[0].(map[string]any)["target"])
}

func TestSQSPublisher_Error(t *testing.T) {
	t.Parallel()

	boom := errors.New("queue does not exist")
	err := NewSQSPublisher(&mockSQSClient{err: boom}, "q").Publish(context.Background(), &Message{Action: "bounce"})
	assert.ErrorIs(t, err, boom)
}

func TestChannels(t *testing.T) {
	t.Parallel()

	forward := &recordingPublisher{}
	fallback := &recordingPublisher{}

	c := NewChannels(fallback)
	c.Register("forward-to-gmail", forward)

	require.NoError(t, c.Publish(context.Background(), &Message{Action: "forward-to-gmail"}))
	require.NoError(t, c.Publish(context.Background(), &Message{Action: "store"}))

	assert.Len(t, forward.got, 1)
	assert.Len(t, fallback.got, 1)

	err := NewChannels(nil).Publish(context.Background(), &Message{Action: "archive"})
	assert.ErrorIs(t, err, ErrNoChannel)

	assert.NoError(t, LogPublisher{}.Publish(context.Background(), &Message{Action: "store"}))
}
