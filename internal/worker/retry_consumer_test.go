package worker

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/nsqio/go-nsq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"shopsift/apps/ingest/features/event"
	"shopsift/apps/ingest/internal/resilience"
)

type fakeRedriver struct {
	calls []string
	err   error
}

func (f *fakeRedriver) Redrive(_ context.Context, siteID, eventID string) error {
	f.calls = append(f.calls, siteID+"/"+eventID)
	return f.err
}

func retryMessage(t *testing.T, payload event.RetryPayload) *nsq.Message {
	t.Helper()
	body, err := json.Marshal(payload)
	require.NoError(t, err)
	return &nsq.Message{Body: body, ID: nsq.MessageID{'1'}}
}

func TestRetryConsumerRedrives(t *testing.T) {
	redriver := &fakeRedriver{}
	consumer := NewRetryConsumer(redriver, time.Minute)

	err := consumer.HandleMessage(retryMessage(t, event.RetryPayload{SiteID: "site-1", EventID: "evt-1"}))
	assert.NoError(t, err)
	assert.Equal(t, []string{"site-1/evt-1"}, redriver.calls)
}

func TestRetryConsumerPoisonPill(t *testing.T) {
	redriver := &fakeRedriver{}
	consumer := NewRetryConsumer(redriver, time.Minute)

	// Invalid JSON and incomplete payloads are dropped, not requeued.
	err := consumer.HandleMessage(&nsq.Message{Body: []byte("{not json"), ID: nsq.MessageID{'2'}})
	assert.NoError(t, err)

	err = consumer.HandleMessage(retryMessage(t, event.RetryPayload{SiteID: "site-1"}))
	assert.NoError(t, err)

	err = consumer.HandleMessage(&nsq.Message{ID: nsq.MessageID{'3'}})
	assert.NoError(t, err)

	assert.Empty(t, redriver.calls)
}

func TestRetryConsumerRequeuesRetryableFailure(t *testing.T) {
	redriver := &fakeRedriver{err: resilience.MarkRetryable(errors.New("embedder overloaded"))}
	consumer := NewRetryConsumer(redriver, time.Minute)

	err := consumer.HandleMessage(retryMessage(t, event.RetryPayload{SiteID: "site-1", EventID: "evt-1"}))
	assert.Error(t, err)
}

func TestRetryConsumerDropsTerminalFailure(t *testing.T) {
	redriver := &fakeRedriver{err: errors.New("entity gone")}
	consumer := NewRetryConsumer(redriver, time.Minute)

	err := consumer.HandleMessage(retryMessage(t, event.RetryPayload{SiteID: "site-1", EventID: "evt-1"}))
	assert.NoError(t, err)
	assert.Len(t, redriver.calls, 1)
}
