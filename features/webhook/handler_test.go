package webhook_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"shopsift/apps/ingest/features/event"
	"shopsift/apps/ingest/features/webhook"
	"shopsift/apps/ingest/internal/auth"
	"shopsift/apps/ingest/internal/ingest"
)

const (
	testSiteID = "site-1"
	testSecret = "super-secret"
)

type stubSites struct{}

func (stubSites) GetCredentials(_ context.Context, siteID string) (*auth.SiteCredentials, error) {
	if siteID != testSiteID {
		return nil, nil
	}
	return &auth.SiteCredentials{SiteID: testSiteID, Secret: testSecret, Active: true}, nil
}

type stubPipeline struct {
	lastEvent *event.Event
	result    *ingest.Result
	err       error
}

func (s *stubPipeline) Ingest(_ context.Context, ev *event.Event) (*ingest.Result, error) {
	s.lastEvent = ev
	if s.err != nil {
		return nil, s.err
	}
	if s.result != nil {
		return s.result, nil
	}
	return &ingest.Result{Status: ingest.StatusProcessed, EventID: ev.EventID}, nil
}

func newHandler(pipeline *stubPipeline) *webhook.Handler {
	nonces := auth.NewMemoryNonceStore(10*time.Minute, 0)
	validator := auth.NewValidator(stubSites{}, nonces, 5*time.Minute)
	return webhook.NewHandler(validator, pipeline)
}

func signedRequest(t *testing.T, body []byte, nonce string) *http.Request {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/webhooks/storefront", bytes.NewReader(body))
	timestamp := fmt.Sprintf("%d", time.Now().Unix())
	req.Header.Set(auth.HeaderSite, testSiteID)
	req.Header.Set(auth.HeaderTimestamp, timestamp)
	req.Header.Set(auth.HeaderNonce, nonce)
	req.Header.Set(auth.HeaderSignature,
		auth.SignBase64(http.MethodPost, "/webhooks/storefront", timestamp, nonce, body, testSecret))
	return req
}

func validBody(t *testing.T) []byte {
	t.Helper()
	body, err := json.Marshal(webhook.Payload{
		EventID:    "evt-1",
		Event:      event.TypeProductUpdated,
		EntityType: event.EntityProduct,
		EntityID:   "prod-1",
		OccurredAt: time.Now().UTC().Format(time.RFC3339),
	})
	require.NoError(t, err)
	return body
}

func TestReceiveProcessed(t *testing.T) {
	pipeline := &stubPipeline{}
	handler := newHandler(pipeline)

	rec := httptest.NewRecorder()
	handler.Receive(rec, signedRequest(t, validBody(t), "nonce-1"))

	assert.Equal(t, http.StatusOK, rec.Code)

	var resp map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "processed", resp["status"])
	assert.Equal(t, "evt-1", resp["event_id"])

	require.NotNil(t, pipeline.lastEvent)
	assert.Equal(t, testSiteID, pipeline.lastEvent.SiteID)
	assert.Equal(t, event.TypeProductUpdated, pipeline.lastEvent.EventType)
}

func TestReceiveDuplicate(t *testing.T) {
	pipeline := &stubPipeline{result: &ingest.Result{Status: ingest.StatusDuplicate, EventID: "evt-1"}}
	handler := newHandler(pipeline)

	rec := httptest.NewRecorder()
	handler.Receive(rec, signedRequest(t, validBody(t), "nonce-1"))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"duplicate"`)
}

func TestReceiveBadSignature(t *testing.T) {
	pipeline := &stubPipeline{}
	handler := newHandler(pipeline)

	req := signedRequest(t, validBody(t), "nonce-1")
	req.Header.Set(auth.HeaderSignature, "AAAA")

	rec := httptest.NewRecorder()
	handler.Receive(rec, req)

	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Contains(t, rec.Body.String(), "FORBIDDEN")
	assert.Nil(t, pipeline.lastEvent, "pipeline must not run for unauthenticated calls")
}

func TestReceiveMissingHeaders(t *testing.T) {
	handler := newHandler(&stubPipeline{})

	req := httptest.NewRequest(http.MethodPost, "/webhooks/storefront", bytes.NewReader(validBody(t)))
	rec := httptest.NewRecorder()
	handler.Receive(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "MISSING_REQUIRED_FIELD")
}

func TestReceiveInvalidPayload(t *testing.T) {
	handler := newHandler(&stubPipeline{})

	cases := []struct {
		name    string
		mutate  func(*webhook.Payload)
		message string
	}{
		{"MissingEventID", func(p *webhook.Payload) { p.EventID = "" }, "event_id is required"},
		{"UnknownEventType", func(p *webhook.Payload) { p.Event = "order.created" }, "unknown event type"},
		{"UnknownEntityType", func(p *webhook.Payload) { p.EntityType = "order" }, "unknown entity type"},
		{"BadTimestamp", func(p *webhook.Payload) { p.OccurredAt = "yesterday" }, "occurred_at must be RFC 3339"},
	}
	for i, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			payload := webhook.Payload{
				EventID:    "evt-1",
				Event:      event.TypePageUpdated,
				EntityType: event.EntityPage,
				EntityID:   "page-1",
				OccurredAt: time.Now().UTC().Format(time.RFC3339),
			}
			tc.mutate(&payload)
			body, err := json.Marshal(payload)
			require.NoError(t, err)

			rec := httptest.NewRecorder()
			handler.Receive(rec, signedRequest(t, body, fmt.Sprintf("nonce-%d", i)))

			assert.Equal(t, http.StatusBadRequest, rec.Code)
			assert.Contains(t, rec.Body.String(), tc.message)
		})
	}
}

func TestReceiveMalformedJSON(t *testing.T) {
	handler := newHandler(&stubPipeline{})

	body := []byte("{not json")
	rec := httptest.NewRecorder()
	handler.Receive(rec, signedRequest(t, body, "nonce-1"))

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "VALIDATION_ERROR")
}

func TestReceiveReplayRejected(t *testing.T) {
	handler := newHandler(&stubPipeline{})
	body := validBody(t)

	rec := httptest.NewRecorder()
	handler.Receive(rec, signedRequest(t, body, "nonce-replayed"))
	require.Equal(t, http.StatusOK, rec.Code)

	rec = httptest.NewRecorder()
	handler.Receive(rec, signedRequest(t, body, "nonce-replayed"))
	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Contains(t, rec.Body.String(), "NONCE_REUSED")
}

func TestReceiveIngestionFailure(t *testing.T) {
	pipeline := &stubPipeline{err: errors.New("vector store unavailable")}
	handler := newHandler(pipeline)

	rec := httptest.NewRecorder()
	handler.Receive(rec, signedRequest(t, validBody(t), "nonce-1"))

	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Contains(t, rec.Body.String(), "INGESTION_FAILED")
}
