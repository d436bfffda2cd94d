package event

import (
	"context"
	"encoding/json"
	"fmt"

	"shopsift/apps/ingest/internal/config"
	"shopsift/apps/ingest/internal/middleware"
)

type EventPublisher interface {
	Publish(topic string, body []byte) error
}

// RetryPayload is the NSQ message that asks the retry worker to re-drive one
// event.
type RetryPayload struct {
	SiteID        string `json:"site_id"`
	EventID       string `json:"event_id"`
	CorrelationID string `json:"correlation_id,omitempty"`
}

type Service struct {
	repo Repository
	pub  EventPublisher
}

func NewService(repo Repository, pub EventPublisher) *Service {
	return &Service{repo: repo, pub: pub}
}

func (s *Service) List(ctx context.Context, siteID string, limit int) ([]Event, error) {
	return s.repo.List(ctx, siteID, limit)
}

func (s *Service) Get(ctx context.Context, siteID, eventID string) (*Event, error) {
	return s.repo.Get(ctx, siteID, eventID)
}

// Retry queues a retryable event for redelivery. Events in any other state
// are rejected: completed work must not run twice and failed work will not
// self-heal.
func (s *Service) Retry(ctx context.Context, siteID, eventID string) error {
	ev, err := s.repo.Get(ctx, siteID, eventID)
	if err != nil {
		return err
	}
	if ev.Status != StatusRetryable {
		return fmt.Errorf("event %s is %s, only retryable events can be requeued", eventID, ev.Status)
	}

	payload, err := json.Marshal(RetryPayload{
		SiteID:        siteID,
		EventID:       eventID,
		CorrelationID: middleware.GetCorrelationID(ctx),
	})
	if err != nil {
		return err
	}
	return s.pub.Publish(config.TopicIngestRetry, payload)
}
