package event

import (
	"time"
)

// Event statuses. An event is created in StatusProcessing before any
// side-effecting work begins and transitions exactly once to a terminal
// status when the orchestrator finishes.
const (
	StatusProcessing = "processing"
	StatusCompleted  = "completed"
	StatusFailed     = "failed"
	StatusRetryable  = "retryable"
)

// Webhook event types.
const (
	TypeProductUpdated = "product.updated"
	TypeProductDeleted = "product.deleted"
	TypePageUpdated    = "page.updated"
	TypePageDeleted    = "page.deleted"
	TypePolicyUpdated  = "policy.updated"
)

// Entity types.
const (
	EntityProduct = "product"
	EntityPage    = "page"
	EntityPolicy  = "policy"
)

// Event is one inbound change notification. EventID is the caller-supplied
// idempotency key, unique per site.
type Event struct {
	ID           string         `json:"id"`
	SiteID       string         `json:"site_id"`
	EventID      string         `json:"event_id"`
	EventType    string         `json:"event_type"`
	EntityType   string         `json:"entity_type"`
	EntityID     string         `json:"entity_id"`
	OccurredAt   time.Time      `json:"occurred_at"`
	Status       string         `json:"status"`
	ErrorMessage string         `json:"error_message,omitempty"`
	Metadata     map[string]any `json:"metadata,omitempty"`
	CreatedAt    time.Time      `json:"created_at"`
	ProcessedAt  *time.Time     `json:"processed_at,omitempty"`
}

// ValidType reports whether t is a known webhook event type.
func ValidType(t string) bool {
	switch t {
	case TypeProductUpdated, TypeProductDeleted, TypePageUpdated, TypePageDeleted, TypePolicyUpdated:
		return true
	}
	return false
}

// ValidEntityType reports whether t is a known entity type.
func ValidEntityType(t string) bool {
	switch t {
	case EntityProduct, EntityPage, EntityPolicy:
		return true
	}
	return false
}

// IsDeletion reports whether the event type removes an entity. Deletion
// events skip fetch and embedding entirely.
func IsDeletion(eventType string) bool {
	return eventType == TypeProductDeleted || eventType == TypePageDeleted
}
