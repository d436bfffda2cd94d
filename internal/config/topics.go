package config

const (
	// TopicIngestRetry carries retryable events back to the orchestrator for
	// a later redelivery attempt.
	TopicIngestRetry = "ingest.retry"
)
