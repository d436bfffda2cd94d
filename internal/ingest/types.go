package ingest

import (
	"context"
)

// Document is the canonical embeddable text for one storefront entity,
// flattened by the fetcher from the entity's fields.
type Document struct {
	EntityType string
	EntityID   string
	Text       string
}

// Fetcher retrieves the current content of an entity from the storefront
// content API.
type Fetcher interface {
	FetchDocument(ctx context.Context, siteID, entityType, entityID string) (*Document, error)
}

// EmbedResult is one provider call's output. TotalTokens is the aggregate
// count the provider reports for the whole batch.
type EmbedResult struct {
	Vectors     [][]float32
	TotalTokens int
}

// Embedder is the embedding-generation collaborator. Inputs are batched by
// the caller; the provider enforces per-request size limits and rate limits.
type Embedder interface {
	EmbedBatch(ctx context.Context, model string, inputs []string) (*EmbedResult, error)
}

// StoredChunk is one vector row. Rows are append-only: a re-ingestion writes
// only the changed chunks at a higher version instead of mutating existing
// ones, so the current state of an entity is the union of its chunk hashes
// across all versions. Readers must not assume the highest version alone
// reconstructs the document.
type StoredChunk struct {
	SiteID          string
	EntityType      string
	EntityID        string
	ChunkIndex      int
	Text            string
	Vector          []float32
	Model           string
	Version         int
	ChunkHash       string
	FullContentHash string
	StartChar       int
	EndChar         int
}

// VectorStore persists embedding chunks and answers the dedup queries the
// pipeline needs.
type VectorStore interface {
	StoreChunks(ctx context.Context, chunks []StoredChunk) error
	DeleteByEntity(ctx context.Context, siteID, entityType, entityID string) error
	ChunkHashes(ctx context.Context, siteID, entityType, entityID string) (map[string]bool, error)
	HasFullContentHash(ctx context.Context, siteID, entityType, entityID, hash string) (bool, error)
	LatestVersion(ctx context.Context, siteID, entityType, entityID string) (int, error)
}
