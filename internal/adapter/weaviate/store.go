package weaviate

import (
	"context"
	"fmt"

	"github.com/weaviate/weaviate-go-client/v5/weaviate"
	"github.com/weaviate/weaviate-go-client/v5/weaviate/filters"
	"github.com/weaviate/weaviate-go-client/v5/weaviate/graphql"
	"github.com/weaviate/weaviate/entities/models"

	"shopsift/apps/ingest/internal/ingest"
	"shopsift/apps/ingest/internal/vector"
)

// hashPageSize bounds one GraphQL page when listing chunk hashes.
const hashPageSize = 200

// Store persists embedding chunks in Weaviate. It implements
// ingest.VectorStore.
type Store struct {
	client *weaviate.Client
}

func NewStore(client *weaviate.Client) *Store {
	return &Store{client: client}
}

func (s *Store) StoreChunks(ctx context.Context, chunks []ingest.StoredChunk) error {
	if len(chunks) == 0 {
		return nil
	}

	objects := make([]*models.Object, 0, len(chunks))
	for _, chunk := range chunks {
		objects = append(objects, &models.Object{
			Class: vector.ClassName,
			Properties: map[string]interface{}{
				"content":         chunk.Text,
				"siteId":          chunk.SiteID,
				"entityType":      chunk.EntityType,
				"entityId":        chunk.EntityID,
				"chunkIndex":      chunk.ChunkIndex,
				"chunkHash":       chunk.ChunkHash,
				"fullContentHash": chunk.FullContentHash,
				"model":           chunk.Model,
				"version":         chunk.Version,
				"startChar":       chunk.StartChar,
				"endChar":         chunk.EndChar,
			},
			Vector: chunk.Vector,
		})
	}

	res, err := s.client.Batch().ObjectsBatcher().
		WithObjects(objects...).
		Do(ctx)
	if err != nil {
		return err
	}
	for _, obj := range res {
		if obj.Result != nil && obj.Result.Errors != nil && len(obj.Result.Errors.Error) > 0 {
			return fmt.Errorf("batch store error: %s", obj.Result.Errors.Error[0].Message)
		}
	}
	return nil
}

func (s *Store) DeleteByEntity(ctx context.Context, siteID, entityType, entityID string) error {
	_, err := s.client.Batch().ObjectsBatchDeleter().
		WithClassName(vector.ClassName).
		WithOutput("minimal").
		WithWhere(entityFilter(siteID, entityType, entityID)).
		Do(ctx)
	return err
}

// ChunkHashes returns the set of chunk hashes already stored for the entity,
// across all versions. Pages through results so large entities are covered.
func (s *Store) ChunkHashes(ctx context.Context, siteID, entityType, entityID string) (map[string]bool, error) {
	hashes := make(map[string]bool)
	fields := []graphql.Field{{Name: "chunkHash"}}

	for offset := 0; ; offset += hashPageSize {
		res, err := s.client.GraphQL().Get().
			WithClassName(vector.ClassName).
			WithWhere(entityFilter(siteID, entityType, entityID)).
			WithFields(fields...).
			WithLimit(hashPageSize).
			WithOffset(offset).
			Do(ctx)
		if err != nil {
			return nil, err
		}
		if len(res.Errors) > 0 {
			return nil, fmt.Errorf("graphql error: %v", res.Errors)
		}

		page := extractObjects(res.Data)
		for _, props := range page {
			if hash, ok := props["chunkHash"].(string); ok && hash != "" {
				hashes[hash] = true
			}
		}
		if len(page) < hashPageSize {
			return hashes, nil
		}
	}
}

func (s *Store) HasFullContentHash(ctx context.Context, siteID, entityType, entityID, hash string) (bool, error) {
	where := filters.Where().
		WithOperator(filters.And).
		WithOperands([]*filters.WhereBuilder{
			entityFilter(siteID, entityType, entityID),
			filters.Where().
				WithPath([]string{"fullContentHash"}).
				WithOperator(filters.Equal).
				WithValueString(hash),
		})

	res, err := s.client.GraphQL().Get().
		WithClassName(vector.ClassName).
		WithWhere(where).
		WithFields(graphql.Field{Name: "chunkIndex"}).
		WithLimit(1).
		Do(ctx)
	if err != nil {
		return false, err
	}
	if len(res.Errors) > 0 {
		return false, fmt.Errorf("graphql error: %v", res.Errors)
	}
	return len(extractObjects(res.Data)) > 0, nil
}

// LatestVersion reports the highest stored version for the entity, 0 when
// nothing is stored yet.
func (s *Store) LatestVersion(ctx context.Context, siteID, entityType, entityID string) (int, error) {
	res, err := s.client.GraphQL().Get().
		WithClassName(vector.ClassName).
		WithWhere(entityFilter(siteID, entityType, entityID)).
		WithFields(graphql.Field{Name: "version"}).
		WithSort(graphql.Sort{Path: []string{"version"}, Order: graphql.Desc}).
		WithLimit(1).
		Do(ctx)
	if err != nil {
		return 0, err
	}
	if len(res.Errors) > 0 {
		return 0, fmt.Errorf("graphql error: %v", res.Errors)
	}

	objects := extractObjects(res.Data)
	if len(objects) == 0 {
		return 0, nil
	}
	if v, ok := objects[0]["version"].(float64); ok {
		return int(v), nil
	}
	return 0, nil
}

func entityFilter(siteID, entityType, entityID string) *filters.WhereBuilder {
	return filters.Where().
		WithOperator(filters.And).
		WithOperands([]*filters.WhereBuilder{
			filters.Where().
				WithPath([]string{"siteId"}).
				WithOperator(filters.Equal).
				WithValueString(siteID),
			filters.Where().
				WithPath([]string{"entityType"}).
				WithOperator(filters.Equal).
				WithValueString(entityType),
			filters.Where().
				WithPath([]string{"entityId"}).
				WithOperator(filters.Equal).
				WithValueString(entityID),
		})
}

// extractObjects unwraps the Get response into per-object property maps.
func extractObjects(data map[string]models.JSONObject) []map[string]interface{} {
	get, ok := data["Get"].(map[string]interface{})
	if !ok {
		return nil
	}
	raw, ok := get[vector.ClassName].([]interface{})
	if !ok {
		return nil
	}
	objects := make([]map[string]interface{}, 0, len(raw))
	for _, item := range raw {
		if props, ok := item.(map[string]interface{}); ok {
			objects = append(objects, props)
		}
	}
	return objects
}
