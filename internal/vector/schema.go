package vector

import (
	"context"

	"github.com/weaviate/weaviate/entities/models"
)

// ClassName is the Weaviate class every embedding chunk lives in.
const ClassName = "EmbeddingChunk"

// SchemaClient defines the interface for Weaviate schema operations
type SchemaClient interface {
	ClassExists(ctx context.Context, className string) (bool, error)
	CreateClass(ctx context.Context, class *models.Class) error
	GetClass(ctx context.Context, className string) (*models.Class, error)
	AddProperty(ctx context.Context, className string, property *models.Property) error
}

// EnsureSchema checks if the embedding chunk class exists and creates it if
// not. An existing class gets any missing properties added, so upgrades only
// ever extend the schema.
func EnsureSchema(ctx context.Context, client SchemaClient) error {
	exists, err := client.ClassExists(ctx, ClassName)
	if err != nil {
		return err
	}

	properties := []*models.Property{
		{
			Name:     "content",
			DataType: []string{"text"},
		},
		{
			Name:     "siteId",
			DataType: []string{"string"}, // exact match
		},
		{
			Name:     "entityType",
			DataType: []string{"string"},
		},
		{
			Name:     "entityId",
			DataType: []string{"string"},
		},
		{
			Name:     "chunkIndex",
			DataType: []string{"int"},
		},
		{
			Name:     "chunkHash",
			DataType: []string{"string"},
		},
		{
			Name:     "fullContentHash",
			DataType: []string{"string"},
		},
		{
			Name:     "model",
			DataType: []string{"string"},
		},
		{
			Name:     "version",
			DataType: []string{"int"},
		},
		{
			Name:     "startChar",
			DataType: []string{"int"},
		},
		{
			Name:     "endChar",
			DataType: []string{"int"},
		},
	}

	if !exists {
		class := &models.Class{
			Class:       ClassName,
			Description: "A chunk of embeddable storefront content",
			Vectorizer:  "none",
			Properties:  properties,
		}
		return client.CreateClass(ctx, class)
	}

	class, err := client.GetClass(ctx, ClassName)
	if err != nil {
		return err
	}

	existingProps := make(map[string]bool)
	for _, p := range class.Properties {
		existingProps[p.Name] = true
	}

	for _, p := range properties {
		if !existingProps[p.Name] {
			if err := client.AddProperty(ctx, ClassName, p); err != nil {
				return err
			}
		}
	}

	return nil
}
