package store

import (
	"context"

	"github.com/Conceptual-Machines/nectar-api/internal/models"
)

// DefaultBatchLimit bounds the ids sent in one GetScenes call
const DefaultBatchLimit = 100

// Store is the durable home of scenes and their provenance edges.
// Each method is a single atomic write or read; there are no multi-object
// transactions.
type Store interface {
	// CreateScene persists scene and returns its assigned id
	CreateScene(ctx context.Context, scene *models.Scene) (string, error)
	// GetScene fails with a not_found apperror when id is unknown
	GetScene(ctx context.Context, id string) (*models.Scene, error)
	CreateRelationship(ctx context.Context, rel *models.VariationRelationship) error
	// ListRelationships returns the outgoing edges of parentID; an empty kind matches all
	ListRelationships(ctx context.Context, parentID string, kind models.RelationshipKind) ([]models.VariationRelationship, error)
	// GetScenes loads at most BatchLimit ids; unknown ids are skipped
	GetScenes(ctx context.Context, ids []string) ([]models.Scene, error)
	BatchLimit() int
	Ping(ctx context.Context) error
}
