package provenance

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/Conceptual-Machines/nectar-api/internal/apperror"
	"github.com/Conceptual-Machines/nectar-api/internal/models"
	"github.com/Conceptual-Machines/nectar-api/internal/store"
	"gorm.io/datatypes"
)

var relationshipKinds = map[models.ChangeKind]models.RelationshipKind{
	models.ChangePalette:   models.RelationshipPaletteVariation,
	models.ChangeStyle:     models.RelationshipStyleVariation,
	models.ChangeMaterial:  models.RelationshipMaterialVariation,
	models.ChangeLighting:  models.RelationshipLightingVariation,
	models.ChangeFurniture: models.RelationshipFurnitureVariation,
}

// auditSurfaces are the attribute keys snapshotted as original materials
var auditSurfaces = []string{
	models.SurfaceFloor,
	models.SurfaceWalls,
	models.SurfaceCeiling,
	models.SurfaceCountertops,
	models.SurfaceCabinets,
}

// DeriveKind classifies a change list by its first element only.
// Empty lists and unrecognised kinds map to RelationshipDerived.
func DeriveKind(changes []models.Change) models.RelationshipKind {
	if len(changes) == 0 {
		return models.RelationshipDerived
	}
	if kind, ok := relationshipKinds[changes[0].Kind]; ok {
		return kind
	}
	return models.RelationshipDerived
}

// Graph records and reads variation edges through a Store
type Graph struct {
	store store.Store
	now   func() time.Time
}

// NewGraph creates a graph over s
func NewGraph(s store.Store) *Graph {
	return &Graph{store: s, now: time.Now}
}

// Edge describes one derived scene to record
type Edge struct {
	Parent         *models.Scene
	ChildID        string
	Changes        []models.Change
	Prompt         string
	NegativePrompt string
	ModelVersion   string
}

// Record persists the edge from e.Parent to e.ChildID with a snapshot of
// the parent's pre-change style, palette and materials
func (g *Graph) Record(ctx context.Context, e Edge) (*models.VariationRelationship, error) {
	if e.Parent == nil || e.Parent.ID == "" || e.ChildID == "" {
		return nil, apperror.New(apperror.KindValidation, "provenance.Record", "parent and child ids are required")
	}
	if e.Parent.ID == e.ChildID {
		return nil, apperror.New(apperror.KindValidation, "provenance.Record", "a scene cannot derive from itself")
	}

	rel := &models.VariationRelationship{
		ParentSceneID: e.Parent.ID,
		ChildSceneID:  e.ChildID,
		Kind:          DeriveKind(e.Changes),
		Metadata:      datatypes.NewJSONType(Snapshot(e)),
		CreatedAt:     g.now(),
	}
	if err := g.store.CreateRelationship(ctx, rel); err != nil {
		return nil, err
	}
	return rel, nil
}

// Snapshot builds the generation metadata stored on an edge
func Snapshot(e Edge) models.GenerationMetadata {
	meta := models.GenerationMetadata{
		Prompt:         e.Prompt,
		NegativePrompt: e.NegativePrompt,
		ModelVersion:   e.ModelVersion,
		Changes:        models.OverlayStrings(e.Changes),
	}
	if e.Parent == nil {
		return meta
	}

	meta.OriginalStyle = string(e.Parent.Style)
	meta.OriginalPalette = attributeText(e.Parent.Attributes["color_palette"])

	for _, surface := range auditSurfaces {
		material := attributeText(e.Parent.Attributes[surface+"_material"])
		if material == "" {
			if finish, ok := e.Parent.Attributes[surface].(map[string]interface{}); ok {
				material = attributeText(finish["material"])
			}
		}
		if material != "" {
			if meta.OriginalMaterials == nil {
				meta.OriginalMaterials = map[string]string{}
			}
			meta.OriginalMaterials[surface] = material
		}
	}
	return meta
}

// SimilarScenesOf returns every scene one outgoing edge away from sceneID,
// optionally restricted to kind. Reads are chunked to the store's batch
// limit so callers always see the full result.
func (g *Graph) SimilarScenesOf(ctx context.Context, sceneID string, kind models.RelationshipKind) ([]models.Scene, error) {
	if kind != "" && !kind.Valid() {
		return nil, apperror.New(apperror.KindValidation, "provenance.SimilarScenesOf", fmt.Sprintf("unknown relationship kind %q", kind))
	}

	rels, err := g.store.ListRelationships(ctx, sceneID, kind)
	if err != nil {
		return nil, err
	}

	ids := make([]string, 0, len(rels))
	for _, rel := range rels {
		ids = append(ids, rel.ChildSceneID)
	}

	limit := g.store.BatchLimit()
	if limit <= 0 {
		limit = store.DefaultBatchLimit
	}

	scenes := make([]models.Scene, 0, len(ids))
	for start := 0; start < len(ids); start += limit {
		end := min(start+limit, len(ids))
		batch, err := g.store.GetScenes(ctx, ids[start:end])
		if err != nil {
			return nil, err
		}
		scenes = append(scenes, batch...)
	}
	return scenes, nil
}

func attributeText(v interface{}) string {
	switch val := v.(type) {
	case string:
		return val
	case []interface{}:
		parts := make([]string, 0, len(val))
		for _, item := range val {
			if s, ok := item.(string); ok && s != "" {
				parts = append(parts, s)
			}
		}
		return strings.Join(parts, ", ")
	case []string:
		return strings.Join(val, ", ")
	}
	return ""
}
