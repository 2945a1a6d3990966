package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// RelationshipKind describes how a derived scene relates to its parent
type RelationshipKind string

const (
	RelationshipDerived            RelationshipKind = "derived"
	RelationshipPaletteVariation   RelationshipKind = "palette_variation"
	RelationshipStyleVariation     RelationshipKind = "style_variation"
	RelationshipMaterialVariation  RelationshipKind = "material_variation"
	RelationshipLightingVariation  RelationshipKind = "lighting_variation"
	RelationshipFurnitureVariation RelationshipKind = "furniture_variation"
)

// Valid reports whether k is a known relationship kind
func (k RelationshipKind) Valid() bool {
	switch k {
	case RelationshipDerived, RelationshipPaletteVariation, RelationshipStyleVariation,
		RelationshipMaterialVariation, RelationshipLightingVariation, RelationshipFurnitureVariation:
		return true
	}
	return false
}

// GenerationMetadata records how a derived scene was produced
type GenerationMetadata struct {
	Prompt            string            `json:"prompt"`
	NegativePrompt    string            `json:"negative_prompt,omitempty"`
	ModelVersion      string            `json:"model_version"`
	Changes           map[string]string `json:"changes,omitempty"`
	OriginalStyle     string            `json:"original_style,omitempty"`
	OriginalPalette   string            `json:"original_palette,omitempty"`
	OriginalMaterials map[string]string `json:"original_materials,omitempty"`
}

// VariationRelationship is a provenance edge from a parent scene to a derived one.
// ChildSceneID is unique so every child has exactly one parent edge.
type VariationRelationship struct {
	ID            string                                 `gorm:"primaryKey;size:36" json:"id,omitempty"`
	ParentSceneID string                                 `gorm:"size:36;not null;index:idx_relationship_parent_kind" json:"parent_scene_id"`
	ChildSceneID  string                                 `gorm:"size:36;not null;uniqueIndex" json:"child_scene_id"`
	Kind          RelationshipKind                       `gorm:"size:32;not null;index:idx_relationship_parent_kind" json:"type"`
	Metadata      datatypes.JSONType[GenerationMetadata] `gorm:"type:jsonb" json:"generation_metadata"`
	CreatedAt     time.Time                              `json:"timestamp"`
}

// BeforeCreate assigns an id to relationships that do not have one yet
func (r *VariationRelationship) BeforeCreate(_ *gorm.DB) error {
	if r.ID == "" {
		r.ID = uuid.New().String()
	}
	return nil
}
