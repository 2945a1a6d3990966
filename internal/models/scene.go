package models

import (
	"errors"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// SceneCategory is the kind of room a scene depicts
type SceneCategory string

const (
	CategoryKitchen      SceneCategory = "Kitchen"
	CategoryLivingRoom   SceneCategory = "Living Room"
	CategoryDiningRoom   SceneCategory = "Dining Room"
	CategoryBathroom     SceneCategory = "Bathroom"
	CategoryBedroom      SceneCategory = "Bedroom"
	CategoryHomeOffice   SceneCategory = "Home Office"
	CategoryCoffeeShop   SceneCategory = "Coffee Shop"
	CategoryOffice       SceneCategory = "Office"
	CategoryHallway      SceneCategory = "Hallway"
	CategoryGarden       SceneCategory = "Garden"
	CategoryOutdoorPatio SceneCategory = "Outdoor Patio"
	CategoryStudyRoom    SceneCategory = "Study Room"
	CategoryNursery      SceneCategory = "Nursery"
)

var sceneCategories = map[SceneCategory]bool{
	CategoryKitchen: true, CategoryLivingRoom: true, CategoryDiningRoom: true,
	CategoryBathroom: true, CategoryBedroom: true, CategoryHomeOffice: true,
	CategoryCoffeeShop: true, CategoryOffice: true, CategoryHallway: true,
	CategoryGarden: true, CategoryOutdoorPatio: true, CategoryStudyRoom: true,
	CategoryNursery: true,
}

// Valid reports whether c is one of the known categories
func (c SceneCategory) Valid() bool {
	return sceneCategories[c]
}

// SceneStyle is the interior design style of a scene
type SceneStyle string

const (
	StyleModern           SceneStyle = "modern"
	StyleContemporary     SceneStyle = "contemporary"
	StyleTraditional      SceneStyle = "traditional"
	StyleMinimalist       SceneStyle = "minimalist"
	StyleIndustrial       SceneStyle = "industrial"
	StyleScandinavian     SceneStyle = "scandinavian"
	StyleMidCenturyModern SceneStyle = "mid_century_modern"
	StyleBohemian         SceneStyle = "bohemian"
	StyleRustic           SceneStyle = "rustic"
	StyleCoastal          SceneStyle = "coastal"
	StyleNeoclassical     SceneStyle = "neoclassical"
	StyleArtDeco          SceneStyle = "art_deco"
	StyleEclectic         SceneStyle = "eclectic"
	StyleFarmhouse        SceneStyle = "farmhouse"
	StyleMediterranean    SceneStyle = "mediterranean"
	StyleAsian            SceneStyle = "asian"
	StyleTransitional     SceneStyle = "transitional"
	StyleImperial         SceneStyle = "imperial"
	StyleVintage          SceneStyle = "vintage"
	StyleLuxury           SceneStyle = "luxury"
)

var sceneStyles = map[SceneStyle]bool{
	StyleModern: true, StyleContemporary: true, StyleTraditional: true,
	StyleMinimalist: true, StyleIndustrial: true, StyleScandinavian: true,
	StyleMidCenturyModern: true, StyleBohemian: true, StyleRustic: true,
	StyleCoastal: true, StyleNeoclassical: true, StyleArtDeco: true,
	StyleEclectic: true, StyleFarmhouse: true, StyleMediterranean: true,
	StyleAsian: true, StyleTransitional: true, StyleImperial: true,
	StyleVintage: true, StyleLuxury: true,
}

// Valid reports whether s is one of the known styles
func (s SceneStyle) Valid() bool {
	return sceneStyles[s]
}

// Scene is a room description subject to variation.
// ParentSceneID is a lookup key into the store, not an ownership pointer.
type Scene struct {
	ID               string            `gorm:"primaryKey;size:36" json:"id,omitempty"`
	Category         SceneCategory     `gorm:"size:64;not null;index" json:"category"`
	Style            SceneStyle        `gorm:"size:64;not null;index" json:"style"`
	Attributes       datatypes.JSONMap `gorm:"type:jsonb" json:"attributes,omitempty"`
	Title            string            `gorm:"not null" json:"title"`
	Description      string            `gorm:"type:text" json:"description"`
	ImageURL         string            `gorm:"type:text" json:"image_url"`
	IsOriginal       bool              `gorm:"not null;index" json:"is_original"`
	GenerationPrompt string            `gorm:"type:text" json:"generation_prompt,omitempty"`
	ParentSceneID    string            `gorm:"size:36;index" json:"parent_scene_id,omitempty"`
	Views            int               `gorm:"default:0" json:"views"`
	Saves            int               `gorm:"default:0" json:"saves"`
	CreatedAt        time.Time         `json:"created_at"`
}

// BeforeCreate assigns an id to scenes that do not have one yet
func (s *Scene) BeforeCreate(_ *gorm.DB) error {
	if s.ID == "" {
		s.ID = uuid.New().String()
	}
	return nil
}

var (
	ErrUnknownCategory      = errors.New("unknown scene category")
	ErrUnknownStyle         = errors.New("unknown scene style")
	ErrMissingTitle         = errors.New("scene title is required")
	ErrDerivedWithoutPrompt = errors.New("derived scene requires a generation prompt")
	ErrDerivedWithoutParent = errors.New("derived scene requires a parent scene id")
)

// Validate checks the scene invariants
func (s *Scene) Validate() error {
	if !s.Category.Valid() {
		return ErrUnknownCategory
	}
	if !s.Style.Valid() {
		return ErrUnknownStyle
	}
	if s.Title == "" {
		return ErrMissingTitle
	}
	if !s.IsOriginal {
		if s.GenerationPrompt == "" {
			return ErrDerivedWithoutPrompt
		}
		if s.ParentSceneID == "" {
			return ErrDerivedWithoutParent
		}
	}
	return nil
}

// CloneAttributes returns a shallow copy of the scene attributes so a derived
// scene never shares the parent's map
func (s *Scene) CloneAttributes() datatypes.JSONMap {
	cloned := make(datatypes.JSONMap, len(s.Attributes))
	for k, v := range s.Attributes {
		cloned[k] = v
	}
	return cloned
}
