package handlers

import (
	"context"
	"net/http"

	"github.com/Conceptual-Machines/nectar-api/internal/logger"
	"github.com/Conceptual-Machines/nectar-api/internal/models"
	"github.com/gin-gonic/gin"
)

// SceneStore is the subset of the store the scene endpoints need
type SceneStore interface {
	CreateScene(ctx context.Context, scene *models.Scene) (string, error)
	GetScene(ctx context.Context, id string) (*models.Scene, error)
}

// SimilarFinder reads the provenance graph
type SimilarFinder interface {
	SimilarScenesOf(ctx context.Context, sceneID string, kind models.RelationshipKind) ([]models.Scene, error)
}

type SceneHandler struct {
	store SceneStore
	graph SimilarFinder
}

func NewSceneHandler(store SceneStore, graph SimilarFinder) *SceneHandler {
	return &SceneHandler{store: store, graph: graph}
}

// CreateSceneRequest is an analyzed original scene
type CreateSceneRequest struct {
	Category    models.SceneCategory   `json:"category" binding:"required"`
	Style       models.SceneStyle      `json:"style" binding:"required"`
	Title       string                 `json:"title" binding:"required"`
	Description string                 `json:"description"`
	ImageURL    string                 `json:"image_url"`
	Attributes  map[string]interface{} `json:"attributes"`
}

// CreateScene persists an original scene
func (h *SceneHandler) CreateScene(c *gin.Context) {
	var req CreateSceneRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		bindError(c, "handlers.CreateScene", err)
		return
	}

	scene := &models.Scene{
		Category:    req.Category,
		Style:       req.Style,
		Title:       req.Title,
		Description: req.Description,
		ImageURL:    req.ImageURL,
		Attributes:  req.Attributes,
		IsOriginal:  true,
	}

	id, err := h.store.CreateScene(c.Request.Context(), scene)
	if err != nil {
		respondError(c, err, nil)
		return
	}
	scene.ID = id

	fields := logger.WithContext(c)
	fields["scene_id"] = id
	fields["category"] = string(scene.Category)
	logger.Info("Scene created", fields)

	c.Header(headerLocation, "/api/v1/scenes/"+id)
	c.JSON(http.StatusCreated, scene)
}

// GetScene returns one scene by id
func (h *SceneHandler) GetScene(c *gin.Context) {
	scene, err := h.store.GetScene(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, err, nil)
		return
	}
	c.JSON(http.StatusOK, scene)
}

// SimilarScenes lists the scenes derived directly from :id, optionally filtered by ?kind=
func (h *SceneHandler) SimilarScenes(c *gin.Context) {
	sceneID := c.Param("id")
	kind := models.RelationshipKind(c.Query("kind"))

	if _, err := h.store.GetScene(c.Request.Context(), sceneID); err != nil {
		respondError(c, err, nil)
		return
	}

	scenes, err := h.graph.SimilarScenesOf(c.Request.Context(), sceneID, kind)
	if err != nil {
		respondError(c, err, nil)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"scene_id": sceneID,
		"kind":     string(kind),
		"scenes":   scenes,
		"count":    len(scenes),
	})
}
