package handlers

import (
	"context"
	"fmt"
	"net/http"

	"github.com/Conceptual-Machines/nectar-api/internal/apperror"
	"github.com/Conceptual-Machines/nectar-api/internal/models"
	"github.com/Conceptual-Machines/nectar-api/internal/services"
	"github.com/gin-gonic/gin"
)

const opGenerateVariation = "handlers.GenerateVariation"

// VariationGenerator derives scenes from a parent scene
type VariationGenerator interface {
	GenerateVariations(ctx context.Context, parentID string, changes []models.Change, opts services.VariationOptions) ([]models.Scene, error)
}

type VariationHandler struct {
	variations VariationGenerator
}

func NewVariationHandler(variations VariationGenerator) *VariationHandler {
	return &VariationHandler{variations: variations}
}

// GenerateVariationRequest is one transformation request for a scene
type GenerateVariationRequest struct {
	VariationType services.VariationType `json:"variation_type"`
	Changes       []models.Change        `json:"changes"`
	Strength      float64                `json:"strength"`
	Samples       int                    `json:"samples"`
}

// GenerateVariation runs one transformation and returns the first derived
// scene together with everything generated by the call
func (h *VariationHandler) GenerateVariation(c *gin.Context) {
	var req GenerateVariationRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		bindError(c, opGenerateVariation, err)
		return
	}
	if len(req.Changes) > maxChangesPerRequest {
		respondError(c, apperror.New(apperror.KindValidation, opGenerateVariation,
			fmt.Sprintf("at most %d changes per request", maxChangesPerRequest)), nil)
		return
	}

	scenes, err := h.variations.GenerateVariations(c.Request.Context(), c.Param("id"), req.Changes, services.VariationOptions{
		Type:     req.VariationType,
		Strength: req.Strength,
		Samples:  req.Samples,
	})
	if err != nil {
		// scenes committed before the failure are still reported
		var extra gin.H
		if len(scenes) > 0 {
			extra = gin.H{"scenes": scenes, "total_generated": len(scenes)}
		}
		respondError(c, err, extra)
		return
	}

	variationType := req.VariationType
	if variationType == "" {
		variationType = services.VariationSlight
	}

	c.JSON(http.StatusCreated, gin.H{
		"scene":           scenes[0],
		"scenes":          scenes,
		"total_generated": len(scenes),
		"variation_type":  variationType,
	})
}
