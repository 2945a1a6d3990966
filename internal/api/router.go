package api

import (
	"github.com/Conceptual-Machines/nectar-api/internal/api/handlers"
	apimiddleware "github.com/Conceptual-Machines/nectar-api/internal/api/middleware"
	"github.com/Conceptual-Machines/nectar-api/internal/config"
	"github.com/Conceptual-Machines/nectar-api/internal/logger"
	"github.com/Conceptual-Machines/nectar-api/internal/metrics"
	"github.com/Conceptual-Machines/nectar-api/internal/middleware"
	"github.com/Conceptual-Machines/nectar-api/internal/provenance"
	"github.com/Conceptual-Machines/nectar-api/internal/store"
	"github.com/gin-gonic/gin"
)

// Dependencies are the collaborators the HTTP layer is built on
type Dependencies struct {
	Store      store.Store
	Graph      *provenance.Graph
	Variations handlers.VariationGenerator
	Recorder   *metrics.Recorder
	ModelID    string
}

func SetupRouter(cfg *config.Config, deps Dependencies, version string) *gin.Engine {
	router := gin.New()

	// Recovery middleware (must be first)
	router.Use(apimiddleware.RecoverWithSentry())

	// Sentry middleware for error tracking
	router.Use(apimiddleware.SentryMiddleware())

	// Request tracking and structured logging
	router.Use(apimiddleware.RequestTracking(deps.Recorder))

	// Health check
	healthHandler := handlers.NewHealthHandler(deps.Store)
	router.GET("/health", healthHandler.HealthCheck)

	// Metrics endpoint
	metricsHandler := handlers.NewMetricsHandler(version, deps.ModelID, cfg.ArtifactMirrorEnabled())
	router.GET("/api/metrics", metricsHandler.GetMetrics)

	v1 := router.Group("/api/v1")
	v1.Use(authMiddleware(cfg))
	{
		sceneHandler := handlers.NewSceneHandler(deps.Store, deps.Graph)
		v1.POST("/scenes", sceneHandler.CreateScene)
		v1.GET("/scenes/:id", sceneHandler.GetScene)
		v1.GET("/scenes/:id/similar", sceneHandler.SimilarScenes)

		variationHandler := handlers.NewVariationHandler(deps.Variations)
		v1.POST("/scenes/:id/variations", variationHandler.GenerateVariation)
	}

	return router
}

// authMiddleware selects the caller authentication for AUTH_MODE
func authMiddleware(cfg *config.Config) gin.HandlerFunc {
	switch {
	case cfg.IsGatewayMode():
		return apimiddleware.GatewayAuth()
	case cfg.IsJWTMode():
		return middleware.JWTAuth(cfg.JWTSecret)
	case cfg.AuthMode == "none" || cfg.AuthMode == "":
		return apimiddleware.NoAuth()
	default:
		logger.Warn("Unknown AUTH_MODE, falling back to no auth", logger.Fields{"auth_mode": cfg.AuthMode})
		return apimiddleware.NoAuth()
	}
}
