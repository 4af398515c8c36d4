package router

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/rackoot/racky.app-sub000/internal/api/handler"
)

// SetupRouter configures and returns the Gin router with all routes
func SetupRouter(deps *handler.Dependencies) *gin.Engine {
	r := gin.New()

	// Middleware
	r.Use(gin.Recovery())
	r.Use(LoggerMiddleware(deps.Logger))
	r.Use(CORSMiddleware())

	// Liveness endpoint for the load balancer; no workspace required.
	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":  "healthy",
			"service": "racky-job-service",
		})
	})

	jobHandler := handler.NewJobHandler(deps)

	// Webhook callbacks arrive from internal services, not the gateway, so
	// they skip the workspace middleware.
	internal := r.Group("/internal")
	{
		internal.POST("/ai/callback", jobHandler.AICallback)
	}

	// API v1 routes
	v1 := r.Group("/api/v1")
	v1.Use(WorkspaceMiddleware())
	{
		// POST /api/v1/sync - Start a marketplace sync
		v1.POST("/sync", jobHandler.StartSync)

		jobs := v1.Group("/jobs")
		{
			// GET /api/v1/jobs - List jobs for the caller's workspace
			jobs.GET("", jobHandler.ListJobs)

			// GET /api/v1/jobs/:job_id - Get job details
			jobs.GET("/:job_id", jobHandler.GetJob)
		}

		// GET /api/v1/health - Aggregate system health
		v1.GET("/health", jobHandler.GetHealth)
	}

	return r
}
