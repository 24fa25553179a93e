package router

import (
	"github.com/gin-gonic/gin"

	"github.com/forge3d/gateway/internal/api/handler"
)

// SetupRouter configures and returns the Gin router with all routes
func SetupRouter(deps *handler.Dependencies) *gin.Engine {
	r := gin.New()

	// Middleware
	r.Use(gin.Recovery())
	r.Use(LoggerMiddleware(deps.Logger))
	r.Use(CORSMiddleware())

	jobHandler := handler.NewJobHandler(deps)

	// Unauthenticated observability endpoints
	r.GET("/health", jobHandler.Health)
	r.GET("/stats", jobHandler.Stats)

	// API v1 routes
	v1 := r.Group("/api/v1")
	v1.Use(AuthMiddleware(&deps.Config.Auth))
	v1.Use(RateLimitMiddleware(&deps.Config.RateLimit))
	{
		jobs := v1.Group("/jobs")
		{
			// POST /api/v1/jobs/rembg - Submit a background removal job
			jobs.POST("/rembg", jobHandler.CreateRembgJob)

			// POST /api/v1/jobs/trellis - Submit an image-to-3D job
			jobs.POST("/trellis", jobHandler.CreateTrellisJob)

			// GET /api/v1/jobs - List jobs with filtering and pagination
			jobs.GET("", jobHandler.ListJobs)

			// GET /api/v1/jobs/:job_id - Get job details
			jobs.GET("/:job_id", jobHandler.GetJob)

			// GET /api/v1/jobs/:job_id/download/:filename - Download an output
			jobs.GET("/:job_id/download/:filename", jobHandler.DownloadFile)

			// DELETE /api/v1/jobs/:job_id - Cancel and remove a job
			jobs.DELETE("/:job_id", jobHandler.DeleteJob)
		}
	}

	return r
}
