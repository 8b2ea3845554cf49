package endpoints

import (
	"storyreel/internal/progress"
	"storyreel/internal/store"

	"github.com/gin-gonic/gin"
)

// Deps carries the collaborators the HTTP layer is wired with.
type Deps struct {
	Renderer Renderer
	Queue    RenderQueue
	Bus      *progress.Bus
	Store    store.Store
}

// SetupRoutes configures all API routes
func SetupRoutes(r *gin.Engine, deps Deps) {
	api := r.Group("/api")
	{
		// Health check endpoint
		api.GET("/health", func(c *gin.Context) {
			c.JSON(200, gin.H{
				"status":  "healthy",
				"service": "storyreel",
			})
		})

		// Render routes (protected + app-attested)
		renderGroup := api.Group("/render")
		renderGroup.Use(Auth0Middleware(), AppCheckMiddleware())
		{
			renderGroup.POST("", HandleRender(deps.Renderer))
			renderGroup.POST("/async", HandleRenderAsync(deps.Queue))
		}

		clip := api.Group("/generate-clip")
		clip.Use(Auth0Middleware(), AppCheckMiddleware())
		{
			clip.POST("", HandleGenerateClip(deps.Renderer))
		}

		// Read-only routes (protected)
		read := api.Group("")
		read.Use(Auth0Middleware())
		{
			read.GET("/cache-status/:project_id", HandleCacheStatus(deps.Store))
			read.GET("/signed-clips/:project_id", HandleSignedClips(deps.Store))
		}

		// SSE stream tolerates a missing app check token (logged inside)
		stream := api.Group("/progress-stream")
		stream.Use(Auth0Middleware())
		{
			stream.GET("", HandleProgressStream(deps.Bus))
		}
	}
}
