package routes

import (
	"github.com/John-ltf/IoT-functions/api/handlers"

	"github.com/gin-gonic/gin"
)

// SetupRoutes sets up all the routes for the server
func SetupRoutes(
	r *gin.Engine,
	telemetryHandler *handlers.TelemetryHandler,
	liveHub *handlers.HubHandler,
	historyHub *handlers.HubHandler,
) {
	// Health check
	r.GET("/health", handlers.HealthCheck)

	// Storage pass-through
	api := r.Group("/api")
	{
		api.GET("/history/:device/:since", telemetryHandler.History)
		api.GET("/latest/:device", telemetryHandler.Latest)
		api.POST("/delete/:device/:id", telemetryHandler.Delete)

		// Hub handshakes
		api.POST("/negotiate/live", liveHub.Negotiate)
		api.POST("/negotiate/history", historyHub.Negotiate)
	}

	// Subscriber attach points
	r.GET("/ws/live", liveHub.Connect)
	r.GET("/ws/history", historyHub.Connect)
}
