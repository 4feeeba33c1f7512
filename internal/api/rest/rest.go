package rest

import (
	"github.com/gin-gonic/gin"
)

// SetupRoutes configures all REST API routes
func SetupRoutes(router *gin.Engine, handler Handler) {
	// Health check endpoint (no version prefix)
	router.GET("/health", handler.HealthCheck)

	// API v1 routes (public read access)
	v1 := router.Group("/api/v1")
	{
		v1.GET("/sync/:address", handler.GetSyncStatus)
		v1.GET("/balance/:address", handler.GetBalance)
		v1.GET("/dust/:address", handler.GetDust)
	}
}
