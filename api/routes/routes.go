package routes

import (
	"example.com/pulsecal/services/telemetry/api/handlers"
	"example.com/pulsecal/services/telemetry/api/middleware"
	"example.com/pulsecal/services/telemetry/internal/lifecycle"
	"example.com/pulsecal/services/telemetry/internal/service"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
)

// SetupRoutes sets up all the routes for the server
func SetupRoutes(r *gin.Engine, svc *service.Service, registry *lifecycle.Registry, log *logrus.Logger) {
	// Health check
	r.GET("/health", handlers.HealthCheck)

	// API routes
	api := r.Group("/api/v1")

	// Telemetry ingestion, authenticated per device
	ingestHandler := handlers.NewIngestHandler(svc, log)
	telemetry := api.Group("/telemetry")
	telemetry.Use(middleware.DeviceAuth(registry, log))
	{
		telemetry.POST("/vitals", ingestHandler.IngestVitals)
		telemetry.POST("/location", ingestHandler.IngestLocation)
		telemetry.POST("/status", ingestHandler.IngestStatus)
	}

	// Device lifecycle and fleet queries, operator facing
	deviceHandler := handlers.NewDeviceHandler(svc, log)
	devices := api.Group("/devices")
	{
		devices.POST("", deviceHandler.RegisterDevice)
		devices.GET("", deviceHandler.ListDevices)
		devices.GET("/:uid", deviceHandler.GetDevice)
		devices.POST("/:uid/revoke", deviceHandler.RevokeDevice)
		devices.GET("/:uid/samples", deviceHandler.GetDeviceSamples)
	}

	// Stored sample lookup
	api.GET("/samples/:uuid", deviceHandler.GetSample)

	// Alert queries and resolution
	alertHandler := handlers.NewAlertHandler(svc, log)
	alerts := api.Group("/alerts")
	{
		alerts.GET("/device/:uid", alertHandler.ListDeviceAlerts)
		alerts.GET("/search", alertHandler.SearchAlerts)
		alerts.POST("/:uuid/resolve", alertHandler.ResolveAlert)
	}

	// Failure sink inspection
	failureHandler := handlers.NewFailureHandler(svc, log)
	api.GET("/failures", failureHandler.ListFailures)
}
