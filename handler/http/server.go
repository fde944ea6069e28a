package http

import (
	"github.com/gin-gonic/gin"

	"nutriparse/src/infrastructure/metrics"
	"nutriparse/src/infrastructure/ratelimit"
)

// RouterDeps bundles everything the route table needs.
type RouterDeps struct {
	Parse   *ParseHandler
	Admin   *AdminHandler
	Health  *HealthHandler
	Metrics *metrics.Service
	Limiter ratelimit.Limiter
}

// NewRouter wires the middleware chain and the route table.
func NewRouter(deps RouterDeps) *gin.Engine {
	r := gin.New()

	r.Use(
		RequestIDMiddleware(),
		Recovery(),
		SecurityHeaders(),
		RequestLogger(deps.Metrics),
	)

	r.GET("/health", deps.Health.Health)
	r.GET("/health/detailed", deps.Health.HealthDetailed)

	parseGroup := r.Group("/parse", RateLimit(deps.Limiter))
	{
		parseGroup.POST("/sync", deps.Parse.Sync)
		parseGroup.POST("/async", deps.Parse.Async)
		parseGroup.POST("/batch", deps.Parse.Batch)
		parseGroup.GET("/status/:id", deps.Parse.Status)
		parseGroup.GET("/result/:id", deps.Parse.Result)
		parseGroup.GET("/history", deps.Parse.History)
		parseGroup.GET("/batch/:id", deps.Parse.BatchStatus)
		parseGroup.POST("/cancel/:id", deps.Parse.Cancel)
		parseGroup.DELETE("/:id", deps.Parse.Delete)
	}

	admin := r.Group("/admin")
	{
		admin.GET("/metrics", deps.Admin.Metrics)
		admin.GET("/stats/real-time", deps.Admin.RealTimeStats)
		admin.POST("/cleanup", deps.Admin.Cleanup)
	}

	return r
}
