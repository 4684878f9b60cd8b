// Package api exposes the operator HTTP surface: health, status, queue
// statistics, post intake and Prometheus metrics.
package api

import (
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Router assembles the gin engine.
type Router struct {
	handlers *Handlers
	registry *prometheus.Registry
	debug    bool
}

// NewRouter creates a new API router.
func NewRouter(handlers *Handlers, registry *prometheus.Registry, debug bool) *Router {
	return &Router{
		handlers: handlers,
		registry: registry,
		debug:    debug,
	}
}

// SetupRoutes builds the engine with all routes and middleware attached.
func (r *Router) SetupRoutes() *gin.Engine {
	if !r.debug {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(corsMiddleware())

	// Public, no auth
	router.GET("/health", r.handlers.Health)
	router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{})))

	v1 := router.Group("/api/v1")
	v1.GET("/status", r.handlers.GetStatus)
	v1.GET("/queue/stats", r.handlers.GetQueueStats)

	posts := v1.Group("/posts")
	posts.POST("", r.handlers.CreatePost)
	posts.POST("/:id/schedule", r.handlers.SchedulePost)
	posts.POST("/:id/replies", r.handlers.CreateReply)

	return router
}
