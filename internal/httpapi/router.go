// Package httpapi is the multi-tenant HTTP control plane (spec.md
// §1, §6.2): job CRUD, file upload/download against internal/objectstore,
// and a dry-run admission check, all sharing the same internal/queue
// tables the internal/dispatcher worker loop drains. Router wiring is
// adapted from the teacher's internal/server.NewRouter (gin.Default +
// CORS + route groups), generalized from the teacher's auth/course
// surface to this domain's job/file/admission surface.
package httpapi

import (
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
)

// RouterConfig bundles the handlers and cross-cutting options a
// Router needs, mirroring the teacher's RouterConfig shape
// (internal/server.RouterConfig) field-for-field but against this
// domain's handler set.
type RouterConfig struct {
	Health    *HealthHandler
	Jobs      *JobHandler
	Files     *FileHandler
	AllowedOrigins []string

	// MetricsEnabled exposes GET /metrics via promhttp against reg
	// (SPEC_FULL.md §13 "Prometheus metrics endpoint"). reg is nil-safe:
	// a nil registerer falls back to prometheus.DefaultRegisterer.
	MetricsEnabled bool
	MetricsReg     *prometheus.Registry
}

// NewRouter builds the gin engine the control-plane binary serves
// (spec.md §6.2's admission surface plus the job/file CRUD it sits in
// front of).
func NewRouter(cfg RouterConfig) *gin.Engine {
	router := gin.Default()

	router.Use(otelgin.Middleware("batchlm-httpapi"))

	origins := cfg.AllowedOrigins
	if len(origins) == 0 {
		origins = []string{"http://localhost:3000"}
	}
	router.Use(cors.New(cors.Config{
		AllowOrigins:     origins,
		AllowMethods:     []string{"GET", "POST", "PUT", "DELETE", "PATCH", "OPTIONS"},
		AllowHeaders:     []string{"Authorization", "Content-Type", "X-Requested-With"},
		AllowCredentials: true,
	}))

	router.GET("/healthcheck", cfg.Health.HealthCheck)

	if cfg.MetricsEnabled {
		if cfg.MetricsReg != nil {
			router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(cfg.MetricsReg, promhttp.HandlerOpts{})))
		} else {
			router.GET("/metrics", gin.WrapH(promhttp.Handler()))
		}
	}

	api := router.Group("/api")
	{
		if cfg.Jobs != nil {
			api.POST("/jobs", cfg.Jobs.CreateJob)
			api.GET("/jobs/:id", cfg.Jobs.GetJob)
			api.POST("/jobs/:id/cancel", cfg.Jobs.CancelJob)
			api.POST("/admission/check", cfg.Jobs.CheckAdmission)
		}
		if cfg.Files != nil {
			api.POST("/files", cfg.Files.Upload)
			api.GET("/files/:key/download", cfg.Files.Download)
		}
	}

	return router
}
