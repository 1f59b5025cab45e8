package httpserver

import (
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"mailtriage/internal/handler"
)

type Router struct {
	Engine *gin.Engine
}

// newEngine 返回挂好公共中间件的 gin engine
func newEngine(logger *zap.Logger) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(TraceMiddleware())
	r.Use(MetricsMiddleware())
	r.Use(LoggingMiddleware(logger))
	return r
}

func registerHealth(r *gin.Engine, health *handler.HealthHandler) {
	r.GET("/", health.Root)
	r.GET("/healthz", health.Healthz)
	r.HEAD("/healthz", health.Healthz)
	r.GET("/readyz", health.Readyz)
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))
}

func NewRouter(
	health *handler.HealthHandler,
	items *handler.WorkItemHandler,
	admin *handler.AdminHandler,
	jwtSecret string,
	logger *zap.Logger,
) *Router {
	r := newEngine(logger)
	registerHealth(r, health)

	api := r.Group("/api")
	{
		api.GET("/stats", items.GetStats)
		api.GET("/emails", items.ListEmails)
		api.POST("/ingest", items.Ingest)
		api.POST("/ingest/bulk", items.IngestBulk)
		api.GET("/export", items.Export)
	}

	r.POST("/admin/login", admin.Login)

	protected := r.Group("/admin")
	protected.Use(RequireAdmin(jwtSecret))
	{
		protected.GET("/outbox/failed", admin.ListFailedOutbox)
		protected.POST("/outbox/replay", admin.ReplayOutboxEvent)
		protected.POST("/outbox/replay-failed", admin.ReplayFailedEvents)
		protected.GET("/stuck", admin.ListStuck)
	}

	return &Router{Engine: r}
}

// NewOpsRouter 只暴露健康检查与指标，供 worker 进程使用
func NewOpsRouter(health *handler.HealthHandler, logger *zap.Logger) *Router {
	r := newEngine(logger)
	registerHealth(r, health)
	return &Router{Engine: r}
}
