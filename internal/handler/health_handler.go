package handler

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
)

// Pinger 是就绪检查需要的数据库能力
type Pinger interface {
	Ping(ctx context.Context) error
}

// BrokerStatus reports whether the MQ connection is alive.
type BrokerStatus interface {
	IsConnected() bool
}

type HealthHandler struct {
	db      Pinger
	broker  BrokerStatus
	app     string
	version string
}

// NewHealthHandler broker 可以为 nil（未启用 MQ）
func NewHealthHandler(db Pinger, broker BrokerStatus, app, version string) *HealthHandler {
	return &HealthHandler{db: db, broker: broker, app: app, version: version}
}

// Root GET /
func (h *HealthHandler) Root(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok", "app": h.app, "version": h.version})
}

// Healthz GET /healthz
func (h *HealthHandler) Healthz(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// Readyz GET /readyz
func (h *HealthHandler) Readyz(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 1*time.Second)
	defer cancel()

	if err := h.db.Ping(ctx); err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "db_not_ready", "error": err.Error()})
		return
	}
	if h.broker != nil && !h.broker.IsConnected() {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "mq_not_ready"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"status": "ready"})
}
