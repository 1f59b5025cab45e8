package handler

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"mailtriage/internal/model"
	"mailtriage/pkg/auth"
	"mailtriage/pkg/config"
	"mailtriage/pkg/logger"
	"mailtriage/pkg/outbox"
)

// OutboxReplayer 是管理接口需要的 outbox 能力
type OutboxReplayer interface {
	ListFailed(ctx context.Context, limit int) ([]*outbox.Event, error)
	ReplayEvent(ctx context.Context, eventID int64) error
	ReplayFailedEvents(ctx context.Context, limit int) (int, error)
}

// StuckLister lists items left in PROCESSING.
type StuckLister interface {
	ListStuck(ctx context.Context, olderThan time.Duration, limit int) ([]*model.WorkItem, error)
}

type AdminHandler struct {
	replay OutboxReplayer
	stuck  StuckLister
	admin  config.AdminConfig
	logger *zap.Logger
}

func NewAdminHandler(replay OutboxReplayer, stuck StuckLister, admin config.AdminConfig, logger *zap.Logger) *AdminHandler {
	return &AdminHandler{
		replay: replay,
		stuck:  stuck,
		admin:  admin,
		logger: logger,
	}
}

type loginRequest struct {
	Username string `json:"username" binding:"required"`
	Password string `json:"password" binding:"required"`
}

// Login POST /admin/login
func (h *AdminHandler) Login(c *gin.Context) {
	var req loginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
		return
	}

	if h.admin.JWTSecret == "" || h.admin.PasswordHash == "" {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "admin login is not configured"})
		return
	}

	if req.Username != h.admin.Username || !auth.CheckPassword(req.Password, h.admin.PasswordHash) {
		logger.WithTrace(c.Request.Context(), h.logger).Warn("Admin login rejected", zap.String("username", req.Username))
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid credentials"})
		return
	}

	token, err := auth.GenerateToken(req.Username, h.admin.JWTSecret, h.admin.TokenTTL)
	if err != nil {
		logger.WithTrace(c.Request.Context(), h.logger).Error("Failed to sign admin token", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to issue token"})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"token":      token,
		"expires_in": int(h.admin.TokenTTL.Seconds()),
	})
}

// ListFailedOutbox GET /admin/outbox/failed?limit=100
func (h *AdminHandler) ListFailedOutbox(c *gin.Context) {
	limit := queryLimit(c, 100)

	events, err := h.replay.ListFailed(c.Request.Context(), limit)
	if err != nil {
		logger.WithTrace(c.Request.Context(), h.logger).Error("Failed to list failed outbox events", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list events"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"events": events, "count": len(events)})
}

// ReplayOutboxEvent 重放指定的 Outbox 事件
// POST /admin/outbox/replay?id=xxx
func (h *AdminHandler) ReplayOutboxEvent(c *gin.Context) {
	idStr := c.Query("id")
	if idStr == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "missing id parameter"})
		return
	}

	eventID, err := strconv.ParseInt(idStr, 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid id parameter"})
		return
	}

	if err := h.replay.ReplayEvent(c.Request.Context(), eventID); err != nil {
		logger.WithTrace(c.Request.Context(), h.logger).Error("Failed to replay event",
			zap.Int64("event_id", eventID),
			zap.Error(err),
		)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "failed to replay event",
			"details": err.Error(),
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"status":   "replayed",
		"event_id": eventID,
	})
}

// ReplayFailedEvents 重放所有失败的事件
// POST /admin/outbox/replay-failed?limit=100
func (h *AdminHandler) ReplayFailedEvents(c *gin.Context) {
	limit := queryLimit(c, 100)

	successCount, err := h.replay.ReplayFailedEvents(c.Request.Context(), limit)
	if err != nil {
		logger.WithTrace(c.Request.Context(), h.logger).Error("Failed to replay failed events", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "failed to replay failed events",
			"details": err.Error(),
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"status":        "completed",
		"success_count": successCount,
		"limit":         limit,
	})
}

// ListStuck GET /admin/stuck?older_than=15m&limit=100
func (h *AdminHandler) ListStuck(c *gin.Context) {
	olderThan, err := time.ParseDuration(c.DefaultQuery("older_than", "15m"))
	if err != nil || olderThan <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid older_than parameter"})
		return
	}

	items, err := h.stuck.ListStuck(c.Request.Context(), olderThan, queryLimit(c, 100))
	if err != nil {
		logger.WithTrace(c.Request.Context(), h.logger).Error("Failed to list stuck items", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list stuck items"})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"items":      items,
		"count":      len(items),
		"older_than": olderThan.String(),
	})
}

func queryLimit(c *gin.Context, def int) int {
	limit, err := strconv.Atoi(c.DefaultQuery("limit", strconv.Itoa(def)))
	if err != nil || limit <= 0 {
		return def
	}
	return limit
}
