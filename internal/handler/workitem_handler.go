package handler

import (
	"context"
	"encoding/csv"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"mailtriage/internal/ingest"
	"mailtriage/internal/model"
	"mailtriage/pkg/logger"
)

// WorkItemReader 是查询接口需要的存储能力
type WorkItemReader interface {
	Stats(ctx context.Context) (model.Stats, error)
	ListRecent(ctx context.Context, page, limit int) (model.Page, error)
	ExportAll(ctx context.Context, fn func(*model.WorkItem) error) error
}

// Ingester accepts new messages into the queue.
type Ingester interface {
	Ingest(ctx context.Context, msg ingest.Message) (bool, error)
	IngestBatch(ctx context.Context, msgs []ingest.Message) (int, error)
}

type WorkItemHandler struct {
	store   WorkItemReader
	gateway Ingester
	logger  *zap.Logger
}

func NewWorkItemHandler(store WorkItemReader, gateway Ingester, logger *zap.Logger) *WorkItemHandler {
	return &WorkItemHandler{store: store, gateway: gateway, logger: logger}
}

// GetStats GET /api/stats
func (h *WorkItemHandler) GetStats(c *gin.Context) {
	stats, err := h.store.Stats(c.Request.Context())
	if err != nil {
		logger.WithTrace(c.Request.Context(), h.logger).Error("Failed to load stats", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Internal Server Error"})
		return
	}
	c.JSON(http.StatusOK, stats)
}

// ListEmails GET /api/emails?page=1&limit=20
func (h *WorkItemHandler) ListEmails(c *gin.Context) {
	page, _ := strconv.Atoi(c.DefaultQuery("page", "1"))
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "20"))

	result, err := h.store.ListRecent(c.Request.Context(), page, limit)
	if err != nil {
		logger.WithTrace(c.Request.Context(), h.logger).Error("Failed to list emails", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Internal Server Error"})
		return
	}
	c.JSON(http.StatusOK, result)
}

type ingestRequest struct {
	ExternalID string    `json:"external_id"`
	Sender     string    `json:"sender" binding:"required"`
	Subject    string    `json:"subject"`
	Body       string    `json:"body" binding:"required"`
	ReceivedAt time.Time `json:"received_at"`
}

// Ingest POST /api/ingest
func (h *WorkItemHandler) Ingest(c *gin.Context) {
	var req ingestRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
		return
	}

	inserted, err := h.gateway.Ingest(c.Request.Context(), ingest.Message{
		ExternalID: req.ExternalID,
		Sender:     req.Sender,
		Subject:    req.Subject,
		Body:       req.Body,
		ReceivedAt: req.ReceivedAt,
	})
	if err != nil || !inserted {
		if err != nil {
			logger.WithTrace(c.Request.Context(), h.logger).Error("Ingest failed", zap.Error(err))
		}
		c.JSON(http.StatusBadRequest, gin.H{"error": "Failed to ingest (duplicate?)"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"status": "success", "message": "Email ingested"})
}

// IngestBulk POST /api/ingest/bulk，multipart 字段名为 file
func (h *WorkItemHandler) IngestBulk(c *gin.Context) {
	log := logger.WithTrace(c.Request.Context(), h.logger)

	fh, err := c.FormFile("file")
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "missing file"})
		return
	}
	f, err := fh.Open()
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "unreadable file"})
		return
	}
	defer f.Close()

	msgs, err := ingest.ParseBulk(fh.Filename, f)
	if err != nil {
		if errors.Is(err, ingest.ErrUnsupportedFormat) || errors.Is(err, ingest.ErrMalformed) {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		log.Error("Bulk parse failed", zap.String("filename", fh.Filename), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Processing error"})
		return
	}

	count, err := h.gateway.IngestBatch(c.Request.Context(), msgs)
	if err != nil {
		log.Error("Bulk ingest failed", zap.String("filename", fh.Filename), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Processing error"})
		return
	}

	log.Info("Bulk ingest completed",
		zap.String("filename", fh.Filename),
		zap.Int("parsed", len(msgs)),
		zap.Int("inserted", count),
	)
	c.JSON(http.StatusOK, gin.H{"status": "success", "message": "Ingested " + strconv.Itoa(count) + " emails"})
}

var exportHeader = []string{
	"ID", "Sender", "Subject", "Received At", "Status", "Intent",
	"Confidence", "Sentiment", "Priority", "Priority Reason", "Summary",
	"Generated Reply", "Redacted Body",
}

// Export GET /api/export，逐行流式输出 CSV
func (h *WorkItemHandler) Export(c *gin.Context) {
	c.Header("Content-Type", "text/csv")
	c.Header("Content-Disposition", "attachment; filename=mailtriage_export.csv")
	c.Status(http.StatusOK)

	w := csv.NewWriter(c.Writer)
	if err := w.Write(exportHeader); err != nil {
		return
	}

	err := h.store.ExportAll(c.Request.Context(), func(item *model.WorkItem) error {
		if err := w.Write(exportRow(item)); err != nil {
			return err
		}
		w.Flush()
		return w.Error()
	})
	w.Flush()
	if err != nil {
		// header 已发送，只能记录日志
		logger.WithTrace(c.Request.Context(), h.logger).Error("Export failed", zap.Error(err))
	}
}

func exportRow(item *model.WorkItem) []string {
	var a model.Analysis
	if item.Analysis != nil {
		a = *item.Analysis
	}
	confidence := a.Confidence
	if confidence == "" {
		confidence = "N/A"
	}
	return []string{
		strconv.FormatInt(item.ID, 10),
		item.Sender,
		item.Subject,
		item.ReceivedAt.UTC().Format(time.RFC3339),
		string(item.Status),
		a.Intent,
		confidence,
		a.Sentiment,
		string(a.Priority),
		a.PriorityReason,
		deref(item.Summary),
		deref(item.GeneratedReply),
		deref(item.BodyRedacted),
	}
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
