// Package ingest 是外部消息进入 Record Store 的唯一入口。
package ingest

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"mailtriage/internal/model"
	"mailtriage/pkg/logger"
	"mailtriage/pkg/metrics"
)

const (
	dedupScope     = "ingest"
	releaseTimeout = 2 * time.Second
)

// Message is one inbound email as supplied by a caller.
type Message struct {
	ExternalID string    `json:"external_id,omitempty"`
	Sender     string    `json:"sender"`
	Subject    string    `json:"subject"`
	Body       string    `json:"body"`
	ReceivedAt time.Time `json:"received_at,omitempty"`
}

// Inserter is the write side of the Record Store used by the gateway.
type Inserter interface {
	Insert(ctx context.Context, item *model.WorkItem) (bool, error)
	BulkInsert(ctx context.Context, items []*model.WorkItem) (int, error)
}

// Deduper is a short-lived "seen recently" filter in front of the store.
// The store's unique constraint stays authoritative.
type Deduper interface {
	AcquireOnce(ctx context.Context, scope, id string) bool
	Release(ctx context.Context, scope, id string)
}

type Gateway struct {
	store  Inserter
	dedup  Deduper
	logger *zap.Logger
	now    func() time.Time
}

// NewGateway creates a gateway. dedup may be nil.
func NewGateway(store Inserter, dedup Deduper, logger *zap.Logger) *Gateway {
	return &Gateway{store: store, dedup: dedup, logger: logger, now: time.Now}
}

// Ingest stores one message as PENDING. It returns false without error when
// the external id was already seen.
func (g *Gateway) Ingest(ctx context.Context, msg Message) (bool, error) {
	log := logger.WithTrace(ctx, g.logger)

	callerID := strings.TrimSpace(msg.ExternalID) != ""
	item := g.toWorkItem(msg)

	if callerID && g.dedup != nil && !g.dedup.AcquireOnce(ctx, dedupScope, item.ExternalID) {
		metrics.IncrementIngested("api", "duplicate", 1)
		log.Info("duplicate message rejected by dedup cache", zap.String("external_id", item.ExternalID))
		return false, nil
	}

	inserted, err := g.store.Insert(ctx, item)
	if err != nil {
		if callerID && g.dedup != nil {
			g.release(ctx, item.ExternalID)
		}
		metrics.IncrementIngested("api", "error", 1)
		return false, fmt.Errorf("ingest %s: %w", item.ExternalID, err)
	}

	if !inserted {
		metrics.IncrementIngested("api", "duplicate", 1)
		log.Info("duplicate message rejected by store", zap.String("external_id", item.ExternalID))
		return false, nil
	}

	metrics.IncrementIngested("api", "inserted", 1)
	log.Info("message ingested",
		zap.String("external_id", item.ExternalID),
		zap.String("subject", item.Subject),
	)
	return true, nil
}

// IngestBatch stores many messages in one transaction and returns how many
// were actually inserted. Duplicates, both inside the batch and against the
// store, are skipped silently.
func (g *Gateway) IngestBatch(ctx context.Context, msgs []Message) (int, error) {
	log := logger.WithTrace(ctx, g.logger)

	items := make([]*model.WorkItem, 0, len(msgs))
	seen := make(map[string]bool, len(msgs))
	var acquired []string

	for _, msg := range msgs {
		callerID := strings.TrimSpace(msg.ExternalID) != ""
		item := g.toWorkItem(msg)

		if seen[item.ExternalID] {
			continue
		}
		seen[item.ExternalID] = true

		if callerID && g.dedup != nil {
			if !g.dedup.AcquireOnce(ctx, dedupScope, item.ExternalID) {
				continue
			}
			acquired = append(acquired, item.ExternalID)
		}
		items = append(items, item)
	}

	n, err := g.store.BulkInsert(ctx, items)
	if err != nil {
		g.release(ctx, acquired...)
		metrics.IncrementIngested("bulk", "error", len(items))
		return 0, fmt.Errorf("ingest batch of %d: %w", len(items), err)
	}

	metrics.IncrementIngested("bulk", "inserted", n)
	metrics.IncrementIngested("bulk", "duplicate", len(msgs)-n)
	log.Info("batch ingested",
		zap.Int("received", len(msgs)),
		zap.Int("inserted", n),
	)
	return n, nil
}

func (g *Gateway) toWorkItem(msg Message) *model.WorkItem {
	externalID := strings.TrimSpace(msg.ExternalID)
	if externalID == "" {
		externalID = uuid.NewString()
	}
	receivedAt := msg.ReceivedAt
	if receivedAt.IsZero() {
		receivedAt = g.now()
	}
	return &model.WorkItem{
		ExternalID:   externalID,
		Sender:       msg.Sender,
		Subject:      msg.Subject,
		BodyOriginal: msg.Body,
		ReceivedAt:   receivedAt,
		Status:       model.StatusPending,
	}
}

// release 释放去重标记，调用方 ctx 已取消时也要执行
func (g *Gateway) release(ctx context.Context, ids ...string) {
	if len(ids) == 0 {
		return
	}
	relCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), releaseTimeout)
	defer cancel()
	for _, id := range ids {
		g.dedup.Release(relCtx, dedupScope, id)
	}
}
