package util

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// DefaultDedupTTL 默认去重窗口
const DefaultDedupTTL = 24 * time.Hour

type Deduper struct {
	rdb    *redis.Client
	ttl    time.Duration
	logger *zap.Logger
}

func NewDeduper(rdb *redis.Client, ttl time.Duration, logger *zap.Logger) *Deduper {
	if ttl <= 0 {
		ttl = DefaultDedupTTL
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Deduper{
		rdb:    rdb,
		ttl:    ttl,
		logger: logger,
	}
}

func dedupKey(scope, id string) string {
	return fmt.Sprintf("dedup:%s:%s", scope, id)
}

// AcquireOnce tries to acquire a dedup marker for scope + id.
// Returns true the first time an id is seen within the TTL window.
// A redis failure fails open: the caller's own uniqueness constraint stays authoritative.
func (d *Deduper) AcquireOnce(ctx context.Context, scope, id string) bool {
	key := dedupKey(scope, id)

	ok, err := d.rdb.SetNX(ctx, key, 1, d.ttl).Result()
	if err != nil {
		d.logger.Warn("Redis dedup check failed, allowing processing",
			zap.String("scope", scope),
			zap.String("id", id),
			zap.Error(err),
		)
		return true
	}

	if !ok {
		d.logger.Info("Skipped duplicated id",
			zap.String("scope", scope),
			zap.String("id", id),
			zap.String("dedup_key", key),
		)
	}
	return ok
}

// Release 删除去重标记，用于下游写入失败后允许重试
func (d *Deduper) Release(ctx context.Context, scope, id string) {
	if err := d.rdb.Del(ctx, dedupKey(scope, id)).Err(); err != nil {
		d.logger.Warn("Failed to release dedup marker",
			zap.String("scope", scope),
			zap.String("id", id),
			zap.Error(err),
		)
	}
}
