package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	mqcontracts "mailtriage/contracts/mq"
	"mailtriage/internal/model"
	"mailtriage/pkg/metrics"
	"mailtriage/pkg/outbox"
	"mailtriage/pkg/trace"
)

var (
	// ErrNotProcessing is returned by Finalize when the item is not currently PROCESSING.
	// It signals a logic error and must not be retried.
	ErrNotProcessing = errors.New("work item is not in PROCESSING state")
	// ErrNotFound is returned when a work item id does not exist.
	ErrNotFound = errors.New("work item not found")
)

const workItemColumns = `id, external_id, sender, subject, body_original, body_redacted,
	analysis, summary, generated_reply, status, received_at, ingested_at,
	processing_started_at, processed_at`

const insertWorkItemSQL = `
	INSERT INTO work_items (external_id, sender, subject, body_original, received_at, status)
	VALUES ($1, $2, $3, $4, COALESCE($5::timestamptz, NOW()), 'PENDING')
	ON CONFLICT (external_id) DO NOTHING
`

// FinalizeParams carries everything written by the terminal transition.
type FinalizeParams struct {
	ID           int64
	Status       model.Status
	RedactedBody string
	Analysis     model.Analysis
	Summary      string
	// Reply is nil when the reply stage never ran.
	Reply *string
}

type WorkItemRepository struct {
	db     *pgxpool.Pool
	outbox *outbox.Repository
	logger *zap.Logger
}

func NewWorkItemRepository(db *pgxpool.Pool, outboxRepo *outbox.Repository, logger *zap.Logger) *WorkItemRepository {
	return &WorkItemRepository{db: db, outbox: outboxRepo, logger: logger}
}

// Insert stores a new PENDING item. It returns false without error when
// the external id already exists.
func (r *WorkItemRepository) Insert(ctx context.Context, item *model.WorkItem) (bool, error) {
	tag, err := r.db.Exec(ctx, insertWorkItemSQL,
		item.ExternalID,
		item.Sender,
		item.Subject,
		item.BodyOriginal,
		receivedAtArg(item.ReceivedAt),
	)
	if err != nil {
		return false, fmt.Errorf("insert work item %s: %w", item.ExternalID, err)
	}
	return tag.RowsAffected() == 1, nil
}

// BulkInsert stores many items in one transaction, skipping duplicates.
// It returns how many rows were actually inserted.
func (r *WorkItemRepository) BulkInsert(ctx context.Context, items []*model.WorkItem) (int, error) {
	if len(items) == 0 {
		return 0, nil
	}

	tx, err := r.db.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	batch := &pgx.Batch{}
	for _, item := range items {
		batch.Queue(insertWorkItemSQL,
			item.ExternalID,
			item.Sender,
			item.Subject,
			item.BodyOriginal,
			receivedAtArg(item.ReceivedAt),
		)
	}

	br := tx.SendBatch(ctx, batch)
	inserted := 0
	for i := range items {
		tag, err := br.Exec()
		if err != nil {
			br.Close()
			return 0, fmt.Errorf("bulk insert row %d: %w", i, err)
		}
		inserted += int(tag.RowsAffected())
	}
	if err := br.Close(); err != nil {
		return 0, fmt.Errorf("bulk insert: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("failed to commit bulk insert: %w", err)
	}
	return inserted, nil
}

// ClaimNextPending atomically moves the oldest PENDING item to PROCESSING and
// returns it. It returns nil, nil when nothing is pending.
//
// The selected row stays locked until commit, so concurrent claimers can never
// take the same item; SKIP LOCKED lets them move on to the next one instead of
// queueing behind the lock.
func (r *WorkItemRepository) ClaimNextPending(ctx context.Context) (*model.WorkItem, error) {
	start := time.Now()
	item, err := r.claim(ctx)
	switch {
	case err != nil:
		metrics.RecordClaim("error", time.Since(start))
	case item == nil:
		metrics.RecordClaim("empty", time.Since(start))
	default:
		metrics.RecordClaim("claimed", time.Since(start))
	}
	return item, err
}

func (r *WorkItemRepository) claim(ctx context.Context) (*model.WorkItem, error) {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("claim: begin: %w", err)
	}
	defer tx.Rollback(ctx)

	var id int64
	err = tx.QueryRow(ctx, `
		SELECT id FROM work_items
		WHERE status = 'PENDING'
		ORDER BY ingested_at ASC, id ASC
		LIMIT 1
		FOR UPDATE SKIP LOCKED
	`).Scan(&id)
	if errors.Is(err, pgx.ErrNoRows) {
		if err := tx.Commit(ctx); err != nil {
			return nil, fmt.Errorf("claim: commit empty: %w", err)
		}
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("claim: select: %w", err)
	}

	item, err := scanWorkItem(tx.QueryRow(ctx, `
		UPDATE work_items
		SET status = 'PROCESSING', processing_started_at = clock_timestamp()
		WHERE id = $1 AND status = 'PENDING'
		RETURNING `+workItemColumns, id))
	if err != nil {
		return nil, fmt.Errorf("claim: update %d: %w", id, err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("claim: commit: %w", err)
	}
	return item, nil
}

// Finalize writes all result fields and the terminal status in one update,
// together with the lifecycle event for the outbox.
func (r *WorkItemRepository) Finalize(ctx context.Context, p FinalizeParams) error {
	if !p.Status.Terminal() {
		return fmt.Errorf("finalize item %d: status %s is not terminal", p.ID, p.Status)
	}

	analysisJSON, err := json.Marshal(p.Analysis)
	if err != nil {
		return fmt.Errorf("finalize item %d: marshal analysis: %w", p.ID, err)
	}

	tx, err := r.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	var externalID string
	var processedAt time.Time
	err = tx.QueryRow(ctx, `
		UPDATE work_items
		SET body_redacted = $2,
		    analysis = $3,
		    summary = $4,
		    generated_reply = $5,
		    status = $6,
		    processed_at = clock_timestamp()
		WHERE id = $1 AND status = 'PROCESSING'
		RETURNING external_id, processed_at
	`, p.ID, p.RedactedBody, analysisJSON, p.Summary, p.Reply, string(p.Status)).Scan(&externalID, &processedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("finalize item %d: %w", p.ID, ErrNotProcessing)
	}
	if err != nil {
		return fmt.Errorf("finalize item %d: %w", p.ID, err)
	}

	routingKey := mqcontracts.RoutingKeyWorkItemCompleted
	if p.Status == model.StatusFailed {
		routingKey = mqcontracts.RoutingKeyWorkItemFailed
	}
	payload := mqcontracts.WorkItemFinalizedPayload{
		ItemID:      p.ID,
		ExternalID:  externalID,
		Status:      string(p.Status),
		Priority:    string(p.Analysis.Priority),
		Intent:      p.Analysis.Intent,
		HasReply:    p.Reply != nil && *p.Reply != model.NoReply,
		TraceID:     trace.FromContext(ctx),
		FinalizedAt: processedAt,
	}
	itemID := p.ID
	if _, err := r.outbox.Enqueue(ctx, tx, mqcontracts.AggregateWorkItem, &itemID, routingKey, payload); err != nil {
		return fmt.Errorf("finalize item %d: %w", p.ID, err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("finalize item %d: commit: %w", p.ID, err)
	}
	return nil
}

// Stats returns per-status counts and the mean ingest-to-completion latency in seconds.
func (r *WorkItemRepository) Stats(ctx context.Context) (model.Stats, error) {
	var stats model.Stats

	rows, err := r.db.Query(ctx, `SELECT status, COUNT(*) FROM work_items GROUP BY status`)
	if err != nil {
		return stats, fmt.Errorf("stats: count: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var status string
		var n int64
		if err := rows.Scan(&status, &n); err != nil {
			return stats, fmt.Errorf("stats: scan: %w", err)
		}
		switch model.Status(status) {
		case model.StatusPending:
			stats.Pending = n
		case model.StatusProcessing:
			stats.Processing = n
		case model.StatusCompleted:
			stats.Completed = n
		case model.StatusFailed:
			stats.Failed = n
		}
	}
	if err := rows.Err(); err != nil {
		return stats, fmt.Errorf("stats: rows: %w", err)
	}

	var avg float64
	err = r.db.QueryRow(ctx, `
		SELECT COALESCE(AVG(EXTRACT(EPOCH FROM (processed_at - ingested_at))), 0)::float8
		FROM work_items
		WHERE status = 'COMPLETED'
	`).Scan(&avg)
	if err != nil {
		return stats, fmt.Errorf("stats: latency: %w", err)
	}
	stats.AvgLatency = math.Round(avg*100) / 100

	return stats, nil
}

// GetByID loads one item.
func (r *WorkItemRepository) GetByID(ctx context.Context, id int64) (*model.WorkItem, error) {
	item, err := scanWorkItem(r.db.QueryRow(ctx, `SELECT `+workItemColumns+` FROM work_items WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: %d", ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("get work item %d: %w", id, err)
	}
	return item, nil
}

// ListRecent returns one page of items ordered newest first.
func (r *WorkItemRepository) ListRecent(ctx context.Context, page, limit int) (model.Page, error) {
	page, limit = clampPage(page, limit)
	result := model.Page{Page: page, Limit: limit, Items: []*model.WorkItem{}}

	if err := r.db.QueryRow(ctx, `SELECT COUNT(*) FROM work_items`).Scan(&result.Total); err != nil {
		return result, fmt.Errorf("list: count: %w", err)
	}
	result.Pages = int((result.Total + int64(limit) - 1) / int64(limit))

	rows, err := r.db.Query(ctx, `
		SELECT `+workItemColumns+`
		FROM work_items
		ORDER BY ingested_at DESC, id DESC
		LIMIT $1 OFFSET $2
	`, limit, (page-1)*limit)
	if err != nil {
		return result, fmt.Errorf("list: query: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		item, err := scanWorkItem(rows)
		if err != nil {
			return result, fmt.Errorf("list: scan: %w", err)
		}
		result.Items = append(result.Items, item)
	}
	return result, rows.Err()
}

// ExportAll streams every item, newest first, to fn. Iteration stops at the first error.
func (r *WorkItemRepository) ExportAll(ctx context.Context, fn func(*model.WorkItem) error) error {
	rows, err := r.db.Query(ctx, `
		SELECT `+workItemColumns+`
		FROM work_items
		ORDER BY ingested_at DESC, id DESC
	`)
	if err != nil {
		return fmt.Errorf("export: query: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		item, err := scanWorkItem(rows)
		if err != nil {
			return fmt.Errorf("export: scan: %w", err)
		}
		if err := fn(item); err != nil {
			return err
		}
	}
	return rows.Err()
}

// CountStuck counts items that have been PROCESSING for longer than olderThan.
func (r *WorkItemRepository) CountStuck(ctx context.Context, olderThan time.Duration) (int, error) {
	var n int
	err := r.db.QueryRow(ctx, `
		SELECT COUNT(*) FROM work_items
		WHERE status = 'PROCESSING' AND processing_started_at < $1
	`, time.Now().Add(-olderThan)).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count stuck: %w", err)
	}
	return n, nil
}

// ListStuck returns the oldest items that have been PROCESSING for longer than olderThan.
func (r *WorkItemRepository) ListStuck(ctx context.Context, olderThan time.Duration, limit int) ([]*model.WorkItem, error) {
	_, limit = clampPage(1, limit)
	rows, err := r.db.Query(ctx, `
		SELECT `+workItemColumns+`
		FROM work_items
		WHERE status = 'PROCESSING' AND processing_started_at < $1
		ORDER BY processing_started_at ASC, id ASC
		LIMIT $2
	`, time.Now().Add(-olderThan), limit)
	if err != nil {
		return nil, fmt.Errorf("list stuck: %w", err)
	}
	defer rows.Close()

	items := []*model.WorkItem{}
	for rows.Next() {
		item, err := scanWorkItem(rows)
		if err != nil {
			return nil, fmt.Errorf("list stuck: scan: %w", err)
		}
		items = append(items, item)
	}
	return items, rows.Err()
}

const (
	defaultPageLimit = 20
	maxPageLimit     = 500
	// maxPage 保证 (page-1)*limit 不溢出 OFFSET
	maxPage = math.MaxInt32 / maxPageLimit
)

func clampPage(page, limit int) (int, int) {
	if page < 1 {
		page = 1
	}
	if limit < 1 {
		limit = defaultPageLimit
	}
	if limit > maxPageLimit {
		limit = maxPageLimit
	}
	if page > maxPage {
		page = maxPage
	}
	return page, limit
}

func receivedAtArg(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}

func scanWorkItem(row pgx.Row) (*model.WorkItem, error) {
	var item model.WorkItem
	var status string
	var analysis []byte
	err := row.Scan(
		&item.ID,
		&item.ExternalID,
		&item.Sender,
		&item.Subject,
		&item.BodyOriginal,
		&item.BodyRedacted,
		&analysis,
		&item.Summary,
		&item.GeneratedReply,
		&status,
		&item.ReceivedAt,
		&item.IngestedAt,
		&item.ProcessingStartedAt,
		&item.ProcessedAt,
	)
	if err != nil {
		return nil, err
	}
	item.Status = model.Status(status)
	if analysis != nil {
		var a model.Analysis
		if err := json.Unmarshal(analysis, &a); err == nil {
			item.Analysis = &a
		} else {
			item.Analysis = &model.Analysis{}
		}
	}
	return &item, nil
}
