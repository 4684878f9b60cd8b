package database

import (
	"context"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/i0switch/personaforge/internal/domain"
)

// queueSelectList is the column list for SELECT on publish_queue (single source for schema changes)
const queueSelectList = `id, tenant_id, post_id, status, target_at, ordinal, created_at, updated_at`

// QueueRepository manages the publish queue in PostgreSQL. All state
// transitions are single conditional statements; claim ownership is decided
// by the affected-row count, never by read-then-write.
type QueueRepository struct {
	db *sqlx.DB
}

// NewQueueRepository creates a new repository.
func NewQueueRepository(db *sqlx.DB) *QueueRepository {
	return &QueueRepository{db: db}
}

// Enqueue inserts a new queued item for a post. Callers must have verified no
// active item already exists for the post; a duplicate slipping through a race
// is healed by the auditor, not rejected here.
func (r *QueueRepository) Enqueue(ctx context.Context, tenantID, postID string, targetAt time.Time, ordinal int) (*domain.QueueItem, error) {
	query := `
		INSERT INTO publish_queue (tenant_id, post_id, status, target_at, ordinal)
		VALUES ($1, $2, 'queued', $3, $4)
		RETURNING ` + queueSelectList

	var item domain.QueueItem
	err := r.db.GetContext(ctx, &item, query, tenantID, postID, targetAt, ordinal)
	if err != nil {
		return nil, fmt.Errorf("enqueue: %w", err)
	}
	return &item, nil
}

// HasActiveForPost reports whether a non-terminal queue item already exists
// for a post. Callers check this before Enqueue; a duplicate slipping through
// the check-then-insert window is healed by the auditor.
func (r *QueueRepository) HasActiveForPost(ctx context.Context, postID string) (bool, error) {
	query := `
		SELECT EXISTS (
			SELECT 1 FROM publish_queue
			WHERE post_id = $1 AND status IN ('queued', 'scheduled', 'processing')
		)`

	var exists bool
	if err := r.db.GetContext(ctx, &exists, query, postID); err != nil {
		return false, fmt.Errorf("active item lookup: %w", err)
	}
	return exists, nil
}

// NextOrdinal returns the next free ordinal position for a tenant's queue.
func (r *QueueRepository) NextOrdinal(ctx context.Context, tenantID string) (int, error) {
	var ordinal int
	err := r.db.GetContext(ctx, &ordinal,
		`SELECT COALESCE(MAX(ordinal), 0) + 1 FROM publish_queue
		 WHERE tenant_id = $1 AND status IN ('queued', 'scheduled')`,
		tenantID)
	if err != nil {
		return 0, fmt.Errorf("next ordinal: %w", err)
	}
	return ordinal, nil
}

// DueItems returns claimable items whose target time has passed, ordered by
// ordinal then target time. Selection does not claim; each item must still
// win Claim before it may be processed.
func (r *QueueRepository) DueItems(ctx context.Context, now time.Time, limit int) ([]domain.QueueItem, error) {
	query := `
		SELECT ` + queueSelectList + `
		FROM publish_queue
		WHERE status IN ('queued', 'scheduled')
		  AND target_at <= $1
		ORDER BY ordinal ASC, target_at ASC
		LIMIT $2`

	items := []domain.QueueItem{}
	if err := r.db.SelectContext(ctx, &items, query, now, limit); err != nil {
		return nil, fmt.Errorf("due items: %w", err)
	}
	return items, nil
}

// Claim attempts to take exclusive ownership of a queue item. The update only
// matches while the item is still claimable, so of N concurrent callers
// exactly one sees true. The winner owns resolving the item.
func (r *QueueRepository) Claim(ctx context.Context, id string) (bool, error) {
	query := `
		UPDATE publish_queue
		SET status = 'processing', updated_at = NOW()
		WHERE id = $1 AND status IN ('queued', 'scheduled')`

	result, err := r.db.ExecContext(ctx, query, id)
	if err != nil {
		return false, fmt.Errorf("claim: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("claim affected rows: %w", err)
	}
	return rows == 1, nil
}

// Resolve transitions a processing item to completed or failed. Resolving an
// item that is not processing returns ErrClaimConflict and changes nothing.
func (r *QueueRepository) Resolve(ctx context.Context, id string, outcome domain.QueueStatus) error {
	if outcome != domain.QueueStatusCompleted && outcome != domain.QueueStatusFailed {
		return fmt.Errorf("resolve: invalid outcome %q", outcome)
	}

	query := `
		UPDATE publish_queue
		SET status = $2, updated_at = NOW()
		WHERE id = $1 AND status = 'processing'`

	result, err := r.db.ExecContext(ctx, query, id, outcome)
	if err != nil {
		return fmt.Errorf("resolve: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("resolve affected rows: %w", err)
	}
	if rows == 0 {
		return domain.ErrClaimConflict
	}
	return nil
}

// FailStuck forces processing items untouched for longer than staleAfter to
// failed. The owning worker is presumed dead; the item is never put back to
// queued directly, so a merely slow worker cannot cause a double publish.
func (r *QueueRepository) FailStuck(ctx context.Context, staleAfter time.Duration) (int64, error) {
	query := `
		UPDATE publish_queue
		SET status = 'failed', updated_at = NOW()
		WHERE status = 'processing'
		  AND updated_at < NOW() - $1::interval`

	result, err := r.db.ExecContext(ctx, query, staleAfter.String())
	if err != nil {
		return 0, fmt.Errorf("fail stuck: %w", err)
	}
	return result.RowsAffected()
}

// CollapseDuplicates deletes redundant active items that share a post and
// status, keeping the oldest of each group.
func (r *QueueRepository) CollapseDuplicates(ctx context.Context) (int64, error) {
	query := `
		DELETE FROM publish_queue a
		USING publish_queue b
		WHERE a.post_id = b.post_id
		  AND a.status = b.status
		  AND a.status IN ('queued', 'scheduled', 'processing')
		  AND (a.created_at > b.created_at
		       OR (a.created_at = b.created_at AND a.id > b.id))`

	result, err := r.db.ExecContext(ctx, query)
	if err != nil {
		return 0, fmt.Errorf("collapse duplicates: %w", err)
	}
	return result.RowsAffected()
}

// DeleteOrphans removes queue items whose post no longer exists.
func (r *QueueRepository) DeleteOrphans(ctx context.Context) (int64, error) {
	query := `
		DELETE FROM publish_queue q
		WHERE NOT EXISTS (SELECT 1 FROM posts p WHERE p.id = q.post_id)`

	result, err := r.db.ExecContext(ctx, query)
	if err != nil {
		return 0, fmt.Errorf("delete orphans: %w", err)
	}
	return result.RowsAffected()
}

// ReconcileTerminal completes lingering non-completed items whose post is
// already published.
func (r *QueueRepository) ReconcileTerminal(ctx context.Context) (int64, error) {
	query := `
		UPDATE publish_queue q
		SET status = 'completed', updated_at = NOW()
		FROM posts p
		WHERE p.id = q.post_id
		  AND p.status = 'published'
		  AND q.status <> 'completed'`

	result, err := r.db.ExecContext(ctx, query)
	if err != nil {
		return 0, fmt.Errorf("reconcile terminal: %w", err)
	}
	return result.RowsAffected()
}

// CountDuplicates reports active items that would be removed by duplicate
// collapse, without mutating anything.
func (r *QueueRepository) CountDuplicates(ctx context.Context) (int64, error) {
	query := `
		SELECT COALESCE(SUM(cnt - 1), 0) FROM (
			SELECT COUNT(*) AS cnt
			FROM publish_queue
			WHERE status IN ('queued', 'scheduled', 'processing')
			GROUP BY post_id, status
			HAVING COUNT(*) > 1
		) dup`

	var count int64
	if err := r.db.GetContext(ctx, &count, query); err != nil {
		return 0, fmt.Errorf("count duplicates: %w", err)
	}
	return count, nil
}

// CountOrphans reports queue items whose post no longer exists.
func (r *QueueRepository) CountOrphans(ctx context.Context) (int64, error) {
	query := `
		SELECT COUNT(*) FROM publish_queue q
		WHERE NOT EXISTS (SELECT 1 FROM posts p WHERE p.id = q.post_id)`

	var count int64
	if err := r.db.GetContext(ctx, &count, query); err != nil {
		return 0, fmt.Errorf("count orphans: %w", err)
	}
	return count, nil
}

// Stats returns publish queue statistics. Overdue counts claimable items more
// than overdueAfter past their target.
func (r *QueueRepository) Stats(ctx context.Context, overdueAfter time.Duration) (*domain.QueueStats, error) {
	query := `
		SELECT
			COUNT(*) AS total,
			COUNT(*) FILTER (WHERE status IN ('queued', 'scheduled')) AS queued,
			COUNT(*) FILTER (WHERE status = 'processing') AS processing,
			COUNT(*) FILTER (WHERE status = 'completed') AS completed,
			COUNT(*) FILTER (WHERE status = 'failed') AS failed,
			COUNT(*) FILTER (WHERE status IN ('queued', 'scheduled') AND target_at <= NOW()) AS ready,
			COUNT(*) FILTER (WHERE status IN ('queued', 'scheduled') AND target_at < NOW() - $1::interval) AS overdue,
			COALESCE(AVG(EXTRACT(EPOCH FROM (updated_at - target_at)))
				FILTER (WHERE status = 'completed' AND updated_at > NOW() - INTERVAL '1 hour'), 0) AS avg_publish_lag_seconds
		FROM publish_queue`

	var stats domain.QueueStats
	err := r.db.QueryRowContext(ctx, query, overdueAfter.String()).Scan(
		&stats.Total,
		&stats.Queued,
		&stats.Processing,
		&stats.Completed,
		&stats.Failed,
		&stats.Ready,
		&stats.Overdue,
		&stats.AvgPublishLagSeconds,
	)
	if err != nil {
		return nil, fmt.Errorf("queue stats: %w", err)
	}
	return &stats, nil
}
