package database

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/i0switch/personaforge/internal/domain"
)

// replySelectList is the column list for SELECT on reply_jobs
const replySelectList = `id, tenant_id, persona_id, post_id, text, media_url, status,
			attempt_count, max_attempts, target_external_id, reply_external_id,
			last_error, created_at, updated_at`

// ReplyJobRepository manages self-reply jobs. Claim/resolve follows the same
// conditional-update discipline as the publish queue.
type ReplyJobRepository struct {
	db *sqlx.DB
}

// NewReplyJobRepository creates a new repository.
func NewReplyJobRepository(db *sqlx.DB) *ReplyJobRepository {
	return &ReplyJobRepository{db: db}
}

// Create inserts a new pending reply job for a post.
func (r *ReplyJobRepository) Create(ctx context.Context, job *domain.ReplyJob) (*domain.ReplyJob, error) {
	query := `
		INSERT INTO reply_jobs (tenant_id, persona_id, post_id, text, media_url, status, max_attempts)
		VALUES ($1, $2, $3, $4, $5, 'pending', $6)
		RETURNING ` + replySelectList

	var created domain.ReplyJob
	err := r.db.GetContext(ctx, &created, query,
		job.TenantID, job.PersonaID, job.PostID, job.Text, job.MediaURL, job.MaxAttempts)
	if err != nil {
		return nil, fmt.Errorf("create reply job: %w", err)
	}
	return &created, nil
}

// Pending returns claimable jobs in creation order.
func (r *ReplyJobRepository) Pending(ctx context.Context, limit int) ([]domain.ReplyJob, error) {
	query := `
		SELECT ` + replySelectList + `
		FROM reply_jobs
		WHERE status = 'pending'
		ORDER BY created_at ASC
		LIMIT $1`

	jobs := []domain.ReplyJob{}
	if err := r.db.SelectContext(ctx, &jobs, query, limit); err != nil {
		return nil, fmt.Errorf("pending reply jobs: %w", err)
	}
	return jobs, nil
}

// Claim takes exclusive ownership of a pending job and counts the attempt.
// At most one caller wins; the winner owns resolving the job.
func (r *ReplyJobRepository) Claim(ctx context.Context, id string) (bool, error) {
	query := `
		UPDATE reply_jobs
		SET status = 'processing', attempt_count = attempt_count + 1, updated_at = NOW()
		WHERE id = $1 AND status = 'pending'`

	result, err := r.db.ExecContext(ctx, query, id)
	if err != nil {
		return false, fmt.Errorf("claim reply job: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("claim reply job affected rows: %w", err)
	}
	return rows == 1, nil
}

// SetTarget persists the resolved external target id so later attempts do
// not repeat the lookup.
func (r *ReplyJobRepository) SetTarget(ctx context.Context, id, targetExternalID string) error {
	query := `
		UPDATE reply_jobs
		SET target_external_id = $2, updated_at = NOW()
		WHERE id = $1`
	return r.execExpectOneRow(ctx, "set target", query, id, targetExternalID)
}

// MarkSent resolves a processing job as sent. Sent jobs are immutable.
func (r *ReplyJobRepository) MarkSent(ctx context.Context, id, replyExternalID string) error {
	query := `
		UPDATE reply_jobs
		SET status = 'sent', reply_external_id = $2, last_error = NULL, updated_at = NOW()
		WHERE id = $1 AND status = 'processing'`

	if err := r.execExpectOneRow(ctx, "mark sent", query, id, replyExternalID); err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return domain.ErrClaimConflict
		}
		return err
	}
	return nil
}

// MarkFailed resolves a processing job after a failed attempt. Jobs with
// attempts remaining go back to pending; exhausted jobs become failed.
func (r *ReplyJobRepository) MarkFailed(ctx context.Context, id string, detail domain.FailureDetail) error {
	payload, err := json.Marshal(detail)
	if err != nil {
		return fmt.Errorf("marshal failure detail: %w", err)
	}

	query := `
		UPDATE reply_jobs
		SET status = CASE WHEN attempt_count >= max_attempts THEN 'failed' ELSE 'pending' END,
		    last_error = $2,
		    updated_at = NOW()
		WHERE id = $1 AND status = 'processing'`

	if err := r.execExpectOneRow(ctx, "mark failed", query, id, payload); err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return domain.ErrClaimConflict
		}
		return err
	}
	return nil
}

// MarkSkipped resolves a processing job that cannot ever be sent, e.g. when
// the source post failed permanently.
func (r *ReplyJobRepository) MarkSkipped(ctx context.Context, id, reason string) error {
	payload, err := json.Marshal(domain.FailureDetail{Category: domain.FailureAPI, Message: reason})
	if err != nil {
		return fmt.Errorf("marshal skip reason: %w", err)
	}

	query := `
		UPDATE reply_jobs
		SET status = 'skipped', last_error = $2, updated_at = NOW()
		WHERE id = $1 AND status = 'processing'`

	if err := r.execExpectOneRow(ctx, "mark skipped", query, id, payload); err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return domain.ErrClaimConflict
		}
		return err
	}
	return nil
}

// FailedSince returns jobs that failed within the trailing window, for
// rate-limit signal scanning.
func (r *ReplyJobRepository) FailedSince(ctx context.Context, since time.Time) ([]domain.ReplyJob, error) {
	query := `
		SELECT ` + replySelectList + `
		FROM reply_jobs
		WHERE status = 'failed' AND updated_at >= $1
		ORDER BY updated_at DESC`

	jobs := []domain.ReplyJob{}
	if err := r.db.SelectContext(ctx, &jobs, query, since); err != nil {
		return nil, fmt.Errorf("reply jobs failed since: %w", err)
	}
	return jobs, nil
}

// PersonasSentSince returns ids of personas with a reply sent after the given
// time.
func (r *ReplyJobRepository) PersonasSentSince(ctx context.Context, since time.Time) ([]string, error) {
	personas := []string{}
	err := r.db.SelectContext(ctx, &personas,
		`SELECT DISTINCT persona_id FROM reply_jobs
		 WHERE status = 'sent' AND updated_at >= $1`,
		since)
	if err != nil {
		return nil, fmt.Errorf("personas sent since: %w", err)
	}
	return personas, nil
}

// FailStuck forces processing jobs untouched for longer than staleAfter to
// failed, mirroring the publish queue's stuck-claim repair.
func (r *ReplyJobRepository) FailStuck(ctx context.Context, staleAfter time.Duration) (int64, error) {
	query := `
		UPDATE reply_jobs
		SET status = 'failed', updated_at = NOW()
		WHERE status = 'processing'
		  AND updated_at < NOW() - $1::interval`

	result, err := r.db.ExecContext(ctx, query, staleAfter.String())
	if err != nil {
		return 0, fmt.Errorf("fail stuck reply jobs: %w", err)
	}
	return result.RowsAffected()
}

func (r *ReplyJobRepository) execExpectOneRow(ctx context.Context, op, query string, args ...any) error {
	result, err := r.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	rows, rowsErr := result.RowsAffected()
	if rowsErr != nil {
		return fmt.Errorf("%s affected rows: %w", op, rowsErr)
	}
	if rows == 0 {
		return domain.ErrNotFound
	}
	return nil
}
