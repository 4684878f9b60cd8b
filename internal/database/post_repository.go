package database

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/i0switch/personaforge/internal/domain"
)

// postSelectList is the column list for SELECT/RETURNING on posts (single source for schema changes)
const postSelectList = `id, tenant_id, persona_id, body, image_urls, status,
			scheduled_at, published_at, external_id, auto_schedule,
			failure_category, last_error, created_at, updated_at`

// PostRepository manages content items in PostgreSQL.
type PostRepository struct {
	db *sqlx.DB
}

// NewPostRepository creates a new repository.
func NewPostRepository(db *sqlx.DB) *PostRepository {
	return &PostRepository{db: db}
}

// Create inserts a new post.
func (r *PostRepository) Create(ctx context.Context, post *domain.Post) (*domain.Post, error) {
	query := `
		INSERT INTO posts (tenant_id, persona_id, body, image_urls, status, scheduled_at, auto_schedule)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING ` + postSelectList

	row := r.db.QueryRowContext(ctx, query,
		post.TenantID, post.PersonaID, post.Body, pq.Array(post.ImageURLs),
		post.Status, post.ScheduledAt, post.AutoSchedule)

	created, err := scanPost(row)
	if err != nil {
		return nil, fmt.Errorf("create post: %w", err)
	}
	return created, nil
}

// GetByID retrieves a single post.
func (r *PostRepository) GetByID(ctx context.Context, id string) (*domain.Post, error) {
	query := `SELECT ` + postSelectList + ` FROM posts WHERE id = $1`

	post, err := scanPost(r.db.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get post: %w", err)
	}
	return post, nil
}

// MarkScheduled stamps a post scheduled with its target time.
func (r *PostRepository) MarkScheduled(ctx context.Context, id string, at time.Time) error {
	query := `
		UPDATE posts
		SET status = 'scheduled', scheduled_at = $2, updated_at = NOW()
		WHERE id = $1 AND status IN ('draft', 'scheduled', 'failed')`
	return r.execExpectOneRow(ctx, "mark scheduled", query, id, at)
}

// MarkProcessing stamps a post processing. Only claimable posts transition;
// anything else is a conflict from a concurrent worker.
func (r *PostRepository) MarkProcessing(ctx context.Context, id string) error {
	query := `
		UPDATE posts
		SET status = 'processing', updated_at = NOW()
		WHERE id = $1 AND status IN ('draft', 'scheduled')`
	return r.execExpectOneRow(ctx, "mark processing", query, id)
}

// MarkPublished stamps a post published with its platform id and timestamp.
// The guard on status makes a second publish transition impossible.
func (r *PostRepository) MarkPublished(ctx context.Context, id, externalID string) error {
	query := `
		UPDATE posts
		SET status = 'published',
		    external_id = NULLIF($2, ''),
		    published_at = NOW(),
		    failure_category = '',
		    last_error = NULL,
		    updated_at = NOW()
		WHERE id = $1 AND status <> 'published'`
	return r.execExpectOneRow(ctx, "mark published", query, id)
}

// MarkFailed stamps a post failed with its structured failure payload.
func (r *PostRepository) MarkFailed(ctx context.Context, id string, detail domain.FailureDetail) error {
	payload, err := json.Marshal(detail)
	if err != nil {
		return fmt.Errorf("marshal failure detail: %w", err)
	}

	query := `
		UPDATE posts
		SET status = 'failed',
		    failure_category = $2,
		    last_error = $3,
		    updated_at = NOW()
		WHERE id = $1 AND status <> 'published'`
	return r.execExpectOneRow(ctx, "mark failed", query, id, detail.Category, payload)
}

// FailedSince returns posts that failed within the trailing window, for
// rate-limit signal scanning.
func (r *PostRepository) FailedSince(ctx context.Context, since time.Time) ([]domain.Post, error) {
	query := `
		SELECT ` + postSelectList + `
		FROM posts
		WHERE status = 'failed' AND updated_at >= $1
		ORDER BY updated_at DESC`

	rows, err := r.db.QueryContext(ctx, query, since)
	if err != nil {
		return nil, fmt.Errorf("failed since: %w", err)
	}
	defer rows.Close()

	return scanPosts(rows)
}

// PersonasPublishedSince returns ids of personas with at least one successful
// publish after the given time.
func (r *PostRepository) PersonasPublishedSince(ctx context.Context, since time.Time) ([]string, error) {
	personas := []string{}
	err := r.db.SelectContext(ctx, &personas,
		`SELECT DISTINCT persona_id FROM posts
		 WHERE status = 'published' AND published_at >= $1`,
		since)
	if err != nil {
		return nil, fmt.Errorf("personas published since: %w", err)
	}
	return personas, nil
}

func (r *PostRepository) execExpectOneRow(ctx context.Context, op, query string, args ...any) error {
	result, err := r.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("%s affected rows: %w", op, err)
	}
	if rows == 0 {
		return domain.ErrNotFound
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanPost(row rowScanner) (*domain.Post, error) {
	var p domain.Post
	var images pq.StringArray

	err := row.Scan(
		&p.ID, &p.TenantID, &p.PersonaID, &p.Body, &images, &p.Status,
		&p.ScheduledAt, &p.PublishedAt, &p.ExternalID, &p.AutoSchedule,
		&p.FailureCategory, &p.LastError, &p.CreatedAt, &p.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	p.ImageURLs = images
	return &p, nil
}

func scanPosts(rows *sql.Rows) ([]domain.Post, error) {
	posts := []domain.Post{}
	for rows.Next() {
		p, err := scanPost(rows)
		if err != nil {
			return nil, fmt.Errorf("scan post: %w", err)
		}
		posts = append(posts, *p)
	}
	return posts, rows.Err()
}
