package domain

import (
	"fmt"
	"time"
)

// PostStatus represents the lifecycle state of a content item.
type PostStatus string

const (
	PostStatusDraft      PostStatus = "draft"
	PostStatusScheduled  PostStatus = "scheduled"
	PostStatusProcessing PostStatus = "processing"
	PostStatusPublished  PostStatus = "published"
	PostStatusFailed     PostStatus = "failed"
)

// Post is a drafted content item owned by a persona. A published post always
// carries a publish timestamp and, when the platform returned one, the
// platform-assigned external id.
type Post struct {
	ID              string          `db:"id"               json:"id"`
	TenantID        string          `db:"tenant_id"        json:"tenant_id"`
	PersonaID       string          `db:"persona_id"       json:"persona_id"`
	Body            string          `db:"body"             json:"body"`
	ImageURLs       []string        `db:"image_urls"       json:"image_urls"`
	Status          PostStatus      `db:"status"           json:"status"`
	ScheduledAt     *time.Time      `db:"scheduled_at"     json:"scheduled_at,omitempty"`
	PublishedAt     *time.Time      `db:"published_at"     json:"published_at,omitempty"`
	ExternalID      *string         `db:"external_id"      json:"external_id,omitempty"`
	AutoSchedule    bool            `db:"auto_schedule"    json:"auto_schedule"`
	FailureCategory FailureCategory `db:"failure_category" json:"failure_category,omitempty"`
	LastError       []byte          `db:"last_error"       json:"-"`
	CreatedAt       time.Time       `db:"created_at"       json:"created_at"`
	UpdatedAt       time.Time       `db:"updated_at"       json:"updated_at"`
}

// NewPost creates a draft post with validation.
func NewPost(tenantID, personaID, body string) (*Post, error) {
	if tenantID == "" {
		return nil, fmt.Errorf("%w: tenant_id is required", ErrInvalidPost)
	}
	if personaID == "" {
		return nil, fmt.Errorf("%w: persona_id is required", ErrInvalidPost)
	}
	if body == "" {
		return nil, fmt.Errorf("%w: body is required", ErrInvalidPost)
	}

	now := time.Now()
	return &Post{
		TenantID:  tenantID,
		PersonaID: personaID,
		Body:      body,
		ImageURLs: []string{},
		Status:    PostStatusDraft,
		CreatedAt: now,
		UpdatedAt: now,
	}, nil
}

// IsTerminal reports whether the post reached a final state.
func (p *Post) IsTerminal() bool {
	return p.Status == PostStatusPublished || p.Status == PostStatusFailed
}
