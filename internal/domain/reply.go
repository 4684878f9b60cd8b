package domain

import "time"

// ReplyStatus represents the state of a self-reply job.
type ReplyStatus string

const (
	ReplyStatusPending    ReplyStatus = "pending"
	ReplyStatusProcessing ReplyStatus = "processing"
	ReplyStatusSent       ReplyStatus = "sent"
	ReplyStatusFailed     ReplyStatus = "failed"
	ReplyStatusSkipped    ReplyStatus = "skipped"
)

// ReplyJob posts a follow-up reply to a just-published post. The external
// target id is unknown until the source post is published; once resolved it
// is persisted so retries do not repeat the lookup.
type ReplyJob struct {
	ID               string      `db:"id"                 json:"id"`
	TenantID         string      `db:"tenant_id"          json:"tenant_id"`
	PersonaID        string      `db:"persona_id"         json:"persona_id"`
	PostID           string      `db:"post_id"            json:"post_id"`
	Text             string      `db:"text"               json:"text"`
	MediaURL         *string     `db:"media_url"          json:"media_url,omitempty"`
	Status           ReplyStatus `db:"status"             json:"status"`
	AttemptCount     int         `db:"attempt_count"      json:"attempt_count"`
	MaxAttempts      int         `db:"max_attempts"       json:"max_attempts"`
	TargetExternalID *string     `db:"target_external_id" json:"target_external_id,omitempty"`
	ReplyExternalID  *string     `db:"reply_external_id"  json:"reply_external_id,omitempty"`
	LastError        []byte      `db:"last_error"         json:"-"`
	CreatedAt        time.Time   `db:"created_at"         json:"created_at"`
	UpdatedAt        time.Time   `db:"updated_at"         json:"updated_at"`
}

// Exhausted reports whether all attempts have been used.
func (j *ReplyJob) Exhausted() bool {
	return j.AttemptCount >= j.MaxAttempts
}
