package domain

import "time"

// QueueStatus represents the state of a publish queue item.
type QueueStatus string

const (
	QueueStatusQueued     QueueStatus = "queued"
	QueueStatusScheduled  QueueStatus = "scheduled"
	QueueStatusProcessing QueueStatus = "processing"
	QueueStatusCompleted  QueueStatus = "completed"
	QueueStatusFailed     QueueStatus = "failed"
)

// QueueItem is one unit of scheduled publish work. At most one item may be
// processing for a given post; duplicates among active items are an anomaly
// healed by the auditor, never a valid state.
type QueueItem struct {
	ID        string      `db:"id"         json:"id"`
	TenantID  string      `db:"tenant_id"  json:"tenant_id"`
	PostID    string      `db:"post_id"    json:"post_id"`
	Status    QueueStatus `db:"status"     json:"status"`
	TargetAt  time.Time   `db:"target_at"  json:"target_at"`
	Ordinal   int         `db:"ordinal"    json:"ordinal"`
	CreatedAt time.Time   `db:"created_at" json:"created_at"`
	UpdatedAt time.Time   `db:"updated_at" json:"updated_at"`
}

// IsActive reports whether the item still represents pending work.
func (q *QueueItem) IsActive() bool {
	switch q.Status {
	case QueueStatusQueued, QueueStatusScheduled, QueueStatusProcessing:
		return true
	default:
		return false
	}
}

// QueueStats holds publish queue statistics for monitoring.
type QueueStats struct {
	Total                int64   `json:"total"`
	Queued               int64   `json:"queued"`
	Processing           int64   `json:"processing"`
	Completed            int64   `json:"completed"`
	Failed               int64   `json:"failed"`
	Ready                int64   `json:"ready"`
	Overdue              int64   `json:"overdue"`
	AvgPublishLagSeconds float64 `json:"avg_publish_lag_seconds"`
}
