package api

import (
	"context"
	"fmt"
	"time"

	"github.com/i0switch/personaforge/internal/domain"
)

const refreshedWindow = 24 * time.Hour

// QueueStatsStore is the queue reporting surface the status service needs.
type QueueStatsStore interface {
	Stats(ctx context.Context, overdueAfter time.Duration) (*domain.QueueStats, error)
	CountDuplicates(ctx context.Context) (int64, error)
	CountOrphans(ctx context.Context) (int64, error)
}

// CredentialStatsStore reports credential refresh activity.
type CredentialStatsStore interface {
	CountRefreshedSince(ctx context.Context, since time.Time) (int64, error)
}

// StatusService aggregates operator-facing statistics. Duplicate and orphan
// counts are live observations; the auditor usually heals them before anyone
// looks.
type StatusService struct {
	queue        QueueStatsStore
	creds        CredentialStatsStore
	overdueAfter time.Duration
	now          func() time.Time
}

// NewStatusService creates a status service. overdueAfter is how far past its
// target a claimable item must be to count as overdue.
func NewStatusService(queue QueueStatsStore, creds CredentialStatsStore, overdueAfter time.Duration) *StatusService {
	if overdueAfter <= 0 {
		overdueAfter = 5 * time.Minute
	}
	return &StatusService{
		queue:        queue,
		creds:        creds,
		overdueAfter: overdueAfter,
		now:          time.Now,
	}
}

// Summary builds the dashboard summary.
func (s *StatusService) Summary(ctx context.Context) (*domain.StatusSummary, error) {
	stats, err := s.queue.Stats(ctx, s.overdueAfter)
	if err != nil {
		return nil, fmt.Errorf("queue stats: %w", err)
	}

	duplicates, err := s.queue.CountDuplicates(ctx)
	if err != nil {
		return nil, fmt.Errorf("count duplicates: %w", err)
	}
	orphaned, err := s.queue.CountOrphans(ctx)
	if err != nil {
		return nil, fmt.Errorf("count orphans: %w", err)
	}
	refreshed, err := s.creds.CountRefreshedSince(ctx, s.now().Add(-refreshedWindow))
	if err != nil {
		return nil, fmt.Errorf("count refreshed: %w", err)
	}

	return &domain.StatusSummary{
		Total:      stats.Total,
		Ready:      stats.Ready,
		Overdue:    stats.Overdue,
		Refreshed:  refreshed,
		Failed:     stats.Failed,
		Duplicates: duplicates,
		Orphaned:   orphaned,
	}, nil
}

// QueueStats returns the raw queue statistics.
func (s *StatusService) QueueStats(ctx context.Context) (*domain.QueueStats, error) {
	return s.queue.Stats(ctx, s.overdueAfter)
}
