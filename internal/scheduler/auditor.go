package scheduler

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"github.com/i0switch/personaforge/internal/domain"
	"github.com/i0switch/personaforge/internal/logger"
	"github.com/i0switch/personaforge/internal/metrics"
)

// AuditStore is the repair surface the auditor needs.
type AuditStore interface {
	FailStuck(ctx context.Context, staleAfter time.Duration) (int64, error)
	CollapseDuplicates(ctx context.Context) (int64, error)
	DeleteOrphans(ctx context.Context) (int64, error)
	ReconcileTerminal(ctx context.Context) (int64, error)
}

// Auditor detects and repairs queue anomalies: stuck claims, duplicates,
// orphans, and queue rows lagging behind already-published posts. Every pass
// is idempotent and safe to run concurrently with the dispatcher.
type Auditor struct {
	queue      AuditStore
	staleAfter time.Duration
	logger     logger.Logger
	metrics    *metrics.Metrics
	tracer     trace.Tracer
}

// NewAuditor creates an auditor. staleAfter is how long a processing claim
// may go untouched before its worker is presumed dead.
func NewAuditor(queue AuditStore, staleAfter time.Duration, log logger.Logger, m *metrics.Metrics) *Auditor {
	if staleAfter <= 0 {
		staleAfter = 10 * time.Minute
	}
	return &Auditor{
		queue:      queue,
		staleAfter: staleAfter,
		logger:     log,
		metrics:    m,
		tracer:     otel.Tracer("auditor"),
	}
}

// RunOnce executes the four repair passes in order. A stuck claim is forced
// to failed, never back to queued: if the original worker were merely slow, a
// re-queued row could publish twice. Restarting is an explicit re-enqueue.
func (a *Auditor) RunOnce(ctx context.Context) (domain.AuditReport, error) {
	ctx, span := a.tracer.Start(ctx, "queue.audit")
	defer span.End()

	var report domain.AuditReport
	var err error

	report.Stuck, err = a.queue.FailStuck(ctx, a.staleAfter)
	if err != nil {
		return report, fmt.Errorf("stuck-processing repair: %w", err)
	}

	report.Duplicates, err = a.queue.CollapseDuplicates(ctx)
	if err != nil {
		return report, fmt.Errorf("duplicate collapse: %w", err)
	}

	report.Orphaned, err = a.queue.DeleteOrphans(ctx)
	if err != nil {
		return report, fmt.Errorf("orphan removal: %w", err)
	}

	report.Reconciled, err = a.queue.ReconcileTerminal(ctx)
	if err != nil {
		return report, fmt.Errorf("terminal reconciliation: %w", err)
	}

	a.record(report)
	return report, nil
}

func (a *Auditor) record(report domain.AuditReport) {
	a.metrics.AuditRepairs.WithLabelValues("stuck").Add(float64(report.Stuck))
	a.metrics.AuditRepairs.WithLabelValues("duplicate").Add(float64(report.Duplicates))
	a.metrics.AuditRepairs.WithLabelValues("orphan").Add(float64(report.Orphaned))
	a.metrics.AuditRepairs.WithLabelValues("reconciled").Add(float64(report.Reconciled))

	if report.Changed() {
		a.logger.Warn("queue anomalies repaired",
			logger.Int64("stuck", report.Stuck),
			logger.Int64("duplicates", report.Duplicates),
			logger.Int64("orphaned", report.Orphaned),
			logger.Int64("reconciled", report.Reconciled))
	}
}
