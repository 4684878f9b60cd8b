package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/i0switch/personaforge/internal/logger"
)

const (
	defaultDispatchInterval = time.Minute
	defaultAuditInterval    = 5 * time.Minute
)

// Worker runs the dispatcher and auditor on independent tickers. Correctness
// does not depend on this being the only running copy: every mutation is a
// conditional update, so overlapping workers race safely.
type Worker struct {
	scheduler *Scheduler
	auditor   *Auditor
	logger    logger.Logger

	dispatchInterval time.Duration
	auditInterval    time.Duration

	stopChan chan struct{}
	wg       sync.WaitGroup
	started  bool
	mu       sync.Mutex
}

// NewWorker creates a worker.
func NewWorker(s *Scheduler, a *Auditor, dispatchInterval, auditInterval time.Duration, log logger.Logger) *Worker {
	if dispatchInterval <= 0 {
		dispatchInterval = defaultDispatchInterval
	}
	if auditInterval <= 0 {
		auditInterval = defaultAuditInterval
	}
	return &Worker{
		scheduler:        s,
		auditor:          a,
		logger:           log,
		dispatchInterval: dispatchInterval,
		auditInterval:    auditInterval,
		stopChan:         make(chan struct{}),
	}
}

// Start begins the dispatch and audit loops.
func (w *Worker) Start(ctx context.Context) {
	w.mu.Lock()
	if w.started {
		w.mu.Unlock()
		return
	}
	w.started = true
	w.mu.Unlock()

	w.wg.Add(1)
	go w.runDispatch(ctx)

	w.wg.Add(1)
	go w.runAudit(ctx)

	w.logger.Info("scheduler worker started",
		logger.Duration("dispatch_interval", w.dispatchInterval),
		logger.Duration("audit_interval", w.auditInterval))
}

// Stop gracefully stops the worker.
func (w *Worker) Stop() {
	w.mu.Lock()
	if !w.started {
		w.mu.Unlock()
		return
	}
	w.mu.Unlock()

	close(w.stopChan)
	w.wg.Wait()
	w.logger.Info("scheduler worker stopped")
}

func (w *Worker) runDispatch(ctx context.Context) {
	defer w.wg.Done()

	ticker := time.NewTicker(w.dispatchInterval)
	defer ticker.Stop()

	// Dispatch immediately on start
	w.tick(ctx)

	for {
		select {
		case <-ticker.C:
			w.tick(ctx)
		case <-w.stopChan:
			return
		case <-ctx.Done():
			return
		}
	}
}

func (w *Worker) tick(ctx context.Context) {
	if err := w.scheduler.Tick(ctx); err != nil {
		w.logger.Error("dispatch tick failed", logger.Error(err))
	}
}

func (w *Worker) runAudit(ctx context.Context) {
	defer w.wg.Done()

	ticker := time.NewTicker(w.auditInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if _, err := w.auditor.RunOnce(ctx); err != nil {
				w.logger.Error("queue audit failed", logger.Error(err))
			}
		case <-w.stopChan:
			return
		case <-ctx.Done():
			return
		}
	}
}
