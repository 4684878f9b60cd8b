// Package ratelimit detects platform-side throttling from recent failures
// and owns the per-persona rate-limit flag.
package ratelimit

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/i0switch/personaforge/internal/domain"
	"github.com/i0switch/personaforge/internal/logger"
	"github.com/i0switch/personaforge/internal/metrics"
	"github.com/i0switch/personaforge/internal/threads"
)

const (
	defaultInterval      = 10 * time.Minute
	defaultFailureWindow = 24 * time.Hour
	defaultSuccessWindow = 2 * time.Hour
	defaultCooldown      = 24 * time.Hour
)

// FailureSource yields recently failed work carrying structured error
// payloads, and personas with recent successes.
type FailureSource interface {
	FailedSince(ctx context.Context, since time.Time) ([]domain.Post, error)
	PersonasPublishedSince(ctx context.Context, since time.Time) ([]string, error)
}

// ReplySource is the reply-job counterpart of FailureSource.
type ReplySource interface {
	FailedSince(ctx context.Context, since time.Time) ([]domain.ReplyJob, error)
	PersonasSentSince(ctx context.Context, since time.Time) ([]string, error)
}

// FlagStore owns the persisted rate-limit state.
type FlagStore interface {
	FlagRateLimited(ctx context.Context, personaID, reason string, liftAt time.Time) (bool, error)
	ClearRateLimit(ctx context.Context, personaID string) (bool, error)
	SweepExpiredRateLimits(ctx context.Context, now time.Time) (int64, error)
	RateLimitedPersonas(ctx context.Context, now time.Time) ([]string, error)
}

// Config holds detector options. Cooldown is an estimate: the platform does
// not say when a limit lifts, so the lift time is a conservative fixed offset
// and deliberately configurable.
type Config struct {
	Interval      time.Duration
	FailureWindow time.Duration
	SuccessWindow time.Duration
	Cooldown      time.Duration
}

// Detector scans recent failures for known throttling signatures and flags
// the affected personas. It never blocks publishing itself; the scheduler
// chooses whether to respect the flag.
type Detector struct {
	posts   FailureSource
	replies ReplySource
	flags   FlagStore
	logger  logger.Logger
	metrics *metrics.Metrics
	cfg     Config
	now     func() time.Time

	stopChan chan struct{}
	wg       sync.WaitGroup
	started  bool
	mu       sync.Mutex
}

// NewDetector creates a detector.
func NewDetector(posts FailureSource, replies ReplySource, flags FlagStore, cfg Config, log logger.Logger, m *metrics.Metrics) *Detector {
	if cfg.Interval <= 0 {
		cfg.Interval = defaultInterval
	}
	if cfg.FailureWindow <= 0 {
		cfg.FailureWindow = defaultFailureWindow
	}
	if cfg.SuccessWindow <= 0 {
		cfg.SuccessWindow = defaultSuccessWindow
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = defaultCooldown
	}
	return &Detector{
		posts:    posts,
		replies:  replies,
		flags:    flags,
		logger:   log,
		metrics:  m,
		cfg:      cfg,
		now:      time.Now,
		stopChan: make(chan struct{}),
	}
}

// RunOnce executes one detection pass: flag personas with throttling signals,
// clear flags with recent successes, sweep flags past their lift time.
func (d *Detector) RunOnce(ctx context.Context) (domain.DetectReport, error) {
	var report domain.DetectReport
	now := d.now()

	signals, err := d.collectSignals(ctx, now.Add(-d.cfg.FailureWindow))
	if err != nil {
		return report, err
	}

	liftAt := now.Add(d.cfg.Cooldown)
	for personaID, reason := range signals {
		flagged, err := d.flags.FlagRateLimited(ctx, personaID, reason, liftAt)
		if err != nil {
			d.logger.Error("failed to flag persona",
				logger.String("persona_id", personaID),
				logger.Error(err))
			continue
		}
		if flagged {
			report.Flagged++
			d.metrics.RateLimitFlags.Inc()
			d.logger.Warn("persona rate limited",
				logger.String("persona_id", personaID),
				logger.String("reason", reason),
				logger.Time("lift_at", liftAt))
		}
	}

	cleared, err := d.clearOnSuccess(ctx, now)
	if err != nil {
		return report, err
	}
	report.Cleared = cleared

	swept, err := d.flags.SweepExpiredRateLimits(ctx, now)
	if err != nil {
		return report, fmt.Errorf("sweep expired flags: %w", err)
	}
	report.Swept = int(swept)

	return report, nil
}

// collectSignals returns, per persona, the reason string of the first
// throttling signature found in the trailing failure window. Matching is
// exact against the fixed platform signature table.
func (d *Detector) collectSignals(ctx context.Context, since time.Time) (map[string]string, error) {
	signals := make(map[string]string)

	posts, err := d.posts.FailedSince(ctx, since)
	if err != nil {
		return nil, fmt.Errorf("scan failed posts: %w", err)
	}
	for i := range posts {
		if reason, ok := throttleReason(posts[i].LastError); ok {
			if _, seen := signals[posts[i].PersonaID]; !seen {
				signals[posts[i].PersonaID] = reason
			}
		}
	}

	jobs, err := d.replies.FailedSince(ctx, since)
	if err != nil {
		return nil, fmt.Errorf("scan failed replies: %w", err)
	}
	for i := range jobs {
		if reason, ok := throttleReason(jobs[i].LastError); ok {
			if _, seen := signals[jobs[i].PersonaID]; !seen {
				signals[jobs[i].PersonaID] = reason
			}
		}
	}

	return signals, nil
}

// clearOnSuccess unflags personas with a publish or reply success inside the
// success window. A real success is stronger evidence than the estimated
// cooldown.
func (d *Detector) clearOnSuccess(ctx context.Context, now time.Time) (int, error) {
	flagged, err := d.flags.RateLimitedPersonas(ctx, now)
	if err != nil {
		return 0, fmt.Errorf("load flagged personas: %w", err)
	}
	if len(flagged) == 0 {
		return 0, nil
	}

	since := now.Add(-d.cfg.SuccessWindow)
	succeeded := make(map[string]bool)

	published, err := d.posts.PersonasPublishedSince(ctx, since)
	if err != nil {
		return 0, fmt.Errorf("load recent publishers: %w", err)
	}
	for _, id := range published {
		succeeded[id] = true
	}

	sent, err := d.replies.PersonasSentSince(ctx, since)
	if err != nil {
		return 0, fmt.Errorf("load recent repliers: %w", err)
	}
	for _, id := range sent {
		succeeded[id] = true
	}

	cleared := 0
	for _, personaID := range flagged {
		if !succeeded[personaID] {
			continue
		}
		ok, err := d.flags.ClearRateLimit(ctx, personaID)
		if err != nil {
			d.logger.Error("failed to clear rate-limit flag",
				logger.String("persona_id", personaID),
				logger.Error(err))
			continue
		}
		if ok {
			cleared++
			d.logger.Info("rate-limit flag cleared after successful publish",
				logger.String("persona_id", personaID))
		}
	}
	return cleared, nil
}

// throttleReason inspects a persisted failure payload and returns a reason
// string when it matches a known throttling signature.
func throttleReason(payload []byte) (string, bool) {
	if len(payload) == 0 {
		return "", false
	}

	var detail domain.FailureDetail
	if err := json.Unmarshal(payload, &detail); err != nil {
		return "", false
	}

	if detail.Category == domain.FailureRateLimit {
		return detail.Message, true
	}
	if threads.IsRateLimitSignature(detail.Code, detail.Subcode) {
		return detail.Message, true
	}
	return "", false
}

// Start begins the periodic detection loop.
func (d *Detector) Start(ctx context.Context) {
	d.mu.Lock()
	if d.started {
		d.mu.Unlock()
		return
	}
	d.started = true
	d.mu.Unlock()

	d.wg.Add(1)
	go d.run(ctx)

	d.logger.Info("rate-limit detector started",
		logger.Duration("interval", d.cfg.Interval),
		logger.Duration("cooldown", d.cfg.Cooldown))
}

// Stop gracefully stops the loop.
func (d *Detector) Stop() {
	d.mu.Lock()
	if !d.started {
		d.mu.Unlock()
		return
	}
	d.mu.Unlock()

	close(d.stopChan)
	d.wg.Wait()
	d.logger.Info("rate-limit detector stopped")
}

func (d *Detector) run(ctx context.Context) {
	defer d.wg.Done()

	ticker := time.NewTicker(d.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if _, err := d.RunOnce(ctx); err != nil {
				d.logger.Error("rate-limit detection pass failed", logger.Error(err))
			}
		case <-d.stopChan:
			return
		case <-ctx.Done():
			return
		}
	}
}
