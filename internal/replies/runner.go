// Package replies sends follow-up replies under a persona's own published
// posts.
package replies

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/i0switch/personaforge/internal/domain"
	"github.com/i0switch/personaforge/internal/logger"
	"github.com/i0switch/personaforge/internal/metrics"
	"github.com/i0switch/personaforge/internal/secrets"
	"github.com/i0switch/personaforge/internal/threads"
)

const (
	defaultInterval   = 2 * time.Minute
	defaultBatchSize  = 10
	defaultStaleAfter = 10 * time.Minute

	// How many recent remote posts to scan when resolving a reply target
	// whose external id was never captured.
	recentLookupLimit = 25
)

// JobStore is the reply-job surface the runner needs.
type JobStore interface {
	Pending(ctx context.Context, limit int) ([]domain.ReplyJob, error)
	FailStuck(ctx context.Context, staleAfter time.Duration) (int64, error)
	Claim(ctx context.Context, id string) (bool, error)
	SetTarget(ctx context.Context, id, targetExternalID string) error
	MarkSent(ctx context.Context, id, replyExternalID string) error
	MarkFailed(ctx context.Context, id string, detail domain.FailureDetail) error
	MarkSkipped(ctx context.Context, id, reason string) error
}

// PostStore loads the source post a reply targets.
type PostStore interface {
	GetByID(ctx context.Context, id string) (*domain.Post, error)
}

// CredentialStore reads credential metadata for the replying persona.
type CredentialStore interface {
	GetByPersona(ctx context.Context, personaID string) (*domain.PersonaCredential, error)
}

// Publisher is the API surface for publishing a reply and resolving its
// target.
type Publisher interface {
	CreateContainer(ctx context.Context, token, userID string, req threads.ContainerRequest) (string, error)
	PublishContainer(ctx context.Context, token, userID, containerID string) (string, error)
	RecentPosts(ctx context.Context, token, userID string, limit int) ([]threads.RemotePost, error)
}

// Config holds runner options.
type Config struct {
	Interval   time.Duration
	BatchSize  int
	StaleAfter time.Duration
}

// Runner claims pending reply jobs and publishes them as replies to their
// source post. Claiming counts the attempt, so a crashed run still consumes
// one of the job's attempts.
type Runner struct {
	jobs    JobStore
	posts   PostStore
	creds   CredentialStore
	store   secrets.Store
	client  Publisher
	logger  logger.Logger
	metrics *metrics.Metrics
	cfg     Config
	now     func() time.Time

	stopChan chan struct{}
	wg       sync.WaitGroup
	started  bool
	mu       sync.Mutex
}

// NewRunner creates a runner.
func NewRunner(jobs JobStore, posts PostStore, creds CredentialStore, store secrets.Store, client Publisher, cfg Config, log logger.Logger, m *metrics.Metrics) *Runner {
	if cfg.Interval <= 0 {
		cfg.Interval = defaultInterval
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = defaultBatchSize
	}
	if cfg.StaleAfter <= 0 {
		cfg.StaleAfter = defaultStaleAfter
	}
	return &Runner{
		jobs:     jobs,
		posts:    posts,
		creds:    creds,
		store:    store,
		client:   client,
		logger:   log,
		metrics:  m,
		cfg:      cfg,
		now:      time.Now,
		stopChan: make(chan struct{}),
	}
}

// RunOnce executes one reply pass: heal claims orphaned by a crashed run,
// then work through pending jobs.
func (r *Runner) RunOnce(ctx context.Context) error {
	stuck, err := r.jobs.FailStuck(ctx, r.cfg.StaleAfter)
	if err != nil {
		return fmt.Errorf("fail stuck reply jobs: %w", err)
	}
	if stuck > 0 {
		r.logger.Warn("failed stuck reply claims", logger.Int64("count", stuck))
	}

	jobs, err := r.jobs.Pending(ctx, r.cfg.BatchSize)
	if err != nil {
		return fmt.Errorf("select pending reply jobs: %w", err)
	}

	for i := range jobs {
		if ctx.Err() != nil {
			return nil
		}
		r.processJob(ctx, &jobs[i])
	}
	return nil
}

func (r *Runner) processJob(ctx context.Context, job *domain.ReplyJob) {
	claimed, err := r.jobs.Claim(ctx, job.ID)
	if err != nil {
		r.logger.Error("claim failed",
			logger.String("reply_id", job.ID),
			logger.Error(err))
		return
	}
	if !claimed {
		r.logger.Debug("lost claim race", logger.String("reply_id", job.ID))
		return
	}

	post, err := r.posts.GetByID(ctx, job.PostID)
	if errors.Is(err, domain.ErrNotFound) {
		r.skip(ctx, job, "source post no longer exists")
		return
	}
	if err != nil {
		r.fail(ctx, job, domain.FailureDetail{
			Category: domain.FailureAPI,
			Message:  "load source post: " + err.Error(),
		})
		return
	}

	switch post.Status {
	case domain.PostStatusPublished:
		// Proceed.
	case domain.PostStatusFailed:
		r.skip(ctx, job, "source post failed permanently")
		return
	default:
		// Not published yet. Counts as a failed attempt; the job returns to
		// pending until the attempts run out.
		r.fail(ctx, job, domain.FailureDetail{
			Category: domain.FailureAPI,
			Message:  "source post not yet published",
		})
		return
	}

	cred, err := r.creds.GetByPersona(ctx, post.PersonaID)
	if err != nil {
		r.fail(ctx, job, domain.FailureDetail{
			Category: domain.FailureToken,
			Message:  "no credential configured for persona",
		})
		return
	}
	if cred.TokenExpired(r.now()) {
		r.fail(ctx, job, domain.FailureDetail{
			Category: domain.FailureToken,
			Message:  "credential expired or has no trusted expiry",
		})
		return
	}

	token, err := r.store.Get(ctx, cred.TenantID, secrets.TokenKey(post.PersonaID))
	if err != nil {
		r.fail(ctx, job, domain.FailureDetail{
			Category: domain.FailureToken,
			Message:  "access token unavailable: " + err.Error(),
		})
		return
	}

	userID := "me"
	if cred.ExternalUserID != nil && *cred.ExternalUserID != "" {
		userID = *cred.ExternalUserID
	}

	targetID, err := r.resolveTarget(ctx, job, post, token, userID)
	if err != nil {
		r.fail(ctx, job, threads.FailureDetail(err))
		return
	}
	if targetID == "" {
		r.fail(ctx, job, domain.FailureDetail{
			Category: domain.FailureAPI,
			Message:  "could not resolve external id of source post",
		})
		return
	}

	req := threads.ContainerRequest{Text: job.Text, ReplyToID: targetID}
	if job.MediaURL != nil {
		req.ImageURL = *job.MediaURL
	}

	containerID, err := r.client.CreateContainer(ctx, token, userID, req)
	if err != nil {
		r.fail(ctx, job, threads.FailureDetail(err))
		return
	}
	replyID, err := r.client.PublishContainer(ctx, token, userID, containerID)
	if err != nil {
		r.fail(ctx, job, threads.FailureDetail(err))
		return
	}

	if err := r.jobs.MarkSent(ctx, job.ID, replyID); err != nil {
		r.logger.Error("reply sent but job update failed",
			logger.String("reply_id", job.ID),
			logger.String("reply_external_id", replyID),
			logger.Error(err))
		return
	}

	r.metrics.RepliesSent.Inc()
	r.logger.Info("reply sent",
		logger.String("reply_id", job.ID),
		logger.String("post_id", post.ID),
		logger.String("persona_id", post.PersonaID),
		logger.String("reply_external_id", replyID))
}

// resolveTarget returns the external id of the source post. When the publish
// never captured one, the persona's recent remote posts are scanned and the
// resolved id persisted so retries skip the lookup.
func (r *Runner) resolveTarget(ctx context.Context, job *domain.ReplyJob, post *domain.Post, token, userID string) (string, error) {
	if job.TargetExternalID != nil && *job.TargetExternalID != "" {
		return *job.TargetExternalID, nil
	}
	if post.ExternalID != nil && *post.ExternalID != "" {
		return *post.ExternalID, nil
	}

	remote, err := r.client.RecentPosts(ctx, token, userID, recentLookupLimit)
	if err != nil {
		return "", err
	}
	targetID := matchRemotePost(remote, post)
	if targetID == "" {
		return "", nil
	}

	if err := r.jobs.SetTarget(ctx, job.ID, targetID); err != nil {
		r.logger.Warn("failed to persist resolved target",
			logger.String("reply_id", job.ID),
			logger.Error(err))
	}
	return targetID, nil
}

// matchRemotePost picks the remote post closest in time to the local publish
// timestamp. Remote timestamps arrive in RFC 3339; unparsable entries are
// ignored.
func matchRemotePost(remote []threads.RemotePost, post *domain.Post) string {
	if post.PublishedAt == nil {
		return ""
	}

	const tolerance = 10 * time.Minute
	best := ""
	bestDelta := tolerance
	for i := range remote {
		ts, err := time.Parse(time.RFC3339, remote[i].Timestamp)
		if err != nil {
			continue
		}
		delta := ts.Sub(*post.PublishedAt)
		if delta < 0 {
			delta = -delta
		}
		if delta <= bestDelta {
			best = remote[i].ID
			bestDelta = delta
		}
	}
	return best
}

func (r *Runner) skip(ctx context.Context, job *domain.ReplyJob, reason string) {
	r.logger.Info("reply skipped",
		logger.String("reply_id", job.ID),
		logger.String("reason", reason))
	if err := r.jobs.MarkSkipped(ctx, job.ID, reason); err != nil && !errors.Is(err, domain.ErrClaimConflict) {
		r.logger.Error("failed to skip reply job",
			logger.String("reply_id", job.ID),
			logger.Error(err))
	}
}

func (r *Runner) fail(ctx context.Context, job *domain.ReplyJob, detail domain.FailureDetail) {
	r.logger.Warn("reply attempt failed",
		logger.String("reply_id", job.ID),
		logger.String("category", string(detail.Category)),
		logger.String("message", detail.Message))
	if err := r.jobs.MarkFailed(ctx, job.ID, detail); err != nil && !errors.Is(err, domain.ErrClaimConflict) {
		r.logger.Error("failed to resolve reply job",
			logger.String("reply_id", job.ID),
			logger.Error(err))
	}
}

// Start begins the periodic reply loop.
func (r *Runner) Start(ctx context.Context) {
	r.mu.Lock()
	if r.started {
		r.mu.Unlock()
		return
	}
	r.started = true
	r.mu.Unlock()

	r.wg.Add(1)
	go r.run(ctx)

	r.logger.Info("reply runner started",
		logger.Duration("interval", r.cfg.Interval),
		logger.Int("batch_size", r.cfg.BatchSize))
}

// Stop gracefully stops the loop.
func (r *Runner) Stop() {
	r.mu.Lock()
	if !r.started {
		r.mu.Unlock()
		return
	}
	r.mu.Unlock()

	close(r.stopChan)
	r.wg.Wait()
	r.logger.Info("reply runner stopped")
}

func (r *Runner) run(ctx context.Context) {
	defer r.wg.Done()

	ticker := time.NewTicker(r.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := r.RunOnce(ctx); err != nil {
				r.logger.Error("reply pass failed", logger.Error(err))
			}
		case <-r.stopChan:
			return
		case <-ctx.Done():
			return
		}
	}
}
