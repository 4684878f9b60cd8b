// Package scheduler drives scheduled publishing: the dispatcher claims due
// queue items and runs the two-phase publish, the auditor heals the queue.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/i0switch/personaforge/internal/domain"
	"github.com/i0switch/personaforge/internal/logger"
	"github.com/i0switch/personaforge/internal/metrics"
	"github.com/i0switch/personaforge/internal/secrets"
	"github.com/i0switch/personaforge/internal/threads"
)

// QueueStore is the publish queue surface the dispatcher needs.
type QueueStore interface {
	DueItems(ctx context.Context, now time.Time, limit int) ([]domain.QueueItem, error)
	Claim(ctx context.Context, id string) (bool, error)
	Resolve(ctx context.Context, id string, outcome domain.QueueStatus) error
}

// PostStore is the content item surface the dispatcher needs.
type PostStore interface {
	GetByID(ctx context.Context, id string) (*domain.Post, error)
	MarkProcessing(ctx context.Context, id string) error
	MarkPublished(ctx context.Context, id, externalID string) error
	MarkFailed(ctx context.Context, id string, detail domain.FailureDetail) error
}

// CredentialStore is the credential surface the dispatcher needs. It only
// reads; credential and rate-limit state is written elsewhere.
type CredentialStore interface {
	GetByPersona(ctx context.Context, personaID string) (*domain.PersonaCredential, error)
	RateLimitedPersonas(ctx context.Context, now time.Time) ([]string, error)
}

// Publisher runs the two-phase publish protocol.
type Publisher interface {
	CreateContainer(ctx context.Context, token, userID string, req threads.ContainerRequest) (string, error)
	PublishContainer(ctx context.Context, token, userID, containerID string) (string, error)
}

// Config holds dispatcher options.
type Config struct {
	BatchSize       int
	TickTimeout     time.Duration
	SkipRateLimited bool
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		BatchSize:       20,
		TickTimeout:     45 * time.Second,
		SkipRateLimited: true,
	}
}

// Scheduler selects due queue items, claims each atomically, publishes, and
// resolves terminal state. A failed item is not retried inline; re-enqueueing
// is a deliberate decision made elsewhere.
type Scheduler struct {
	queue   QueueStore
	posts   PostStore
	creds   CredentialStore
	store   secrets.Store
	client  Publisher
	logger  logger.Logger
	metrics *metrics.Metrics
	tracer  trace.Tracer
	cfg     Config
	now     func() time.Time
}

// New creates a dispatcher.
func New(
	queue QueueStore,
	posts PostStore,
	creds CredentialStore,
	store secrets.Store,
	client Publisher,
	cfg Config,
	log logger.Logger,
	m *metrics.Metrics,
) *Scheduler {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 20
	}
	if cfg.TickTimeout <= 0 {
		cfg.TickTimeout = 45 * time.Second
	}
	return &Scheduler{
		queue:   queue,
		posts:   posts,
		creds:   creds,
		store:   store,
		client:  client,
		logger:  log,
		metrics: m,
		tracer:  otel.Tracer("scheduler"),
		cfg:     cfg,
		now:     time.Now,
	}
}

// Tick runs one dispatch pass. The pass is time-boxed; items not reached
// remain queued and are reconsidered next tick. Only store-level failures
// abort the tick, a single item's failure never does.
func (s *Scheduler) Tick(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.TickTimeout)
	defer cancel()

	var flagged map[string]bool
	if s.cfg.SkipRateLimited {
		personas, err := s.creds.RateLimitedPersonas(ctx, s.now())
		if err != nil {
			return fmt.Errorf("load rate-limited personas: %w", err)
		}
		flagged = make(map[string]bool, len(personas))
		for _, id := range personas {
			flagged[id] = true
		}
	}

	items, err := s.queue.DueItems(ctx, s.now(), s.cfg.BatchSize)
	if err != nil {
		return fmt.Errorf("select due items: %w", err)
	}
	if len(items) == 0 {
		return nil
	}

	s.logger.Debug("dispatching due queue items", logger.Int("count", len(items)))

	for i := range items {
		if ctx.Err() != nil {
			s.logger.Warn("tick time box reached, deferring remaining items",
				logger.Int("remaining", len(items)-i))
			return nil
		}
		s.processItem(ctx, &items[i], flagged)
	}
	return nil
}

func (s *Scheduler) processItem(ctx context.Context, item *domain.QueueItem, flagged map[string]bool) {
	post, err := s.posts.GetByID(ctx, item.PostID)
	if errors.Is(err, domain.ErrNotFound) {
		// Orphaned item; the auditor removes these.
		s.logger.Warn("queue item references missing post",
			logger.String("queue_id", item.ID),
			logger.String("post_id", item.PostID))
		return
	}
	if err != nil {
		s.logger.Error("failed to load post for queue item",
			logger.String("queue_id", item.ID),
			logger.Error(err))
		return
	}

	// Flagged personas are skipped before claiming so the item stays queued
	// and goes out once the flag lifts.
	if flagged[post.PersonaID] {
		s.logger.Debug("skipping rate-limited persona",
			logger.String("persona_id", post.PersonaID),
			logger.String("queue_id", item.ID))
		return
	}

	claimed, err := s.queue.Claim(ctx, item.ID)
	if err != nil {
		s.logger.Error("claim failed",
			logger.String("queue_id", item.ID),
			logger.Error(err))
		return
	}
	if !claimed {
		// Another worker won; expected under concurrent dispatch.
		s.metrics.ClaimConflicts.Inc()
		s.logger.Debug("lost claim race", logger.String("queue_id", item.ID))
		return
	}

	s.publishClaimed(ctx, item, post)
}

// publishClaimed runs the publish for an item this worker owns. Every path
// out of here resolves the item to completed or failed.
func (s *Scheduler) publishClaimed(ctx context.Context, item *domain.QueueItem, post *domain.Post) {
	ctx, span := s.tracer.Start(ctx, "queue.publish",
		trace.WithAttributes(
			attribute.String("queue_id", item.ID),
			attribute.String("post_id", post.ID),
			attribute.String("persona_id", post.PersonaID),
		))
	defer span.End()

	cred, err := s.creds.GetByPersona(ctx, post.PersonaID)
	if err != nil {
		s.failItem(ctx, item, post, domain.FailureDetail{
			Category: domain.FailureToken,
			Message:  "no credential configured for persona",
		})
		return
	}
	if cred.TokenExpired(s.now()) {
		s.failItem(ctx, item, post, domain.FailureDetail{
			Category: domain.FailureToken,
			Message:  "credential expired or has no trusted expiry",
		})
		return
	}

	token, err := s.store.Get(ctx, cred.TenantID, secrets.TokenKey(post.PersonaID))
	if err != nil {
		s.failItem(ctx, item, post, domain.FailureDetail{
			Category: domain.FailureToken,
			Message:  "access token unavailable: " + err.Error(),
		})
		return
	}

	if err := s.posts.MarkProcessing(ctx, post.ID); err != nil && !errors.Is(err, domain.ErrNotFound) {
		s.logger.Warn("failed to stamp post processing",
			logger.String("post_id", post.ID),
			logger.Error(err))
	}

	userID := "me"
	if cred.ExternalUserID != nil && *cred.ExternalUserID != "" {
		userID = *cred.ExternalUserID
	}

	req := threads.ContainerRequest{Text: post.Body}
	if len(post.ImageURLs) > 0 {
		req.ImageURL = post.ImageURLs[0]
	}

	containerID, err := s.client.CreateContainer(ctx, token, userID, req)
	if err != nil {
		s.failItem(ctx, item, post, threads.FailureDetail(err))
		return
	}

	externalID, err := s.client.PublishContainer(ctx, token, userID, containerID)
	if err != nil {
		s.failItem(ctx, item, post, threads.FailureDetail(err))
		return
	}

	if err := s.posts.MarkPublished(ctx, post.ID, externalID); err != nil {
		// The platform accepted the post; only our bookkeeping failed. The
		// auditor reconciles the queue row once the post row catches up.
		s.logger.Error("publish succeeded but post update failed",
			logger.String("post_id", post.ID),
			logger.String("external_id", externalID),
			logger.Error(err))
	}
	if err := s.queue.Resolve(ctx, item.ID, domain.QueueStatusCompleted); err != nil &&
		!errors.Is(err, domain.ErrClaimConflict) {
		s.logger.Error("failed to complete queue item",
			logger.String("queue_id", item.ID),
			logger.Error(err))
	}

	s.metrics.PostsPublished.Inc()
	s.logger.Info("post published",
		logger.String("post_id", post.ID),
		logger.String("persona_id", post.PersonaID),
		logger.String("external_id", externalID))
}

func (s *Scheduler) failItem(ctx context.Context, item *domain.QueueItem, post *domain.Post, detail domain.FailureDetail) {
	s.logger.Warn("publish failed",
		logger.String("post_id", post.ID),
		logger.String("persona_id", post.PersonaID),
		logger.String("category", string(detail.Category)),
		logger.String("phase", detail.Phase),
		logger.String("message", detail.Message))

	if err := s.posts.MarkFailed(ctx, post.ID, detail); err != nil && !errors.Is(err, domain.ErrNotFound) {
		s.logger.Error("failed to stamp post failed",
			logger.String("post_id", post.ID),
			logger.Error(err))
	}
	if err := s.queue.Resolve(ctx, item.ID, domain.QueueStatusFailed); err != nil &&
		!errors.Is(err, domain.ErrClaimConflict) {
		s.logger.Error("failed to resolve queue item",
			logger.String("queue_id", item.ID),
			logger.Error(err))
	}

	s.metrics.PostsFailed.WithLabelValues(string(detail.Category)).Inc()
}
