package api

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/i0switch/personaforge/internal/domain"
	"github.com/i0switch/personaforge/internal/logger"
)

// PostWriter is the content surface the handlers need.
type PostWriter interface {
	Create(ctx context.Context, post *domain.Post) (*domain.Post, error)
	GetByID(ctx context.Context, id string) (*domain.Post, error)
	MarkScheduled(ctx context.Context, id string, at time.Time) error
}

// QueueWriter enqueues scheduled posts.
type QueueWriter interface {
	Enqueue(ctx context.Context, tenantID, postID string, targetAt time.Time, ordinal int) (*domain.QueueItem, error)
	NextOrdinal(ctx context.Context, tenantID string) (int, error)
	HasActiveForPost(ctx context.Context, postID string) (bool, error)
}

// ReplyWriter creates reply jobs.
type ReplyWriter interface {
	Create(ctx context.Context, job *domain.ReplyJob) (*domain.ReplyJob, error)
}

// Handlers provides HTTP handlers for the API.
type Handlers struct {
	posts            PostWriter
	queue            QueueWriter
	replies          ReplyWriter
	status           *StatusService
	logger           logger.Logger
	version          string
	replyMaxAttempts int
}

// NewHandlers creates a new handlers instance.
func NewHandlers(posts PostWriter, queue QueueWriter, replies ReplyWriter, status *StatusService, log logger.Logger, version string, replyMaxAttempts int) *Handlers {
	if replyMaxAttempts <= 0 {
		replyMaxAttempts = 3
	}
	return &Handlers{
		posts:            posts,
		queue:            queue,
		replies:          replies,
		status:           status,
		logger:           log,
		version:          version,
		replyMaxAttempts: replyMaxAttempts,
	}
}

// Health handles GET /health
func (h *Handlers) Health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":  "ok",
		"service": "personaforge",
		"version": h.version,
	})
}

// GetStatus handles GET /api/v1/status
func (h *Handlers) GetStatus(c *gin.Context) {
	summary, err := h.status.Summary(c.Request.Context())
	if err != nil {
		h.logger.Error("Failed to build status summary",
			logger.Error(err),
			logger.String("path", c.Request.URL.Path),
		)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": "Failed to retrieve status",
		})
		return
	}
	c.JSON(http.StatusOK, summary)
}

// GetQueueStats handles GET /api/v1/queue/stats
func (h *Handlers) GetQueueStats(c *gin.Context) {
	stats, err := h.status.QueueStats(c.Request.Context())
	if err != nil {
		h.logger.Error("Failed to get queue stats",
			logger.Error(err),
			logger.String("path", c.Request.URL.Path),
		)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": "Failed to retrieve queue statistics",
		})
		return
	}
	c.JSON(http.StatusOK, stats)
}

type createPostRequest struct {
	TenantID  string   `json:"tenant_id" binding:"required"`
	PersonaID string   `json:"persona_id" binding:"required"`
	Body      string   `json:"body" binding:"required"`
	ImageURLs []string `json:"image_urls"`
}

// CreatePost handles POST /api/v1/posts
func (h *Handlers) CreatePost(c *gin.Context) {
	var req createPostRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if _, err := uuid.Parse(req.TenantID); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "tenant_id must be a UUID"})
		return
	}
	if _, err := uuid.Parse(req.PersonaID); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "persona_id must be a UUID"})
		return
	}

	post, err := domain.NewPost(req.TenantID, req.PersonaID, req.Body)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if len(req.ImageURLs) > 0 {
		post.ImageURLs = req.ImageURLs
	}

	created, err := h.posts.Create(c.Request.Context(), post)
	if err != nil {
		h.logger.Error("Failed to create post", logger.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to create post"})
		return
	}
	c.JSON(http.StatusCreated, created)
}

type schedulePostRequest struct {
	ScheduledAt time.Time `json:"scheduled_at" binding:"required"`
}

// SchedulePost handles POST /api/v1/posts/:id/schedule. It stamps the post
// scheduled and enqueues it at the tenant's next ordinal position.
func (h *Handlers) SchedulePost(c *gin.Context) {
	id := c.Param("id")

	var req schedulePostRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	ctx := c.Request.Context()

	post, err := h.posts.GetByID(ctx, id)
	if errors.Is(err, domain.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "Post not found"})
		return
	}
	if err != nil {
		h.logger.Error("Failed to load post", logger.Error(err), logger.String("post_id", id))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to load post"})
		return
	}
	if post.IsTerminal() {
		c.JSON(http.StatusConflict, gin.H{"error": "Post already reached a final state"})
		return
	}

	// A post may hold at most one active queue item; a second schedule call
	// must not create a duplicate for the auditor to clean up.
	active, err := h.queue.HasActiveForPost(ctx, post.ID)
	if err != nil {
		h.logger.Error("Failed to check active queue items", logger.Error(err), logger.String("post_id", id))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to enqueue post"})
		return
	}
	if active {
		c.JSON(http.StatusConflict, gin.H{"error": "Post already has an active queue item"})
		return
	}

	if err := h.posts.MarkScheduled(ctx, id, req.ScheduledAt); err != nil {
		h.logger.Error("Failed to schedule post", logger.Error(err), logger.String("post_id", id))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to schedule post"})
		return
	}

	ordinal, err := h.queue.NextOrdinal(ctx, post.TenantID)
	if err != nil {
		h.logger.Error("Failed to compute ordinal", logger.Error(err), logger.String("post_id", id))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to enqueue post"})
		return
	}
	item, err := h.queue.Enqueue(ctx, post.TenantID, post.ID, req.ScheduledAt, ordinal)
	if err != nil {
		h.logger.Error("Failed to enqueue post", logger.Error(err), logger.String("post_id", id))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to enqueue post"})
		return
	}

	c.JSON(http.StatusCreated, item)
}

type createReplyRequest struct {
	Text     string  `json:"text" binding:"required"`
	MediaURL *string `json:"media_url"`
}

// CreateReply handles POST /api/v1/posts/:id/replies. The reply is sent once
// the source post publishes.
func (h *Handlers) CreateReply(c *gin.Context) {
	id := c.Param("id")

	var req createReplyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	ctx := c.Request.Context()

	post, err := h.posts.GetByID(ctx, id)
	if errors.Is(err, domain.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "Post not found"})
		return
	}
	if err != nil {
		h.logger.Error("Failed to load post", logger.Error(err), logger.String("post_id", id))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to load post"})
		return
	}

	job, err := h.replies.Create(ctx, &domain.ReplyJob{
		TenantID:    post.TenantID,
		PersonaID:   post.PersonaID,
		PostID:      post.ID,
		Text:        req.Text,
		MediaURL:    req.MediaURL,
		MaxAttempts: h.replyMaxAttempts,
	})
	if err != nil {
		h.logger.Error("Failed to create reply job", logger.Error(err), logger.String("post_id", id))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to create reply job"})
		return
	}

	c.JSON(http.StatusCreated, job)
}
