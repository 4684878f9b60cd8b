package replies

import (
	"context"
	"testing"
	"time"

	"github.com/i0switch/personaforge/internal/domain"
	"github.com/i0switch/personaforge/internal/logger"
	"github.com/i0switch/personaforge/internal/metrics"
	"github.com/i0switch/personaforge/internal/secrets"
	"github.com/i0switch/personaforge/internal/threads"
)

type fakeJobs struct {
	pending   []domain.ReplyJob
	stuck     int64
	claimable map[string]bool
	sent      map[string]string
	failed    map[string]domain.FailureDetail
	skipped   map[string]string
	targets   map[string]string
}

func (f *fakeJobs) Pending(_ context.Context, _ int) ([]domain.ReplyJob, error) {
	return f.pending, nil
}

func (f *fakeJobs) FailStuck(_ context.Context, _ time.Duration) (int64, error) {
	return f.stuck, nil
}

func (f *fakeJobs) Claim(_ context.Context, id string) (bool, error) {
	if !f.claimable[id] {
		return false, nil
	}
	f.claimable[id] = false
	return true, nil
}

func (f *fakeJobs) SetTarget(_ context.Context, id, targetExternalID string) error {
	if f.targets == nil {
		f.targets = map[string]string{}
	}
	f.targets[id] = targetExternalID
	return nil
}

func (f *fakeJobs) MarkSent(_ context.Context, id, replyExternalID string) error {
	if f.sent == nil {
		f.sent = map[string]string{}
	}
	f.sent[id] = replyExternalID
	return nil
}

func (f *fakeJobs) MarkFailed(_ context.Context, id string, detail domain.FailureDetail) error {
	if f.failed == nil {
		f.failed = map[string]domain.FailureDetail{}
	}
	f.failed[id] = detail
	return nil
}

func (f *fakeJobs) MarkSkipped(_ context.Context, id, reason string) error {
	if f.skipped == nil {
		f.skipped = map[string]string{}
	}
	f.skipped[id] = reason
	return nil
}

type fakePosts struct {
	posts map[string]*domain.Post
}

func (f *fakePosts) GetByID(_ context.Context, id string) (*domain.Post, error) {
	post, ok := f.posts[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	copied := *post
	return &copied, nil
}

type fakeCreds struct {
	creds map[string]*domain.PersonaCredential
}

func (f *fakeCreds) GetByPersona(_ context.Context, personaID string) (*domain.PersonaCredential, error) {
	cred, ok := f.creds[personaID]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return cred, nil
}

type fakeSecrets struct {
	values map[string]string
}

func (f *fakeSecrets) Get(_ context.Context, tenantID, name string) (string, error) {
	v, ok := f.values[tenantID+"/"+name]
	if !ok {
		return "", secrets.ErrSecretNotFound
	}
	return v, nil
}

func (f *fakeSecrets) Put(_ context.Context, _, _, _ string) error { return nil }

func (f *fakeSecrets) Delete(_ context.Context, _, _ string) error { return nil }

type fakePublisher struct {
	remote       []threads.RemotePost
	lastRequest  threads.ContainerRequest
	containerErr error
	lookups      int
}

func (f *fakePublisher) CreateContainer(_ context.Context, _, _ string, req threads.ContainerRequest) (string, error) {
	f.lastRequest = req
	if f.containerErr != nil {
		return "", f.containerErr
	}
	return "container-1", nil
}

func (f *fakePublisher) PublishContainer(_ context.Context, _, _, _ string) (string, error) {
	return "reply-ext-1", nil
}

func (f *fakePublisher) RecentPosts(_ context.Context, _, _ string, _ int) ([]threads.RemotePost, error) {
	f.lookups++
	return f.remote, nil
}

func validCredential() *domain.PersonaCredential {
	future := time.Now().Add(30 * 24 * time.Hour)
	userID := "ext-user-1"
	return &domain.PersonaCredential{
		PersonaID:      "persona-1",
		TenantID:       "tenant-1",
		ExternalUserID: &userID,
		TokenExpiresAt: &future,
		Active:         true,
	}
}

func publishedPost(externalID string) *domain.Post {
	publishedAt := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	post := &domain.Post{
		ID:          "post-1",
		TenantID:    "tenant-1",
		PersonaID:   "persona-1",
		Body:        "source post",
		Status:      domain.PostStatusPublished,
		PublishedAt: &publishedAt,
	}
	if externalID != "" {
		post.ExternalID = &externalID
	}
	return post
}

func pendingJob(id string) domain.ReplyJob {
	return domain.ReplyJob{
		ID:          id,
		TenantID:    "tenant-1",
		PersonaID:   "persona-1",
		PostID:      "post-1",
		Text:        "follow-up",
		Status:      domain.ReplyStatusPending,
		MaxAttempts: 3,
	}
}

func newTestRunner(jobs *fakeJobs, posts *fakePosts, creds *fakeCreds, store secrets.Store, pub *fakePublisher) *Runner {
	cfg := Config{Interval: time.Minute, BatchSize: 10}
	return NewRunner(jobs, posts, creds, store, pub, cfg, logger.NewNopLogger(), metrics.NewNop())
}

func tokenStore() *fakeSecrets {
	return &fakeSecrets{values: map[string]string{
		"tenant-1/" + secrets.TokenKey("persona-1"): "TH-token",
	}}
}

func TestRunner_SendsReplyToPublishedPost(t *testing.T) {
	jobs := &fakeJobs{
		pending:   []domain.ReplyJob{pendingJob("job-1")},
		claimable: map[string]bool{"job-1": true},
	}
	posts := &fakePosts{posts: map[string]*domain.Post{"post-1": publishedPost("ext-post-1")}}
	creds := &fakeCreds{creds: map[string]*domain.PersonaCredential{"persona-1": validCredential()}}
	pub := &fakePublisher{}

	r := newTestRunner(jobs, posts, creds, tokenStore(), pub)
	if err := r.RunOnce(context.Background()); err != nil {
		t.Fatalf("RunOnce() error = %v", err)
	}

	if jobs.sent["job-1"] != "reply-ext-1" {
		t.Errorf("sent = %v, want job-1 -> reply-ext-1", jobs.sent)
	}
	if pub.lastRequest.ReplyToID != "ext-post-1" {
		t.Errorf("reply_to_id = %q, want ext-post-1", pub.lastRequest.ReplyToID)
	}
	if pub.lookups != 0 {
		t.Errorf("remote lookups = %d, want 0 when external id is known", pub.lookups)
	}
}

func TestRunner_ResolvesMissingTargetFromRecentPosts(t *testing.T) {
	jobs := &fakeJobs{
		pending:   []domain.ReplyJob{pendingJob("job-1")},
		claimable: map[string]bool{"job-1": true},
	}
	posts := &fakePosts{posts: map[string]*domain.Post{"post-1": publishedPost("")}}
	creds := &fakeCreds{creds: map[string]*domain.PersonaCredential{"persona-1": validCredential()}}
	pub := &fakePublisher{remote: []threads.RemotePost{
		{ID: "ext-close", Timestamp: "2026-03-01T12:01:00Z"},
		{ID: "ext-far", Timestamp: "2026-03-01T09:00:00Z"},
	}}

	r := newTestRunner(jobs, posts, creds, tokenStore(), pub)
	if err := r.RunOnce(context.Background()); err != nil {
		t.Fatalf("RunOnce() error = %v", err)
	}

	if pub.lastRequest.ReplyToID != "ext-close" {
		t.Errorf("reply_to_id = %q, want the timestamp-closest remote post", pub.lastRequest.ReplyToID)
	}
	if jobs.targets["job-1"] != "ext-close" {
		t.Errorf("persisted target = %q, want ext-close", jobs.targets["job-1"])
	}
	if jobs.sent["job-1"] != "reply-ext-1" {
		t.Errorf("sent = %v, want job-1 sent", jobs.sent)
	}
}

func TestRunner_PersistedTargetSkipsLookup(t *testing.T) {
	job := pendingJob("job-1")
	target := "ext-known"
	job.TargetExternalID = &target

	jobs := &fakeJobs{
		pending:   []domain.ReplyJob{job},
		claimable: map[string]bool{"job-1": true},
	}
	posts := &fakePosts{posts: map[string]*domain.Post{"post-1": publishedPost("")}}
	creds := &fakeCreds{creds: map[string]*domain.PersonaCredential{"persona-1": validCredential()}}
	pub := &fakePublisher{}

	r := newTestRunner(jobs, posts, creds, tokenStore(), pub)
	if err := r.RunOnce(context.Background()); err != nil {
		t.Fatalf("RunOnce() error = %v", err)
	}

	if pub.lookups != 0 {
		t.Errorf("remote lookups = %d, want 0 when target is persisted", pub.lookups)
	}
	if pub.lastRequest.ReplyToID != "ext-known" {
		t.Errorf("reply_to_id = %q, want ext-known", pub.lastRequest.ReplyToID)
	}
}

func TestRunner_FailedSourceIsSkipped(t *testing.T) {
	failedSource := publishedPost("")
	failedSource.Status = domain.PostStatusFailed

	jobs := &fakeJobs{
		pending:   []domain.ReplyJob{pendingJob("job-1")},
		claimable: map[string]bool{"job-1": true},
	}
	posts := &fakePosts{posts: map[string]*domain.Post{"post-1": failedSource}}
	creds := &fakeCreds{creds: map[string]*domain.PersonaCredential{"persona-1": validCredential()}}
	pub := &fakePublisher{}

	r := newTestRunner(jobs, posts, creds, tokenStore(), pub)
	if err := r.RunOnce(context.Background()); err != nil {
		t.Fatalf("RunOnce() error = %v", err)
	}

	if _, ok := jobs.skipped["job-1"]; !ok {
		t.Errorf("job for failed source not skipped: %v", jobs.skipped)
	}
	if len(jobs.failed) != 0 {
		t.Errorf("skipped job also failed: %v", jobs.failed)
	}
}

func TestRunner_UnpublishedSourceRetriesLater(t *testing.T) {
	pendingSource := publishedPost("")
	pendingSource.Status = domain.PostStatusScheduled
	pendingSource.PublishedAt = nil

	jobs := &fakeJobs{
		pending:   []domain.ReplyJob{pendingJob("job-1")},
		claimable: map[string]bool{"job-1": true},
	}
	posts := &fakePosts{posts: map[string]*domain.Post{"post-1": pendingSource}}
	creds := &fakeCreds{creds: map[string]*domain.PersonaCredential{"persona-1": validCredential()}}
	pub := &fakePublisher{}

	r := newTestRunner(jobs, posts, creds, tokenStore(), pub)
	if err := r.RunOnce(context.Background()); err != nil {
		t.Fatalf("RunOnce() error = %v", err)
	}

	if _, ok := jobs.failed["job-1"]; !ok {
		t.Errorf("unpublished source should fail the attempt: %v", jobs.failed)
	}
	if len(jobs.skipped) != 0 {
		t.Errorf("unpublished source was skipped permanently: %v", jobs.skipped)
	}
}

func TestRunner_LostClaimDoesNothing(t *testing.T) {
	jobs := &fakeJobs{
		pending:   []domain.ReplyJob{pendingJob("job-1")},
		claimable: map[string]bool{"job-1": false},
	}
	pub := &fakePublisher{}

	r := newTestRunner(jobs, &fakePosts{}, &fakeCreds{}, &fakeSecrets{}, pub)
	if err := r.RunOnce(context.Background()); err != nil {
		t.Fatalf("RunOnce() error = %v", err)
	}

	if len(jobs.sent)+len(jobs.failed)+len(jobs.skipped) != 0 {
		t.Error("lost claim still resolved the job")
	}
}
