package ratelimit

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/i0switch/personaforge/internal/domain"
	"github.com/i0switch/personaforge/internal/logger"
	"github.com/i0switch/personaforge/internal/metrics"
)

type fakePostSource struct {
	failed    []domain.Post
	published []string
}

func (f *fakePostSource) FailedSince(_ context.Context, _ time.Time) ([]domain.Post, error) {
	return f.failed, nil
}

func (f *fakePostSource) PersonasPublishedSince(_ context.Context, _ time.Time) ([]string, error) {
	return f.published, nil
}

type fakeReplySource struct {
	failed []domain.ReplyJob
	sent   []string
}

func (f *fakeReplySource) FailedSince(_ context.Context, _ time.Time) ([]domain.ReplyJob, error) {
	return f.failed, nil
}

func (f *fakeReplySource) PersonasSentSince(_ context.Context, _ time.Time) ([]string, error) {
	return f.sent, nil
}

type fakeFlagStore struct {
	flagged map[string]time.Time
	active  []string
	cleared []string
	swept   int64
}

func (f *fakeFlagStore) FlagRateLimited(_ context.Context, personaID, _ string, liftAt time.Time) (bool, error) {
	if f.flagged == nil {
		f.flagged = map[string]time.Time{}
	}
	if _, exists := f.flagged[personaID]; exists {
		return false, nil
	}
	f.flagged[personaID] = liftAt
	return true, nil
}

func (f *fakeFlagStore) ClearRateLimit(_ context.Context, personaID string) (bool, error) {
	f.cleared = append(f.cleared, personaID)
	return true, nil
}

func (f *fakeFlagStore) SweepExpiredRateLimits(_ context.Context, _ time.Time) (int64, error) {
	return f.swept, nil
}

func (f *fakeFlagStore) RateLimitedPersonas(_ context.Context, _ time.Time) ([]string, error) {
	return f.active, nil
}

func failedPost(personaID string, detail domain.FailureDetail) domain.Post {
	payload, _ := json.Marshal(detail)
	return domain.Post{
		ID:        "post-" + personaID,
		PersonaID: personaID,
		Status:    domain.PostStatusFailed,
		LastError: payload,
	}
}

func newTestDetector(posts *fakePostSource, replies *fakeReplySource, flags *fakeFlagStore) *Detector {
	cfg := Config{
		Interval:      10 * time.Minute,
		FailureWindow: 24 * time.Hour,
		SuccessWindow: 2 * time.Hour,
		Cooldown:      24 * time.Hour,
	}
	return NewDetector(posts, replies, flags, cfg, logger.NewNopLogger(), metrics.NewNop())
}

func TestDetector_FlagsThrottlingSignature(t *testing.T) {
	posts := &fakePostSource{failed: []domain.Post{
		failedPost("persona-1", domain.FailureDetail{Category: domain.FailureRateLimit, Code: 4, Message: "Application request limit reached"}),
		failedPost("persona-2", domain.FailureDetail{Category: domain.FailureAPI, Code: 100, Message: "Invalid parameter"}),
	}}
	flags := &fakeFlagStore{}

	d := newTestDetector(posts, &fakeReplySource{}, flags)
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	d.now = func() time.Time { return now }

	report, err := d.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("RunOnce() error = %v", err)
	}

	if report.Flagged != 1 {
		t.Errorf("report.Flagged = %d, want 1", report.Flagged)
	}
	if _, ok := flags.flagged["persona-1"]; !ok {
		t.Error("persona-1 was not flagged")
	}
	if _, ok := flags.flagged["persona-2"]; ok {
		t.Error("persona-2 flagged on a non-throttling failure")
	}

	wantLift := now.Add(24 * time.Hour)
	if got := flags.flagged["persona-1"]; !got.Equal(wantLift) {
		t.Errorf("lift time = %v, want %v", got, wantLift)
	}
}

func TestDetector_MatchesSignatureByCodeNotCategory(t *testing.T) {
	// A failure persisted with a generic category still counts when its code
	// is in the signature table.
	posts := &fakePostSource{failed: []domain.Post{
		failedPost("persona-1", domain.FailureDetail{Category: domain.FailureAPI, Code: 613, Message: "Calls exceeded rate limit"}),
	}}
	flags := &fakeFlagStore{}

	d := newTestDetector(posts, &fakeReplySource{}, flags)
	report, err := d.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("RunOnce() error = %v", err)
	}
	if report.Flagged != 1 {
		t.Errorf("report.Flagged = %d, want 1", report.Flagged)
	}
}

func TestDetector_FlagsFromFailedReplies(t *testing.T) {
	payload, _ := json.Marshal(domain.FailureDetail{Category: domain.FailureRateLimit, Subcode: 2207051})
	replies := &fakeReplySource{failed: []domain.ReplyJob{{
		ID:        "job-1",
		PersonaID: "persona-3",
		Status:    domain.ReplyStatusFailed,
		LastError: payload,
	}}}
	flags := &fakeFlagStore{}

	d := newTestDetector(&fakePostSource{}, replies, flags)
	report, err := d.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("RunOnce() error = %v", err)
	}
	if report.Flagged != 1 {
		t.Errorf("report.Flagged = %d, want 1", report.Flagged)
	}
}

func TestDetector_AlreadyFlaggedPersonaNotCountedAgain(t *testing.T) {
	posts := &fakePostSource{failed: []domain.Post{
		failedPost("persona-1", domain.FailureDetail{Category: domain.FailureRateLimit, Code: 4}),
	}}
	flags := &fakeFlagStore{flagged: map[string]time.Time{"persona-1": time.Now().Add(time.Hour)}}

	d := newTestDetector(posts, &fakeReplySource{}, flags)
	report, err := d.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("RunOnce() error = %v", err)
	}
	if report.Flagged != 0 {
		t.Errorf("report.Flagged = %d, want 0 for an already flagged persona", report.Flagged)
	}
}

func TestDetector_ClearsFlagOnRecentSuccess(t *testing.T) {
	posts := &fakePostSource{published: []string{"persona-1"}}
	flags := &fakeFlagStore{active: []string{"persona-1", "persona-2"}}

	d := newTestDetector(posts, &fakeReplySource{}, flags)
	report, err := d.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("RunOnce() error = %v", err)
	}

	if report.Cleared != 1 {
		t.Errorf("report.Cleared = %d, want 1", report.Cleared)
	}
	if len(flags.cleared) != 1 || flags.cleared[0] != "persona-1" {
		t.Errorf("cleared = %v, want [persona-1]", flags.cleared)
	}
}

func TestDetector_SweepsExpiredFlags(t *testing.T) {
	flags := &fakeFlagStore{swept: 2}

	d := newTestDetector(&fakePostSource{}, &fakeReplySource{}, flags)
	report, err := d.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("RunOnce() error = %v", err)
	}
	if report.Swept != 2 {
		t.Errorf("report.Swept = %d, want 2", report.Swept)
	}
}

func TestDetector_IgnoresUnparsableFailurePayloads(t *testing.T) {
	posts := &fakePostSource{failed: []domain.Post{
		{ID: "post-1", PersonaID: "persona-1", LastError: []byte("not json")},
		{ID: "post-2", PersonaID: "persona-2", LastError: nil},
	}}
	flags := &fakeFlagStore{}

	d := newTestDetector(posts, &fakeReplySource{}, flags)
	report, err := d.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("RunOnce() error = %v", err)
	}
	if report.Flagged != 0 {
		t.Errorf("report.Flagged = %d, want 0", report.Flagged)
	}
}
