package domain_test

import (
	"errors"
	"testing"

	"github.com/i0switch/personaforge/internal/domain"
)

func TestNewPost(t *testing.T) {
	testCases := []struct {
		name      string
		tenantID  string
		personaID string
		body      string
		wantErr   bool
	}{
		{name: "valid draft", tenantID: "t1", personaID: "p1", body: "hello"},
		{name: "missing tenant", personaID: "p1", body: "hello", wantErr: true},
		{name: "missing persona", tenantID: "t1", body: "hello", wantErr: true},
		{name: "missing body", tenantID: "t1", personaID: "p1", wantErr: true},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			post, err := domain.NewPost(tc.tenantID, tc.personaID, tc.body)
			if tc.wantErr {
				if !errors.Is(err, domain.ErrInvalidPost) {
					t.Errorf("NewPost() error = %v, want ErrInvalidPost", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("NewPost() error = %v", err)
			}
			if post.Status != domain.PostStatusDraft {
				t.Errorf("Status = %v, want draft", post.Status)
			}
		})
	}
}

func TestPost_IsTerminal(t *testing.T) {
	for _, status := range []domain.PostStatus{domain.PostStatusPublished, domain.PostStatusFailed} {
		p := domain.Post{Status: status}
		if !p.IsTerminal() {
			t.Errorf("IsTerminal() for %v = false, want true", status)
		}
	}
	for _, status := range []domain.PostStatus{domain.PostStatusDraft, domain.PostStatusScheduled, domain.PostStatusProcessing} {
		p := domain.Post{Status: status}
		if p.IsTerminal() {
			t.Errorf("IsTerminal() for %v = true, want false", status)
		}
	}
}
