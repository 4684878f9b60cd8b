package scheduler

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/i0switch/personaforge/internal/logger"
	"github.com/i0switch/personaforge/internal/metrics"
)

type fakeAuditStore struct {
	stuck      int64
	duplicates int64
	orphans    int64
	reconciled int64
	calls      []string
	failOn     string
}

func (f *fakeAuditStore) FailStuck(_ context.Context, _ time.Duration) (int64, error) {
	f.calls = append(f.calls, "stuck")
	if f.failOn == "stuck" {
		return 0, errors.New("boom")
	}
	return f.stuck, nil
}

func (f *fakeAuditStore) CollapseDuplicates(_ context.Context) (int64, error) {
	f.calls = append(f.calls, "duplicates")
	if f.failOn == "duplicates" {
		return 0, errors.New("boom")
	}
	return f.duplicates, nil
}

func (f *fakeAuditStore) DeleteOrphans(_ context.Context) (int64, error) {
	f.calls = append(f.calls, "orphans")
	if f.failOn == "orphans" {
		return 0, errors.New("boom")
	}
	return f.orphans, nil
}

func (f *fakeAuditStore) ReconcileTerminal(_ context.Context) (int64, error) {
	f.calls = append(f.calls, "reconciled")
	if f.failOn == "reconciled" {
		return 0, errors.New("boom")
	}
	return f.reconciled, nil
}

func TestAuditor_RunOnce(t *testing.T) {
	store := &fakeAuditStore{stuck: 2, duplicates: 1, orphans: 3, reconciled: 1}
	a := NewAuditor(store, 10*time.Minute, logger.NewNopLogger(), metrics.NewNop())

	report, err := a.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("RunOnce() error = %v", err)
	}

	if report.Stuck != 2 || report.Duplicates != 1 || report.Orphaned != 3 || report.Reconciled != 1 {
		t.Errorf("report = %+v, want 2/1/3/1", report)
	}
	if !report.Changed() {
		t.Error("Changed() = false, want true")
	}

	want := []string{"stuck", "duplicates", "orphans", "reconciled"}
	if len(store.calls) != len(want) {
		t.Fatalf("calls = %v, want %v", store.calls, want)
	}
	for i := range want {
		if store.calls[i] != want[i] {
			t.Errorf("pass %d = %q, want %q", i, store.calls[i], want[i])
		}
	}
}

func TestAuditor_RunOnceIdempotentOnCleanQueue(t *testing.T) {
	store := &fakeAuditStore{}
	a := NewAuditor(store, 10*time.Minute, logger.NewNopLogger(), metrics.NewNop())

	report, err := a.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("RunOnce() error = %v", err)
	}
	if report.Changed() {
		t.Errorf("clean queue reported changes: %+v", report)
	}
}

func TestAuditor_RunOnceStopsOnPassFailure(t *testing.T) {
	store := &fakeAuditStore{failOn: "duplicates"}
	a := NewAuditor(store, 10*time.Minute, logger.NewNopLogger(), metrics.NewNop())

	if _, err := a.RunOnce(context.Background()); err == nil {
		t.Fatal("RunOnce() expected error")
	}

	// Later passes must not run after a failure.
	for _, call := range store.calls {
		if call == "orphans" || call == "reconciled" {
			t.Errorf("pass %q ran after failure", call)
		}
	}
}
