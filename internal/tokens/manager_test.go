package tokens

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/i0switch/personaforge/internal/domain"
	"github.com/i0switch/personaforge/internal/logger"
	"github.com/i0switch/personaforge/internal/metrics"
	"github.com/i0switch/personaforge/internal/secrets"
	"github.com/i0switch/personaforge/internal/threads"
)

type fakeCredStore struct {
	unknown   []domain.PersonaCredential
	expiring  []domain.PersonaCredential
	healthy   int64
	expiries  map[string]time.Time
	refreshed map[string]time.Time
}

func (f *fakeCredStore) WithUnknownExpiry(_ context.Context) ([]domain.PersonaCredential, error) {
	return f.unknown, nil
}

func (f *fakeCredStore) ExpiringWithin(_ context.Context, _ time.Duration) ([]domain.PersonaCredential, error) {
	return f.expiring, nil
}

func (f *fakeCredStore) SetExpiry(_ context.Context, personaID string, expiresAt time.Time) error {
	if f.expiries == nil {
		f.expiries = map[string]time.Time{}
	}
	f.expiries[personaID] = expiresAt
	return nil
}

func (f *fakeCredStore) SetRefreshed(_ context.Context, personaID string, expiresAt, _ time.Time) error {
	if f.refreshed == nil {
		f.refreshed = map[string]time.Time{}
	}
	f.refreshed[personaID] = expiresAt
	return nil
}

func (f *fakeCredStore) CountHealthy(_ context.Context, _ time.Duration) (int64, error) {
	return f.healthy, nil
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

func (f *fakeSecrets) Put(_ context.Context, tenantID, name, value string) error {
	if f.values == nil {
		f.values = map[string]string{}
	}
	f.values[tenantID+"/"+name] = value
	return nil
}

func (f *fakeSecrets) Delete(_ context.Context, _, _ string) error { return nil }

type fakeRefresher struct {
	calls   int
	err     error
	refresh *threads.TokenRefresh
}

func (f *fakeRefresher) RefreshToken(_ context.Context, _ string) (*threads.TokenRefresh, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	return f.refresh, nil
}

func newTestManager(creds *fakeCredStore, store *fakeSecrets, client *fakeRefresher) *Manager {
	cfg := Config{Interval: time.Hour, Lookahead: 7 * 24 * time.Hour, RefreshDelay: time.Nanosecond}
	return NewManager(creds, store, client, cfg, logger.NewNopLogger(), metrics.NewNop())
}

func unknownExpiryCred(personaID string) domain.PersonaCredential {
	return domain.PersonaCredential{
		PersonaID: personaID,
		TenantID:  "tenant-1",
		Active:    true,
	}
}

func tokenName(personaID string) string {
	return "tenant-1/" + secrets.TokenKey(personaID)
}

func TestManager_MalformedTokenGetsSentinelWithoutNetworkCall(t *testing.T) {
	creds := &fakeCredStore{unknown: []domain.PersonaCredential{unknownExpiryCred("persona-1")}}
	store := &fakeSecrets{values: map[string]string{tokenName("persona-1"): "garbage"}}
	client := &fakeRefresher{}

	m := newTestManager(creds, store, client)
	report, err := m.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("RunOnce() error = %v", err)
	}

	if client.calls != 0 {
		t.Errorf("refresh calls = %d, want 0 for malformed token", client.calls)
	}
	if got := creds.expiries["persona-1"]; !got.Equal(domain.TokenExpirySentinel) {
		t.Errorf("expiry = %v, want past sentinel", got)
	}
	if report.Expired != 1 {
		t.Errorf("report.Expired = %d, want 1", report.Expired)
	}
}

func TestManager_ShortTokenGetsSentinelWithoutNetworkCall(t *testing.T) {
	creds := &fakeCredStore{unknown: []domain.PersonaCredential{unknownExpiryCred("persona-1")}}
	store := &fakeSecrets{values: map[string]string{tokenName("persona-1"): "THshort"}}
	client := &fakeRefresher{}

	m := newTestManager(creds, store, client)
	if _, err := m.RunOnce(context.Background()); err != nil {
		t.Fatalf("RunOnce() error = %v", err)
	}

	if client.calls != 0 {
		t.Errorf("refresh calls = %d, want 0 for short token", client.calls)
	}
	if got := creds.expiries["persona-1"]; !got.Equal(domain.TokenExpirySentinel) {
		t.Errorf("expiry = %v, want past sentinel", got)
	}
}

func TestManager_MissingTokenGetsSentinel(t *testing.T) {
	creds := &fakeCredStore{unknown: []domain.PersonaCredential{unknownExpiryCred("persona-1")}}
	client := &fakeRefresher{}

	m := newTestManager(creds, &fakeSecrets{}, client)
	report, err := m.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("RunOnce() error = %v", err)
	}

	if got := creds.expiries["persona-1"]; !got.Equal(domain.TokenExpirySentinel) {
		t.Errorf("expiry = %v, want past sentinel", got)
	}
	if report.Expired != 1 {
		t.Errorf("report.Expired = %d, want 1", report.Expired)
	}
}

func TestManager_ProbeRefreshSucceeds(t *testing.T) {
	creds := &fakeCredStore{unknown: []domain.PersonaCredential{unknownExpiryCred("persona-1")}}
	store := &fakeSecrets{values: map[string]string{tokenName("persona-1"): "THvalidlookingtokenwithenoughlength"}}
	client := &fakeRefresher{refresh: &threads.TokenRefresh{AccessToken: "THnewtokenwithenoughlengthtobevalid", ExpiresIn: 5184000}}

	m := newTestManager(creds, store, client)
	fixed := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	m.now = func() time.Time { return fixed }

	report, err := m.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("RunOnce() error = %v", err)
	}

	if client.calls != 1 {
		t.Errorf("refresh calls = %d, want exactly 1", client.calls)
	}
	if report.Refreshed != 1 {
		t.Errorf("report.Refreshed = %d, want 1", report.Refreshed)
	}

	wantExpiry := fixed.Add(5184000 * time.Second)
	if got := creds.refreshed["persona-1"]; !got.Equal(wantExpiry) {
		t.Errorf("stored expiry = %v, want %v", got, wantExpiry)
	}
	if store.values[tokenName("persona-1")] != "THnewtokenwithenoughlengthtobevalid" {
		t.Error("refreshed token was not stored")
	}
}

func TestManager_ProbeRefreshFailureGetsSentinel(t *testing.T) {
	creds := &fakeCredStore{unknown: []domain.PersonaCredential{unknownExpiryCred("persona-1")}}
	store := &fakeSecrets{values: map[string]string{tokenName("persona-1"): "THvalidlookingtokenwithenoughlength"}}
	client := &fakeRefresher{err: &threads.APIError{Code: 190, Message: "Invalid OAuth access token"}}

	m := newTestManager(creds, store, client)
	report, err := m.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("RunOnce() error = %v", err)
	}

	if client.calls != 1 {
		t.Errorf("refresh calls = %d, want exactly one attempt", client.calls)
	}
	if got := creds.expiries["persona-1"]; !got.Equal(domain.TokenExpirySentinel) {
		t.Errorf("expiry = %v, want past sentinel", got)
	}
	if report.Failed != 1 {
		t.Errorf("report.Failed = %d, want 1", report.Failed)
	}
}

func TestManager_LookaheadRefreshFailureKeepsKnownExpiry(t *testing.T) {
	knownExpiry := time.Now().Add(3 * 24 * time.Hour)
	cred := unknownExpiryCred("persona-1")
	cred.TokenExpiresAt = &knownExpiry

	creds := &fakeCredStore{expiring: []domain.PersonaCredential{cred}}
	store := &fakeSecrets{values: map[string]string{tokenName("persona-1"): "THvalidlookingtokenwithenoughlength"}}
	client := &fakeRefresher{err: errors.New("temporarily unavailable")}

	m := newTestManager(creds, store, client)
	report, err := m.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("RunOnce() error = %v", err)
	}

	// A credential with a trusted future expiry stays usable until it lapses.
	if _, stamped := creds.expiries["persona-1"]; stamped {
		t.Error("lookahead failure must not overwrite a known expiry")
	}
	if report.Failed != 1 {
		t.Errorf("report.Failed = %d, want 1", report.Failed)
	}
}
