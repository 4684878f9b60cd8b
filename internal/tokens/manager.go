// Package tokens manages the persona credential lifecycle: probing unknown
// expiries, refreshing credentials nearing expiry, and retiring the
// unrecoverable ones.
package tokens

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/i0switch/personaforge/internal/domain"
	"github.com/i0switch/personaforge/internal/logger"
	"github.com/i0switch/personaforge/internal/metrics"
	"github.com/i0switch/personaforge/internal/secrets"
	"github.com/i0switch/personaforge/internal/threads"
)

const (
	// Long-lived Threads tokens carry this prefix. Anything else is not
	// worth a network probe.
	tokenPrefix    = "TH"
	minTokenLength = 30

	defaultInterval     = time.Hour
	defaultLookahead    = 7 * 24 * time.Hour
	defaultRefreshDelay = 500 * time.Millisecond
)

// CredentialStore is the persistence surface the manager needs.
type CredentialStore interface {
	WithUnknownExpiry(ctx context.Context) ([]domain.PersonaCredential, error)
	ExpiringWithin(ctx context.Context, window time.Duration) ([]domain.PersonaCredential, error)
	SetExpiry(ctx context.Context, personaID string, expiresAt time.Time) error
	SetRefreshed(ctx context.Context, personaID string, expiresAt, refreshedAt time.Time) error
	CountHealthy(ctx context.Context, lookahead time.Duration) (int64, error)
}

// Refresher exchanges a token for a fresh one.
type Refresher interface {
	RefreshToken(ctx context.Context, token string) (*threads.TokenRefresh, error)
}

// Config holds manager options.
type Config struct {
	Interval     time.Duration
	Lookahead    time.Duration
	RefreshDelay time.Duration
}

// Manager runs the credential lifecycle passes. Each persona is handled
// independently; one failing refresh never aborts the batch.
type Manager struct {
	creds   CredentialStore
	store   secrets.Store
	client  Refresher
	logger  logger.Logger
	metrics *metrics.Metrics
	cfg     Config
	now     func() time.Time

	stopChan chan struct{}
	wg       sync.WaitGroup
	started  bool
	mu       sync.Mutex
}

// NewManager creates a manager.
func NewManager(creds CredentialStore, store secrets.Store, client Refresher, cfg Config, log logger.Logger, m *metrics.Metrics) *Manager {
	if cfg.Interval <= 0 {
		cfg.Interval = defaultInterval
	}
	if cfg.Lookahead <= 0 {
		cfg.Lookahead = defaultLookahead
	}
	if cfg.RefreshDelay <= 0 {
		cfg.RefreshDelay = defaultRefreshDelay
	}
	return &Manager{
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

// RunOnce executes one lifecycle pass: probe credentials with unknown expiry,
// then refresh those expiring within the lookahead window.
func (m *Manager) RunOnce(ctx context.Context) (domain.RefreshReport, error) {
	var report domain.RefreshReport

	unknown, err := m.creds.WithUnknownExpiry(ctx)
	if err != nil {
		return report, err
	}
	for i := range unknown {
		m.probeCredential(ctx, &unknown[i], &report)
		m.throttle(ctx)
	}

	expiring, err := m.creds.ExpiringWithin(ctx, m.cfg.Lookahead)
	if err != nil {
		return report, err
	}
	for i := range expiring {
		m.refreshCredential(ctx, &expiring[i], &report)
		m.throttle(ctx)
	}

	healthy, err := m.creds.CountHealthy(ctx, m.cfg.Lookahead)
	if err != nil {
		return report, err
	}
	report.Healthy = int(healthy)

	m.logger.Info("credential lifecycle pass complete",
		logger.Int("healthy", report.Healthy),
		logger.Int("refreshed", report.Refreshed),
		logger.Int("failed", report.Failed),
		logger.Int("expired", report.Expired))
	return report, nil
}

// probeCredential validates a credential with unknown expiry. A token that
// fails the shape check is stamped with the past sentinel without touching
// the network; a shaped token gets exactly one refresh attempt.
func (m *Manager) probeCredential(ctx context.Context, cred *domain.PersonaCredential, report *domain.RefreshReport) {
	token, err := m.store.Get(ctx, cred.TenantID, secrets.TokenKey(cred.PersonaID))
	if err != nil {
		m.expire(ctx, cred, "token missing from secret store")
		report.Expired++
		return
	}

	if !hasExpectedShape(token) {
		m.expire(ctx, cred, "token does not match expected shape")
		report.Expired++
		return
	}

	refresh, err := m.client.RefreshToken(ctx, token)
	if err != nil {
		m.logger.Warn("probe refresh failed",
			logger.String("persona_id", cred.PersonaID),
			logger.Error(err))
		m.expire(ctx, cred, "probe refresh failed")
		report.Failed++
		return
	}

	m.recordRefresh(ctx, cred, refresh, report)
}

// refreshCredential refreshes a credential expiring within the lookahead
// window. Unlike probing, a failure here leaves the known expiry alone; the
// credential stays usable until it actually lapses.
func (m *Manager) refreshCredential(ctx context.Context, cred *domain.PersonaCredential, report *domain.RefreshReport) {
	token, err := m.store.Get(ctx, cred.TenantID, secrets.TokenKey(cred.PersonaID))
	if err != nil {
		m.logger.Warn("token missing for expiring credential",
			logger.String("persona_id", cred.PersonaID))
		report.Failed++
		return
	}

	refresh, err := m.client.RefreshToken(ctx, token)
	if err != nil {
		m.logger.Warn("lookahead refresh failed",
			logger.String("persona_id", cred.PersonaID),
			logger.Error(err))
		report.Failed++
		return
	}

	m.recordRefresh(ctx, cred, refresh, report)
}

func (m *Manager) recordRefresh(ctx context.Context, cred *domain.PersonaCredential, refresh *threads.TokenRefresh, report *domain.RefreshReport) {
	now := m.now()
	expiresAt := now.Add(time.Duration(refresh.ExpiresIn) * time.Second)

	if err := m.store.Put(ctx, cred.TenantID, secrets.TokenKey(cred.PersonaID), refresh.AccessToken); err != nil {
		m.logger.Error("failed to store refreshed token",
			logger.String("persona_id", cred.PersonaID),
			logger.Error(err))
		report.Failed++
		return
	}
	if err := m.creds.SetRefreshed(ctx, cred.PersonaID, expiresAt, now); err != nil {
		m.logger.Error("failed to record refresh",
			logger.String("persona_id", cred.PersonaID),
			logger.Error(err))
		report.Failed++
		return
	}

	m.metrics.TokensRefreshed.Inc()
	report.Refreshed++
	m.logger.Info("credential refreshed",
		logger.String("persona_id", cred.PersonaID),
		logger.Time("expires_at", expiresAt))
}

// expire stamps the past sentinel so future passes skip this credential.
func (m *Manager) expire(ctx context.Context, cred *domain.PersonaCredential, reason string) {
	if err := m.creds.SetExpiry(ctx, cred.PersonaID, domain.TokenExpirySentinel); err != nil {
		m.logger.Error("failed to stamp expiry sentinel",
			logger.String("persona_id", cred.PersonaID),
			logger.Error(err))
		return
	}
	m.logger.Warn("credential marked expired",
		logger.String("persona_id", cred.PersonaID),
		logger.String("reason", reason))
}

// throttle pauses between external refresh calls so the lifecycle pass does
// not itself trip the platform's rate limiting.
func (m *Manager) throttle(ctx context.Context) {
	timer := time.NewTimer(m.cfg.RefreshDelay)
	defer timer.Stop()
	select {
	case <-timer.C:
	case <-ctx.Done():
	}
}

// hasExpectedShape reports whether a token looks like a platform-issued
// long-lived token.
func hasExpectedShape(token string) bool {
	return strings.HasPrefix(token, tokenPrefix) && len(token) >= minTokenLength
}

// Start begins the periodic lifecycle loop.
func (m *Manager) Start(ctx context.Context) {
	m.mu.Lock()
	if m.started {
		m.mu.Unlock()
		return
	}
	m.started = true
	m.mu.Unlock()

	m.wg.Add(1)
	go m.run(ctx)

	m.logger.Info("credential lifecycle manager started",
		logger.Duration("interval", m.cfg.Interval),
		logger.Duration("lookahead", m.cfg.Lookahead))
}

// Stop gracefully stops the loop.
func (m *Manager) Stop() {
	m.mu.Lock()
	if !m.started {
		m.mu.Unlock()
		return
	}
	m.mu.Unlock()

	close(m.stopChan)
	m.wg.Wait()
	m.logger.Info("credential lifecycle manager stopped")
}

func (m *Manager) run(ctx context.Context) {
	defer m.wg.Done()

	ticker := time.NewTicker(m.cfg.Interval)
	defer ticker.Stop()

	if _, err := m.RunOnce(ctx); err != nil {
		m.logger.Error("credential lifecycle pass failed", logger.Error(err))
	}

	for {
		select {
		case <-ticker.C:
			if _, err := m.RunOnce(ctx); err != nil {
				m.logger.Error("credential lifecycle pass failed", logger.Error(err))
			}
		case <-m.stopChan:
			return
		case <-ctx.Done():
			return
		}
	}
}
