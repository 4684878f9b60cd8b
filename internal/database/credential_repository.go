package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/i0switch/personaforge/internal/domain"
)

// credentialSelectList is the column list for SELECT on persona_credentials
const credentialSelectList = `persona_id, tenant_id, external_user_id, external_username,
			token_expires_at, token_refreshed_at, active,
			rate_limited, rate_limit_detected_at, rate_limit_reason, rate_limit_lift_at,
			created_at, updated_at`

// CredentialRepository manages persona credential metadata and rate-limit
// state. The access tokens themselves live in the secret store; only the
// lifecycle manager and the rate-limit detector write these rows, everything
// else reads.
type CredentialRepository struct {
	db *sqlx.DB
}

// NewCredentialRepository creates a new repository.
func NewCredentialRepository(db *sqlx.DB) *CredentialRepository {
	return &CredentialRepository{db: db}
}

// GetByPersona retrieves one credential row.
func (r *CredentialRepository) GetByPersona(ctx context.Context, personaID string) (*domain.PersonaCredential, error) {
	query := `SELECT ` + credentialSelectList + ` FROM persona_credentials WHERE persona_id = $1`

	var cred domain.PersonaCredential
	err := r.db.GetContext(ctx, &cred, query, personaID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get credential: %w", err)
	}
	return &cred, nil
}

// WithUnknownExpiry returns active credentials that have no definitive expiry
// and must be probed before being trusted.
func (r *CredentialRepository) WithUnknownExpiry(ctx context.Context) ([]domain.PersonaCredential, error) {
	query := `
		SELECT ` + credentialSelectList + `
		FROM persona_credentials
		WHERE active = TRUE AND token_expires_at IS NULL
		ORDER BY created_at ASC`

	creds := []domain.PersonaCredential{}
	if err := r.db.SelectContext(ctx, &creds, query); err != nil {
		return nil, fmt.Errorf("with unknown expiry: %w", err)
	}
	return creds, nil
}

// ExpiringWithin returns active credentials whose expiry is still in the
// future but falls inside the lookahead window.
func (r *CredentialRepository) ExpiringWithin(ctx context.Context, window time.Duration) ([]domain.PersonaCredential, error) {
	query := `
		SELECT ` + credentialSelectList + `
		FROM persona_credentials
		WHERE active = TRUE
		  AND token_expires_at > NOW()
		  AND token_expires_at <= NOW() + $1::interval
		ORDER BY token_expires_at ASC`

	creds := []domain.PersonaCredential{}
	if err := r.db.SelectContext(ctx, &creds, query, window.String()); err != nil {
		return nil, fmt.Errorf("expiring within: %w", err)
	}
	return creds, nil
}

// SetExpiry stamps a definitive expiry on a credential. Used both for real
// expiries and for the past sentinel that marks a credential unrecoverable.
func (r *CredentialRepository) SetExpiry(ctx context.Context, personaID string, expiresAt time.Time) error {
	query := `
		UPDATE persona_credentials
		SET token_expires_at = $2, updated_at = NOW()
		WHERE persona_id = $1`
	return r.execExpectOneRow(ctx, "set expiry", query, personaID, expiresAt)
}

// SetRefreshed records a successful token refresh.
func (r *CredentialRepository) SetRefreshed(ctx context.Context, personaID string, expiresAt, refreshedAt time.Time) error {
	query := `
		UPDATE persona_credentials
		SET token_expires_at = $2, token_refreshed_at = $3, updated_at = NOW()
		WHERE persona_id = $1`
	return r.execExpectOneRow(ctx, "set refreshed", query, personaID, expiresAt, refreshedAt)
}

// FlagRateLimited sets the rate-limit state on a persona. Already-flagged
// personas are left untouched so the original detection time survives.
func (r *CredentialRepository) FlagRateLimited(ctx context.Context, personaID, reason string, liftAt time.Time) (bool, error) {
	query := `
		UPDATE persona_credentials
		SET rate_limited = TRUE,
		    rate_limit_detected_at = NOW(),
		    rate_limit_reason = $2,
		    rate_limit_lift_at = $3,
		    updated_at = NOW()
		WHERE persona_id = $1 AND rate_limited = FALSE`

	result, err := r.db.ExecContext(ctx, query, personaID, reason, liftAt)
	if err != nil {
		return false, fmt.Errorf("flag rate limited: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("flag rate limited affected rows: %w", err)
	}
	return rows == 1, nil
}

// ClearRateLimit removes the rate-limit flag from a persona.
func (r *CredentialRepository) ClearRateLimit(ctx context.Context, personaID string) (bool, error) {
	query := `
		UPDATE persona_credentials
		SET rate_limited = FALSE,
		    rate_limit_detected_at = NULL,
		    rate_limit_reason = NULL,
		    rate_limit_lift_at = NULL,
		    updated_at = NOW()
		WHERE persona_id = $1 AND rate_limited = TRUE`

	result, err := r.db.ExecContext(ctx, query, personaID)
	if err != nil {
		return false, fmt.Errorf("clear rate limit: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("clear rate limit affected rows: %w", err)
	}
	return rows == 1, nil
}

// SweepExpiredRateLimits clears flags whose lift time has passed.
func (r *CredentialRepository) SweepExpiredRateLimits(ctx context.Context, now time.Time) (int64, error) {
	query := `
		UPDATE persona_credentials
		SET rate_limited = FALSE,
		    rate_limit_detected_at = NULL,
		    rate_limit_reason = NULL,
		    rate_limit_lift_at = NULL,
		    updated_at = NOW()
		WHERE rate_limited = TRUE AND rate_limit_lift_at <= $1`

	result, err := r.db.ExecContext(ctx, query, now)
	if err != nil {
		return 0, fmt.Errorf("sweep expired rate limits: %w", err)
	}
	return result.RowsAffected()
}

// RateLimitedPersonas returns ids of personas whose flag is still in effect.
func (r *CredentialRepository) RateLimitedPersonas(ctx context.Context, now time.Time) ([]string, error) {
	personas := []string{}
	err := r.db.SelectContext(ctx, &personas,
		`SELECT persona_id FROM persona_credentials
		 WHERE rate_limited = TRUE
		   AND (rate_limit_lift_at IS NULL OR rate_limit_lift_at > $1)`,
		now)
	if err != nil {
		return nil, fmt.Errorf("rate limited personas: %w", err)
	}
	return personas, nil
}

// CountHealthy reports active credentials whose expiry is known and beyond
// the lookahead window, i.e. needing no attention this pass.
func (r *CredentialRepository) CountHealthy(ctx context.Context, lookahead time.Duration) (int64, error) {
	var count int64
	err := r.db.GetContext(ctx, &count,
		`SELECT COUNT(*) FROM persona_credentials
		 WHERE active = TRUE AND token_expires_at > NOW() + $1::interval`,
		lookahead.String())
	if err != nil {
		return 0, fmt.Errorf("count healthy: %w", err)
	}
	return count, nil
}

// CountRefreshedSince reports credentials refreshed after the given time.
func (r *CredentialRepository) CountRefreshedSince(ctx context.Context, since time.Time) (int64, error) {
	var count int64
	err := r.db.GetContext(ctx, &count,
		`SELECT COUNT(*) FROM persona_credentials WHERE token_refreshed_at >= $1`,
		since)
	if err != nil {
		return 0, fmt.Errorf("count refreshed since: %w", err)
	}
	return count, nil
}

func (r *CredentialRepository) execExpectOneRow(ctx context.Context, op, query string, args ...any) error {
	result, err := r.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("%s affected rows: %w", op, err)
	}
	if rows == 0 {
		return domain.ErrNotFound
	}
	return nil
}
