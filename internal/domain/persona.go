package domain

import "time"

// TokenExpirySentinel marks a credential as definitively expired when the
// platform never supplied a real expiry (malformed token, failed refresh).
// Credentials stamped with it are skipped by the lookahead refresh pass.
var TokenExpirySentinel = time.Date(2000, time.January, 1, 0, 0, 0, 0, time.UTC)

// PersonaCredential holds per-persona platform account state. The access
// token itself lives in the secret store; this row tracks expiry, refresh
// bookkeeping and the persona's rate-limit state.
type PersonaCredential struct {
	PersonaID        string     `db:"persona_id"         json:"persona_id"`
	TenantID         string     `db:"tenant_id"          json:"tenant_id"`
	ExternalUserID   *string    `db:"external_user_id"   json:"external_user_id,omitempty"`
	ExternalUsername *string    `db:"external_username"  json:"external_username,omitempty"`
	TokenExpiresAt   *time.Time `db:"token_expires_at"   json:"token_expires_at,omitempty"`
	TokenRefreshedAt *time.Time `db:"token_refreshed_at" json:"token_refreshed_at,omitempty"`
	Active           bool       `db:"active"             json:"active"`

	RateLimited         bool       `db:"rate_limited"           json:"rate_limited"`
	RateLimitDetectedAt *time.Time `db:"rate_limit_detected_at" json:"rate_limit_detected_at,omitempty"`
	RateLimitReason     *string    `db:"rate_limit_reason"      json:"rate_limit_reason,omitempty"`
	RateLimitLiftAt     *time.Time `db:"rate_limit_lift_at"     json:"rate_limit_lift_at,omitempty"`

	CreatedAt time.Time `db:"created_at" json:"created_at"`
	UpdatedAt time.Time `db:"updated_at" json:"updated_at"`
}

// TokenExpired reports whether the credential must not be used for
// publishing. An unknown expiry is not trusted either: the lifecycle manager
// has to probe it and assign a definitive value first.
func (c *PersonaCredential) TokenExpired(now time.Time) bool {
	if c.TokenExpiresAt == nil {
		return true
	}
	return !c.TokenExpiresAt.After(now)
}

// IsRateLimited reports whether the flag is currently in effect. The flag is
// only meaningful while now is before the lift time; past that it reads as
// cleared even if the row has not been swept yet.
func (c *PersonaCredential) IsRateLimited(now time.Time) bool {
	if !c.RateLimited {
		return false
	}
	if c.RateLimitLiftAt == nil {
		return true
	}
	return now.Before(*c.RateLimitLiftAt)
}
