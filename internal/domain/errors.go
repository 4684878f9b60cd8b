// Package domain contains the core domain models for the persona publishing service.
package domain

import "errors"

// ErrNotFound is returned when an entity is not found in the database.
var ErrNotFound = errors.New("entity not found")

// ErrClaimConflict is returned when a conditional state transition matched no
// row, meaning another worker owns the item or it already reached a terminal
// state. It is expected under concurrent dispatch and is not a failure.
var ErrClaimConflict = errors.New("claim conflict")

// ErrInvalidPost is returned when creating a post with invalid fields.
var ErrInvalidPost = errors.New("invalid post")

// FailureCategory classifies a publish failure for downstream consumers
// (retry policy, rate-limit detection, operator UI).
type FailureCategory string

const (
	FailureToken     FailureCategory = "token"
	FailureRateLimit FailureCategory = "rate_limit"
	FailureAPI       FailureCategory = "api"
	FailureNetwork   FailureCategory = "network"
)

// FailureDetail is the structured error payload stamped on a failed post or
// reply job. It is persisted as JSON so the rate-limit detector can match
// platform error codes exactly instead of string-matching messages.
type FailureDetail struct {
	Category FailureCategory `json:"category"`
	Phase    string          `json:"phase,omitempty"`
	Code     int             `json:"code,omitempty"`
	Subcode  int             `json:"subcode,omitempty"`
	Message  string          `json:"message"`
}
