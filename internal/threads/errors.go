package threads

import (
	"errors"
	"fmt"

	"github.com/i0switch/personaforge/internal/domain"
)

// APIError is the structured error envelope returned by the Threads Graph
// API. Code and Subcode drive failure classification; messages are never
// string-matched.
type APIError struct {
	Message   string `json:"message"`
	Type      string `json:"type"`
	Code      int    `json:"code"`
	Subcode   int    `json:"error_subcode"`
	Transient bool   `json:"is_transient"`
	TraceID   string `json:"fbtrace_id"`
}

func (e *APIError) Error() string {
	if e.Subcode != 0 {
		return fmt.Sprintf("threads API error (code %d, subcode %d): %s", e.Code, e.Subcode, e.Message)
	}
	return fmt.Sprintf("threads API error (code %d): %s", e.Code, e.Message)
}

// PublishError reports which phase of the two-phase protocol failed, so the
// scheduler can record it alongside the platform error.
type PublishError struct {
	Phase string // "container" or "publish"
	Err   error
}

func (e *PublishError) Error() string {
	return fmt.Sprintf("%s phase: %v", e.Phase, e.Err)
}

func (e *PublishError) Unwrap() error {
	return e.Err
}

// Expired-token error code per the Graph API.
const codeInvalidToken = 190

// rateLimitSignatures is the fixed set of platform throttling signatures. A
// zero field matches any value; detection is exact-match against this table,
// never a heuristic on message text.
var rateLimitSignatures = []struct {
	code    int
	subcode int
}{
	{code: 4},                // application request limit reached
	{code: 17},               // user request limit reached
	{code: 613},              // calls exceeded rate limit
	{subcode: 2207051},       // restricted activity (spam block)
}

// IsRateLimitSignature reports whether a (code, subcode) pair matches a known
// throttling signature.
func IsRateLimitSignature(code, subcode int) bool {
	for _, sig := range rateLimitSignatures {
		if sig.code != 0 && sig.code != code {
			continue
		}
		if sig.subcode != 0 && sig.subcode != subcode {
			continue
		}
		return true
	}
	return false
}

// Categorize maps an error from a publish attempt to its failure category.
// Anything that is not a platform error envelope is a transport failure.
func Categorize(err error) domain.FailureCategory {
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		return domain.FailureNetwork
	}
	switch {
	case apiErr.Code == codeInvalidToken:
		return domain.FailureToken
	case IsRateLimitSignature(apiErr.Code, apiErr.Subcode):
		return domain.FailureRateLimit
	default:
		return domain.FailureAPI
	}
}

// FailureDetail builds the structured payload persisted with a failed item.
func FailureDetail(err error) domain.FailureDetail {
	detail := domain.FailureDetail{
		Category: Categorize(err),
		Message:  err.Error(),
	}

	var pubErr *PublishError
	if errors.As(err, &pubErr) {
		detail.Phase = pubErr.Phase
	}

	var apiErr *APIError
	if errors.As(err, &apiErr) {
		detail.Code = apiErr.Code
		detail.Subcode = apiErr.Subcode
		detail.Message = apiErr.Message
	}

	return detail
}
