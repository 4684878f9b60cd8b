package domain

// AuditReport aggregates the repairs made by one queue integrity pass.
// Anomalies are healed silently and surfaced only in these counts.
type AuditReport struct {
	Stuck      int64 `json:"stuck"`
	Duplicates int64 `json:"duplicates"`
	Orphaned   int64 `json:"orphaned"`
	Reconciled int64 `json:"reconciled"`
}

// Changed reports whether the pass repaired anything.
func (r AuditReport) Changed() bool {
	return r.Stuck+r.Duplicates+r.Orphaned+r.Reconciled > 0
}

// RefreshReport summarizes one credential lifecycle pass.
type RefreshReport struct {
	Healthy   int `json:"healthy"`
	Refreshed int `json:"refreshed"`
	Failed    int `json:"failed"`
	Expired   int `json:"expired"`
}

// DetectReport summarizes one rate-limit detection pass.
type DetectReport struct {
	Flagged int `json:"flagged"`
	Cleared int `json:"cleared"`
	Swept   int `json:"swept"`
}

// StatusSummary is the operator-facing dashboard object.
type StatusSummary struct {
	Total      int64 `json:"total"`
	Ready      int64 `json:"ready"`
	Overdue    int64 `json:"overdue"`
	Refreshed  int64 `json:"refreshed"`
	Failed     int64 `json:"failed"`
	Duplicates int64 `json:"duplicates"`
	Orphaned   int64 `json:"orphaned"`
}
