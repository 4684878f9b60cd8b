// Package metrics exposes Prometheus collectors for the publishing service.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the service's Prometheus collectors.
type Metrics struct {
	PostsPublished  prometheus.Counter
	PostsFailed     *prometheus.CounterVec
	ClaimConflicts  prometheus.Counter
	AuditRepairs    *prometheus.CounterVec
	TokensRefreshed prometheus.Counter
	RateLimitFlags  prometheus.Counter
	RepliesSent     prometheus.Counter
}

// New registers and returns the service collectors on the given registerer.
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		PostsPublished: factory.NewCounter(prometheus.CounterOpts{
			Name: "personaforge_posts_published_total",
			Help: "Posts successfully published to the platform.",
		}),
		PostsFailed: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "personaforge_posts_failed_total",
			Help: "Posts that failed to publish, by failure category.",
		}, []string{"category"}),
		ClaimConflicts: factory.NewCounter(prometheus.CounterOpts{
			Name: "personaforge_claim_conflicts_total",
			Help: "Queue claims lost to a concurrent worker.",
		}),
		AuditRepairs: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "personaforge_audit_repairs_total",
			Help: "Queue anomalies healed by the integrity auditor, by kind.",
		}, []string{"kind"}),
		TokensRefreshed: factory.NewCounter(prometheus.CounterOpts{
			Name: "personaforge_tokens_refreshed_total",
			Help: "Persona credentials successfully refreshed.",
		}),
		RateLimitFlags: factory.NewCounter(prometheus.CounterOpts{
			Name: "personaforge_rate_limit_flags_total",
			Help: "Personas flagged as rate limited.",
		}),
		RepliesSent: factory.NewCounter(prometheus.CounterOpts{
			Name: "personaforge_replies_sent_total",
			Help: "Self-reply jobs successfully sent.",
		}),
	}
}

// NewNop returns collectors registered on a private registry, for tests.
func NewNop() *Metrics {
	return New(prometheus.NewRegistry())
}
