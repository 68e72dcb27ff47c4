// Package metrics defines the Prometheus collectors shared by the request pipeline.
//
// Every recording method is safe to call on a nil *Metrics so components can run
// without instrumentation in tests.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics bundles the pipeline collectors.
type Metrics struct {
	CacheRequests      *prometheus.CounterVec
	CacheCoalesced     prometheus.Counter
	CacheInvalidations prometheus.Counter
	UpstreamAttempts   *prometheus.CounterVec
	UpstreamRetries    *prometheus.CounterVec
	Pseudonyms         *prometheus.CounterVec
	PolicyViolations   *prometheus.CounterVec
}

// New creates the collectors and registers them with reg. A nil reg leaves them unregistered.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		CacheRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "canvasgpt",
			Subsystem: "cache",
			Name:      "requests_total",
			Help:      "Cache lookups partitioned by result (hit, miss).",
		}, []string{"result"}),
		CacheCoalesced: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "canvasgpt",
			Subsystem: "cache",
			Name:      "coalesced_total",
			Help:      "Callers that shared an upstream fetch already in flight.",
		}),
		CacheInvalidations: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "canvasgpt",
			Subsystem: "cache",
			Name:      "invalidations_total",
			Help:      "Resource family invalidations triggered by mutating calls.",
		}),
		UpstreamAttempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "canvasgpt",
			Subsystem: "upstream",
			Name:      "attempts_total",
			Help:      "Upstream HTTP attempts partitioned by outcome.",
		}, []string{"outcome"}),
		UpstreamRetries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "canvasgpt",
			Subsystem: "upstream",
			Name:      "retries_total",
			Help:      "Upstream retries partitioned by reason.",
		}, []string{"reason"}),
		Pseudonyms: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "canvasgpt",
			Subsystem: "privacy",
			Name:      "pseudonyms_allocated_total",
			Help:      "New pseudonyms allocated by the identity mapper.",
		}, []string{"kind"}),
		PolicyViolations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "canvasgpt",
			Subsystem: "privacy",
			Name:      "policy_violations_total",
			Help:      "Fields dropped because no anonymization rule covered them.",
		}, []string{"resource"}),
	}

	if reg != nil {
		reg.MustRegister(
			m.CacheRequests,
			m.CacheCoalesced,
			m.CacheInvalidations,
			m.UpstreamAttempts,
			m.UpstreamRetries,
			m.Pseudonyms,
			m.PolicyViolations,
		)
	}
	return m
}

// CacheHit records a fresh cache hit.
func (m *Metrics) CacheHit() {
	if m == nil {
		return
	}
	m.CacheRequests.WithLabelValues("hit").Inc()
}

// CacheMiss records a miss or an expired entry.
func (m *Metrics) CacheMiss() {
	if m == nil {
		return
	}
	m.CacheRequests.WithLabelValues("miss").Inc()
}

// Coalesced records a caller that joined an in-flight fetch.
func (m *Metrics) Coalesced() {
	if m == nil {
		return
	}
	m.CacheCoalesced.Inc()
}

// Invalidated records a family invalidation.
func (m *Metrics) Invalidated() {
	if m == nil {
		return
	}
	m.CacheInvalidations.Inc()
}

// Attempt records one upstream HTTP attempt.
func (m *Metrics) Attempt(outcome string) {
	if m == nil {
		return
	}
	m.UpstreamAttempts.WithLabelValues(outcome).Inc()
}

// Retry records a scheduled retry.
func (m *Metrics) Retry(reason string) {
	if m == nil {
		return
	}
	m.UpstreamRetries.WithLabelValues(reason).Inc()
}

// PseudonymAllocated records a newly assigned pseudonym.
func (m *Metrics) PseudonymAllocated(kind string) {
	if m == nil {
		return
	}
	m.Pseudonyms.WithLabelValues(kind).Inc()
}

// PolicyViolation records a dropped field.
func (m *Metrics) PolicyViolation(resource string) {
	if m == nil {
		return
	}
	m.PolicyViolations.WithLabelValues(resource).Inc()
}
