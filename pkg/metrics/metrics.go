package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Pipeline metrics
	DecisionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bastion_decisions_total",
			Help: "Total number of authorization decisions by stage and effect",
		},
		[]string{"stage", "effect"},
	)

	StageDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "bastion_stage_duration_seconds",
			Help:    "Pipeline stage duration in seconds",
			Buckets: []float64{.0005, .001, .0025, .005, .01, .025, .05, .1, .25},
		},
		[]string{"stage"},
	)

	PipelineErrors = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "bastion_pipeline_errors_total",
			Help: "Total number of internal pipeline errors resolved to fail-secure deny",
		},
	)

	// Event metrics
	EventsPublished = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bastion_events_published_total",
			Help: "Total number of security events published by type",
		},
		[]string{"type"},
	)

	EventsDropped = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "bastion_events_dropped_total",
			Help: "Total number of security events dropped due to full queues",
		},
	)

	AuditFallbackTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "bastion_audit_fallback_total",
			Help: "Total number of events written to the local fallback buffer",
		},
	)

	// Threat metrics
	ThreatState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "bastion_threat_tracked_keys",
			Help: "Number of tracked keys by threat state",
		},
		[]string{"state"},
	)

	ThreatResponses = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bastion_threat_responses_total",
			Help: "Total number of threat responses issued by action",
		},
		[]string{"action"},
	)

	// Certificate metrics
	CertExpirySeconds = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "bastion_cert_expiry_seconds",
			Help: "Seconds until certificate expiry by certificate id",
		},
		[]string{"cert_id"},
	)

	CertRotationsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "bastion_cert_rotations_total",
			Help: "Total number of successful certificate rotations",
		},
	)

	CertRotationFailures = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "bastion_cert_rotation_failures_total",
			Help: "Total number of failed certificate rotation attempts",
		},
	)

	// Config metrics
	ConfigReloads = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bastion_config_reloads_total",
			Help: "Total number of role/policy reloads by result",
		},
		[]string{"source", "result"},
	)
)

func init() {
	prometheus.MustRegister(
		DecisionsTotal,
		StageDuration,
		PipelineErrors,
		EventsPublished,
		EventsDropped,
		AuditFallbackTotal,
		ThreatState,
		ThreatResponses,
		CertExpirySeconds,
		CertRotationsTotal,
		CertRotationFailures,
		ConfigReloads,
	)
}

// Handler returns the Prometheus metrics HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}
