package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// MFAVerifications records verification attempts by kind (totp|recovery) and result (success|failure).
	MFAVerifications = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tally_mfa_verifications_total",
			Help: "Total number of MFA verification attempts",
		},
		[]string{"kind", "result"},
	)

	// MFAEnrollments counts enrollment flows by stage (start|finish) and result.
	MFAEnrollments = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tally_mfa_enrollments_total",
			Help: "Total number of MFA enrollment operations",
		},
		[]string{"stage", "result"},
	)

	// MFALockouts counts verification attempts rejected by the lockout guard.
	MFALockouts = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "tally_mfa_lockouts_total",
			Help: "Total number of attempts rejected while locked out",
		},
	)

	// TrustedDeviceChecks counts trusted-device lookups by outcome (trusted|untrusted).
	TrustedDeviceChecks = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tally_mfa_trusted_device_checks_total",
			Help: "Total number of trusted device bypass checks",
		},
		[]string{"outcome"},
	)

	// APILatency measures HTTP request latencies.
	APILatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "tally_api_latency_seconds",
			Help:    "API endpoint latency",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)
)
