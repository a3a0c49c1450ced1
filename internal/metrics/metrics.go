package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	RegistrationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "onboarding_registrations_total",
			Help: "Registration attempts by outcome",
		},
		[]string{"outcome"}, // ok|<failure code>
	)

	VerificationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "onboarding_verifications_total",
			Help: "Verification attempts by outcome",
		},
		[]string{"outcome"},
	)

	SyncsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "onboarding_syncs_total",
			Help: "Identity sync attempts by outcome",
		},
		[]string{"outcome"},
	)

	EmailFailuresTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "onboarding_email_failures_total",
			Help: "Registration emails that could not be sent",
		},
	)

	IdempotencyDecisions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "onboarding_idempotency_decisions_total",
			Help: "Idempotency guard decisions by operation",
		},
		[]string{"operation", "decision"}, // executed|replayed|retried|in_flight|expired|reused
	)

	OutboxEventsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "onboarding_outbox_events_total",
			Help: "Outbox deliveries by stage",
		},
		[]string{"stage"}, // processed|failed|dead_lettered
	)

	OutboxPending = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "onboarding_outbox_pending",
			Help: "Pending outbox events seen by the last poll",
		},
	)
)

func MustRegister(r prometheus.Registerer) {
	r.MustRegister(
		RegistrationsTotal,
		VerificationsTotal,
		SyncsTotal,
		EmailFailuresTotal,
		IdempotencyDecisions,
		OutboxEventsTotal,
		OutboxPending,
	)
}
