package services

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// ReconcileMetrics counts what the reconciliation engine actually did. All
// fields are optional on the consumers; a nil ReconcileMetrics disables
// instrumentation.
type ReconcileMetrics struct {
	Outcomes             *prometheus.CounterVec
	FallbackVerifies     prometheus.Counter
	InconclusiveVerifies prometheus.Counter
	WebhookRaces         prometheus.Counter
	WebhooksReceived     *prometheus.CounterVec
}

func NewReconcileMetrics(reg prometheus.Registerer) *ReconcileMetrics {
	factory := promauto.With(reg)
	return &ReconcileMetrics{
		Outcomes: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "tokoku",
			Subsystem: "reconcile",
			Name:      "outcomes_total",
			Help:      "Terminal reconciliation outcomes by state.",
		}, []string{"state"}),
		FallbackVerifies: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "tokoku",
			Subsystem: "reconcile",
			Name:      "fallback_verifies_total",
			Help:      "Direct gateway verifications performed by the polling loop.",
		}),
		InconclusiveVerifies: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "tokoku",
			Subsystem: "reconcile",
			Name:      "inconclusive_verifies_total",
			Help:      "Verifications that failed transport-wise or still reported pending.",
		}),
		WebhookRaces: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "tokoku",
			Subsystem: "reconcile",
			Name:      "webhook_races_total",
			Help:      "Self-heal writes that lost to an earlier webhook write.",
		}),
		WebhooksReceived: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "tokoku",
			Subsystem: "webhook",
			Name:      "notifications_total",
			Help:      "Gateway notifications by handling result.",
		}, []string{"result"}),
	}
}

func (m *ReconcileMetrics) CountOutcome(state ReconcileState) {
	if m == nil {
		return
	}
	m.Outcomes.WithLabelValues(string(state)).Inc()
}

func (m *ReconcileMetrics) CountFallbackVerify() {
	if m == nil {
		return
	}
	m.FallbackVerifies.Inc()
}

func (m *ReconcileMetrics) CountInconclusiveVerify() {
	if m == nil {
		return
	}
	m.InconclusiveVerifies.Inc()
}

func (m *ReconcileMetrics) CountWebhookRace() {
	if m == nil {
		return
	}
	m.WebhookRaces.Inc()
}

func (m *ReconcileMetrics) CountWebhook(result string) {
	if m == nil {
		return
	}
	m.WebhooksReceived.WithLabelValues(result).Inc()
}
