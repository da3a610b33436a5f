package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics provides observability for evaluations and change control. A nil
// *Metrics is valid and records nothing.
type Metrics struct {
	// Evaluation verdicts: "compliant" or "non_compliant"
	Assessments *prometheus.CounterVec

	// Non-conformities found, by standard
	NonConformities *prometheus.CounterVec

	// Change transitions by action and result ("ok", "rejected", "error")
	ChangeTransitions *prometheus.CounterVec

	EvaluateLatency prometheus.Histogram

	// Webhook deliveries by result ("ok", "error")
	WebhookDeliveries *prometheus.CounterVec
}

// New registers the safeline metrics on reg. Pass prometheus.DefaultRegisterer
// in production and a fresh registry in tests.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		Assessments: f.NewCounterVec(prometheus.CounterOpts{
			Name: "safeline_assessments_total",
			Help: "Total compliance evaluations by verdict",
		}, []string{"verdict"}),

		NonConformities: f.NewCounterVec(prometheus.CounterOpts{
			Name: "safeline_nonconformities_total",
			Help: "Total non-conformities reported by standard",
		}, []string{"standard"}),

		ChangeTransitions: f.NewCounterVec(prometheus.CounterOpts{
			Name: "safeline_change_transitions_total",
			Help: "Change request transitions by action and result",
		}, []string{"action", "result"}),

		EvaluateLatency: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "safeline_evaluate_duration_seconds",
			Help:    "Duration of a compliance evaluation including persistence",
			Buckets: []float64{0.001, 0.0025, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1},
		}),

		WebhookDeliveries: f.NewCounterVec(prometheus.CounterOpts{
			Name: "safeline_webhook_deliveries_total",
			Help: "Outbound webhook deliveries by result",
		}, []string{"result"}),
	}
}

// IncrementAssessment records one evaluation verdict.
func (m *Metrics) IncrementAssessment(compliant bool) {
	if m == nil {
		return
	}
	verdict := "non_compliant"
	if compliant {
		verdict = "compliant"
	}
	m.Assessments.WithLabelValues(verdict).Inc()
}

// AddNonConformity records one non-conformity against standard.
func (m *Metrics) AddNonConformity(standard string) {
	if m != nil {
		m.NonConformities.WithLabelValues(standard).Inc()
	}
}

// IncrementTransition records a change transition attempt.
func (m *Metrics) IncrementTransition(action, result string) {
	if m != nil {
		m.ChangeTransitions.WithLabelValues(action, result).Inc()
	}
}

// ObserveEvaluateLatency records the total evaluation duration.
func (m *Metrics) ObserveEvaluateLatency(d time.Duration) {
	if m != nil {
		m.EvaluateLatency.Observe(d.Seconds())
	}
}

// IncrementWebhook records one webhook delivery attempt.
func (m *Metrics) IncrementWebhook(ok bool) {
	if m == nil {
		return
	}
	result := "error"
	if ok {
		result = "ok"
	}
	m.WebhookDeliveries.WithLabelValues(result).Inc()
}
