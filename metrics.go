package quotagate

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Stage names used in metrics and log fields.
const (
	StageGlobal = "global"
	StageAuth   = "auth"
	StageQuota  = "quota"
)

// Decision outcomes recorded per stage.
const (
	OutcomeAdmitted    = "admitted"
	OutcomeRejected    = "rejected"
	OutcomeUnknownPlan = "unknown_plan"
	OutcomeStoreError  = "store_error"
	OutcomeFailOpen    = "fail_open"
)

// Metrics contains Prometheus collectors for the admission pipeline.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	decisions     *prometheus.CounterVec
	storeDuration *prometheus.HistogramVec
	planRefreshes *prometheus.CounterVec
	plansLoaded   prometheus.Gauge
}

// NewMetrics creates the collectors and registers them with reg.
// A nil reg registers with the default Prometheus registry.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)

	return &Metrics{
		decisions: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "quotagate_admission_decisions_total",
				Help: "Total number of admission decisions by stage and outcome",
			},
			[]string{"stage", "outcome"},
		),

		storeDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "quotagate_store_operation_duration_seconds",
				Help:    "Duration of counter store operations",
				Buckets: []float64{.0005, .001, .0025, .005, .01, .025, .05, .1, .25, .5, 1},
			},
			[]string{"operation"},
		),

		planRefreshes: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "quotagate_plan_refresh_total",
				Help: "Total number of plan registry refresh attempts by result",
			},
			[]string{"result"},
		),

		plansLoaded: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "quotagate_plans_loaded",
				Help: "Number of plans in the current registry snapshot",
			},
		),
	}
}

func (m *Metrics) observeDecision(stage, outcome string) {
	if m == nil {
		return
	}
	m.decisions.WithLabelValues(stage, outcome).Inc()
}

func (m *Metrics) observeStore(operation string, start time.Time) {
	if m == nil {
		return
	}
	m.storeDuration.WithLabelValues(operation).Observe(time.Since(start).Seconds())
}

// ObservePlanRefresh records a plan registry refresh. Pass it to
// plans.WithRefreshObserver.
func (m *Metrics) ObservePlanRefresh(loaded int, err error) {
	if m == nil {
		return
	}
	result := "success"
	if err != nil {
		result = "error"
	}
	m.planRefreshes.WithLabelValues(result).Inc()
	m.plansLoaded.Set(float64(loaded))
}
