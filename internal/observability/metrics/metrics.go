// Package metrics exposes prometheus instruments for the billing core.
package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// BillingMetrics captures billing job and ledger health signals.
type BillingMetrics struct {
	jobRuns          *prometheus.CounterVec
	jobErrors        *prometheus.CounterVec
	jobDuration      *prometheus.HistogramVec
	charges          *prometheus.CounterVec
	chargeAmounts    *prometheus.CounterVec
	idempotentSkips  *prometheus.CounterVec
	walletTxns       *prometheus.CounterVec
	limitRejections  *prometheus.CounterVec
	graceActivations prometheus.Counter
}

var (
	billingMetricsOnce sync.Once
	billingMetrics     *BillingMetrics
)

// Billing returns the singleton billing metrics registry.
func Billing() *BillingMetrics {
	billingMetricsOnce.Do(func() {
		billingMetrics = newBillingMetrics(prometheus.DefaultRegisterer)
	})
	return billingMetrics
}

// ResetBillingMetricsForTest resets the singleton for tests.
func ResetBillingMetricsForTest() {
	billingMetricsOnce = sync.Once{}
	billingMetrics = nil
}

func newBillingMetrics(registerer prometheus.Registerer) *BillingMetrics {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}

	m := &BillingMetrics{
		jobRuns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "opsfield_billing_job_runs_total",
			Help: "Billing job invocations.",
		}, []string{"job"}),
		jobErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "opsfield_billing_job_errors_total",
			Help: "Billing job failures, per job.",
		}, []string{"job"}),
		jobDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "opsfield_billing_job_duration_seconds",
			Help:    "Billing job wall time.",
			Buckets: prometheus.DefBuckets,
		}, []string{"job"}),
		charges: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "opsfield_billing_charges_total",
			Help: "Charges issued, per source.",
		}, []string{"source"}),
		chargeAmounts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "opsfield_billing_charge_amount_rub_total",
			Help: "Cumulative charged amount in RUB, per source.",
		}, []string{"source"}),
		idempotentSkips: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "opsfield_billing_idempotent_skips_total",
			Help: "Charges skipped because the idempotency record already existed.",
		}, []string{"job"}),
		walletTxns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "opsfield_wallet_transactions_total",
			Help: "Ledger transactions appended, per owner kind, type and source.",
		}, []string{"owner_kind", "type", "source"}),
		limitRejections: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "opsfield_usage_limit_rejections_total",
			Help: "check-and-consume rejections, per counter kind.",
		}, []string{"kind"}),
		graceActivations: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "opsfield_grace_activations_total",
			Help: "Grace period activations.",
		}),
	}

	registerer.MustRegister(
		m.jobRuns,
		m.jobErrors,
		m.jobDuration,
		m.charges,
		m.chargeAmounts,
		m.idempotentSkips,
		m.walletTxns,
		m.limitRejections,
		m.graceActivations,
	)
	return m
}

func (m *BillingMetrics) IncJobRun(job string) {
	m.jobRuns.WithLabelValues(job).Inc()
}

func (m *BillingMetrics) IncJobError(job string) {
	m.jobErrors.WithLabelValues(job).Inc()
}

func (m *BillingMetrics) ObserveJobDuration(job string, d time.Duration) {
	m.jobDuration.WithLabelValues(job).Observe(d.Seconds())
}

func (m *BillingMetrics) IncCharge(source string, amountRub float64) {
	m.charges.WithLabelValues(source).Inc()
	m.chargeAmounts.WithLabelValues(source).Add(amountRub)
}

func (m *BillingMetrics) IncIdempotentSkip(job string) {
	m.idempotentSkips.WithLabelValues(job).Inc()
}

func (m *BillingMetrics) IncWalletTransaction(ownerKind, txType, source string) {
	m.walletTxns.WithLabelValues(ownerKind, txType, source).Inc()
}

func (m *BillingMetrics) IncLimitRejection(kind string) {
	m.limitRejections.WithLabelValues(kind).Inc()
}

func (m *BillingMetrics) IncGraceActivation() {
	m.graceActivations.Inc()
}
