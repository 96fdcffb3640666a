package metrics

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const (
	metricPrefix = "billing_"

	ResultSuccess   = "success"
	ResultError     = "error"
	ResultDuplicate = "duplicate"
)

var (
	registerOnce sync.Once

	paymentsTotal   *prometheus.CounterVec
	paymentLatency  *prometheus.HistogramVec
	appliedTotal    prometheus.Counter
	overpaidTotal   prometheus.Counter
	discrepancies   *prometheus.CounterVec
	projectionTotal *prometheus.CounterVec
)

// Init registers billing metrics with the default registry. Safe to call
// more than once. Observe functions are no-ops until Init runs.
func Init() {
	registerOnce.Do(func() {
		paymentsTotal = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "payments_total",
				Help: "Total payment recordings by result",
			},
			[]string{"result"},
		)
		paymentLatency = prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    metricPrefix + "payment_latency_seconds",
				Help:    "Payment recording latency in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"result"},
		)
		appliedTotal = prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: metricPrefix + "applied_minor_units_total",
				Help: "Minor currency units applied to bills",
			},
		)
		overpaidTotal = prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: metricPrefix + "overpayment_minor_units_total",
				Help: "Minor currency units turned into credit by overpayment",
			},
		)
		discrepancies = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "discrepancies_total",
				Help: "Bill vs ledger discrepancies detected by suspected cause",
			},
			[]string{"cause"},
		)
		projectionTotal = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "projections_total",
				Help: "Total projections built by result",
			},
			[]string{"result"},
		)

		prometheus.MustRegister(
			paymentsTotal,
			paymentLatency,
			appliedTotal,
			overpaidTotal,
			discrepancies,
			projectionTotal,
		)
	})
}

// Handler serves the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}

func ObservePayment(result string, duration time.Duration) {
	if result == "" {
		result = ResultSuccess
	}
	if paymentsTotal != nil {
		paymentsTotal.WithLabelValues(result).Inc()
	}
	if paymentLatency != nil {
		paymentLatency.WithLabelValues(result).Observe(duration.Seconds())
	}
}

// AddApplied records money applied to bills and money overpaid into credit.
func AddApplied(applied, overpayment int64) {
	if applied > 0 && appliedTotal != nil {
		appliedTotal.Add(float64(applied))
	}
	if overpayment > 0 && overpaidTotal != nil {
		overpaidTotal.Add(float64(overpayment))
	}
}

func ObserveDiscrepancy(cause string) {
	if cause == "" {
		return
	}
	if discrepancies != nil {
		discrepancies.WithLabelValues(cause).Inc()
	}
}

func ObserveProjection(result string) {
	if result == "" {
		result = ResultSuccess
	}
	if projectionTotal != nil {
		projectionTotal.WithLabelValues(result).Inc()
	}
}
