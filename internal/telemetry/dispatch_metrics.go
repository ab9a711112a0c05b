package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// DispatchMetrics holds Prometheus metrics for email dispatch and the
// delivery record lifecycle. It satisfies service.Recorder.
type DispatchMetrics struct {
	EmailsSent       prometheus.Counter
	EmailsFailed     *prometheus.CounterVec
	RecordsCreated   prometheus.Counter
	RecordsDelivered prometheus.Counter
	RetriesExhausted prometheus.Counter
}

// NewDispatchMetrics creates and registers the dispatch metrics with reg.
// A nil reg uses the default Prometheus registry.
func NewDispatchMetrics(namespace string, reg prometheus.Registerer) *DispatchMetrics {
	if namespace == "" {
		namespace = "notifier"
	}
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	factory := promauto.With(reg)
	subsystem := "dispatch"

	return &DispatchMetrics{
		EmailsSent: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "emails_sent_total",
				Help:      "Emails accepted by the mail transport",
			},
		),
		EmailsFailed: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "emails_failed_total",
				Help:      "Emails that could not be sent",
			},
			[]string{"reason"}, // empty_recipient, render, format, send, unknown
		),
		RecordsCreated: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "records_created_total",
				Help:      "Delivery records created",
			},
		),
		RecordsDelivered: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "records_delivered_total",
				Help:      "Delivery records moved from FAILED to SUCCESS",
			},
		),
		RetriesExhausted: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "retries_exhausted_total",
				Help:      "Delivery records that reached the retry limit",
			},
		),
	}
}

func (m *DispatchMetrics) EmailSent() {
	m.EmailsSent.Inc()
}

func (m *DispatchMetrics) EmailFailed(reason string) {
	m.EmailsFailed.WithLabelValues(reason).Inc()
}

func (m *DispatchMetrics) RecordCreated() {
	m.RecordsCreated.Inc()
}

func (m *DispatchMetrics) RecordDelivered() {
	m.RecordsDelivered.Inc()
}

func (m *DispatchMetrics) RetryExhausted() {
	m.RetriesExhausted.Inc()
}
