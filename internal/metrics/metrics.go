// Package metrics holds the prometheus collectors of the delivery core. All
// methods are safe on a nil *Metrics so components can run without metrics.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "txrelay"

type Metrics struct {
	reg *prometheus.Registry

	Resends         prometheus.Counter
	TransportErrors *prometheus.CounterVec
	RelayResults    *prometheus.CounterVec
	LoopsActive     prometheus.Gauge
	LoopOutcomes    *prometheus.CounterVec
	Sequences       *prometheus.CounterVec
	Events          *prometheus.CounterVec
	NotifyDropped   prometheus.Counter
}

// New registers every collector on a fresh registry.
func New() *Metrics {
	m := &Metrics{
		reg: prometheus.NewRegistry(),
		Resends: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "resends_total",
			Help: "Signed transactions resubmitted by broadcast loops.",
		}),
		TransportErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "transport_errors_total",
			Help: "Transport errors swallowed by the delivery core.",
		}, []string{"op"}),
		RelayResults: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "relay_results_total",
			Help: "Best-effort relay submissions by result.",
		}, []string{"result"}),
		LoopsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "retry_loops_active",
			Help: "Retry loops currently running.",
		}),
		LoopOutcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "retry_loops_total",
			Help: "Finished retry loops by reason.",
		}, []string{"reason"}),
		Sequences: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "sequences_total",
			Help: "Finished transaction sequences by result.",
		}, []string{"result"}),
		Events: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "events_total",
			Help: "Status events published by topic.",
		}, []string{"topic"}),
		NotifyDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "notify_dropped_total",
			Help: "Notifications dropped because the sink queue was full.",
		}),
	}
	m.reg.MustRegister(
		m.Resends, m.TransportErrors, m.RelayResults, m.LoopsActive,
		m.LoopOutcomes, m.Sequences, m.Events, m.NotifyDropped,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.reg
}

// Handler serves the registry in the prometheus text format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{})
}

func (m *Metrics) IncResend() {
	if m != nil {
		m.Resends.Inc()
	}
}

func (m *Metrics) IncTransportError(op string) {
	if m != nil {
		m.TransportErrors.WithLabelValues(op).Inc()
	}
}

func (m *Metrics) IncRelay(result string) {
	if m != nil {
		m.RelayResults.WithLabelValues(result).Inc()
	}
}

func (m *Metrics) IncSequence(result string) {
	if m != nil {
		m.Sequences.WithLabelValues(result).Inc()
	}
}

func (m *Metrics) IncEvent(topic string) {
	if m != nil {
		m.Events.WithLabelValues(topic).Inc()
	}
}

func (m *Metrics) IncNotifyDropped() {
	if m != nil {
		m.NotifyDropped.Inc()
	}
}

// LoopStarted and LoopEnded make *Metrics a retry.Observer.
func (m *Metrics) LoopStarted() {
	if m != nil {
		m.LoopsActive.Inc()
	}
}

func (m *Metrics) LoopEnded(reason string) {
	if m != nil {
		m.LoopsActive.Dec()
		m.LoopOutcomes.WithLabelValues(reason).Inc()
	}
}
