// Package metrics records hub activity.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Recorder receives hub measurements. Implementations must be safe for
// concurrent use.
type Recorder interface {
	StateTransition(from, to string)
	Throttled(source, service string)
	ExternalCall(outcome string)
	Confirmation(outcome string)
	Repaired(kind string, n int)
	ProcessingLatency(operation string, d time.Duration)
	QueueDepth(queue string, n int)
}

// Noop discards every measurement.
type Noop struct{}

func (Noop) StateTransition(string, string)          {}
func (Noop) Throttled(string, string)                {}
func (Noop) ExternalCall(string)                     {}
func (Noop) Confirmation(string)                     {}
func (Noop) Repaired(string, int)                    {}
func (Noop) ProcessingLatency(string, time.Duration) {}
func (Noop) QueueDepth(string, int)                  {}

// OrNoop returns r, or Noop when r is nil.
func OrNoop(r Recorder) Recorder {
	if r == nil {
		return Noop{}
	}
	return r
}

// Prometheus is a Recorder backed by client_golang collectors.
type Prometheus struct {
	transitions *prometheus.CounterVec
	throttled   *prometheus.CounterVec
	extCalls    *prometheus.CounterVec
	confirms    *prometheus.CounterVec
	repaired    *prometheus.CounterVec
	latency     *prometheus.HistogramVec
	queueDepth  *prometheus.GaugeVec
	gatherer    prometheus.Gatherer
}

// NewPrometheus registers hub collectors on reg. A nil reg uses a fresh
// registry.
func NewPrometheus(reg *prometheus.Registry, namespace string) *Prometheus {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	if namespace == "" {
		namespace = "hub"
	}
	f := promauto.With(reg)
	return &Prometheus{
		transitions: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "state_transitions_total",
			Help:      "Total number of message state transitions.",
		}, []string{"from", "to"}),
		throttled: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "throttled_total",
			Help:      "Total number of inbound requests rejected by throttling.",
		}, []string{"source", "service"}),
		extCalls: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "external_call_prepare_total",
			Help:      "External call prepare outcomes.",
		}, []string{"outcome"}),
		confirms: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "confirmations_total",
			Help:      "Confirmation delivery outcomes.",
		}, []string{"outcome"}),
		repaired: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "repaired_total",
			Help:      "Messages and calls touched by the repair scanner.",
		}, []string{"kind"}),
		latency: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "processing_seconds",
			Help:      "Latency distribution for message processing.",
			Buckets: []float64{
				0.001, 0.005, 0.01,
				0.05, 0.1, 0.5,
				1, 5, 10, 30,
			},
		}, []string{"operation"}),
		queueDepth: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "queue_depth",
			Help:      "Current number of queued items.",
		}, []string{"queue"}),
		gatherer: reg,
	}
}

func (p *Prometheus) StateTransition(from, to string) {
	p.transitions.WithLabelValues(from, to).Inc()
}

func (p *Prometheus) Throttled(source, service string) {
	p.throttled.WithLabelValues(source, service).Inc()
}

func (p *Prometheus) ExternalCall(outcome string) {
	p.extCalls.WithLabelValues(outcome).Inc()
}

func (p *Prometheus) Confirmation(outcome string) {
	p.confirms.WithLabelValues(outcome).Inc()
}

func (p *Prometheus) Repaired(kind string, n int) {
	if n <= 0 {
		return
	}
	p.repaired.WithLabelValues(kind).Add(float64(n))
}

func (p *Prometheus) ProcessingLatency(operation string, d time.Duration) {
	p.latency.WithLabelValues(operation).Observe(d.Seconds())
}

func (p *Prometheus) QueueDepth(queue string, n int) {
	p.queueDepth.WithLabelValues(queue).Set(float64(n))
}

// Handler exposes the registry in the Prometheus text format.
func (p *Prometheus) Handler() http.Handler {
	return promhttp.HandlerFor(p.gatherer, promhttp.HandlerOpts{
		ErrorHandling: promhttp.ContinueOnError,
	})
}
