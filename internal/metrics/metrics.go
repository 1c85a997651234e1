// Package metrics exports relay telemetry to Prometheus.
package metrics

import (
	"errors"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const defaultNamespace = "mp_relay"

// Prometheus implements the relay's metrics recorder.
type Prometheus struct {
	turns          *prometheus.CounterVec
	fallbacks      *prometheus.CounterVec
	backendLatency *prometheus.HistogramVec
}

// New registers the relay collectors on reg (prometheus.DefaultRegisterer when
// nil). Registering twice on the same registerer reuses the existing
// collectors.
func New(namespace string, reg prometheus.Registerer) (*Prometheus, error) {
	if namespace == "" {
		namespace = defaultNamespace
	}
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	turns, err := register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "turns_total",
		Help:      "Deliveries by final outcome and the checkpoint that ended them.",
	}, []string{"outcome", "checkpoint"}))
	if err != nil {
		return nil, err
	}
	fallbacks, err := register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "fallbacks_total",
		Help:      "Recovered failures by kind (voice_input, voice_reply).",
	}, []string{"kind"}))
	if err != nil {
		return nil, err
	}
	latency, err := register(reg, prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "backend_duration_seconds",
		Help:      "Latency of conversational backend calls.",
		Buckets:   []float64{0.5, 1, 2, 5, 10, 20, 40, 80},
	}, []string{"result"}))
	if err != nil {
		return nil, err
	}
	return &Prometheus{turns: turns, fallbacks: fallbacks, backendLatency: latency}, nil
}

func register[C prometheus.Collector](reg prometheus.Registerer, c C) (C, error) {
	if err := reg.Register(c); err != nil {
		var are prometheus.AlreadyRegisteredError
		if errors.As(err, &are) {
			if existing, ok := are.ExistingCollector.(C); ok {
				return existing, nil
			}
		}
		var zero C
		return zero, fmt.Errorf("metrics: register: %w", err)
	}
	return c, nil
}

func (p *Prometheus) RecordTurn(outcome, checkpoint string) {
	if p == nil {
		return
	}
	p.turns.WithLabelValues(outcome, checkpoint).Inc()
}

func (p *Prometheus) RecordFallback(kind string) {
	if p == nil {
		return
	}
	p.fallbacks.WithLabelValues(kind).Inc()
}

func (p *Prometheus) RecordBackend(d time.Duration, err error) {
	if p == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	p.backendLatency.WithLabelValues(result).Observe(d.Seconds())
}
