package metrics

import (
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"
)

// counterValue returns the value of the named counter whose labels match.
func counterValue(t *testing.T, reg *prometheus.Registry, name string, labels map[string]string) float64 {
	t.Helper()
	families, err := reg.Gather()
	require.NoError(t, err)
	for _, mf := range families {
		if mf.GetName() != name {
			continue
		}
	metrics:
		for _, m := range mf.GetMetric() {
			for _, lp := range m.GetLabel() {
				if labels[lp.GetName()] != lp.GetValue() {
					continue metrics
				}
			}
			return m.GetCounter().GetValue()
		}
	}
	return 0
}

func TestPrometheus_Counters(t *testing.T) {
	reg := prometheus.NewRegistry()
	p, err := New("", reg)
	require.NoError(t, err)

	p.RecordTurn("dispatched", "clear")
	p.RecordTurn("dispatched", "clear")
	p.RecordTurn("superseded", "before_backend")
	p.RecordFallback("voice_reply")

	require.Equal(t, 2.0, counterValue(t, reg, "mp_relay_turns_total", map[string]string{"outcome": "dispatched", "checkpoint": "clear"}))
	require.Equal(t, 1.0, counterValue(t, reg, "mp_relay_turns_total", map[string]string{"outcome": "superseded", "checkpoint": "before_backend"}))
	require.Equal(t, 1.0, counterValue(t, reg, "mp_relay_fallbacks_total", map[string]string{"kind": "voice_reply"}))
}

func TestPrometheus_BackendHistogram(t *testing.T) {
	reg := prometheus.NewRegistry()
	p, err := New("relay_test", reg)
	require.NoError(t, err)

	p.RecordBackend(1500*time.Millisecond, nil)
	p.RecordBackend(time.Second, errors.New("502"))

	families, err := reg.Gather()
	require.NoError(t, err)
	var found bool
	for _, mf := range families {
		if mf.GetName() == "relay_test_backend_duration_seconds" {
			found = true
			require.Len(t, mf.GetMetric(), 2)
		}
	}
	require.True(t, found)
}

func TestNew_ReusesRegisteredCollectors(t *testing.T) {
	reg := prometheus.NewRegistry()
	first, err := New("", reg)
	require.NoError(t, err)
	second, err := New("", reg)
	require.NoError(t, err)

	first.RecordFallback("voice_input")
	second.RecordFallback("voice_input")
	require.Equal(t, 2.0, counterValue(t, reg, "mp_relay_fallbacks_total", map[string]string{"kind": "voice_input"}))
}

func TestPrometheus_NilSafe(t *testing.T) {
	var p *Prometheus
	require.NotPanics(t, func() {
		p.RecordTurn("dispatched", "clear")
		p.RecordFallback("voice_input")
		p.RecordBackend(time.Second, nil)
	})
}
