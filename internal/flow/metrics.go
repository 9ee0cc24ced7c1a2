package flow

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the engine's Prometheus collectors. A nil *Metrics records nothing.
type Metrics struct {
	turns       *prometheus.CounterVec
	transitions *prometheus.CounterVec
	meetings    *prometheus.CounterVec
	llmLatency  *prometheus.HistogramVec
}

// NewMetrics creates the collectors and registers them on reg when non-nil.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		turns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "stagepipe",
			Name:      "turns_total",
			Help:      "Processed conversation turns by outcome.",
		}, []string{"outcome"}),
		transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "stagepipe",
			Name:      "transitions_total",
			Help:      "Stage transitions by kind.",
		}, []string{"kind"}),
		meetings: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "stagepipe",
			Name:      "meetings_total",
			Help:      "Meeting creation attempts by outcome.",
		}, []string{"outcome"}),
		llmLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "stagepipe",
			Name:      "llm_latency_seconds",
			Help:      "Latency of language-model calls.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"call", "status"}),
	}
	if reg != nil {
		reg.MustRegister(m.turns, m.transitions, m.meetings, m.llmLatency)
	}
	return m
}

func (m *Metrics) turn(outcome string) {
	if m == nil {
		return
	}
	m.turns.WithLabelValues(outcome).Inc()
}

func (m *Metrics) transition(kind TransitionKind) {
	if m == nil {
		return
	}
	m.transitions.WithLabelValues(string(kind)).Inc()
}

func (m *Metrics) meeting(outcome string) {
	if m == nil {
		return
	}
	m.meetings.WithLabelValues(outcome).Inc()
}

func (m *Metrics) llmCall(call string, start time.Time, err error) {
	if m == nil {
		return
	}
	status := "ok"
	if err != nil {
		status = "error"
	}
	m.llmLatency.WithLabelValues(call, status).Observe(time.Since(start).Seconds())
}
