package subscribers

import (
	"github.com/prometheus/client_golang/prometheus"

	"relay/internal/event"
)

// Metrics derives operational counters from the event stream: per-type volume,
// terminal run transitions, and token usage carried by USAGE events (the input
// the billing pipeline meters from).
type Metrics struct {
	events     *prometheus.CounterVec
	terminal   *prometheus.CounterVec
	usageToken *prometheus.CounterVec
}

// NewMetrics builds and registers the collectors on reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		events: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "relay",
			Name:      "events_delivered_total",
			Help:      "Events delivered to the metrics subscriber, by type.",
		}, []string{"type"}),
		terminal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "relay",
			Name:      "run_terminations_total",
			Help:      "Terminal run status notifications, by reported status.",
		}, []string{"status"}),
		usageToken: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "relay",
			Name:      "usage_tokens_total",
			Help:      "Token usage reported by USAGE events, by direction.",
		}, []string{"direction"}),
	}
	reg.MustRegister(m.events, m.terminal, m.usageToken)
	return m
}

// Handle implements bus.Subscriber.
func (m *Metrics) Handle(ev event.Event) {
	m.events.WithLabelValues(ev.Type).Inc()

	switch ev.Type {
	case event.TypeStatusUpdate, event.TypeRunInterrupted:
		if status := ev.ContentString(event.ContentStatus); status != "" && status != "RUNNING" {
			m.terminal.WithLabelValues(status).Inc()
		}
	case event.TypeUsage:
		m.addUsage(ev, "input", "input_tokens")
		m.addUsage(ev, "output", "output_tokens")
	}
}

func (m *Metrics) addUsage(ev event.Event, direction, key string) {
	if ev.Content == nil {
		return
	}
	switch v := ev.Content[key].(type) {
	case int:
		m.usageToken.WithLabelValues(direction).Add(float64(v))
	case int64:
		m.usageToken.WithLabelValues(direction).Add(float64(v))
	case float64:
		m.usageToken.WithLabelValues(direction).Add(v)
	}
}
