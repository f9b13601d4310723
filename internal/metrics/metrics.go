// Package metrics defines the Prometheus collectors for the real-time core.
// A nil *Metrics is valid and records nothing.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "waypost"

// Metrics groups every collector exported by Waypost.
type Metrics struct {
	ConnectionStatus  *prometheus.GaugeVec
	ReconnectAttempts prometheus.Counter
	EventsReceived    *prometheus.CounterVec
	CallOutcomes      *prometheus.CounterVec
	ChatSends         *prometheus.CounterVec
	AlertsRaised      *prometheus.CounterVec
}

// New creates the collectors and registers them with reg. A nil reg skips
// registration, which tests use to avoid global state.
func New(reg prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		ConnectionStatus: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "connection_status",
			Help:      "1 for the current connection status, 0 for the others.",
		}, []string{"status"}),
		ReconnectAttempts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reconnect_attempts_total",
			Help:      "Reconnection dials made after a transport drop or failed open.",
		}),
		EventsReceived: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_received_total",
			Help:      "Inbound events dispatched to subscribers, by event name.",
		}, []string{"event"}),
		CallOutcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "call_outcomes_total",
			Help:      "Terminated call negotiations, by outcome.",
		}, []string{"outcome"}),
		ChatSends: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "chat_sends_total",
			Help:      "Chat send attempts, by result (sent, failed, offline).",
		}, []string{"result"}),
		AlertsRaised: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "alerts_raised_total",
			Help:      "Transient alerts raised, by source kind.",
		}, []string{"kind"}),
	}
	if reg != nil {
		for _, c := range m.collectors() {
			if err := reg.Register(c); err != nil {
				return nil, err
			}
		}
	}
	return m, nil
}

func (m *Metrics) collectors() []prometheus.Collector {
	return []prometheus.Collector{
		m.ConnectionStatus,
		m.ReconnectAttempts,
		m.EventsReceived,
		m.CallOutcomes,
		m.ChatSends,
		m.AlertsRaised,
	}
}

// SetStatus marks status as the only active connection status.
func (m *Metrics) SetStatus(status string) {
	if m == nil {
		return
	}
	for _, s := range []string{"disconnected", "connecting", "connected"} {
		v := 0.0
		if s == status {
			v = 1
		}
		m.ConnectionStatus.WithLabelValues(s).Set(v)
	}
}

// ReconnectAttempt counts one reconnection dial.
func (m *Metrics) ReconnectAttempt() {
	if m == nil {
		return
	}
	m.ReconnectAttempts.Inc()
}

// EventReceived counts one dispatched inbound event.
func (m *Metrics) EventReceived(name string) {
	if m == nil {
		return
	}
	m.EventsReceived.WithLabelValues(name).Inc()
}

// CallOutcome counts one terminated call.
func (m *Metrics) CallOutcome(outcome string) {
	if m == nil {
		return
	}
	m.CallOutcomes.WithLabelValues(outcome).Inc()
}

// ChatSend counts one chat send attempt.
func (m *Metrics) ChatSend(result string) {
	if m == nil {
		return
	}
	m.ChatSends.WithLabelValues(result).Inc()
}

// AlertRaised counts one alert.
func (m *Metrics) AlertRaised(kind string) {
	if m == nil {
		return
	}
	m.AlertsRaised.WithLabelValues(kind).Inc()
}
