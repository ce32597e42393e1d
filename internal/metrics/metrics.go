// Package metrics defines the agent's prometheus collectors.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics groups the collectors of one agent process.
type Metrics struct {
	Registry *prometheus.Registry

	UnreadTotal     prometheus.Gauge
	UnreadRefreshes *prometheus.CounterVec // result=ok|error
	FeedConnected   prometheus.Gauge
	FeedEvents      *prometheus.CounterVec // table, type
	Conversations   prometheus.Gauge
	Sends           *prometheus.CounterVec // kind=message|broadcast, result=ok|error
	Reconciles      prometheus.Counter
}

// New creates and registers all collectors on a fresh registry.
func New() *Metrics {
	m := &Metrics{
		Registry: prometheus.NewRegistry(),
		UnreadTotal: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "rxportal_unread_total",
			Help: "Current unread message aggregate as last fetched from the backend.",
		}),
		UnreadRefreshes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "rxportal_unread_refreshes_total",
			Help: "Authoritative unread fetches by result.",
		}, []string{"result"}),
		FeedConnected: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "rxportal_feed_connected",
			Help: "1 while the change feed upstream is connected.",
		}),
		FeedEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "rxportal_feed_events_total",
			Help: "Change feed events handled by the engine.",
		}, []string{"table", "type"}),
		Conversations: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "rxportal_conversations",
			Help: "Conversations in the engine's list.",
		}),
		Sends: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "rxportal_sends_total",
			Help: "Outbound sends by kind and result.",
		}, []string{"kind", "result"}),
		Reconciles: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "rxportal_scheduled_reconciles_total",
			Help: "Periodic reconciliation runs.",
		}),
	}
	m.Registry.MustRegister(
		m.UnreadTotal, m.UnreadRefreshes, m.FeedConnected, m.FeedEvents,
		m.Conversations, m.Sends, m.Reconciles,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// Handler serves the registry in the exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{})
}

// Result maps an error to the "result" label value.
func Result(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}

// FeedState is a feed.Hub state hook.
func (m *Metrics) FeedState(connected bool) {
	if connected {
		m.FeedConnected.Set(1)
		return
	}
	m.FeedConnected.Set(0)
}
