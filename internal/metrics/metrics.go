package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the Prometheus instruments for the relay.
type Metrics struct {
	EventsTotal        prometheus.Counter
	EventsInvalidTotal prometheus.Counter
	DeliveriesTotal    prometheus.Counter
	SendFailuresTotal  prometheus.Counter
	ObserversConnected prometheus.Gauge
}

// New registers the relay instruments on reg. Pass a private
// prometheus.NewRegistry() in tests; nil falls back to the default registerer.
func New(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)
	return &Metrics{
		EventsTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "relay_events_total",
			Help: "Total number of telemetry submissions accepted",
		}),
		EventsInvalidTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "relay_events_invalid_total",
			Help: "Total number of telemetry submissions rejected",
		}),
		DeliveriesTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "relay_deliveries_total",
			Help: "Total number of messages handed to observer transports",
		}),
		SendFailuresTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "relay_send_failures_total",
			Help: "Total number of observer sends that failed and evicted the observer",
		}),
		ObserversConnected: factory.NewGauge(prometheus.GaugeOpts{
			Name: "relay_observers_connected",
			Help: "Number of currently registered observers",
		}),
	}
}
