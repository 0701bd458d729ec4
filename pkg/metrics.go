package pkg

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the prometheus collectors exported by one controller.
type Metrics struct {
	Registry prometheus.Gatherer

	CommandsIssued    *prometheus.CounterVec
	CommandsCompleted *prometheus.CounterVec
	CommandTimeouts   prometheus.Counter
	CommandAborts     prometheus.Counter
	EventsHandled     *prometheus.CounterVec
	RequestsCompleted *prometheus.CounterVec
	RingExpansions    prometheus.Counter
	ControllerDeaths  prometheus.Counter
	PendingRequests   prometheus.Gauge
}

// NewMetrics creates the controller collectors and registers them with reg.
// A nil reg registers them on a private registry, which is then exposed as
// [Metrics.Registry].
func NewMetrics(reg prometheus.Registerer) *Metrics {
	var gatherer prometheus.Gatherer
	if reg == nil {
		r := prometheus.NewRegistry()
		reg, gatherer = r, r
	} else if g, ok := reg.(prometheus.Gatherer); ok {
		gatherer = g
	}

	m := &Metrics{
		Registry: gatherer,
		CommandsIssued: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "usbssp",
			Subsystem: "command",
			Name:      "issued_total",
			Help:      "Commands queued on the command ring.",
		}, []string{"type"}),
		CommandsCompleted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "usbssp",
			Subsystem: "command",
			Name:      "completed_total",
			Help:      "Commands completed, by type and completion code.",
		}, []string{"type", "code"}),
		CommandTimeouts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "usbssp",
			Subsystem: "command",
			Name:      "timeouts_total",
			Help:      "Commands that did not complete within the command timeout.",
		}),
		CommandAborts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "usbssp",
			Subsystem: "command",
			Name:      "ring_aborts_total",
			Help:      "Command ring abort sequences issued.",
		}),
		EventsHandled: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "usbssp",
			Subsystem: "event",
			Name:      "handled_total",
			Help:      "Event TRBs drained from the event ring.",
		}, []string{"type"}),
		RequestsCompleted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "usbssp",
			Subsystem: "transfer",
			Name:      "requests_completed_total",
			Help:      "Requests given back to the function layer, by status.",
		}, []string{"status"}),
		RingExpansions: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "usbssp",
			Subsystem: "ring",
			Name:      "expansions_total",
			Help:      "Transfer ring expansions.",
		}),
		ControllerDeaths: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "usbssp",
			Subsystem: "controller",
			Name:      "deaths_total",
			Help:      "Transitions into the non-recoverable dying state.",
		}),
		PendingRequests: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "usbssp",
			Subsystem: "transfer",
			Name:      "pending_requests",
			Help:      "Requests queued on endpoint rings.",
		}),
	}

	reg.MustRegister(
		m.CommandsIssued,
		m.CommandsCompleted,
		m.CommandTimeouts,
		m.CommandAborts,
		m.EventsHandled,
		m.RequestsCompleted,
		m.RingExpansions,
		m.ControllerDeaths,
		m.PendingRequests,
	)
	return m
}
