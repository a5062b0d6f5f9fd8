// Package metrics exposes prometheus collectors for the admission engine,
// the approval workflow engine, and the reasoning loop.
package metrics

import (
	"context"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/toolgate/toolgate/internal/event"
)

// Metrics holds every collector on a dedicated registry so tests never
// collide on the global default.
type Metrics struct {
	registry *prometheus.Registry

	ExecutionsTotal *prometheus.CounterVec
	ApprovalsTotal  *prometheus.CounterVec
	ReasoningSteps  prometheus.Counter
}

// New creates a Metrics with all collectors registered.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	m := &Metrics{
		registry: reg,
		ExecutionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "toolgate",
			Name:      "executions_total",
			Help:      "Tool executions by terminal or transitional status.",
		}, []string{"status"}),
		ApprovalsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "toolgate",
			Name:      "approvals_total",
			Help:      "Approval decisions by kind.",
		}, []string{"decision"}),
		ReasoningSteps: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "toolgate",
			Name:      "reasoning_steps_total",
			Help:      "Reason-act loop steps taken.",
		}),
	}
	reg.MustRegister(m.ExecutionsTotal, m.ApprovalsTotal, m.ReasoningSteps)
	return m
}

// RegisterDroppedEvents exposes the bus drop count as a counter backed by a
// live callback.
func (m *Metrics) RegisterDroppedEvents(fn func() int64) {
	m.registry.MustRegister(prometheus.NewCounterFunc(prometheus.CounterOpts{
		Namespace: "toolgate",
		Name:      "events_dropped_total",
		Help:      "Bus events dropped because a subscriber lagged.",
	}, func() float64 { return float64(fn()) }))
}

// RegisterQueueDepth exposes the admission queue depth as a gauge backed by
// a live callback.
func (m *Metrics) RegisterQueueDepth(fn func() int) {
	m.registry.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: "toolgate",
		Name:      "queue_depth",
		Help:      "Approved executions awaiting dispatch.",
	}, func() float64 { return float64(fn()) }))
}

// RegisterExecuting exposes the in-flight execution count as a gauge backed
// by a live callback.
func (m *Metrics) RegisterExecuting(fn func() int) {
	m.registry.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: "toolgate",
		Name:      "executing",
		Help:      "Executions currently running.",
	}, func() float64 { return float64(fn()) }))
}

// Handler serves the registry in the prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Observe consumes the event bus and keeps counters current until ctx is
// done. Run it in its own goroutine.
func (m *Metrics) Observe(ctx context.Context, bus *event.Bus) {
	events, cancel := bus.Subscribe()
	defer cancel()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			m.record(ev)
		}
	}
}

func (m *Metrics) record(ev event.Event) {
	switch ev.Type {
	case event.ExecutionRequested:
		m.ExecutionsTotal.WithLabelValues("pending").Inc()
	case event.ExecutionApproved:
		m.ExecutionsTotal.WithLabelValues("approved").Inc()
	case event.ExecutionRejected:
		m.ExecutionsTotal.WithLabelValues("rejected").Inc()
	case event.ExecutionStarted:
		m.ExecutionsTotal.WithLabelValues("executing").Inc()
	case event.ExecutionCompleted:
		m.ExecutionsTotal.WithLabelValues("completed").Inc()
	case event.ExecutionFailed:
		m.ExecutionsTotal.WithLabelValues("error").Inc()
	case event.ApprovalGranted:
		m.ApprovalsTotal.WithLabelValues("granted").Inc()
	case event.ApprovalRejected:
		m.ApprovalsTotal.WithLabelValues("rejected").Inc()
	case event.ApprovalEscalated:
		m.ApprovalsTotal.WithLabelValues("escalated").Inc()
	case event.ApprovalExpired:
		m.ApprovalsTotal.WithLabelValues("expired").Inc()
	case event.ReasoningStep:
		m.ReasoningSteps.Inc()
	}
}
